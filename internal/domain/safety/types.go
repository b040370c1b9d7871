// Package safety holds the core entities of the medication-safety pipeline:
// profiles, alerts, notifications and per-user notification settings.
package safety

import (
	"time"
)

// Severity classifies how urgent an alert is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank returns the ordinal position of the severity (low < medium < high < critical).
// Unknown values rank below low so they never pass a severity floor.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether s meets or exceeds the given floor.
func (s Severity) AtLeast(floor Severity) bool {
	return s.Rank() >= floor.Rank()
}

// AlertType identifies which sub-check produced an alert.
type AlertType string

const (
	AlertRecall           AlertType = "recall"
	AlertAdverseEvent     AlertType = "adverse_event"
	AlertInteraction      AlertType = "interaction"
	AlertContraindication AlertType = "contraindication"
)

// RiskLevel is the per-medication risk classification.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Medication is one entry of a user's medication list, as supplied by the host
// application. Name is free text and may need verification before analysis.
type Medication struct {
	Name       string     `json:"name"`
	Dosage     string     `json:"dosage,omitempty"`
	Route      string     `json:"route,omitempty"`
	StartDate  *time.Time `json:"start_date,omitempty"`
	EndDate    *time.Time `json:"end_date,omitempty"`
	Prescriber string     `json:"prescriber,omitempty"`
	Indication string     `json:"indication,omitempty"`
}

// Patient carries the optional demographics used by the risk heuristics.
type Patient struct {
	Age    int     `json:"age,omitempty"`
	Sex    string  `json:"sex,omitempty"`
	Weight float64 `json:"weight,omitempty"`
}

// MedicationProfile is the per-user aggregate owned by the monitor.
// One profile per user; mutated after each check cycle.
type MedicationProfile struct {
	UserID        string       `json:"user_id"`
	Patient       Patient      `json:"patient"`
	Medications   []Medication `json:"medications"`
	Allergies     []string     `json:"allergies,omitempty"`
	Conditions    []string     `json:"conditions,omitempty"`
	LastMonitored time.Time    `json:"last_monitored"`
	RiskScore     float64      `json:"risk_score"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// SafetyAlert is a detected risk condition for one user and medication.
// The ID is deterministic so re-running a check regenerates the same ID
// and the store can suppress duplicates.
type SafetyAlert struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Type           AlertType  `json:"type"`
	Severity       Severity   `json:"severity"`
	Medication     string     `json:"medication"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	ActionRequired string     `json:"action_required"`
	Source         string     `json:"source,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Acknowledged   bool       `json:"acknowledged"`
	Dismissed      bool       `json:"dismissed"`
}

// Expired reports whether the alert has passed its expiry, if it has one.
func (a *SafetyAlert) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}

// Active reports whether the alert should still be shown to the user.
func (a *SafetyAlert) Active(now time.Time) bool {
	return !a.Dismissed && !a.Expired(now)
}

// Channel names a notification delivery mechanism. The in-app channel is
// always attempted regardless of user configuration.
type Channel string

const (
	ChannelInApp    Channel = "in_app"
	ChannelPush     Channel = "push"
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelEventBus Channel = "event_bus"
)

// SafetyNotification wraps an alert for delivery. Tracked independently of the
// alert because delivery can be deferred by quiet hours.
type SafetyNotification struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	AlertID     string     `json:"alert_id"`
	Severity    Severity   `json:"severity"`
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	Channels    []Channel  `json:"channels,omitempty"`
	Delivered   bool       `json:"delivered"`
	Read        bool       `json:"read"`
	Dismissed   bool       `json:"dismissed"`
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// MedicationRisk is the derived per-medication analysis result. Recomputed on
// each run; never persisted by the pipeline itself.
type MedicationRisk struct {
	Medication        string    `json:"medication"`
	Level             RiskLevel `json:"level"`
	RiskFactors       []string  `json:"risk_factors,omitempty"`
	EventCount        int       `json:"event_count"`
	SeriousEventCount int       `json:"serious_event_count"`
	CommonSideEffects []string  `json:"common_side_effects,omitempty"`
	Contraindications []string  `json:"contraindications,omitempty"`
	Interactions      []string  `json:"interactions,omitempty"`
	RecallCount       int       `json:"recall_count"`
	Unavailable       bool      `json:"unavailable,omitempty"`
}
