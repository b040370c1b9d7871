package safety

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// QuietHours is a local time-of-day window during which notifications are
// queued instead of delivered. A window may wrap past midnight (22:00-08:00).
// The zero value disables quiet hours.
type QuietHours struct {
	Start string `json:"start,omitempty" validate:"omitempty,datetime=15:04"`
	End   string `json:"end,omitempty" validate:"required_with=Start,omitempty,datetime=15:04"`
}

// Enabled reports whether a window is configured.
func (q QuietHours) Enabled() bool {
	return q.Start != "" && q.End != ""
}

// Contains reports whether t falls inside the window. Comparison uses
// minutes-of-day in t's location, so the window wraps midnight naturally
// when Start > End.
func (q QuietHours) Contains(t time.Time) bool {
	if !q.Enabled() {
		return false
	}
	start, err := minutesOfDay(q.Start)
	if err != nil {
		return false
	}
	end, err := minutesOfDay(q.End)
	if err != nil {
		return false
	}

	now := t.Hour()*60 + t.Minute()
	if start <= end {
		return now >= start && now < end
	}
	// Wrapping window, e.g. 22:00-08:00.
	return now >= start || now < end
}

func minutesOfDay(hhmm string) (int, error) {
	parsed, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, err
	}
	return parsed.Hour()*60 + parsed.Minute(), nil
}

// Frequency controls how often the dispatcher contacts a user.
type Frequency string

const (
	FrequencyImmediate Frequency = "immediate"
	FrequencyHourly    Frequency = "hourly"
	FrequencyDaily     Frequency = "daily"
)

// NotificationSettings is the per-user dispatcher configuration. Owned by the
// dispatcher; mutated only through explicit settings updates.
type NotificationSettings struct {
	UserID      string     `json:"user_id" validate:"required"`
	Enabled     bool       `json:"enabled"`
	Channels    []Channel  `json:"channels" validate:"dive,oneof=in_app push email sms event_bus"`
	MinSeverity Severity   `json:"min_severity" validate:"omitempty,oneof=low medium high critical"`
	QuietHours  QuietHours `json:"quiet_hours"`
	Frequency   Frequency  `json:"frequency" validate:"omitempty,oneof=immediate hourly daily"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// DefaultSettings returns the settings applied when a user subscribes without
// explicit preferences.
func DefaultSettings(userID string) *NotificationSettings {
	return &NotificationSettings{
		UserID:      userID,
		Enabled:     true,
		Channels:    []Channel{ChannelInApp},
		MinSeverity: SeverityLow,
		Frequency:   FrequencyImmediate,
		UpdatedAt:   time.Now().UTC(),
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate rejects malformed settings at the update boundary, before anything
// reaches the store.
func (s *NotificationSettings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %s", ErrValidation, err.Error())
	}
	return nil
}
