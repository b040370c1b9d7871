// Package monitor owns one medication profile per enrolled user and produces
// safety alerts on a recurring schedule. It runs four independent sub-checks
// per user (recalls, adverse-event clusters, pairwise interactions, and
// contraindications/allergies) and relies on deterministic alert IDs plus the
// store to suppress alerts the user has already seen.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ukuqala/medguard/internal/domain/safety"
	"github.com/ukuqala/medguard/internal/observability/metrics"
	"github.com/ukuqala/medguard/internal/openfda"
	"github.com/ukuqala/medguard/internal/risk"
)

// gateway is the slice of the data gateway the sub-checks need.
type gateway interface {
	SearchAdverseEvents(ctx context.Context, medication string, limit int, opts ...openfda.QueryOption) ([]openfda.AdverseEventReport, error)
	FetchDrugLabel(ctx context.Context, medication string, opts ...openfda.QueryOption) (*openfda.DrugLabel, error)
	FetchRecalls(ctx context.Context, product string, limit int, opts ...openfda.QueryOption) ([]openfda.RecallRecord, error)
	CheckInteractions(ctx context.Context, medications []string, opts ...openfda.QueryOption) (*openfda.InteractionSignal, error)
}

// analyzer recomputes the composite risk score after each check.
type analyzer interface {
	AnalyzeProfile(ctx context.Context, profile *safety.MedicationProfile) *risk.Assessment
}

// Config holds the schedule and the sub-check tunables.
type Config struct {
	CheckInterval time.Duration // shared timer for all enrolled users
	RecallWindow  time.Duration // recalls older than this are ignored
	AlertTTL      time.Duration // recall alerts auto-expire after this

	EventSampleSize  int
	RecallSampleSize int

	ReactionClusterMin     int // reports naming a reaction before it alerts
	ReactionHighCount      int // above this the cluster alert is high
	ReactionClustersPerMed int

	SeverityFloor      safety.Severity // alerts below this are not emitted
	IncludeMinorEvents bool            // count non-serious adverse reports
}

func DefaultConfig() Config {
	return Config{
		CheckInterval:          24 * time.Hour,
		RecallWindow:           90 * 24 * time.Hour,
		AlertTTL:               90 * 24 * time.Hour,
		EventSampleSize:        100,
		RecallSampleSize:       10,
		ReactionClusterMin:     3,
		ReactionHighCount:      10,
		ReactionClustersPerMed: 3,
		SeverityFloor:          safety.SeverityLow,
	}
}

// Monitor is the scheduled safety checker. One instance serves all users.
type Monitor struct {
	gw       gateway
	analyzer analyzer
	store    safety.Store
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer

	mu       sync.Mutex
	cfg      Config
	enrolled map[string]struct{}
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	onAlert  func(ctx context.Context, alert *safety.SafetyAlert)

	now func() time.Time
}

func New(cfg Config, gw gateway, an analyzer, store safety.Store, m *metrics.Metrics, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		gw:       gw,
		analyzer: an,
		store:    store,
		metrics:  m,
		logger:   logger,
		tracer:   otel.Tracer("safety-monitor"),
		cfg:      cfg,
		enrolled: make(map[string]struct{}),
		now:      time.Now,
	}
}

// SetAlertSink registers a callback invoked for every newly emitted alert.
// Suppressed duplicates never reach the sink.
func (m *Monitor) SetAlertSink(fn func(ctx context.Context, alert *safety.SafetyAlert)) {
	m.mu.Lock()
	m.onAlert = fn
	m.mu.Unlock()
}

// Enroll registers a user for scheduled checks and runs the first check
// immediately. Enrolling an already-enrolled user refreshes the stored
// profile and re-runs the check; it never duplicates state.
func (m *Monitor) Enroll(ctx context.Context, profile *safety.MedicationProfile) ([]*safety.SafetyAlert, error) {
	if profile == nil || profile.UserID == "" {
		return nil, fmt.Errorf("%w: profile with user id required", safety.ErrValidation)
	}

	now := m.now().UTC()
	existing, err := m.store.GetProfile(ctx, profile.UserID)
	if err != nil && !errors.Is(err, safety.ErrNotFound) {
		return nil, fmt.Errorf("loading profile %s: %w", profile.UserID, err)
	}
	if existing != nil {
		profile.CreatedAt = existing.CreatedAt
		profile.RiskScore = existing.RiskScore
		profile.LastMonitored = existing.LastMonitored
	} else {
		profile.CreatedAt = now
	}
	profile.UpdatedAt = now
	if err := m.store.PutProfile(ctx, profile); err != nil {
		return nil, fmt.Errorf("storing profile %s: %w", profile.UserID, err)
	}

	m.mu.Lock()
	m.enrolled[profile.UserID] = struct{}{}
	m.mu.Unlock()

	m.logger.Info("user enrolled for safety monitoring",
		zap.String("user_id", profile.UserID),
		zap.Int("medications", len(profile.Medications)))
	return m.runCheck(ctx, profile)
}

// Unenroll removes a user from the schedule. Stored profile and alerts are
// left untouched.
func (m *Monitor) Unenroll(userID string) {
	m.mu.Lock()
	delete(m.enrolled, userID)
	m.mu.Unlock()
}

// CheckNow runs an on-demand check for one user and returns the alerts newly
// generated by this run.
func (m *Monitor) CheckNow(ctx context.Context, userID string) ([]*safety.SafetyAlert, error) {
	profile, err := m.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading profile %s: %w", userID, err)
	}
	return m.runCheck(ctx, profile)
}

// runCheck executes the four sub-checks, suppresses alerts the store already
// holds in active form, persists the survivors, and refreshes the profile's
// composite score and last-monitored timestamp.
func (m *Monitor) runCheck(ctx context.Context, profile *safety.MedicationProfile) ([]*safety.SafetyAlert, error) {
	ctx, span := m.tracer.Start(ctx, "monitor.check",
		trace.WithAttributes(attribute.String("user.id", profile.UserID)))
	defer span.End()
	started := m.now()
	now := started.UTC()

	// Snapshot once so a concurrent UpdateSchedule cannot race the sub-checks.
	m.mu.Lock()
	cfg := m.cfg
	sink := m.onAlert
	m.mu.Unlock()

	var candidates []*safety.SafetyAlert
	candidates = append(candidates, m.checkRecalls(ctx, cfg, profile, now)...)
	candidates = append(candidates, m.checkAdverseEvents(ctx, cfg, profile, now)...)
	candidates = append(candidates, m.checkInteractions(ctx, profile, now)...)
	candidates = append(candidates, m.checkContraindications(ctx, profile, now)...)

	var emitted []*safety.SafetyAlert
	for _, alert := range candidates {
		if !alert.Severity.AtLeast(cfg.SeverityFloor) {
			continue
		}
		existing, err := m.store.GetAlert(ctx, alert.ID)
		if err != nil && !errors.Is(err, safety.ErrNotFound) {
			return nil, fmt.Errorf("checking alert %s: %w", alert.ID, err)
		}
		if existing != nil && existing.Active(now) {
			m.metrics.IncSuppressed()
			continue
		}
		if err := m.store.PutAlert(ctx, alert); err != nil {
			return nil, fmt.Errorf("storing alert %s: %w", alert.ID, err)
		}
		m.metrics.IncAlert(string(alert.Type), string(alert.Severity))
		emitted = append(emitted, alert)
		if sink != nil {
			sink(ctx, alert)
		}
	}

	assessment := m.analyzer.AnalyzeProfile(ctx, profile)
	profile.RiskScore = assessment.CompositeScore
	profile.LastMonitored = now
	profile.UpdatedAt = now
	if err := m.store.PutProfile(ctx, profile); err != nil {
		return nil, fmt.Errorf("updating profile %s: %w", profile.UserID, err)
	}

	m.metrics.ObserveCheck(time.Since(started).Seconds())
	span.SetAttributes(
		attribute.Int("alerts.candidates", len(candidates)),
		attribute.Int("alerts.emitted", len(emitted)),
	)
	m.logger.Info("safety check completed",
		zap.String("user_id", profile.UserID),
		zap.Int("candidates", len(candidates)),
		zap.Int("new_alerts", len(emitted)),
		zap.Float64("risk_score", assessment.CompositeScore))
	return emitted, nil
}

// ListActiveAlerts returns the user's non-dismissed, non-expired alerts.
func (m *Monitor) ListActiveAlerts(ctx context.Context, userID string) ([]*safety.SafetyAlert, error) {
	alerts, err := m.store.ListAlerts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing alerts for %s: %w", userID, err)
	}
	now := m.now().UTC()
	active := alerts[:0]
	for _, a := range alerts {
		if a.Active(now) {
			active = append(active, a)
		}
	}
	return active, nil
}

// Acknowledge marks an alert as seen by the user.
func (m *Monitor) Acknowledge(ctx context.Context, alertID string) error {
	return m.setAlertFlag(ctx, alertID, func(a *safety.SafetyAlert) { a.Acknowledged = true })
}

// Dismiss hides an alert permanently. The record stays in the store so the
// same condition cannot re-alert under the same ID.
func (m *Monitor) Dismiss(ctx context.Context, alertID string) error {
	return m.setAlertFlag(ctx, alertID, func(a *safety.SafetyAlert) { a.Dismissed = true })
}

func (m *Monitor) setAlertFlag(ctx context.Context, alertID string, mutate func(*safety.SafetyAlert)) error {
	alert, err := m.store.GetAlert(ctx, alertID)
	if err != nil {
		return fmt.Errorf("loading alert %s: %w", alertID, err)
	}
	mutate(alert)
	if err := m.store.PutAlert(ctx, alert); err != nil {
		return fmt.Errorf("storing alert %s: %w", alertID, err)
	}
	return nil
}

// UpdateSchedule changes the check interval, the severity floor, and whether
// minor adverse events count. The new interval takes effect after the next
// tick.
func (m *Monitor) UpdateSchedule(interval time.Duration, floor safety.Severity, includeMinor bool) error {
	if interval <= 0 {
		return fmt.Errorf("%w: check interval must be positive", safety.ErrValidation)
	}
	if floor.Rank() < 0 {
		return fmt.Errorf("%w: unknown severity %q", safety.ErrValidation, floor)
	}
	m.mu.Lock()
	m.cfg.CheckInterval = interval
	m.cfg.SeverityFloor = floor
	m.cfg.IncludeMinorEvents = includeMinor
	m.mu.Unlock()
	return nil
}

// Start launches the background schedule. It is an error to start a monitor
// that is already running.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("monitor already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(ctx)
	m.logger.Info("safety monitor started",
		zap.Duration("check_interval", m.cfg.CheckInterval))
	return nil
}

// Stop prevents further ticks and waits for any in-flight cycle to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done
	m.logger.Info("safety monitor stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	timer := time.NewTimer(m.interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			m.checkAll(ctx)
			timer.Reset(m.interval())
		}
	}
}

func (m *Monitor) interval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.CheckInterval
}

// checkAll runs one cycle over every enrolled user sequentially. A failure
// for one user is logged and the cycle moves on.
func (m *Monitor) checkAll(ctx context.Context) {
	m.mu.Lock()
	users := make([]string, 0, len(m.enrolled))
	for id := range m.enrolled {
		users = append(users, id)
	}
	m.mu.Unlock()
	sort.Strings(users)

	for _, userID := range users {
		if ctx.Err() != nil {
			return
		}
		if _, err := m.CheckNow(ctx, userID); err != nil {
			m.logger.Error("scheduled check failed",
				zap.String("user_id", userID), zap.Error(err))
		}
	}
}
