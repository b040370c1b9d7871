// Package dispatch turns safety alerts into delivered notifications according
// to per-user preferences: channel selection, a minimum severity, quiet hours
// and delivery frequency. An independent scan loop also polls the data
// gateway for recall and adverse-event signals that surfaced since the last
// scan, so subscribers hear about new conditions between monitor cycles.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ukuqala/medguard/internal/domain/safety"
	"github.com/ukuqala/medguard/internal/observability/metrics"
	"github.com/ukuqala/medguard/internal/openfda"
	"github.com/ukuqala/medguard/pkg/workerpool"
)

// gateway is the slice of the data gateway the scan loop needs.
type gateway interface {
	SearchAdverseEvents(ctx context.Context, medication string, limit int, opts ...openfda.QueryOption) ([]openfda.AdverseEventReport, error)
	FetchRecalls(ctx context.Context, product string, limit int, opts ...openfda.QueryOption) ([]openfda.RecallRecord, error)
}

// Config holds the scan schedule and the signal thresholds the scan shares
// with the monitor.
type Config struct {
	ScanInterval time.Duration

	EventSampleSize  int
	RecallSampleSize int

	ReactionClusterMin int
	ReactionHighCount  int

	Pool workerpool.Config
}

func DefaultConfig() Config {
	return Config{
		ScanInterval:       15 * time.Minute,
		EventSampleSize:    100,
		RecallSampleSize:   10,
		ReactionClusterMin: 3,
		ReactionHighCount:  10,
		Pool:               workerpool.DefaultConfig(),
	}
}

// Status is the dispatcher's self-report.
type Status struct {
	Running     bool      `json:"running"`
	LastScan    time.Time `json:"last_scan"`
	QueueDepth  int       `json:"queue_depth"`
	Subscribers int       `json:"subscribers"`
}

type deliveryJob struct {
	notification *safety.SafetyNotification
	channels     []safety.Channel
}

// Dispatcher owns the per-user notification settings and the delivery queue.
type Dispatcher struct {
	cfg      Config
	gw       gateway
	store    safety.Store
	handlers Handlers
	pool     *workerpool.Pool
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer

	mu           sync.Mutex
	settings     map[string]*safety.NotificationSettings
	queue        []string // IDs of notifications deferred by quiet hours or frequency
	lastDelivery map[string]time.Time
	lastScan     time.Time
	running      bool
	cancel       context.CancelFunc
	done         chan struct{}

	now func() time.Time
}

func New(cfg Config, gw gateway, store safety.Store, handlers Handlers, m *metrics.Metrics, logger *zap.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultConfig().ScanInterval
	}
	if handlers == nil {
		handlers = make(Handlers)
	}
	if _, ok := handlers[safety.ChannelInApp]; !ok {
		handlers[safety.ChannelInApp] = InAppHandler(logger)
	}

	d := &Dispatcher{
		cfg:          cfg,
		gw:           gw,
		store:        store,
		handlers:     handlers,
		metrics:      m,
		logger:       logger,
		tracer:       otel.Tracer("alert-dispatcher"),
		settings:     make(map[string]*safety.NotificationSettings),
		lastDelivery: make(map[string]time.Time),
		now:          time.Now,
	}
	pool, err := workerpool.New(cfg.Pool, d.deliverTask, logger)
	if err != nil {
		return nil, fmt.Errorf("creating delivery pool: %w", err)
	}
	d.pool = pool
	return d, nil
}

// recoveryScanLimit bounds the per-user notification lookback when rebuilding
// the deferral queue after a restart.
const recoveryScanLimit = 500

// LoadSettings primes the in-memory settings index from the store and
// re-queues stored notifications that were never delivered, so a deferral
// survives a process restart. Call once at startup, before Start.
func (d *Dispatcher) LoadSettings(ctx context.Context) error {
	all, err := d.store.ListSettings(ctx)
	if err != nil {
		return fmt.Errorf("loading notification settings: %w", err)
	}
	d.mu.Lock()
	for _, s := range all {
		d.settings[s.UserID] = s
	}
	d.mu.Unlock()

	recovered := 0
	for _, s := range all {
		notifications, err := d.store.ListNotifications(ctx, s.UserID, recoveryScanLimit, 0)
		if err != nil {
			return fmt.Errorf("recovering notifications for %s: %w", s.UserID, err)
		}
		for _, n := range notifications {
			if n.Delivered || n.Dismissed {
				continue
			}
			d.enqueue(n.ID)
			recovered++
		}
	}

	d.logger.Info("notification settings loaded",
		zap.Int("subscribers", len(all)),
		zap.Int("recovered_undelivered", recovered))
	return nil
}

// Subscribe enables delivery for a user. A nil settings argument applies the
// defaults (in-app only, no severity floor, immediate).
func (d *Dispatcher) Subscribe(ctx context.Context, userID string, s *safety.NotificationSettings) error {
	if s == nil {
		s = safety.DefaultSettings(userID)
	}
	s.UserID = userID
	s.Enabled = true
	return d.saveSettings(ctx, s)
}

// Unsubscribe disables delivery; the user's settings are kept so a later
// re-subscribe restores them.
func (d *Dispatcher) Unsubscribe(ctx context.Context, userID string) error {
	d.mu.Lock()
	s, ok := d.settings[userID]
	d.mu.Unlock()
	if !ok {
		loaded, err := d.store.GetSettings(ctx, userID)
		if err != nil {
			return fmt.Errorf("loading settings %s: %w", userID, err)
		}
		s = loaded
	}
	s.Enabled = false
	return d.saveSettings(ctx, s)
}

// UpdateSettings validates and stores new preferences, write-through.
func (d *Dispatcher) UpdateSettings(ctx context.Context, s *safety.NotificationSettings) error {
	return d.saveSettings(ctx, s)
}

func (d *Dispatcher) saveSettings(ctx context.Context, s *safety.NotificationSettings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	s.UpdatedAt = d.now().UTC()
	if err := d.store.PutSettings(ctx, s); err != nil {
		return fmt.Errorf("storing settings %s: %w", s.UserID, err)
	}
	d.mu.Lock()
	d.settings[s.UserID] = s
	d.mu.Unlock()
	return nil
}

func (d *Dispatcher) settingsFor(userID string) *safety.NotificationSettings {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings[userID]
}

// Notify synthesizes a notification for a freshly generated alert and either
// delivers it or queues it, per the user's settings. Alerts for users without
// enabled settings, or below the user's severity floor, are dropped entirely.
func (d *Dispatcher) Notify(ctx context.Context, alert *safety.SafetyAlert) error {
	s := d.settingsFor(alert.UserID)
	if s == nil || !s.Enabled {
		d.metrics.IncDropped()
		return nil
	}
	if !alert.Severity.AtLeast(s.MinSeverity) {
		d.metrics.IncDropped()
		d.logger.Debug("notification below severity floor",
			zap.String("user_id", alert.UserID),
			zap.String("severity", string(alert.Severity)),
			zap.String("floor", string(s.MinSeverity)))
		return nil
	}

	now := d.now().UTC()
	n := &safety.SafetyNotification{
		ID:        uuid.New().String(),
		UserID:    alert.UserID,
		AlertID:   alert.ID,
		Severity:  alert.Severity,
		Title:     alert.Title,
		Body:      notificationBody(alert),
		CreatedAt: now,
	}
	// Persist before delivery: a deferred notification must survive restart.
	if err := d.store.PutNotification(ctx, n); err != nil {
		return fmt.Errorf("storing notification %s: %w", n.ID, err)
	}

	if d.shouldDefer(s, now) {
		d.enqueue(n.ID)
		return nil
	}
	d.dispatch(ctx, n, s.Channels)
	return nil
}

func notificationBody(alert *safety.SafetyAlert) string {
	if alert.ActionRequired == "" {
		return alert.Description
	}
	return alert.Description + ". " + alert.ActionRequired
}

// shouldDefer reports whether delivery must wait: inside quiet hours, or the
// user's frequency window since their last delivery has not yet elapsed.
func (d *Dispatcher) shouldDefer(s *safety.NotificationSettings, now time.Time) bool {
	if s.QuietHours.Contains(now) {
		return true
	}
	var gap time.Duration
	switch s.Frequency {
	case safety.FrequencyHourly:
		gap = time.Hour
	case safety.FrequencyDaily:
		gap = 24 * time.Hour
	default:
		return false
	}
	d.mu.Lock()
	last, ok := d.lastDelivery[s.UserID]
	d.mu.Unlock()
	return ok && now.Sub(last) < gap
}

func (d *Dispatcher) enqueue(notificationID string) {
	d.mu.Lock()
	d.queue = append(d.queue, notificationID)
	depth := len(d.queue)
	d.mu.Unlock()
	d.metrics.SetQueueDepth(depth)
}

// dispatch hands the delivery to the worker pool; if the pool cannot accept
// it (shutting down, queue full) the delivery runs inline instead of being
// lost.
func (d *Dispatcher) dispatch(ctx context.Context, n *safety.SafetyNotification, channels []safety.Channel) {
	task := &workerpool.Task{ID: n.ID, Payload: &deliveryJob{notification: n, channels: channels}}
	if err := d.pool.Submit(task); err != nil {
		d.logger.Warn("delivery pool rejected task, delivering inline",
			zap.String("notification_id", n.ID), zap.Error(err))
		d.deliver(ctx, n, channels)
	}
}

func (d *Dispatcher) deliverTask(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	job := task.Payload.(*deliveryJob)
	d.deliver(ctx, job.notification, job.channels)
	return &workerpool.Result{TaskID: task.ID, Success: job.notification.Delivered,
		Error: errIfUndelivered(job.notification)}
}

func errIfUndelivered(n *safety.SafetyNotification) error {
	if n.Delivered {
		return nil
	}
	return errors.New("no delivery channel succeeded")
}

// deliver attempts every channel independently, in-app always first. The
// notification is marked delivered once at least one channel succeeds, and
// the updated record is persisted regardless of the outcome.
func (d *Dispatcher) deliver(ctx context.Context, n *safety.SafetyNotification, channels []safety.Channel) {
	ctx, span := d.tracer.Start(ctx, "dispatch.deliver",
		trace.WithAttributes(attribute.String("notification.id", n.ID)))
	defer span.End()

	n.Channels = n.Channels[:0]
	for _, ch := range orderedChannels(channels) {
		fn, ok := d.handlers[ch]
		if !ok {
			d.logger.Warn("no handler for channel", zap.String("channel", string(ch)))
			continue
		}
		if err := fn(ctx, n); err != nil {
			d.logger.Warn("channel delivery failed",
				zap.String("notification_id", n.ID),
				zap.String("channel", string(ch)),
				zap.Error(err))
			continue
		}
		n.Channels = append(n.Channels, ch)
		d.metrics.IncDelivered(string(ch))
	}

	if len(n.Channels) > 0 {
		now := d.now().UTC()
		n.Delivered = true
		n.DeliveredAt = &now
		d.mu.Lock()
		d.lastDelivery[n.UserID] = now
		d.mu.Unlock()
	}
	if err := d.store.PutNotification(ctx, n); err != nil {
		d.logger.Error("persisting delivered notification failed",
			zap.String("notification_id", n.ID), zap.Error(err))
	}
	span.SetAttributes(attribute.Bool("notification.delivered", n.Delivered))
}

// orderedChannels puts the always-on in-app channel first and drops
// duplicates.
func orderedChannels(channels []safety.Channel) []safety.Channel {
	out := []safety.Channel{safety.ChannelInApp}
	for _, ch := range channels {
		if ch != safety.ChannelInApp {
			out = append(out, ch)
		}
	}
	return out
}

// ListNotifications returns a user's notifications, newest first.
func (d *Dispatcher) ListNotifications(ctx context.Context, userID string, limit, offset int) ([]*safety.SafetyNotification, error) {
	return d.store.ListNotifications(ctx, userID, limit, offset)
}

// MarkRead flags one notification as read. No side effects on others.
func (d *Dispatcher) MarkRead(ctx context.Context, notificationID string) error {
	return d.setNotificationFlag(ctx, notificationID, func(n *safety.SafetyNotification) { n.Read = true })
}

// DismissNotification hides one notification.
func (d *Dispatcher) DismissNotification(ctx context.Context, notificationID string) error {
	return d.setNotificationFlag(ctx, notificationID, func(n *safety.SafetyNotification) { n.Dismissed = true })
}

func (d *Dispatcher) setNotificationFlag(ctx context.Context, id string, mutate func(*safety.SafetyNotification)) error {
	n, err := d.store.GetNotification(ctx, id)
	if err != nil {
		return fmt.Errorf("loading notification %s: %w", id, err)
	}
	mutate(n)
	if err := d.store.PutNotification(ctx, n); err != nil {
		return fmt.Errorf("storing notification %s: %w", id, err)
	}
	return nil
}

// Status reports the dispatcher's current state.
func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{
		Running:     d.running,
		LastScan:    d.lastScan,
		QueueDepth:  len(d.queue),
		Subscribers: len(d.settings),
	}
}

// Start launches the delivery pool and the scan loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return errors.New("dispatcher already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	d.running = true
	d.cancel = cancel
	d.done = make(chan struct{})
	d.pool.Start()
	go d.loop(ctx)
	d.logger.Info("alert dispatcher started",
		zap.Duration("scan_interval", d.cfg.ScanInterval))
	return nil
}

// Stop halts the scan loop, waits for the in-flight cycle, and drains the
// delivery pool.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	cancel()
	<-done
	d.pool.Stop()
	d.logger.Info("alert dispatcher stopped")
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.scanOnce(ctx)
		}
	}
}

// scanOnce is one polling cycle: release deferred notifications whose window
// has passed, then look for recall and adverse-event signals newer than the
// previous scan for every enabled subscriber.
func (d *Dispatcher) scanOnce(ctx context.Context) {
	ctx, span := d.tracer.Start(ctx, "dispatch.scan")
	defer span.End()
	now := d.now().UTC()

	d.releaseQueue(ctx, now)

	d.mu.Lock()
	since := d.lastScan
	subscribers := make([]*safety.NotificationSettings, 0, len(d.settings))
	for _, s := range d.settings {
		if s.Enabled {
			subscribers = append(subscribers, s)
		}
	}
	d.mu.Unlock()
	sort.Slice(subscribers, func(i, j int) bool { return subscribers[i].UserID < subscribers[j].UserID })
	if since.IsZero() {
		since = now.Add(-d.cfg.ScanInterval)
	}

	for _, s := range subscribers {
		if ctx.Err() != nil {
			return
		}
		d.scanUser(ctx, s.UserID, since, now)
	}

	d.mu.Lock()
	d.lastScan = now
	d.mu.Unlock()
	d.metrics.IncScan()
	span.SetAttributes(attribute.Int("scan.subscribers", len(subscribers)))
}

// scanUser re-runs the recall and adverse-event sub-checks for one user,
// restricted to records newer than since. New conditions are stored as alerts
// (deduplicated by ID, like the monitor's) and notified.
func (d *Dispatcher) scanUser(ctx context.Context, userID string, since, now time.Time) {
	profile, err := d.store.GetProfile(ctx, userID)
	if err != nil {
		if !errors.Is(err, safety.ErrNotFound) {
			d.logger.Warn("scan skipped, profile unavailable",
				zap.String("user_id", userID), zap.Error(err))
		}
		return
	}

	for _, med := range profile.Medications {
		for _, alert := range d.scanRecalls(ctx, profile, med.Name, since, now) {
			d.emit(ctx, alert)
		}
		for _, alert := range d.scanAdverseEvents(ctx, profile, med.Name, since, now) {
			d.emit(ctx, alert)
		}
	}
}

func (d *Dispatcher) scanRecalls(ctx context.Context, profile *safety.MedicationProfile, medication string, since, now time.Time) []*safety.SafetyAlert {
	recalls, err := d.gw.FetchRecalls(ctx, medication, d.cfg.RecallSampleSize)
	if err != nil {
		d.logger.Warn("recall scan skipped",
			zap.String("user_id", profile.UserID),
			zap.String("medication", medication),
			zap.Error(err))
		return nil
	}

	var alerts []*safety.SafetyAlert
	for i := range recalls {
		rec := &recalls[i]
		initiated, ok := rec.InitiationTime()
		if !ok || !initiated.After(since) {
			continue
		}
		severity := safety.RecallSeverity(rec.Classification)
		expires := now.Add(90 * 24 * time.Hour)
		alerts = append(alerts, &safety.SafetyAlert{
			ID:             safety.AlertID(safety.AlertRecall, profile.UserID, medication, rec.RecallNumber),
			UserID:         profile.UserID,
			Type:           safety.AlertRecall,
			Severity:       severity,
			Medication:     medication,
			Title:          fmt.Sprintf("Recall issued for %s", medication),
			Description:    rec.Reason,
			ActionRequired: safety.RecallAction(severity),
			Source:         "FDA enforcement report " + rec.RecallNumber,
			CreatedAt:      now,
			ExpiresAt:      &expires,
		})
	}
	return alerts
}

func (d *Dispatcher) scanAdverseEvents(ctx context.Context, profile *safety.MedicationProfile, medication string, since, now time.Time) []*safety.SafetyAlert {
	events, err := d.gw.SearchAdverseEvents(ctx, medication, d.cfg.EventSampleSize)
	if err != nil {
		d.logger.Warn("adverse-event scan skipped",
			zap.String("user_id", profile.UserID),
			zap.String("medication", medication),
			zap.Error(err))
		return nil
	}

	counts := make(map[string]int)
	for i := range events {
		if !events[i].IsSerious() {
			continue
		}
		received, err := time.Parse("20060102", events[i].ReceiveDate)
		if err != nil || !received.After(since) {
			continue
		}
		for _, reaction := range events[i].Patient.Reactions {
			term := strings.ToLower(strings.TrimSpace(reaction.Term))
			if term != "" {
				counts[term]++
			}
		}
	}

	var alerts []*safety.SafetyAlert
	for term, count := range counts {
		if count < d.cfg.ReactionClusterMin {
			continue
		}
		severity := safety.SeverityMedium
		if count > d.cfg.ReactionHighCount {
			severity = safety.SeverityHigh
		}
		alerts = append(alerts, &safety.SafetyAlert{
			ID:             safety.AlertID(safety.AlertAdverseEvent, profile.UserID, medication, term),
			UserID:         profile.UserID,
			Type:           safety.AlertAdverseEvent,
			Severity:       severity,
			Medication:     medication,
			Title:          fmt.Sprintf("Frequent adverse reaction reports for %s", medication),
			Description:    fmt.Sprintf("%q was reported %d times in recent safety reports", term, count),
			ActionRequired: "Watch for this symptom and report it to your provider if it occurs",
			Source:         "FDA adverse event reporting system",
			CreatedAt:      now,
		})
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].ID < alerts[j].ID })
	return alerts
}

// emit stores a scan-derived alert unless an active one already exists, then
// notifies.
func (d *Dispatcher) emit(ctx context.Context, alert *safety.SafetyAlert) {
	existing, err := d.store.GetAlert(ctx, alert.ID)
	if err != nil && !errors.Is(err, safety.ErrNotFound) {
		d.logger.Error("alert lookup failed", zap.String("alert_id", alert.ID), zap.Error(err))
		return
	}
	if existing != nil && existing.Active(d.now().UTC()) {
		d.metrics.IncSuppressed()
		return
	}
	if err := d.store.PutAlert(ctx, alert); err != nil {
		d.logger.Error("storing scan alert failed", zap.String("alert_id", alert.ID), zap.Error(err))
		return
	}
	d.metrics.IncAlert(string(alert.Type), string(alert.Severity))
	if err := d.Notify(ctx, alert); err != nil {
		d.logger.Error("notifying scan alert failed", zap.String("alert_id", alert.ID), zap.Error(err))
	}
}

// releaseQueue re-examines every deferred notification and delivers the ones
// whose quiet-hours or frequency window has passed.
func (d *Dispatcher) releaseQueue(ctx context.Context, now time.Time) {
	d.mu.Lock()
	queued := d.queue
	d.queue = nil
	d.mu.Unlock()
	if len(queued) == 0 {
		return
	}

	var still []string
	for _, id := range queued {
		n, err := d.store.GetNotification(ctx, id)
		if err != nil {
			d.logger.Warn("queued notification vanished", zap.String("notification_id", id), zap.Error(err))
			continue
		}
		s := d.settingsFor(n.UserID)
		if s == nil || !s.Enabled {
			d.metrics.IncDropped()
			continue
		}
		if d.shouldDefer(s, now) {
			still = append(still, id)
			continue
		}
		d.dispatch(ctx, n, s.Channels)
	}

	d.mu.Lock()
	d.queue = append(still, d.queue...)
	depth := len(d.queue)
	d.mu.Unlock()
	d.metrics.SetQueueDepth(depth)
}
