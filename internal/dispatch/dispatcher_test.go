package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ukuqala/medguard/internal/domain/safety"
	"github.com/ukuqala/medguard/internal/infrastructure/memstore"
	"github.com/ukuqala/medguard/internal/openfda"
)

type stubGateway struct {
	events  map[string][]openfda.AdverseEventReport
	recalls map[string][]openfda.RecallRecord
}

func (s *stubGateway) SearchAdverseEvents(_ context.Context, med string, _ int, _ ...openfda.QueryOption) ([]openfda.AdverseEventReport, error) {
	return s.events[med], nil
}

func (s *stubGateway) FetchRecalls(_ context.Context, med string, _ int, _ ...openfda.QueryOption) ([]openfda.RecallRecord, error) {
	return s.recalls[med], nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func newDispatcher(t *testing.T, gw gateway, store safety.Store, handlers Handlers) (*Dispatcher, *fakeClock) {
	t.Helper()
	if gw == nil {
		gw = &stubGateway{}
	}
	d, err := New(DefaultConfig(), gw, store, handlers, nil, nil)
	require.NoError(t, err)
	clock := &fakeClock{t: time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)}
	d.now = clock.Now
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(d.Stop)
	return d, clock
}

func alertFor(userID string, severity safety.Severity, discriminator string) *safety.SafetyAlert {
	return &safety.SafetyAlert{
		ID:             safety.AlertID(safety.AlertRecall, userID, "drug", discriminator),
		UserID:         userID,
		Type:           safety.AlertRecall,
		Severity:       severity,
		Medication:     "drug",
		Title:          "Recall issued for drug",
		Description:    "lot contamination",
		ActionRequired: "Contact your healthcare provider about alternatives",
	}
}

func deliveredCount(t *testing.T, d *Dispatcher, userID string) int {
	t.Helper()
	list, err := d.ListNotifications(context.Background(), userID, 0, 0)
	require.NoError(t, err)
	n := 0
	for _, item := range list {
		if item.Delivered {
			n++
		}
	}
	return n
}

func TestNotifyDeliversThroughInApp(t *testing.T) {
	store := memstore.New()
	d, _ := newDispatcher(t, nil, store, nil)
	require.NoError(t, d.Subscribe(context.Background(), "user-1", nil))

	require.NoError(t, d.Notify(context.Background(), alertFor("user-1", safety.SeverityHigh, "r1")))

	require.Eventually(t, func() bool {
		return deliveredCount(t, d, "user-1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	list, err := d.ListNotifications(context.Background(), "user-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, []safety.Channel{safety.ChannelInApp}, list[0].Channels)
	assert.NotNil(t, list[0].DeliveredAt)
	assert.Contains(t, list[0].Body, "Contact your healthcare provider")
}

func TestSeverityGatingDropsBelowFloor(t *testing.T) {
	store := memstore.New()
	d, _ := newDispatcher(t, nil, store, nil)

	settings := safety.DefaultSettings("user-1")
	settings.MinSeverity = safety.SeverityHigh
	require.NoError(t, d.Subscribe(context.Background(), "user-1", settings))

	require.NoError(t, d.Notify(context.Background(), alertFor("user-1", safety.SeverityLow, "r1")))
	require.NoError(t, d.Notify(context.Background(), alertFor("user-1", safety.SeverityMedium, "r2")))

	list, err := d.ListNotifications(context.Background(), "user-1", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, list) // dropped outright, never queued

	require.NoError(t, d.Notify(context.Background(), alertFor("user-1", safety.SeverityCritical, "r3")))
	require.Eventually(t, func() bool {
		return deliveredCount(t, d, "user-1") == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnknownUserIsDropped(t *testing.T) {
	store := memstore.New()
	d, _ := newDispatcher(t, nil, store, nil)

	require.NoError(t, d.Notify(context.Background(), alertFor("stranger", safety.SeverityCritical, "r1")))

	list, err := d.ListNotifications(context.Background(), "stranger", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestQuietHoursWrapMidnightDefersUntilWindowEnds(t *testing.T) {
	store := memstore.New()
	d, clock := newDispatcher(t, nil, store, nil)

	settings := safety.DefaultSettings("user-1")
	settings.QuietHours = safety.QuietHours{Start: "22:00", End: "08:00"}
	require.NoError(t, d.Subscribe(context.Background(), "user-1", settings))

	clock.Set(time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC))
	require.NoError(t, d.Notify(context.Background(), alertFor("user-1", safety.SeverityHigh, "r1")))

	assert.Equal(t, 1, d.Status().QueueDepth)
	assert.Zero(t, deliveredCount(t, d, "user-1"))

	// Still inside the window after midnight: the poll keeps it queued.
	clock.Set(time.Date(2026, 3, 11, 6, 0, 0, 0, time.UTC))
	d.scanOnce(context.Background())
	assert.Equal(t, 1, d.Status().QueueDepth)
	assert.Zero(t, deliveredCount(t, d, "user-1"))

	// First poll after the window releases it.
	clock.Set(time.Date(2026, 3, 11, 8, 30, 0, 0, time.UTC))
	d.scanOnce(context.Background())
	require.Eventually(t, func() bool {
		return deliveredCount(t, d, "user-1") == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, d.Status().QueueDepth)
}

func TestChannelFailuresAreIndependent(t *testing.T) {
	store := memstore.New()
	handlers := Handlers{
		safety.ChannelPush: func(context.Context, *safety.SafetyNotification) error {
			return errors.New("push gateway unreachable")
		},
	}
	d, _ := newDispatcher(t, nil, store, handlers)

	settings := safety.DefaultSettings("user-1")
	settings.Channels = []safety.Channel{safety.ChannelPush}
	require.NoError(t, d.Subscribe(context.Background(), "user-1", settings))

	require.NoError(t, d.Notify(context.Background(), alertFor("user-1", safety.SeverityHigh, "r1")))

	require.Eventually(t, func() bool {
		return deliveredCount(t, d, "user-1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	list, err := d.ListNotifications(context.Background(), "user-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, []safety.Channel{safety.ChannelInApp}, list[0].Channels)
}

func TestDailyFrequencyDefersSecondDelivery(t *testing.T) {
	store := memstore.New()
	d, clock := newDispatcher(t, nil, store, nil)

	settings := safety.DefaultSettings("user-1")
	settings.Frequency = safety.FrequencyDaily
	require.NoError(t, d.Subscribe(context.Background(), "user-1", settings))

	require.NoError(t, d.Notify(context.Background(), alertFor("user-1", safety.SeverityHigh, "r1")))
	require.Eventually(t, func() bool {
		return deliveredCount(t, d, "user-1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Second alert on the same day waits.
	require.NoError(t, d.Notify(context.Background(), alertFor("user-1", safety.SeverityHigh, "r2")))
	assert.Equal(t, 1, d.Status().QueueDepth)

	clock.Set(clock.Now().Add(25 * time.Hour))
	d.scanOnce(context.Background())
	require.Eventually(t, func() bool {
		return deliveredCount(t, d, "user-1") == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScanEmitsAndDeduplicatesNewRecalls(t *testing.T) {
	store := memstore.New()
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	gw := &stubGateway{recalls: map[string][]openfda.RecallRecord{
		"valsartan": {{
			RecallNumber:   "D-0100-2026",
			Classification: "Class II",
			InitiationDate: now.AddDate(0, 0, -1).Format("20060102"),
			Reason:         "mislabeled strength",
		}},
	}}
	d, clock := newDispatcher(t, gw, store, nil)
	clock.Set(now)

	require.NoError(t, store.PutProfile(context.Background(), &safety.MedicationProfile{
		UserID:      "user-1",
		Medications: []safety.Medication{{Name: "valsartan"}},
	}))
	require.NoError(t, d.Subscribe(context.Background(), "user-1", nil))

	d.mu.Lock()
	d.lastScan = now.AddDate(0, 0, -2)
	d.mu.Unlock()

	d.scanOnce(context.Background())
	require.Eventually(t, func() bool {
		return deliveredCount(t, d, "user-1") == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, d.Status().LastScan.IsZero())

	// The same recall on the next cycle is suppressed by the stored alert.
	d.mu.Lock()
	d.lastScan = now.AddDate(0, 0, -2)
	d.mu.Unlock()
	d.scanOnce(context.Background())
	time.Sleep(50 * time.Millisecond)

	list, err := d.ListNotifications(context.Background(), "user-1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMarkReadAndDismiss(t *testing.T) {
	store := memstore.New()
	d, _ := newDispatcher(t, nil, store, nil)
	require.NoError(t, d.Subscribe(context.Background(), "user-1", nil))

	require.NoError(t, d.Notify(context.Background(), alertFor("user-1", safety.SeverityHigh, "r1")))
	require.Eventually(t, func() bool {
		return deliveredCount(t, d, "user-1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	list, err := d.ListNotifications(context.Background(), "user-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	id := list[0].ID

	require.NoError(t, d.MarkRead(context.Background(), id))
	require.NoError(t, d.DismissNotification(context.Background(), id))

	n, err := store.GetNotification(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, n.Read)
	assert.True(t, n.Dismissed)
}

func TestUpdateSettingsValidation(t *testing.T) {
	d, _ := newDispatcher(t, nil, memstore.New(), nil)

	bad := safety.DefaultSettings("user-1")
	bad.QuietHours = safety.QuietHours{Start: "25:99", End: "08:00"}
	assert.ErrorIs(t, d.UpdateSettings(context.Background(), bad), safety.ErrValidation)

	bad2 := safety.DefaultSettings("user-1")
	bad2.Channels = []safety.Channel{"carrier_pigeon"}
	assert.ErrorIs(t, d.UpdateSettings(context.Background(), bad2), safety.ErrValidation)
}

func TestStatusReport(t *testing.T) {
	d, _ := newDispatcher(t, nil, memstore.New(), nil)
	require.NoError(t, d.Subscribe(context.Background(), "user-1", nil))
	require.NoError(t, d.Subscribe(context.Background(), "user-2", nil))

	st := d.Status()
	assert.True(t, st.Running)
	assert.Equal(t, 2, st.Subscribers)
	assert.Zero(t, st.QueueDepth)
}
func TestLoadSettingsRequeuesUndeliveredNotifications(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()

	// State left behind by a previous process: an enabled subscriber and a
	// persisted notification that never made it out.
	require.NoError(t, store.PutSettings(ctx, safety.DefaultSettings("user-1")))
	require.NoError(t, store.PutNotification(ctx, &safety.SafetyNotification{
		ID:        "stranded-1",
		UserID:    "user-1",
		AlertID:   "alert-1",
		Severity:  safety.SeverityHigh,
		Title:     "Recall issued for drug",
		Body:      "lot contamination",
		CreatedAt: time.Date(2026, 3, 9, 23, 30, 0, 0, time.UTC),
	}))
	require.NoError(t, store.PutNotification(ctx, &safety.SafetyNotification{
		ID:        "done-1",
		UserID:    "user-1",
		Delivered: true,
		CreatedAt: time.Date(2026, 3, 9, 22, 0, 0, 0, time.UTC),
	}))

	d, _ := newDispatcher(t, nil, store, nil)
	require.NoError(t, d.LoadSettings(ctx))
	assert.Equal(t, 1, d.Status().QueueDepth)

	// Next scan cycle releases the stranded notification.
	d.scanOnce(ctx)
	require.Eventually(t, func() bool {
		return deliveredCount(t, d, "user-1") == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, d.Status().QueueDepth)
}
