package safety

import "context"

// Store is the persistence port for the pipeline. The host owns the actual
// schema; the pipeline only needs keyed read-modify-write per user and per
// alert/notification ID. Writes must be idempotent upserts so a crash and
// restart mid-cycle re-derives results instead of corrupting state.
type Store interface {
	// Profiles, one per user.
	GetProfile(ctx context.Context, userID string) (*MedicationProfile, error)
	PutProfile(ctx context.Context, profile *MedicationProfile) error

	// Alerts, keyed by deterministic alert ID.
	GetAlert(ctx context.Context, alertID string) (*SafetyAlert, error)
	PutAlert(ctx context.Context, alert *SafetyAlert) error
	ListAlerts(ctx context.Context, userID string) ([]*SafetyAlert, error)

	// Notifications, newest first.
	GetNotification(ctx context.Context, notificationID string) (*SafetyNotification, error)
	PutNotification(ctx context.Context, n *SafetyNotification) error
	ListNotifications(ctx context.Context, userID string, limit, offset int) ([]*SafetyNotification, error)

	// Dispatcher settings.
	GetSettings(ctx context.Context, userID string) (*NotificationSettings, error)
	PutSettings(ctx context.Context, s *NotificationSettings) error
	ListSettings(ctx context.Context) ([]*NotificationSettings, error)
}
