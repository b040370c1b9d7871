// Package postgres implements the persistence port on PostgreSQL. Every
// write is an idempotent upsert keyed by the record's natural identifier, so
// a crash mid-cycle followed by a re-run converges instead of corrupting
// state.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ukuqala/medguard/internal/domain/safety"
)

// Store is the pgx-backed implementation of safety.Store.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger}
}

// Migrate creates the schema when it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS medication_profiles (
			user_id        TEXT PRIMARY KEY,
			patient        JSONB NOT NULL DEFAULT '{}',
			medications    JSONB NOT NULL DEFAULT '[]',
			allergies      JSONB NOT NULL DEFAULT '[]',
			conditions     JSONB NOT NULL DEFAULT '[]',
			last_monitored TIMESTAMPTZ,
			risk_score     DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS safety_alerts (
			id              TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL,
			alert_type      TEXT NOT NULL,
			severity        TEXT NOT NULL,
			medication      TEXT NOT NULL,
			title           TEXT NOT NULL,
			description     TEXT NOT NULL DEFAULT '',
			action_required TEXT NOT NULL DEFAULT '',
			source          TEXT NOT NULL DEFAULT '',
			created_at      TIMESTAMPTZ NOT NULL,
			expires_at      TIMESTAMPTZ,
			acknowledged    BOOLEAN NOT NULL DEFAULT FALSE,
			dismissed       BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_safety_alerts_user ON safety_alerts (user_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS safety_notifications (
			id           TEXT PRIMARY KEY,
			user_id      TEXT NOT NULL,
			alert_id     TEXT NOT NULL,
			severity     TEXT NOT NULL,
			title        TEXT NOT NULL,
			body         TEXT NOT NULL DEFAULT '',
			channels     JSONB NOT NULL DEFAULT '[]',
			delivered    BOOLEAN NOT NULL DEFAULT FALSE,
			read         BOOLEAN NOT NULL DEFAULT FALSE,
			dismissed    BOOLEAN NOT NULL DEFAULT FALSE,
			created_at   TIMESTAMPTZ NOT NULL,
			delivered_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_safety_notifications_user ON safety_notifications (user_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS notification_settings (
			user_id      TEXT PRIMARY KEY,
			enabled      BOOLEAN NOT NULL DEFAULT TRUE,
			channels     JSONB NOT NULL DEFAULT '[]',
			min_severity TEXT NOT NULL DEFAULT 'low',
			quiet_start  TEXT NOT NULL DEFAULT '',
			quiet_end    TEXT NOT NULL DEFAULT '',
			frequency    TEXT NOT NULL DEFAULT 'immediate',
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	s.logger.Info("storage schema ready")
	return nil
}

func (s *Store) GetProfile(ctx context.Context, userID string) (*safety.MedicationProfile, error) {
	query := `
		SELECT user_id, patient, medications, allergies, conditions,
		       COALESCE(last_monitored, 'epoch'::timestamptz), risk_score, created_at, updated_at
		FROM medication_profiles
		WHERE user_id = $1
	`
	p := &safety.MedicationProfile{}
	var patient, medications, allergies, conditions []byte
	err := s.pool.QueryRow(ctx, query, userID).Scan(
		&p.UserID, &patient, &medications, &allergies, &conditions,
		&p.LastMonitored, &p.RiskScore, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("profile %s: %w", userID, safety.ErrNotFound)
		}
		return nil, fmt.Errorf("loading profile %s: %w", userID, err)
	}
	for _, pair := range []struct {
		data []byte
		dst  any
	}{
		{patient, &p.Patient},
		{medications, &p.Medications},
		{allergies, &p.Allergies},
		{conditions, &p.Conditions},
	} {
		if err := json.Unmarshal(pair.data, pair.dst); err != nil {
			return nil, fmt.Errorf("decoding profile %s: %w", userID, err)
		}
	}
	return p, nil
}

func (s *Store) PutProfile(ctx context.Context, profile *safety.MedicationProfile) error {
	patient, err := json.Marshal(profile.Patient)
	if err != nil {
		return fmt.Errorf("encoding patient: %w", err)
	}
	medications, err := json.Marshal(orEmptySlice(profile.Medications))
	if err != nil {
		return fmt.Errorf("encoding medications: %w", err)
	}
	allergies, err := json.Marshal(orEmptySlice(profile.Allergies))
	if err != nil {
		return fmt.Errorf("encoding allergies: %w", err)
	}
	conditions, err := json.Marshal(orEmptySlice(profile.Conditions))
	if err != nil {
		return fmt.Errorf("encoding conditions: %w", err)
	}

	query := `
		INSERT INTO medication_profiles
			(user_id, patient, medications, allergies, conditions, last_monitored, risk_score, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id) DO UPDATE SET
			patient        = EXCLUDED.patient,
			medications    = EXCLUDED.medications,
			allergies      = EXCLUDED.allergies,
			conditions     = EXCLUDED.conditions,
			last_monitored = EXCLUDED.last_monitored,
			risk_score     = EXCLUDED.risk_score,
			updated_at     = EXCLUDED.updated_at
	`
	_, err = s.pool.Exec(ctx, query,
		profile.UserID, patient, medications, allergies, conditions,
		nullableTime(profile.LastMonitored), profile.RiskScore,
		profile.CreatedAt, profile.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storing profile %s: %w", profile.UserID, err)
	}
	return nil
}

func (s *Store) GetAlert(ctx context.Context, alertID string) (*safety.SafetyAlert, error) {
	query := `
		SELECT id, user_id, alert_type, severity, medication, title, description,
		       action_required, source, created_at, expires_at, acknowledged, dismissed
		FROM safety_alerts
		WHERE id = $1
	`
	a := &safety.SafetyAlert{}
	err := s.pool.QueryRow(ctx, query, alertID).Scan(
		&a.ID, &a.UserID, &a.Type, &a.Severity, &a.Medication, &a.Title,
		&a.Description, &a.ActionRequired, &a.Source, &a.CreatedAt,
		&a.ExpiresAt, &a.Acknowledged, &a.Dismissed,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("alert %s: %w", alertID, safety.ErrNotFound)
		}
		return nil, fmt.Errorf("loading alert %s: %w", alertID, err)
	}
	return a, nil
}

func (s *Store) PutAlert(ctx context.Context, alert *safety.SafetyAlert) error {
	query := `
		INSERT INTO safety_alerts
			(id, user_id, alert_type, severity, medication, title, description,
			 action_required, source, created_at, expires_at, acknowledged, dismissed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			severity        = EXCLUDED.severity,
			title           = EXCLUDED.title,
			description     = EXCLUDED.description,
			action_required = EXCLUDED.action_required,
			source          = EXCLUDED.source,
			expires_at      = EXCLUDED.expires_at,
			acknowledged    = EXCLUDED.acknowledged,
			dismissed       = EXCLUDED.dismissed
	`
	_, err := s.pool.Exec(ctx, query,
		alert.ID, alert.UserID, alert.Type, alert.Severity, alert.Medication,
		alert.Title, alert.Description, alert.ActionRequired, alert.Source,
		alert.CreatedAt, alert.ExpiresAt, alert.Acknowledged, alert.Dismissed,
	)
	if err != nil {
		return fmt.Errorf("storing alert %s: %w", alert.ID, err)
	}
	return nil
}

func (s *Store) ListAlerts(ctx context.Context, userID string) ([]*safety.SafetyAlert, error) {
	query := `
		SELECT id, user_id, alert_type, severity, medication, title, description,
		       action_required, source, created_at, expires_at, acknowledged, dismissed
		FROM safety_alerts
		WHERE user_id = $1
		ORDER BY created_at DESC, id
	`
	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("listing alerts for %s: %w", userID, err)
	}
	defer rows.Close()

	var alerts []*safety.SafetyAlert
	for rows.Next() {
		a := &safety.SafetyAlert{}
		err := rows.Scan(
			&a.ID, &a.UserID, &a.Type, &a.Severity, &a.Medication, &a.Title,
			&a.Description, &a.ActionRequired, &a.Source, &a.CreatedAt,
			&a.ExpiresAt, &a.Acknowledged, &a.Dismissed,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func (s *Store) GetNotification(ctx context.Context, notificationID string) (*safety.SafetyNotification, error) {
	query := `
		SELECT id, user_id, alert_id, severity, title, body, channels,
		       delivered, read, dismissed, created_at, delivered_at
		FROM safety_notifications
		WHERE id = $1
	`
	n := &safety.SafetyNotification{}
	var channels []byte
	err := s.pool.QueryRow(ctx, query, notificationID).Scan(
		&n.ID, &n.UserID, &n.AlertID, &n.Severity, &n.Title, &n.Body,
		&channels, &n.Delivered, &n.Read, &n.Dismissed, &n.CreatedAt, &n.DeliveredAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("notification %s: %w", notificationID, safety.ErrNotFound)
		}
		return nil, fmt.Errorf("loading notification %s: %w", notificationID, err)
	}
	if err := json.Unmarshal(channels, &n.Channels); err != nil {
		return nil, fmt.Errorf("decoding notification %s: %w", notificationID, err)
	}
	return n, nil
}

func (s *Store) PutNotification(ctx context.Context, n *safety.SafetyNotification) error {
	channels, err := json.Marshal(orEmptySlice(n.Channels))
	if err != nil {
		return fmt.Errorf("encoding channels: %w", err)
	}
	query := `
		INSERT INTO safety_notifications
			(id, user_id, alert_id, severity, title, body, channels,
			 delivered, read, dismissed, created_at, delivered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			channels     = EXCLUDED.channels,
			delivered    = EXCLUDED.delivered,
			read         = EXCLUDED.read,
			dismissed    = EXCLUDED.dismissed,
			delivered_at = EXCLUDED.delivered_at
	`
	_, err = s.pool.Exec(ctx, query,
		n.ID, n.UserID, n.AlertID, n.Severity, n.Title, n.Body, channels,
		n.Delivered, n.Read, n.Dismissed, n.CreatedAt, n.DeliveredAt,
	)
	if err != nil {
		return fmt.Errorf("storing notification %s: %w", n.ID, err)
	}
	return nil
}

func (s *Store) ListNotifications(ctx context.Context, userID string, limit, offset int) ([]*safety.SafetyNotification, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, user_id, alert_id, severity, title, body, channels,
		       delivered, read, dismissed, created_at, delivered_at
		FROM safety_notifications
		WHERE user_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`
	rows, err := s.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing notifications for %s: %w", userID, err)
	}
	defer rows.Close()

	var notifications []*safety.SafetyNotification
	for rows.Next() {
		n := &safety.SafetyNotification{}
		var channels []byte
		err := rows.Scan(
			&n.ID, &n.UserID, &n.AlertID, &n.Severity, &n.Title, &n.Body,
			&channels, &n.Delivered, &n.Read, &n.Dismissed, &n.CreatedAt, &n.DeliveredAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning notification: %w", err)
		}
		if err := json.Unmarshal(channels, &n.Channels); err != nil {
			return nil, fmt.Errorf("decoding notification channels: %w", err)
		}
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

func (s *Store) GetSettings(ctx context.Context, userID string) (*safety.NotificationSettings, error) {
	query := `
		SELECT user_id, enabled, channels, min_severity, quiet_start, quiet_end, frequency, updated_at
		FROM notification_settings
		WHERE user_id = $1
	`
	set := &safety.NotificationSettings{}
	var channels []byte
	err := s.pool.QueryRow(ctx, query, userID).Scan(
		&set.UserID, &set.Enabled, &channels, &set.MinSeverity,
		&set.QuietHours.Start, &set.QuietHours.End, &set.Frequency, &set.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("settings %s: %w", userID, safety.ErrNotFound)
		}
		return nil, fmt.Errorf("loading settings %s: %w", userID, err)
	}
	if err := json.Unmarshal(channels, &set.Channels); err != nil {
		return nil, fmt.Errorf("decoding settings %s: %w", userID, err)
	}
	return set, nil
}

func (s *Store) PutSettings(ctx context.Context, set *safety.NotificationSettings) error {
	channels, err := json.Marshal(orEmptySlice(set.Channels))
	if err != nil {
		return fmt.Errorf("encoding channels: %w", err)
	}
	query := `
		INSERT INTO notification_settings
			(user_id, enabled, channels, min_severity, quiet_start, quiet_end, frequency, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE SET
			enabled      = EXCLUDED.enabled,
			channels     = EXCLUDED.channels,
			min_severity = EXCLUDED.min_severity,
			quiet_start  = EXCLUDED.quiet_start,
			quiet_end    = EXCLUDED.quiet_end,
			frequency    = EXCLUDED.frequency,
			updated_at   = EXCLUDED.updated_at
	`
	_, err = s.pool.Exec(ctx, query,
		set.UserID, set.Enabled, channels, set.MinSeverity,
		set.QuietHours.Start, set.QuietHours.End, set.Frequency, set.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storing settings %s: %w", set.UserID, err)
	}
	return nil
}

func (s *Store) ListSettings(ctx context.Context) ([]*safety.NotificationSettings, error) {
	query := `
		SELECT user_id, enabled, channels, min_severity, quiet_start, quiet_end, frequency, updated_at
		FROM notification_settings
		ORDER BY user_id
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing settings: %w", err)
	}
	defer rows.Close()

	var all []*safety.NotificationSettings
	for rows.Next() {
		set := &safety.NotificationSettings{}
		var channels []byte
		err := rows.Scan(
			&set.UserID, &set.Enabled, &channels, &set.MinSeverity,
			&set.QuietHours.Start, &set.QuietHours.End, &set.Frequency, &set.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning settings: %w", err)
		}
		if err := json.Unmarshal(channels, &set.Channels); err != nil {
			return nil, fmt.Errorf("decoding settings channels: %w", err)
		}
		all = append(all, set)
	}
	return all, rows.Err()
}

// orEmptySlice keeps nil slices out of JSONB columns so they round-trip as
// empty arrays.
func orEmptySlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// nullableTime maps the zero time to NULL.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
