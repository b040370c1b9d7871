// Package memstore is an in-memory implementation of the persistence port,
// used in tests and in single-process deployments that opt out of Postgres.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ukuqala/medguard/internal/domain/safety"
)

// Store keeps everything in maps behind one mutex. Records are stored and
// returned by value so map entries are never aliased directly; slice fields
// inside a record are still shared with the caller.
type Store struct {
	mu            sync.RWMutex
	profiles      map[string]safety.MedicationProfile
	alerts        map[string]safety.SafetyAlert
	notifications map[string]safety.SafetyNotification
	settings      map[string]safety.NotificationSettings
}

func New() *Store {
	return &Store{
		profiles:      make(map[string]safety.MedicationProfile),
		alerts:        make(map[string]safety.SafetyAlert),
		notifications: make(map[string]safety.SafetyNotification),
		settings:      make(map[string]safety.NotificationSettings),
	}
}

func (s *Store) GetProfile(_ context.Context, userID string) (*safety.MedicationProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", userID, safety.ErrNotFound)
	}
	return &p, nil
}

func (s *Store) PutProfile(_ context.Context, profile *safety.MedicationProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[profile.UserID] = *profile
	return nil
}

func (s *Store) GetAlert(_ context.Context, alertID string) (*safety.SafetyAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[alertID]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", alertID, safety.ErrNotFound)
	}
	return &a, nil
}

func (s *Store) PutAlert(_ context.Context, alert *safety.SafetyAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[alert.ID] = *alert
	return nil
}

func (s *Store) ListAlerts(_ context.Context, userID string) ([]*safety.SafetyAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*safety.SafetyAlert
	for id := range s.alerts {
		a := s.alerts[id]
		if a.UserID == userID {
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) GetNotification(_ context.Context, notificationID string) (*safety.SafetyNotification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.notifications[notificationID]
	if !ok {
		return nil, fmt.Errorf("notification %s: %w", notificationID, safety.ErrNotFound)
	}
	return &n, nil
}

func (s *Store) PutNotification(_ context.Context, n *safety.SafetyNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications[n.ID] = *n
	return nil
}

func (s *Store) ListNotifications(_ context.Context, userID string, limit, offset int) ([]*safety.SafetyNotification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []*safety.SafetyNotification
	for id := range s.notifications {
		n := s.notifications[id]
		if n.UserID == userID {
			all = append(all, &n)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *Store) GetSettings(_ context.Context, userID string) (*safety.NotificationSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.settings[userID]
	if !ok {
		return nil, fmt.Errorf("settings %s: %w", userID, safety.ErrNotFound)
	}
	return &set, nil
}

func (s *Store) PutSettings(_ context.Context, set *safety.NotificationSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[set.UserID] = *set
	return nil
}

func (s *Store) ListSettings(_ context.Context) ([]*safety.NotificationSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*safety.NotificationSettings, 0, len(s.settings))
	for id := range s.settings {
		set := s.settings[id]
		out = append(out, &set)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
