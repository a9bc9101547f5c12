// Package memory provides an in-memory implementation of the
// subsync.Store and subsync.SettingsStore interfaces. This
// implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/andrevlopes/subsync/pkg/subsync"
)

// Storage implements subsync.Store and subsync.SettingsStore using
// in-memory maps.
type Storage struct {
	mu            sync.RWMutex
	subscriptions map[string]*subsync.Projection
	settings      map[string]*subsync.Setting
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		subscriptions: make(map[string]*subsync.Projection),
		settings:      make(map[string]*subsync.Setting),
	}
}

// Get implements subsync.Store
func (s *Storage) Get(ctx context.Context, subscriptionID string) (*subsync.Projection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.subscriptions[subscriptionID]
	if !ok {
		return nil, subsync.ErrSubscriptionNotFound
	}

	// Return a copy to prevent external mutations
	pCopy := *p
	return &pCopy, nil
}

// Upsert implements subsync.Store
func (s *Storage) Upsert(ctx context.Context, p *subsync.Projection) error {
	if p == nil || p.SubscriptionID == "" || p.UserID == "" {
		return fmt.Errorf("invalid projection")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pCopy := *p
	s.subscriptions[p.SubscriptionID] = &pCopy
	return nil
}

// Activate implements subsync.Store. The upsert and the deactivation
// of competing rows happen under a single lock.
func (s *Storage) Activate(ctx context.Context, p *subsync.Projection) (int, error) {
	if p == nil || p.SubscriptionID == "" || p.UserID == "" {
		return 0, fmt.Errorf("invalid projection")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	deactivated := 0
	for id, other := range s.subscriptions {
		if id == p.SubscriptionID || other.UserID != p.UserID {
			continue
		}
		if other.Status.Active() {
			s.subscriptions[id] = subsync.Canceled(other, p.UpdatedAt)
			deactivated++
		}
	}

	pCopy := *p
	s.subscriptions[p.SubscriptionID] = &pCopy
	return deactivated, nil
}

// Cancel implements subsync.Store
func (s *Storage) Cancel(ctx context.Context, subscriptionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.subscriptions[subscriptionID]
	if !ok {
		return subsync.ErrSubscriptionNotFound
	}
	s.subscriptions[subscriptionID] = subsync.Canceled(p, at)
	return nil
}

// ListActiveByUser implements subsync.Store
func (s *Storage) ListActiveByUser(ctx context.Context, userID string) ([]*subsync.Projection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*subsync.Projection
	for _, p := range s.subscriptions {
		if p.UserID == userID && p.Status.Active() {
			pCopy := *p
			out = append(out, &pCopy)
		}
	}
	return out, nil
}

// CurrentForUser implements subsync.Store
func (s *Storage) CurrentForUser(ctx context.Context, userID string) (*subsync.Projection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var current *subsync.Projection
	for _, p := range s.subscriptions {
		if p.UserID != userID {
			continue
		}
		if p.Status.Active() {
			pCopy := *p
			return &pCopy, nil
		}
		if current == nil || p.UpdatedAt.After(current.UpdatedAt) {
			current = p
		}
	}
	if current == nil {
		return nil, subsync.ErrUserNotFound
	}
	pCopy := *current
	return &pCopy, nil
}

// ListCustomers implements subsync.Store. Each user appears once, with
// the customer ID of their most recently updated row.
func (s *Storage) ListCustomers(ctx context.Context) ([]subsync.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := make(map[string]*subsync.Projection)
	for _, p := range s.subscriptions {
		cur, ok := latest[p.UserID]
		if !ok || p.UpdatedAt.After(cur.UpdatedAt) {
			latest[p.UserID] = p
		}
	}

	out := make([]subsync.Customer, 0, len(latest))
	for userID, p := range latest {
		out = append(out, subsync.Customer{UserID: userID, CustomerID: p.CustomerID})
	}
	return out, nil
}

// Ping implements subsync.Store
func (s *Storage) Ping(ctx context.Context) error {
	return nil
}

// GetSetting implements subsync.SettingsStore
func (s *Storage) GetSetting(ctx context.Context, key string) (*subsync.Setting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	setting, ok := s.settings[key]
	if !ok {
		return nil, subsync.ErrSettingNotFound
	}
	settingCopy := *setting
	return &settingCopy, nil
}

// SetSetting stores a configuration entry. Primarily a test and
// bootstrap helper; production deployments manage settings in their
// own backend.
func (s *Storage) SetSetting(ctx context.Context, setting *subsync.Setting) error {
	if setting == nil || setting.Key == "" {
		return fmt.Errorf("invalid setting")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	settingCopy := *setting
	s.settings[setting.Key] = &settingCopy
	return nil
}
