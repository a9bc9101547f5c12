// Package firestore provides a Firestore implementation of the
// subsync.Store and subsync.SettingsStore interfaces. Activation runs
// in a Firestore transaction so the upsert and the deactivation of
// competing rows commit together.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/andrevlopes/subsync/pkg/subsync"
)

// Storage implements subsync.Store and subsync.SettingsStore using
// Google Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	subscriptionsCollection string
	settingsCollection      string
}

// Config holds Firestore storage configuration
type Config struct {
	// SubscriptionsCollection is the Firestore collection for
	// subscription projections. Default: "subscriptions"
	SubscriptionsCollection string

	// SettingsCollection is the Firestore collection for billing
	// settings. Default: "settings"
	SettingsCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "subscriptions"
	}
	if config.SettingsCollection == "" {
		config.SettingsCollection = "settings"
	}

	return &Storage{
		client:                  client,
		subscriptionsCollection: config.SubscriptionsCollection,
		settingsCollection:      config.SettingsCollection,
	}, nil
}

func (s *Storage) subscriptions() *firestore.CollectionRef {
	return s.client.Collection(s.subscriptionsCollection)
}

// Get implements subsync.Store
func (s *Storage) Get(ctx context.Context, subscriptionID string) (*subsync.Projection, error) {
	snap, err := s.subscriptions().Doc(subscriptionID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, subsync.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	var p subsync.Projection
	if err := snap.DataTo(&p); err != nil {
		return nil, fmt.Errorf("failed to decode subscription: %w", err)
	}
	return &p, nil
}

// Upsert implements subsync.Store
func (s *Storage) Upsert(ctx context.Context, p *subsync.Projection) error {
	if p == nil || p.SubscriptionID == "" || p.UserID == "" {
		return fmt.Errorf("invalid projection")
	}

	if _, err := s.subscriptions().Doc(p.SubscriptionID).Set(ctx, p); err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// Activate implements subsync.Store. Reads and writes run in one
// Firestore transaction.
func (s *Storage) Activate(ctx context.Context, p *subsync.Projection) (int, error) {
	if p == nil || p.SubscriptionID == "" || p.UserID == "" {
		return 0, fmt.Errorf("invalid projection")
	}

	deactivated := 0
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		deactivated = 0

		query := s.subscriptions().
			Where("user_id", "==", p.UserID).
			Where("status", "==", string(subsync.StatusActive))
		iter := tx.Documents(query)
		defer iter.Stop()

		var toCancel []*subsync.Projection
		for {
			snap, err := iter.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				return fmt.Errorf("failed to query active subscriptions: %w", err)
			}

			var other subsync.Projection
			if err := snap.DataTo(&other); err != nil {
				return fmt.Errorf("failed to decode subscription: %w", err)
			}
			if other.SubscriptionID == p.SubscriptionID {
				continue
			}
			toCancel = append(toCancel, &other)
		}

		for _, other := range toCancel {
			canceled := subsync.Canceled(other, p.UpdatedAt)
			if err := tx.Set(s.subscriptions().Doc(other.SubscriptionID), canceled); err != nil {
				return fmt.Errorf("failed to deactivate subscription: %w", err)
			}
			deactivated++
		}

		if err := tx.Set(s.subscriptions().Doc(p.SubscriptionID), p); err != nil {
			return fmt.Errorf("failed to upsert subscription: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deactivated, nil
}

// Cancel implements subsync.Store
func (s *Storage) Cancel(ctx context.Context, subscriptionID string, at time.Time) error {
	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		ref := s.subscriptions().Doc(subscriptionID)
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return subsync.ErrSubscriptionNotFound
			}
			return fmt.Errorf("failed to get subscription: %w", err)
		}

		var p subsync.Projection
		if err := snap.DataTo(&p); err != nil {
			return fmt.Errorf("failed to decode subscription: %w", err)
		}
		if err := tx.Set(ref, subsync.Canceled(&p, at)); err != nil {
			return fmt.Errorf("failed to cancel subscription: %w", err)
		}
		return nil
	})
}

// ListActiveByUser implements subsync.Store
func (s *Storage) ListActiveByUser(ctx context.Context, userID string) ([]*subsync.Projection, error) {
	iter := s.subscriptions().
		Where("user_id", "==", userID).
		Where("status", "==", string(subsync.StatusActive)).
		Documents(ctx)
	defer iter.Stop()

	var out []*subsync.Projection
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list active subscriptions: %w", err)
		}

		var p subsync.Projection
		if err := snap.DataTo(&p); err != nil {
			return nil, fmt.Errorf("failed to decode subscription: %w", err)
		}
		out = append(out, &p)
	}
	return out, nil
}

// CurrentForUser implements subsync.Store
func (s *Storage) CurrentForUser(ctx context.Context, userID string) (*subsync.Projection, error) {
	iter := s.subscriptions().Where("user_id", "==", userID).Documents(ctx)
	defer iter.Stop()

	var current *subsync.Projection
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list user subscriptions: %w", err)
		}

		var p subsync.Projection
		if err := snap.DataTo(&p); err != nil {
			return nil, fmt.Errorf("failed to decode subscription: %w", err)
		}
		if p.Status.Active() {
			return &p, nil
		}
		if current == nil || p.UpdatedAt.After(current.UpdatedAt) {
			row := p
			current = &row
		}
	}
	if current == nil {
		return nil, subsync.ErrUserNotFound
	}
	return current, nil
}

// ListCustomers implements subsync.Store. One entry per user, carrying
// the customer ID of the most recently updated row.
func (s *Storage) ListCustomers(ctx context.Context) ([]subsync.Customer, error) {
	iter := s.subscriptions().Documents(ctx)
	defer iter.Stop()

	latest := make(map[string]*subsync.Projection)
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list subscriptions: %w", err)
		}

		var p subsync.Projection
		if err := snap.DataTo(&p); err != nil {
			return nil, fmt.Errorf("failed to decode subscription: %w", err)
		}
		cur, ok := latest[p.UserID]
		if !ok || p.UpdatedAt.After(cur.UpdatedAt) {
			row := p
			latest[p.UserID] = &row
		}
	}

	out := make([]subsync.Customer, 0, len(latest))
	for userID, p := range latest {
		out = append(out, subsync.Customer{UserID: userID, CustomerID: p.CustomerID})
	}
	return out, nil
}

// Ping implements subsync.Store with a cheap read against the
// settings collection.
func (s *Storage) Ping(ctx context.Context) error {
	iter := s.client.Collection(s.settingsCollection).Limit(1).Documents(ctx)
	defer iter.Stop()

	if _, err := iter.Next(); err != nil && err != iterator.Done {
		return fmt.Errorf("failed to ping firestore: %w", err)
	}
	return nil
}

// GetSetting implements subsync.SettingsStore
func (s *Storage) GetSetting(ctx context.Context, key string) (*subsync.Setting, error) {
	snap, err := s.client.Collection(s.settingsCollection).Doc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, subsync.ErrSettingNotFound
		}
		return nil, fmt.Errorf("failed to get setting: %w", err)
	}

	var setting subsync.Setting
	if err := snap.DataTo(&setting); err != nil {
		return nil, fmt.Errorf("failed to decode setting: %w", err)
	}
	if setting.Key == "" {
		setting.Key = key
	}
	return &setting, nil
}

// SetSetting stores a configuration entry
func (s *Storage) SetSetting(ctx context.Context, setting *subsync.Setting) error {
	if setting == nil || setting.Key == "" {
		return fmt.Errorf("invalid setting")
	}

	if _, err := s.client.Collection(s.settingsCollection).Doc(setting.Key).Set(ctx, setting); err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}
