package subsync

import (
	"context"
	"time"
)

// Store persists subscription projections. One row per provider
// subscription, keyed by subscription ID. Implementations must make
// Activate atomic: the upsert of the activated row and the
// deactivation of every other active row for the same user happen as
// one operation, so two concurrent events for the same user cannot
// interleave into two active rows.
type Store interface {
	// Get returns the projection for a provider subscription ID.
	// Returns ErrSubscriptionNotFound when no row exists.
	Get(ctx context.Context, subscriptionID string) (*Projection, error)

	// Upsert creates or fully replaces the projection row.
	Upsert(ctx context.Context, p *Projection) error

	// Activate upserts an active projection and atomically marks every
	// other active row for the same user as canceled with
	// cancel_at_period_end set, plan free and value cleared. Returns
	// the number of rows deactivated.
	Activate(ctx context.Context, p *Projection) (int, error)

	// Cancel marks a single row as canceled with cancel_at_period_end
	// set, clearing plan and value. Returns ErrSubscriptionNotFound
	// when no row exists.
	Cancel(ctx context.Context, subscriptionID string, at time.Time) error

	// ListActiveByUser returns every projection for the user whose
	// status is active.
	ListActiveByUser(ctx context.Context, userID string) ([]*Projection, error)

	// CurrentForUser returns the projection that represents the user's
	// current billing state: the active row when one exists, otherwise
	// the most recently updated row. Returns ErrUserNotFound when the
	// user has no rows at all.
	CurrentForUser(ctx context.Context, userID string) (*Projection, error)

	// ListCustomers returns every known user/customer pairing, used by
	// the audit job to iterate all customers.
	ListCustomers(ctx context.Context) ([]Customer, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
}

// SettingsStore is the key/value lookup for billing configuration
// (price identifiers and the provider secret key).
type SettingsStore interface {
	// GetSetting returns the setting for a key, or ErrSettingNotFound.
	GetSetting(ctx context.Context, key string) (*Setting, error)
}

// Canceled returns the canceled form of a projection: status canceled,
// cancel_at_period_end set, plan free, value cleared. Used by stores
// when deactivating rows so every backend produces the same shape.
func Canceled(p *Projection, at time.Time) *Projection {
	out := *p
	out.Status = StatusCanceled
	out.CancelAtPeriodEnd = true
	out.PlanType = PlanFree
	out.PlanValue = nil
	out.UpdatedAt = at
	return &out
}
