package subsync

import (
	"context"
	"fmt"
	"time"
)

// minorUnitsPerUnit converts provider amounts (cents) to the base
// currency unit.
const minorUnitsPerUnit = 100

// Update carries the provider-side state of one subscription, already
// resolved to an internal plan, ready to be projected onto the local
// row.
type Update struct {
	UserID         string
	CustomerID     string
	SubscriptionID string

	Status Status

	// Plan is the resolved plan for the subscription's price. Ignored
	// (forced to free) when Status is not active.
	Plan PlanType

	// UnitAmount is the provider price amount in minor currency units.
	UnitAmount int64

	PeriodStart       time.Time
	PeriodEnd         time.Time
	CancelAtPeriodEnd bool

	// EventTime is the provider event timestamp. Updates whose
	// EventTime is not after the stored row's UpdatedAt are skipped.
	EventTime time.Time
}

// Projector writes provider subscription state onto local projection
// rows. It owns the two correctness rules of the model: the plan/value
// fields are derived from the status, and activating one subscription
// deactivates every other active row for the same user.
type Projector struct {
	store  Store
	logger Logger
}

// NewProjector creates a projector over the given store. A nil logger
// falls back to the no-op logger.
func NewProjector(store Store, logger Logger) *Projector {
	if logger == nil {
		logger = &NoopLogger{}
	}
	return &Projector{store: store, logger: logger}
}

// Apply projects the update onto the local row. Stale and replayed
// events (EventTime not after the stored UpdatedAt) are skipped
// silently, which makes Apply idempotent. Store write failures are
// returned so the caller can surface them at the transport level.
func (p *Projector) Apply(ctx context.Context, u Update) error {
	if u.UserID == "" || u.SubscriptionID == "" {
		return ErrInvalidUpdate
	}

	existing, err := p.store.Get(ctx, u.SubscriptionID)
	if err != nil && err != ErrSubscriptionNotFound {
		return fmt.Errorf("failed to load projection: %w", err)
	}

	if existing != nil && !u.EventTime.After(existing.UpdatedAt) {
		p.logger.Debug("skipping stale event",
			Field{"subscriptionId", u.SubscriptionID},
			Field{"eventTime", u.EventTime},
			Field{"updatedAt", existing.UpdatedAt},
		)
		return nil
	}

	proj := p.project(u)

	if proj.Status.Active() {
		deactivated, err := p.store.Activate(ctx, proj)
		if err != nil {
			return fmt.Errorf("failed to activate projection: %w", err)
		}
		if deactivated > 0 {
			p.logger.Info("deactivated other subscriptions for user",
				Field{"userId", u.UserID},
				Field{"keptSubscriptionId", u.SubscriptionID},
				Field{"deactivated", deactivated},
			)
		}
	} else {
		if err := p.store.Upsert(ctx, proj); err != nil {
			return fmt.Errorf("failed to upsert projection: %w", err)
		}
	}

	return nil
}

// project builds the row for an update, forcing plan free and value
// nil for every non-active status.
func (p *Projector) project(u Update) *Projection {
	proj := &Projection{
		UserID:             u.UserID,
		CustomerID:         u.CustomerID,
		SubscriptionID:     u.SubscriptionID,
		Status:             u.Status,
		PlanType:           PlanFree,
		CurrentPeriodStart: u.PeriodStart,
		CurrentPeriodEnd:   u.PeriodEnd,
		CancelAtPeriodEnd:  u.CancelAtPeriodEnd,
		UpdatedAt:          u.EventTime,
	}

	if u.Status.Active() {
		proj.PlanType = u.Plan
		value := float64(u.UnitAmount) / minorUnitsPerUnit
		proj.PlanValue = &value
	}

	return proj
}
