package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/andrevlopes/subsync/pkg/billing"
	"github.com/andrevlopes/subsync/pkg/subsync"
)

// SyncUser reconciles one user's subscription state against Stripe
// and returns the plan they end up on. The customer is located via
// the local ledger first, then by Stripe metadata search.
func (p *Provider) SyncUser(ctx context.Context, userID string) (subsync.PlanType, error) {
	startTime := time.Now()

	customerID, err := p.customerIDForUser(ctx, userID)
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		return subsync.PlanFree, err
	}

	plan, err := p.syncCustomer(ctx, userID, customerID)
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		return subsync.PlanFree, err
	}

	p.metrics.RecordUserSync(providerName, "success")
	p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
	return plan, nil
}

// SyncByEmail reconciles the user owning the Stripe customer with the
// given email address. Returns billing.ErrCustomerNotFound when no
// such customer exists at Stripe.
func (p *Provider) SyncByEmail(ctx context.Context, email string) (*billing.SyncReport, error) {
	customer, userID, err := p.customerByEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	report := &billing.SyncReport{}
	if err := p.syncCustomerInto(ctx, userID, customer.ID, report); err != nil {
		return nil, err
	}
	return report, nil
}

// SyncAll walks every active subscription at Stripe and projects each
// onto the ledger. limit caps how many subscriptions are processed;
// zero or negative means the default.
func (p *Provider) SyncAll(ctx context.Context, limit int) (*billing.SyncReport, error) {
	if limit <= 0 {
		limit = syncAllDefaultLimit
	}

	subs, err := p.api.ListAllActiveSubscriptions(ctx, int64(limit))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/subscriptions/list", "error")
		return nil, err
	}
	p.metrics.RecordAPICall(providerName, "/subscriptions/list", "200")

	report := &billing.SyncReport{TotalSubscriptions: len(subs)}
	now := time.Now().UTC()

	for _, sub := range subs {
		userID, err := p.resolveUserID(ctx, sub)
		if err != nil {
			p.logger.Warn("skipping subscription with no resolvable user",
				subsync.Field{Key: "subscriptionId", Value: sub.ID},
				subsync.Field{Key: "error", Value: err.Error()},
			)
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", sub.ID, err))
			continue
		}
		if err := p.projector.Apply(ctx, p.updateFromSubscription(ctx, sub, userID, now)); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", sub.ID, err))
			continue
		}
		report.SyncedCount++
	}

	p.logger.Info("bulk sync completed",
		subsync.Field{Key: "total", Value: report.TotalSubscriptions},
		subsync.Field{Key: "synced", Value: report.SyncedCount},
		subsync.Field{Key: "errors", Value: len(report.Errors)},
	)
	return report, nil
}

// UserIDByEmail resolves the application user owning the Stripe
// customer with the given email address.
func (p *Provider) UserIDByEmail(ctx context.Context, email string) (string, error) {
	_, userID, err := p.customerByEmail(ctx, email)
	return userID, err
}

func (p *Provider) customerByEmail(ctx context.Context, email string) (*stripe.Customer, string, error) {
	customer, err := p.api.FindCustomerByEmail(ctx, email)
	if err != nil {
		return nil, "", err
	}

	userID := customer.Metadata[metadataUserIDKey]
	if userID == "" {
		return nil, "", fmt.Errorf("customer %s has no %s metadata: %w",
			customer.ID, metadataUserIDKey, billing.ErrUserNotFound)
	}
	return customer, userID, nil
}

// customerIDForUser prefers the ledger's own record and falls back to
// a Stripe metadata search when the user has never been projected.
func (p *Provider) customerIDForUser(ctx context.Context, userID string) (string, error) {
	current, err := p.store.CurrentForUser(ctx, userID)
	if err == nil && current.CustomerID != "" {
		return current.CustomerID, nil
	}
	if err != nil && !errors.Is(err, subsync.ErrUserNotFound) {
		return "", err
	}

	customer, err := p.api.FindCustomerByUserID(ctx, userID)
	if err != nil {
		return "", err
	}
	return customer.ID, nil
}

// syncCustomer projects the customer's active Stripe subscriptions
// onto the ledger and returns the resulting plan. When Stripe reports
// no active subscription, any local active rows are canceled so the
// ledger converges on free.
func (p *Provider) syncCustomer(ctx context.Context, userID, customerID string) (subsync.PlanType, error) {
	report := &billing.SyncReport{}
	if err := p.syncCustomerInto(ctx, userID, customerID, report); err != nil {
		return subsync.PlanFree, err
	}

	current, err := p.store.CurrentForUser(ctx, userID)
	if err != nil {
		if errors.Is(err, subsync.ErrUserNotFound) {
			return subsync.PlanFree, nil
		}
		return subsync.PlanFree, err
	}
	return current.PlanType, nil
}

func (p *Provider) syncCustomerInto(
	ctx context.Context, userID, customerID string, report *billing.SyncReport,
) error {
	subs, err := p.api.ListActiveSubscriptions(ctx, customerID, auditListLimit)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/subscriptions/list", "error")
		return err
	}
	p.metrics.RecordAPICall(providerName, "/subscriptions/list", "200")

	now := time.Now().UTC()
	report.TotalSubscriptions += len(subs)

	for _, sub := range subs {
		if err := p.projector.Apply(ctx, p.updateFromSubscription(ctx, sub, userID, now)); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", sub.ID, err))
			continue
		}
		report.SyncedCount++
	}

	if len(subs) == 0 {
		if err := p.cancelLocalActives(ctx, userID, now); err != nil {
			return err
		}
	}
	return nil
}

// cancelLocalActives converges the ledger when Stripe has no active
// subscription left for the user.
func (p *Provider) cancelLocalActives(ctx context.Context, userID string, at time.Time) error {
	active, err := p.store.ListActiveByUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, row := range active {
		p.logger.Info("canceling locally active subscription absent at provider",
			subsync.Field{Key: "subscriptionId", Value: row.SubscriptionID},
			subsync.Field{Key: "userId", Value: userID},
		)
		if err := p.store.Cancel(ctx, row.SubscriptionID, at); err != nil {
			return err
		}
	}
	return nil
}
