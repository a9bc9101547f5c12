package stripe

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/andrevlopes/subsync/pkg/billing"
	"github.com/andrevlopes/subsync/pkg/subsync"
)

// Audit reconciles every known customer against Stripe. For each
// customer it compares active-subscription counts between Stripe and
// the local store, records drift, and cancels all but the most
// recently created active subscription when Stripe reports more than
// one. Per-customer and per-cancellation failures are recorded in the
// report and never abort the run; only setup failures (listing the
// customers) do.
func (p *Provider) Audit(ctx context.Context) (*billing.AuditReport, error) {
	startTime := time.Now()

	customers, err := p.store.ListCustomers(ctx)
	if err != nil {
		p.metrics.RecordAuditRun(providerName, "error")
		return nil, fmt.Errorf("failed to list customers: %w", err)
	}

	p.logger.Info("subscription audit started",
		subsync.Field{Key: "customers", Value: len(customers)},
	)

	report := &billing.AuditReport{
		TotalCustomers:                 len(customers),
		UsersWithMultipleSubscriptions: []billing.MultipleSubscriptions{},
		Inconsistencies:                []billing.Inconsistency{},
		Errors:                         []billing.AuditError{},
	}

	for _, customer := range customers {
		if err := p.auditCustomer(ctx, customer, report); err != nil {
			report.Errors = append(report.Errors, billing.AuditError{
				UserID: customer.UserID,
				Error:  err.Error(),
			})
		}
	}

	p.logger.Info("subscription audit completed",
		subsync.Field{Key: "totalCustomers", Value: report.TotalCustomers},
		subsync.Field{Key: "multipleSubscriptions", Value: len(report.UsersWithMultipleSubscriptions)},
		subsync.Field{Key: "inconsistencies", Value: len(report.Inconsistencies)},
		subsync.Field{Key: "fixedSubscriptions", Value: report.FixedSubscriptions},
		subsync.Field{Key: "errors", Value: len(report.Errors)},
	)

	p.metrics.RecordAuditRun(providerName, "success")
	p.metrics.RecordAuditFixed(providerName, report.FixedSubscriptions)
	p.metrics.RecordAPICallDuration(providerName, "/audit", time.Since(startTime))
	return report, nil
}

// auditCustomer checks one customer. Returned errors are recorded by
// the caller; they do not stop the run.
func (p *Provider) auditCustomer(
	ctx context.Context, customer subsync.Customer, report *billing.AuditReport,
) error {
	stripeSubs, err := p.api.ListActiveSubscriptions(ctx, customer.CustomerID, auditListLimit)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/subscriptions/list", "error")
		return err
	}
	p.metrics.RecordAPICall(providerName, "/subscriptions/list", "200")

	dbSubs, err := p.store.ListActiveByUser(ctx, customer.UserID)
	if err != nil {
		return err
	}

	p.logger.Debug("checking customer",
		subsync.Field{Key: "userId", Value: customer.UserID},
		subsync.Field{Key: "stripeActiveCount", Value: len(stripeSubs)},
		subsync.Field{Key: "dbActiveCount", Value: len(dbSubs)},
	)

	if len(stripeSubs) > 1 {
		report.UsersWithMultipleSubscriptions = append(report.UsersWithMultipleSubscriptions,
			p.multipleSubscriptionsEntry(ctx, customer, stripeSubs))
		p.fixDuplicates(ctx, customer, stripeSubs, report)
	}

	// Count drift is recorded regardless of whether duplicates were
	// found; the fix above converges it on the next run.
	if len(stripeSubs) != len(dbSubs) {
		report.Inconsistencies = append(report.Inconsistencies, billing.Inconsistency{
			UserID:        customer.UserID,
			ProviderCount: len(stripeSubs),
			DBCount:       len(dbSubs),
			Issue:         "Count mismatch between Stripe and database",
		})
	}

	return nil
}

func (p *Provider) multipleSubscriptionsEntry(
	ctx context.Context, customer subsync.Customer, subs []*stripe.Subscription,
) billing.MultipleSubscriptions {
	entry := billing.MultipleSubscriptions{
		UserID:              customer.UserID,
		CustomerID:          customer.CustomerID,
		ActiveSubscriptions: len(subs),
	}
	for _, sub := range subs {
		priceID, _, interval := priceDetails(sub)
		entry.Subscriptions = append(entry.Subscriptions, billing.SubscriptionSummary{
			ID:       sub.ID,
			Status:   string(sub.Status),
			PlanType: string(p.resolver.Resolve(ctx, priceID, interval)),
			Created:  time.Unix(sub.Created, 0).UTC(),
		})
	}
	return entry
}

// fixDuplicates cancels all but the most recently created active
// subscription, both at Stripe and locally. Each failed cancellation
// is appended to the report's error list; the rest still proceed.
func (p *Provider) fixDuplicates(
	ctx context.Context, customer subsync.Customer, subs []*stripe.Subscription, report *billing.AuditReport,
) {
	sorted := make([]*stripe.Subscription, len(subs))
	copy(sorted, subs)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Created > sorted[j].Created
	})

	// sorted[0] is the most recent subscription and is kept.
	for _, old := range sorted[1:] {
		p.logger.Info("canceling duplicate subscription",
			subsync.Field{Key: "subscriptionId", Value: old.ID},
			subsync.Field{Key: "userId", Value: customer.UserID},
		)

		if err := p.api.CancelSubscription(ctx, old.ID); err != nil {
			p.metrics.RecordAPICall(providerName, "/subscriptions/cancel", "error")
			report.Errors = append(report.Errors, billing.AuditError{
				UserID:         customer.UserID,
				SubscriptionID: old.ID,
				Error:          err.Error(),
			})
			continue
		}
		p.metrics.RecordAPICall(providerName, "/subscriptions/cancel", "200")

		err := p.store.Cancel(ctx, old.ID, time.Now().UTC())
		if err != nil && err != subsync.ErrSubscriptionNotFound {
			// Stripe-side cancel already happened; the local row is
			// repaired on the next audit or webhook.
			report.Errors = append(report.Errors, billing.AuditError{
				UserID:         customer.UserID,
				SubscriptionID: old.ID,
				Error:          err.Error(),
			})
		}

		report.FixedSubscriptions++
	}
}
