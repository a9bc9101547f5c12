package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/andrevlopes/subsync/pkg/billing"
	"github.com/andrevlopes/subsync/pkg/billing/internal"
	"github.com/andrevlopes/subsync/pkg/subsync"
)

// handleWebhook processes incoming Stripe webhook events
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if len(p.webhookSecret) == 0 {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	// Read and validate body (with size limit protection)
	body, err := internal.ReadBodyStrict(w, r, maxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			internal.WriteError(w, http.StatusRequestEntityTooLarge, err)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			internal.WriteError(w, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	// Extract signature from header
	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		sig = r.Header.Get("stripe-signature")
	}

	// Verify webhook signature (v83 uses stripe.ConstructEvent directly)
	event, err := stripe.ConstructEvent(body, sig, string(p.webhookSecret))
	if err != nil {
		internal.WriteError(w, http.StatusUnauthorized, billing.ErrInvalidWebhookSignature)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	if err := p.processWebhookEvent(r.Context(), &event); err != nil {
		p.logger.Error("webhook processing failed",
			subsync.Field{Key: "eventId", Value: event.ID},
			subsync.Field{Key: "eventType", Value: eventType},
			subsync.Field{Key: "error", Value: err.Error()},
		)
		internal.WriteError(w, http.StatusInternalServerError, err)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
		return
	}

	if err := internal.WriteJSON(w, http.StatusOK, map[string]bool{"received": true}); err != nil {
		return
	}

	p.metrics.RecordWebhookEvent(providerName, eventType, "success")
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

// processWebhookEvent dispatches an event to exactly one handler.
// Replayed and out-of-order deliveries are rejected downstream by the
// projector's event-timestamp check.
func (p *Provider) processWebhookEvent(ctx context.Context, event *stripe.Event) error {
	eventTime := time.Unix(event.Created, 0)

	switch event.Type {
	case "checkout.session.completed":
		return p.handleCheckoutCompleted(ctx, event, eventTime)
	case "customer.subscription.updated":
		return p.handleSubscriptionUpdated(ctx, event, eventTime)
	case "customer.subscription.deleted":
		return p.handleSubscriptionDeleted(ctx, event, eventTime)
	case "invoice.payment_succeeded":
		return p.handleInvoicePaymentSucceeded(ctx, event, eventTime)
	case "invoice.payment_failed":
		return p.handleInvoicePaymentFailed(ctx, event, eventTime)
	default:
		// Unknown event type - acknowledge silently
		return nil
	}
}

// handleCheckoutCompleted processes checkout.session.completed events.
// The session metadata must carry the application user ID; the
// subscription is fetched from Stripe so the projection reflects the
// authoritative status rather than assuming "active".
func (p *Provider) handleCheckoutCompleted(ctx context.Context, event *stripe.Event, eventTime time.Time) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}

	userID := ""
	if session.Metadata != nil {
		userID = session.Metadata[metadataUserIDKey]
	}
	if userID == "" {
		userID = session.ClientReferenceID
	}
	if userID == "" {
		return fmt.Errorf("%w: metadata.user_id missing on checkout session %s",
			billing.ErrUserNotFound, session.ID)
	}

	subscriptionID := ""
	if session.Subscription != nil {
		subscriptionID = session.Subscription.ID
	}
	if subscriptionID == "" {
		// Not a subscription checkout - ignore
		return nil
	}

	sub, err := p.api.RetrieveSubscription(ctx, subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to fetch subscription: %w", err)
	}

	// Patch the user ID into the subscription metadata so later
	// subscription.* events resolve without a customer lookup.
	if sub.Metadata == nil || sub.Metadata[metadataUserIDKey] == "" {
		sub, err = p.api.SetSubscriptionUserID(ctx, subscriptionID, userID)
		if err != nil {
			return fmt.Errorf("failed to patch subscription metadata: %w", err)
		}
	}

	return p.projector.Apply(ctx, p.updateFromSubscription(ctx, sub, userID, eventTime))
}

// handleSubscriptionUpdated processes customer.subscription.updated events
func (p *Provider) handleSubscriptionUpdated(ctx context.Context, event *stripe.Event, eventTime time.Time) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	userID, err := p.resolveUserID(ctx, &sub)
	if err != nil {
		return err
	}

	return p.projector.Apply(ctx, p.updateFromSubscription(ctx, &sub, userID, eventTime))
}

// handleSubscriptionDeleted processes customer.subscription.deleted
// events. Cancellation is a status transition, never a row removal; a
// subscription unknown locally is logged and acknowledged.
func (p *Provider) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event, eventTime time.Time) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	existing, err := p.store.Get(ctx, sub.ID)
	if err == subsync.ErrSubscriptionNotFound {
		p.logger.Warn("deleted subscription has no local row",
			subsync.Field{Key: "subscriptionId", Value: sub.ID},
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load projection: %w", err)
	}

	update := p.updateFromSubscription(ctx, &sub, existing.UserID, eventTime)
	update.Status = subsync.StatusCanceled
	update.CancelAtPeriodEnd = true
	return p.projector.Apply(ctx, update)
}

// handleInvoicePaymentSucceeded processes invoice.payment_succeeded
// events. The subscription is re-fetched from Stripe so the projection
// reflects the post-payment status.
func (p *Provider) handleInvoicePaymentSucceeded(ctx context.Context, event *stripe.Event, eventTime time.Time) error {
	subscriptionID := subscriptionIDFromInvoice(event.Data.Raw)
	if subscriptionID == "" {
		// Not a subscription invoice - ignore
		return nil
	}

	sub, err := p.api.RetrieveSubscription(ctx, subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to fetch subscription: %w", err)
	}

	userID, err := p.resolveUserID(ctx, sub)
	if err != nil {
		return err
	}

	return p.projector.Apply(ctx, p.updateFromSubscription(ctx, sub, userID, eventTime))
}

// handleInvoicePaymentFailed processes invoice.payment_failed events.
// The degraded status (past_due, unpaid) is projected, which forces
// the plan to free and clears the value. A subscription with no local
// row affects zero rows: logged, acknowledged, never an error.
func (p *Provider) handleInvoicePaymentFailed(ctx context.Context, event *stripe.Event, eventTime time.Time) error {
	subscriptionID := subscriptionIDFromInvoice(event.Data.Raw)
	if subscriptionID == "" {
		return nil
	}

	existing, err := p.store.Get(ctx, subscriptionID)
	if err == subsync.ErrSubscriptionNotFound {
		p.logger.Warn("payment failed for unknown subscription",
			subsync.Field{Key: "subscriptionId", Value: subscriptionID},
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load projection: %w", err)
	}

	sub, err := p.api.RetrieveSubscription(ctx, subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to fetch subscription: %w", err)
	}

	return p.projector.Apply(ctx, p.updateFromSubscription(ctx, sub, existing.UserID, eventTime))
}

// resolveUserID extracts the application user ID for a subscription:
// subscription metadata first, then customer metadata, then the local
// row keyed by the subscription ID.
func (p *Provider) resolveUserID(ctx context.Context, sub *stripe.Subscription) (string, error) {
	if sub.Metadata != nil {
		if userID := sub.Metadata[metadataUserIDKey]; userID != "" {
			return userID, nil
		}
	}

	if sub.Customer != nil && sub.Customer.ID != "" {
		cust, err := p.api.RetrieveCustomer(ctx, sub.Customer.ID)
		if err == nil && cust.Metadata != nil {
			if userID := cust.Metadata[metadataUserIDKey]; userID != "" {
				return userID, nil
			}
		}
	}

	existing, err := p.store.Get(ctx, sub.ID)
	if err == nil && existing.UserID != "" {
		return existing.UserID, nil
	}

	return "", fmt.Errorf("%w: no user for subscription %s", billing.ErrUserNotFound, sub.ID)
}

// updateFromSubscription maps a Stripe subscription onto a projector
// update, resolving the plan from the first item's price.
func (p *Provider) updateFromSubscription(
	ctx context.Context, sub *stripe.Subscription, userID string, eventTime time.Time,
) subsync.Update {
	priceID, unitAmount, interval := priceDetails(sub)
	periodStart, periodEnd := subscriptionPeriod(sub)

	customerID := ""
	if sub.Customer != nil {
		customerID = sub.Customer.ID
	}

	return subsync.Update{
		UserID:            userID,
		CustomerID:        customerID,
		SubscriptionID:    sub.ID,
		Status:            subsync.Status(sub.Status),
		Plan:              p.resolver.Resolve(ctx, priceID, interval),
		UnitAmount:        unitAmount,
		PeriodStart:       periodStart,
		PeriodEnd:         periodEnd,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		EventTime:         eventTime,
	}
}

// priceDetails returns the price ID, unit amount and recurring
// interval of the subscription's first item.
func priceDetails(sub *stripe.Subscription) (priceID string, unitAmount int64, interval string) {
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return "", 0, ""
	}
	item := sub.Items.Data[0]
	if item.Price == nil {
		return "", 0, ""
	}
	priceID = item.Price.ID
	unitAmount = item.Price.UnitAmount
	if item.Price.Recurring != nil {
		interval = string(item.Price.Recurring.Interval)
	}
	return priceID, unitAmount, interval
}

// subscriptionPeriod returns the current period bounds. The v83 API
// carries them on the subscription items.
func subscriptionPeriod(sub *stripe.Subscription) (start, end time.Time) {
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return time.Time{}, time.Time{}
	}
	item := sub.Items.Data[0]
	if item.CurrentPeriodStart > 0 {
		start = time.Unix(item.CurrentPeriodStart, 0).UTC()
	}
	if item.CurrentPeriodEnd > 0 {
		end = time.Unix(item.CurrentPeriodEnd, 0).UTC()
	}
	return start, end
}

// subscriptionIDFromInvoice extracts the subscription ID from a raw
// invoice payload. The field arrives either as an expanded object or a
// bare ID string depending on the event.
func subscriptionIDFromInvoice(raw json.RawMessage) string {
	var rawData map[string]interface{}
	if err := json.Unmarshal(raw, &rawData); err != nil {
		return ""
	}
	switch v := rawData["subscription"].(type) {
	case map[string]interface{}:
		if id, ok := v["id"].(string); ok {
			return id
		}
	case string:
		return v
	}

	// Newer API versions nest the reference under the invoice parent.
	if parent, ok := rawData["parent"].(map[string]interface{}); ok {
		if details, ok := parent["subscription_details"].(map[string]interface{}); ok {
			switch v := details["subscription"].(type) {
			case map[string]interface{}:
				if id, ok := v["id"].(string); ok {
					return id
				}
			case string:
				return v
			}
		}
	}
	return ""
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
