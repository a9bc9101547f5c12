package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/andrevlopes/subsync/pkg/subsync"
)

// CheckoutURL creates a Stripe Checkout session for the given user
// and plan and returns the hosted payment page URL. The user ID is
// attached both as subscription metadata and as the session's client
// reference so the completion webhook can always attribute it.
func (p *Provider) CheckoutURL(
	ctx context.Context, userID string, plan subsync.PlanType, successURL, cancelURL string,
) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user ID is required")
	}

	priceID, err := p.resolver.PriceIDFor(ctx, plan)
	if err != nil {
		return "", fmt.Errorf("no price configured for plan %s: %w", plan, err)
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(userID),
		CustomerCreation:  stripe.String(string(stripe.CheckoutSessionCustomerCreationAlways)),
		SubscriptionData: &stripe.CheckoutSessionCreateSubscriptionDataParams{
			Metadata: map[string]string{metadataUserIDKey: userID},
		},
	}
	params.AddMetadata(metadataUserIDKey, userID)

	startTime := time.Now()
	session, err := p.api.CreateCheckoutSession(ctx, params)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "error")
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}
	p.metrics.RecordAPICall(providerName, "/checkout/sessions", "200")
	p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))

	p.logger.Info("checkout session created",
		subsync.Field{Key: "userId", Value: userID},
		subsync.Field{Key: "plan", Value: string(plan)},
		subsync.Field{Key: "sessionId", Value: session.ID},
	)
	return session.URL, nil
}
