package billing

import (
	"context"
	"net/http"

	"github.com/andrevlopes/subsync/pkg/subsync"
)

// Provider is the generic interface that any billing backend must
// implement. This allows the application to swap Stripe for another
// provider with zero reconciliation-logic changes.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time
	// events. The implementation handles validation, parsing, and
	// projection updates internally.
	WebhookHandler() http.Handler

	// SyncUser forces a synchronization of the user's projection from
	// the provider to the local store. Used for "restore purchase"
	// flows and manual reconciliation. Returns the resulting plan.
	SyncUser(ctx context.Context, userID string) (subsync.PlanType, error)

	// Audit reconciles every known customer against the provider:
	// flags count drift between provider and database, cancels
	// duplicate active subscriptions keeping the most recent, and
	// reports per-item failures without aborting the run.
	Audit(ctx context.Context) (*AuditReport, error)
}
