// Package api exposes HTTP endpoints for subscription reconciliation:
// an audit trigger, a per-user sync trigger, and a status check.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/andrevlopes/subsync/pkg/billing"
	"github.com/andrevlopes/subsync/pkg/subsync"
)

// Reconciler is the slice of the billing provider the API needs.
// *stripe.Provider satisfies it.
type Reconciler interface {
	// Audit reconciles every known customer against the provider.
	Audit(ctx context.Context) (*billing.AuditReport, error)

	// SyncByEmail reconciles the user owning the provider customer with
	// the given email address.
	SyncByEmail(ctx context.Context, email string) (*billing.SyncReport, error)

	// UserIDByEmail resolves the application user owning the provider
	// customer with the given email address.
	UserIDByEmail(ctx context.Context, email string) (string, error)
}

// Config holds configuration for the reconciliation API handler
type Config struct {
	// Reconciler drives the audit and sync endpoints (required)
	Reconciler Reconciler

	// Store resolves projections for the status endpoint (required)
	Store subsync.Store

	// OnError handles errors (decode, internal, etc.)
	// If nil, uses default JSON error handling
	OnError func(http.ResponseWriter, *http.Request, error, int)

	// Now is the time source for expiry checks. Defaults to time.Now.
	Now func() time.Time
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Reconciler == nil {
		return fmt.Errorf("reconciler is required")
	}
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	return nil
}

// NewHandler creates a new reconciliation API handler with the given
// configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Handler{
		config: config,
	}, nil
}
