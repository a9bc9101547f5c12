package billing

import (
	"net/http"

	"github.com/andrevlopes/subsync/pkg/subsync"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Store persists subscription projections and is updated by every
	// webhook event, sync and audit run.
	Store subsync.Store

	// Settings is the key/value lookup for billing configuration:
	// configured price IDs and, when APIKey is empty, the provider
	// secret key. Wrap with subsync.NewCachedSettings to bound the
	// lookup rate.
	Settings subsync.SettingsStore

	// WebhookSecret is used to verify incoming webhook requests.
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider.
	// When empty, providers load it from the Settings store.
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// Logger receives structured provider logs. Nil means no logging.
	Logger subsync.Logger

	// Metrics is an optional metrics collector for tracking billing
	// provider operations. If nil, metrics will be silently ignored.
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for
	// Prometheus metrics.
	Metrics Metrics
}
