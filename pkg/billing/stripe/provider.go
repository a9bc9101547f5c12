// Package stripe implements the billing.Provider interface for Stripe:
// a webhook receiver for subscription lifecycle events, a
// reconciliation sync path, and an audit job that detects and repairs
// drift between Stripe and the local projection store.
package stripe

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/andrevlopes/subsync/pkg/billing"
	"github.com/andrevlopes/subsync/pkg/billing/internal"
	"github.com/andrevlopes/subsync/pkg/subsync"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	maxWebhookBodyBytes      = 256 * 1024
	auditListLimit           = 10
	syncAllDefaultLimit      = 100
	metadataUserIDKey        = "user_id"
	secretKeyPrefix          = "sk_"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Store, Settings, Logger, Metrics)

	// StripeAPIKey is the secret key for outbound calls. When empty it
	// is loaded from the settings store (key "stripe_secret_key",
	// base64-decoded when the encrypted flag is set).
	StripeAPIKey string

	// StripeWebhookSecret verifies webhook signatures. Falls back to
	// the base config WebhookSecret.
	StripeWebhookSecret string
}

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	store       subsync.Store
	settings    subsync.SettingsStore
	resolver    *subsync.PlanResolver
	projector   *subsync.Projector
	api         stripeAPI
	rateLimiter *internal.RateLimiter

	webhookSecret []byte
	logger        subsync.Logger
	metrics       billing.Metrics
}

// NewProvider creates a new Stripe billing provider. The context is
// used only for the optional secret-key lookup in the settings store.
func NewProvider(ctx context.Context, config Config) (*Provider, error) {
	if config.Store == nil || config.Settings == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	logger := config.Logger
	if logger == nil {
		logger = &subsync.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	apiKey, err := resolveAPIKey(ctx, config)
	if err != nil {
		return nil, err
	}

	webhookSecret := strings.TrimSpace(config.StripeWebhookSecret)
	if webhookSecret == "" {
		webhookSecret = strings.TrimSpace(config.WebhookSecret)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	resolver := subsync.NewPlanResolver(config.Settings, logger)

	return &Provider{
		store:         config.Store,
		settings:      config.Settings,
		resolver:      resolver,
		projector:     subsync.NewProjector(config.Store, logger),
		api:           newAPIClient(apiKey, httpClient),
		rateLimiter:   internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow),
		webhookSecret: []byte(webhookSecret),
		logger:        logger,
		metrics:       metrics,
	}, nil
}

// resolveAPIKey returns the configured secret key, loading it from the
// settings store when the config leaves it empty. A missing key is a
// configuration error, fatal to the whole provider.
func resolveAPIKey(ctx context.Context, config Config) (string, error) {
	if key := strings.TrimSpace(config.StripeAPIKey); key != "" {
		return key, nil
	}
	if key := strings.TrimSpace(config.APIKey); key != "" {
		return key, nil
	}

	setting, err := config.Settings.GetSetting(ctx, subsync.SettingSecretKey)
	if err != nil {
		return "", fmt.Errorf("%w: stripe secret key not configured", billing.ErrProviderNotConfigured)
	}

	key, err := setting.Decoded()
	if err != nil {
		return "", fmt.Errorf("%w: %v", billing.ErrProviderNotConfigured, err)
	}
	// Stored keys may be base64-wrapped without the encrypted flag.
	if !strings.HasPrefix(key, secretKeyPrefix) {
		decoded, err := (&subsync.Setting{Value: key, Encrypted: true}).Decoded()
		if err == nil && strings.HasPrefix(decoded, secretKeyPrefix) {
			key = decoded
		}
	}
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("%w: stripe secret key not configured", billing.ErrProviderNotConfigured)
	}
	return key, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	// Wrap with rate limiting
	return p.rateLimiter.Middleware(handler)
}

// Resolver exposes the provider's plan resolver for callers that need
// price-to-plan mapping outside the webhook path.
func (p *Provider) Resolver() *subsync.PlanResolver {
	return p.resolver
}

// stripeAPI is the slice of the Stripe SDK the provider uses. Kept as
// an interface so reconciliation logic can be exercised against a fake
// backend in tests.
type stripeAPI interface {
	RetrieveSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	SetSubscriptionUserID(ctx context.Context, id, userID string) (*stripe.Subscription, error)
	CancelSubscription(ctx context.Context, id string) error
	ListActiveSubscriptions(ctx context.Context, customerID string, limit int64) ([]*stripe.Subscription, error)
	ListAllActiveSubscriptions(ctx context.Context, limit int64) ([]*stripe.Subscription, error)
	RetrieveCustomer(ctx context.Context, id string) (*stripe.Customer, error)
	FindCustomerByEmail(ctx context.Context, email string) (*stripe.Customer, error)
	FindCustomerByUserID(ctx context.Context, userID string) (*stripe.Customer, error)
	CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error)
}

// apiClient implements stripeAPI over the v83 client.
type apiClient struct {
	client *stripe.Client
}

func newAPIClient(apiKey string, httpClient *http.Client) *apiClient {
	backends := stripe.NewBackendsWithConfig(&stripe.BackendConfig{HTTPClient: httpClient})
	return &apiClient{client: stripe.NewClient(apiKey, stripe.WithBackends(backends))}
}

func (c *apiClient) RetrieveSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	return c.client.V1Subscriptions.Retrieve(ctx, id, nil)
}

func (c *apiClient) SetSubscriptionUserID(ctx context.Context, id, userID string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionUpdateParams{}
	params.AddMetadata(metadataUserIDKey, userID)
	return c.client.V1Subscriptions.Update(ctx, id, params)
}

func (c *apiClient) CancelSubscription(ctx context.Context, id string) error {
	params := &stripe.SubscriptionCancelParams{
		Prorate: stripe.Bool(true),
	}
	_, err := c.client.V1Subscriptions.Cancel(ctx, id, params)
	return err
}

func (c *apiClient) ListActiveSubscriptions(
	ctx context.Context, customerID string, limit int64,
) ([]*stripe.Subscription, error) {
	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)
	params.Status = stripe.String(string(stripe.SubscriptionStatusActive))
	params.Limit = stripe.Int64(limit)
	return c.collectSubscriptions(ctx, params)
}

func (c *apiClient) ListAllActiveSubscriptions(ctx context.Context, limit int64) ([]*stripe.Subscription, error) {
	params := &stripe.SubscriptionListParams{}
	params.Status = stripe.String(string(stripe.SubscriptionStatusActive))
	params.Limit = stripe.Int64(limit)
	return c.collectSubscriptions(ctx, params)
}

func (c *apiClient) collectSubscriptions(
	ctx context.Context, params *stripe.SubscriptionListParams,
) ([]*stripe.Subscription, error) {
	var subscriptions []*stripe.Subscription
	for sub, err := range c.client.V1Subscriptions.List(ctx, params) {
		if err != nil {
			return nil, fmt.Errorf("failed to list subscriptions: %w", err)
		}
		subscriptions = append(subscriptions, sub)
	}
	return subscriptions, nil
}

func (c *apiClient) RetrieveCustomer(ctx context.Context, id string) (*stripe.Customer, error) {
	return c.client.V1Customers.Retrieve(ctx, id, nil)
}

func (c *apiClient) FindCustomerByEmail(ctx context.Context, email string) (*stripe.Customer, error) {
	params := &stripe.CustomerListParams{}
	params.Email = stripe.String(email)
	params.Limit = stripe.Int64(1)
	for cust, err := range c.client.V1Customers.List(ctx, params) {
		if err != nil {
			return nil, fmt.Errorf("failed to list customers: %w", err)
		}
		return cust, nil
	}
	return nil, billing.ErrCustomerNotFound
}

func (c *apiClient) FindCustomerByUserID(ctx context.Context, userID string) (*stripe.Customer, error) {
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", metadataUserIDKey, userID)
	for cust, err := range c.client.V1Customers.Search(ctx, params) {
		if err != nil {
			return nil, fmt.Errorf("stripe search error: %w", err)
		}
		// Verify exact match (Search API can return partial matches)
		if cust.Metadata != nil && cust.Metadata[metadataUserIDKey] == userID {
			return cust, nil
		}
	}
	return nil, billing.ErrCustomerNotFound
}

func (c *apiClient) CreateCheckoutSession(
	ctx context.Context, params *stripe.CheckoutSessionCreateParams,
) (*stripe.CheckoutSession, error) {
	return c.client.V1CheckoutSessions.Create(ctx, params)
}
