package billing

import "time"

// AuditReport is the aggregate result of one audit run. Per-item
// failures live inside the report; the run itself only fails on setup
// errors (missing credentials, store unavailable).
type AuditReport struct {
	// TotalCustomers is the number of customers scanned.
	TotalCustomers int `json:"totalCustomers"`

	// UsersWithMultipleSubscriptions lists every customer the provider
	// reported more than one active subscription for, with full detail.
	UsersWithMultipleSubscriptions []MultipleSubscriptions `json:"usersWithMultipleSubscriptions"`

	// Inconsistencies lists provider/database active-count mismatches.
	Inconsistencies []Inconsistency `json:"inconsistencies"`

	// FixedSubscriptions counts duplicate subscriptions canceled.
	FixedSubscriptions int `json:"fixedSubscriptions"`

	// Errors collects per-item failures (cancellations, lookups) that
	// did not abort the run.
	Errors []AuditError `json:"errors"`
}

// MultipleSubscriptions describes one customer with more than one
// active subscription at the provider.
type MultipleSubscriptions struct {
	UserID              string                `json:"userId"`
	CustomerID          string                `json:"stripeCustomerId"`
	ActiveSubscriptions int                   `json:"activeSubscriptions"`
	Subscriptions       []SubscriptionSummary `json:"subscriptions"`
}

// SubscriptionSummary is the per-subscription detail recorded in an
// audit report.
type SubscriptionSummary struct {
	ID       string    `json:"id"`
	Status   string    `json:"status"`
	PlanType string    `json:"planType"`
	Created  time.Time `json:"created"`
}

// Inconsistency records an active-count mismatch between the provider
// and the local database for one customer.
type Inconsistency struct {
	UserID        string `json:"userId"`
	ProviderCount int    `json:"stripeCount"`
	DBCount       int    `json:"dbCount"`
	Issue         string `json:"issue"`
}

// AuditError is one recovered per-item failure.
type AuditError struct {
	UserID         string `json:"userId"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
	Error          string `json:"error"`
}

// SyncReport is the aggregate result of a sync run over provider
// subscriptions.
type SyncReport struct {
	// TotalSubscriptions is the number of provider subscriptions seen.
	TotalSubscriptions int `json:"totalSubscriptions"`

	// SyncedCount is the number of projections written.
	SyncedCount int `json:"syncedCount"`

	// Errors collects per-subscription failures that did not abort the
	// run, formatted as "subscriptionID: cause".
	Errors []string `json:"errors,omitempty"`
}
