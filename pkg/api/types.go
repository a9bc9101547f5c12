package api

import (
	"time"

	"github.com/andrevlopes/subsync/pkg/billing"
)

// SyncRequest is the body of POST /sync
type SyncRequest struct {
	Email string `json:"email"`

	// Test short-circuits the handler without touching the provider,
	// so deployments can probe the endpoint.
	Test bool `json:"test,omitempty"`
}

// StatusRequest is the body of POST /status
type StatusRequest struct {
	Email string `json:"email"`
}

// AuditResponse wraps one audit run
type AuditResponse struct {
	Success bool                 `json:"success"`
	Audit   *billing.AuditReport `json:"audit"`
}

// SyncResponse wraps one sync run
type SyncResponse struct {
	Success bool                `json:"success"`
	Test    bool                `json:"test,omitempty"`
	Report  *billing.SyncReport `json:"report,omitempty"`
}

// StatusResponse describes a user's subscription standing
type StatusResponse struct {
	HasActiveSubscription bool                `json:"hasActiveSubscription"`
	Subscription          *SubscriptionStatus `json:"subscription,omitempty"`
	IsExpired             bool                `json:"isExpired"`
}

// SubscriptionStatus is the projection detail returned by /status
type SubscriptionStatus struct {
	Status            string    `json:"status"`
	PlanType          string    `json:"plan_type"`
	PlanValue         *float64  `json:"plan_value,omitempty"`
	CurrentPeriodEnd  time.Time `json:"current_period_end"`
	CancelAtPeriodEnd bool      `json:"cancel_at_period_end"`
}
