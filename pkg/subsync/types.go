// Package subsync keeps a billing provider's subscription state
// synchronized with an application database. It defines the projection
// data model, the plan resolver, and the projector that applies
// provider state onto local rows while enforcing the at-most-one-active
// invariant per user.
package subsync

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// Status mirrors the billing provider's subscription status vocabulary.
type Status string

const (
	StatusIncomplete        Status = "incomplete"
	StatusIncompleteExpired Status = "incomplete_expired"
	StatusTrialing          Status = "trialing"
	StatusActive            Status = "active"
	StatusPastDue           Status = "past_due"
	StatusCanceled          Status = "canceled"
	StatusUnpaid            Status = "unpaid"
)

// Active reports whether the subscription is in the paid, usable state.
func (s Status) Active() bool {
	return s == StatusActive
}

// Valid reports whether s is part of the known status vocabulary.
func (s Status) Valid() bool {
	switch s {
	case StatusIncomplete, StatusIncompleteExpired, StatusTrialing,
		StatusActive, StatusPastDue, StatusCanceled, StatusUnpaid:
		return true
	}
	return false
}

// PlanType is the internal classification of a subscription's billing
// cadence, distinct from the provider's price identifier.
type PlanType string

const (
	PlanMonthly PlanType = "monthly"
	PlanAnnual  PlanType = "annual"
	PlanFree    PlanType = "free"
)

// Projection is one row per provider subscription: the denormalized
// record summarizing that subscription's current billing state, derived
// from provider events and reconciliation jobs. Rows are never deleted;
// cancellation is a status transition.
type Projection struct {
	// UserID is the stable application user identifier. Never changes.
	UserID string `json:"user_id" firestore:"user_id"`

	// CustomerID and SubscriptionID are assigned by the billing
	// provider. Set on first successful checkout, reassigned when a
	// user re-subscribes.
	CustomerID     string `json:"customer_id" firestore:"customer_id"`
	SubscriptionID string `json:"subscription_id" firestore:"subscription_id"`

	Status   Status   `json:"status" firestore:"status"`
	PlanType PlanType `json:"plan_type" firestore:"plan_type"`

	// PlanValue is the amount in the base currency unit. Nil whenever
	// Status != active.
	PlanValue *float64 `json:"plan_value,omitempty" firestore:"plan_value"`

	// CurrentPeriodEnd is the sole input to expiry checks.
	CurrentPeriodStart time.Time `json:"current_period_start" firestore:"current_period_start"`
	CurrentPeriodEnd   time.Time `json:"current_period_end" firestore:"current_period_end"`

	// CancelAtPeriodEnd does not by itself change Status.
	CancelAtPeriodEnd bool `json:"cancel_at_period_end" firestore:"cancel_at_period_end"`

	// UpdatedAt carries the provider event timestamp of the last
	// applied update. Older events are rejected against it.
	UpdatedAt time.Time `json:"updated_at" firestore:"updated_at"`
}

// ActiveAt reports whether the projection represents a usable
// subscription at the given instant: status active and period not
// elapsed.
func (p *Projection) ActiveAt(now time.Time) bool {
	if p == nil || !p.Status.Active() {
		return false
	}
	return p.CurrentPeriodEnd.After(now)
}

// Customer links an application user to a billing provider customer.
type Customer struct {
	UserID     string `json:"user_id" firestore:"user_id"`
	CustomerID string `json:"customer_id" firestore:"customer_id"`
}

// Setting keys used by the plan resolver and the Stripe provider.
const (
	SettingSecretKey      = "stripe_secret_key"
	SettingPriceIDMonthly = "stripe_price_id_monthly"
	SettingPriceIDAnnual  = "stripe_price_id_annual"
)

// Setting is one key/value configuration entry. Values flagged as
// encrypted are stored base64-encoded.
type Setting struct {
	Key       string `json:"key" firestore:"key"`
	Value     string `json:"value" firestore:"value"`
	Encrypted bool   `json:"encrypted" firestore:"encrypted"`
}

// Decoded returns the plain value, base64-decoding it when the
// encrypted flag is set.
func (s *Setting) Decoded() (string, error) {
	if s == nil {
		return "", fmt.Errorf("nil setting")
	}
	if !s.Encrypted {
		return s.Value, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s.Value))
	if err != nil {
		return "", fmt.Errorf("failed to decode setting %s: %w", s.Key, err)
	}
	return string(raw), nil
}
