// Package http provides HTTP middleware that gates routes behind an
// active subscription.
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/andrevlopes/subsync/pkg/subsync"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Store resolves the user's current subscription (required)
	Store subsync.Store

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// OnNoSubscription is called when the user has no usable
	// subscription. The projection is nil when the user has no rows at
	// all. If nil, returns 402 Payment Required.
	OnNoSubscription func(w http.ResponseWriter, r *http.Request, p *subsync.Projection)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)

	// Now is the time source for expiry checks. Defaults to time.Now.
	Now func() time.Time
}

// RequireSubscription creates an HTTP middleware that lets a request
// through only when the user's subscription is active and its period
// has not elapsed. The projection is stored in the request context for
// downstream handlers.
func RequireSubscription(config Config) func(http.Handler) http.Handler {
	now := config.Now
	if now == nil {
		now = time.Now
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			current, err := config.Store.CurrentForUser(r.Context(), userID)
			if err != nil && !errors.Is(err, subsync.ErrUserNotFound) {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			if !current.ActiveAt(now()) {
				if config.OnNoSubscription != nil {
					config.OnNoSubscription(w, r, current)
				} else {
					http.Error(w, "Subscription required", http.StatusPaymentRequired)
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithSubscription(r.Context(), current)))
		})
	}
}

// HandlerFunc creates the middleware for http.HandlerFunc chains
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := RequireSubscription(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "subsync:userID"

	// SubscriptionKey is the context key for the current projection
	SubscriptionKey ContextKey = "subsync:subscription"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithSubscription adds the current projection to the context
func WithSubscription(ctx context.Context, p *subsync.Projection) context.Context {
	return context.WithValue(ctx, SubscriptionKey, p)
}

// SubscriptionFromContext returns the projection placed in the context
// by RequireSubscription, or nil.
func SubscriptionFromContext(ctx context.Context) *subsync.Projection {
	if p, ok := ctx.Value(SubscriptionKey).(*subsync.Projection); ok {
		return p
	}
	return nil
}
