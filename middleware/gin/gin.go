// Package gin provides Gin middleware that gates routes behind an
// active subscription.
package gin

import (
	"errors"
	"net/http"
	"time"

	gongin "github.com/gin-gonic/gin"

	"github.com/andrevlopes/subsync/pkg/subsync"
)

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// ContextKey is the Gin context key under which the middleware stores
// the current projection.
const ContextKey = "subsync:subscription"

// Config holds middleware configuration
type Config struct {
	// Store resolves the user's current subscription (required)
	Store subsync.Store

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnNoSubscription is called when the user has no usable
	// subscription; the projection is nil when the user has no rows.
	// If nil, returns 402 Payment Required as JSON.
	OnNoSubscription func(c *gongin.Context, p *subsync.Projection)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)

	// Now is the time source for expiry checks. Defaults to time.Now.
	Now func() time.Time
}

// RequireSubscription creates a Gin middleware that lets a request
// through only when the user's subscription is active and its period
// has not elapsed.
func RequireSubscription(cfg Config) gongin.HandlerFunc {
	if cfg.Store == nil {
		panic("subsync/gin: Config.Store is required")
	}
	if cfg.GetUserID == nil {
		panic("subsync/gin: Config.GetUserID is required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gongin.H{"error": "unauthorized"})
			}
			c.Abort()
			return
		}

		current, err := cfg.Store.CurrentForUser(c.Request.Context(), userID)
		if err != nil && !errors.Is(err, subsync.ErrUserNotFound) {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gongin.H{"error": "internal error"})
			}
			c.Abort()
			return
		}

		if !current.ActiveAt(now()) {
			if cfg.OnNoSubscription != nil {
				cfg.OnNoSubscription(c, current)
			} else {
				c.AbortWithStatusJSON(http.StatusPaymentRequired, gongin.H{"error": "subscription required"})
			}
			c.Abort()
			return
		}

		c.Set(ContextKey, current)
		c.Next()
	}
}

// SubscriptionFromContext returns the projection stored by
// RequireSubscription, or nil.
func SubscriptionFromContext(c *gongin.Context) *subsync.Projection {
	if v, ok := c.Get(ContextKey); ok {
		if p, ok := v.(*subsync.Projection); ok {
			return p
		}
	}
	return nil
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromGinContext returns an UserIDExtractor that gets user ID from a
// Gin context key, typically set by an auth middleware.
func FromGinContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if v, ok := c.Get(key); ok {
			if userID, ok := v.(string); ok {
				return userID
			}
		}
		return ""
	}
}
