// Package echo provides Echo middleware that gates routes behind an
// active subscription.
package echo

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/andrevlopes/subsync/pkg/subsync"
)

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// ContextKey is the Echo context key under which the middleware stores
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
	OnNoSubscription func(c echo.Context, p *subsync.Projection) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error

	// Now is the time source for expiry checks. Defaults to time.Now.
	Now func() time.Time
}

// RequireSubscription creates an Echo middleware that lets a request
// through only when the user's subscription is active and its period
// has not elapsed.
func RequireSubscription(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Store == nil {
		panic("subsync/echo: Config.Store is required")
	}
	if cfg.GetUserID == nil {
		panic("subsync/echo: Config.GetUserID is required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}

			current, err := cfg.Store.CurrentForUser(c.Request().Context(), userID)
			if err != nil && !errors.Is(err, subsync.ErrUserNotFound) {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
			}

			if !current.ActiveAt(now()) {
				if cfg.OnNoSubscription != nil {
					return cfg.OnNoSubscription(c, current)
				}
				return c.JSON(http.StatusPaymentRequired, map[string]string{"error": "subscription required"})
			}

			c.Set(ContextKey, current)
			return next(c)
		}
	}
}

// SubscriptionFromContext returns the projection stored by
// RequireSubscription, or nil.
func SubscriptionFromContext(c echo.Context) *subsync.Projection {
	if p, ok := c.Get(ContextKey).(*subsync.Projection); ok {
		return p
	}
	return nil
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromEchoContext returns an UserIDExtractor that gets user ID from an
// Echo context key, typically set by an auth middleware.
func FromEchoContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if userID, ok := c.Get(key).(string); ok {
			return userID
		}
		return ""
	}
}
