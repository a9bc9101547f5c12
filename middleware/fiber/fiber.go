// Package fiber provides Fiber middleware that gates routes behind an
// active subscription.
package fiber

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/andrevlopes/subsync/pkg/subsync"
)

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// ContextKey is the Fiber locals key under which the middleware stores
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
	OnNoSubscription func(c *fiber.Ctx, p *subsync.Projection) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error

	// Now is the time source for expiry checks. Defaults to time.Now.
	Now func() time.Time
}

// RequireSubscription creates a Fiber middleware that lets a request
// through only when the user's subscription is active and its period
// has not elapsed.
func RequireSubscription(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Store == nil {
		panic("subsync/fiber: Config.Store is required")
	}
	if cfg.GetUserID == nil {
		panic("subsync/fiber: Config.GetUserID is required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		}

		current, err := cfg.Store.CurrentForUser(c.UserContext(), userID)
		if err != nil && !errors.Is(err, subsync.ErrUserNotFound) {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
		}

		if !current.ActiveAt(now()) {
			if cfg.OnNoSubscription != nil {
				return cfg.OnNoSubscription(c, current)
			}
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"error": "subscription required"})
		}

		c.Locals(ContextKey, current)
		return c.Next()
	}
}

// SubscriptionFromContext returns the projection stored by
// RequireSubscription, or nil.
func SubscriptionFromContext(c *fiber.Ctx) *subsync.Projection {
	if p, ok := c.Locals(ContextKey).(*subsync.Projection); ok {
		return p
	}
	return nil
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromLocals returns an UserIDExtractor that gets user ID from Fiber
// locals, typically set by an auth middleware.
func FromLocals(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if userID, ok := c.Locals(key).(string); ok {
			return userID
		}
		return ""
	}
}
