package echo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/andrevlopes/subsync/pkg/subsync"
	"github.com/andrevlopes/subsync/storage/memory"
)

// errorStore is a mock store that always fails on CurrentForUser
type errorStore struct {
	*memory.Storage
}

func (s *errorStore) CurrentForUser(_ context.Context, _ string) (*subsync.Projection, error) {
	return nil, errors.New("connection refused")
}

func setupStore(t *testing.T) *memory.Storage {
	t.Helper()
	return memory.New()
}

func seedActive(t *testing.T, store *memory.Storage, userID string) {
	t.Helper()

	value := 9.90
	err := store.Upsert(context.Background(), &subsync.Projection{
		UserID:             userID,
		CustomerID:         "cus_" + userID,
		SubscriptionID:     "sub_" + userID,
		Status:             subsync.StatusActive,
		PlanType:           subsync.PlanMonthly,
		PlanValue:          &value,
		CurrentPeriodStart: time.Now().UTC().Add(-time.Hour),
		CurrentPeriodEnd:   time.Now().UTC().Add(30 * 24 * time.Hour),
		UpdatedAt:          time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Failed to seed subscription: %v", err)
	}
}

func newServer(cfg Config) *echo.Echo {
	e := echo.New()
	e.Use(RequireSubscription(cfg))
	e.GET("/api/test", func(c echo.Context) error {
		return c.String(http.StatusOK, "success")
	})
	return e
}

func TestRequireSubscription_Success(t *testing.T) {
	store := setupStore(t)
	seedActive(t, store, "user1")

	e := newServer(Config{
		Store:     store,
		GetUserID: FromHeader("X-User-ID"),
	})

	req := httptest.NewRequest("GET", "/api/test", http.NoBody)
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
}

func TestRequireSubscription_Unauthorized(t *testing.T) {
	e := newServer(Config{
		Store:     setupStore(t),
		GetUserID: FromHeader("X-User-ID"),
	})

	req := httptest.NewRequest("GET", "/api/test", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rec.Code)
	}
}

func TestRequireSubscription_NoSubscription(t *testing.T) {
	e := newServer(Config{
		Store:     setupStore(t),
		GetUserID: FromHeader("X-User-ID"),
	})

	req := httptest.NewRequest("GET", "/api/test", http.NoBody)
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Errorf("Expected status 402, got %d", rec.Code)
	}
}

func TestRequireSubscription_ExpiredPeriod(t *testing.T) {
	store := setupStore(t)
	value := 9.90
	err := store.Upsert(context.Background(), &subsync.Projection{
		UserID:             "user1",
		CustomerID:         "cus_user1",
		SubscriptionID:     "sub_user1",
		Status:             subsync.StatusActive,
		PlanType:           subsync.PlanMonthly,
		PlanValue:          &value,
		CurrentPeriodStart: time.Now().UTC().Add(-60 * 24 * time.Hour),
		CurrentPeriodEnd:   time.Now().UTC().Add(-time.Hour),
		UpdatedAt:          time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Failed to seed subscription: %v", err)
	}

	e := newServer(Config{
		Store:     store,
		GetUserID: FromHeader("X-User-ID"),
	})

	req := httptest.NewRequest("GET", "/api/test", http.NoBody)
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Errorf("Expected status 402 for expired period, got %d", rec.Code)
	}
}

func TestRequireSubscription_StoreError(t *testing.T) {
	e := newServer(Config{
		Store:     &errorStore{memory.New()},
		GetUserID: FromHeader("X-User-ID"),
	})

	req := httptest.NewRequest("GET", "/api/test", http.NoBody)
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", rec.Code)
	}
}

func TestRequireSubscription_CustomCallbacks(t *testing.T) {
	var gotProjection *subsync.Projection

	e := echo.New()
	e.Use(RequireSubscription(Config{
		Store:     setupStore(t),
		GetUserID: FromHeader("X-User-ID"),
		OnNoSubscription: func(c echo.Context, p *subsync.Projection) error {
			gotProjection = p
			return c.JSON(http.StatusForbidden, map[string]string{"error": "upgrade required"})
		},
	}))
	e.GET("/api/test", func(c echo.Context) error {
		return c.String(http.StatusOK, "success")
	})

	req := httptest.NewRequest("GET", "/api/test", http.NoBody)
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 from custom callback, got %d", rec.Code)
	}
	if gotProjection != nil {
		t.Errorf("Expected nil projection for user without rows, got %+v", gotProjection)
	}
}

func TestRequireSubscription_ProjectionInContext(t *testing.T) {
	store := setupStore(t)
	seedActive(t, store, "user1")

	var got *subsync.Projection

	e := echo.New()
	e.Use(RequireSubscription(Config{
		Store:     store,
		GetUserID: FromHeader("X-User-ID"),
	}))
	e.GET("/api/test", func(c echo.Context) error {
		got = SubscriptionFromContext(c)
		return c.String(http.StatusOK, "success")
	})

	req := httptest.NewRequest("GET", "/api/test", http.NoBody)
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if got == nil {
		t.Fatal("Expected projection in context")
	}
	if got.SubscriptionID != "sub_user1" {
		t.Errorf("Expected sub_user1, got %s", got.SubscriptionID)
	}
}

func TestRequireSubscription_PanicsWithoutStore(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic when Store is nil")
		}
	}()

	RequireSubscription(Config{GetUserID: FromHeader("X-User-ID")})
}
