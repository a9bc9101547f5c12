package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/andrevlopes/subsync/pkg/subsync"
)

func value(v float64) *float64 { return &v }

func activeProjection(userID, subID string, updatedAt time.Time) *subsync.Projection {
	return &subsync.Projection{
		UserID:             userID,
		CustomerID:         "cus_" + userID,
		SubscriptionID:     subID,
		Status:             subsync.StatusActive,
		PlanType:           subsync.PlanMonthly,
		PlanValue:          value(9.9),
		CurrentPeriodStart: updatedAt,
		CurrentPeriodEnd:   updatedAt.Add(30 * 24 * time.Hour),
		UpdatedAt:          updatedAt,
	}
}

func TestGetNotFound(t *testing.T) {
	s := New()
	_, err := s.Get(context.Background(), "sub_missing")
	if !errors.Is(err, subsync.ErrSubscriptionNotFound) {
		t.Fatalf("expected ErrSubscriptionNotFound, got %v", err)
	}
}

func TestUpsertAndGet(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	p := activeProjection("user1", "sub_1", now)
	if err := s.Upsert(ctx, p); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := s.Get(ctx, "sub_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.UserID != "user1" || got.Status != subsync.StatusActive {
		t.Errorf("unexpected projection: %+v", got)
	}

	// Mutating the returned copy must not affect the stored row.
	got.Status = subsync.StatusCanceled
	again, _ := s.Get(ctx, "sub_1")
	if again.Status != subsync.StatusActive {
		t.Error("stored projection was mutated through a returned copy")
	}
}

func TestUpsertInvalid(t *testing.T) {
	s := New()
	if err := s.Upsert(context.Background(), &subsync.Projection{}); err == nil {
		t.Error("expected error for projection without IDs")
	}
	if err := s.Upsert(context.Background(), nil); err == nil {
		t.Error("expected error for nil projection")
	}
}

func TestActivateDeactivatesOthers(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.Upsert(ctx, activeProjection("user1", "sub_old", now.Add(-time.Hour))); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := s.Upsert(ctx, activeProjection("user2", "sub_other_user", now)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	deactivated, err := s.Activate(ctx, activeProjection("user1", "sub_new", now))
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if deactivated != 1 {
		t.Errorf("deactivated = %d, want 1", deactivated)
	}

	old, _ := s.Get(ctx, "sub_old")
	if old.Status != subsync.StatusCanceled {
		t.Errorf("old subscription status = %s, want canceled", old.Status)
	}
	if !old.CancelAtPeriodEnd {
		t.Error("old subscription should have cancel_at_period_end set")
	}
	if old.PlanType != subsync.PlanFree || old.PlanValue != nil {
		t.Errorf("old subscription plan = %s/%v, want free/nil", old.PlanType, old.PlanValue)
	}

	// The other user's subscription is untouched.
	other, _ := s.Get(ctx, "sub_other_user")
	if other.Status != subsync.StatusActive {
		t.Errorf("other user's subscription status = %s, want active", other.Status)
	}

	active, err := s.ListActiveByUser(ctx, "user1")
	if err != nil {
		t.Fatalf("ListActiveByUser failed: %v", err)
	}
	if len(active) != 1 || active[0].SubscriptionID != "sub_new" {
		t.Errorf("expected exactly sub_new active, got %+v", active)
	}
}

func TestActivateIsIdempotentForSameSubscription(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 2; i++ {
		deactivated, err := s.Activate(ctx, activeProjection("user1", "sub_1", now))
		if err != nil {
			t.Fatalf("Activate failed: %v", err)
		}
		if deactivated != 0 {
			t.Errorf("run %d: deactivated = %d, want 0", i, deactivated)
		}
	}
}

func TestCancel(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.Cancel(ctx, "sub_missing", now); !errors.Is(err, subsync.ErrSubscriptionNotFound) {
		t.Fatalf("expected ErrSubscriptionNotFound, got %v", err)
	}

	if err := s.Upsert(ctx, activeProjection("user1", "sub_1", now.Add(-time.Hour))); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := s.Cancel(ctx, "sub_1", now); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	got, _ := s.Get(ctx, "sub_1")
	if got.Status != subsync.StatusCanceled || !got.CancelAtPeriodEnd {
		t.Errorf("unexpected canceled projection: %+v", got)
	}
	if !got.UpdatedAt.Equal(now) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, now)
	}
}

func TestCurrentForUser(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := s.CurrentForUser(ctx, "nobody"); !errors.Is(err, subsync.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}

	// Two canceled rows: the most recently updated one wins.
	older := activeProjection("user1", "sub_older", now.Add(-2*time.Hour))
	older.Status = subsync.StatusCanceled
	newer := activeProjection("user1", "sub_newer", now.Add(-time.Hour))
	newer.Status = subsync.StatusCanceled
	if err := s.Upsert(ctx, older); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(ctx, newer); err != nil {
		t.Fatal(err)
	}

	current, err := s.CurrentForUser(ctx, "user1")
	if err != nil {
		t.Fatalf("CurrentForUser failed: %v", err)
	}
	if current.SubscriptionID != "sub_newer" {
		t.Errorf("current = %s, want sub_newer", current.SubscriptionID)
	}

	// An active row always wins, even with an older timestamp.
	if err := s.Upsert(ctx, activeProjection("user1", "sub_active", now.Add(-3*time.Hour))); err != nil {
		t.Fatal(err)
	}
	current, err = s.CurrentForUser(ctx, "user1")
	if err != nil {
		t.Fatalf("CurrentForUser failed: %v", err)
	}
	if current.SubscriptionID != "sub_active" {
		t.Errorf("current = %s, want sub_active", current.SubscriptionID)
	}
}

func TestListCustomers(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.Upsert(ctx, activeProjection("user1", "sub_1", now)); err != nil {
		t.Fatal(err)
	}
	old := activeProjection("user1", "sub_0", now.Add(-time.Hour))
	old.CustomerID = "cus_stale"
	if err := s.Upsert(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(ctx, activeProjection("user2", "sub_2", now)); err != nil {
		t.Fatal(err)
	}

	customers, err := s.ListCustomers(ctx)
	if err != nil {
		t.Fatalf("ListCustomers failed: %v", err)
	}
	if len(customers) != 2 {
		t.Fatalf("len(customers) = %d, want 2", len(customers))
	}
	for _, c := range customers {
		if c.UserID == "user1" && c.CustomerID != "cus_user1" {
			t.Errorf("user1 customer ID = %s, want the most recent row's", c.CustomerID)
		}
	}
}

func TestSettings(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.GetSetting(ctx, "missing"); !errors.Is(err, subsync.ErrSettingNotFound) {
		t.Fatalf("expected ErrSettingNotFound, got %v", err)
	}

	setting := &subsync.Setting{Key: subsync.SettingPriceIDMonthly, Value: "price_123"}
	if err := s.SetSetting(ctx, setting); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}

	got, err := s.GetSetting(ctx, subsync.SettingPriceIDMonthly)
	if err != nil {
		t.Fatalf("GetSetting failed: %v", err)
	}
	if got.Value != "price_123" {
		t.Errorf("value = %s, want price_123", got.Value)
	}
}
