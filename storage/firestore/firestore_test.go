package firestore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/andrevlopes/subsync/pkg/subsync"
)

const (
	testProjectID = "test-project"
	emulatorHost  = "localhost:8080"
)

func setupTestStorage(t *testing.T, testName string) *Storage {
	t.Helper()

	os.Setenv("FIRESTORE_EMULATOR_HOST", emulatorHost)

	ctx := context.Background()
	client, err := firestore.NewClient(ctx, testProjectID)
	if err != nil {
		t.Fatalf("Failed to create Firestore client: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	// Unique collections per test run keep runs independent.
	timestamp := time.Now().UnixNano()
	storage, err := New(client, Config{
		SubscriptionsCollection: fmt.Sprintf("test_subs_%s_%d", testName, timestamp),
		SettingsCollection:      fmt.Sprintf("test_settings_%s_%d", testName, timestamp),
	})
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := storage.Ping(pingCtx); err != nil {
		t.Skipf("Firestore emulator not available: %v", err)
	}
	return storage
}

func testProjection(userID, subID string, status subsync.Status, updatedAt time.Time) *subsync.Projection {
	v := 9.9
	p := &subsync.Projection{
		UserID:             userID,
		CustomerID:         "cus_" + userID,
		SubscriptionID:     subID,
		Status:             status,
		PlanType:           subsync.PlanMonthly,
		PlanValue:          &v,
		CurrentPeriodStart: updatedAt,
		CurrentPeriodEnd:   updatedAt.Add(30 * 24 * time.Hour),
		UpdatedAt:          updatedAt,
	}
	if status != subsync.StatusActive {
		p.PlanType = subsync.PlanFree
		p.PlanValue = nil
	}
	return p
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Error("expected error for nil client")
	}
}

func TestUpsertAndGet(t *testing.T) {
	storage := setupTestStorage(t, "upsert_get")
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	if _, err := storage.Get(ctx, "sub_missing"); err != subsync.ErrSubscriptionNotFound {
		t.Errorf("Expected ErrSubscriptionNotFound, got %v", err)
	}

	if err := storage.Upsert(ctx, testProjection("user1", "sub_1", subsync.StatusActive, now)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := storage.Get(ctx, "sub_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.UserID != "user1" || got.Status != subsync.StatusActive {
		t.Errorf("unexpected projection: %+v", got)
	}
	if got.PlanValue == nil || *got.PlanValue != 9.9 {
		t.Errorf("plan value = %v, want 9.9", got.PlanValue)
	}
}

func TestActivateDeactivatesOthers(t *testing.T) {
	storage := setupTestStorage(t, "activate")
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	if err := storage.Upsert(ctx, testProjection("user1", "sub_old", subsync.StatusActive, now.Add(-time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := storage.Upsert(ctx, testProjection("user2", "sub_other", subsync.StatusActive, now)); err != nil {
		t.Fatal(err)
	}

	deactivated, err := storage.Activate(ctx, testProjection("user1", "sub_new", subsync.StatusActive, now))
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if deactivated != 1 {
		t.Errorf("deactivated = %d, want 1", deactivated)
	}

	old, _ := storage.Get(ctx, "sub_old")
	if old.Status != subsync.StatusCanceled || old.PlanType != subsync.PlanFree || old.PlanValue != nil {
		t.Errorf("old subscription not deactivated: %+v", old)
	}

	other, _ := storage.Get(ctx, "sub_other")
	if other.Status != subsync.StatusActive {
		t.Errorf("other user's subscription affected: %+v", other)
	}

	active, err := storage.ListActiveByUser(ctx, "user1")
	if err != nil {
		t.Fatalf("ListActiveByUser failed: %v", err)
	}
	if len(active) != 1 || active[0].SubscriptionID != "sub_new" {
		t.Errorf("expected only sub_new active, got %+v", active)
	}
}

func TestCancel(t *testing.T) {
	storage := setupTestStorage(t, "cancel")
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	if err := storage.Cancel(ctx, "sub_missing", now); err != subsync.ErrSubscriptionNotFound {
		t.Errorf("Expected ErrSubscriptionNotFound, got %v", err)
	}

	if err := storage.Upsert(ctx, testProjection("user1", "sub_1", subsync.StatusActive, now.Add(-time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := storage.Cancel(ctx, "sub_1", now); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	got, _ := storage.Get(ctx, "sub_1")
	if got.Status != subsync.StatusCanceled || got.PlanValue != nil {
		t.Errorf("unexpected canceled projection: %+v", got)
	}
}

func TestCurrentForUser(t *testing.T) {
	storage := setupTestStorage(t, "current")
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	if _, err := storage.CurrentForUser(ctx, "nobody"); err != subsync.ErrUserNotFound {
		t.Errorf("Expected ErrUserNotFound, got %v", err)
	}

	if err := storage.Upsert(ctx, testProjection("user1", "sub_older", subsync.StatusCanceled, now.Add(-2*time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := storage.Upsert(ctx, testProjection("user1", "sub_newer", subsync.StatusCanceled, now.Add(-time.Hour))); err != nil {
		t.Fatal(err)
	}

	current, err := storage.CurrentForUser(ctx, "user1")
	if err != nil {
		t.Fatalf("CurrentForUser failed: %v", err)
	}
	if current.SubscriptionID != "sub_newer" {
		t.Errorf("current = %s, want sub_newer", current.SubscriptionID)
	}

	if err := storage.Upsert(ctx, testProjection("user1", "sub_active", subsync.StatusActive, now.Add(-3*time.Hour))); err != nil {
		t.Fatal(err)
	}
	current, _ = storage.CurrentForUser(ctx, "user1")
	if current.SubscriptionID != "sub_active" {
		t.Errorf("current = %s, want sub_active", current.SubscriptionID)
	}
}

func TestListCustomers(t *testing.T) {
	storage := setupTestStorage(t, "customers")
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	if err := storage.Upsert(ctx, testProjection("user1", "sub_1", subsync.StatusActive, now)); err != nil {
		t.Fatal(err)
	}
	if err := storage.Upsert(ctx, testProjection("user2", "sub_2", subsync.StatusCanceled, now)); err != nil {
		t.Fatal(err)
	}

	customers, err := storage.ListCustomers(ctx)
	if err != nil {
		t.Fatalf("ListCustomers failed: %v", err)
	}
	if len(customers) != 2 {
		t.Errorf("len(customers) = %d, want 2", len(customers))
	}
}

func TestSettings(t *testing.T) {
	storage := setupTestStorage(t, "settings")
	ctx := context.Background()

	if _, err := storage.GetSetting(ctx, "missing"); err != subsync.ErrSettingNotFound {
		t.Errorf("Expected ErrSettingNotFound, got %v", err)
	}

	setting := &subsync.Setting{Key: subsync.SettingPriceIDAnnual, Value: "price_annual_789"}
	if err := storage.SetSetting(ctx, setting); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}

	got, err := storage.GetSetting(ctx, subsync.SettingPriceIDAnnual)
	if err != nil {
		t.Fatalf("GetSetting failed: %v", err)
	}
	if got.Value != "price_annual_789" {
		t.Errorf("value = %s", got.Value)
	}
}
