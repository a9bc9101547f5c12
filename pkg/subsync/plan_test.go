package subsync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

// fakeSettings is a map-backed SettingsStore that counts reads.
type fakeSettings struct {
	values map[string]*Setting
	err    error
	reads  atomic.Int64
}

func (f *fakeSettings) GetSetting(_ context.Context, key string) (*Setting, error) {
	f.reads.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	s, ok := f.values[key]
	if !ok {
		return nil, ErrSettingNotFound
	}
	c := *s
	return &c, nil
}

func configuredSettings() *fakeSettings {
	return &fakeSettings{values: map[string]*Setting{
		SettingPriceIDMonthly: {Key: SettingPriceIDMonthly, Value: "price_monthly"},
		SettingPriceIDAnnual:  {Key: SettingPriceIDAnnual, Value: "price_annual"},
	}}
}

func TestResolveExactMatch(t *testing.T) {
	r := NewPlanResolver(configuredSettings(), nil)
	ctx := context.Background()

	if got := r.Resolve(ctx, "price_monthly", "month"); got != PlanMonthly {
		t.Errorf("Resolve(monthly price) = %s, want monthly", got)
	}
	// The configured ID wins even when the interval disagrees.
	if got := r.Resolve(ctx, "price_annual", "month"); got != PlanAnnual {
		t.Errorf("Resolve(annual price, month interval) = %s, want annual", got)
	}
}

func TestResolveIntervalFallback(t *testing.T) {
	r := NewPlanResolver(configuredSettings(), nil)
	ctx := context.Background()

	if got := r.Resolve(ctx, "price_unknown", "year"); got != PlanAnnual {
		t.Errorf("Resolve(unknown, year) = %s, want annual", got)
	}
	if got := r.Resolve(ctx, "price_unknown", "month"); got != PlanMonthly {
		t.Errorf("Resolve(unknown, month) = %s, want monthly", got)
	}
	if got := r.Resolve(ctx, "", ""); got != PlanMonthly {
		t.Errorf("Resolve(empty) = %s, want monthly default", got)
	}
	if got := r.Resolve(ctx, "price_unknown", " YEAR "); got != PlanAnnual {
		t.Errorf("interval matching should be case-insensitive and trimmed")
	}
}

func TestResolveSettingsFailureFallsBack(t *testing.T) {
	r := NewPlanResolver(&fakeSettings{err: errors.New("backend down")}, nil)
	ctx := context.Background()

	// Resolution never surfaces settings errors.
	if got := r.Resolve(ctx, "price_monthly", "year"); got != PlanAnnual {
		t.Errorf("Resolve under settings failure = %s, want interval fallback annual", got)
	}
}

func TestPriceIDFor(t *testing.T) {
	r := NewPlanResolver(configuredSettings(), nil)
	ctx := context.Background()

	got, err := r.PriceIDFor(ctx, PlanMonthly)
	if err != nil || got != "price_monthly" {
		t.Fatalf("PriceIDFor(monthly) = %q, %v", got, err)
	}
	got, err = r.PriceIDFor(ctx, PlanAnnual)
	if err != nil || got != "price_annual" {
		t.Fatalf("PriceIDFor(annual) = %q, %v", got, err)
	}

	if _, err := r.PriceIDFor(ctx, PlanFree); !errors.Is(err, ErrSettingNotFound) {
		t.Errorf("PriceIDFor(free) err = %v, want ErrSettingNotFound", err)
	}

	empty := &fakeSettings{values: map[string]*Setting{}}
	if _, err := NewPlanResolver(empty, nil).PriceIDFor(ctx, PlanMonthly); !errors.Is(err, ErrSettingNotFound) {
		t.Errorf("unconfigured plan err = %v, want ErrSettingNotFound", err)
	}
}
