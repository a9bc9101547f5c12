package subsync

import (
	"context"
	"strings"
)

// IntervalYear is the provider's recurring interval for annual prices.
const IntervalYear = "year"

// PlanResolver maps a provider price identifier to an internal plan
// type. Resolution runs in priority order: exact match against the
// configured monthly/annual price IDs, then inference from the
// recurring interval, then monthly. A settings miss or fetch failure
// degrades silently to the interval tier; it is logged, never returned.
type PlanResolver struct {
	settings SettingsStore
	logger   Logger
}

// NewPlanResolver creates a resolver backed by the given settings
// store. A nil logger falls back to the no-op logger.
func NewPlanResolver(settings SettingsStore, logger Logger) *PlanResolver {
	if logger == nil {
		logger = &NoopLogger{}
	}
	return &PlanResolver{settings: settings, logger: logger}
}

// Resolve returns the plan for a price ID, falling back to the
// recurring interval when the ID matches neither configured price.
// Never returns PlanFree: every resolved price is monthly or annual.
func (r *PlanResolver) Resolve(ctx context.Context, priceID, interval string) PlanType {
	monthly, annual, err := r.configuredPriceIDs(ctx)
	if err != nil {
		r.logger.Warn("price settings unavailable, using interval fallback",
			Field{"priceId", priceID},
			Field{"interval", interval},
			Field{"error", err.Error()},
		)
		return planForInterval(interval)
	}

	switch {
	case priceID != "" && priceID == monthly:
		return PlanMonthly
	case priceID != "" && priceID == annual:
		return PlanAnnual
	}

	r.logger.Warn("price ID not configured, using interval fallback",
		Field{"priceId", priceID},
		Field{"interval", interval},
	)
	return planForInterval(interval)
}

// PriceIDFor is the inverse lookup: the configured price ID for a paid
// plan. Returns ErrSettingNotFound for PlanFree or unconfigured plans.
func (r *PlanResolver) PriceIDFor(ctx context.Context, plan PlanType) (string, error) {
	var key string
	switch plan {
	case PlanMonthly:
		key = SettingPriceIDMonthly
	case PlanAnnual:
		key = SettingPriceIDAnnual
	default:
		return "", ErrSettingNotFound
	}

	setting, err := r.settings.GetSetting(ctx, key)
	if err != nil {
		return "", err
	}
	return setting.Decoded()
}

func (r *PlanResolver) configuredPriceIDs(ctx context.Context) (monthly, annual string, err error) {
	m, err := r.settings.GetSetting(ctx, SettingPriceIDMonthly)
	if err != nil {
		return "", "", err
	}
	a, err := r.settings.GetSetting(ctx, SettingPriceIDAnnual)
	if err != nil {
		return "", "", err
	}

	monthly, err = m.Decoded()
	if err != nil {
		return "", "", err
	}
	annual, err = a.Decoded()
	if err != nil {
		return "", "", err
	}
	return monthly, annual, nil
}

func planForInterval(interval string) PlanType {
	if strings.EqualFold(strings.TrimSpace(interval), IntervalYear) {
		return PlanAnnual
	}
	return PlanMonthly
}
