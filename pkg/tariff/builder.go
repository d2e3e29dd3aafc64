package tariff

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/raterudder/tarifa/pkg/log"
	"github.com/raterudder/tarifa/pkg/types"
	"github.com/shopspring/decimal"
)

// RateLookup supplies fixed rates that are not part of the tariff
// configuration. The rate cache implements it.
type RateLookup interface {
	// Rates returns the per-period rates for kind and whether they are stale.
	Rates(ctx context.Context, kind types.TariffKind) (map[string]decimal.Decimal, bool, error)
}

// Builder turns raw market prices into tariff prices.
type Builder struct {
	cfg      types.TariffConfig
	resolver *Resolver
	rates    RateLookup
}

// NewBuilder returns a builder for cfg. rates may be nil when every fixed rate
// is configured.
func NewBuilder(cfg types.TariffConfig, resolver *Resolver, rates RateLookup) *Builder {
	return &Builder{
		cfg:      cfg,
		resolver: resolver,
		rates:    rates,
	}
}

// BuildResult is the output of Build.
type BuildResult struct {
	Points []types.ResolvedPricePoint
	// StaleRates is true when a fixed rate came from an expired cache entry.
	StaleRates bool
}

// Build resolves every raw point, in order. A short raw series gives a short
// result; nothing is ever synthesized for missing hours.
func (b *Builder) Build(ctx context.Context, raw []types.RawPricePoint) (BuildResult, error) {
	res := BuildResult{Points: make([]types.ResolvedPricePoint, 0, len(raw))}
	if len(raw) == 0 {
		return res, nil
	}

	var cached map[string]decimal.Decimal
	if !b.cfg.IsMarket() && b.needsCachedRates(raw) {
		if b.rates == nil {
			return BuildResult{}, fmt.Errorf("no rates configured for %s: %w", b.cfg.Kind, types.ErrDataUnavailable)
		}
		var err error
		cached, res.StaleRates, err = b.rates.Rates(ctx, b.cfg.Kind)
		if err != nil {
			return BuildResult{}, fmt.Errorf("failed to get rates for %s: %w: %w", b.cfg.Kind, types.ErrDataUnavailable, err)
		}
		if res.StaleRates {
			log.Ctx(ctx).WarnContext(ctx, "building prices from stale rates", slog.String("kind", string(b.cfg.Kind)))
		}
	}

	for _, p := range raw {
		period, _ := b.resolver.Resolve(p.StartTime)

		var base decimal.Decimal
		if b.cfg.IsMarket() {
			base = p.PricePerKWH.Add(b.cfg.AdminCost)
		} else {
			rate, ok := b.cfg.Rates[period]
			if !ok {
				rate, ok = cached[period]
			}
			if !ok {
				return BuildResult{}, fmt.Errorf("no %s rate for period %q: %w", b.cfg.Kind, period, types.ErrDataUnavailable)
			}
			base = rate
		}

		effective := base
		if d := b.cfg.Discount; d != nil && d.Applies(p.StartTime.In(types.Madrid).Hour()) {
			effective = base.Mul(decimal.NewFromInt(1).Sub(d.Percentage))
		}

		res.Points = append(res.Points, types.ResolvedPricePoint{
			RawPricePoint:        p,
			Period:               period,
			BasePricePerKWH:      base,
			EffectivePricePerKWH: effective,
		})
	}
	return res, nil
}

func (b *Builder) needsCachedRates(raw []types.RawPricePoint) bool {
	for _, p := range raw {
		period, _ := b.resolver.Resolve(p.StartTime)
		if _, ok := b.cfg.Rates[period]; !ok {
			return true
		}
	}
	return false
}
