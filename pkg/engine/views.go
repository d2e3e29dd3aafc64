package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/raterudder/tarifa/pkg/billing"
	"github.com/raterudder/tarifa/pkg/log"
	"github.com/raterudder/tarifa/pkg/tariff"
	"github.com/raterudder/tarifa/pkg/types"
	"github.com/shopspring/decimal"
)

// DaySeries holds the resolved series of today and tomorrow.
type DaySeries struct {
	Today    types.PriceSeries `json:"today"`
	Tomorrow types.PriceSeries `json:"tomorrow"`
}

// PricesView is what gets shown for prices.
type PricesView struct {
	Kind types.TariffKind `json:"kind"`
	tariff.Summary
	Series DaySeries         `json:"series"`
	Power  *tariff.PowerCost `json:"power,omitempty"`
}

// Prices returns the held series of today and tomorrow. A day without a
// series is pending.
func (e *Engine) Prices() PricesView {
	now := e.now()
	today := types.StartOfDay(now)
	tomorrow := today.AddDate(0, 0, 1)

	e.mu.RLock()
	v := PricesView{
		Kind: e.cfg.Kind,
		Series: DaySeries{
			Today:    e.seriesLocked(today),
			Tomorrow: e.seriesLocked(tomorrow),
		},
	}
	e.mu.RUnlock()

	points := append(slices.Clone(v.Series.Today.Points), v.Series.Tomorrow.Points...)
	v.Summary = tariff.Summarize(points, now)

	if e.powerKW.IsPositive() && e.cfg.PowerRates != nil {
		if pc, err := tariff.DailyPowerCost(e.cfg, e.resolver, e.powerKW, today); err == nil {
			v.Power = &pc
		}
	}
	return v
}

func (e *Engine) seriesLocked(date time.Time) types.PriceSeries {
	s, ok := e.series[types.DateKey(date)]
	if !ok {
		return types.PriceSeries{Date: date, Freshness: types.FreshnessPending, Points: []types.ResolvedPricePoint{}}
	}
	s.Points = slices.Clone(s.Points)
	return s
}

// Consumption returns the report of every granularity as of now.
func (e *Engine) Consumption() ([]types.ConsumptionReport, error) {
	now := e.now()
	e.mu.RLock()
	samples := slices.Clone(e.samples)
	e.mu.RUnlock()

	out := make([]types.ConsumptionReport, 0, len(types.Granularities))
	for _, g := range types.Granularities {
		r, err := e.agg.Report(samples, g, now)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// CostReport is the cost of one reported consumption bucket.
type CostReport struct {
	Granularity types.Granularity     `json:"granularity"`
	Bucket      types.AggregateBucket `json:"bucket"`
	// Energy is nil while a contained hour has no price.
	Energy        *decimal.Decimal `json:"energy,omitempty"`
	ManagementFee decimal.Decimal  `json:"management_fee"`
	Freshness     types.Freshness  `json:"freshness"`
}

// Costs prices the reported bucket of every granularity. A bucket with a
// consumed hour that has no price is pending rather than wrong.
func (e *Engine) Costs() ([]CostReport, error) {
	reports, err := e.Consumption()
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	samples := slices.Clone(e.samples)
	prices := e.pricesLocked()
	stale := make(map[string]bool, len(e.series))
	for key, s := range e.series {
		stale[key] = s.Freshness != types.FreshnessFresh
	}
	e.mu.RUnlock()

	out := make([]CostReport, 0, len(reports))
	for _, r := range reports {
		c := CostReport{
			Granularity:   r.Granularity,
			Bucket:        r.Reported,
			ManagementFee: billing.ManagementFee(e.cfg, r.Reported),
			Freshness:     r.Freshness,
		}
		energy, err := e.calc.Cost(r.Reported, samples, prices)
		switch {
		case errors.Is(err, types.ErrPriceUnavailable):
			c.Freshness = types.FreshnessPending
		case err != nil:
			return nil, fmt.Errorf("failed to cost %s bucket: %w", r.Granularity, err)
		default:
			c.Energy = &energy
			if c.Freshness == types.FreshnessFresh && usesStale(r.Reported, stale) {
				c.Freshness = types.FreshnessStale
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func usesStale(b types.AggregateBucket, stale map[string]bool) bool {
	for day := types.StartOfDay(b.Start); day.Before(b.End); day = day.AddDate(0, 0, 1) {
		if stale[types.DateKey(day)] {
			return true
		}
	}
	return false
}

// CreditsView is what gets shown for credits.
type CreditsView struct {
	Estimates []types.CreditEstimate `json:"estimates"`
	Totals    types.CreditTotals     `json:"totals"`
}

// Credits returns the ledger and the totals of the supplier's credits.
func (e *Engine) Credits(ctx context.Context) (CreditsView, error) {
	estimates, err := e.ledger.List(ctx)
	if err != nil {
		return CreditsView{}, err
	}
	if estimates == nil {
		estimates = []types.CreditEstimate{}
	}

	e.mu.RLock()
	credits := slices.Clone(e.credits)
	e.mu.RUnlock()

	return CreditsView{
		Estimates: estimates,
		Totals:    billing.SummarizeCredits(credits, e.now()),
	}, nil
}

// InvoiceRequest is the input of Invoice.
type InvoiceRequest struct {
	// LastInvoice is the period of the most recent invoice.
	LastInvoice types.InvoicePeriod
	// ExportedKWH is the energy exported so far in the period following it.
	ExportedKWH decimal.Decimal
}

// Invoice estimates the invoice of the billing period after req.LastInvoice
// from the consumption and prices held. Before that period starts the error
// wraps types.ErrDataUnavailable.
func (e *Engine) Invoice(ctx context.Context, req InvoiceRequest) (types.InvoiceEstimate, error) {
	last := req.LastInvoice
	if last.Start.IsZero() || last.End.IsZero() || last.End.Before(last.Start) {
		return types.InvoiceEstimate{}, fmt.Errorf("last invoice period is required: %w", ErrInvalidInput)
	}
	if req.ExportedKWH.IsNegative() {
		return types.InvoiceEstimate{}, fmt.Errorf("exported energy must not be negative: %w", ErrInvalidInput)
	}

	e.mu.RLock()
	in := billing.InvoiceInput{
		LastInvoice: last,
		Samples:     slices.Clone(e.samples),
		Prices:      e.pricesLocked(),
		ExportedKWH: req.ExportedKWH,
	}
	e.mu.RUnlock()

	if e.powerKW.IsPositive() && e.cfg.PowerRates != nil {
		in.DailyPower = func(day time.Time) (decimal.Decimal, error) {
			pc, err := tariff.DailyPowerCost(e.cfg, e.resolver, e.powerKW, day)
			return pc.Total, err
		}
	}

	est, err := e.estimator.EstimateInvoice(e.cfg, in)
	if err != nil {
		return types.InvoiceEstimate{}, fmt.Errorf("failed to estimate invoice: %w", err)
	}
	if est.UnpricedHours > 0 {
		log.Ctx(ctx).WarnContext(ctx, "invoice estimate used the average price for unpriced hours", slog.Int("hours", est.UnpricedHours))
	}
	return est, nil
}
