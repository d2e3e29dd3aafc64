// Package engine ties the pricing, consumption and billing components
// together and holds the state served between refreshes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/raterudder/tarifa/pkg/billing"
	"github.com/raterudder/tarifa/pkg/consumption"
	"github.com/raterudder/tarifa/pkg/log"
	"github.com/raterudder/tarifa/pkg/market"
	"github.com/raterudder/tarifa/pkg/metrics"
	"github.com/raterudder/tarifa/pkg/ratecache"
	"github.com/raterudder/tarifa/pkg/storage"
	"github.com/raterudder/tarifa/pkg/tariff"
	"github.com/raterudder/tarifa/pkg/types"
	"github.com/shopspring/decimal"
)

// ErrInvalidInput wraps rejected caller input.
var ErrInvalidInput = errors.New("invalid input")

const (
	defaultPriceHistory       = 62 * 24 * time.Hour
	defaultConsumptionHistory = 400 * 24 * time.Hour
)

// Options are the collaborators of an Engine. Every field is optional.
type Options struct {
	// Calendar defaults to Spain's national holidays of this year and next.
	Calendar tariff.Calendar
	// Store defaults to an in-memory store.
	Store    storage.Database
	Primary  market.Source
	Fallback market.Source
	// Scraper refreshes fixed rates once the cached ones expire.
	Scraper ratecache.Scraper
	Metrics *metrics.Recorder
	// ContractedPowerKW enables the daily power term.
	ContractedPowerKW decimal.Decimal
	// PriceHistory bounds how long resolved series are kept for costing.
	PriceHistory time.Duration
	// ConsumptionHistory bounds how long samples are kept.
	ConsumptionHistory time.Duration
	// Now is the clock every component reads. Defaults to time.Now.
	Now func() time.Time
}

// Engine is safe for concurrent use. Each refresh operation is serialized
// with the others; reads only wait for the state lock.
type Engine struct {
	cfg       types.TariffConfig
	resolver  *tariff.Resolver
	builder   *tariff.Builder
	selector  *market.Selector
	rates     *ratecache.Cache
	agg       *consumption.Aggregator
	calc      *billing.CostCalculator
	estimator *billing.Estimator
	ledger    *billing.Ledger

	store    storage.Database
	primary  market.Source
	fallback market.Source
	scraper  ratecache.Scraper
	metrics  *metrics.Recorder
	powerKW  decimal.Decimal

	// needsRates is set for fixed tariffs whose rates are not all
	// configured.
	needsRates bool

	priceHistory       time.Duration
	consumptionHistory time.Duration
	now                func() time.Time

	refreshMu sync.Mutex

	mu      sync.RWMutex
	raw     map[string]types.RawSeries
	series  map[string]types.PriceSeries
	samples []types.ConsumptionSample
	credits []types.SupplierCredit
}

// New validates cfg and returns an engine for it. A *types.ConfigurationError
// is the only error it returns.
func New(cfg types.TariffConfig, opts Options) (*Engine, error) {
	cfg = tariff.WithDefaults(cfg)

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	calendar := opts.Calendar
	if calendar == nil {
		year := now().In(types.Madrid).Year()
		calendar = tariff.NewCalendar(append(tariff.NationalHolidays(year), tariff.NationalHolidays(year+1)...)...)
	}
	resolver, err := tariff.NewResolver(cfg, calendar)
	if err != nil {
		return nil, err
	}
	if opts.ContractedPowerKW.IsNegative() {
		return nil, &types.ConfigurationError{Field: "contractedPowerKW", Reason: "must not be negative"}
	}

	store := opts.Store
	if store == nil {
		store = storage.NewMemory()
	}
	rates := ratecache.New(store).WithClock(now)

	e := &Engine{
		cfg:                cfg,
		resolver:           resolver,
		builder:            tariff.NewBuilder(cfg, resolver, rates),
		selector:           market.NewSelector().WithClock(now),
		rates:              rates,
		agg:                consumption.New(),
		calc:               billing.NewCostCalculator(),
		estimator:          billing.NewEstimator().WithClock(now),
		ledger:             billing.NewLedger(store).WithClock(now),
		store:              store,
		primary:            opts.Primary,
		fallback:           opts.Fallback,
		scraper:            opts.Scraper,
		metrics:            opts.Metrics,
		powerKW:            opts.ContractedPowerKW,
		priceHistory:       opts.PriceHistory,
		consumptionHistory: opts.ConsumptionHistory,
		now:                now,
		raw:                make(map[string]types.RawSeries),
		series:             make(map[string]types.PriceSeries),
	}
	if !cfg.IsMarket() {
		for _, p := range cfg.Periods {
			if _, ok := cfg.Rates[p.Name]; !ok {
				e.needsRates = true
			}
		}
	}
	if e.priceHistory <= 0 {
		e.priceHistory = defaultPriceHistory
	}
	if e.consumptionHistory <= 0 {
		e.consumptionHistory = defaultConsumptionHistory
	}
	return e, nil
}

// Config returns the effective tariff configuration.
func (e *Engine) Config() types.TariffConfig {
	return e.cfg
}

// Load restores state from the store. Failures are logged and returned
// joined; the engine stays usable with whatever loaded.
func (e *Engine) Load(ctx context.Context) error {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	var errs []error
	if err := e.rates.Load(ctx, types.TariffKinds...); err != nil {
		errs = append(errs, err)
	}

	now := e.now()
	samples, err := e.store.GetConsumption(ctx, now.Add(-e.consumptionHistory), now.Add(24*time.Hour))
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to load consumption: %w", err))
	}
	credits, err := e.store.ListSupplierCredits(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to load supplier credits: %w", err))
	}

	tomorrow := market.Tomorrow.Date(now)
	var loaded []types.RawSeries
	for day := types.StartOfDay(now.Add(-e.priceHistory)); !day.After(tomorrow); day = day.AddDate(0, 0, 1) {
		series, err := e.store.GetPriceSeries(ctx, day)
		if errors.Is(err, storage.ErrPriceSeriesNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to load prices for %s: %w", types.DateKey(day), err))
			continue
		}
		e.selector.Remember(series)
		loaded = append(loaded, series)
	}

	e.mu.Lock()
	e.samples = consumption.Merge(e.samples, samples)
	e.credits = billing.MergeCredits(e.credits, credits)
	for _, series := range loaded {
		e.raw[types.DateKey(series.Date)] = series
	}
	e.mu.Unlock()

	e.rebuild(ctx)

	log.Ctx(ctx).InfoContext(
		ctx,
		"loaded engine state",
		slog.Int("samples", len(samples)),
		slog.Int("credits", len(credits)),
		slog.Int("priceDays", len(loaded)),
	)
	err = errors.Join(errs...)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to load some engine state", slog.Any("error", err))
	}
	return err
}

// RefreshPrices selects the raw series of day and resolves it under the
// tariff. Tomorrow's series is pending until it is published. When nothing
// can be selected the returned series is pending and the error wraps
// types.ErrDataUnavailable.
func (e *Engine) RefreshPrices(ctx context.Context, day market.Day) (types.PriceSeries, error) {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	started := e.now()
	date := day.Date(started)
	ctx = log.WithAttrs(ctx, slog.String("day", string(day)), slog.String("date", types.DateKey(date)))
	pending := types.PriceSeries{Date: date, Freshness: types.FreshnessPending, Points: []types.ResolvedPricePoint{}}

	if !day.Published(started) {
		log.Ctx(ctx).DebugContext(ctx, "prices not yet published")
		e.metrics.RecordSelection(string(day), "", string(types.FreshnessPending))
		return pending, nil
	}

	series, err := e.refreshPrices(ctx, day)
	e.metrics.RecordRefresh("prices", started, err)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to refresh prices", slog.Any("error", err))
		e.metrics.RecordSelection(string(day), "", string(types.FreshnessPending))
		return pending, err
	}
	e.metrics.RecordSelection(string(day), series.Source, string(series.Freshness))
	return series, nil
}

func (e *Engine) refreshPrices(ctx context.Context, day market.Day) (types.PriceSeries, error) {
	if e.primary == nil && e.fallback == nil {
		return types.PriceSeries{}, fmt.Errorf("no price sources configured: %w", types.ErrDataUnavailable)
	}
	primary := e.primary
	if primary == nil {
		primary = e.fallback
	}
	fallbackSource := e.fallback
	if fallbackSource == primary {
		fallbackSource = nil
	}

	if e.needsRates {
		e.refreshRates(ctx)
	}

	raw, err := e.selector.Select(ctx, primary, fallbackSource, day)
	if err != nil {
		return types.PriceSeries{}, err
	}
	if raw.Freshness == types.FreshnessFresh {
		if err := e.store.UpsertPriceSeries(ctx, raw); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to persist price series", slog.Any("error", err))
		}
	}

	// the raw series is kept even if it can't be resolved yet so that adding
	// rates later can resolve it
	key := types.DateKey(raw.Date)
	e.mu.Lock()
	e.raw[key] = raw
	e.mu.Unlock()

	series, err := e.build(ctx, raw)
	if err != nil {
		return types.PriceSeries{}, err
	}

	e.mu.Lock()
	e.series[key] = series
	e.pruneSeriesLocked()
	e.mu.Unlock()
	if day == market.Today {
		e.recordCurrentPrice(series)
	}

	log.Ctx(ctx).InfoContext(
		ctx,
		"refreshed prices",
		slog.String("source", series.Source),
		slog.String("freshness", string(series.Freshness)),
		slog.Int("count", len(series.Points)),
	)
	return series, nil
}

// refreshRates makes sure the fixed rates of the tariff are not expired,
// scraping new ones when needed. Failures leave the cache as it was.
func (e *Engine) refreshRates(ctx context.Context) {
	l, err := e.rates.Refresh(ctx, e.cfg.Kind, e.scraper)
	switch {
	case err != nil:
		e.metrics.RecordRateLookup(string(e.cfg.Kind), "miss")
		log.Ctx(ctx).DebugContext(ctx, "no cached rates", slog.Any("error", err))
	case l.Stale:
		e.metrics.RecordRateLookup(string(e.cfg.Kind), "stale")
		log.Ctx(ctx).WarnContext(ctx, "using stale rates", slog.Time("fetchedAt", l.FetchedAt))
	default:
		e.metrics.RecordRateLookup(string(e.cfg.Kind), "fresh")
	}
}

func (e *Engine) build(ctx context.Context, raw types.RawSeries) (types.PriceSeries, error) {
	res, err := e.builder.Build(ctx, raw.Points)
	if err != nil {
		return types.PriceSeries{}, err
	}
	freshness := raw.Freshness
	if res.StaleRates && freshness == types.FreshnessFresh {
		freshness = types.FreshnessStale
	}
	return types.PriceSeries{
		Date:      raw.Date,
		Source:    raw.Source,
		Freshness: freshness,
		FetchedAt: raw.FetchedAt,
		Points:    res.Points,
	}, nil
}

// rebuild resolves every stored raw series again, after the rates changed.
func (e *Engine) rebuild(ctx context.Context) {
	e.mu.RLock()
	raws := slices.Collect(maps.Values(e.raw))
	e.mu.RUnlock()

	built := make(map[string]types.PriceSeries, len(raws))
	for _, raw := range raws {
		key := types.DateKey(raw.Date)
		series, err := e.build(ctx, raw)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to rebuild prices", slog.String("date", key), slog.Any("error", err))
			continue
		}
		built[key] = series
	}

	e.mu.Lock()
	maps.Copy(e.series, built)
	e.pruneSeriesLocked()
	today := e.series[types.DateKey(e.now())]
	e.mu.Unlock()

	e.recordCurrentPrice(today)
}

func (e *Engine) pruneSeriesLocked() {
	cutoff := types.StartOfDay(e.now().Add(-e.priceHistory))
	for key, s := range e.series {
		if s.Date.Before(cutoff) {
			delete(e.series, key)
		}
	}
	for key, r := range e.raw {
		if r.Date.Before(cutoff) {
			delete(e.raw, key)
		}
	}
}

func (e *Engine) recordCurrentPrice(series types.PriceSeries) {
	now := e.now()
	for _, p := range series.Points {
		if !now.Before(p.StartTime) && now.Before(p.StartTime.Add(time.Hour)) {
			e.metrics.SetCurrentPrice(p.EffectivePricePerKWH.InexactFloat64())
			return
		}
	}
}

// AddRates stores manually entered fixed rates for kind and resolves the
// stored series again.
func (e *Engine) AddRates(ctx context.Context, kind types.TariffKind, rates map[string]decimal.Decimal) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown tariff kind %q: %w", kind, ErrInvalidInput)
	}
	if len(rates) == 0 {
		return fmt.Errorf("no rates given for %s: %w", kind, ErrInvalidInput)
	}
	for period, rate := range rates {
		if rate.IsNegative() {
			return fmt.Errorf("rate for %s must not be negative: %w", period, ErrInvalidInput)
		}
	}

	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	// the in-memory entry is kept even if persisting failed
	err := e.rates.Put(ctx, kind, rates, types.RateSourceManual)
	if kind == e.cfg.Kind {
		e.rebuild(ctx)
	}
	return err
}

// SeedRates installs rates read from a rates file.
func (e *Engine) SeedRates(ctx context.Context, rates []types.CachedRate) error {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	err := e.rates.Seed(ctx, rates...)
	e.rebuild(ctx)
	return err
}

// Rates returns every cached rate set.
func (e *Engine) Rates() []types.CachedRate {
	return e.rates.Entries()
}

// UpdateConsumption merges samples into the consumption history. Samples for
// an instant already held replace the old ones.
func (e *Engine) UpdateConsumption(ctx context.Context, samples []types.ConsumptionSample) error {
	for _, s := range samples {
		if s.Timestamp.IsZero() {
			return fmt.Errorf("consumption sample missing timestamp: %w", ErrInvalidInput)
		}
		if s.KWH.IsNegative() {
			return fmt.Errorf("consumption sample at %s is negative: %w", s.Timestamp.Format(time.RFC3339), ErrInvalidInput)
		}
	}

	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	started := e.now()
	e.mu.Lock()
	merged := consumption.Merge(samples, e.samples)
	e.samples = consumption.Prune(merged, started.Add(-e.consumptionHistory))
	count := len(e.samples)
	e.mu.Unlock()

	err := e.store.UpsertConsumption(ctx, samples)
	if err != nil {
		err = fmt.Errorf("failed to persist consumption: %w", err)
		log.Ctx(ctx).WarnContext(ctx, "failed to persist consumption", slog.Any("error", err))
	}
	e.metrics.RecordRefresh("consumption", started, err)

	log.Ctx(ctx).DebugContext(ctx, "updated consumption", slog.Int("received", len(samples)), slog.Int("held", count))
	return err
}

// CreditsUpdate is the input of RefreshCredits.
type CreditsUpdate struct {
	// EstimatePeriod defaults to the current month.
	EstimatePeriod types.BillingPeriod    `json:"estimatePeriod,omitempty"`
	Actuals        []types.CreditActual   `json:"actuals,omitempty"`
	Credits        []types.SupplierCredit `json:"credits,omitempty"`
}

// CreditsResult is the output of RefreshCredits.
type CreditsResult struct {
	Estimate      *types.CreditEstimate  `json:"estimate,omitempty"`
	UnpricedHours int                    `json:"unpricedHours"`
	Reconciled    []types.CreditEstimate `json:"reconciled"`
	Changed       int                    `json:"changed"`
}

// RefreshCredits estimates the discount credit of a period, reconciles the
// supplier's actual figures and merges the supplier's credit list. One part
// failing does not stop the others; their errors are returned joined.
func (e *Engine) RefreshCredits(ctx context.Context, update CreditsUpdate) (CreditsResult, error) {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	started := e.now()
	res := CreditsResult{Reconciled: []types.CreditEstimate{}}
	var errs []error

	if e.cfg.Discount != nil {
		period := update.EstimatePeriod
		if period == "" {
			period = types.BillingPeriodOf(started)
		}
		est, unpriced, err := e.estimate(ctx, period)
		if err != nil {
			errs = append(errs, err)
		} else {
			res.Estimate = &est
			res.UnpricedHours = unpriced
		}
	}

	for _, actual := range update.Actuals {
		rec, changed, err := e.ledger.Reconcile(ctx, actual)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to reconcile %s: %w", actual.Period, err))
			continue
		}
		e.metrics.RecordReconciliation(changed)
		res.Reconciled = append(res.Reconciled, rec)
		if changed {
			res.Changed++
		}
	}

	if len(update.Credits) > 0 {
		e.mu.Lock()
		e.credits = billing.MergeCredits(update.Credits, e.credits)
		e.mu.Unlock()
		if err := e.store.UpsertSupplierCredits(ctx, update.Credits); err != nil {
			errs = append(errs, fmt.Errorf("failed to persist supplier credits: %w", err))
		}
	}

	err := errors.Join(errs...)
	e.metrics.RecordRefresh("credits", started, err)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to refresh some credits", slog.Any("error", err))
	}
	return res, err
}

func (e *Engine) estimate(ctx context.Context, period types.BillingPeriod) (types.CreditEstimate, int, error) {
	e.mu.RLock()
	samples := slices.Clone(e.samples)
	prices := e.pricesLocked()
	e.mu.RUnlock()

	res, err := e.estimator.Estimate(samples, prices, *e.cfg.Discount, period)
	if err != nil {
		return types.CreditEstimate{}, 0, fmt.Errorf("failed to estimate credit for %s: %w", period, err)
	}
	if res.UnpricedHours > 0 {
		log.Ctx(ctx).WarnContext(ctx, "estimate skipped unpriced hours", slog.String("period", string(period)), slog.Int("hours", res.UnpricedHours))
	}
	est, _, err := e.ledger.Record(ctx, res.Estimate)
	if err != nil {
		return types.CreditEstimate{}, 0, fmt.Errorf("failed to record estimate for %s: %w", period, err)
	}
	return est, res.UnpricedHours, nil
}

// pricesLocked returns every resolved point held, oldest first.
func (e *Engine) pricesLocked() []types.ResolvedPricePoint {
	var out []types.ResolvedPricePoint
	for _, key := range slices.Sorted(maps.Keys(e.series)) {
		out = append(out, e.series[key].Points...)
	}
	return out
}
