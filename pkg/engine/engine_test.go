package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/raterudder/tarifa/pkg/market"
	"github.com/raterudder/tarifa/pkg/metrics"
	"github.com/raterudder/tarifa/pkg/ratecache"
	"github.com/raterudder/tarifa/pkg/storage"
	"github.com/raterudder/tarifa/pkg/storage/storagemock"
	"github.com/raterudder/tarifa/pkg/tariff"
	"github.com/raterudder/tarifa/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	name  string
	price string
	err   error
	calls int
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Prices(_ context.Context, date time.Time) ([]types.RawPricePoint, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return hours(date, f.price), nil
}

type fakeScraper struct {
	rates map[string]decimal.Decimal
	calls int
}

func (f *fakeScraper) ScrapeRates(context.Context, types.TariffKind) (map[string]decimal.Decimal, error) {
	f.calls++
	return f.rates, nil
}

func hours(date time.Time, price string) []types.RawPricePoint {
	var out []types.RawPricePoint
	start := types.StartOfDay(date)
	for t := start; t.Before(start.AddDate(0, 0, 1)); t = t.Add(time.Hour) {
		out = append(out, types.RawPricePoint{StartTime: t, PricePerKWH: decimal.RequireFromString(price)})
	}
	return out
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func flexi() types.TariffConfig {
	return types.TariffConfig{Kind: types.TariffKindFlexi, AdminCost: d("0.01")}
}

var (
	// morning is before tomorrow's prices are published, afternoon after.
	morning   = time.Date(2024, time.June, 12, 10, 0, 0, 0, types.Madrid)
	afternoon = time.Date(2024, time.June, 12, 15, 0, 0, 0, types.Madrid)
)

func at(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newEngine(t *testing.T, cfg types.TariffConfig, opts Options) *Engine {
	t.Helper()
	if opts.Calendar == nil {
		opts.Calendar = tariff.NewCalendar()
	}
	if opts.Now == nil {
		opts.Now = at(morning)
	}
	e, err := New(cfg, opts)
	require.NoError(t, err)
	return e
}

func TestNew(t *testing.T) {
	t.Run("unknown kind", func(t *testing.T) {
		_, err := New(types.TariffConfig{Kind: "bogus"}, Options{})
		assert.True(t, types.IsConfigurationError(err))
	})

	t.Run("gap in periods", func(t *testing.T) {
		_, err := New(types.TariffConfig{
			Kind: types.TariffKindSolar,
			Periods: []types.Period{
				{Name: types.PeriodP1, DayClass: types.DayClassWeekday, HourRanges: []types.HourRange{{Start: 0, End: 12}}},
			},
		}, Options{})
		assert.True(t, types.IsConfigurationError(err))
	})

	t.Run("negative power", func(t *testing.T) {
		_, err := New(flexi(), Options{ContractedPowerKW: d("-1")})
		assert.True(t, types.IsConfigurationError(err))
	})

	t.Run("defaults applied", func(t *testing.T) {
		e, err := New(types.TariffConfig{Kind: types.TariffKindSunClub}, Options{})
		require.NoError(t, err)
		require.NotNil(t, e.Config().Discount)
		assert.True(t, e.Config().IsMarket())
	})
}

func TestRefreshPrices(t *testing.T) {
	ctx := context.Background()

	t.Run("primary", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		primary := &fakeSource{name: "sensor", price: "0.1"}
		fb := &fakeSource{name: "esios", price: "0.2"}
		e := newEngine(t, flexi(), Options{Primary: primary, Fallback: fb, Metrics: metrics.New(reg)})

		series, err := e.RefreshPrices(ctx, market.Today)
		require.NoError(t, err)
		assert.Equal(t, "sensor", series.Source)
		assert.Equal(t, types.FreshnessFresh, series.Freshness)
		assert.True(t, series.Date.Equal(time.Date(2024, time.June, 12, 0, 0, 0, 0, types.Madrid)), series.Date.String())
		require.Len(t, series.Points, 24)
		assert.True(t, series.Points[10].StartTime.Equal(morning))
		require.NotEmpty(t, series.Points)
		assert.True(t, d("0.11").Equal(series.Points[0].EffectivePricePerKWH))
		assert.Equal(t, 0, fb.calls)

		v := e.Prices()
		assert.Equal(t, types.TariffKindFlexi, v.Kind)
		assert.Equal(t, types.FreshnessFresh, v.Series.Today.Freshness)
		require.NotNil(t, v.Current)
		assert.True(t, d("0.11").Equal(*v.Current))
		assert.Len(t, v.Today, len(series.Points))

		families, err := reg.Gather()
		require.NoError(t, err)
		var names []string
		for _, f := range families {
			names = append(names, f.GetName())
		}
		assert.Contains(t, names, "tarifa_price_source_selections_total")
		assert.Contains(t, names, "tarifa_current_price_eur_per_kwh")
	})

	t.Run("fallback", func(t *testing.T) {
		primary := &fakeSource{name: "sensor", err: errors.New("down")}
		fb := &fakeSource{name: "esios", price: "0.2"}
		e := newEngine(t, flexi(), Options{Primary: primary, Fallback: fb})

		series, err := e.RefreshPrices(ctx, market.Today)
		require.NoError(t, err)
		assert.Equal(t, "esios", series.Source)
		assert.True(t, d("0.21").Equal(series.Points[0].EffectivePricePerKWH))
	})

	t.Run("last good", func(t *testing.T) {
		primary := &fakeSource{name: "sensor", price: "0.1"}
		e := newEngine(t, flexi(), Options{Primary: primary})

		_, err := e.RefreshPrices(ctx, market.Today)
		require.NoError(t, err)

		primary.err = errors.New("down")
		series, err := e.RefreshPrices(ctx, market.Today)
		require.NoError(t, err)
		assert.Equal(t, types.FreshnessStale, series.Freshness)
		assert.Equal(t, types.FreshnessStale, e.Prices().Series.Today.Freshness)
	})

	t.Run("nothing available", func(t *testing.T) {
		primary := &fakeSource{name: "sensor", err: errors.New("down")}
		e := newEngine(t, flexi(), Options{Primary: primary})

		series, err := e.RefreshPrices(ctx, market.Today)
		assert.ErrorIs(t, err, types.ErrDataUnavailable)
		assert.Equal(t, types.FreshnessPending, series.Freshness)
		assert.Empty(t, series.Points)
		assert.Equal(t, types.FreshnessPending, e.Prices().Series.Today.Freshness)
	})

	t.Run("no sources", func(t *testing.T) {
		e := newEngine(t, flexi(), Options{})
		_, err := e.RefreshPrices(ctx, market.Today)
		assert.ErrorIs(t, err, types.ErrDataUnavailable)
	})

	t.Run("tomorrow before publication", func(t *testing.T) {
		primary := &fakeSource{name: "sensor", price: "0.1"}
		e := newEngine(t, flexi(), Options{Primary: primary, Now: at(morning)})

		series, err := e.RefreshPrices(ctx, market.Tomorrow)
		require.NoError(t, err)
		assert.Equal(t, types.FreshnessPending, series.Freshness)
		assert.True(t, series.Date.Equal(time.Date(2024, time.June, 13, 0, 0, 0, 0, types.Madrid)), series.Date.String())
		assert.Empty(t, series.Points)
		assert.Equal(t, 0, primary.calls)
		assert.Empty(t, e.Prices().Tomorrow)
	})

	t.Run("tomorrow after publication", func(t *testing.T) {
		primary := &fakeSource{name: "sensor", price: "0.1"}
		e := newEngine(t, flexi(), Options{Primary: primary, Now: at(afternoon)})

		series, err := e.RefreshPrices(ctx, market.Tomorrow)
		require.NoError(t, err)
		assert.Equal(t, types.FreshnessFresh, series.Freshness)
		assert.True(t, series.Date.Equal(time.Date(2024, time.June, 13, 0, 0, 0, 0, types.Madrid)), series.Date.String())
		require.Len(t, series.Points, 24)
		assert.Equal(t, 1, primary.calls)
		assert.Len(t, e.Prices().Tomorrow, 24)
	})

	t.Run("persisted", func(t *testing.T) {
		store := storage.NewMemory()
		primary := &fakeSource{name: "sensor", price: "0.1"}
		e := newEngine(t, flexi(), Options{Primary: primary, Store: store})
		_, err := e.RefreshPrices(ctx, market.Today)
		require.NoError(t, err)

		raw, err := store.GetPriceSeries(ctx, morning)
		require.NoError(t, err)
		assert.Equal(t, "sensor", raw.Source)

		// a restarted engine serves it without fetching
		again := newEngine(t, flexi(), Options{Store: store})
		require.NoError(t, again.Load(ctx))
		assert.NotEmpty(t, again.Prices().Today)
	})
}

func TestFixedRates(t *testing.T) {
	ctx := context.Background()

	t.Run("scraped", func(t *testing.T) {
		scraper := &fakeScraper{rates: map[string]decimal.Decimal{
			types.PeriodP1: d("0.17"),
			types.PeriodP2: d("0.11"),
			types.PeriodP3: d("0.08"),
		}}
		e := newEngine(t, types.TariffConfig{Kind: types.TariffKindSolar}, Options{
			Primary: &fakeSource{name: "sensor", price: "0.5"},
			Scraper: scraper,
		})

		series, err := e.RefreshPrices(ctx, market.Today)
		require.NoError(t, err)
		assert.Equal(t, types.FreshnessFresh, series.Freshness)
		for _, p := range series.Points {
			assert.False(t, d("0.5").Equal(p.EffectivePricePerKWH))
		}
		assert.Equal(t, 1, scraper.calls)

		// a second refresh uses the fresh cache
		_, err = e.RefreshPrices(ctx, market.Today)
		require.NoError(t, err)
		assert.Equal(t, 1, scraper.calls)

		rates := e.Rates()
		require.Len(t, rates, 1)
		assert.Equal(t, types.RateSourceScraped, rates[0].Source)
	})

	t.Run("configured rates skip scraping", func(t *testing.T) {
		scraper := &fakeScraper{}
		e := newEngine(t, types.TariffConfig{
			Kind:  types.TariffKindRelax,
			Rates: map[string]decimal.Decimal{types.PeriodAll: d("0.13")},
		}, Options{
			Primary: &fakeSource{name: "sensor", price: "0.5"},
			Scraper: scraper,
		})

		series, err := e.RefreshPrices(ctx, market.Today)
		require.NoError(t, err)
		assert.True(t, d("0.13").Equal(series.Points[0].EffectivePricePerKWH))
		assert.Equal(t, 0, scraper.calls)
	})

	t.Run("manual rates resolve held series", func(t *testing.T) {
		e := newEngine(t, types.TariffConfig{Kind: types.TariffKindRelax}, Options{
			Primary: &fakeSource{name: "sensor", price: "0.5"},
		})

		series, err := e.RefreshPrices(ctx, market.Today)
		assert.ErrorIs(t, err, types.ErrDataUnavailable)
		assert.Equal(t, types.FreshnessPending, series.Freshness)

		require.NoError(t, e.AddRates(ctx, types.TariffKindRelax, map[string]decimal.Decimal{types.PeriodAll: d("0.14")}))
		v := e.Prices()
		assert.Equal(t, types.FreshnessFresh, v.Series.Today.Freshness)
		require.NotEmpty(t, v.Series.Today.Points)
		assert.True(t, d("0.14").Equal(v.Series.Today.Points[0].EffectivePricePerKWH))
	})

	t.Run("invalid manual rates", func(t *testing.T) {
		e := newEngine(t, types.TariffConfig{Kind: types.TariffKindRelax}, Options{})
		assert.ErrorIs(t, e.AddRates(ctx, "bogus", map[string]decimal.Decimal{types.PeriodAll: d("0.1")}), ErrInvalidInput)
		assert.Error(t, e.AddRates(ctx, types.TariffKindRelax, nil))
		assert.Error(t, e.AddRates(ctx, types.TariffKindRelax, map[string]decimal.Decimal{types.PeriodAll: d("-0.1")}))
	})

	t.Run("seeded", func(t *testing.T) {
		e := newEngine(t, types.TariffConfig{Kind: types.TariffKindRelax}, Options{
			Primary: &fakeSource{name: "sensor", price: "0.5"},
		})
		require.NoError(t, e.SeedRates(ctx, []types.CachedRate{{
			Kind:   types.TariffKindRelax,
			Rates:  map[string]decimal.Decimal{types.PeriodAll: d("0.12")},
			Source: types.RateSourceManual,
		}}))
		series, err := e.RefreshPrices(ctx, market.Today)
		require.NoError(t, err)
		assert.True(t, d("0.12").Equal(series.Points[0].EffectivePricePerKWH))
	})
}

// seedYesterday stores a priced day and a fully consumed day for yesterday
// and returns an engine loaded from it along with the number of hours.
func seedYesterday(t *testing.T, cfg types.TariffConfig) (*Engine, types.BillingPeriod, int) {
	t.Helper()
	ctx := context.Background()
	yesterday := types.StartOfDay(morning).AddDate(0, 0, -1)

	store := storage.NewMemory()
	points := hours(yesterday, "0.1")
	require.NoError(t, store.UpsertPriceSeries(ctx, types.RawSeries{
		Date:      yesterday,
		Source:    "sensor",
		Freshness: types.FreshnessFresh,
		FetchedAt: yesterday.Add(15 * time.Hour),
		Points:    points,
	}))

	e := newEngine(t, cfg, Options{Store: store})
	require.NoError(t, e.Load(ctx))

	var samples []types.ConsumptionSample
	for _, p := range points {
		samples = append(samples, types.ConsumptionSample{Timestamp: p.StartTime, KWH: d("1"), IsFinal: true})
	}
	require.NoError(t, e.UpdateConsumption(ctx, samples))
	return e, types.BillingPeriodOf(yesterday), len(points)
}

func TestConsumptionAndCosts(t *testing.T) {
	e, _, n := seedYesterday(t, types.TariffConfig{Kind: types.TariffKindFlexi})

	reports, err := e.Consumption()
	require.NoError(t, err)
	require.Len(t, reports, len(types.Granularities))

	var day types.ConsumptionReport
	for _, r := range reports {
		if r.Granularity == types.GranularityDay {
			day = r
		}
	}
	assert.True(t, day.Substituted)
	assert.Equal(t, types.FreshnessStale, day.Freshness)
	assert.True(t, day.Reported.IsComplete)
	assert.True(t, decimal.NewFromInt(int64(n)).Equal(day.Reported.KWHTotal))

	costs, err := e.Costs()
	require.NoError(t, err)
	for _, c := range costs {
		if c.Granularity != types.GranularityDay {
			continue
		}
		require.NotNil(t, c.Energy)
		assert.True(t, d("0.1").Mul(decimal.NewFromInt(int64(n))).Equal(*c.Energy), c.Energy.String())
		assert.Equal(t, types.FreshnessStale, c.Freshness)
	}

	t.Run("missing prices are pending", func(t *testing.T) {
		ctx := context.Background()
		older := types.StartOfDay(morning).AddDate(0, 0, -3)
		require.NoError(t, e.UpdateConsumption(ctx, []types.ConsumptionSample{
			{Timestamp: older.Add(5 * time.Hour), KWH: d("2"), IsFinal: true},
		}))
		costs, err := e.Costs()
		require.NoError(t, err)
		for _, c := range costs {
			if c.Granularity == types.GranularityYear && c.Bucket.Contains(older) {
				assert.Nil(t, c.Energy)
				assert.Equal(t, types.FreshnessPending, c.Freshness)
			}
		}
	})

	t.Run("invalid samples", func(t *testing.T) {
		ctx := context.Background()
		assert.ErrorIs(t, e.UpdateConsumption(ctx, []types.ConsumptionSample{{KWH: d("1")}}), ErrInvalidInput)
		assert.ErrorIs(t, e.UpdateConsumption(ctx, []types.ConsumptionSample{{Timestamp: morning, KWH: d("-1")}}), ErrInvalidInput)
	})
}

func TestInvoice(t *testing.T) {
	ctx := context.Background()
	e, _, _ := seedYesterday(t, types.TariffConfig{Kind: types.TariffKindFlexi})
	may, err := types.ParseInvoicePeriod("2024-05-01", "2024-05-31")
	require.NoError(t, err)

	est, err := e.Invoice(ctx, InvoiceRequest{LastInvoice: may})
	require.NoError(t, err)
	assert.Equal(t, 12, est.DaysElapsed)
	assert.Equal(t, 18, est.DaysRemaining)
	// 24 kWh on the 11th at 0.1
	assert.True(t, d("2.4").Equal(est.ActualEnergyCost), est.ActualEnergyCost.String())
	// 2 kWh a day for the 18 days left at the average 0.1
	assert.True(t, d("3.6").Equal(est.ProjectedEnergyCost), est.ProjectedEnergyCost.String())
	assert.True(t, d("6").Equal(est.BaseTotal), est.BaseTotal.String())
	// default electricity tax and VAT
	assert.True(t, d("7.63").Equal(est.Total), est.Total.String())

	t.Run("period not started", func(t *testing.T) {
		june, err := types.ParseInvoicePeriod("2024-06-01", "2024-06-30")
		require.NoError(t, err)
		_, err = e.Invoice(ctx, InvoiceRequest{LastInvoice: june})
		assert.ErrorIs(t, err, types.ErrDataUnavailable)
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := e.Invoice(ctx, InvoiceRequest{})
		assert.ErrorIs(t, err, ErrInvalidInput)
		_, err = e.Invoice(ctx, InvoiceRequest{LastInvoice: may, ExportedKWH: d("-1")})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestRefreshCredits(t *testing.T) {
	ctx := context.Background()
	e, period, _ := seedYesterday(t, types.TariffConfig{Kind: types.TariffKindSunClub})

	res, err := e.RefreshCredits(ctx, CreditsUpdate{EstimatePeriod: period})
	require.NoError(t, err)
	require.NotNil(t, res.Estimate)
	// 12:00 to 18:00 at 1 kWh × 0.1 €/kWh × 45%
	assert.True(t, d("0.27").Equal(res.Estimate.EstimatedAmount), res.Estimate.EstimatedAmount.String())
	assert.Equal(t, 0, res.UnpricedHours)

	actual := types.CreditActual{Period: period, Amount: d("0.30")}
	res, err = e.RefreshCredits(ctx, CreditsUpdate{EstimatePeriod: period, Actuals: []types.CreditActual{actual}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Changed)
	require.Len(t, res.Reconciled, 1)
	assert.True(t, d("0.27").Equal(res.Reconciled[0].EstimatedAmount))

	// the same actual again is a no-op
	res, err = e.RefreshCredits(ctx, CreditsUpdate{EstimatePeriod: period, Actuals: []types.CreditActual{actual}})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Changed)

	_, err = e.RefreshCredits(ctx, CreditsUpdate{Credits: []types.SupplierCredit{
		{ID: "1", ReasonCode: types.CreditReasonSunClub, CreatedAt: morning, AmountCents: 250},
		{ID: "2", ReasonCode: types.CreditReasonSunClubPowerUp + "_X", CreatedAt: morning, AmountCents: 100},
	}})
	require.NoError(t, err)

	v, err := e.Credits(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, v.Estimates)
	assert.True(t, d("2.5").Equal(v.Totals.SunClub))
	assert.True(t, d("1").Equal(v.Totals.SunClubPowerUp))
	assert.True(t, d("3.5").Equal(v.Totals.Total))

	t.Run("bad actual does not stop the rest", func(t *testing.T) {
		res, err := e.RefreshCredits(ctx, CreditsUpdate{
			EstimatePeriod: period,
			Actuals: []types.CreditActual{
				{Period: "nope", Amount: d("1")},
				{Period: period, Amount: d("0.31")},
			},
		})
		assert.Error(t, err)
		assert.Equal(t, 1, res.Changed)
		assert.NotNil(t, res.Estimate)
	})

	t.Run("no discount no estimate", func(t *testing.T) {
		plain := newEngine(t, flexi(), Options{})
		res, err := plain.RefreshCredits(ctx, CreditsUpdate{})
		require.NoError(t, err)
		assert.Nil(t, res.Estimate)
	})
}

func TestStoreFailures(t *testing.T) {
	ctx := context.Background()
	store := &storagemock.MockDatabase{}
	store.On("GetCachedRate", mock.Anything, mock.Anything).Return(types.CachedRate{}, ratecache.ErrNotStored)
	store.On("GetConsumption", mock.Anything, mock.Anything, mock.Anything).Return([]types.ConsumptionSample(nil), errors.New("unavailable"))
	store.On("ListSupplierCredits", mock.Anything).Return([]types.SupplierCredit(nil), nil)
	store.On("GetPriceSeries", mock.Anything, mock.Anything).Return(types.RawSeries{}, storage.ErrPriceSeriesNotFound)
	store.On("UpsertConsumption", mock.Anything, mock.Anything).Return(errors.New("down"))

	e := newEngine(t, flexi(), Options{Store: store})

	err := e.Load(ctx)
	assert.ErrorContains(t, err, "failed to load consumption")

	// the sample is held even though persisting it failed
	hour := morning.Add(-time.Hour)
	err = e.UpdateConsumption(ctx, []types.ConsumptionSample{{Timestamp: hour, KWH: d("1"), IsFinal: true}})
	assert.ErrorContains(t, err, "failed to persist consumption")
	assert.NotErrorIs(t, err, ErrInvalidInput)

	reports, err := e.Consumption()
	require.NoError(t, err)
	for _, r := range reports {
		if r.Granularity == types.GranularityYear {
			assert.True(t, d("1").Equal(r.Current.KWHTotal), r.Current.KWHTotal.String())
		}
	}
	store.AssertExpectations(t)
}
