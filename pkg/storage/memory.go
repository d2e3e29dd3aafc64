package storage

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/raterudder/tarifa/pkg/billing"
	"github.com/raterudder/tarifa/pkg/ratecache"
	"github.com/raterudder/tarifa/pkg/types"
)

// MemoryProvider keeps everything in process memory. It is meant for local
// runs and tests; nothing survives a restart.
type MemoryProvider struct {
	mu          sync.RWMutex
	rates       map[types.TariffKind]types.CachedRate
	estimates   map[types.BillingPeriod]types.CreditEstimate
	prices      map[string]types.RawSeries
	consumption map[int64]types.ConsumptionSample
	credits     map[string]types.SupplierCredit
}

var _ Database = (*MemoryProvider)(nil)

// NewMemory returns an empty MemoryProvider.
func NewMemory() *MemoryProvider {
	return &MemoryProvider{
		rates:       make(map[types.TariffKind]types.CachedRate),
		estimates:   make(map[types.BillingPeriod]types.CreditEstimate),
		prices:      make(map[string]types.RawSeries),
		consumption: make(map[int64]types.ConsumptionSample),
		credits:     make(map[string]types.SupplierCredit),
	}
}

// GetCachedRate implements Database.
func (m *MemoryProvider) GetCachedRate(_ context.Context, kind types.TariffKind) (types.CachedRate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rate, ok := m.rates[kind]
	if !ok {
		return types.CachedRate{}, ratecache.ErrNotStored
	}
	rate.Rates = maps.Clone(rate.Rates)
	return rate, nil
}

// PutCachedRate implements Database.
func (m *MemoryProvider) PutCachedRate(_ context.Context, rate types.CachedRate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rate.Rates = maps.Clone(rate.Rates)
	m.rates[rate.Kind] = rate
	return nil
}

// GetCreditEstimate implements Database.
func (m *MemoryProvider) GetCreditEstimate(_ context.Context, period types.BillingPeriod) (types.CreditEstimate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	est, ok := m.estimates[period]
	if !ok {
		return types.CreditEstimate{}, billing.ErrNotStored
	}
	return cloneEstimate(est), nil
}

// PutCreditEstimate implements Database.
func (m *MemoryProvider) PutCreditEstimate(_ context.Context, est types.CreditEstimate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.estimates[est.Period] = cloneEstimate(est)
	return nil
}

// ListCreditEstimates implements Database. Estimates are ordered by period.
func (m *MemoryProvider) ListCreditEstimates(_ context.Context) ([]types.CreditEstimate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.CreditEstimate, 0, len(m.estimates))
	for _, p := range slices.Sorted(maps.Keys(m.estimates)) {
		out = append(out, cloneEstimate(m.estimates[p]))
	}
	return out, nil
}

// UpsertPriceSeries implements Database.
func (m *MemoryProvider) UpsertPriceSeries(_ context.Context, series types.RawSeries) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	series.Points = slices.Clone(series.Points)
	m.prices[types.DateKey(series.Date)] = series
	return nil
}

// GetPriceSeries implements Database.
func (m *MemoryProvider) GetPriceSeries(_ context.Context, date time.Time) (types.RawSeries, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	series, ok := m.prices[types.DateKey(date)]
	if !ok {
		return types.RawSeries{}, ErrPriceSeriesNotFound
	}
	series.Points = slices.Clone(series.Points)
	return series, nil
}

// UpsertConsumption implements Database. Samples are keyed by timestamp.
func (m *MemoryProvider) UpsertConsumption(_ context.Context, samples []types.ConsumptionSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range samples {
		m.consumption[s.Timestamp.UnixNano()] = s
	}
	return nil
}

// GetConsumption implements Database. It returns samples in [start, end)
// sorted by timestamp.
func (m *MemoryProvider) GetConsumption(_ context.Context, start, end time.Time) ([]types.ConsumptionSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.ConsumptionSample
	for _, s := range m.consumption {
		if !s.Timestamp.Before(start) && s.Timestamp.Before(end) {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b types.ConsumptionSample) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out, nil
}

// UpsertSupplierCredits implements Database.
func (m *MemoryProvider) UpsertSupplierCredits(_ context.Context, credits []types.SupplierCredit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range credits {
		m.credits[creditKey(c)] = c
	}
	return nil
}

// ListSupplierCredits implements Database. Credits are ordered by creation
// time.
func (m *MemoryProvider) ListSupplierCredits(_ context.Context) ([]types.SupplierCredit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := slices.Collect(maps.Values(m.credits))
	slices.SortFunc(out, func(a, b types.SupplierCredit) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

// Close implements Database.
func (m *MemoryProvider) Close() error {
	return nil
}

func cloneEstimate(e types.CreditEstimate) types.CreditEstimate {
	e.ReasonBreakdown = maps.Clone(e.ReasonBreakdown)
	e.EstimateBreakdown = maps.Clone(e.EstimateBreakdown)
	e.History = slices.Clone(e.History)
	return e
}
