package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Freshness tags every value surfaced to callers.
type Freshness string

const (
	FreshnessFresh   Freshness = "fresh"
	FreshnessStale   Freshness = "stale"
	FreshnessPending Freshness = "pending"
)

// RawPricePoint is one hour of market price as delivered by an upstream source.
type RawPricePoint struct {
	StartTime   time.Time       `json:"start_time"`
	PricePerKWH decimal.Decimal `json:"price_per_kwh"`
}

// ResolvedPricePoint is a raw point after tariff rules have been applied.
type ResolvedPricePoint struct {
	RawPricePoint

	// Period is empty for tariffs without periods.
	Period string `json:"period,omitempty"`

	// BasePricePerKWH is the tariff price before any discount window.
	BasePricePerKWH decimal.Decimal `json:"base_price_per_kwh"`

	// EffectivePricePerKWH is what the customer pays for the hour.
	EffectivePricePerKWH decimal.Decimal `json:"effective_price_per_kwh"`
}

// RawSeries is a raw price array for one calendar day along with where it came
// from.
type RawSeries struct {
	Date      time.Time       `json:"date"`
	Source    string          `json:"source"`
	Freshness Freshness       `json:"freshness"`
	FetchedAt time.Time       `json:"fetchedAt"`
	Points    []RawPricePoint `json:"points"`
}

// PriceSeries is a resolved price array for one calendar day.
type PriceSeries struct {
	Date      time.Time            `json:"date"`
	Source    string               `json:"source"`
	Freshness Freshness            `json:"freshness"`
	FetchedAt time.Time            `json:"fetchedAt"`
	Points    []ResolvedPricePoint `json:"points"`
}

// DateKey formats the local calendar date of t, used as a map and document key.
func DateKey(t time.Time) string {
	return t.In(Madrid).Format(time.DateOnly)
}

// StartOfDay returns local midnight of the day containing t.
func StartOfDay(t time.Time) time.Time {
	t = t.In(Madrid)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, Madrid)
}
