// Package storage persists everything the engine needs to survive a restart:
// fixed rates, raw price series, consumption, supplier credits and the
// credit ledger.
package storage

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/raterudder/tarifa/pkg/billing"
	"github.com/raterudder/tarifa/pkg/ratecache"
	"github.com/raterudder/tarifa/pkg/types"
)

// ErrPriceSeriesNotFound is returned when no series was stored for a date.
var ErrPriceSeriesNotFound = errors.New("price series not found")

// Database defines the interface for persisting engine state.
type Database interface {
	// Rates. GetCachedRate returns ratecache.ErrNotStored if missing.
	GetCachedRate(ctx context.Context, kind types.TariffKind) (types.CachedRate, error)
	PutCachedRate(ctx context.Context, rate types.CachedRate) error

	// Credit ledger. GetCreditEstimate returns billing.ErrNotStored if
	// missing.
	GetCreditEstimate(ctx context.Context, period types.BillingPeriod) (types.CreditEstimate, error)
	PutCreditEstimate(ctx context.Context, estimate types.CreditEstimate) error
	ListCreditEstimates(ctx context.Context) ([]types.CreditEstimate, error)

	// Prices
	UpsertPriceSeries(ctx context.Context, series types.RawSeries) error
	GetPriceSeries(ctx context.Context, date time.Time) (types.RawSeries, error)

	// Consumption
	UpsertConsumption(ctx context.Context, samples []types.ConsumptionSample) error
	GetConsumption(ctx context.Context, start, end time.Time) ([]types.ConsumptionSample, error)

	// Supplier credits
	UpsertSupplierCredits(ctx context.Context, credits []types.SupplierCredit) error
	ListSupplierCredits(ctx context.Context) ([]types.SupplierCredit, error)

	// Lifecycle
	Close() error
}

var (
	_ ratecache.Store     = Database(nil)
	_ billing.LedgerStore = Database(nil)
)

// creditKey identifies a supplier credit. Credits without an ID are keyed by
// their creation time.
func creditKey(c types.SupplierCredit) string {
	if c.ID != "" {
		return c.ID
	}
	return "t-" + c.CreatedAt.UTC().Format(time.RFC3339Nano)
}

// consumptionKeyLayout is fixed width so keys sort like their instants, to the
// nanosecond.
const consumptionKeyLayout = "2006-01-02T15:04:05.000000000Z"

// consumptionKey identifies the sample taken at t.
func consumptionKey(t time.Time) string {
	return t.UTC().Format(consumptionKeyLayout)
}

// docID makes a key usable as a Firestore document ID, which can't contain a
// slash, be "." or "..", or look like __name__. Distinct keys stay distinct.
func docID(key string) string {
	return "k-" + url.PathEscape(key)
}
