// Package billing turns consumption and resolved prices into money: costs per
// bucket, discount credit estimates and their reconciliation against what the
// supplier eventually bills.
package billing

import (
	"fmt"
	"time"

	"github.com/raterudder/tarifa/pkg/consumption"
	"github.com/raterudder/tarifa/pkg/types"
	"github.com/shopspring/decimal"
)

var hour = decimal.NewFromInt(int64(time.Hour))

// CostCalculator prices aggregate buckets.
type CostCalculator struct{}

// NewCostCalculator returns a CostCalculator.
func NewCostCalculator() *CostCalculator {
	return &CostCalculator{}
}

// Cost returns what the consumption in bucket cost at the effective prices.
// An hour bucket is its total times the matching hour's price. Coarser
// buckets sum hourly costs; an hour that only partly falls inside the bucket
// contributes the wall-clock fraction that does. An hour with consumption but
// no price fails with types.ErrPriceUnavailable.
func (c *CostCalculator) Cost(bucket types.AggregateBucket, samples []types.ConsumptionSample, prices []types.ResolvedPricePoint) (decimal.Decimal, error) {
	byHour := make(map[int64]decimal.Decimal, len(prices))
	for _, p := range prices {
		byHour[p.StartTime.Unix()] = p.EffectivePricePerKWH
	}

	if bucket.Granularity == types.GranularityHour {
		if bucket.KWHTotal.IsZero() {
			return decimal.Zero, nil
		}
		price, ok := byHour[bucket.Start.Truncate(time.Hour).Unix()]
		if !ok {
			return decimal.Zero, fmt.Errorf("no price for %s: %w", bucket.Start.Format(time.RFC3339), types.ErrPriceUnavailable)
		}
		return bucket.KWHTotal.Mul(price), nil
	}

	total := decimal.Zero
	for _, s := range consumption.Hourly(samples) {
		start := s.Timestamp
		end := start.Add(time.Hour)
		if !end.After(bucket.Start) || !start.Before(bucket.End) {
			continue
		}
		if s.KWH.IsZero() {
			continue
		}
		price, ok := byHour[start.Unix()]
		if !ok {
			return decimal.Zero, fmt.Errorf("no price for %s: %w", start.Format(time.RFC3339), types.ErrPriceUnavailable)
		}

		cost := s.KWH.Mul(price)
		if overlap := overlap(start, end, bucket.Start, bucket.End); overlap < time.Hour {
			cost = cost.Mul(decimal.NewFromInt(int64(overlap))).Div(hour)
		}
		total = total.Add(cost)
	}
	return total, nil
}

// SurplusCredit is the compensation for exported energy. Tariffs without a
// surplus rate earn nothing.
func SurplusCredit(cfg types.TariffConfig, exportedKWH decimal.Decimal) decimal.Decimal {
	if cfg.SurplusRate == nil || exportedKWH.IsNegative() {
		return decimal.Zero
	}
	return exportedKWH.Mul(*cfg.SurplusRate)
}

// ManagementFee is the share of the monthly management fee falling inside
// the bucket, pro rata over the length of each month it touches.
func ManagementFee(cfg types.TariffConfig, bucket types.AggregateBucket) decimal.Decimal {
	if cfg.ManagementFeeMonthly.IsZero() {
		return decimal.Zero
	}

	total := decimal.Zero
	start := bucket.Start.In(types.Madrid)
	month := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, types.Madrid)
	for month.Before(bucket.End) {
		next := month.AddDate(0, 1, 0)
		inside := overlap(month, next, bucket.Start, bucket.End)
		fee := cfg.ManagementFeeMonthly.Mul(decimal.NewFromInt(int64(inside))).Div(decimal.NewFromInt(int64(next.Sub(month))))
		total = total.Add(fee)
		month = next
	}
	return total
}

func overlap(aStart, aEnd, bStart, bEnd time.Time) time.Duration {
	start := aStart
	if bStart.After(start) {
		start = bStart
	}
	end := aEnd
	if bEnd.Before(end) {
		end = bEnd
	}
	if !end.After(start) {
		return 0
	}
	return end.Sub(start)
}
