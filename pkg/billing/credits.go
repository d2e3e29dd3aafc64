package billing

import (
	"fmt"
	"time"

	"github.com/raterudder/tarifa/pkg/consumption"
	"github.com/raterudder/tarifa/pkg/types"
	"github.com/shopspring/decimal"
)

// Estimator computes discount credits ahead of the supplier's own figure.
type Estimator struct {
	now func() time.Time
}

// NewEstimator returns an Estimator.
func NewEstimator() *Estimator {
	return &Estimator{now: time.Now}
}

// WithClock makes the estimator read the time from now.
func (e *Estimator) WithClock(now func() time.Time) *Estimator {
	if now != nil {
		e.now = now
	}
	return e
}

// EstimateResult is the output of Estimate.
type EstimateResult struct {
	Estimate types.CreditEstimate
	// UnpricedHours counts discount-window hours with consumption but no
	// price. They are left out of the estimate.
	UnpricedHours int
}

// Estimate sums kwh × base price × percentage over every hour of period that
// falls inside the discount window. The base price is the price before the
// discount so the credit matches what the discount takes off.
func (e *Estimator) Estimate(
	samples []types.ConsumptionSample,
	prices []types.ResolvedPricePoint,
	discount types.Discount,
	period types.BillingPeriod,
) (EstimateResult, error) {
	start, end, err := period.Bounds()
	if err != nil {
		return EstimateResult{}, err
	}
	if discount.Percentage.IsNegative() || discount.Percentage.GreaterThan(decimal.NewFromInt(1)) {
		return EstimateResult{}, fmt.Errorf("discount percentage out of range: %s", discount.Percentage)
	}

	base := make(map[int64]decimal.Decimal, len(prices))
	for _, p := range prices {
		base[p.StartTime.Unix()] = p.BasePricePerKWH
	}

	var res EstimateResult
	amount := decimal.Zero
	for _, s := range consumption.Hourly(samples) {
		if s.Timestamp.Before(start) || !s.Timestamp.Before(end) {
			continue
		}
		if !discount.Applies(s.Timestamp.In(types.Madrid).Hour()) || s.KWH.IsZero() {
			continue
		}
		price, ok := base[s.Timestamp.Unix()]
		if !ok {
			res.UnpricedHours++
			continue
		}
		amount = amount.Add(s.KWH.Mul(price).Mul(discount.Percentage))
	}

	amount = amount.Round(2)
	res.Estimate = types.CreditEstimate{
		Period:            period,
		EstimatedAmount:   amount,
		EstimateBreakdown: map[string]decimal.Decimal{types.CreditReasonSunClub: amount},
		UpdatedAt:         e.now(),
	}
	return res, nil
}
