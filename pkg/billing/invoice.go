package billing

import (
	"fmt"
	"time"

	"github.com/raterudder/tarifa/pkg/consumption"
	"github.com/raterudder/tarifa/pkg/types"
	"github.com/shopspring/decimal"
)

// NextInvoicePeriod follows last with a period of the same length starting
// the day after it ends. A period that would run into the next month ends on
// the last day of the month it starts in.
func NextInvoicePeriod(last types.InvoicePeriod) types.InvoicePeriod {
	start := types.StartOfDay(last.End).AddDate(0, 0, 1)
	end := start.AddDate(0, 0, last.Days()-1)
	if end.Month() != start.Month() {
		end = time.Date(start.Year(), start.Month()+1, 0, 0, 0, 0, 0, types.Madrid)
	}
	return types.InvoicePeriod{Start: start, End: end}
}

// InvoiceInput is the input of EstimateInvoice.
type InvoiceInput struct {
	// LastInvoice is the period of the most recent invoice. The estimate is
	// for the period following it.
	LastInvoice types.InvoicePeriod
	Samples     []types.ConsumptionSample
	Prices      []types.ResolvedPricePoint
	// DailyPower returns the capacity term of a day. Nil means there is none.
	DailyPower func(day time.Time) (decimal.Decimal, error)
	// ExportedKWH is the energy exported so far in the period.
	ExportedKWH decimal.Decimal
}

// EstimateInvoice projects the next invoice. Elapsed days are priced from
// consumption at the effective hourly prices; the remaining days assume the
// average daily consumption so far at each day's average price. The capacity
// term and the flat charges cover the whole period. Surplus compensation is
// capped at the energy term. The electricity tax applies to the base and VAT
// to the base plus the electricity tax.
//
// Before the period starts it fails with types.ErrDataUnavailable.
func (e *Estimator) EstimateInvoice(cfg types.TariffConfig, in InvoiceInput) (types.InvoiceEstimate, error) {
	period := NextInvoicePeriod(in.LastInvoice)
	today := types.StartOfDay(e.now())
	if today.Before(period.Start) {
		return types.InvoiceEstimate{}, fmt.Errorf("invoice period starting %s has not begun: %w", types.DateKey(period.Start), types.ErrDataUnavailable)
	}

	days := period.Days()
	elapsed, remaining := days, 0
	if !today.After(period.End) {
		elapsed = types.DaysBetween(period.Start, today) + 1
		remaining = types.DaysBetween(today, period.End)
	}
	est := types.InvoiceEstimate{
		Period:        period,
		DaysElapsed:   elapsed,
		DaysRemaining: remaining,
	}

	book := newPriceBook(in.Prices)
	elapsedEnd := period.Start.AddDate(0, 0, elapsed)
	actual, consumed := decimal.Zero, decimal.Zero
	for _, s := range consumption.Hourly(in.Samples) {
		if s.Timestamp.Before(period.Start) || !s.Timestamp.Before(elapsedEnd) {
			continue
		}
		consumed = consumed.Add(s.KWH)
		if s.KWH.IsZero() {
			continue
		}
		price, ok := book.byHour[s.Timestamp.Unix()]
		if !ok {
			if !book.any {
				return types.InvoiceEstimate{}, fmt.Errorf("no price for %s: %w", s.Timestamp.Format(time.RFC3339), types.ErrPriceUnavailable)
			}
			price = book.average
			est.UnpricedHours++
		}
		actual = actual.Add(s.KWH.Mul(price))
	}
	est.ConsumedKWH = consumed

	projected := decimal.Zero
	daily := consumed.Div(decimal.NewFromInt(int64(elapsed)))
	if daily.IsPositive() {
		for day := today.AddDate(0, 0, 1); !day.After(period.End); day = day.AddDate(0, 0, 1) {
			price, ok := book.dayAverage(day)
			if !ok {
				price, ok = book.dayAverage(today)
			}
			if !ok {
				if !book.any {
					return types.InvoiceEstimate{}, fmt.Errorf("no prices to project %s: %w", types.DateKey(day), types.ErrPriceUnavailable)
				}
				price = book.average
			}
			projected = projected.Add(daily.Mul(price))
		}
	}

	energy := actual.Add(projected)
	surplus := decimal.Min(SurplusCredit(cfg, in.ExportedKWH), energy)
	if surplus.IsNegative() {
		surplus = decimal.Zero
	}

	power := decimal.Zero
	if in.DailyPower != nil {
		for day := period.Start; !day.After(period.End); day = day.AddDate(0, 0, 1) {
			cost, err := in.DailyPower(day)
			if err != nil {
				return types.InvoiceEstimate{}, fmt.Errorf("failed to price power for %s: %w", types.DateKey(day), err)
			}
			power = power.Add(cost)
		}
	}

	other := cfg.OtherConceptsDaily.Mul(decimal.NewFromInt(int64(days)))
	base := energy.Sub(surplus).Add(power).Add(cfg.ManagementFeeMonthly).Add(other)
	tax := decimal.Zero
	if cfg.ElectricityTaxRate != nil {
		tax = base.Mul(*cfg.ElectricityTaxRate)
	}
	vat := decimal.Zero
	if cfg.VATRate != nil {
		vat = base.Add(tax).Mul(*cfg.VATRate)
	}

	est.ActualEnergyCost = actual.Round(2)
	est.ProjectedEnergyCost = projected.Round(2)
	est.SurplusCredit = surplus.Round(2)
	est.PowerCost = power.Round(2)
	est.ManagementFee = cfg.ManagementFeeMonthly.Round(2)
	est.OtherConcepts = other.Round(2)
	est.BaseTotal = base.Round(2)
	est.ElectricityTax = tax.Round(2)
	est.VAT = vat.Round(2)
	est.Total = base.Add(tax).Add(vat).Round(2)
	return est, nil
}

type priceBook struct {
	byHour  map[int64]decimal.Decimal
	byDay   map[string][]decimal.Decimal
	average decimal.Decimal
	any     bool
}

func newPriceBook(prices []types.ResolvedPricePoint) priceBook {
	b := priceBook{
		byHour: make(map[int64]decimal.Decimal, len(prices)),
		byDay:  make(map[string][]decimal.Decimal),
	}
	var all []decimal.Decimal
	for _, p := range prices {
		b.byHour[p.StartTime.Unix()] = p.EffectivePricePerKWH
		key := types.DateKey(p.StartTime)
		b.byDay[key] = append(b.byDay[key], p.EffectivePricePerKWH)
		all = append(all, p.EffectivePricePerKWH)
	}
	if len(all) > 0 {
		b.average = decimal.Avg(all[0], all[1:]...)
		b.any = true
	}
	return b
}

func (b priceBook) dayAverage(day time.Time) (decimal.Decimal, bool) {
	prices := b.byDay[types.DateKey(day)]
	if len(prices) == 0 {
		return decimal.Zero, false
	}
	return decimal.Avg(prices[0], prices[1:]...), true
}
