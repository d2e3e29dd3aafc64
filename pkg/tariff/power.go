package tariff

import (
	"fmt"
	"time"

	"github.com/raterudder/tarifa/pkg/types"
	"github.com/shopspring/decimal"
)

// PowerCost is the capacity term of one day, in €.
type PowerCost struct {
	P1    decimal.Decimal `json:"p1_cost"`
	P2    decimal.Decimal `json:"p2_cost"`
	Total decimal.Decimal `json:"total_cost"`
}

// DailyPowerCost apportions the contracted power cost of a day between the
// two capacity periods. Capacity P1 shares the hours of energy P1; every
// other hour, and every weekend or holiday hour, is capacity P2.
func DailyPowerCost(cfg types.TariffConfig, resolver *Resolver, powerKW decimal.Decimal, day time.Time) (PowerCost, error) {
	if cfg.PowerRates == nil {
		return PowerCost{}, fmt.Errorf("power rates not configured: %w", types.ErrDataUnavailable)
	}

	start := types.StartOfDay(day)
	end := start.AddDate(0, 0, 1)

	var p1Hours, totalHours int64
	for t := start; t.Before(end); t = t.Add(time.Hour) {
		totalHours++
		if resolver.DayClass(t) != types.DayClassWeekday {
			continue
		}
		if period, ok := resolver.Resolve(t); ok && period == types.PeriodP1 {
			p1Hours++
		}
	}

	hours := decimal.NewFromInt(totalHours)
	p1 := powerKW.Mul(cfg.PowerRates.P1).Mul(decimal.NewFromInt(p1Hours)).Div(hours)
	p2 := powerKW.Mul(cfg.PowerRates.P2).Mul(decimal.NewFromInt(totalHours - p1Hours)).Div(hours)
	return PowerCost{
		P1:    p1,
		P2:    p2,
		Total: p1.Add(p2),
	}, nil
}
