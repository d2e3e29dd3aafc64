package tariff

import (
	"fmt"
	"time"

	"github.com/raterudder/tarifa/pkg/types"
	"github.com/shopspring/decimal"
)

// HourPrice is the canonical per-hour output shape.
type HourPrice struct {
	StartTime   time.Time       `json:"start_time"`
	PricePerKWH decimal.Decimal `json:"price_per_kwh"`
}

// Summary is the presentation view of a resolved price series.
type Summary struct {
	Current      *decimal.Decimal           `json:"current,omitempty"`
	Min          *decimal.Decimal           `json:"min,omitempty"`
	Max          *decimal.Decimal           `json:"max,omitempty"`
	Average      *decimal.Decimal           `json:"average,omitempty"`
	CheapestHour *time.Time                 `json:"cheapest_hour,omitempty"`
	Today        []HourPrice                `json:"today"`
	Tomorrow     []HourPrice                `json:"tomorrow"`
	Hourly       map[string]decimal.Decimal `json:"hourly"`
}

// Summarize splits points into today and tomorrow relative to now and derives
// the current, min, max and cheapest hour of today. Hourly holds today's
// prices keyed price_00h through price_23h; on a 25-hour day the repeated
// hour keeps its first value.
func Summarize(points []types.ResolvedPricePoint, now time.Time) Summary {
	today := types.StartOfDay(now)
	tomorrow := today.AddDate(0, 0, 1)
	dayAfter := today.AddDate(0, 0, 2)

	s := Summary{
		Today:    []HourPrice{},
		Tomorrow: []HourPrice{},
		Hourly:   make(map[string]decimal.Decimal, 24),
	}

	var sum decimal.Decimal
	var cheapest types.ResolvedPricePoint
	for _, p := range points {
		hp := HourPrice{StartTime: p.StartTime, PricePerKWH: p.EffectivePricePerKWH}
		switch {
		case !p.StartTime.Before(today) && p.StartTime.Before(tomorrow):
		case !p.StartTime.Before(tomorrow) && p.StartTime.Before(dayAfter):
			s.Tomorrow = append(s.Tomorrow, hp)
			continue
		default:
			continue
		}

		s.Today = append(s.Today, hp)
		key := fmt.Sprintf("price_%02dh", p.StartTime.In(types.Madrid).Hour())
		if _, ok := s.Hourly[key]; !ok {
			s.Hourly[key] = p.EffectivePricePerKWH
		}

		price := p.EffectivePricePerKWH
		if !now.Before(p.StartTime) && now.Before(p.StartTime.Add(time.Hour)) {
			s.Current = &price
		}
		if s.Min == nil || price.LessThan(*s.Min) {
			s.Min = &price
			cheapest = p
		}
		if s.Max == nil || price.GreaterThan(*s.Max) {
			s.Max = &price
		}
		sum = sum.Add(price)
	}

	if len(s.Today) > 0 {
		avg := sum.Div(decimal.NewFromInt(int64(len(s.Today))))
		s.Average = &avg
		start := cheapest.StartTime
		s.CheapestHour = &start
	}
	return s
}
