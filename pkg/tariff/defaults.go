package tariff

import (
	"github.com/raterudder/tarifa/pkg/types"
	"github.com/shopspring/decimal"
)

// Default weekday ranges for the three-period tariffs. Weekends and holidays
// are valley all day.
var (
	defaultP1Weekday = []types.HourRange{{Start: 11, End: 15}, {Start: 19, End: 23}}
	defaultP2Weekday = []types.HourRange{{Start: 9, End: 11}, {Start: 15, End: 19}, {Start: 23, End: 24}}
	defaultP3Weekday = []types.HourRange{{Start: 0, End: 9}}
	allDay           = []types.HourRange{{Start: 0, End: 24}}
)

// DefaultSunClubDiscount is the daylight discount window of the SunClub tariff.
var DefaultSunClubDiscount = types.Discount{
	StartHour:  12,
	EndHour:    18,
	Percentage: decimal.RequireFromString("0.45"),
}

// DefaultSurplusRate is the compensation for exported solar energy in €/kWh.
var DefaultSurplusRate = decimal.RequireFromString("0.04")

// Invoice taxes. The electricity tax applies to the invoice base and VAT to
// the base plus the electricity tax.
var (
	DefaultElectricityTaxRate = decimal.RequireFromString("0.0511269632")
	DefaultVATRate            = decimal.RequireFromString("0.21")
)

// ThreePeriodDefaults returns the P1/P2/P3 calendar shared by Solar and Go.
func ThreePeriodDefaults() []types.Period {
	return []types.Period{
		{Name: types.PeriodP1, DayClass: types.DayClassWeekday, HourRanges: cloneRanges(defaultP1Weekday)},
		{Name: types.PeriodP2, DayClass: types.DayClassWeekday, HourRanges: cloneRanges(defaultP2Weekday)},
		{Name: types.PeriodP3, DayClass: types.DayClassWeekday, HourRanges: cloneRanges(defaultP3Weekday)},
		{Name: types.PeriodP3, DayClass: types.DayClassWeekend, HourRanges: cloneRanges(allDay)},
		{Name: types.PeriodP3, DayClass: types.DayClassHoliday, HourRanges: cloneRanges(allDay)},
	}
}

// SinglePeriodDefaults returns a calendar with one period covering every hour.
func SinglePeriodDefaults() []types.Period {
	out := make([]types.Period, 0, len(types.DayClasses))
	for _, dc := range types.DayClasses {
		out = append(out, types.Period{Name: types.PeriodAll, DayClass: dc, HourRanges: cloneRanges(allDay)})
	}
	return out
}

// WithDefaults fills unset fields of cfg with the defaults for its kind. The
// input is not modified.
func WithDefaults(cfg types.TariffConfig) types.TariffConfig {
	out := cfg
	if out.ElectricityTaxRate == nil {
		rate := DefaultElectricityTaxRate
		out.ElectricityTaxRate = &rate
	}
	if out.VATRate == nil {
		rate := DefaultVATRate
		out.VATRate = &rate
	}
	switch cfg.Kind {
	case types.TariffKindFlexi:
		if out.PricingModel == "" {
			out.PricingModel = types.PricingModelMarket
		}
	case types.TariffKindRelax:
		if out.PricingModel == "" {
			out.PricingModel = types.PricingModelFixed
		}
		if len(out.Periods) == 0 {
			out.Periods = SinglePeriodDefaults()
		}
	case types.TariffKindSolar:
		if out.PricingModel == "" {
			out.PricingModel = types.PricingModelFixed
		}
		if len(out.Periods) == 0 {
			out.Periods = ThreePeriodDefaults()
		}
		if out.SurplusRate == nil {
			rate := DefaultSurplusRate
			out.SurplusRate = &rate
		}
	case types.TariffKindGo:
		if out.PricingModel == "" {
			out.PricingModel = types.PricingModelFixed
		}
		if len(out.Periods) == 0 {
			out.Periods = ThreePeriodDefaults()
		}
	case types.TariffKindSunClub:
		if out.PricingModel == "" {
			out.PricingModel = types.PricingModelMarket
		}
		if len(out.Periods) == 0 {
			out.Periods = SinglePeriodDefaults()
		}
		if out.Discount == nil {
			d := DefaultSunClubDiscount
			out.Discount = &d
		}
	}
	return out
}

func cloneRanges(in []types.HourRange) []types.HourRange {
	out := make([]types.HourRange, len(in))
	copy(out, in)
	return out
}
