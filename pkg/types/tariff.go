package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Madrid is the zone every tariff period and bucket boundary is evaluated in.
var Madrid = func() *time.Location {
	loc, err := time.LoadLocation("Europe/Madrid")
	if err != nil {
		panic(fmt.Errorf("failed to load madrid location: %w", err))
	}
	return loc
}()

// TariffKind is the closed set of supported retail tariffs.
type TariffKind string

const (
	TariffKindFlexi   TariffKind = "flexi"
	TariffKindRelax   TariffKind = "relax"
	TariffKindSolar   TariffKind = "solar"
	TariffKindGo      TariffKind = "go"
	TariffKindSunClub TariffKind = "sun_club"
)

// TariffKinds lists every supported kind in a stable order.
var TariffKinds = []TariffKind{
	TariffKindFlexi,
	TariffKindRelax,
	TariffKindSolar,
	TariffKindGo,
	TariffKindSunClub,
}

// Valid returns true if k is one of the supported kinds.
func (k TariffKind) Valid() bool {
	switch k {
	case TariffKindFlexi, TariffKindRelax, TariffKindSolar, TariffKindGo, TariffKindSunClub:
		return true
	default:
		return false
	}
}

// PricingModel decides whether the energy term follows the market or a
// configured rate per period.
type PricingModel string

const (
	PricingModelMarket PricingModel = "market"
	PricingModelFixed  PricingModel = "fixed"
)

// DayClass classifies a calendar date for period resolution.
type DayClass string

const (
	DayClassWeekday DayClass = "weekday"
	DayClassWeekend DayClass = "weekend"
	DayClassHoliday DayClass = "holiday"
)

// DayClasses lists every day class in the order they are validated.
var DayClasses = []DayClass{DayClassWeekday, DayClassWeekend, DayClassHoliday}

// Period names used by the default calendars.
const (
	PeriodP1 = "P1"
	PeriodP2 = "P2"
	PeriodP3 = "P3"
	// PeriodAll is the single implicit period of flat-rate tariffs.
	PeriodAll = "ALL"
)

// HourRange is the half-open range of local hours [Start, End).
type HourRange struct {
	Start int `yaml:"start" json:"start" validate:"gte=0,lte=23"`
	End   int `yaml:"end" json:"end" validate:"gte=1,lte=24,gtfield=Start"`
}

// Contains returns true if the local hour falls in the range.
func (r HourRange) Contains(hour int) bool {
	return hour >= r.Start && hour < r.End
}

// Period is a named rate period applying to one day class.
type Period struct {
	Name       string      `yaml:"name" json:"name" validate:"required"`
	DayClass   DayClass    `yaml:"dayClass" json:"dayClass" validate:"required,oneof=weekday weekend holiday"`
	HourRanges []HourRange `yaml:"hourRanges" json:"hourRanges" validate:"required,min=1,dive"`
}

// Discount is a percentage taken off the resolved price inside a window of
// local hours.
type Discount struct {
	StartHour  int             `yaml:"startHour" json:"startHour" validate:"gte=0,lte=23"`
	EndHour    int             `yaml:"endHour" json:"endHour" validate:"gte=1,lte=24,gtfield=StartHour"`
	Percentage decimal.Decimal `yaml:"percentage" json:"percentage"`
}

// Applies returns true if the local hour is inside the discount window.
func (d Discount) Applies(hour int) bool {
	return d.StartHour <= hour && hour < d.EndHour
}

// PowerRates are the capacity-term rates in €/kW/day.
type PowerRates struct {
	P1 decimal.Decimal `yaml:"p1" json:"p1"`
	P2 decimal.Decimal `yaml:"p2" json:"p2"`
}

// TariffConfig describes one configured tariff. It is produced once at setup
// and treated as read-only afterwards.
type TariffConfig struct {
	Kind                 TariffKind                 `yaml:"kind" json:"kind" validate:"required"`
	PricingModel         PricingModel               `yaml:"pricingModel" json:"pricingModel" validate:"omitempty,oneof=market fixed"`
	Periods              []Period                   `yaml:"periods" json:"periods" validate:"dive"`
	Rates                map[string]decimal.Decimal `yaml:"rates" json:"rates,omitempty"`
	AdminCost            decimal.Decimal            `yaml:"adminCost" json:"adminCost"`
	SurplusRate          *decimal.Decimal           `yaml:"surplusRate" json:"surplusRate,omitempty"`
	Discount             *Discount                  `yaml:"discount" json:"discount,omitempty"`
	PowerRates           *PowerRates                `yaml:"powerRates" json:"powerRates,omitempty"`
	ManagementFeeMonthly decimal.Decimal            `yaml:"managementFeeMonthly" json:"managementFeeMonthly"`
	// OtherConceptsDaily covers the flat daily charges of an invoice such as
	// meter rental, in €/day.
	OtherConceptsDaily decimal.Decimal  `yaml:"otherConceptsDaily" json:"otherConceptsDaily"`
	ElectricityTaxRate *decimal.Decimal `yaml:"electricityTaxRate" json:"electricityTaxRate,omitempty"`
	VATRate            *decimal.Decimal `yaml:"vatRate" json:"vatRate,omitempty"`
}

// IsMarket returns true if the energy term follows the market price.
func (c TariffConfig) IsMarket() bool {
	return c.PricingModel == PricingModelMarket
}

// PeriodsFor returns the periods defined for the given day class in
// configuration order.
func (c TariffConfig) PeriodsFor(dc DayClass) []Period {
	var out []Period
	for _, p := range c.Periods {
		if p.DayClass == dc {
			out = append(out, p)
		}
	}
	return out
}
