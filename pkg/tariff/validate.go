package tariff

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/raterudder/tarifa/pkg/types"
	"github.com/shopspring/decimal"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks cfg once at setup. Every failure is a
// *types.ConfigurationError.
func Validate(cfg types.TariffConfig) error {
	if !cfg.Kind.Valid() {
		return &types.ConfigurationError{Field: "kind", Reason: fmt.Sprintf("unknown tariff kind %q", cfg.Kind)}
	}

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &types.ConfigurationError{
				Field:  strings.TrimPrefix(fe.Namespace(), "TariffConfig."),
				Reason: fmt.Sprintf("failed %s validation", fe.Tag()),
			}
		}
		return &types.ConfigurationError{Reason: err.Error()}
	}

	switch cfg.Kind {
	case types.TariffKindFlexi:
		if cfg.PricingModel == types.PricingModelFixed {
			return &types.ConfigurationError{Field: "pricingModel", Reason: "flexi is always market priced"}
		}
	case types.TariffKindRelax, types.TariffKindSolar, types.TariffKindGo, types.TariffKindSunClub:
		if cfg.Kind == types.TariffKindRelax {
			// every relax hour bills at the single ALL rate
			for _, p := range cfg.Periods {
				if p.Name != types.PeriodAll {
					return &types.ConfigurationError{
						Field:  fmt.Sprintf("periods[%s/%s]", p.DayClass, p.Name),
						Reason: "relax has a single " + types.PeriodAll + " period",
					}
				}
			}
		}
		for _, dc := range types.DayClasses {
			if _, err := coverage(cfg, dc); err != nil {
				return err
			}
		}
	}

	if d := cfg.Discount; d != nil {
		if d.Percentage.IsNegative() || d.Percentage.GreaterThan(decimal.NewFromInt(1)) {
			return &types.ConfigurationError{Field: "discount.percentage", Reason: "must be between 0 and 1"}
		}
	}
	if cfg.AdminCost.IsNegative() {
		return &types.ConfigurationError{Field: "adminCost", Reason: "must not be negative"}
	}
	if cfg.OtherConceptsDaily.IsNegative() {
		return &types.ConfigurationError{Field: "otherConceptsDaily", Reason: "must not be negative"}
	}
	for field, rate := range map[string]*decimal.Decimal{"electricityTaxRate": cfg.ElectricityTaxRate, "vatRate": cfg.VATRate} {
		if rate != nil && (rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1))) {
			return &types.ConfigurationError{Field: field, Reason: "must be between 0 and 1"}
		}
	}
	for name, rate := range cfg.Rates {
		if rate.IsNegative() {
			return &types.ConfigurationError{Field: "rates." + name, Reason: "must not be negative"}
		}
	}
	return nil
}

// coverage builds the hour -> period table for a day class and verifies the
// ranges partition the 24 hours.
func coverage(cfg types.TariffConfig, dc types.DayClass) ([24]string, error) {
	var table [24]string
	for _, p := range cfg.PeriodsFor(dc) {
		for _, r := range p.HourRanges {
			if r.Start < 0 || r.End > 24 || r.Start >= r.End {
				return table, &types.ConfigurationError{
					Field:  fmt.Sprintf("periods[%s/%s]", dc, p.Name),
					Reason: fmt.Sprintf("invalid hour range %d-%d", r.Start, r.End),
				}
			}
			for h := r.Start; h < r.End; h++ {
				if table[h] != "" {
					return table, &types.ConfigurationError{
						Field:  fmt.Sprintf("periods[%s]", dc),
						Reason: fmt.Sprintf("hour %d is in both %s and %s", h, table[h], p.Name),
					}
				}
				table[h] = p.Name
			}
		}
	}
	for h, name := range table {
		if name == "" {
			return table, &types.ConfigurationError{
				Field:  fmt.Sprintf("periods[%s]", dc),
				Reason: fmt.Sprintf("hour %d is not covered by any period", h),
			}
		}
	}
	return table, nil
}
