package tariff

import (
	"testing"
	"time"

	"github.com/raterudder/tarifa/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func madridTime(year int, month time.Month, day, hour int) time.Time {
	return time.Date(year, month, day, hour, 0, 0, 0, types.Madrid)
}

func TestResolverDefaults(t *testing.T) {
	// Wednesday and Saturday
	weekday := func(h int) time.Time { return madridTime(2024, time.June, 12, h) }
	weekend := func(h int) time.Time { return madridTime(2024, time.June, 15, h) }

	t.Run("solar weekday", func(t *testing.T) {
		r, err := NewResolver(WithDefaults(types.TariffConfig{Kind: types.TariffKindSolar}), nil)
		require.NoError(t, err)

		tests := []struct {
			hour int
			want string
		}{
			{0, types.PeriodP3},
			{2, types.PeriodP3},
			{8, types.PeriodP3},
			{9, types.PeriodP2},
			{10, types.PeriodP2},
			{11, types.PeriodP1},
			{14, types.PeriodP1},
			{15, types.PeriodP2},
			{18, types.PeriodP2},
			{19, types.PeriodP1},
			{22, types.PeriodP1},
			{23, types.PeriodP2},
		}
		for _, tt := range tests {
			got, ok := r.Resolve(weekday(tt.hour))
			require.True(t, ok)
			assert.Equal(t, tt.want, got, "hour %d", tt.hour)
		}
	})

	t.Run("solar weekend is valley", func(t *testing.T) {
		r, err := NewResolver(WithDefaults(types.TariffConfig{Kind: types.TariffKindSolar}), nil)
		require.NoError(t, err)
		for h := 0; h < 24; h++ {
			got, ok := r.Resolve(weekend(h))
			require.True(t, ok)
			assert.Equal(t, types.PeriodP3, got, "hour %d", h)
		}
	})

	t.Run("holiday is valley", func(t *testing.T) {
		r, err := NewResolver(
			WithDefaults(types.TariffConfig{Kind: types.TariffKindGo}),
			NewCalendar(madridTime(2024, time.June, 12, 0)),
		)
		require.NoError(t, err)
		got, ok := r.Resolve(weekday(11))
		require.True(t, ok)
		assert.Equal(t, types.PeriodP3, got)
	})

	t.Run("flexi has no period", func(t *testing.T) {
		r, err := NewResolver(WithDefaults(types.TariffConfig{Kind: types.TariffKindFlexi}), nil)
		require.NoError(t, err)
		got, ok := r.Resolve(weekday(11))
		assert.False(t, ok)
		assert.Empty(t, got)
	})

	t.Run("relax is a single period", func(t *testing.T) {
		r, err := NewResolver(WithDefaults(types.TariffConfig{Kind: types.TariffKindRelax}), nil)
		require.NoError(t, err)
		for _, ts := range []time.Time{weekday(3), weekday(12), weekend(20)} {
			got, ok := r.Resolve(ts)
			require.True(t, ok)
			assert.Equal(t, types.PeriodAll, got)
		}
	})

	t.Run("utc input is localized", func(t *testing.T) {
		r, err := NewResolver(WithDefaults(types.TariffConfig{Kind: types.TariffKindSolar}), nil)
		require.NoError(t, err)
		// 09:00 UTC is 11:00 in Madrid during summer time
		got, _ := r.Resolve(time.Date(2024, time.June, 12, 9, 0, 0, 0, time.UTC))
		assert.Equal(t, types.PeriodP1, got)
	})
}

func TestDefaultsPartitionEveryDayClass(t *testing.T) {
	for _, kind := range types.TariffKinds {
		cfg := WithDefaults(types.TariffConfig{Kind: kind})
		if kind == types.TariffKindFlexi {
			assert.Empty(t, cfg.Periods)
			continue
		}
		for _, dc := range types.DayClasses {
			table, err := coverage(cfg, dc)
			require.NoError(t, err, "%s/%s", kind, dc)
			seen := 0
			for _, name := range table {
				if name != "" {
					seen++
				}
			}
			assert.Equal(t, 24, seen, "%s/%s", kind, dc)
		}
	}
}

func TestValidateCoverage(t *testing.T) {
	base := func(periods ...types.Period) types.TariffConfig {
		cfg := WithDefaults(types.TariffConfig{Kind: types.TariffKindSolar})
		cfg.Periods = append(SinglePeriodDefaults()[1:], periods...)
		return cfg
	}

	t.Run("gap", func(t *testing.T) {
		cfg := base(
			types.Period{Name: "P1", DayClass: types.DayClassWeekday, HourRanges: []types.HourRange{{Start: 0, End: 12}}},
			types.Period{Name: "P2", DayClass: types.DayClassWeekday, HourRanges: []types.HourRange{{Start: 13, End: 24}}},
		)
		_, err := NewResolver(cfg, nil)
		require.Error(t, err)
		assert.True(t, types.IsConfigurationError(err))
		assert.ErrorContains(t, err, "hour 12 is not covered")
	})

	t.Run("overlap", func(t *testing.T) {
		cfg := base(
			types.Period{Name: "P1", DayClass: types.DayClassWeekday, HourRanges: []types.HourRange{{Start: 0, End: 13}}},
			types.Period{Name: "P2", DayClass: types.DayClassWeekday, HourRanges: []types.HourRange{{Start: 12, End: 24}}},
		)
		err := Validate(cfg)
		require.Error(t, err)
		assert.True(t, types.IsConfigurationError(err))
		assert.ErrorContains(t, err, "hour 12 is in both P1 and P2")
	})

	t.Run("inverted range", func(t *testing.T) {
		cfg := base(
			types.Period{Name: "P1", DayClass: types.DayClassWeekday, HourRanges: []types.HourRange{{Start: 12, End: 6}}},
		)
		err := Validate(cfg)
		require.Error(t, err)
		assert.True(t, types.IsConfigurationError(err))
	})

	t.Run("unknown kind", func(t *testing.T) {
		err := Validate(types.TariffConfig{Kind: "economy7"})
		require.Error(t, err)
		assert.True(t, types.IsConfigurationError(err))
	})

	t.Run("discount over 100%", func(t *testing.T) {
		cfg := WithDefaults(types.TariffConfig{Kind: types.TariffKindSunClub})
		d := *cfg.Discount
		d.Percentage = d.Percentage.Add(d.Percentage).Add(d.Percentage)
		cfg.Discount = &d
		err := Validate(cfg)
		require.Error(t, err)
		assert.ErrorContains(t, err, "discount.percentage")
	})

	t.Run("custom relax periods", func(t *testing.T) {
		cfg := WithDefaults(types.TariffConfig{
			Kind: types.TariffKindRelax,
			Periods: []types.Period{
				{Name: types.PeriodP1, DayClass: types.DayClassWeekday, HourRanges: []types.HourRange{{Start: 0, End: 12}}},
				{Name: types.PeriodP2, DayClass: types.DayClassWeekday, HourRanges: []types.HourRange{{Start: 12, End: 24}}},
			},
		})
		cfg.Periods = append(cfg.Periods, SinglePeriodDefaults()[1:]...)
		err := Validate(cfg)
		require.Error(t, err)
		assert.True(t, types.IsConfigurationError(err))
		assert.ErrorContains(t, err, "single ALL period")

		_, err = NewResolver(cfg, nil)
		assert.True(t, types.IsConfigurationError(err))
	})

	t.Run("relax default periods", func(t *testing.T) {
		require.NoError(t, Validate(WithDefaults(types.TariffConfig{Kind: types.TariffKindRelax})))
	})

	t.Run("tax rate over 100%", func(t *testing.T) {
		cfg := WithDefaults(types.TariffConfig{Kind: types.TariffKindFlexi})
		vat := cfg.VATRate.Add(decimal.NewFromInt(1))
		cfg.VATRate = &vat
		err := Validate(cfg)
		require.Error(t, err)
		assert.ErrorContains(t, err, "vatRate")
	})

	t.Run("negative other concepts", func(t *testing.T) {
		cfg := WithDefaults(types.TariffConfig{Kind: types.TariffKindFlexi, OtherConceptsDaily: decimal.NewFromInt(-1)})
		err := Validate(cfg)
		require.Error(t, err)
		assert.ErrorContains(t, err, "otherConceptsDaily")
	})

	t.Run("fixed flexi", func(t *testing.T) {
		err := Validate(types.TariffConfig{Kind: types.TariffKindFlexi, PricingModel: types.PricingModelFixed})
		require.Error(t, err)
		assert.ErrorContains(t, err, "pricingModel")
	})
}

func TestCalendar(t *testing.T) {
	cal := NewCalendar(NationalHolidays(2024)...)
	assert.Equal(t, types.DayClassHoliday, cal.DayClass(madridTime(2024, time.December, 25, 10)))
	assert.Equal(t, types.DayClassWeekend, cal.DayClass(madridTime(2024, time.December, 28, 10)))
	assert.Equal(t, types.DayClassWeekday, cal.DayClass(madridTime(2024, time.December, 27, 10)))
	// Oct 12 2024 is a Saturday, holiday wins
	assert.Equal(t, types.DayClassHoliday, cal.DayClass(madridTime(2024, time.October, 12, 10)))
}
