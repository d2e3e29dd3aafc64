package tariff

import (
	"time"

	"github.com/raterudder/tarifa/pkg/types"
)

// Resolver maps timestamps to the rate period of a tariff.
type Resolver struct {
	kind     types.TariffKind
	calendar Calendar
	tables   map[types.DayClass][24]string
}

// NewResolver validates the period calendar of cfg and precomputes the hour
// table of every day class. It is the only place a coverage problem can
// surface; Resolve itself cannot fail.
func NewResolver(cfg types.TariffConfig, calendar Calendar) (*Resolver, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	if calendar == nil {
		calendar = NewCalendar()
	}
	r := &Resolver{
		kind:     cfg.Kind,
		calendar: calendar,
		tables:   make(map[types.DayClass][24]string, len(types.DayClasses)),
	}

	switch cfg.Kind {
	case types.TariffKindFlexi:
		// no periods
	case types.TariffKindRelax, types.TariffKindSolar, types.TariffKindGo, types.TariffKindSunClub:
		for _, dc := range types.DayClasses {
			table, err := coverage(cfg, dc)
			if err != nil {
				return nil, err
			}
			r.tables[dc] = table
		}
	}
	return r, nil
}

// Resolve returns the period containing t. Flexi has no periods and returns
// false.
func (r *Resolver) Resolve(t time.Time) (string, bool) {
	switch r.kind {
	case types.TariffKindFlexi:
		return "", false
	case types.TariffKindRelax:
		return types.PeriodAll, true
	}

	local := t.In(types.Madrid)
	table, ok := r.tables[r.calendar.DayClass(local)]
	if !ok {
		return "", false
	}
	return table[local.Hour()], true
}

// DayClass exposes the calendar used by the resolver.
func (r *Resolver) DayClass(t time.Time) types.DayClass {
	return r.calendar.DayClass(t)
}
