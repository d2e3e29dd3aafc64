package tariff

import (
	"time"

	"github.com/raterudder/tarifa/pkg/types"
)

// Calendar classifies calendar dates for period resolution.
type Calendar interface {
	DayClass(t time.Time) types.DayClass
}

// HolidayCalendar treats Saturdays and Sundays as weekend and a fixed set of
// dates as holidays. A holiday falling on a weekend is still a holiday.
type HolidayCalendar struct {
	holidays map[string]struct{}
}

// NewCalendar returns a calendar with the given holidays. Only the local date
// of each holiday is used.
func NewCalendar(holidays ...time.Time) *HolidayCalendar {
	c := &HolidayCalendar{holidays: make(map[string]struct{}, len(holidays))}
	for _, h := range holidays {
		c.holidays[types.DateKey(h)] = struct{}{}
	}
	return c
}

// DayClass implements Calendar.
func (c *HolidayCalendar) DayClass(t time.Time) types.DayClass {
	t = t.In(types.Madrid)
	if c != nil {
		if _, ok := c.holidays[types.DateKey(t)]; ok {
			return types.DayClassHoliday
		}
	}
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return types.DayClassWeekend
	default:
		return types.DayClassWeekday
	}
}

// NationalHolidays returns Spain's fixed-date national holidays for a year.
// Movable feasts and regional holidays have to be supplied separately.
func NationalHolidays(year int) []time.Time {
	dates := []struct {
		month time.Month
		day   int
	}{
		{time.January, 1},
		{time.January, 6},
		{time.May, 1},
		{time.August, 15},
		{time.October, 12},
		{time.November, 1},
		{time.December, 6},
		{time.December, 8},
		{time.December, 25},
	}
	out := make([]time.Time, 0, len(dates))
	for _, d := range dates {
		out = append(out, time.Date(year, d.month, d.day, 0, 0, 0, 0, types.Madrid))
	}
	return out
}
