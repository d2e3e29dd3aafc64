// Package market supplies raw hourly market prices. Sources are tried in a
// fixed order and a series always comes whole from a single source.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/raterudder/tarifa/pkg/fallback"
	"github.com/raterudder/tarifa/pkg/log"
	"github.com/raterudder/tarifa/pkg/types"
)

// PublishHour is the local hour the day-ahead market publishes tomorrow's
// prices.
const PublishHour = 14

// LastGoodRetention is how long a successfully fetched series is kept as the
// fallback for its date.
const LastGoodRetention = 48 * time.Hour

// SourceLastGood names series served from the selector's cache.
const SourceLastGood = "last_good"

// Day selects which calendar day to fetch relative to now.
type Day string

const (
	Today    Day = "today"
	Tomorrow Day = "tomorrow"
)

// ParseDay validates a day name. An empty string is Today.
func ParseDay(s string) (Day, error) {
	switch Day(s) {
	case "", Today:
		return Today, nil
	case Tomorrow:
		return Tomorrow, nil
	default:
		return "", fmt.Errorf("unknown day: %s", s)
	}
}

// Date returns local midnight of the day relative to now.
func (d Day) Date(now time.Time) time.Time {
	start := types.StartOfDay(now)
	if d == Tomorrow {
		return start.AddDate(0, 0, 1)
	}
	return start
}

// Published returns true if prices for the day can exist as of now.
// Tomorrow's are published at PublishHour local time.
func (d Day) Published(now time.Time) bool {
	return d != Tomorrow || now.In(types.Madrid).Hour() >= PublishHour
}

// Source supplies raw hourly prices for a calendar date.
type Source interface {
	Name() string
	// Prices returns whatever the source has for date. Points outside the
	// date are ignored by the selector. A source without data returns an
	// empty slice and no error.
	Prices(ctx context.Context, date time.Time) ([]types.RawPricePoint, error)
}

// Selector picks the raw series for a day from its sources, falling back to
// the last good series it saw for that date.
type Selector struct {
	now func() time.Time

	mu       sync.Mutex
	lastGood map[string]types.RawSeries
}

// NewSelector returns a selector with an empty last-good cache.
func NewSelector() *Selector {
	return &Selector{
		now:      time.Now,
		lastGood: make(map[string]types.RawSeries),
	}
}

// WithClock makes the selector read the time from now.
func (s *Selector) WithClock(now func() time.Time) *Selector {
	if now != nil {
		s.now = now
	}
	return s
}

// Select returns the series for day from primary if it has data for that
// date, else from fallback, else the last good series for the date tagged
// stale. With nothing anywhere it fails with types.ErrDataUnavailable.
// fallback may be nil.
func (s *Selector) Select(ctx context.Context, primary, fallbackSource Source, day Day) (types.RawSeries, error) {
	date := day.Date(s.now())
	key := types.DateKey(date)
	ctx = log.WithAttrs(ctx, slog.String("day", string(day)), slog.String("date", key))

	var steps []fallback.Step[types.RawSeries]
	for _, src := range []Source{primary, fallbackSource} {
		if src == nil {
			continue
		}
		steps = append(steps, fallback.Step[types.RawSeries]{
			Name: src.Name(),
			Fetch: func(ctx context.Context) (types.RawSeries, time.Time, error) {
				return s.fetch(ctx, src, date)
			},
		})
	}
	steps = append(steps, fallback.Step[types.RawSeries]{
		Name:  SourceLastGood,
		Stale: true,
		Fetch: func(context.Context) (types.RawSeries, time.Time, error) {
			series, ok := s.LastGood(date)
			if !ok {
				return types.RawSeries{}, time.Time{}, fallback.ErrNoData
			}
			return series, series.FetchedAt, nil
		},
	})

	res, err := fallback.Chain[types.RawSeries]{Steps: steps, AllowStale: true}.Resolve(ctx)
	if err != nil {
		return types.RawSeries{}, fmt.Errorf("no prices for %s: %w: %w", key, types.ErrDataUnavailable, err)
	}

	series := res.Value
	if res.Stale {
		series.Freshness = types.FreshnessStale
		return series, nil
	}
	s.Remember(series)
	return series, nil
}

func (s *Selector) fetch(ctx context.Context, src Source, date time.Time) (types.RawSeries, time.Time, error) {
	points, err := src.Prices(ctx, date)
	if err != nil {
		return types.RawSeries{}, time.Time{}, err
	}
	points = ForDate(points, date)
	if len(points) == 0 {
		return types.RawSeries{}, time.Time{}, fallback.ErrNoData
	}

	now := s.now()
	log.Ctx(ctx).DebugContext(
		ctx,
		"got market prices",
		slog.String("source", src.Name()),
		slog.Int("count", len(points)),
	)
	return types.RawSeries{
		Date:      date,
		Source:    src.Name(),
		Freshness: types.FreshnessFresh,
		FetchedAt: now,
		Points:    points,
	}, now, nil
}

// Remember stores series as the last good series for its date and drops
// entries older than LastGoodRetention.
func (s *Selector) Remember(series types.RawSeries) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, v := range s.lastGood {
		if now.Sub(v.FetchedAt) > LastGoodRetention {
			delete(s.lastGood, k)
		}
	}
	if now.Sub(series.FetchedAt) > LastGoodRetention {
		return
	}
	key := types.DateKey(series.Date)
	if cur, ok := s.lastGood[key]; ok && cur.FetchedAt.After(series.FetchedAt) {
		return
	}
	series.Points = slices.Clone(series.Points)
	s.lastGood[key] = series
}

// LastGood returns the cached series for date.
func (s *Selector) LastGood(date time.Time) (types.RawSeries, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	series, ok := s.lastGood[types.DateKey(date)]
	if !ok || s.now().Sub(series.FetchedAt) > LastGoodRetention {
		return types.RawSeries{}, false
	}
	series.Points = slices.Clone(series.Points)
	return series, true
}

// ForDate keeps the points starting on the local date of date, sorted and
// with duplicate hours removed. The first occurrence of an hour wins.
func ForDate(points []types.RawPricePoint, date time.Time) []types.RawPricePoint {
	start := types.StartOfDay(date)
	end := start.AddDate(0, 0, 1)

	out := make([]types.RawPricePoint, 0, len(points))
	seen := make(map[int64]bool, len(points))
	for _, p := range points {
		if p.StartTime.Before(start) || !p.StartTime.Before(end) {
			continue
		}
		hour := p.StartTime.Truncate(time.Hour)
		if seen[hour.Unix()] {
			continue
		}
		seen[hour.Unix()] = true
		out = append(out, types.RawPricePoint{StartTime: hour.In(types.Madrid), PricePerKWH: p.PricePerKWH})
	}
	slices.SortFunc(out, func(a, b types.RawPricePoint) int {
		return a.StartTime.Compare(b.StartTime)
	})
	return out
}
