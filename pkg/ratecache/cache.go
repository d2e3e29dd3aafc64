// Package ratecache holds the fixed per-period rates of Relax, Solar and Go.
// Entries are fresh for a week; an expired entry is only handed out when the
// caller explicitly accepts stale data.
package ratecache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/raterudder/tarifa/pkg/fallback"
	"github.com/raterudder/tarifa/pkg/log"
	"github.com/raterudder/tarifa/pkg/types"
	"github.com/shopspring/decimal"
)

// FreshFor is how long a cached rate set is served as fresh.
const FreshFor = 7 * 24 * time.Hour

// ErrNotStored is returned by a Store that has no entry for a kind.
var ErrNotStored = errors.New("rate not stored")

// Store persists cached rates across restarts.
type Store interface {
	GetCachedRate(ctx context.Context, kind types.TariffKind) (types.CachedRate, error)
	PutCachedRate(ctx context.Context, rate types.CachedRate) error
}

// Scraper fetches the current published rates for a tariff kind.
type Scraper interface {
	ScrapeRates(ctx context.Context, kind types.TariffKind) (map[string]decimal.Decimal, error)
}

// Lookup is the result of Get.
type Lookup struct {
	Rates     map[string]decimal.Decimal
	FetchedAt time.Time
	Source    types.RateSource
	Stale     bool
}

// Cache is safe for concurrent use. Writes are serialized by mu.
type Cache struct {
	store Store
	now   func() time.Time

	mu      sync.Mutex
	entries map[types.TariffKind]types.CachedRate
}

// New returns an empty cache. store may be nil.
func New(store Store) *Cache {
	return &Cache{
		store:   store,
		now:     time.Now,
		entries: make(map[types.TariffKind]types.CachedRate),
	}
}

// WithClock makes the cache read the time from now.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	if now != nil {
		c.now = now
	}
	return c
}

// Load warms the cache from the store for each kind. Kinds the store doesn't
// know about are skipped.
func (c *Cache) Load(ctx context.Context, kinds ...types.TariffKind) error {
	if c.store == nil {
		return nil
	}
	for _, kind := range kinds {
		rate, err := c.store.GetCachedRate(ctx, kind)
		if errors.Is(err, ErrNotStored) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to load cached rate for %s: %w", kind, err)
		}
		c.mu.Lock()
		if cur, ok := c.entries[kind]; !ok || cur.FetchedAt.Before(rate.FetchedAt) {
			c.entries[kind] = rate
		}
		c.mu.Unlock()
	}
	return nil
}

// Get returns the rates for kind. Once an entry is FreshFor old it is a
// types.ErrCacheMiss unless allowStale is set, in which case it is returned
// with Stale set.
func (c *Cache) Get(kind types.TariffKind, allowStale bool) (Lookup, error) {
	c.mu.Lock()
	entry, ok := c.entries[kind]
	c.mu.Unlock()
	if !ok {
		return Lookup{}, fmt.Errorf("no rates for %s: %w", kind, types.ErrCacheMiss)
	}

	l := Lookup{
		Rates:     maps.Clone(entry.Rates),
		FetchedAt: entry.FetchedAt,
		Source:    entry.Source,
	}
	if c.now().Sub(entry.FetchedAt) < FreshFor {
		return l, nil
	}
	if !allowStale {
		return Lookup{}, fmt.Errorf("rates for %s expired at %s: %w", kind, entry.FetchedAt.Add(FreshFor), types.ErrCacheMiss)
	}
	l.Stale = true
	return l, nil
}

// Put stores rates for kind as of now and persists them when a store is
// configured. The in-memory entry is updated even if persisting fails.
func (c *Cache) Put(ctx context.Context, kind types.TariffKind, rates map[string]decimal.Decimal, source types.RateSource) error {
	rate := types.CachedRate{
		Kind:      kind,
		Rates:     maps.Clone(rates),
		FetchedAt: c.now(),
		Source:    source,
	}
	return c.put(ctx, rate)
}

func (c *Cache) put(ctx context.Context, rate types.CachedRate) error {
	c.mu.Lock()
	c.entries[rate.Kind] = rate
	c.mu.Unlock()

	if c.store == nil {
		return nil
	}
	if err := c.store.PutCachedRate(ctx, rate); err != nil {
		return fmt.Errorf("failed to persist rates for %s: %w", rate.Kind, err)
	}
	return nil
}

// Seed installs pre-built entries, typically read with LoadFile. An entry
// older than what the cache already holds is ignored.
func (c *Cache) Seed(ctx context.Context, rates ...types.CachedRate) error {
	for _, rate := range rates {
		if rate.FetchedAt.IsZero() {
			rate.FetchedAt = c.now()
		}
		c.mu.Lock()
		cur, ok := c.entries[rate.Kind]
		c.mu.Unlock()
		if ok && !cur.FetchedAt.Before(rate.FetchedAt) {
			continue
		}
		if err := c.put(ctx, rate); err != nil {
			return err
		}
	}
	return nil
}

// Refresh returns fresh rates for kind, scraping only when the cached entry
// is missing or expired. If scraping fails the expired entry is returned with
// Stale set.
func (c *Cache) Refresh(ctx context.Context, kind types.TariffKind, scraper Scraper) (Lookup, error) {
	ctx = log.WithAttrs(ctx, slog.String("kind", string(kind)))

	steps := []fallback.Step[Lookup]{{
		Name: "cache",
		Fetch: func(context.Context) (Lookup, time.Time, error) {
			l, err := c.Get(kind, true)
			if err != nil {
				return Lookup{}, time.Time{}, fallback.ErrNoData
			}
			return l, l.FetchedAt, nil
		},
	}}
	if scraper != nil {
		steps = append(steps, fallback.Step[Lookup]{
			Name: "scrape",
			Fetch: func(ctx context.Context) (Lookup, time.Time, error) {
				rates, err := scraper.ScrapeRates(ctx, kind)
				if err != nil {
					return Lookup{}, time.Time{}, err
				}
				if err := c.Put(ctx, kind, rates, types.RateSourceScraped); err != nil {
					log.Ctx(ctx).WarnContext(ctx, "failed to persist scraped rates", slog.Any("error", err))
				}
				l, err := c.Get(kind, false)
				return l, l.FetchedAt, err
			},
		})
	}

	res, err := fallback.Chain[Lookup]{
		Steps:      steps,
		Fresh:      fallback.MaxAge[Lookup](FreshFor, c.now),
		AllowStale: true,
	}.Resolve(ctx)
	if err != nil {
		return Lookup{}, fmt.Errorf("failed to refresh rates for %s: %w: %w", kind, types.ErrCacheMiss, err)
	}
	l := res.Value
	l.Stale = res.Stale
	return l, nil
}

// Rates implements tariff.RateLookup. Stale entries are served and reported.
func (c *Cache) Rates(_ context.Context, kind types.TariffKind) (map[string]decimal.Decimal, bool, error) {
	l, err := c.Get(kind, true)
	if err != nil {
		return nil, false, err
	}
	return l.Rates, l.Stale, nil
}

// Entries returns a copy of every cached entry.
func (c *Cache) Entries() []types.CachedRate {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.CachedRate, 0, len(c.entries))
	for _, kind := range types.TariffKinds {
		if e, ok := c.entries[kind]; ok {
			e.Rates = maps.Clone(e.Rates)
			out = append(out, e)
		}
	}
	return out
}
