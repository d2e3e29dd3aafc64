// Package fallback implements ordered source resolution with a freshness
// tier. The market price selector and the rate cache both resolve through it.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/raterudder/tarifa/pkg/log"
)

// ErrNoData is returned by a step that answered but had nothing to offer. It
// moves resolution to the next step without being logged as a failure.
var ErrNoData = errors.New("no data")

// ErrExhausted is returned by Resolve when no step produced a usable value.
var ErrExhausted = errors.New("all sources exhausted")

// Step is one source in the chain. Fetch returns the value and the time it
// was obtained at.
type Step[T any] struct {
	Name  string
	Fetch func(ctx context.Context) (T, time.Time, error)
	// Stale marks a step whose values are only ever an emergency fallback,
	// such as a last-known-good cache.
	Stale bool
}

// Result is the value Resolve settled on.
type Result[T any] struct {
	Value  T
	Source string
	At     time.Time
	Stale  bool
}

// Chain resolves a value by trying each step in order.
type Chain[T any] struct {
	Steps []Step[T]

	// Fresh decides whether a value may be returned as fresh. A nil Fresh
	// accepts everything.
	Fresh func(value T, at time.Time) bool

	// AllowStale lets Resolve return the first value rejected by Fresh, or
	// produced by a Stale step, when nothing fresh was found.
	AllowStale bool
}

// Resolve walks the steps in order and returns the first fresh value. Each
// step is tried at most once; a failing step is never retried.
func (c Chain[T]) Resolve(ctx context.Context) (Result[T], error) {
	var stale *Result[T]
	var errs []error

	for _, step := range c.Steps {
		// a stale step can't beat a stale value we already hold
		if step.Stale && (stale != nil || !c.AllowStale) {
			continue
		}

		v, at, err := step.Fetch(ctx)
		if err != nil {
			if !errors.Is(err, ErrNoData) {
				log.Ctx(ctx).WarnContext(
					ctx,
					"fallback step failed",
					slog.String("step", step.Name),
					slog.Any("error", err),
				)
				errs = append(errs, fmt.Errorf("%s: %w", step.Name, err))
			} else {
				log.Ctx(ctx).DebugContext(ctx, "fallback step has no data", slog.String("step", step.Name))
			}
			continue
		}

		if !step.Stale && (c.Fresh == nil || c.Fresh(v, at)) {
			return Result[T]{Value: v, Source: step.Name, At: at}, nil
		}

		if stale == nil {
			stale = &Result[T]{Value: v, Source: step.Name, At: at, Stale: true}
		}
	}

	if stale != nil && c.AllowStale {
		log.Ctx(ctx).InfoContext(
			ctx,
			"using stale fallback",
			slog.String("step", stale.Source),
			slog.Time("at", stale.At),
		)
		return *stale, nil
	}

	var zero Result[T]
	if len(errs) > 0 {
		return zero, fmt.Errorf("%w: %w", ErrExhausted, errors.Join(errs...))
	}
	return zero, ErrExhausted
}

// MaxAge returns a freshness predicate accepting values obtained less than
// age before now().
func MaxAge[T any](age time.Duration, now func() time.Time) func(T, time.Time) bool {
	return func(_ T, at time.Time) bool {
		return now().Sub(at) < age
	}
}
