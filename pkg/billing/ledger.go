package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/raterudder/tarifa/pkg/log"
	"github.com/raterudder/tarifa/pkg/types"
	"github.com/shopspring/decimal"
)

// ErrNotStored is returned by a LedgerStore without a record for a period.
var ErrNotStored = errors.New("credit estimate not stored")

// LedgerStore persists credit estimates keyed by billing period.
type LedgerStore interface {
	GetCreditEstimate(ctx context.Context, period types.BillingPeriod) (types.CreditEstimate, error)
	PutCreditEstimate(ctx context.Context, estimate types.CreditEstimate) error
	ListCreditEstimates(ctx context.Context) ([]types.CreditEstimate, error)
}

// Ledger keeps one CreditEstimate per period along with the append-only
// history of every estimate and actual it has seen. Writes are serialized.
type Ledger struct {
	store LedgerStore
	now   func() time.Time

	mu sync.Mutex
}

// NewLedger returns a ledger persisting to store.
func NewLedger(store LedgerStore) *Ledger {
	return &Ledger{
		store: store,
		now:   time.Now,
	}
}

// WithClock makes the ledger stamp history entries with now.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	if now != nil {
		l.now = now
	}
	return l
}

// Record updates the estimate of est.Period. The actual, if any, is left
// alone. Recording the same estimate again is a no-op.
func (l *Ledger) Record(ctx context.Context, est types.CreditEstimate) (types.CreditEstimate, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, err := l.load(ctx, est.Period)
	if err != nil {
		return types.CreditEstimate{}, false, err
	}
	if len(cur.History) > 0 &&
		cur.EstimatedAmount.Equal(est.EstimatedAmount) &&
		breakdownEqual(cur.EstimateBreakdown, est.EstimateBreakdown) {
		return cur, false, nil
	}

	now := l.now()
	cur.EstimatedAmount = est.EstimatedAmount
	cur.EstimateBreakdown = maps.Clone(est.EstimateBreakdown)
	cur.UpdatedAt = now
	cur.History = append(cur.History, types.CreditRecord{
		EstimatedAmount: est.EstimatedAmount,
		Actual:          currentActual(cur),
		RecordedAt:      now,
	})

	if err := l.store.PutCreditEstimate(ctx, cur); err != nil {
		return types.CreditEstimate{}, false, fmt.Errorf("failed to store credit estimate for %s: %w", est.Period, err)
	}
	return cur, true, nil
}

// Reconcile attaches the supplier's actual figure to its period. Repeating an
// actual already attached changes nothing; a revised actual replaces the
// current one and is appended to the history. The estimate is never touched.
// A period with no estimate gets a zero estimate.
func (l *Ledger) Reconcile(ctx context.Context, actual types.CreditActual) (types.CreditEstimate, bool, error) {
	if _, err := types.ParseBillingPeriod(string(actual.Period)); err != nil {
		return types.CreditEstimate{}, false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cur, err := l.load(ctx, actual.Period)
	if err != nil {
		return types.CreditEstimate{}, false, err
	}
	if prev := currentActual(cur); prev != nil && prev.Equal(actual) {
		return cur, false, nil
	}

	ctx = log.WithAttrs(ctx, slog.String("period", string(actual.Period)))
	if cur.ActualAmount != nil {
		log.Ctx(ctx).InfoContext(
			ctx,
			"supplier revised credit",
			slog.String("previous", cur.ActualAmount.String()),
			slog.String("actual", actual.Amount.String()),
		)
	}

	now := l.now()
	amount := actual.Amount
	cur.ActualAmount = &amount
	cur.ReasonBreakdown = maps.Clone(actual.ReasonBreakdown)
	cur.UpdatedAt = now
	cur.History = append(cur.History, types.CreditRecord{
		EstimatedAmount: cur.EstimatedAmount,
		Actual:          currentActual(cur),
		RecordedAt:      now,
	})

	if err := l.store.PutCreditEstimate(ctx, cur); err != nil {
		return types.CreditEstimate{}, false, fmt.Errorf("failed to store credit actual for %s: %w", actual.Period, err)
	}
	return cur, true, nil
}

// Get returns the record for period.
func (l *Ledger) Get(ctx context.Context, period types.BillingPeriod) (types.CreditEstimate, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.GetCreditEstimate(ctx, period)
}

// List returns every stored record.
func (l *Ledger) List(ctx context.Context) ([]types.CreditEstimate, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.ListCreditEstimates(ctx)
}

func (l *Ledger) load(ctx context.Context, period types.BillingPeriod) (types.CreditEstimate, error) {
	cur, err := l.store.GetCreditEstimate(ctx, period)
	if errors.Is(err, ErrNotStored) {
		return types.CreditEstimate{Period: period, EstimatedAmount: decimal.Zero}, nil
	}
	if err != nil {
		return types.CreditEstimate{}, fmt.Errorf("failed to load credit estimate for %s: %w", period, err)
	}
	return cur, nil
}

func currentActual(e types.CreditEstimate) *types.CreditActual {
	if e.ActualAmount == nil {
		return nil
	}
	return &types.CreditActual{
		Period:          e.Period,
		Amount:          *e.ActualAmount,
		ReasonBreakdown: maps.Clone(e.ReasonBreakdown),
	}
}

func breakdownEqual(a, b map[string]decimal.Decimal) bool {
	return maps.EqualFunc(a, b, func(x, y decimal.Decimal) bool { return x.Equal(y) })
}
