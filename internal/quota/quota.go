package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/terminal-bench/payflow/pkg/money"
)

// Quota periods
const (
	PeriodHourly  = "hourly"
	PeriodDaily   = "daily"
	PeriodMonthly = "monthly"
)

var (
	ErrNotFound = errors.New("quota not found")
	ErrExceeded = errors.New("quota exceeded")
)

// Quota caps how many payouts, and how much value, a module may move per
// currency within one rolling window. Usage resets lazily when the window
// rolls over.
type Quota struct {
	ID          uuid.UUID    `json:"id"`
	Module      string       `json:"module"`
	Currency    string       `json:"currency"`
	Period      string       `json:"period"`
	MaxCount    int          `json:"max_count"`
	MaxAmount   money.Amount `json:"max_amount"`
	UsedCount   int          `json:"used_count"`
	UsedAmount  money.Amount `json:"used_amount"`
	WindowStart time.Time    `json:"window_start"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Remaining reports the unused headroom for the current window
func (q *Quota) Remaining(now time.Time) (count int, amount money.Amount) {
	if WindowStart(q.Period, now).After(q.WindowStart) {
		return q.MaxCount, q.MaxAmount
	}
	return q.MaxCount - q.UsedCount, q.MaxAmount.Sub(q.UsedAmount)
}

// WindowStart returns the start of the quota window containing now
func WindowStart(period string, now time.Time) time.Time {
	now = now.UTC()
	switch period {
	case PeriodHourly:
		return now.Truncate(time.Hour)
	case PeriodMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
}

// Store persists quotas. Consume must be atomic: the usage check and the
// increment happen in one conditional update.
type Store interface {
	Get(ctx context.Context, module, currency string) (*Quota, error)
	Upsert(ctx context.Context, q *Quota) error
	// Consume adds n payouts worth amount to the window starting at
	// windowStart, resetting stale usage first. Returns ErrExceeded when
	// the increment would overflow either cap, ErrNotFound when no quota
	// is configured for the scope.
	Consume(ctx context.Context, module, currency string, n int, amount money.Amount, windowStart time.Time) error
	// Refund gives back usage within the current window, flooring at zero.
	Refund(ctx context.Context, module, currency string, n int, amount money.Amount, windowStart time.Time) error
}

// Ledger enforces per-module payout quotas
type Ledger struct {
	store Store
	now   func() time.Time
}

// NewLedger creates a quota ledger
func NewLedger(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// WithClock overrides the ledger clock, for tests
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Check reports whether n payouts worth amount would fit the quota, without
// consuming it. Scopes with no configured quota are unlimited.
func (l *Ledger) Check(ctx context.Context, module, currency string, n int, amount money.Amount) error {
	q, err := l.store.Get(ctx, module, currency)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	remCount, remAmount := q.Remaining(l.now())
	if n > remCount || amount.Cmp(remAmount) > 0 {
		return fmt.Errorf("%w: module %s %s has %d payouts / %s left, needs %d / %s",
			ErrExceeded, module, currency, remCount, remAmount, n, amount)
	}
	return nil
}

// Consume atomically charges n payouts worth amount against the quota.
// Scopes with no configured quota are unlimited.
func (l *Ledger) Consume(ctx context.Context, module, currency string, n int, amount money.Amount) error {
	q, err := l.store.Get(ctx, module, currency)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	ws := WindowStart(q.Period, l.now())
	err = l.store.Consume(ctx, module, currency, n, amount, ws)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Refund returns usage to the quota, after a consumed payout was cancelled
// within the same window.
func (l *Ledger) Refund(ctx context.Context, module, currency string, n int, amount money.Amount) error {
	q, err := l.store.Get(ctx, module, currency)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	ws := WindowStart(q.Period, l.now())
	err = l.store.Refund(ctx, module, currency, n, amount, ws)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
