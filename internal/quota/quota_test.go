package quota

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/payflow/pkg/money"
)

type memoryStore struct {
	mu     sync.Mutex
	quotas map[string]*Quota
}

func newMemoryStore() *memoryStore {
	return &memoryStore{quotas: make(map[string]*Quota)}
}

func quotaKey(module, currency string) string {
	return module + ":" + currency
}

func (m *memoryStore) Get(ctx context.Context, module, currency string) (*Quota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotas[quotaKey(module, currency)]
	if !ok {
		return nil, ErrNotFound
	}
	c := *q
	return &c, nil
}

func (m *memoryStore) Upsert(ctx context.Context, q *Quota) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *q
	m.quotas[quotaKey(q.Module, q.Currency)] = &c
	return nil
}

func (m *memoryStore) Consume(ctx context.Context, module, currency string, n int, amount money.Amount, windowStart time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotas[quotaKey(module, currency)]
	if !ok {
		return ErrNotFound
	}
	if windowStart.After(q.WindowStart) {
		q.UsedCount = 0
		q.UsedAmount = money.Zero()
		q.WindowStart = windowStart
	}
	if q.UsedCount+n > q.MaxCount || q.UsedAmount.Add(amount).Cmp(q.MaxAmount) > 0 {
		return fmt.Errorf("%w: %s %s", ErrExceeded, module, currency)
	}
	q.UsedCount += n
	q.UsedAmount = q.UsedAmount.Add(amount)
	return nil
}

func (m *memoryStore) Refund(ctx context.Context, module, currency string, n int, amount money.Amount, windowStart time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotas[quotaKey(module, currency)]
	if !ok {
		return ErrNotFound
	}
	if !q.WindowStart.Equal(windowStart) {
		return nil
	}
	if q.UsedCount -= n; q.UsedCount < 0 {
		q.UsedCount = 0
	}
	q.UsedAmount = q.UsedAmount.Sub(amount)
	if !q.UsedAmount.IsPositive() && !q.UsedAmount.IsZero() {
		q.UsedAmount = money.Zero()
	}
	return nil
}

func TestWindowStart(t *testing.T) {
	at := time.Date(2026, 3, 15, 14, 37, 9, 0, time.UTC)

	t.Run("hourly truncates to the hour", func(t *testing.T) {
		assert.Equal(t, time.Date(2026, 3, 15, 14, 0, 0, 0, time.UTC), WindowStart(PeriodHourly, at))
	})

	t.Run("daily truncates to midnight UTC", func(t *testing.T) {
		assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), WindowStart(PeriodDaily, at))
	})

	t.Run("monthly truncates to the first", func(t *testing.T) {
		assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), WindowStart(PeriodMonthly, at))
	})
}

func TestLedgerConsume(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 3, 15, 14, 0, 0, 0, time.UTC)

	setup := func(maxCount int, maxAmount string) (*Ledger, *memoryStore) {
		store := newMemoryStore()
		store.Upsert(ctx, &Quota{
			Module:      "shop",
			Currency:    "XOF",
			Period:      PeriodDaily,
			MaxCount:    maxCount,
			MaxAmount:   money.MustParse(maxAmount),
			UsedAmount:  money.Zero(),
			WindowStart: WindowStart(PeriodDaily, at),
		})
		ledger := NewLedger(store).WithClock(func() time.Time { return at })
		return ledger, store
	}

	t.Run("should consume within the caps", func(t *testing.T) {
		ledger, store := setup(10, "5000")

		require.NoError(t, ledger.Consume(ctx, "shop", "XOF", 3, money.MustParse("1500")))

		q, err := store.Get(ctx, "shop", "XOF")
		require.NoError(t, err)
		assert.Equal(t, 3, q.UsedCount)
		assert.True(t, q.UsedAmount.Equal(money.MustParse("1500")))
	})

	t.Run("should reject when count cap would overflow", func(t *testing.T) {
		ledger, _ := setup(2, "5000")

		require.NoError(t, ledger.Consume(ctx, "shop", "XOF", 2, money.MustParse("100")))
		err := ledger.Consume(ctx, "shop", "XOF", 1, money.MustParse("100"))
		assert.ErrorIs(t, err, ErrExceeded)
	})

	t.Run("should reject when amount cap would overflow", func(t *testing.T) {
		ledger, _ := setup(10, "1000")

		err := ledger.Consume(ctx, "shop", "XOF", 1, money.MustParse("1000.01"))
		assert.ErrorIs(t, err, ErrExceeded)
	})

	t.Run("should treat unconfigured scopes as unlimited", func(t *testing.T) {
		ledger := NewLedger(newMemoryStore())
		assert.NoError(t, ledger.Consume(ctx, "unknown", "USD", 100, money.MustParse("9999999")))
		assert.NoError(t, ledger.Check(ctx, "unknown", "USD", 100, money.MustParse("9999999")))
	})

	t.Run("should reset usage when the window rolls over", func(t *testing.T) {
		ledger, store := setup(2, "5000")
		require.NoError(t, ledger.Consume(ctx, "shop", "XOF", 2, money.MustParse("100")))

		nextDay := at.Add(24 * time.Hour)
		ledger.WithClock(func() time.Time { return nextDay })

		require.NoError(t, ledger.Consume(ctx, "shop", "XOF", 2, money.MustParse("100")))
		q, _ := store.Get(ctx, "shop", "XOF")
		assert.Equal(t, 2, q.UsedCount)
		assert.Equal(t, WindowStart(PeriodDaily, nextDay), q.WindowStart)
	})
}

func TestLedgerCheck(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 3, 15, 14, 0, 0, 0, time.UTC)

	store := newMemoryStore()
	store.Upsert(ctx, &Quota{
		Module:      "payroll",
		Currency:    "GHS",
		Period:      PeriodHourly,
		MaxCount:    5,
		MaxAmount:   money.MustParse("10000"),
		UsedCount:   4,
		UsedAmount:  money.MustParse("9000"),
		WindowStart: WindowStart(PeriodHourly, at),
	})
	ledger := NewLedger(store).WithClock(func() time.Time { return at })

	t.Run("should pass within headroom", func(t *testing.T) {
		assert.NoError(t, ledger.Check(ctx, "payroll", "GHS", 1, money.MustParse("1000")))
	})

	t.Run("should fail beyond headroom without consuming", func(t *testing.T) {
		assert.ErrorIs(t, ledger.Check(ctx, "payroll", "GHS", 2, money.MustParse("100")), ErrExceeded)

		q, _ := store.Get(ctx, "payroll", "GHS")
		assert.Equal(t, 4, q.UsedCount)
	})
}

func TestLedgerRefund(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 3, 15, 14, 0, 0, 0, time.UTC)

	store := newMemoryStore()
	store.Upsert(ctx, &Quota{
		Module:      "shop",
		Currency:    "XOF",
		Period:      PeriodDaily,
		MaxCount:    10,
		MaxAmount:   money.MustParse("5000"),
		UsedCount:   3,
		UsedAmount:  money.MustParse("1500"),
		WindowStart: WindowStart(PeriodDaily, at),
	})
	ledger := NewLedger(store).WithClock(func() time.Time { return at })

	require.NoError(t, ledger.Refund(ctx, "shop", "XOF", 1, money.MustParse("500")))

	q, _ := store.Get(ctx, "shop", "XOF")
	assert.Equal(t, 2, q.UsedCount)
	assert.True(t, q.UsedAmount.Equal(money.MustParse("1000")))
}
