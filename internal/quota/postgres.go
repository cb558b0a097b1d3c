package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/terminal-bench/payflow/pkg/money"
)

// Execer is the database/sql surface shared by *sql.DB and *sql.Tx, so the
// conditional increment can run inside a caller-owned transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// PostgresStore persists quotas in the quotas table
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed quota store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func getIn(ctx context.Context, ex Execer, module, currency string) (*Quota, error) {
	var q Quota
	err := ex.QueryRowContext(ctx,
		`SELECT id, module, currency, period, max_count, max_amount, used_count, used_amount, window_start, updated_at
		 FROM quotas WHERE module = $1 AND currency = $2`,
		module, currency,
	).Scan(&q.ID, &q.Module, &q.Currency, &q.Period, &q.MaxCount, &q.MaxAmount,
		&q.UsedCount, &q.UsedAmount, &q.WindowStart, &q.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quota: %w", err)
	}
	return &q, nil
}

func (s *PostgresStore) Get(ctx context.Context, module, currency string) (*Quota, error) {
	return getIn(ctx, s.db, module, currency)
}

func (s *PostgresStore) Upsert(ctx context.Context, q *Quota) error {
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	q.UpdatedAt = time.Now()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO quotas (id, module, currency, period, max_count, max_amount, used_count, used_amount, window_start, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (module, currency) DO UPDATE SET
		   period = EXCLUDED.period,
		   max_count = EXCLUDED.max_count,
		   max_amount = EXCLUDED.max_amount,
		   updated_at = EXCLUDED.updated_at`,
		q.ID, q.Module, q.Currency, q.Period, q.MaxCount, q.MaxAmount,
		q.UsedCount, q.UsedAmount, q.WindowStart, q.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert quota: %w", err)
	}
	return nil
}

// Consume runs the check and the increment in one conditional UPDATE so
// concurrent consumers cannot jointly overshoot the caps. Usage from an
// older window counts as zero.
func (s *PostgresStore) Consume(ctx context.Context, module, currency string, n int, amount money.Amount, windowStart time.Time) error {
	return consumeIn(ctx, s.db, module, currency, n, amount, windowStart)
}

// ChargeTx charges the quota for module inside the caller's transaction, so
// the increment commits or rolls back with the caller's writes. Scopes with
// no configured quota are unlimited.
func (s *PostgresStore) ChargeTx(ctx context.Context, tx *sql.Tx, module, currency string, n int, amount money.Amount, now time.Time) error {
	q, err := getIn(ctx, tx, module, currency)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return consumeIn(ctx, tx, module, currency, n, amount, WindowStart(q.Period, now))
}

func consumeIn(ctx context.Context, ex Execer, module, currency string, n int, amount money.Amount, windowStart time.Time) error {
	result, err := ex.ExecContext(ctx,
		`UPDATE quotas SET
		   used_count  = (CASE WHEN window_start < $3 THEN 0 ELSE used_count END) + $4,
		   used_amount = (CASE WHEN window_start < $3 THEN 0 ELSE used_amount END) + $5,
		   window_start = GREATEST(window_start, $3),
		   updated_at = NOW()
		 WHERE module = $1 AND currency = $2
		   AND (CASE WHEN window_start < $3 THEN 0 ELSE used_count END) + $4 <= max_count
		   AND (CASE WHEN window_start < $3 THEN 0 ELSE used_amount END) + $5 <= max_amount`,
		module, currency, windowStart, n, amount,
	)
	if err != nil {
		return fmt.Errorf("failed to consume quota: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows > 0 {
		return nil
	}

	// Distinguish exhaustion from a missing quota
	if _, err := getIn(ctx, ex, module, currency); err != nil {
		return err
	}
	return fmt.Errorf("%w: module %s %s cannot take %d payouts / %s", ErrExceeded, module, currency, n, amount)
}

func (s *PostgresStore) Refund(ctx context.Context, module, currency string, n int, amount money.Amount, windowStart time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE quotas SET
		   used_count  = GREATEST(used_count - $4, 0),
		   used_amount = GREATEST(used_amount - $5, 0),
		   updated_at = NOW()
		 WHERE module = $1 AND currency = $2 AND window_start = $3`,
		module, currency, windowStart, n, amount,
	)
	if err != nil {
		return fmt.Errorf("failed to refund quota: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Window already rolled over; nothing to give back
		return nil
	}
	return nil
}
