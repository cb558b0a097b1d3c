package payouts

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresStore is the production Store on database/sql + lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgresStore
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const payoutColumns = `id, idempotency_key, module, entity_id, amount, currency, beneficiary,
	platform_fee, bank_fee, total_debited, bank_id, account_id, reference_code, hold_ref,
	priority, scheduled_for, status, requires_approval, approval_status, attempts, max_attempts,
	provider_ref, last_error, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, p *Payout, hold *LedgerHold, actor string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	beneficiary, err := json.Marshal(p.Beneficiary)
	if err != nil {
		return fmt.Errorf("failed to marshal beneficiary: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO payouts (`+payoutColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)`,
		p.ID, p.IdempotencyKey, p.Module, p.EntityID, p.Amount, p.Currency, beneficiary,
		p.PlatformFee, p.BankFee, p.TotalDebited, p.BankID, p.AccountID, p.Reference, p.HoldRef,
		p.Priority, p.ScheduledFor, p.Status, p.RequiresApproval, p.ApprovalStatus, p.Attempts, p.MaxAttempts,
		p.ProviderRef, p.LastError, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert payout: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ledger_holds (payout_id, hold_ref, amount, currency, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		hold.PayoutID, hold.Ref, hold.Amount, hold.Currency, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert ledger hold: %w", err)
	}

	created := newEvent(p.ID, EventCreated, actor, map[string]string{
		"reference": p.Reference,
		"status":    string(p.Status),
	}, p.CreatedAt)
	if err := insertEvent(ctx, tx, created); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, e Event) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO payout_events (payout_id, event_type, payload, actor, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		e.PayoutID, e.Type, []byte(e.Payload), e.Actor, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert payout event: %w", err)
	}
	return nil
}

func scanPayout(row interface{ Scan(...interface{}) error }) (*Payout, error) {
	var p Payout
	var beneficiary []byte
	err := row.Scan(
		&p.ID, &p.IdempotencyKey, &p.Module, &p.EntityID, &p.Amount, &p.Currency, &beneficiary,
		&p.PlatformFee, &p.BankFee, &p.TotalDebited, &p.BankID, &p.AccountID, &p.Reference, &p.HoldRef,
		&p.Priority, &p.ScheduledFor, &p.Status, &p.RequiresApproval, &p.ApprovalStatus, &p.Attempts, &p.MaxAttempts,
		&p.ProviderRef, &p.LastError, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(beneficiary, &p.Beneficiary); err != nil {
		return nil, fmt.Errorf("failed to unmarshal beneficiary: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Payout, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, id)
	p, err := scanPayout(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payout: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) List(ctx context.Context, f ListFilter) ([]*Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE 1=1`
	args := []interface{}{}
	i := 1
	if f.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", i)
		args = append(args, f.Status)
		i++
	}
	if f.Module != "" {
		query += fmt.Sprintf(" AND module = $%d", i)
		args = append(args, f.Module)
		i++
	}
	if f.Currency != "" {
		query += fmt.Sprintf(" AND currency = $%d", i)
		args = append(args, f.Currency)
		i++
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", i)
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list payouts: %w", err)
	}
	defer rows.Close()

	var out []*Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payout: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FindSentByReference(ctx context.Context, reference, providerRef string) (*Payout, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+payoutColumns+` FROM payouts
		 WHERE status = $1 AND (reference_code = $2 OR (provider_ref <> '' AND provider_ref = $3))`,
		StatusSent, reference, providerRef)
	p, err := scanPayout(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find payout by reference: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) Mutate(ctx context.Context, id uuid.UUID, fn func(p *Payout) (Effects, error)) (*Payout, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE id = $1 FOR UPDATE`, id)
	p, err := scanPayout(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock payout: %w", err)
	}

	effects, err := fn(p)
	if err != nil {
		return nil, err
	}

	p.UpdatedAt = time.Now()
	_, err = tx.ExecContext(ctx,
		`UPDATE payouts SET status = $1, approval_status = $2, attempts = $3,
		        provider_ref = $4, last_error = $5, updated_at = $6
		 WHERE id = $7`,
		p.Status, p.ApprovalStatus, p.Attempts, p.ProviderRef, p.LastError, p.UpdatedAt, p.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update payout: %w", err)
	}

	for _, e := range effects.Events {
		if err := insertEvent(ctx, tx, e); err != nil {
			return nil, err
		}
	}

	if effects.ReleaseHold {
		_, err = tx.ExecContext(ctx,
			`UPDATE ledger_holds SET released_at = $1 WHERE payout_id = $2 AND released_at IS NULL`,
			p.UpdatedAt, p.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to mark hold released: %w", err)
		}
	}
	if effects.FinalizeHold != nil {
		_, err = tx.ExecContext(ctx,
			`UPDATE ledger_holds SET finalized_at = $1 WHERE payout_id = $2 AND finalized_at IS NULL`,
			*effects.FinalizeHold, p.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to mark hold finalized: %w", err)
		}
	}

	if effects.ReleaseSchedule {
		var planID uuid.UUID
		err = tx.QueryRowContext(ctx,
			`UPDATE payout_schedules SET status = 'cancelled'
			 WHERE payout_id = $1 AND status = 'scheduled'
			 RETURNING plan_id`,
			p.ID,
		).Scan(&planID)
		switch {
		case err == sql.ErrNoRows:
			// not in a live plan, nothing to withdraw
		case err != nil:
			return nil, fmt.Errorf("failed to cancel schedule: %w", err)
		default:
			// Shrink the plan's aggregates while it can still change shape;
			// executed and cancelled plans keep their historical totals.
			_, err = tx.ExecContext(ctx,
				`UPDATE batch_plans
				 SET item_count = item_count - 1,
				     estimated_total = estimated_total - $1,
				     updated_at = $2
				 WHERE id = $3 AND status IN ('draft', 'pending_approval', 'approved')`,
				p.Amount, p.UpdatedAt, planID,
			)
			if err != nil {
				return nil, fmt.Errorf("failed to shrink plan: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) Events(ctx context.Context, payoutID uuid.UUID) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payout_id, event_type, payload, actor, created_at
		 FROM payout_events WHERE payout_id = $1 ORDER BY created_at ASC, id ASC`,
		payoutID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var payload []byte
		if err := rows.Scan(&e.PayoutID, &e.Type, &payload, &e.Actor, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Payload = payload
		events = append(events, e)
	}
	return events, rows.Err()
}
