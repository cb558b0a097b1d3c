package schedule

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/terminal-bench/payflow/pkg/money"
)

// QuotaCharger consumes quota headroom for a scope inside an open
// transaction, so the charge commits or rolls back with the batch.
type QuotaCharger interface {
	ChargeTx(ctx context.Context, tx *sql.Tx, module, currency string, n int, amount money.Amount, now time.Time) error
}

// PostgresStore persists plans across the batch_plans, batch_plan_items,
// payout_schedules, scheduling_history and payout_batches tables.
type PostgresStore struct {
	db     *sql.DB
	quotas QuotaCharger
}

// NewPostgresStore creates a Postgres-backed plan store
func NewPostgresStore(db *sql.DB, quotas QuotaCharger) *PostgresStore {
	return &PostgresStore{db: db, quotas: quotas}
}

func (s *PostgresStore) SelectCandidates(ctx context.Context, accountID, currency string, maxItems, maxPriority int, plannedFor time.Time) ([]Candidate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.id, p.amount, p.priority, p.created_at
		 FROM payouts p
		 WHERE p.status IN ('pending', 'scheduled')
		   AND p.account_id = $1
		   AND p.currency = $2
		   AND p.priority <= $3
		   AND (p.scheduled_for IS NULL OR p.scheduled_for <= $4)
		   AND NOT EXISTS (
		     SELECT 1 FROM payout_schedules s
		     WHERE s.payout_id = p.id AND s.status = 'scheduled'
		   )
		 ORDER BY p.priority ASC, p.created_at ASC
		 LIMIT $5`,
		accountID, currency, maxPriority, plannedFor, maxItems,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query candidates: %w", err)
	}
	defer rows.Close()

	var candidates []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.PayoutID, &c.Amount, &c.Priority, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

func (s *PostgresStore) CreatePlan(ctx context.Context, plan *Plan, schedules []Schedule, history []HistoryRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO batch_plans (id, reference, bank_id, account_id, currency, planned_for,
		   item_count, estimated_total, estimated_fees, confidence, risk_flags,
		   requires_approval, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		plan.ID, plan.Reference, plan.BankID, plan.AccountID, plan.Currency, plan.PlannedFor,
		plan.ItemCount, plan.EstimatedTotal, plan.EstimatedFees, plan.Confidence,
		pq.Array(plan.RiskFlags), plan.RequiresApproval, plan.Status, plan.CreatedAt, plan.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert plan: %w", err)
	}

	for i, item := range plan.Items {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO batch_plan_items (plan_id, position, payout_id, connector, estimated_fee, amount, priority)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			plan.ID, i, item.PayoutID, item.Connector, item.EstimatedFee, item.Amount, item.Priority,
		); err != nil {
			return fmt.Errorf("failed to insert plan item: %w", err)
		}
	}

	for _, sched := range schedules {
		// The partial unique index on (payout_id) WHERE status='scheduled'
		// keeps a payout out of two live plans; losers of the race are
		// simply skipped.
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO payout_schedules (payout_id, plan_id, scheduled_at, priority, status)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT DO NOTHING`,
			sched.PayoutID, sched.PlanID, sched.ScheduledAt, sched.Priority, sched.Status,
		); err != nil {
			return fmt.Errorf("failed to insert schedule: %w", err)
		}
	}

	for _, h := range history {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO scheduling_history (id, payout_id, plan_id, action, detail, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			h.ID, h.PayoutID, h.PlanID, h.Action, h.Detail, h.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to insert scheduling history: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPlan(ctx context.Context, id uuid.UUID) (*Plan, error) {
	var p Plan
	var riskFlags pq.StringArray
	err := s.db.QueryRowContext(ctx,
		`SELECT id, reference, bank_id, account_id, currency, planned_for,
		   item_count, estimated_total, estimated_fees, confidence, risk_flags,
		   requires_approval, status, created_at, updated_at
		 FROM batch_plans WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.Reference, &p.BankID, &p.AccountID, &p.Currency, &p.PlannedFor,
		&p.ItemCount, &p.EstimatedTotal, &p.EstimatedFees, &p.Confidence, &riskFlags,
		&p.RequiresApproval, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	p.RiskFlags = riskFlags

	rows, err := s.db.QueryContext(ctx,
		`SELECT payout_id, connector, estimated_fee, amount, priority
		 FROM batch_plan_items WHERE plan_id = $1 ORDER BY position ASC`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query plan items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.PayoutID, &item.Connector, &item.EstimatedFee, &item.Amount, &item.Priority); err != nil {
			return nil, fmt.Errorf("failed to scan plan item: %w", err)
		}
		p.Items = append(p.Items, item)
	}
	return &p, rows.Err()
}

func (s *PostgresStore) TransitionPlan(ctx context.Context, id uuid.UUID, from []string, to string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE batch_plans SET status = $1, updated_at = NOW()
		 WHERE id = $2 AND status = ANY($3)`,
		to, id, pq.Array(from),
	)
	if err != nil {
		return fmt.Errorf("failed to transition plan: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM batch_plans WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrPlanNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read plan status: %w", err)
	}
	return fmt.Errorf("%w: plan is %s", ErrInvalidState, current)
}

func (s *PostgresStore) MarkExecuted(ctx context.Context, plan *Plan, batch *Batch, scopes []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE batch_plans SET status = $1, updated_at = NOW()
		 WHERE id = $2 AND status = $3`,
		PlanExecuted, plan.ID, PlanExecuting,
	)
	if err != nil {
		return fmt.Errorf("failed to mark plan executed: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("%w: plan is no longer executing", ErrInvalidState)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO payout_batches (id, plan_id, reference, item_count, total, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		batch.ID, batch.PlanID, batch.Reference, batch.ItemCount, batch.Total, batch.Status, batch.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE payout_schedules SET status = $1
		 WHERE plan_id = $2 AND status = $3`,
		ScheduleExecuted, plan.ID, ScheduleScheduled,
	); err != nil {
		return fmt.Errorf("failed to mark schedules executed: %w", err)
	}

	for _, scope := range scopes {
		if err := s.quotas.ChargeTx(ctx, tx, scope, plan.Currency, plan.ItemCount, plan.EstimatedTotal, time.Now()); err != nil {
			return fmt.Errorf("failed to charge quota %s: %w", scope, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) CancelSchedules(ctx context.Context, planID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE payout_schedules SET status = $1
		 WHERE plan_id = $2 AND status = $3`,
		ScheduleCancelled, planID, ScheduleScheduled,
	)
	if err != nil {
		return fmt.Errorf("failed to cancel schedules: %w", err)
	}
	return nil
}

func (s *PostgresStore) History(ctx context.Context, payoutID uuid.UUID) ([]HistoryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payout_id, plan_id, action, detail, created_at
		 FROM scheduling_history WHERE payout_id = $1 ORDER BY created_at ASC`,
		payoutID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query scheduling history: %w", err)
	}
	defer rows.Close()

	var records []HistoryRecord
	for rows.Next() {
		var h HistoryRecord
		if err := rows.Scan(&h.ID, &h.PayoutID, &h.PlanID, &h.Action, &h.Detail, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history record: %w", err)
		}
		records = append(records, h)
	}
	return records, rows.Err()
}
