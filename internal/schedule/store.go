package schedule

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/terminal-bench/payflow/pkg/money"
)

// Candidate is the projection of a pending payout the scheduler selects on
type Candidate struct {
	PayoutID  uuid.UUID
	Amount    money.Amount
	Priority  int
	CreatedAt time.Time
}

// PlanStore persists batch plans, their schedule rows and the scheduling
// audit trail. CreatePlan and ExecutePlan are transactional: either all
// rows land or none do.
type PlanStore interface {
	// SelectCandidates returns up to maxItems pending payouts for the
	// account and currency with priority at most maxPriority, due on or
	// before plannedFor and not already held by an active schedule,
	// ordered by priority then age.
	SelectCandidates(ctx context.Context, accountID, currency string, maxItems, maxPriority int, plannedFor time.Time) ([]Candidate, error)

	// CreatePlan persists the plan, one schedule row per item (skipping
	// payouts that acquired a schedule since selection) and one history
	// record per item, atomically.
	CreatePlan(ctx context.Context, plan *Plan, schedules []Schedule, history []HistoryRecord) error

	GetPlan(ctx context.Context, id uuid.UUID) (*Plan, error)

	// TransitionPlan moves the plan from one of the given statuses to the
	// target status, returning ErrInvalidState when the current status is
	// not among them.
	TransitionPlan(ctx context.Context, id uuid.UUID, from []string, to string) error

	// MarkExecuted flips the plan to executed, writes the batch record,
	// marks every scheduled row executed and charges every quota scope,
	// in one transaction. Returns quota.ErrExceeded, rolling everything
	// back, when any scope lacks headroom.
	MarkExecuted(ctx context.Context, plan *Plan, batch *Batch, scopes []string) error

	// CancelSchedules releases the plan's scheduled rows so the payouts
	// become eligible for a future plan.
	CancelSchedules(ctx context.Context, planID uuid.UUID) error

	// History returns the scheduling audit trail for a payout.
	History(ctx context.Context, payoutID uuid.UUID) ([]HistoryRecord, error)
}
