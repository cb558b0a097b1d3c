package schedule

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/terminal-bench/payflow/internal/approval"
	"github.com/terminal-bench/payflow/internal/auth"
	"github.com/terminal-bench/payflow/internal/quota"
	"github.com/terminal-bench/payflow/internal/routing"
	"github.com/terminal-bench/payflow/pkg/messaging"
	"github.com/terminal-bench/payflow/pkg/money"
	"github.com/terminal-bench/payflow/pkg/telemetry"
)

// Enqueuer pushes a payout into the durable execution queue
type Enqueuer interface {
	Enqueue(ctx context.Context, payoutID uuid.UUID, priority int, runAt time.Time) error
}

// EventPublisher publishes domain events. Satisfied by messaging.Client.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
}

// Config holds the scheduler policy tunables
type Config struct {
	// DefaultMaxItems caps a plan when the request does not set max_items.
	DefaultMaxItems int
	// AutoApproveThreshold: plans whose estimated total exceeds it need
	// approval.
	AutoApproveThreshold money.Amount
	// ConfidenceFloor: oracle confidence below it forces approval.
	ConfidenceFloor float64
}

// Scheduler turns pools of pending payouts into batch plans and drives the
// plan lifecycle through approval and execution.
type Scheduler struct {
	store   PlanStore
	oracle  routing.Oracle
	quotas  *quota.Ledger
	gate    *approval.Gate
	queue   Enqueuer
	events  EventPublisher
	metrics *telemetry.Recorder
	window  Window
	cfg     Config
	now     func() time.Time
}

// NewScheduler wires a batch scheduler. events and metrics may be nil.
func NewScheduler(store PlanStore, oracle routing.Oracle, quotas *quota.Ledger,
	gate *approval.Gate, queue Enqueuer, events EventPublisher,
	metrics *telemetry.Recorder, window Window, cfg Config) *Scheduler {

	if cfg.DefaultMaxItems <= 0 {
		cfg.DefaultMaxItems = 100
	}
	if cfg.ConfidenceFloor <= 0 {
		cfg.ConfidenceFloor = 0.7
	}
	return &Scheduler{
		store:   store,
		oracle:  oracle,
		quotas:  quotas,
		gate:    gate,
		queue:   queue,
		events:  events,
		metrics: metrics,
		window:  window,
		cfg:     cfg,
		now:     time.Now,
	}
}

// WithClock overrides the scheduler clock, for tests
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// GenerateRequest asks for one batch plan
type GenerateRequest struct {
	BankID      string     `json:"bank_id"`
	AccountID   string     `json:"account_id"`
	Currency    string     `json:"currency"`
	PlannedFor  *time.Time `json:"planned_for,omitempty"`
	MaxItems    int        `json:"max_items,omitempty"`
	MaxPriority int        `json:"max_priority,omitempty"`
}

// GeneratePlan builds one batch plan for a treasury account and currency:
// it resolves the settlement window, selects eligible payouts, checks the
// quota headroom, asks the oracle to route the batch, and persists the plan
// with its schedule rows atomically. Quota or selection failures leave no
// side effects.
func (s *Scheduler) GeneratePlan(ctx context.Context, req GenerateRequest) (*Plan, error) {
	if req.AccountID == "" || req.Currency == "" {
		return nil, fmt.Errorf("%w: account_id and currency are required", ErrInvalidState)
	}

	maxItems := req.MaxItems
	if maxItems <= 0 || maxItems > s.cfg.DefaultMaxItems {
		maxItems = s.cfg.DefaultMaxItems
	}
	maxPriority := req.MaxPriority
	if maxPriority <= 0 {
		maxPriority = 10
	}

	plannedFor := s.window.NextSettlement(s.now())
	if req.PlannedFor != nil {
		plannedFor = req.PlannedFor.UTC()
	}

	candidates, err := s.store.SelectCandidates(ctx, req.AccountID, req.Currency, maxItems, maxPriority, plannedFor)
	if err != nil {
		return nil, fmt.Errorf("failed to select candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	total := money.Zero()
	for _, c := range candidates {
		total = total.Add(c.Amount)
	}

	for _, scope := range QuotaScopes(req.BankID, req.AccountID) {
		if err := s.quotas.Check(ctx, scope, req.Currency, len(candidates), total); err != nil {
			return nil, err
		}
	}

	batchReq := routing.BatchRequest{
		BankID:    req.BankID,
		AccountID: req.AccountID,
		Currency:  req.Currency,
		Total:     total,
	}
	for _, c := range candidates {
		batchReq.Items = append(batchReq.Items, routing.BatchItem{PayoutID: c.PayoutID, Amount: c.Amount})
	}

	decision, err := s.oracle.PlanBatch(ctx, batchReq)
	if err != nil {
		return nil, fmt.Errorf("failed to route batch: %w", err)
	}

	routes := make(map[uuid.UUID]routing.ItemRoute, len(decision.Items))
	for _, r := range decision.Items {
		routes[r.PayoutID] = r
	}

	now := s.now()
	requiresApproval := total.Cmp(s.cfg.AutoApproveThreshold) > 0 ||
		decision.Confidence < s.cfg.ConfidenceFloor ||
		len(decision.RiskFlags) > 0

	status := PlanDraft
	if requiresApproval {
		status = PlanPendingApproval
	}

	plan := &Plan{
		ID:               uuid.New(),
		Reference:        NewPlanReference(now),
		BankID:           req.BankID,
		AccountID:        req.AccountID,
		Currency:         req.Currency,
		PlannedFor:       plannedFor,
		ItemCount:        len(candidates),
		EstimatedTotal:   total,
		EstimatedFees:    decision.TotalFees,
		Confidence:       decision.Confidence,
		RiskFlags:        decision.RiskFlags,
		RequiresApproval: requiresApproval,
		Status:           status,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	schedules := make([]Schedule, 0, len(candidates))
	history := make([]HistoryRecord, 0, len(candidates))
	for _, c := range candidates {
		route := routes[c.PayoutID]
		plan.Items = append(plan.Items, Item{
			PayoutID:     c.PayoutID,
			Connector:    route.Connector,
			EstimatedFee: route.EstimatedFee,
			Amount:       c.Amount,
			Priority:     c.Priority,
		})
		schedules = append(schedules, Schedule{
			PayoutID:    c.PayoutID,
			PlanID:      plan.ID,
			ScheduledAt: plannedFor,
			Priority:    c.Priority,
			Status:      ScheduleScheduled,
		})
		history = append(history, HistoryRecord{
			ID:        uuid.New(),
			PayoutID:  c.PayoutID,
			PlanID:    plan.ID,
			Action:    "planned",
			Detail:    fmt.Sprintf("connector=%s fee=%s", route.Connector, route.EstimatedFee),
			CreatedAt: now,
		})
	}

	if err := s.store.CreatePlan(ctx, plan, schedules, history); err != nil {
		return nil, fmt.Errorf("failed to persist plan: %w", err)
	}

	if requiresApproval {
		if _, err := s.gate.Require(ctx, approval.EntityBatchPlan, plan.ID); err != nil {
			log.Printf("failed to open approval for plan %s: %v", plan.Reference, err)
		}
	}

	s.publish(ctx, messaging.SubjectPlanCreated, plan)
	return plan, nil
}

// GetPlan loads one plan
func (s *Scheduler) GetPlan(ctx context.Context, id uuid.UUID) (*Plan, error) {
	return s.store.GetPlan(ctx, id)
}

// Approve records one approval signature for the plan. Returns the plan
// after the signature was applied.
func (s *Scheduler) Approve(ctx context.Context, id uuid.UUID, actor auth.Actor) (*Plan, error) {
	if _, err := s.store.GetPlan(ctx, id); err != nil {
		return nil, err
	}
	if _, err := s.gate.AddApproval(ctx, approval.EntityBatchPlan, id, actor); err != nil {
		return nil, err
	}
	return s.store.GetPlan(ctx, id)
}

// Reject rejects the plan through the approval gate
func (s *Scheduler) Reject(ctx context.Context, id uuid.UUID, actor auth.Actor, reason string) (*Plan, error) {
	if _, err := s.store.GetPlan(ctx, id); err != nil {
		return nil, err
	}
	if err := s.gate.RejectEntity(ctx, approval.EntityBatchPlan, id, actor, reason); err != nil {
		return nil, err
	}
	return s.store.GetPlan(ctx, id)
}

// Cancel withdraws a plan that has not started executing and releases its
// schedule rows back to the pool.
func (s *Scheduler) Cancel(ctx context.Context, id uuid.UUID) (*Plan, error) {
	err := s.store.TransitionPlan(ctx, id, []string{PlanDraft, PlanPendingApproval, PlanApproved}, PlanCancelled)
	if err != nil {
		return nil, err
	}
	if err := s.store.CancelSchedules(ctx, id); err != nil {
		return nil, fmt.Errorf("plan cancelled but schedules not released: %w", err)
	}
	return s.store.GetPlan(ctx, id)
}

// Execute hands an executable plan to the worker: it writes the batch
// record, marks the plan and its schedules executed and charges every quota
// scope in one transaction, then pushes every item into the execution queue.
// A crash after commit but before the pushes is recovered by the schedule
// sweep.
func (s *Scheduler) Execute(ctx context.Context, id uuid.UUID) (*Batch, error) {
	plan, err := s.store.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	if !plan.Executable() {
		return nil, fmt.Errorf("%w: plan %s is %s", ErrInvalidState, plan.Reference, plan.Status)
	}

	if err := s.store.TransitionPlan(ctx, id, []string{PlanDraft, PlanApproved}, PlanExecuting); err != nil {
		return nil, err
	}

	now := s.now()
	batch := &Batch{
		ID:        uuid.New(),
		PlanID:    plan.ID,
		Reference: NewBatchReference(now),
		ItemCount: plan.ItemCount,
		Total:     plan.EstimatedTotal,
		Status:    "executing",
		CreatedAt: now,
	}

	if err := s.store.MarkExecuted(ctx, plan, batch, plan.QuotaScopes()); err != nil {
		s.revertExecuting(ctx, plan)
		return nil, fmt.Errorf("failed to execute plan: %w", err)
	}

	for _, item := range plan.Items {
		if err := s.queue.Enqueue(ctx, item.PayoutID, item.Priority, plan.PlannedFor); err != nil {
			// The sweep re-enqueues executed schedules with no job row
			log.Printf("failed to enqueue payout %s for plan %s: %v", item.PayoutID, plan.Reference, err)
		}
	}

	plan.Status = PlanExecuted
	s.publish(ctx, messaging.SubjectPlanExecuted, plan)
	if s.metrics != nil {
		s.metrics.PlanExecuted(plan.Currency, plan.ItemCount)
	}
	return batch, nil
}

func (s *Scheduler) revertExecuting(ctx context.Context, plan *Plan) {
	prior := PlanApproved
	if !plan.RequiresApproval && plan.Status == PlanDraft {
		prior = PlanDraft
	}
	if err := s.store.TransitionPlan(ctx, plan.ID, []string{PlanExecuting}, prior); err != nil {
		log.Printf("failed to revert plan %s to %s: %v", plan.Reference, prior, err)
	}
}

func (s *Scheduler) publish(ctx context.Context, subject string, plan *Plan) {
	if s.events == nil {
		return
	}
	event := messaging.PlanEvent{
		PlanID:         plan.ID,
		Reference:      plan.Reference,
		Status:         plan.Status,
		ItemCount:      plan.ItemCount,
		EstimatedTotal: plan.EstimatedTotal.String(),
		Currency:       plan.Currency,
		PlannedFor:     plan.PlannedFor,
		Timestamp:      s.now(),
	}
	if err := s.events.Publish(ctx, subject, event); err != nil {
		log.Printf("failed to publish %s for plan %s: %v", subject, plan.Reference, err)
	}
}

// PlanTarget adapts the scheduler to the approval gate's completion
// callbacks for batch plans.
type PlanTarget struct {
	store PlanStore
}

// NewPlanTarget wraps the plan store for gate registration
func NewPlanTarget(store PlanStore) *PlanTarget {
	return &PlanTarget{store: store}
}

// Approved flips the plan to approved once the signer quorum is reached
func (t *PlanTarget) Approved(ctx context.Context, entityID uuid.UUID, actor auth.Actor) error {
	return t.store.TransitionPlan(ctx, entityID, []string{PlanPendingApproval}, PlanApproved)
}

// Rejected terminally rejects the plan and frees its schedule rows
func (t *PlanTarget) Rejected(ctx context.Context, entityID uuid.UUID, actor auth.Actor, reason string) error {
	if err := t.store.TransitionPlan(ctx, entityID, []string{PlanPendingApproval, PlanDraft}, PlanRejected); err != nil {
		return err
	}
	return t.store.CancelSchedules(ctx, entityID)
}
