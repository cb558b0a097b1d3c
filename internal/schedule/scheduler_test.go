package schedule

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/payflow/internal/approval"
	"github.com/terminal-bench/payflow/internal/auth"
	"github.com/terminal-bench/payflow/internal/quota"
	"github.com/terminal-bench/payflow/internal/routing"
	"github.com/terminal-bench/payflow/pkg/money"
)

// memoryPlanStore is an in-memory PlanStore for scheduler tests
type memoryPlanStore struct {
	mu         sync.Mutex
	candidates []Candidate
	plans      map[uuid.UUID]*Plan
	schedules  map[uuid.UUID]*Schedule
	history    []HistoryRecord
	batches    []*Batch
	quotas     *quotaMemStore
}

func newMemoryPlanStore() *memoryPlanStore {
	return &memoryPlanStore{
		plans:     make(map[uuid.UUID]*Plan),
		schedules: make(map[uuid.UUID]*Schedule),
	}
}

func (m *memoryPlanStore) SelectCandidates(ctx context.Context, accountID, currency string, maxItems, maxPriority int, plannedFor time.Time) ([]Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Candidate
	for _, c := range m.candidates {
		if _, taken := m.schedules[c.PayoutID]; taken {
			continue
		}
		if c.Priority <= maxPriority && len(out) < maxItems {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memoryPlanStore) CreatePlan(ctx context.Context, plan *Plan, schedules []Schedule, history []HistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := *plan
	m.plans[plan.ID] = &p
	for i := range schedules {
		s := schedules[i]
		if existing, ok := m.schedules[s.PayoutID]; ok && existing.Status == ScheduleScheduled {
			continue
		}
		m.schedules[s.PayoutID] = &s
	}
	m.history = append(m.history, history...)
	return nil
}

func (m *memoryPlanStore) GetPlan(ctx context.Context, id uuid.UUID) (*Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, ErrPlanNotFound
	}
	c := *p
	return &c, nil
}

func (m *memoryPlanStore) TransitionPlan(ctx context.Context, id uuid.UUID, from []string, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok {
		return ErrPlanNotFound
	}
	for _, f := range from {
		if p.Status == f {
			p.Status = to
			return nil
		}
	}
	return fmt.Errorf("%w: plan is %s", ErrInvalidState, p.Status)
}

func (m *memoryPlanStore) MarkExecuted(ctx context.Context, plan *Plan, batch *Batch, scopes []string) error {
	// All-or-nothing like the single Postgres transaction: a quota miss
	// leaves the plan and its schedules untouched.
	if err := m.quotas.charge(scopes, plan.Currency, plan.ItemCount, plan.EstimatedTotal); err != nil {
		return err
	}
	if err := m.TransitionPlan(ctx, plan.ID, []string{PlanExecuting}, PlanExecuted); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, batch)
	for _, s := range m.schedules {
		if s.PlanID == plan.ID && s.Status == ScheduleScheduled {
			s.Status = ScheduleExecuted
		}
	}
	return nil
}

func (m *memoryPlanStore) CancelSchedules(ctx context.Context, planID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.schedules {
		if s.PlanID == planID && s.Status == ScheduleScheduled {
			s.Status = ScheduleCancelled
		}
	}
	return nil
}

func (m *memoryPlanStore) History(ctx context.Context, payoutID uuid.UUID) ([]HistoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []HistoryRecord
	for _, h := range m.history {
		if h.PayoutID == payoutID {
			out = append(out, h)
		}
	}
	return out, nil
}

// stubOracle returns a canned batch decision
type stubOracle struct {
	confidence float64
	riskFlags  []string
	fee        money.Amount
}

func (s *stubOracle) PickRouting(ctx context.Context, req routing.RouteRequest) (routing.RouteDecision, error) {
	return routing.RouteDecision{BankID: "ecobank", AccountID: "main"}, nil
}

func (s *stubOracle) PlanBatch(ctx context.Context, req routing.BatchRequest) (routing.BatchDecision, error) {
	var items []routing.ItemRoute
	fees := money.Zero()
	for _, it := range req.Items {
		items = append(items, routing.ItemRoute{PayoutID: it.PayoutID, Connector: "ecobank", EstimatedFee: s.fee})
		fees = fees.Add(s.fee)
	}
	return routing.BatchDecision{Items: items, Confidence: s.confidence, RiskFlags: s.riskFlags, TotalFees: fees}, nil
}

// fakeQueue records enqueued payouts
type fakeQueue struct {
	mu    sync.Mutex
	calls []uuid.UUID
}

func (q *fakeQueue) Enqueue(ctx context.Context, payoutID uuid.UUID, priority int, runAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls = append(q.calls, payoutID)
	return nil
}

// quotaMemStore is a minimal quota.Store for scheduler tests
type quotaMemStore struct {
	mu     sync.Mutex
	quotas map[string]*quota.Quota
}

func newQuotaMemStore() *quotaMemStore {
	return &quotaMemStore{quotas: make(map[string]*quota.Quota)}
}

func quotaKey(module, currency string) string {
	return module + "/" + currency
}

func (s *quotaMemStore) Get(ctx context.Context, module, currency string) (*quota.Quota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotas[quotaKey(module, currency)]
	if !ok {
		return nil, quota.ErrNotFound
	}
	c := *q
	return &c, nil
}

func (s *quotaMemStore) Upsert(ctx context.Context, q *quota.Quota) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *q
	s.quotas[quotaKey(q.Module, q.Currency)] = &c
	return nil
}

func (s *quotaMemStore) Consume(ctx context.Context, module, currency string, n int, amount money.Amount, windowStart time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotas[quotaKey(module, currency)]
	if !ok {
		return quota.ErrNotFound
	}
	if q.UsedCount+n > q.MaxCount || q.UsedAmount.Add(amount).Cmp(q.MaxAmount) > 0 {
		return quota.ErrExceeded
	}
	q.UsedCount += n
	q.UsedAmount = q.UsedAmount.Add(amount)
	return nil
}

func (s *quotaMemStore) Refund(ctx context.Context, module, currency string, n int, amount money.Amount, windowStart time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotas[quotaKey(module, currency)]
	if !ok {
		return quota.ErrNotFound
	}
	q.UsedCount -= n
	q.UsedAmount = q.UsedAmount.Sub(amount)
	return nil
}

// charge consumes every configured scope or none of them. Scopes with no
// quota row are unlimited, matching the Postgres store.
func (s *quotaMemStore) charge(scopes []string, currency string, n int, amount money.Amount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var hit []*quota.Quota
	for _, scope := range scopes {
		q, ok := s.quotas[quotaKey(scope, currency)]
		if !ok {
			continue
		}
		if q.UsedCount+n > q.MaxCount || q.UsedAmount.Add(amount).Cmp(q.MaxAmount) > 0 {
			return fmt.Errorf("%w: %s %s", quota.ErrExceeded, scope, currency)
		}
		hit = append(hit, q)
	}
	for _, q := range hit {
		q.UsedCount += n
		q.UsedAmount = q.UsedAmount.Add(amount)
	}
	return nil
}

func (s *quotaMemStore) used(module, currency string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotas[quotaKey(module, currency)]
	if !ok {
		return 0
	}
	return q.UsedCount
}

// approvalMemStore is a minimal approval.Store for scheduler tests
type approvalMemStore struct {
	mu        sync.Mutex
	approvals map[uuid.UUID]*approval.Approval
}

func newApprovalMemStore() *approvalMemStore {
	return &approvalMemStore{approvals: make(map[uuid.UUID]*approval.Approval)}
}

func (s *approvalMemStore) GetOrCreate(ctx context.Context, entityType string, entityID uuid.UUID, policy approval.Policy) (*approval.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.approvals[entityID]; ok {
		c := *a
		return &c, nil
	}
	a := &approval.Approval{
		ID:            uuid.New(),
		EntityType:    entityType,
		EntityID:      entityID,
		RequiredCount: policy.RequiredCount,
		AllowedRoles:  policy.AllowedRoles,
		Status:        approval.StatusPending,
	}
	s.approvals[entityID] = a
	c := *a
	return &c, nil
}

func (s *approvalMemStore) Get(ctx context.Context, entityType string, entityID uuid.UUID) (*approval.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[entityID]
	if !ok {
		return nil, approval.ErrNotFound
	}
	c := *a
	return &c, nil
}

func (s *approvalMemStore) Sign(ctx context.Context, approvalID uuid.UUID, sig approval.Signature, newStatus string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.approvals {
		if a.ID == approvalID {
			a.Signatures = append(a.Signatures, sig)
			a.Status = newStatus
			return nil
		}
	}
	return approval.ErrNotFound
}

func (s *approvalMemStore) Resolve(ctx context.Context, approvalID uuid.UUID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.approvals {
		if a.ID == approvalID {
			a.Status = status
			return nil
		}
	}
	return approval.ErrNotFound
}

type fixture struct {
	scheduler *Scheduler
	store     *memoryPlanStore
	queue     *fakeQueue
	quotas    *quotaMemStore
	gate      *approval.Gate
	now       time.Time
}

func newFixture(t *testing.T, oracle routing.Oracle) *fixture {
	t.Helper()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	store := newMemoryPlanStore()
	queue := &fakeQueue{}
	quotaStore := newQuotaMemStore()
	store.quotas = quotaStore
	quotas := quota.NewLedger(quotaStore).WithClock(func() time.Time { return now })

	gate := approval.NewGate(newApprovalMemStore(), map[string]approval.Policy{
		approval.EntityBatchPlan: {RequiredCount: 2},
	})
	gate.RegisterTarget(approval.EntityBatchPlan, NewPlanTarget(store))

	window, err := NewWindow("15:00", "UTC", 1)
	require.NoError(t, err)

	scheduler := NewScheduler(store, oracle, quotas, gate, queue, nil, nil, window, Config{
		DefaultMaxItems:      100,
		AutoApproveThreshold: money.MustParse("10000"),
		ConfidenceFloor:      0.7,
	}).WithClock(func() time.Time { return now })

	return &fixture{scheduler: scheduler, store: store, queue: queue, quotas: quotaStore, gate: gate, now: now}
}

func seedCandidates(f *fixture, amounts ...string) []uuid.UUID {
	var ids []uuid.UUID
	for i, a := range amounts {
		id := uuid.New()
		ids = append(ids, id)
		f.store.candidates = append(f.store.candidates, Candidate{
			PayoutID:  id,
			Amount:    money.MustParse(a),
			Priority:  5,
			CreatedAt: f.now.Add(time.Duration(i) * time.Second),
		})
	}
	return ids
}

func TestGeneratePlan(t *testing.T) {
	ctx := context.Background()
	req := GenerateRequest{BankID: "ecobank", AccountID: "main", Currency: "XOF"}

	t.Run("should build a draft plan under the auto-approve threshold", func(t *testing.T) {
		f := newFixture(t, &stubOracle{confidence: 0.95, fee: money.MustParse("5")})
		ids := seedCandidates(f, "1000", "2000")

		plan, err := f.scheduler.GeneratePlan(ctx, req)
		require.NoError(t, err)

		assert.Equal(t, PlanDraft, plan.Status)
		assert.False(t, plan.RequiresApproval)
		assert.Equal(t, 2, plan.ItemCount)
		assert.True(t, plan.EstimatedTotal.Equal(money.MustParse("3000")))
		assert.True(t, plan.EstimatedFees.Equal(money.MustParse("10")))
		assert.Equal(t, time.Date(2026, 3, 11, 15, 0, 0, 0, time.UTC), plan.PlannedFor)

		for _, id := range ids {
			sched := f.store.schedules[id]
			require.NotNil(t, sched)
			assert.Equal(t, ScheduleScheduled, sched.Status)
		}
	})

	t.Run("should require approval above the threshold", func(t *testing.T) {
		f := newFixture(t, &stubOracle{confidence: 0.95})
		seedCandidates(f, "8000", "8000")

		plan, err := f.scheduler.GeneratePlan(ctx, req)
		require.NoError(t, err)

		assert.True(t, plan.RequiresApproval)
		assert.Equal(t, PlanPendingApproval, plan.Status)

		a, err := f.gate.Get(ctx, approval.EntityBatchPlan, plan.ID)
		require.NoError(t, err)
		assert.Equal(t, approval.StatusPending, a.Status)
	})

	t.Run("should require approval below the confidence floor", func(t *testing.T) {
		f := newFixture(t, &stubOracle{confidence: 0.4})
		seedCandidates(f, "100")

		plan, err := f.scheduler.GeneratePlan(ctx, req)
		require.NoError(t, err)
		assert.True(t, plan.RequiresApproval)
	})

	t.Run("should require approval on risk flags", func(t *testing.T) {
		f := newFixture(t, &stubOracle{confidence: 0.95, riskFlags: []string{"velocity"}})
		seedCandidates(f, "100")

		plan, err := f.scheduler.GeneratePlan(ctx, req)
		require.NoError(t, err)
		assert.True(t, plan.RequiresApproval)
	})

	t.Run("should reject an empty selection", func(t *testing.T) {
		f := newFixture(t, &stubOracle{confidence: 0.95})

		_, err := f.scheduler.GeneratePlan(ctx, req)
		assert.ErrorIs(t, err, ErrNoCandidates)
		assert.Empty(t, f.store.plans)
	})

	t.Run("should abort on quota exhaustion with no side effects", func(t *testing.T) {
		f := newFixture(t, &stubOracle{confidence: 0.95})
		seedCandidates(f, "3000", "3000")
		f.quotas.Upsert(ctx, &quota.Quota{
			Module: "treasury:main", Currency: "XOF", Period: quota.PeriodDaily,
			MaxCount: 100, MaxAmount: money.MustParse("5000"),
			UsedAmount: money.Zero(), WindowStart: quota.WindowStart(quota.PeriodDaily, f.now),
		})

		_, err := f.scheduler.GeneratePlan(ctx, req)
		assert.ErrorIs(t, err, quota.ErrExceeded)
		assert.Empty(t, f.store.plans)
		assert.Empty(t, f.store.schedules)
	})

	t.Run("should abort when the bank-wide quota lacks headroom", func(t *testing.T) {
		f := newFixture(t, &stubOracle{confidence: 0.95})
		seedCandidates(f, "1000", "2000")
		f.quotas.Upsert(ctx, &quota.Quota{
			Module: "bank:ecobank", Currency: "XOF", Period: quota.PeriodDaily,
			MaxCount: 100, MaxAmount: money.MustParse("10"),
			UsedAmount: money.Zero(), WindowStart: quota.WindowStart(quota.PeriodDaily, f.now),
		})

		_, err := f.scheduler.GeneratePlan(ctx, req)
		assert.ErrorIs(t, err, quota.ErrExceeded)
		assert.Empty(t, f.store.plans)
		assert.Empty(t, f.store.schedules)
	})

	t.Run("should honor an explicit planned_for", func(t *testing.T) {
		f := newFixture(t, &stubOracle{confidence: 0.95})
		seedCandidates(f, "100")
		at := time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)

		plan, err := f.scheduler.GeneratePlan(ctx, GenerateRequest{
			BankID: "ecobank", AccountID: "main", Currency: "XOF", PlannedFor: &at,
		})
		require.NoError(t, err)
		assert.Equal(t, at, plan.PlannedFor)
	})
}

func TestExecutePlan(t *testing.T) {
	ctx := context.Background()
	req := GenerateRequest{BankID: "ecobank", AccountID: "main", Currency: "XOF"}

	t.Run("should enqueue every item and charge every quota scope", func(t *testing.T) {
		f := newFixture(t, &stubOracle{confidence: 0.95})
		ids := seedCandidates(f, "1000", "2000")
		f.quotas.Upsert(ctx, &quota.Quota{
			Module: "treasury:main", Currency: "XOF", Period: quota.PeriodDaily,
			MaxCount: 100, MaxAmount: money.MustParse("100000"),
			UsedAmount: money.Zero(), WindowStart: quota.WindowStart(quota.PeriodDaily, f.now),
		})
		f.quotas.Upsert(ctx, &quota.Quota{
			Module: "bank:ecobank", Currency: "XOF", Period: quota.PeriodDaily,
			MaxCount: 100, MaxAmount: money.MustParse("100000"),
			UsedAmount: money.Zero(), WindowStart: quota.WindowStart(quota.PeriodDaily, f.now),
		})

		plan, err := f.scheduler.GeneratePlan(ctx, req)
		require.NoError(t, err)

		batch, err := f.scheduler.Execute(ctx, plan.ID)
		require.NoError(t, err)

		assert.Equal(t, 2, batch.ItemCount)
		assert.ElementsMatch(t, ids, f.queue.calls)
		assert.Equal(t, 2, f.quotas.used("treasury:main", "XOF"))
		assert.Equal(t, 2, f.quotas.used("bank:ecobank", "XOF"))

		got, _ := f.store.GetPlan(ctx, plan.ID)
		assert.Equal(t, PlanExecuted, got.Status)
		for _, id := range ids {
			assert.Equal(t, ScheduleExecuted, f.store.schedules[id].Status)
		}
	})

	t.Run("should refuse an unapproved plan", func(t *testing.T) {
		f := newFixture(t, &stubOracle{confidence: 0.95})
		seedCandidates(f, "50000")

		plan, err := f.scheduler.GeneratePlan(ctx, req)
		require.NoError(t, err)
		require.True(t, plan.RequiresApproval)

		_, err = f.scheduler.Execute(ctx, plan.ID)
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("should execute after the signer quorum approves", func(t *testing.T) {
		f := newFixture(t, &stubOracle{confidence: 0.95})
		seedCandidates(f, "50000")

		plan, err := f.scheduler.GeneratePlan(ctx, req)
		require.NoError(t, err)

		_, err = f.scheduler.Approve(ctx, plan.ID, auth.Actor{ID: "alice", Role: "finance"})
		require.NoError(t, err)
		got, err := f.scheduler.Approve(ctx, plan.ID, auth.Actor{ID: "bob", Role: "finance"})
		require.NoError(t, err)
		assert.Equal(t, PlanApproved, got.Status)

		_, err = f.scheduler.Execute(ctx, plan.ID)
		assert.NoError(t, err)
	})

	t.Run("should revert the plan when quota consumption fails", func(t *testing.T) {
		f := newFixture(t, &stubOracle{confidence: 0.95})
		seedCandidates(f, "3000")

		plan, err := f.scheduler.GeneratePlan(ctx, req)
		require.NoError(t, err)

		// Quota appears only after planning, already exhausted
		f.quotas.Upsert(ctx, &quota.Quota{
			Module: "treasury:main", Currency: "XOF", Period: quota.PeriodDaily,
			MaxCount: 100, MaxAmount: money.MustParse("1000"),
			UsedAmount: money.Zero(), WindowStart: quota.WindowStart(quota.PeriodDaily, f.now),
		})

		_, err = f.scheduler.Execute(ctx, plan.ID)
		assert.ErrorIs(t, err, quota.ErrExceeded)

		got, _ := f.store.GetPlan(ctx, plan.ID)
		assert.Equal(t, PlanDraft, got.Status)
		assert.Empty(t, f.queue.calls)
	})

	t.Run("should charge no scope when one scope lacks headroom", func(t *testing.T) {
		f := newFixture(t, &stubOracle{confidence: 0.95})
		seedCandidates(f, "3000")

		plan, err := f.scheduler.GeneratePlan(ctx, req)
		require.NoError(t, err)

		f.quotas.Upsert(ctx, &quota.Quota{
			Module: "treasury:main", Currency: "XOF", Period: quota.PeriodDaily,
			MaxCount: 100, MaxAmount: money.MustParse("100000"),
			UsedAmount: money.Zero(), WindowStart: quota.WindowStart(quota.PeriodDaily, f.now),
		})
		f.quotas.Upsert(ctx, &quota.Quota{
			Module: "bank:ecobank", Currency: "XOF", Period: quota.PeriodDaily,
			MaxCount: 100, MaxAmount: money.MustParse("10"),
			UsedAmount: money.Zero(), WindowStart: quota.WindowStart(quota.PeriodDaily, f.now),
		})

		_, err = f.scheduler.Execute(ctx, plan.ID)
		assert.ErrorIs(t, err, quota.ErrExceeded)

		assert.Equal(t, 0, f.quotas.used("treasury:main", "XOF"))
		got, _ := f.store.GetPlan(ctx, plan.ID)
		assert.Equal(t, PlanDraft, got.Status)
	})

	t.Run("should not double-execute", func(t *testing.T) {
		f := newFixture(t, &stubOracle{confidence: 0.95})
		seedCandidates(f, "100")

		plan, err := f.scheduler.GeneratePlan(ctx, req)
		require.NoError(t, err)

		_, err = f.scheduler.Execute(ctx, plan.ID)
		require.NoError(t, err)

		_, err = f.scheduler.Execute(ctx, plan.ID)
		assert.ErrorIs(t, err, ErrInvalidState)
	})
}

func TestCancelPlan(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, &stubOracle{confidence: 0.95})
	ids := seedCandidates(f, "100", "200")

	plan, err := f.scheduler.GeneratePlan(ctx, GenerateRequest{BankID: "ecobank", AccountID: "main", Currency: "XOF"})
	require.NoError(t, err)

	got, err := f.scheduler.Cancel(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, PlanCancelled, got.Status)
	for _, id := range ids {
		assert.Equal(t, ScheduleCancelled, f.store.schedules[id].Status)
	}

	_, err = f.scheduler.Execute(ctx, plan.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
}
