package payouts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/payflow/internal/auth"
	"github.com/terminal-bench/payflow/internal/bank"
	"github.com/terminal-bench/payflow/internal/fees"
	"github.com/terminal-bench/payflow/internal/idempotency"
	"github.com/terminal-bench/payflow/internal/routing"
	"github.com/terminal-bench/payflow/pkg/messaging"
	"github.com/terminal-bench/payflow/pkg/money"
	"github.com/terminal-bench/payflow/pkg/telemetry"
)

// Enqueuer pushes a payout into the durable execution queue
type Enqueuer interface {
	Enqueue(ctx context.Context, payoutID uuid.UUID, priority int, runAt time.Time) error
}

// Idempotency is the guard surface the service uses. The key is reserved
// before any side effect runs, and released again when a later step fails.
// Satisfied by *idempotency.Store.
type Idempotency interface {
	Lookup(ctx context.Context, key string) (json.RawMessage, bool, error)
	Reserve(ctx context.Context, rec idempotency.Record) error
	Release(ctx context.Context, key string) error
	Remember(ctx context.Context, key string, response json.RawMessage)
}

// EventPublisher publishes domain events. Satisfied by messaging.Client.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
}

// Config holds payout policy tunables
type Config struct {
	// ApprovalThreshold: payouts at or above this amount require approval.
	ApprovalThreshold money.Amount
	// MaxAttempts bounds the retry loop; the payout is terminally failed
	// once reached.
	MaxAttempts int
	// DefaultPriority applies when the caller does not set one.
	// Lower is more urgent.
	DefaultPriority int
	// MaxBatchItems bounds a create-many request.
	MaxBatchItems int
}

// Service drives the payout lifecycle: creation behind the idempotency
// guard, approval and cancellation transitions, and worker processing.
type Service struct {
	store   Store
	ledger  LedgerGateway
	fees    fees.Calculator
	oracle  routing.Oracle
	queue   Enqueuer
	idem    Idempotency
	events  EventPublisher
	metrics *telemetry.Recorder
	bank    bank.Connector
	cfg     Config
	now     func() time.Time
}

// NewService wires a payout service. events and metrics may be nil.
func NewService(store Store, ledger LedgerGateway, feeCalc fees.Calculator, oracle routing.Oracle,
	queue Enqueuer, idem Idempotency, connector bank.Connector,
	events EventPublisher, metrics *telemetry.Recorder, cfg Config) *Service {

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.DefaultPriority <= 0 {
		cfg.DefaultPriority = 5
	}
	if cfg.MaxBatchItems <= 0 {
		cfg.MaxBatchItems = 1000
	}
	return &Service{
		store:   store,
		ledger:  ledger,
		fees:    feeCalc,
		oracle:  oracle,
		queue:   queue,
		idem:    idem,
		events:  events,
		metrics: metrics,
		bank:    connector,
		cfg:     cfg,
		now:     time.Now,
	}
}

// WithClock overrides the service clock, for tests
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateRequest is one payout creation request
type CreateRequest struct {
	IdempotencyKey string       `json:"-"`
	Module         string       `json:"module"`
	EntityID       string       `json:"entity_id"`
	Amount         money.Amount `json:"amount"`
	Currency       string       `json:"currency"`
	Beneficiary    Beneficiary  `json:"beneficiary"`
	ScheduledFor   *time.Time   `json:"scheduled_for,omitempty"`
	Priority       int          `json:"priority,omitempty"`
	Actor          string       `json:"-"`
}

// CreateResponse is what create returns, and what the idempotency store
// replays for duplicate keys.
type CreateResponse struct {
	ID               uuid.UUID    `json:"id"`
	Reference        string       `json:"reference_code"`
	Status           Status       `json:"status"`
	TotalDebited     money.Amount `json:"total_debited"`
	RequiresApproval bool         `json:"requires_approval"`
}

func (r CreateRequest) validate() error {
	if r.Module == "" {
		return fmt.Errorf("%w: module is required", ErrValidation)
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if r.Currency == "" {
		return fmt.Errorf("%w: currency is required", ErrValidation)
	}
	return r.Beneficiary.Validate()
}

// Create creates one payout exactly once per idempotency key. The same key
// within its validity window returns the stored response without
// re-executing side effects.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResponse, error) {
	key, err := idempotency.MakeKey(req.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if stored, ok, err := s.idem.Lookup(ctx, key); err == nil && ok {
		return decodeCreateResponse(stored)
	}

	if err := req.validate(); err != nil {
		return nil, err
	}

	f, err := s.fees.Compute(req.Module, req.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	route, err := s.oracle.PickRouting(ctx, routing.RouteRequest{
		Module:   req.Module,
		Currency: req.Currency,
		Amount:   req.Amount,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve routing: %w", err)
	}

	bankFee := f.Bank
	if !route.BankFee.IsZero() {
		bankFee = route.BankFee
	}
	total := req.Amount.Add(f.Platform).Add(bankFee)

	now := s.now()
	priority := req.Priority
	if priority <= 0 {
		priority = s.cfg.DefaultPriority
	}

	requiresApproval := req.Amount.Cmp(s.cfg.ApprovalThreshold) >= 0 || route.RequiresApproval

	p := &Payout{
		ID:               uuid.New(),
		IdempotencyKey:   key,
		Module:           req.Module,
		EntityID:         req.EntityID,
		Amount:           req.Amount,
		Currency:         req.Currency,
		Beneficiary:      req.Beneficiary,
		PlatformFee:      f.Platform,
		BankFee:          bankFee,
		TotalDebited:     total,
		BankID:           route.BankID,
		AccountID:        route.AccountID,
		Reference:        NewReference(now),
		Priority:         priority,
		ScheduledFor:     req.ScheduledFor,
		RequiresApproval: requiresApproval,
		ApprovalStatus:   ApprovalNone,
		MaxAttempts:      s.cfg.MaxAttempts,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	switch {
	case requiresApproval:
		p.Status = StatusPendingApproval
		p.ApprovalStatus = ApprovalPending
	case req.ScheduledFor != nil && req.ScheduledFor.After(now):
		p.Status = StatusScheduled
	default:
		p.Status = StatusPending
	}

	resp := &CreateResponse{
		ID:               p.ID,
		Reference:        p.Reference,
		Status:           p.Status,
		TotalDebited:     total,
		RequiresApproval: requiresApproval,
	}
	respJSON, _ := json.Marshal(resp)

	// The key is reserved before any funds move. A loser of the key race
	// stops here with nothing to undo.
	rec := idempotency.Record{Key: key, Response: respJSON, Actor: req.Actor, CreatedAt: now}
	err = s.idem.Reserve(ctx, rec)
	if errors.Is(err, idempotency.ErrDuplicateKey) {
		stored, ok, lookErr := s.idem.Lookup(ctx, key)
		if lookErr != nil || !ok {
			return nil, fmt.Errorf("idempotency conflict on %s but no stored response", key)
		}
		return decodeCreateResponse(stored)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}

	holdRef, err := s.ledger.CreateHold(ctx, p.ID, route.AccountID, total, req.Currency)
	if err != nil {
		s.releaseKey(ctx, key)
		return nil, fmt.Errorf("failed to create ledger hold: %w", err)
	}
	p.HoldRef = holdRef
	hold := &LedgerHold{PayoutID: p.ID, Ref: holdRef, Amount: total, Currency: req.Currency}

	if err := s.store.Create(ctx, p, hold, req.Actor); err != nil {
		if relErr := s.ledger.ReleaseHold(ctx, holdRef); relErr != nil {
			log.Printf("payouts: failed to release hold %s after create error: %v", holdRef, relErr)
		}
		s.releaseKey(ctx, key)
		return nil, fmt.Errorf("failed to create payout: %w", err)
	}

	s.idem.Remember(ctx, key, respJSON)

	if p.Status == StatusPending {
		if err := s.queue.Enqueue(ctx, p.ID, p.Priority, now); err != nil {
			log.Printf("payouts: failed to enqueue %s: %v", p.ID, err)
		}
	}

	s.publish(ctx, messaging.SubjectPayoutCreated, p, "", req.Actor)
	s.metrics.PayoutTransition(string(p.Status), p.Currency)

	return resp, nil
}

// releaseKey frees a reservation whose side effects never completed, so the
// caller can retry with the same key.
func (s *Service) releaseKey(ctx context.Context, key string) {
	if err := s.idem.Release(ctx, key); err != nil {
		log.Printf("payouts: failed to release idempotency key %s: %v", key, err)
	}
}

func decodeCreateResponse(raw json.RawMessage) (*CreateResponse, error) {
	var resp CreateResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode stored response: %w", err)
	}
	return &resp, nil
}

// BatchItemResult reports the outcome of one item of a create-many request
type BatchItemResult struct {
	Index    int             `json:"index"`
	Response *CreateResponse `json:"response,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// CreateBatch creates up to MaxBatchItems payouts. Item failures are
// reported individually; one bad item does not abort the rest.
func (s *Service) CreateBatch(ctx context.Context, reqs []CreateRequest) ([]BatchItemResult, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrValidation)
	}
	if len(reqs) > s.cfg.MaxBatchItems {
		return nil, fmt.Errorf("%w: batch exceeds %d items", ErrValidation, s.cfg.MaxBatchItems)
	}

	results := make([]BatchItemResult, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			resp, err := s.Create(gctx, req)
			if err != nil {
				results[i] = BatchItemResult{Index: i, Error: err.Error()}
				return nil
			}
			results[i] = BatchItemResult{Index: i, Response: resp}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Get returns one payout
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Payout, error) {
	return s.store.Get(ctx, id)
}

// List returns payouts matching the filter
func (s *Service) List(ctx context.Context, f ListFilter) ([]*Payout, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	return s.store.List(ctx, f)
}

// History returns the audit trail of a payout
func (s *Service) History(ctx context.Context, id uuid.UUID) ([]Event, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Events(ctx, id)
}

// Cancel cancels a payout that has not started processing, releases its
// hold and withdraws it from any live batch plan. Cancelling mid-processing
// is rejected, not deferred silently.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, actor auth.Actor, reason string) (*Payout, error) {
	p, err := s.store.Mutate(ctx, id, func(p *Payout) (Effects, error) {
		if !p.Status.Cancellable() {
			return Effects{}, fmt.Errorf("%w: cannot cancel payout in status %s", ErrInvalidState, p.Status)
		}
		p.Status = StatusCancelled
		return Effects{
			Events:          []Event{newEvent(p.ID, EventCancelled, actor.ID, map[string]string{"reason": reason}, s.now())},
			ReleaseHold:     true,
			ReleaseSchedule: true,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	if relErr := s.ledger.ReleaseHold(ctx, p.HoldRef); relErr != nil {
		log.Printf("payouts: failed to release hold %s for cancelled %s: %v", p.HoldRef, p.ID, relErr)
	}
	s.publish(ctx, messaging.SubjectPayoutCancelled, p, reason, actor.ID)
	s.metrics.PayoutTransition(string(StatusCancelled), p.Currency)
	return p, nil
}

// Approve moves a pending_approval payout forward and enqueues it. Called by
// the approval gate once the required signatures are in, or directly for
// single-signer policies.
func (s *Service) Approve(ctx context.Context, id uuid.UUID, actor auth.Actor) (*Payout, error) {
	now := s.now()
	p, err := s.store.Mutate(ctx, id, func(p *Payout) (Effects, error) {
		if p.Status != StatusPendingApproval {
			return Effects{}, fmt.Errorf("%w: payout is not awaiting approval", ErrInvalidState)
		}
		p.Status = p.statusAfterApproval(now)
		p.ApprovalStatus = ApprovalApproved
		return Effects{
			Events: []Event{newEvent(p.ID, EventApproved, actor.ID, nil, now)},
		}, nil
	})
	if err != nil {
		return nil, err
	}

	runAt := now
	if p.Status == StatusScheduled && p.ScheduledFor != nil {
		runAt = *p.ScheduledFor
	}
	if err := s.queue.Enqueue(ctx, p.ID, p.Priority, runAt); err != nil {
		log.Printf("payouts: failed to enqueue approved %s: %v", p.ID, err)
	}

	s.publish(ctx, messaging.SubjectPayoutApproved, p, "", actor.ID)
	s.metrics.PayoutTransition(string(p.Status), p.Currency)
	return p, nil
}

// Reject rejects a pending_approval payout: it is cancelled and its hold
// released.
func (s *Service) Reject(ctx context.Context, id uuid.UUID, actor auth.Actor, reason string) (*Payout, error) {
	p, err := s.store.Mutate(ctx, id, func(p *Payout) (Effects, error) {
		if p.Status != StatusPendingApproval {
			return Effects{}, fmt.Errorf("%w: payout is not awaiting approval", ErrInvalidState)
		}
		p.Status = StatusCancelled
		p.ApprovalStatus = ApprovalRejected
		return Effects{
			Events:          []Event{newEvent(p.ID, EventRejected, actor.ID, map[string]string{"reason": reason}, s.now())},
			ReleaseHold:     true,
			ReleaseSchedule: true,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	if relErr := s.ledger.ReleaseHold(ctx, p.HoldRef); relErr != nil {
		log.Printf("payouts: failed to release hold %s for rejected %s: %v", p.HoldRef, p.ID, relErr)
	}
	s.publish(ctx, messaging.SubjectPayoutRejected, p, reason, actor.ID)
	s.metrics.PayoutTransition(string(StatusCancelled), p.Currency)
	return p, nil
}

// Outcome reports what Process did with a payout
type Outcome struct {
	Status  Status
	RetryAt *time.Time
}

// Backoff returns the retry delay after the given attempt count:
// 2^attempts minutes.
func Backoff(attempts int) time.Duration {
	return time.Duration(math.Pow(2, float64(attempts))) * time.Minute
}

// Process executes one delivery attempt. The queue delivers at least once;
// the status guard here is what makes the business effect exactly-once. The
// bank call happens outside any row lock so a slow connector never pins a
// database transaction.
func (s *Service) Process(ctx context.Context, id uuid.UUID) (Outcome, error) {
	now := s.now()

	// Claim: flip to processing under the row lock
	p, err := s.store.Mutate(ctx, id, func(p *Payout) (Effects, error) {
		switch p.Status {
		case StatusProcessing, StatusSent, StatusSettled:
			return Effects{}, ErrAlreadyProcessed
		case StatusCancelled:
			return Effects{}, fmt.Errorf("%w: payout was cancelled", ErrInvalidState)
		case StatusPending, StatusScheduled:
			// first attempt
		case StatusFailed:
			if p.Attempts >= p.MaxAttempts {
				return Effects{}, fmt.Errorf("%w: payout is terminally failed", ErrInvalidState)
			}
		default:
			return Effects{}, fmt.Errorf("%w: cannot process payout in status %s", ErrInvalidState, p.Status)
		}

		p.Status = StatusProcessing
		p.Attempts++
		return Effects{
			Events: []Event{newEvent(p.ID, EventProcessing, "", map[string]int{"attempt": p.Attempts}, now)},
		}, nil
	})
	if err != nil {
		return Outcome{}, err
	}

	started := s.now()
	providerRef, sendErr := s.bank.Send(ctx, bank.TransferRequest{
		PayoutID:      p.ID,
		Reference:     p.Reference,
		BankID:        p.BankID,
		AccountID:     p.AccountID,
		Amount:        p.Amount,
		Currency:      p.Currency,
		Beneficiary:   p.Beneficiary.Name,
		AccountNumber: p.Beneficiary.AccountNumber,
	})
	elapsed := s.now().Sub(started)

	if sendErr == nil {
		p, err = s.store.Mutate(ctx, id, func(p *Payout) (Effects, error) {
			p.Status = StatusSent
			p.ProviderRef = providerRef
			p.LastError = ""
			return Effects{
				Events: []Event{newEvent(p.ID, EventSent, "", map[string]string{"provider_ref": providerRef}, s.now())},
			}, nil
		})
		if err != nil {
			return Outcome{}, err
		}
		s.publish(ctx, messaging.SubjectPayoutSent, p, "", "")
		s.metrics.PayoutTransition(string(StatusSent), p.Currency)
		s.metrics.WorkerAttempt("sent", elapsed)
		return Outcome{Status: StatusSent}, nil
	}

	// Failure path: transient until attempts reach the ceiling
	var retryAt *time.Time
	terminal := false
	p, err = s.store.Mutate(ctx, id, func(p *Payout) (Effects, error) {
		p.Status = StatusFailed
		p.LastError = sendErr.Error()

		if p.Attempts >= p.MaxAttempts {
			terminal = true
			return Effects{
				Events:          []Event{newEvent(p.ID, EventFailed, "", map[string]string{"error": sendErr.Error()}, s.now())},
				ReleaseHold:     true,
				ReleaseSchedule: true,
			}, nil
		}

		at := s.now().Add(Backoff(p.Attempts))
		retryAt = &at
		return Effects{
			Events: []Event{newEvent(p.ID, EventRetryScheduled, "", map[string]interface{}{
				"error":    sendErr.Error(),
				"retry_at": at,
				"attempt":  p.Attempts,
			}, s.now())},
		}, nil
	})
	if err != nil {
		return Outcome{}, err
	}

	if terminal {
		if relErr := s.ledger.ReleaseHold(ctx, p.HoldRef); relErr != nil {
			log.Printf("payouts: failed to release hold %s for failed %s: %v", p.HoldRef, p.ID, relErr)
		}
		s.publish(ctx, messaging.SubjectPayoutFailed, p, sendErr.Error(), "")
		s.metrics.PayoutTransition(string(StatusFailed), p.Currency)
		s.metrics.WorkerAttempt("failed", elapsed)
		return Outcome{Status: StatusFailed}, nil
	}

	if err := s.queue.Enqueue(ctx, p.ID, p.Priority, *retryAt); err != nil {
		log.Printf("payouts: failed to re-enqueue %s: %v", p.ID, err)
	}
	s.publish(ctx, messaging.SubjectPayoutRetry, p, sendErr.Error(), "")
	s.metrics.WorkerAttempt("retry", elapsed)
	return Outcome{Status: StatusFailed, RetryAt: retryAt}, nil
}

// Settle finalizes a sent payout against a bank statement line
func (s *Service) Settle(ctx context.Context, id uuid.UUID, settledAt time.Time) (*Payout, error) {
	p, err := s.store.Mutate(ctx, id, func(p *Payout) (Effects, error) {
		if p.Status != StatusSent {
			return Effects{}, fmt.Errorf("%w: only sent payouts can settle, current status %s", ErrInvalidState, p.Status)
		}
		p.Status = StatusSettled
		return Effects{
			Events:       []Event{newEvent(p.ID, EventSettled, "", map[string]time.Time{"settled_at": settledAt}, s.now())},
			FinalizeHold: &settledAt,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	if finErr := s.ledger.FinalizeHold(ctx, p.HoldRef, settledAt); finErr != nil {
		log.Printf("payouts: failed to finalize hold %s for settled %s: %v", p.HoldRef, p.ID, finErr)
	}
	s.publish(ctx, messaging.SubjectPayoutSettled, p, "", "")
	s.metrics.PayoutTransition(string(StatusSettled), p.Currency)
	return p, nil
}

// FindSentByReference locates a sent payout for reconciliation
func (s *Service) FindSentByReference(ctx context.Context, reference, providerRef string) (*Payout, error) {
	return s.store.FindSentByReference(ctx, reference, providerRef)
}

func (s *Service) publish(ctx context.Context, subject string, p *Payout, reason, actor string) {
	if s.events == nil {
		return
	}
	evt := messaging.PayoutEvent{
		PayoutID:     p.ID,
		Reference:    p.Reference,
		Status:       string(p.Status),
		Amount:       p.Amount.String(),
		Currency:     p.Currency,
		TotalDebited: p.TotalDebited.String(),
		ProviderRef:  p.ProviderRef,
		Attempts:     p.Attempts,
		Reason:       reason,
		Actor:        actor,
		Timestamp:    s.now(),
	}
	if err := s.events.Publish(ctx, subject, evt); err != nil {
		log.Printf("payouts: failed to publish %s for %s: %v", subject, p.ID, err)
	}
}
