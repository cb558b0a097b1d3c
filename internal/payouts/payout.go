package payouts

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/terminal-bench/payflow/pkg/money"
)

// Status is the payout lifecycle state
type Status string

const (
	StatusPendingApproval Status = "pending_approval"
	StatusScheduled       Status = "scheduled"
	StatusPending         Status = "pending"
	StatusProcessing      Status = "processing"
	StatusSent            Status = "sent"
	StatusSettled         Status = "settled"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
)

// Cancellable reports whether a payout in this status may still be
// cancelled. Once processing starts the in-flight attempt must resolve first.
func (s Status) Cancellable() bool {
	switch s {
	case StatusPending, StatusScheduled, StatusPendingApproval:
		return true
	default:
		return false
	}
}

// ApprovalStatus tracks the approval verdict independently of the lifecycle
type ApprovalStatus string

const (
	ApprovalNone     ApprovalStatus = "none"
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Beneficiary identifies who receives the money
type Beneficiary struct {
	Name          string `json:"name"`
	AccountNumber string `json:"account_number"`
	BankCode      string `json:"bank_code,omitempty"`
	Phone         string `json:"phone,omitempty"`
}

// Validate checks the required beneficiary fields
func (b Beneficiary) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("%w: beneficiary name is required", ErrValidation)
	}
	if b.AccountNumber == "" {
		return fmt.Errorf("%w: beneficiary account number is required", ErrValidation)
	}
	return nil
}

// Payout is one requested outbound transfer. total_debited =
// amount + platform_fee + bank_fee is computed once at creation and never
// mutated afterward. Payouts are never deleted, only terminally resolved.
type Payout struct {
	ID             uuid.UUID      `json:"id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Module         string         `json:"module"`
	EntityID       string         `json:"entity_id"`
	Amount         money.Amount   `json:"amount"`
	Currency       string         `json:"currency"`
	Beneficiary    Beneficiary    `json:"beneficiary"`
	PlatformFee    money.Amount   `json:"platform_fee"`
	BankFee        money.Amount   `json:"bank_fee"`
	TotalDebited   money.Amount   `json:"total_debited"`
	BankID         string         `json:"bank_id"`
	AccountID      string         `json:"account_id"`
	Reference      string         `json:"reference"`
	HoldRef        string         `json:"-"`
	Priority       int            `json:"priority"`
	ScheduledFor   *time.Time     `json:"scheduled_for,omitempty"`
	Status         Status         `json:"status"`
	RequiresApproval bool         `json:"requires_approval"`
	ApprovalStatus ApprovalStatus `json:"approval_status"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"max_attempts"`
	ProviderRef    string         `json:"provider_ref,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// statusAfterApproval decides where an approved payout goes next: scheduled
// when a future execution time was set, otherwise straight to pending.
func (p *Payout) statusAfterApproval(now time.Time) Status {
	if p.ScheduledFor != nil && p.ScheduledFor.After(now) {
		return StatusScheduled
	}
	return StatusPending
}

// EventType labels payout audit events
type EventType string

const (
	EventCreated        EventType = "created"
	EventApproved       EventType = "approved"
	EventRejected       EventType = "rejected"
	EventCancelled      EventType = "cancelled"
	EventProcessing     EventType = "processing"
	EventSent           EventType = "sent"
	EventRetryScheduled EventType = "retry_scheduled"
	EventFailed         EventType = "failed"
	EventSettled        EventType = "settled"
	EventScheduled      EventType = "scheduled"
)

// Event is one append-only audit record. Events are never updated or
// deleted; together they form the full causal history of a payout.
type Event struct {
	PayoutID  uuid.UUID       `json:"payout_id"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Actor     string          `json:"actor,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func newEvent(payoutID uuid.UUID, t EventType, actor string, payload interface{}, at time.Time) Event {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	return Event{PayoutID: payoutID, Type: t, Payload: raw, Actor: actor, CreatedAt: at}
}

// LedgerHold references funds reserved in the treasury ledger for one payout
type LedgerHold struct {
	PayoutID    uuid.UUID  `json:"payout_id"`
	Ref         string     `json:"ref"`
	Amount      money.Amount `json:"amount"`
	Currency    string     `json:"currency"`
	ReleasedAt  *time.Time `json:"released_at,omitempty"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
}

// NewReference builds a human-auditable payout reference code
func NewReference(now time.Time) string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return fmt.Sprintf("PAY-%s-%s", now.UTC().Format("20060102"), hex.EncodeToString(buf))
}
