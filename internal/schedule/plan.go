package schedule

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/terminal-bench/payflow/pkg/money"
)

// Plan statuses
const (
	PlanDraft           = "draft"
	PlanPendingApproval = "pending_approval"
	PlanApproved        = "approved"
	PlanExecuting       = "executing"
	PlanExecuted        = "executed"
	PlanRejected        = "rejected"
	PlanCancelled       = "cancelled"
)

// Schedule row statuses
const (
	ScheduleScheduled = "scheduled"
	ScheduleExecuted  = "executed"
	ScheduleCancelled = "cancelled"
)

var (
	ErrPlanNotFound = errors.New("batch plan not found")
	ErrNoCandidates = errors.New("no payouts eligible for scheduling")
	ErrInvalidState = errors.New("plan is not in a valid state for this transition")
)

// Item is one payout inside a batch plan, with the oracle's connector
// suggestion and fee estimate.
type Item struct {
	PayoutID     uuid.UUID    `json:"payout_id"`
	Connector    string       `json:"connector"`
	EstimatedFee money.Amount `json:"estimated_fee"`
	Amount       money.Amount `json:"amount"`
	Priority     int          `json:"priority"`
}

// Plan groups payouts for one (bank, treasury account, currency) at one
// planned time. Immutable once executed.
type Plan struct {
	ID               uuid.UUID    `json:"id"`
	Reference        string       `json:"reference"`
	BankID           string       `json:"bank_id"`
	AccountID        string       `json:"account_id"`
	Currency         string       `json:"currency"`
	PlannedFor       time.Time    `json:"planned_for"`
	Items            []Item       `json:"items"`
	ItemCount        int          `json:"item_count"`
	EstimatedTotal   money.Amount `json:"estimated_total"`
	EstimatedFees    money.Amount `json:"estimated_fees"`
	Confidence       float64      `json:"confidence"`
	RiskFlags        []string     `json:"risk_flags,omitempty"`
	RequiresApproval bool         `json:"requires_approval"`
	Status           string       `json:"status"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Executable reports whether the plan may be handed to the worker
func (p *Plan) Executable() bool {
	if p.Status == PlanApproved {
		return true
	}
	return p.Status == PlanDraft && !p.RequiresApproval
}

// QuotaScopes lists every quota scope a batch for this account and bank
// charges: the treasury-account cap and the bank-wide cap. Each configured
// scope must pass independently.
func QuotaScopes(bankID, accountID string) []string {
	scopes := []string{"treasury:" + accountID}
	if bankID != "" {
		scopes = append(scopes, "bank:"+bankID)
	}
	return scopes
}

// QuotaScopes lists the quota scopes this plan charges at execution
func (p *Plan) QuotaScopes() []string {
	return QuotaScopes(p.BankID, p.AccountID)
}

// Schedule links one payout into one plan. At most one scheduled row per
// payout, enforced by a partial unique index.
type Schedule struct {
	PayoutID    uuid.UUID `json:"payout_id"`
	PlanID      uuid.UUID `json:"plan_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Priority    int       `json:"priority"`
	Status      string    `json:"status"`
}

// HistoryRecord is the audit trail of scheduling decisions for one payout
type HistoryRecord struct {
	ID        uuid.UUID `json:"id"`
	PayoutID  uuid.UUID `json:"payout_id"`
	PlanID    uuid.UUID `json:"plan_id"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Batch is one real execution of a plan
type Batch struct {
	ID        uuid.UUID    `json:"id"`
	PlanID    uuid.UUID    `json:"plan_id"`
	Reference string       `json:"reference"`
	ItemCount int          `json:"item_count"`
	Total     money.Amount `json:"total"`
	Status    string       `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
}

// NewPlanReference builds a human-auditable plan reference
func NewPlanReference(now time.Time) string {
	return fmt.Sprintf("PLAN-%s-%s", now.UTC().Format("20060102"), randomSuffix(4))
}

// NewBatchReference builds a batch execution reference
func NewBatchReference(now time.Time) string {
	return fmt.Sprintf("BATCH-%s-%s", now.UTC().Format("20060102"), randomSuffix(4))
}

func randomSuffix(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(b)
}
