package messaging

import (
	"time"

	"github.com/google/uuid"
)

// Event subjects
const (
	SubjectPayoutCreated   = "payouts.created"
	SubjectPayoutApproved  = "payouts.approved"
	SubjectPayoutRejected  = "payouts.rejected"
	SubjectPayoutCancelled = "payouts.cancelled"
	SubjectPayoutSent      = "payouts.sent"
	SubjectPayoutRetry     = "payouts.retry_scheduled"
	SubjectPayoutFailed    = "payouts.failed"
	SubjectPayoutSettled   = "payouts.settled"

	SubjectPlanCreated  = "plans.created"
	SubjectPlanApproved = "plans.approved"
	SubjectPlanRejected = "plans.rejected"
	SubjectPlanExecuted = "plans.executed"

	SubjectJobsWake = "jobs.wake"

	SubjectRoutingPick = "routing.pick"
	SubjectRoutingPlan = "routing.plan"

	SubjectReconLines     = "recon.lines"
	SubjectReconUnmatched = "recon.unmatched"

	SubjectTreasuryEntry = "treasury.entry"
)

// PayoutEvent is published on every payout state transition. Amounts are
// strings to keep fixed-point precision on the wire.
type PayoutEvent struct {
	PayoutID     uuid.UUID `json:"payout_id"`
	Reference    string    `json:"reference"`
	Status       string    `json:"status"`
	Amount       string    `json:"amount"`
	Currency     string    `json:"currency"`
	TotalDebited string    `json:"total_debited,omitempty"`
	ProviderRef  string    `json:"provider_ref,omitempty"`
	Attempts     int       `json:"attempts,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Actor        string    `json:"actor,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// PlanEvent is published on batch plan transitions
type PlanEvent struct {
	PlanID         uuid.UUID `json:"plan_id"`
	Reference      string    `json:"reference"`
	Status         string    `json:"status"`
	ItemCount      int       `json:"item_count"`
	EstimatedTotal string    `json:"estimated_total"`
	Currency       string    `json:"currency"`
	PlannedFor     time.Time `json:"planned_for"`
	Timestamp      time.Time `json:"timestamp"`
}

// JobWakeEvent nudges worker pollers after jobs were enqueued. The durable
// queue is the source of truth; losing a wake only delays pickup until the
// next poll.
type JobWakeEvent struct {
	PayoutIDs []uuid.UUID `json:"payout_ids"`
	RunAt     time.Time   `json:"run_at"`
}

// TreasuryEntryEvent is published on every treasury book entry
type TreasuryEntryEvent struct {
	EntryID     uuid.UUID `json:"entry_id"`
	AccountCode string    `json:"account_code"`
	Type        string    `json:"type"`
	Amount      string    `json:"amount"`
	Balance     string    `json:"balance"`
	Reference   string    `json:"reference"`
	CreatedAt   time.Time `json:"created_at"`
}

// ReconUnmatchedEvent flags a statement line with no matching payout
type ReconUnmatchedEvent struct {
	Reference   string    `json:"reference"`
	ProviderRef string    `json:"provider_ref"`
	SettledAt   time.Time `json:"settled_at"`
}
