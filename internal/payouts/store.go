package payouts

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/terminal-bench/payflow/pkg/money"
)

// Effects describes what a mutation wants persisted alongside the payout
// row: audit events, hold bookkeeping, and schedule withdrawal. The store
// applies all of it in the same transaction that writes the payout.
type Effects struct {
	Events       []Event
	ReleaseHold  bool
	FinalizeHold *time.Time
	// ReleaseSchedule withdraws the payout's live schedule row and shrinks
	// its plan's aggregates, so a cancelled payout does not linger in a
	// pending batch plan.
	ReleaseSchedule bool
}

// ListFilter narrows List results
type ListFilter struct {
	Status   Status
	Module   string
	Currency string
	Limit    int
}

// Store persists payouts, their events and their holds. Mutations run under
// a row-level exclusive lock so concurrent workers cannot double-process a
// payout.
type Store interface {
	// Create inserts the payout, its hold and its created event in one
	// transaction. The idempotency key is reserved by the service before
	// this runs.
	Create(ctx context.Context, p *Payout, hold *LedgerHold, actor string) error

	Get(ctx context.Context, id uuid.UUID) (*Payout, error)
	List(ctx context.Context, f ListFilter) ([]*Payout, error)

	// FindSentByReference locates a sent payout by reference code or
	// provider reference, for reconciliation.
	FindSentByReference(ctx context.Context, reference, providerRef string) (*Payout, error)

	// Mutate loads the payout under SELECT ... FOR UPDATE, applies fn to it
	// and persists the modified payout plus the returned Effects atomically.
	// Errors from fn abort the transaction with no mutation.
	Mutate(ctx context.Context, id uuid.UUID, fn func(p *Payout) (Effects, error)) (*Payout, error)

	// Events returns the append-only audit trail, oldest first.
	Events(ctx context.Context, payoutID uuid.UUID) ([]Event, error)
}

// LedgerGateway reserves, releases and finalizes funds in the treasury
// ledger. It is an external collaborator of the payout engine.
type LedgerGateway interface {
	CreateHold(ctx context.Context, payoutID uuid.UUID, accountID string, amount money.Amount, currency string) (ref string, err error)
	ReleaseHold(ctx context.Context, ref string) error
	FinalizeHold(ctx context.Context, ref string, settledAt time.Time) error
}
