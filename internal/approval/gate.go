package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/terminal-bench/payflow/internal/auth"
)

// Entity types the gate can guard
const (
	EntityPayout    = "payout"
	EntityBatchPlan = "batch_plan"
)

// Approval statuses
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusExpired  = "expired"
)

var (
	ErrNotFound        = errors.New("approval not found")
	ErrDuplicateSigner = errors.New("actor already approved this entity")
	ErrRoleNotAllowed  = errors.New("actor role is not allowed to approve")
	ErrAlreadyResolved = errors.New("approval is already resolved")
	ErrUnknownEntity   = errors.New("unknown approval entity type")
)

// Signature is one recorded approval
type Signature struct {
	Actor    string    `json:"actor"`
	Role     string    `json:"role"`
	SignedAt time.Time `json:"signed_at"`
}

// Approval is a multi-signature approval record attached to a payout or a
// batch plan.
type Approval struct {
	ID            uuid.UUID   `json:"id"`
	EntityType    string      `json:"entity_type"`
	EntityID      uuid.UUID   `json:"entity_id"`
	RequiredCount int         `json:"required_count"`
	AllowedRoles  []string    `json:"allowed_roles,omitempty"`
	Signatures    []Signature `json:"signatures"`
	Status        string      `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Policy is the signer requirement for one entity type
type Policy struct {
	RequiredCount int
	AllowedRoles  []string
}

// Target is what happens to the underlying entity when its approval
// completes or is rejected. Registered per entity type; the gate itself is
// entity-agnostic.
type Target interface {
	Approved(ctx context.Context, entityID uuid.UUID, actor auth.Actor) error
	Rejected(ctx context.Context, entityID uuid.UUID, actor auth.Actor, reason string) error
}

// Store persists approvals. Mutations run under a row lock keyed by
// (entity_type, entity_id).
type Store interface {
	// GetOrCreate loads the approval for the entity, creating it with the
	// given policy if none exists yet.
	GetOrCreate(ctx context.Context, entityType string, entityID uuid.UUID, policy Policy) (*Approval, error)
	Get(ctx context.Context, entityType string, entityID uuid.UUID) (*Approval, error)
	// Sign appends a signature and updates status atomically. Returns
	// ErrDuplicateSigner when the actor already signed.
	Sign(ctx context.Context, approvalID uuid.UUID, sig Signature, newStatus string) error
	// Resolve finalizes the approval status (rejected/expired).
	Resolve(ctx context.Context, approvalID uuid.UUID, status string) error
}

// Gate records approval signatures and fires the per-entity completion
// behavior once the required count is reached.
type Gate struct {
	store    Store
	policies map[string]Policy
	targets  map[string]Target
	now      func() time.Time
}

// NewGate creates an approval gate with per-entity-type policies
func NewGate(store Store, policies map[string]Policy) *Gate {
	return &Gate{
		store:    store,
		policies: policies,
		targets:  make(map[string]Target),
		now:      time.Now,
	}
}

// WithClock overrides the gate clock, for tests
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// RegisterTarget binds the completion behavior for an entity type
func (g *Gate) RegisterTarget(entityType string, target Target) {
	g.targets[entityType] = target
}

// Require ensures a pending approval row exists for the entity, without
// recording any signature. Idempotent.
func (g *Gate) Require(ctx context.Context, entityType string, entityID uuid.UUID) (*Approval, error) {
	policy, ok := g.policies[entityType]
	if !ok {
		return nil, ErrUnknownEntity
	}
	return g.store.GetOrCreate(ctx, entityType, entityID, policy)
}

// roleAllowed applies the weaker required-roles reading: every signer's role
// must be drawn from the allowed set, with no demand that the set be covered
// by distinct roles.
func roleAllowed(allowed []string, role string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}

// complete reports whether the signature count satisfies the requirement
func complete(required int, signatures []Signature) bool {
	return len(signatures) >= required
}

// AddApproval records one signature by actor. It rejects duplicate signers
// and disallowed roles, and flips the approval (and the underlying entity)
// to approved once the required count is reached. Returns true when this
// signature completed the approval.
func (g *Gate) AddApproval(ctx context.Context, entityType string, entityID uuid.UUID, actor auth.Actor) (bool, error) {
	policy, ok := g.policies[entityType]
	if !ok {
		return false, ErrUnknownEntity
	}

	a, err := g.store.GetOrCreate(ctx, entityType, entityID, policy)
	if err != nil {
		return false, err
	}

	if a.Status != StatusPending {
		return false, fmt.Errorf("%w: status is %s", ErrAlreadyResolved, a.Status)
	}
	if !roleAllowed(a.AllowedRoles, actor.Role) {
		return false, fmt.Errorf("%w: role %q", ErrRoleNotAllowed, actor.Role)
	}
	for _, sig := range a.Signatures {
		if sig.Actor == actor.ID {
			return false, ErrDuplicateSigner
		}
	}

	sig := Signature{Actor: actor.ID, Role: actor.Role, SignedAt: g.now()}
	signatures := append(a.Signatures, sig)

	newStatus := StatusPending
	if complete(a.RequiredCount, signatures) {
		newStatus = StatusApproved
	}

	if err := g.store.Sign(ctx, a.ID, sig, newStatus); err != nil {
		return false, err
	}

	if newStatus != StatusApproved {
		return false, nil
	}

	target, ok := g.targets[entityType]
	if !ok {
		return true, nil
	}
	if err := target.Approved(ctx, entityID, actor); err != nil {
		return true, fmt.Errorf("approval complete but entity transition failed: %w", err)
	}
	return true, nil
}

// RejectEntity terminally rejects the approval and propagates the rejection
// to the underlying entity.
func (g *Gate) RejectEntity(ctx context.Context, entityType string, entityID uuid.UUID, actor auth.Actor, reason string) error {
	policy, ok := g.policies[entityType]
	if !ok {
		return ErrUnknownEntity
	}

	a, err := g.store.GetOrCreate(ctx, entityType, entityID, policy)
	if err != nil {
		return err
	}
	if a.Status != StatusPending {
		return fmt.Errorf("%w: status is %s", ErrAlreadyResolved, a.Status)
	}
	if !roleAllowed(a.AllowedRoles, actor.Role) {
		return fmt.Errorf("%w: role %q", ErrRoleNotAllowed, actor.Role)
	}

	if err := g.store.Resolve(ctx, a.ID, StatusRejected); err != nil {
		return err
	}

	target, ok := g.targets[entityType]
	if !ok {
		return nil
	}
	if err := target.Rejected(ctx, entityID, actor, reason); err != nil {
		return fmt.Errorf("approval rejected but entity transition failed: %w", err)
	}
	return nil
}

// Get returns the approval record for an entity
func (g *Gate) Get(ctx context.Context, entityType string, entityID uuid.UUID) (*Approval, error) {
	return g.store.Get(ctx, entityType, entityID)
}
