package payouts

import (
	"context"

	"github.com/google/uuid"

	"github.com/terminal-bench/payflow/internal/auth"
)

// ApprovalTarget adapts the payout service to the approval gate's
// completion callbacks. Register it for the payout entity type.
type ApprovalTarget struct {
	svc *Service
}

// NewApprovalTarget wraps the payout service for gate registration
func NewApprovalTarget(svc *Service) *ApprovalTarget {
	return &ApprovalTarget{svc: svc}
}

// Approved transitions the payout out of pending_approval
func (t *ApprovalTarget) Approved(ctx context.Context, entityID uuid.UUID, actor auth.Actor) error {
	_, err := t.svc.Approve(ctx, entityID, actor)
	return err
}

// Rejected cancels the payout with the rejection reason
func (t *ApprovalTarget) Rejected(ctx context.Context, entityID uuid.UUID, actor auth.Actor, reason string) error {
	_, err := t.svc.Reject(ctx, entityID, actor, reason)
	return err
}
