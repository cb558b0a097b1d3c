package approval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresStore is the production approval Store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgresStore
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetOrCreate(ctx context.Context, entityType string, entityID uuid.UUID, policy Policy) (*Approval, error) {
	now := time.Now()
	// Insert-first keeps concurrent callers on the same row
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (id, entity_type, entity_id, required_count, allowed_roles, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		 ON CONFLICT (entity_type, entity_id) DO NOTHING`,
		uuid.New(), entityType, entityID, policy.RequiredCount, pq.Array(policy.AllowedRoles), StatusPending, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create approval: %w", err)
	}
	return s.Get(ctx, entityType, entityID)
}

func (s *PostgresStore) Get(ctx context.Context, entityType string, entityID uuid.UUID) (*Approval, error) {
	var a Approval
	var roles pq.StringArray
	err := s.db.QueryRowContext(ctx,
		`SELECT id, entity_type, entity_id, required_count, allowed_roles, status, created_at, updated_at
		 FROM approvals WHERE entity_type = $1 AND entity_id = $2`,
		entityType, entityID,
	).Scan(&a.ID, &a.EntityType, &a.EntityID, &a.RequiredCount, &roles, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get approval: %w", err)
	}
	a.AllowedRoles = roles

	rows, err := s.db.QueryContext(ctx,
		`SELECT actor, role, signed_at FROM approval_signatures WHERE approval_id = $1 ORDER BY signed_at ASC`,
		a.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query signatures: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sig Signature
		if err := rows.Scan(&sig.Actor, &sig.Role, &sig.SignedAt); err != nil {
			return nil, fmt.Errorf("failed to scan signature: %w", err)
		}
		a.Signatures = append(a.Signatures, sig)
	}
	return &a, rows.Err()
}

func (s *PostgresStore) Sign(ctx context.Context, approvalID uuid.UUID, sig Signature, newStatus string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Lock the approval row so two signers cannot race the status flip
	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM approvals WHERE id = $1 FOR UPDATE`, approvalID,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock approval: %w", err)
	}
	if status != StatusPending {
		return fmt.Errorf("%w: status is %s", ErrAlreadyResolved, status)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO approval_signatures (approval_id, actor, role, signed_at) VALUES ($1, $2, $3, $4)`,
		approvalID, sig.Actor, sig.Role, sig.SignedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateSigner
		}
		return fmt.Errorf("failed to record signature: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE approvals SET status = $1, updated_at = $2 WHERE id = $3`,
		newStatus, sig.SignedAt, approvalID,
	)
	if err != nil {
		return fmt.Errorf("failed to update approval status: %w", err)
	}

	return tx.Commit()
}

func (s *PostgresStore) Resolve(ctx context.Context, approvalID uuid.UUID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		status, time.Now(), approvalID, StatusPending,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve approval: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrAlreadyResolved
	}
	return nil
}
