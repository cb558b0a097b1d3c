package recon

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// PostgresExceptions stores unmatched lines in recon_exceptions
type PostgresExceptions struct {
	db *sql.DB
}

// NewPostgresExceptions creates a Postgres-backed exception store
func NewPostgresExceptions(db *sql.DB) *PostgresExceptions {
	return &PostgresExceptions{db: db}
}

func (s *PostgresExceptions) Record(ctx context.Context, e Exception) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recon_exceptions (id, reference, provider_ref, settled_at, reason, resolved, created_at)
		 VALUES ($1, $2, $3, $4, $5, FALSE, $6)`,
		e.ID, e.Reference, e.ProviderRef, e.SettledAt, e.Reason, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record reconciliation exception: %w", err)
	}
	return nil
}

func (s *PostgresExceptions) List(ctx context.Context, unresolvedOnly bool, limit int) ([]Exception, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, reference, provider_ref, settled_at, reason, resolved, created_at
	          FROM recon_exceptions`
	if unresolvedOnly {
		query += ` WHERE resolved = FALSE`
	}
	query += ` ORDER BY created_at DESC LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query exceptions: %w", err)
	}
	defer rows.Close()

	var out []Exception
	for rows.Next() {
		var e Exception
		if err := rows.Scan(&e.ID, &e.Reference, &e.ProviderRef, &e.SettledAt, &e.Reason, &e.Resolved, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan exception: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresExceptions) Resolve(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE recon_exceptions SET resolved = TRUE WHERE id = $1 AND resolved = FALSE`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve exception: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("exception %s not found or already resolved", id)
	}
	return nil
}
