package worker

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/terminal-bench/payflow/pkg/messaging"
)

// Job statuses
const (
	jobQueued = "queued"
	jobLeased = "leased"
	jobDone   = "done"
	jobDead   = "dead"
)

// Job is one delivery of a payout to the execution worker. Delivery is
// at-least-once; the payout status guard makes the business effect
// exactly-once.
type Job struct {
	ID       uuid.UUID `json:"id"`
	PayoutID uuid.UUID `json:"payout_id"`
	Priority int       `json:"priority"`
	RunAt    time.Time `json:"run_at"`
	Attempts int       `json:"attempts"`
}

// Queue is the durable, priority-ordered job queue backed by the
// payout_jobs table. Jobs become claimable once run_at passes; claims take
// a lease so a crashed worker's jobs return to the pool.
type Queue struct {
	db     *sql.DB
	events *messaging.Client
	lease  time.Duration
}

// NewQueue creates the durable queue. events may be nil; when set, every
// enqueue publishes a wake so pollers pick the job up before the next tick.
func NewQueue(db *sql.DB, events *messaging.Client, lease time.Duration) *Queue {
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	return &Queue{db: db, events: events, lease: lease}
}

// Enqueue adds one job. Lower priority runs first; runAt delays pickup.
func (q *Queue) Enqueue(ctx context.Context, payoutID uuid.UUID, priority int, runAt time.Time) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO payout_jobs (id, payout_id, priority, run_at, status, attempts, created_at)
		 VALUES ($1, $2, $3, $4, $5, 0, NOW())`,
		uuid.New(), payoutID, priority, runAt.UTC(), jobQueued,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue payout %s: %w", payoutID, err)
	}

	if q.events != nil {
		wake := messaging.JobWakeEvent{PayoutIDs: []uuid.UUID{payoutID}, RunAt: runAt.UTC()}
		if err := q.events.Publish(ctx, messaging.SubjectJobsWake, wake); err != nil {
			log.Printf("worker: failed to publish wake for %s: %v", payoutID, err)
		}
	}
	return nil
}

// Claim leases up to limit due jobs, ordered by priority then run time.
// SKIP LOCKED keeps concurrent pollers from claiming the same rows.
func (q *Queue) Claim(ctx context.Context, limit int) ([]Job, error) {
	rows, err := q.db.QueryContext(ctx,
		`WITH due AS (
		   SELECT id FROM payout_jobs
		   WHERE status = $1 AND run_at <= NOW()
		   ORDER BY priority ASC, run_at ASC
		   LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 UPDATE payout_jobs j
		 SET status = $3, leased_until = $4
		 FROM due WHERE j.id = due.id
		 RETURNING j.id, j.payout_id, j.priority, j.run_at, j.attempts`,
		jobQueued, limit, jobLeased, time.Now().Add(q.lease).UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.PayoutID, &j.Priority, &j.RunAt, &j.Attempts); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Complete retires a delivered job
func (q *Queue) Complete(ctx context.Context, jobID uuid.UUID) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE payout_jobs SET status = $1, leased_until = NULL, completed_at = NOW() WHERE id = $2`,
		jobDone, jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", jobID, err)
	}
	return nil
}

// Retry returns a leased job to the pool at runAt
func (q *Queue) Retry(ctx context.Context, jobID uuid.UUID, runAt time.Time) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE payout_jobs SET status = $1, run_at = $2, attempts = attempts + 1, leased_until = NULL
		 WHERE id = $3`,
		jobQueued, runAt.UTC(), jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to retry job %s: %w", jobID, err)
	}
	return nil
}

// Bury parks a job that keeps failing at the queue level, for operator
// inspection. The payout itself is handled separately by the status machine.
func (q *Queue) Bury(ctx context.Context, jobID uuid.UUID, reason string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE payout_jobs SET status = $1, last_error = $2, leased_until = NULL WHERE id = $3`,
		jobDead, reason, jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to bury job %s: %w", jobID, err)
	}
	return nil
}

// ReapExpired returns jobs whose lease lapsed to the queued pool
func (q *Queue) ReapExpired(ctx context.Context) (int, error) {
	result, err := q.db.ExecContext(ctx,
		`UPDATE payout_jobs SET status = $1, leased_until = NULL
		 WHERE status = $2 AND leased_until < NOW()`,
		jobQueued, jobLeased,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reap expired leases: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// HasActiveJob reports whether the payout already sits in the queue
func (q *Queue) HasActiveJob(ctx context.Context, payoutID uuid.UUID) (bool, error) {
	var exists bool
	err := q.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM payout_jobs WHERE payout_id = $1 AND status IN ($2, $3)
		 )`,
		payoutID, jobQueued, jobLeased,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check active job: %w", err)
	}
	return exists, nil
}
