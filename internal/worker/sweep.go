package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

const sweepLockKey = "/payflow/locks/schedule-sweep"

// Stranded is an executed schedule whose payout never reached the queue
type Stranded struct {
	PayoutID    uuid.UUID
	Priority    int
	ScheduledAt time.Time
}

// StrandedFinder selects executed schedules past the grace period whose
// payout is still runnable and has no queued or leased job.
type StrandedFinder interface {
	FindStranded(ctx context.Context, grace time.Duration) ([]Stranded, error)
}

// sweepEnqueuer is the slice of Queue the sweep needs
type sweepEnqueuer interface {
	Enqueue(ctx context.Context, payoutID uuid.UUID, priority int, runAt time.Time) error
}

// Sweep recovers payouts stranded between a plan execution commit and the
// queue pushes: executed schedule rows whose payout never got a job. One
// sweeper runs at a time, coordinated through an etcd mutex.
type Sweep struct {
	finder   StrandedFinder
	queue    sweepEnqueuer
	etcd     *clientv3.Client
	grace    time.Duration
	interval time.Duration
	now      func() time.Time
}

// NewSweep creates a schedule sweeper. grace is how long after the planned
// execution time a missing job is considered lost rather than in flight.
func NewSweep(db *sql.DB, queue *Queue, etcd *clientv3.Client, grace, interval time.Duration) *Sweep {
	if grace <= 0 {
		grace = 10 * time.Minute
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweep{
		finder:   &postgresStrandedFinder{db: db},
		queue:    queue,
		etcd:     etcd,
		grace:    grace,
		interval: interval,
		now:      time.Now,
	}
}

// Run sweeps on the configured interval until ctx is cancelled
func (s *Sweep) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := s.Once(ctx); err != nil {
				log.Printf("sweep: pass failed: %v", err)
			} else if n > 0 {
				log.Printf("sweep: re-enqueued %d stranded payouts", n)
			}
		}
	}
}

// Once runs a single sweep pass under the cluster lock. Returns the number
// of payouts re-enqueued; zero with no error when another sweeper holds the
// lock.
func (s *Sweep) Once(ctx context.Context) (int, error) {
	session, err := concurrency.NewSession(s.etcd, concurrency.WithTTL(30), concurrency.WithContext(ctx))
	if err != nil {
		return 0, fmt.Errorf("failed to open etcd session: %w", err)
	}
	defer session.Close()

	mutex := concurrency.NewMutex(session, sweepLockKey)
	if err := mutex.TryLock(ctx); err != nil {
		if errors.Is(err, concurrency.ErrLocked) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to acquire sweep lock: %w", err)
	}
	defer mutex.Unlock(context.WithoutCancel(ctx))

	return s.sweep(ctx)
}

// sweep re-enqueues every stranded schedule the finder reports
func (s *Sweep) sweep(ctx context.Context) (int, error) {
	found, err := s.finder.FindStranded(ctx, s.grace)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, st := range found {
		if err := s.queue.Enqueue(ctx, st.PayoutID, st.Priority, s.now()); err != nil {
			log.Printf("sweep: failed to re-enqueue %s: %v", st.PayoutID, err)
			continue
		}
		count++
	}
	return count, nil
}

type postgresStrandedFinder struct {
	db *sql.DB
}

func (f *postgresStrandedFinder) FindStranded(ctx context.Context, grace time.Duration) ([]Stranded, error) {
	rows, err := f.db.QueryContext(ctx,
		`SELECT sch.payout_id, sch.priority, sch.scheduled_at
		 FROM payout_schedules sch
		 JOIN payouts p ON p.id = sch.payout_id
		 WHERE sch.status = 'executed'
		   AND sch.scheduled_at < NOW() - $1::interval
		   AND p.status IN ('pending', 'scheduled', 'failed')
		   AND NOT EXISTS (
		     SELECT 1 FROM payout_jobs j
		     WHERE j.payout_id = sch.payout_id AND j.status IN ('queued', 'leased')
		   )`,
		fmt.Sprintf("%d seconds", int(grace.Seconds())),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query stranded schedules: %w", err)
	}
	defer rows.Close()

	var found []Stranded
	for rows.Next() {
		var st Stranded
		if err := rows.Scan(&st.PayoutID, &st.Priority, &st.ScheduledAt); err != nil {
			return nil, fmt.Errorf("failed to scan stranded schedule: %w", err)
		}
		found = append(found, st)
	}
	return found, rows.Err()
}
