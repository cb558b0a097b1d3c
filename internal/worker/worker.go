package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/payflow/internal/payouts"
	"github.com/terminal-bench/payflow/pkg/messaging"
)

// JobQueue is the queue surface the pool consumes. Satisfied by *Queue.
type JobQueue interface {
	Claim(ctx context.Context, limit int) ([]Job, error)
	Complete(ctx context.Context, jobID uuid.UUID) error
	Retry(ctx context.Context, jobID uuid.UUID, runAt time.Time) error
	Bury(ctx context.Context, jobID uuid.UUID, reason string) error
	ReapExpired(ctx context.Context) (int, error)
}

// Processor runs one delivery attempt for a payout. Satisfied by
// *payouts.Service.
type Processor interface {
	Process(ctx context.Context, id uuid.UUID) (payouts.Outcome, error)
}

// Config holds the pool tunables
type Config struct {
	Concurrency    int
	PollInterval   time.Duration
	BatchSize      int
	MaxJobAttempts int
}

// Pool pulls jobs off the durable queue and hands them to the payout
// processor. Multiple pools may run against the same queue; row locks and
// the payout status guard keep them from double-processing.
type Pool struct {
	queue JobQueue
	proc  Processor
	msg   *messaging.Client
	cfg   Config
	wake  chan struct{}
}

// NewPool creates a worker pool. msg may be nil; when set, the pool also
// reacts to jobs.wake instead of waiting for the next poll tick.
func NewPool(queue JobQueue, proc Processor, msg *messaging.Client, cfg Config) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.MaxJobAttempts <= 0 {
		cfg.MaxJobAttempts = 10
	}
	return &Pool{
		queue: queue,
		proc:  proc,
		msg:   msg,
		cfg:   cfg,
		wake:  make(chan struct{}, 1),
	}
}

// Run polls the queue until ctx is cancelled
func (p *Pool) Run(ctx context.Context) error {
	if p.msg != nil {
		err := p.msg.QueueSubscribe(messaging.SubjectJobsWake, "payflow-workers", func(msg *nats.Msg) {
			select {
			case p.wake <- struct{}{}:
			default:
			}
		})
		if err != nil {
			log.Printf("worker: wake subscription failed, polling only: %v", err)
		}
	}

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := p.drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("worker: drain failed: %v", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := p.queue.ReapExpired(ctx); err != nil {
				log.Printf("worker: lease reap failed: %v", err)
			} else if n > 0 {
				log.Printf("worker: returned %d expired leases to the pool", n)
			}
		case <-p.wake:
		}
	}
}

// drain claims and processes due jobs until the queue runs empty
func (p *Pool) drain(ctx context.Context) error {
	for {
		jobs, err := p.queue.Claim(ctx, p.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			return nil
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.cfg.Concurrency)
		for _, job := range jobs {
			job := job
			g.Go(func() error {
				p.handle(gctx, job)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
}

// handle runs one job. Retries at the business level are new jobs created
// by the processor; the claimed job itself always retires unless the
// processor failed in a way that says nothing about the payout.
func (p *Pool) handle(ctx context.Context, job Job) {
	_, err := p.proc.Process(ctx, job.PayoutID)

	switch {
	case err == nil:
		p.retire(ctx, job)
	case errors.Is(err, payouts.ErrAlreadyProcessed),
		errors.Is(err, payouts.ErrInvalidState),
		errors.Is(err, payouts.ErrNotFound):
		// Stale delivery; another worker or a cancellation got there first
		p.retire(ctx, job)
	default:
		if job.Attempts+1 >= p.cfg.MaxJobAttempts {
			log.Printf("worker: burying job %s for payout %s: %v", job.ID, job.PayoutID, err)
			if berr := p.queue.Bury(ctx, job.ID, err.Error()); berr != nil {
				log.Printf("worker: failed to bury job %s: %v", job.ID, berr)
			}
			return
		}
		retryAt := time.Now().Add(30 * time.Second)
		if rerr := p.queue.Retry(ctx, job.ID, retryAt); rerr != nil {
			log.Printf("worker: failed to requeue job %s: %v", job.ID, rerr)
		}
	}
}

func (p *Pool) retire(ctx context.Context, job Job) {
	if err := p.queue.Complete(ctx, job.ID); err != nil {
		log.Printf("worker: failed to complete job %s: %v", job.ID, err)
	}
}
