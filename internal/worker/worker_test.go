package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/payflow/internal/payouts"
)

// memoryQueue is an in-memory JobQueue for pool tests
type memoryQueue struct {
	mu        sync.Mutex
	jobs      []Job
	completed []uuid.UUID
	retried   []uuid.UUID
	buried    []uuid.UUID
}

func (q *memoryQueue) Claim(ctx context.Context, limit int) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit > len(q.jobs) {
		limit = len(q.jobs)
	}
	claimed := q.jobs[:limit]
	q.jobs = q.jobs[limit:]
	return claimed, nil
}

func (q *memoryQueue) Complete(ctx context.Context, jobID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = append(q.completed, jobID)
	return nil
}

func (q *memoryQueue) Retry(ctx context.Context, jobID uuid.UUID, runAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retried = append(q.retried, jobID)
	return nil
}

func (q *memoryQueue) Bury(ctx context.Context, jobID uuid.UUID, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buried = append(q.buried, jobID)
	return nil
}

func (q *memoryQueue) ReapExpired(ctx context.Context) (int, error) {
	return 0, nil
}

// scriptedProcessor returns a per-payout result
type scriptedProcessor struct {
	mu      sync.Mutex
	results map[uuid.UUID]error
	calls   map[uuid.UUID]int
}

func newScriptedProcessor() *scriptedProcessor {
	return &scriptedProcessor{
		results: make(map[uuid.UUID]error),
		calls:   make(map[uuid.UUID]int),
	}
}

func (p *scriptedProcessor) Process(ctx context.Context, id uuid.UUID) (payouts.Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[id]++
	if err := p.results[id]; err != nil {
		return payouts.Outcome{}, err
	}
	return payouts.Outcome{Status: payouts.StatusSent}, nil
}

func TestPoolDrain(t *testing.T) {
	ctx := context.Background()

	t.Run("should process and retire every due job", func(t *testing.T) {
		queue := &memoryQueue{}
		proc := newScriptedProcessor()
		var ids []uuid.UUID
		for i := 0; i < 5; i++ {
			id := uuid.New()
			ids = append(ids, id)
			queue.jobs = append(queue.jobs, Job{ID: uuid.New(), PayoutID: id})
		}

		pool := NewPool(queue, proc, nil, Config{Concurrency: 3, BatchSize: 2})
		require.NoError(t, pool.drain(ctx))

		assert.Len(t, queue.completed, 5)
		for _, id := range ids {
			assert.Equal(t, 1, proc.calls[id])
		}
	})

	t.Run("should retire stale deliveries without retrying", func(t *testing.T) {
		queue := &memoryQueue{}
		proc := newScriptedProcessor()
		id := uuid.New()
		proc.results[id] = fmt.Errorf("guard: %w", payouts.ErrAlreadyProcessed)
		queue.jobs = []Job{{ID: uuid.New(), PayoutID: id}}

		pool := NewPool(queue, proc, nil, Config{})
		require.NoError(t, pool.drain(ctx))

		assert.Len(t, queue.completed, 1)
		assert.Empty(t, queue.retried)
		assert.Empty(t, queue.buried)
	})

	t.Run("should requeue on unexpected errors", func(t *testing.T) {
		queue := &memoryQueue{}
		proc := newScriptedProcessor()
		id := uuid.New()
		proc.results[id] = errors.New("store unavailable")
		queue.jobs = []Job{{ID: uuid.New(), PayoutID: id}}

		pool := NewPool(queue, proc, nil, Config{MaxJobAttempts: 10})
		require.NoError(t, pool.drain(ctx))

		assert.Empty(t, queue.completed)
		assert.Len(t, queue.retried, 1)
	})

	t.Run("should bury a job at the attempt ceiling", func(t *testing.T) {
		queue := &memoryQueue{}
		proc := newScriptedProcessor()
		id := uuid.New()
		proc.results[id] = errors.New("store unavailable")
		queue.jobs = []Job{{ID: uuid.New(), PayoutID: id, Attempts: 9}}

		pool := NewPool(queue, proc, nil, Config{MaxJobAttempts: 10})
		require.NoError(t, pool.drain(ctx))

		assert.Len(t, queue.buried, 1)
		assert.Empty(t, queue.retried)
	})
}
