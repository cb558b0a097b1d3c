package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryStrandedFinder is an in-memory StrandedFinder for sweep tests
type memoryStrandedFinder struct {
	stranded []Stranded
	err      error
	grace    time.Duration
}

func (f *memoryStrandedFinder) FindStranded(ctx context.Context, grace time.Duration) ([]Stranded, error) {
	f.grace = grace
	if f.err != nil {
		return nil, f.err
	}
	return f.stranded, nil
}

// recordingEnqueuer records re-enqueued payouts and can fail selectively
type recordingEnqueuer struct {
	mu       sync.Mutex
	calls    []uuid.UUID
	runAts   []time.Time
	failures map[uuid.UUID]error
}

func (q *recordingEnqueuer) Enqueue(ctx context.Context, payoutID uuid.UUID, priority int, runAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.failures[payoutID]; err != nil {
		return err
	}
	q.calls = append(q.calls, payoutID)
	q.runAts = append(q.runAts, runAt)
	return nil
}

func newSweepUnderTest(finder StrandedFinder, queue sweepEnqueuer, now time.Time) *Sweep {
	return &Sweep{
		finder: finder,
		queue:  queue,
		grace:  10 * time.Minute,
		now:    func() time.Time { return now },
	}
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	t.Run("should re-enqueue every stranded payout immediately", func(t *testing.T) {
		a, b := uuid.New(), uuid.New()
		finder := &memoryStrandedFinder{stranded: []Stranded{
			{PayoutID: a, Priority: 3, ScheduledAt: now.Add(-time.Hour)},
			{PayoutID: b, Priority: 7, ScheduledAt: now.Add(-2 * time.Hour)},
		}}
		queue := &recordingEnqueuer{}

		n, err := newSweepUnderTest(finder, queue, now).sweep(ctx)
		require.NoError(t, err)

		assert.Equal(t, 2, n)
		assert.ElementsMatch(t, []uuid.UUID{a, b}, queue.calls)
		for _, runAt := range queue.runAts {
			assert.Equal(t, now, runAt)
		}
		assert.Equal(t, 10*time.Minute, finder.grace)
	})

	t.Run("should report zero when nothing is stranded", func(t *testing.T) {
		queue := &recordingEnqueuer{}

		n, err := newSweepUnderTest(&memoryStrandedFinder{}, queue, now).sweep(ctx)
		require.NoError(t, err)

		assert.Zero(t, n)
		assert.Empty(t, queue.calls)
	})

	t.Run("should keep sweeping past a failed enqueue", func(t *testing.T) {
		a, b, c := uuid.New(), uuid.New(), uuid.New()
		finder := &memoryStrandedFinder{stranded: []Stranded{
			{PayoutID: a, Priority: 1, ScheduledAt: now.Add(-time.Hour)},
			{PayoutID: b, Priority: 1, ScheduledAt: now.Add(-time.Hour)},
			{PayoutID: c, Priority: 1, ScheduledAt: now.Add(-time.Hour)},
		}}
		queue := &recordingEnqueuer{failures: map[uuid.UUID]error{
			b: errors.New("queue unavailable"),
		}}

		n, err := newSweepUnderTest(finder, queue, now).sweep(ctx)
		require.NoError(t, err)

		assert.Equal(t, 2, n)
		assert.ElementsMatch(t, []uuid.UUID{a, c}, queue.calls)
	})

	t.Run("should surface finder failures", func(t *testing.T) {
		finder := &memoryStrandedFinder{err: errors.New("connection reset")}
		queue := &recordingEnqueuer{}

		_, err := newSweepUnderTest(finder, queue, now).sweep(ctx)
		assert.Error(t, err)
		assert.Empty(t, queue.calls)
	})
}
