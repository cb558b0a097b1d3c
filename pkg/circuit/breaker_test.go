package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerClosed(t *testing.T) {
	t.Run("should allow requests when closed", func(t *testing.T) {
		b := NewBreaker(Config{MaxFailures: 3, Timeout: time.Second})

		err := b.Execute(context.Background(), func() error { return nil })

		assert.NoError(t, err)
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("should reset failure count on success", func(t *testing.T) {
		b := NewBreaker(Config{MaxFailures: 3, Timeout: time.Second})

		b.Execute(context.Background(), func() error { return errors.New("boom") })
		b.Execute(context.Background(), func() error { return errors.New("boom") })
		b.Execute(context.Background(), func() error { return nil })

		assert.Equal(t, 0, b.Failures())
		assert.Equal(t, StateClosed, b.State())
	})
}

func TestBreakerOpen(t *testing.T) {
	trip := func(b *Breaker) {
		for i := 0; i < 3; i++ {
			b.Execute(context.Background(), func() error { return errors.New("boom") })
		}
	}

	t.Run("should open after max failures", func(t *testing.T) {
		b := NewBreaker(Config{MaxFailures: 3, Timeout: time.Second})
		trip(b)
		assert.Equal(t, StateOpen, b.State())
	})

	t.Run("should reject requests when open", func(t *testing.T) {
		b := NewBreaker(Config{MaxFailures: 3, Timeout: time.Second})
		trip(b)

		err := b.Execute(context.Background(), func() error { return nil })
		assert.ErrorIs(t, err, ErrCircuitOpen)
	})

	t.Run("should notify state changes", func(t *testing.T) {
		var transitions []State
		b := NewBreaker(Config{
			MaxFailures: 3,
			Timeout:     time.Second,
			OnStateChange: func(from, to State) {
				transitions = append(transitions, to)
			},
		})
		trip(b)
		assert.Equal(t, []State{StateOpen}, transitions)
	})
}

func TestBreakerHalfOpen(t *testing.T) {
	t.Run("should probe after timeout and close on success", func(t *testing.T) {
		b := NewBreaker(Config{MaxFailures: 1, Timeout: 10 * time.Millisecond, HalfOpenMax: 1})

		b.Execute(context.Background(), func() error { return errors.New("boom") })
		assert.Equal(t, StateOpen, b.State())

		time.Sleep(20 * time.Millisecond)

		err := b.Execute(context.Background(), func() error { return nil })
		assert.NoError(t, err)
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("should reopen when probe fails", func(t *testing.T) {
		b := NewBreaker(Config{MaxFailures: 1, Timeout: 10 * time.Millisecond, HalfOpenMax: 1})

		b.Execute(context.Background(), func() error { return errors.New("boom") })
		time.Sleep(20 * time.Millisecond)

		b.Execute(context.Background(), func() error { return errors.New("still down") })
		assert.Equal(t, StateOpen, b.State())
	})
}

func TestBreakerGroup(t *testing.T) {
	t.Run("should isolate breakers by name", func(t *testing.T) {
		g := NewBreakerGroup(Config{MaxFailures: 1, Timeout: time.Minute})

		g.Execute(context.Background(), "bank-a", func() error { return errors.New("boom") })

		assert.Equal(t, StateOpen, g.Get("bank-a").State())
		assert.Equal(t, StateClosed, g.Get("bank-b").State())
	})
}
