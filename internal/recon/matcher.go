package recon

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/terminal-bench/payflow/internal/payouts"
	"github.com/terminal-bench/payflow/pkg/messaging"
)

// Line is one bank statement line to reconcile
type Line struct {
	Reference   string    `json:"reference"`
	ProviderRef string    `json:"provider_ref"`
	SettledAt   time.Time `json:"settled_at"`
}

// Exception is a statement line with no matching sent payout, parked for
// manual investigation.
type Exception struct {
	ID          uuid.UUID `json:"id"`
	Reference   string    `json:"reference"`
	ProviderRef string    `json:"provider_ref"`
	SettledAt   time.Time `json:"settled_at"`
	Reason      string    `json:"reason"`
	Resolved    bool      `json:"resolved"`
	CreatedAt   time.Time `json:"created_at"`
}

// PayoutSettler is the payout surface the matcher needs. Satisfied by
// *payouts.Service.
type PayoutSettler interface {
	FindSentByReference(ctx context.Context, reference, providerRef string) (*payouts.Payout, error)
	Settle(ctx context.Context, id uuid.UUID, settledAt time.Time) (*payouts.Payout, error)
}

// ExceptionStore parks unmatched lines
type ExceptionStore interface {
	Record(ctx context.Context, e Exception) error
	List(ctx context.Context, unresolvedOnly bool, limit int) ([]Exception, error)
	Resolve(ctx context.Context, id uuid.UUID) error
}

// EventPublisher publishes domain events. Satisfied by messaging.Client.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
}

// Result summarizes one reconciliation pass
type Result struct {
	Matched   int `json:"matched"`
	Unmatched int `json:"unmatched"`
	Errors    int `json:"errors"`
}

// Matcher settles sent payouts against incoming bank statement lines
type Matcher struct {
	payouts    PayoutSettler
	exceptions ExceptionStore
	events     EventPublisher
	now        func() time.Time
}

// NewMatcher creates a reconciliation matcher. events may be nil.
func NewMatcher(settler PayoutSettler, exceptions ExceptionStore, events EventPublisher) *Matcher {
	return &Matcher{payouts: settler, exceptions: exceptions, events: events, now: time.Now}
}

// WithClock overrides the matcher clock, for tests
func (m *Matcher) WithClock(now func() time.Time) *Matcher {
	m.now = now
	return m
}

// MatchLine reconciles one statement line: a sent payout matching the
// reference or provider reference settles at the line's timestamp; a miss
// is parked as an exception. Returns true when the line matched.
func (m *Matcher) MatchLine(ctx context.Context, line Line) (bool, error) {
	p, err := m.payouts.FindSentByReference(ctx, line.Reference, line.ProviderRef)
	if errors.Is(err, payouts.ErrNotFound) {
		if perr := m.park(ctx, line, "no sent payout matches this line"); perr != nil {
			return false, perr
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if _, err := m.payouts.Settle(ctx, p.ID, line.SettledAt); err != nil {
		// Raced with another matcher; the payout is settled either way
		if errors.Is(err, payouts.ErrInvalidState) {
			return true, nil
		}
		return false, err
	}
	return true, nil
}

// MatchBatch reconciles a batch of lines, reporting per-batch counts. One
// bad line does not abort the rest.
func (m *Matcher) MatchBatch(ctx context.Context, lines []Line) Result {
	var r Result
	for _, line := range lines {
		matched, err := m.MatchLine(ctx, line)
		switch {
		case err != nil:
			log.Printf("recon: failed to match line %s/%s: %v", line.Reference, line.ProviderRef, err)
			r.Errors++
		case matched:
			r.Matched++
		default:
			r.Unmatched++
		}
	}
	return r
}

// ConsumeFeed subscribes to the statement line stream. Each message is one
// line or a batch of lines.
func (m *Matcher) ConsumeFeed(client *messaging.Client) error {
	return client.QueueSubscribe(messaging.SubjectReconLines, "payflow-recon", func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var lines []Line
		if err := json.Unmarshal(msg.Data, &lines); err != nil {
			var single Line
			if err := json.Unmarshal(msg.Data, &single); err != nil {
				log.Printf("recon: undecodable statement line: %v", err)
				return
			}
			lines = []Line{single}
		}
		m.MatchBatch(ctx, lines)
	})
}

func (m *Matcher) park(ctx context.Context, line Line, reason string) error {
	e := Exception{
		ID:          uuid.New(),
		Reference:   line.Reference,
		ProviderRef: line.ProviderRef,
		SettledAt:   line.SettledAt,
		Reason:      reason,
		CreatedAt:   m.now(),
	}
	if err := m.exceptions.Record(ctx, e); err != nil {
		return err
	}

	if m.events != nil {
		evt := messaging.ReconUnmatchedEvent{
			Reference:   line.Reference,
			ProviderRef: line.ProviderRef,
			SettledAt:   line.SettledAt,
		}
		if err := m.events.Publish(ctx, messaging.SubjectReconUnmatched, evt); err != nil {
			log.Printf("recon: failed to publish unmatched event for %s: %v", line.Reference, err)
		}
	}
	return nil
}
