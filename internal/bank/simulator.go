package bank

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Simulator is a stand-in connector for environments without a live bank
// link. It acknowledges transfers after a short latency and fails a
// configurable fraction of them.
type Simulator struct {
	Latency  time.Duration
	FailRate float64

	mu   sync.Mutex
	rng  *rand.Rand
	sent map[uuid.UUID]string
}

// NewSimulator creates a simulator with the given failure rate in [0,1]
func NewSimulator(latency time.Duration, failRate float64) *Simulator {
	return &Simulator{
		Latency:  latency,
		FailRate: failRate,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		sent:     make(map[uuid.UUID]string),
	}
}

func (s *Simulator) Send(ctx context.Context, req TransferRequest) (string, error) {
	select {
	case <-time.After(s.Latency):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Same payout resent after a crash gets the same provider reference
	if ref, ok := s.sent[req.PayoutID]; ok {
		return ref, nil
	}

	if s.rng.Float64() < s.FailRate {
		return "", fmt.Errorf("%w: simulated settlement failure", ErrTransferRejected)
	}

	ref := fmt.Sprintf("SIM-%s-%06d", req.BankID, s.rng.Intn(1000000))
	s.sent[req.PayoutID] = ref
	return ref, nil
}
