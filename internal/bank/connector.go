package bank

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/terminal-bench/payflow/pkg/circuit"
	"github.com/terminal-bench/payflow/pkg/money"
)

// ErrTransferRejected indicates the bank refused the transfer outright.
var ErrTransferRejected = errors.New("transfer rejected by bank")

// TransferRequest is the connector-facing view of one payout attempt
type TransferRequest struct {
	PayoutID      uuid.UUID
	Reference     string
	BankID        string
	AccountID     string
	Amount        money.Amount
	Currency      string
	Beneficiary   string
	AccountNumber string
}

// Connector sends a single transfer to a settlement bank. Bank-specific wire
// protocols live behind this interface; implementations must respect ctx
// deadlines.
type Connector interface {
	Send(ctx context.Context, req TransferRequest) (providerRef string, err error)
}

// Resilient wraps a Connector with a per-bank circuit breaker and a bounded
// call timeout.
type Resilient struct {
	inner    Connector
	breakers *circuit.BreakerGroup
	timeout  time.Duration
}

// NewResilient creates a resilient connector wrapper
func NewResilient(inner Connector, breakers *circuit.BreakerGroup, timeout time.Duration) *Resilient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Resilient{inner: inner, breakers: breakers, timeout: timeout}
}

func (r *Resilient) Send(ctx context.Context, req TransferRequest) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var providerRef string
	err := r.breakers.Execute(callCtx, req.BankID, func() error {
		ref, sendErr := r.inner.Send(callCtx, req)
		if sendErr != nil {
			return sendErr
		}
		providerRef = ref
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("bank %s: %w", req.BankID, err)
	}
	return providerRef, nil
}
