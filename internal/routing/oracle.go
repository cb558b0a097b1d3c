package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/terminal-bench/payflow/pkg/messaging"
	"github.com/terminal-bench/payflow/pkg/money"
)

// RouteRequest asks the oracle for a settlement route for one payout
type RouteRequest struct {
	Module   string       `json:"module"`
	Currency string       `json:"currency"`
	Amount   money.Amount `json:"amount"`
}

// RouteDecision is the oracle's recommendation for one payout
type RouteDecision struct {
	BankID           string       `json:"bank_id"`
	AccountID        string       `json:"account_id"`
	BankFee          money.Amount `json:"bank_fee"`
	RequiresApproval bool         `json:"requires_approval"`
}

// BatchItem is one payout inside a batch routing request
type BatchItem struct {
	PayoutID uuid.UUID    `json:"payout_id"`
	Amount   money.Amount `json:"amount"`
}

// BatchRequest asks the oracle to route a whole batch at once
type BatchRequest struct {
	BankID    string       `json:"bank_id"`
	AccountID string       `json:"account_id"`
	Currency  string       `json:"currency"`
	Items     []BatchItem  `json:"items"`
	Total     money.Amount `json:"total"`
}

// ItemRoute is the per-item slice of a batch decision
type ItemRoute struct {
	PayoutID     uuid.UUID    `json:"payout_id"`
	Connector    string       `json:"connector"`
	EstimatedFee money.Amount `json:"estimated_fee"`
}

// BatchDecision is the oracle's answer for a whole batch: per-item connector
// and fee estimate plus an overall confidence score and risk flags.
type BatchDecision struct {
	Items      []ItemRoute  `json:"items"`
	Confidence float64      `json:"confidence"`
	RiskFlags  []string     `json:"risk_flags"`
	TotalFees  money.Amount `json:"total_fees"`
}

// Oracle recommends settlement routes. The scoring engine behind it is an
// external collaborator.
type Oracle interface {
	PickRouting(ctx context.Context, req RouteRequest) (RouteDecision, error)
	PlanBatch(ctx context.Context, req BatchRequest) (BatchDecision, error)
}

// NATSOracle talks to the routing service over NATS request-reply.
type NATSOracle struct {
	client  *messaging.Client
	timeout time.Duration
}

// NewNATSOracle creates a NATS-backed oracle client
func NewNATSOracle(client *messaging.Client, timeout time.Duration) *NATSOracle {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &NATSOracle{client: client, timeout: timeout}
}

func (o *NATSOracle) PickRouting(ctx context.Context, req RouteRequest) (RouteDecision, error) {
	msg, err := o.client.Request(ctx, messaging.SubjectRoutingPick, req, o.timeout)
	if err != nil {
		return RouteDecision{}, fmt.Errorf("routing oracle unavailable: %w", err)
	}

	var decision RouteDecision
	if err := json.Unmarshal(msg.Data, &decision); err != nil {
		return RouteDecision{}, fmt.Errorf("failed to decode routing decision: %w", err)
	}
	if decision.BankID == "" {
		return RouteDecision{}, fmt.Errorf("routing oracle returned no bank for %s/%s", req.Module, req.Currency)
	}
	return decision, nil
}

func (o *NATSOracle) PlanBatch(ctx context.Context, req BatchRequest) (BatchDecision, error) {
	msg, err := o.client.Request(ctx, messaging.SubjectRoutingPlan, req, o.timeout)
	if err != nil {
		return BatchDecision{}, fmt.Errorf("routing oracle unavailable: %w", err)
	}

	var decision BatchDecision
	if err := json.Unmarshal(msg.Data, &decision); err != nil {
		return BatchDecision{}, fmt.Errorf("failed to decode batch decision: %w", err)
	}
	return decision, nil
}

// StaticOracle routes everything to one configured treasury profile. Used
// when the scoring engine is down or not deployed in an environment.
type StaticOracle struct {
	BankID    string
	AccountID string
	BankFee   money.Amount
}

func (s *StaticOracle) PickRouting(ctx context.Context, req RouteRequest) (RouteDecision, error) {
	return RouteDecision{
		BankID:    s.BankID,
		AccountID: s.AccountID,
		BankFee:   s.BankFee,
	}, nil
}

func (s *StaticOracle) PlanBatch(ctx context.Context, req BatchRequest) (BatchDecision, error) {
	items := make([]ItemRoute, 0, len(req.Items))
	fees := money.Zero()
	for _, it := range req.Items {
		items = append(items, ItemRoute{
			PayoutID:     it.PayoutID,
			Connector:    s.BankID,
			EstimatedFee: s.BankFee,
		})
		fees = fees.Add(s.BankFee)
	}
	return BatchDecision{
		Items:      items,
		Confidence: 1.0,
		TotalFees:  fees,
	}, nil
}
