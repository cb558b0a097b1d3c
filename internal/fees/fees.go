package fees

import (
	"fmt"

	"github.com/terminal-bench/payflow/pkg/money"
)

// Fees is the result of a fee computation for one payout.
type Fees struct {
	Platform money.Amount
	Bank     money.Amount
	Total    money.Amount
}

// Calculator computes fees for a payout. The fee-rule engine itself lives in
// another service; this interface is all the payout engine depends on.
type Calculator interface {
	Compute(module string, amount money.Amount) (Fees, error)
}

// Rate is a per-module fee rule
type Rate struct {
	PlatformBps int64
	BankFlat    money.Amount
}

// Table is a static fee table keyed by origin module, with a fallback
// default rate. It mirrors the shape of the fee-rule service responses.
type Table struct {
	rates       map[string]Rate
	defaultRate Rate
}

// NewTable creates a fee table
func NewTable(rates map[string]Rate, defaultRate Rate) *Table {
	return &Table{rates: rates, defaultRate: defaultRate}
}

// Compute applies the module's rate to amount. Platform fees are rounded to
// two decimal places; the invariant total = platform + bank always holds.
func (t *Table) Compute(module string, amount money.Amount) (Fees, error) {
	if !amount.IsPositive() {
		return Fees{}, fmt.Errorf("amount must be positive, got %s", amount)
	}

	rate, ok := t.rates[module]
	if !ok {
		rate = t.defaultRate
	}

	platform := amount.BasisPoints(rate.PlatformBps).Round(2)
	bank := rate.BankFlat
	if bank.IsZero() {
		bank = money.Zero()
	}

	return Fees{
		Platform: platform,
		Bank:     bank,
		Total:    platform.Add(bank),
	}, nil
}
