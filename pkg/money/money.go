package money

import (
	"database/sql/driver"
	"fmt"

	"github.com/shopspring/decimal"
)

// Amount represents a monetary amount with fixed-point precision.
type Amount struct {
	value decimal.Decimal
}

// Parse creates an Amount from a string
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("invalid amount: %w", err)
	}
	return Amount{value: d}, nil
}

// MustParse creates an Amount from a string, panicking on invalid input.
// Only for constants and tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromInt creates an Amount from an integer
func FromInt(i int64) Amount {
	return Amount{value: decimal.NewFromInt(i)}
}

// FromDecimal wraps a decimal.Decimal
func FromDecimal(d decimal.Decimal) Amount {
	return Amount{value: d}
}

// Zero returns the zero amount
func Zero() Amount {
	return Amount{value: decimal.Zero}
}

// Add adds two amounts
func (a Amount) Add(other Amount) Amount {
	return Amount{value: a.value.Add(other.value)}
}

// Sub subtracts two amounts
func (a Amount) Sub(other Amount) Amount {
	return Amount{value: a.value.Sub(other.value)}
}

// BasisPoints returns a * bps / 10000, the fee fraction of an amount.
// The result keeps full decimal precision; callers round per currency rules.
func (a Amount) BasisPoints(bps int64) Amount {
	return Amount{value: a.value.Mul(decimal.NewFromInt(bps)).Div(decimal.NewFromInt(10000))}
}

// Round rounds to the given number of decimal places, half away from zero.
func (a Amount) Round(places int32) Amount {
	return Amount{value: a.value.Round(places)}
}

// Cmp compares two amounts: -1 if a < other, 0 if equal, 1 if a > other
func (a Amount) Cmp(other Amount) int {
	return a.value.Cmp(other.value)
}

// Equal reports whether two amounts are exactly equal
func (a Amount) Equal(other Amount) bool {
	return a.value.Equal(other.value)
}

// IsZero reports whether the amount is zero
func (a Amount) IsZero() bool {
	return a.value.IsZero()
}

// IsPositive reports whether the amount is strictly greater than zero
func (a Amount) IsPositive() bool {
	return a.value.IsPositive()
}

// Decimal returns the underlying decimal value
func (a Amount) Decimal() decimal.Decimal {
	return a.value
}

func (a Amount) String() string {
	return a.value.String()
}

// MarshalJSON serializes the amount as a JSON string to avoid float precision loss
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.value.String() + `"`), nil
}

// UnmarshalJSON accepts both string and bare-number encodings
func (a *Amount) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("invalid amount: %w", err)
	}
	a.value = d
	return nil
}

// Value implements driver.Valuer for NUMERIC columns
func (a Amount) Value() (driver.Value, error) {
	return a.value.String(), nil
}

// Scan implements sql.Scanner for NUMERIC columns
func (a *Amount) Scan(src interface{}) error {
	var d decimal.Decimal
	if err := d.Scan(src); err != nil {
		return fmt.Errorf("failed to scan amount: %w", err)
	}
	a.value = d
	return nil
}
