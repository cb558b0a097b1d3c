package money

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	t.Run("should parse amount from string", func(t *testing.T) {
		a, err := Parse("1000.50")
		assert.NoError(t, err)
		assert.Equal(t, "1000.5", a.String())
	})

	t.Run("should reject invalid amount", func(t *testing.T) {
		_, err := Parse("not-a-number")
		assert.Error(t, err)
	})
}

func TestArithmetic(t *testing.T) {
	t.Run("should add without precision loss", func(t *testing.T) {
		a := MustParse("0.1")
		b := MustParse("0.2")
		assert.Equal(t, "0.3", a.Add(b).String())
	})

	t.Run("should subtract", func(t *testing.T) {
		assert.Equal(t, "999", MustParse("1010").Sub(MustParse("11")).String())
	})

	t.Run("should compute basis points", func(t *testing.T) {
		// 1% of 1000
		fee := FromInt(1000).BasisPoints(100)
		assert.Equal(t, "10", fee.String())
	})

	t.Run("should round fractional fees", func(t *testing.T) {
		// 1.75% of 333 = 5.8275
		fee := FromInt(333).BasisPoints(175).Round(2)
		assert.Equal(t, "5.83", fee.String())
	})
}

func TestComparison(t *testing.T) {
	t.Run("should compare amounts", func(t *testing.T) {
		assert.Equal(t, -1, FromInt(1).Cmp(FromInt(2)))
		assert.Equal(t, 1, FromInt(3).Cmp(FromInt(2)))
		assert.True(t, MustParse("10.00").Equal(FromInt(10)))
	})

	t.Run("should detect sign", func(t *testing.T) {
		assert.True(t, FromInt(5).IsPositive())
		assert.False(t, Zero().IsPositive())
		assert.False(t, MustParse("-1").IsPositive())
		assert.True(t, Zero().IsZero())
	})
}

func TestJSON(t *testing.T) {
	t.Run("should round-trip through JSON as a string", func(t *testing.T) {
		out, err := json.Marshal(MustParse("1010"))
		assert.NoError(t, err)
		assert.Equal(t, `"1010"`, string(out))

		var back Amount
		assert.NoError(t, json.Unmarshal(out, &back))
		assert.True(t, back.Equal(FromInt(1010)))
	})

	t.Run("should accept bare numbers", func(t *testing.T) {
		var a Amount
		assert.NoError(t, json.Unmarshal([]byte(`1000`), &a))
		assert.True(t, a.Equal(FromInt(1000)))
	})
}
