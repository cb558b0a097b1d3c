package fees

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/terminal-bench/payflow/pkg/money"
)

func TestCompute(t *testing.T) {
	table := NewTable(map[string]Rate{
		"shop":   {PlatformBps: 100},
		"agents": {PlatformBps: 50, BankFlat: money.FromInt(25)},
	}, Rate{PlatformBps: 150})

	t.Run("should apply module rate", func(t *testing.T) {
		f, err := table.Compute("shop", money.FromInt(1000))
		assert.NoError(t, err)
		assert.Equal(t, "10", f.Platform.String())
		assert.Equal(t, "0", f.Bank.String())
		assert.Equal(t, "10", f.Total.String())
	})

	t.Run("should add flat bank fee", func(t *testing.T) {
		f, err := table.Compute("agents", money.FromInt(10000))
		assert.NoError(t, err)
		assert.Equal(t, "50", f.Platform.String())
		assert.Equal(t, "25", f.Bank.String())
		assert.Equal(t, "75", f.Total.String())
	})

	t.Run("should fall back to default rate for unknown module", func(t *testing.T) {
		f, err := table.Compute("unknown", money.FromInt(200))
		assert.NoError(t, err)
		assert.Equal(t, "3", f.Platform.String())
	})

	t.Run("should reject non-positive amounts", func(t *testing.T) {
		_, err := table.Compute("shop", money.Zero())
		assert.Error(t, err)
	})

	t.Run("total should always equal platform plus bank", func(t *testing.T) {
		f, err := table.Compute("agents", money.MustParse("333.33"))
		assert.NoError(t, err)
		assert.True(t, f.Total.Equal(f.Platform.Add(f.Bank)))
	})
}
