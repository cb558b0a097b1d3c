package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReferences(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	t.Run("should carry the date and a random suffix", func(t *testing.T) {
		assert.Regexp(t, `^PLAN-20260310-[0-9a-f]{8}$`, NewPlanReference(now))
		assert.Regexp(t, `^BATCH-20260310-[0-9a-f]{8}$`, NewBatchReference(now))
	})

	t.Run("should not repeat suffixes", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 64; i++ {
			ref := NewPlanReference(now)
			assert.False(t, seen[ref], "reference %s repeated", ref)
			seen[ref] = true
		}
	})
}

func TestQuotaScopes(t *testing.T) {
	t.Run("should cover the account and the bank", func(t *testing.T) {
		assert.Equal(t, []string{"treasury:main", "bank:ecobank"}, QuotaScopes("ecobank", "main"))
	})

	t.Run("should omit the bank scope when no bank is set", func(t *testing.T) {
		assert.Equal(t, []string{"treasury:main"}, QuotaScopes("", "main"))
	})
}
