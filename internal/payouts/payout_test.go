package payouts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewReference(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	t.Run("should carry the date and a random suffix", func(t *testing.T) {
		ref := NewReference(now)
		assert.Regexp(t, `^PAY-20260310-[0-9a-f]{8}$`, ref)
	})

	t.Run("should not repeat suffixes", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 64; i++ {
			ref := NewReference(now)
			assert.False(t, seen[ref], "reference %s repeated", ref)
			seen[ref] = true
		}
	})
}
