package idempotency

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMakeKey(t *testing.T) {
	t.Run("should keep caller-supplied keys", func(t *testing.T) {
		key, err := MakeKey("order-12345")
		assert.NoError(t, err)
		assert.Equal(t, "order-12345", key)
	})

	t.Run("should reject oversized keys", func(t *testing.T) {
		_, err := MakeKey(strings.Repeat("x", MaxKeyLength+1))
		assert.ErrorIs(t, err, ErrKeyTooLong)
	})

	t.Run("should generate a key when none supplied", func(t *testing.T) {
		key, err := MakeKey("")
		assert.NoError(t, err)
		assert.True(t, strings.HasPrefix(key, "pf-"))
		assert.LessOrEqual(t, len(key), MaxKeyLength)
	})

	t.Run("generated keys should not collide", func(t *testing.T) {
		a, _ := MakeKey("")
		b, _ := MakeKey("")
		assert.NotEqual(t, a, b)
	})
}
