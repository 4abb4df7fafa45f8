package crypto

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var userCodePattern = regexp.MustCompile(`^[A-Z0-9]{4}-[A-Z0-9]{4}$`)

func TestNewUserCodeFormat(t *testing.T) {
	for i := 0; i < 100; i++ {
		code := NewUserCode()
		assert.Regexp(t, userCodePattern, code)
		assert.NotContains(t, code, "O")
		assert.NotContains(t, code, "0")
		assert.NotContains(t, code, "I")
		assert.NotContains(t, code, "1")
	}
}

func TestNewOpaqueCodeEntropy(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code := NewOpaqueCode()
		require.GreaterOrEqual(t, len(code), 26, "need at least 128 bits of entropy")
		require.False(t, seen[code], "opaque codes must not repeat")
		seen[code] = true
	}
}

func TestHashAndComparePassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple", DefaultCost)
	require.NoError(t, err)

	assert.NoError(t, ComparePassword(hash, "correct horse battery staple"))
	assert.Error(t, ComparePassword(hash, "wrong"))

	_, err = HashPassword("", DefaultCost)
	assert.Error(t, err)
}
