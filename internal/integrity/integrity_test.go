package integrity

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/securestore/internal/domain"
)

func TestChecksumIgnoresKeyOrder(t *testing.T) {
	a, err := Checksum(map[string]any{"a": 1, "b": []any{"x"}})
	require.NoError(t, err)
	b, err := Checksum(map[string]any{"b": []any{"x"}, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NoError(t, Verify(map[string]any{"b": []any{"x"}, "a": 1}, a))
}

func TestVerifyDetectsValueChange(t *testing.T) {
	sum, err := Checksum([]any{map[string]any{"id": 1, "title": "X"}})
	require.NoError(t, err)
	err = Verify([]any{map[string]any{"id": 1, "title": "Y"}}, sum)
	assert.True(t, errors.Is(err, domain.ErrChecksumMismatch))
}

func TestSingleByteFlipFailsVerification(t *testing.T) {
	payload := []byte(`{"requirements":[{"id":1,"title":"X"}]}`)
	sum := HashBytes(payload)
	require.NoError(t, VerifyBytes(payload, sum))
	for i := range payload {
		mutated := append([]byte(nil), payload...)
		mutated[i] ^= 0x01
		assert.True(t, errors.Is(VerifyBytes(mutated, sum), domain.ErrChecksumMismatch), "byte %d", i)
	}
}

func TestChecksumUnsupportedValue(t *testing.T) {
	_, err := Checksum(make(chan int))
	assert.Error(t, err)
}
