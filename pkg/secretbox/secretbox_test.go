package secretbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	box := New("operator-secret")
	sealedValue, err := box.Seal("whsec_123")
	require.NoError(t, err)
	assert.NotContains(t, sealedValue, "whsec_123")

	plain, err := box.Open(sealedValue)
	require.NoError(t, err)
	assert.Equal(t, "whsec_123", plain)

	_, err = New("other-secret").Open(sealedValue)
	assert.ErrorIs(t, err, ErrInvalidSealed)
}

func TestMissingKey(t *testing.T) {
	_, err := New("  ").Seal("x")
	assert.ErrorIs(t, err, ErrKeyMissing)

	_, err = New("k").Open("not json")
	assert.ErrorIs(t, err, ErrInvalidSealed)
}
