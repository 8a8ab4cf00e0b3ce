package signature

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignKnownVector(t *testing.T) {
	// HMAC-SHA256("The quick brown fox jumps over the lazy dog", "key")
	got := Sign([]byte("The quick brown fox jumps over the lazy dog"), "key")
	assert.Equal(t, "sha256=f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8", got)
}

func TestVerify(t *testing.T) {
	body := []byte(`{"type":"SUBSCRIPTION_RENEWED"}`)
	header := Sign(body, "s3cret")
	assert.True(t, Verify(body, "s3cret", header))
	assert.False(t, Verify(body, "other", header))
	assert.False(t, Verify(body, "s3cret", header[len(Prefix):]))
}
