// Package signature signs outbound webhook bodies.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const Prefix = "sha256="

// Sign returns "sha256=<hex HMAC-SHA256(body, secret)>".
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return Prefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify compares in constant time; receivers can use it as-is.
func Verify(body []byte, secret, header string) bool {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, Prefix) {
		return false
	}
	return hmac.Equal([]byte(Sign(body, secret)), []byte(header))
}
