// Package secretbox seals short secrets for storage with XChaCha20-Poly1305.
package secretbox

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrKeyMissing    = errors.New("encryption_key_missing")
	ErrInvalidSealed = errors.New("invalid_sealed_value")
)

type sealed struct {
	Version    int    `json:"version"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

type Box struct {
	key []byte
}

// New derives the key from an operator supplied secret of any length. An
// empty secret yields a box that refuses to seal.
func New(secret string) *Box {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return &Box{}
	}
	sum := sha256.Sum256([]byte(secret))
	return &Box{key: sum[:]}
}

func (b *Box) Seal(plaintext string) (string, error) {
	if b == nil || len(b.key) == 0 {
		return "", ErrKeyMissing
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	out, err := json.Marshal(sealed{
		Version:    1,
		Nonce:      base64.RawStdEncoding.EncodeToString(nonce),
		Ciphertext: base64.RawStdEncoding.EncodeToString(aead.Seal(nil, nonce, []byte(plaintext), nil)),
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (b *Box) Open(value string) (string, error) {
	if b == nil || len(b.key) == 0 {
		return "", ErrKeyMissing
	}
	var payload sealed
	if err := json.Unmarshal([]byte(value), &payload); err != nil || payload.Version != 1 {
		return "", ErrInvalidSealed
	}
	nonce, err := base64.RawStdEncoding.DecodeString(payload.Nonce)
	if err != nil {
		return "", ErrInvalidSealed
	}
	ciphertext, err := base64.RawStdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return "", ErrInvalidSealed
	}

	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", err
	}
	if len(nonce) != aead.NonceSize() {
		return "", ErrInvalidSealed
	}
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrInvalidSealed
	}
	return string(plain), nil
}
