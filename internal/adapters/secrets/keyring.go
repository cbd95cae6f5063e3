package secrets

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// refPrefix tags references sealed with XChaCha20-Poly1305 under a keyring key.
const refPrefix = "xc1:"

var (
	ErrUnknownReference = errors.New("secret reference has an unknown scheme")
	ErrCorruptReference = errors.New("secret reference cannot be opened")
)

// Keyring seals credential and webhook secrets with a single symmetric key.
// It satisfies both ports.SecretSealer and ports.SecretResolver.
type Keyring struct {
	aead cipher.AEAD
}

func NewKeyring(key []byte) (*Keyring, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("keyring: %w", err)
	}
	return &Keyring{aead: aead}, nil
}

// ParseKey accepts a 32 byte key as hex or base64.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("keyring key is empty")
	}
	if b, err := hex.DecodeString(s); err == nil && len(b) == chacha20poly1305.KeySize {
		return b, nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil && len(b) == chacha20poly1305.KeySize {
			return b, nil
		}
	}
	return nil, fmt.Errorf("keyring key must decode to %d bytes", chacha20poly1305.KeySize)
}

func (k *Keyring) Seal(ctx context.Context, secret []byte) (string, error) {
	nonce := make([]byte, k.aead.NonceSize(), k.aead.NonceSize()+len(secret)+k.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("keyring nonce: %w", err)
	}
	sealed := k.aead.Seal(nonce, nonce, secret, nil)
	return refPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (k *Keyring) Resolve(ctx context.Context, ref string) ([]byte, error) {
	if !strings.HasPrefix(ref, refPrefix) {
		return nil, ErrUnknownReference
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(ref, refPrefix))
	if err != nil || len(raw) < k.aead.NonceSize() {
		return nil, ErrCorruptReference
	}
	nonce, sealed := raw[:k.aead.NonceSize()], raw[k.aead.NonceSize():]
	secret, err := k.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrCorruptReference
	}
	return secret, nil
}
