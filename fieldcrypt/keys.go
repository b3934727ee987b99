// Package fieldcrypt performs field-level authenticated encryption between
// the API boundary (plaintext) and the backend boundary (ciphertext).
package fieldcrypt

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const keySize = 32

// KeyProvider supplies the data-encryption key. Providers must return the
// same key for the lifetime of the stored data, or rotation must be run.
type KeyProvider interface {
	Key(ctx context.Context) ([]byte, error)
}

// StaticKeyProvider holds a fixed 32-byte key.
type StaticKeyProvider struct {
	key []byte
}

// NewStaticKeyProvider wraps a raw 32-byte key.
func NewStaticKeyProvider(key []byte) (*StaticKeyProvider, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("fieldcrypt: key must be %d bytes, got %d", keySize, len(key))
	}
	k := make([]byte, keySize)
	copy(k, key)
	return &StaticKeyProvider{key: k}, nil
}

func (p *StaticKeyProvider) Key(ctx context.Context) ([]byte, error) {
	return p.key, nil
}

// EnvKeyProvider reads a hex-encoded key from an environment variable.
type EnvKeyProvider struct {
	envVar string
}

// NewEnvKeyProvider creates a provider reading the named variable.
func NewEnvKeyProvider(envVar string) *EnvKeyProvider {
	return &EnvKeyProvider{envVar: envVar}
}

func (p *EnvKeyProvider) Key(ctx context.Context) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(p.envVar))
	if raw == "" {
		return nil, fmt.Errorf("fieldcrypt: %s is not set", p.envVar)
	}
	raw = strings.TrimPrefix(raw, "0x")
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("fieldcrypt: decode %s: %w", p.envVar, err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("fieldcrypt: %s must decode to %d bytes, got %d", p.envVar, keySize, len(key))
	}
	return key, nil
}

// PBKDF2KeyProvider derives the key from a passphrase with PBKDF2-SHA256.
type PBKDF2KeyProvider struct {
	passphrase []byte
	salt       []byte
	iterations int
}

// NewPBKDF2KeyProvider derives a 32-byte key from the passphrase and salt.
func NewPBKDF2KeyProvider(passphrase, salt []byte, iterations int) *PBKDF2KeyProvider {
	if iterations <= 0 {
		iterations = 100_000
	}
	return &PBKDF2KeyProvider{
		passphrase: append([]byte(nil), passphrase...),
		salt:       append([]byte(nil), salt...),
		iterations: iterations,
	}
}

func (p *PBKDF2KeyProvider) Key(ctx context.Context) ([]byte, error) {
	return pbkdf2.Key(p.passphrase, p.salt, p.iterations, keySize, sha256.New), nil
}

// Iterations returns the configured KDF iteration count.
func (p *PBKDF2KeyProvider) Iterations() int {
	return p.iterations
}
