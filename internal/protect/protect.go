// Package protect wraps the platform secret-protection envelope used to store
// the student binding token at rest.
package protect

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

var (
	ErrCiphertextTooShort = errors.New("ciphertext too short")
	ErrUnprotectFailed    = errors.New("unprotect failed")
)

// Protector encrypts and decrypts small secrets. Protect/Unprotect must
// round-trip. Name identifies the implementation so callers can refuse the
// null protector in production.
type Protector interface {
	Name() string
	Protect(plain []byte) ([]byte, error)
	Unprotect(opaque []byte) ([]byte, error)
}

// NullProtector is an identity protector for platforms without a user-bound
// encryption service. Its name marks it so production callers can reject it.
type NullProtector struct{}

func (NullProtector) Name() string { return "null" }

func (NullProtector) Protect(plain []byte) ([]byte, error) {
	out := make([]byte, len(plain))
	copy(out, plain)
	return out, nil
}

func (NullProtector) Unprotect(opaque []byte) ([]byte, error) {
	out := make([]byte, len(opaque))
	copy(out, opaque)
	return out, nil
}

// UserScopedProtector derives an AES-256-GCM key from a random key file
// created under the invoking user's config directory with mode 0600. Moving
// the protected data to another account (without the key file) fails closed.
type UserScopedProtector struct {
	key []byte
}

const keyFileName = "binding.key"

// argon2id parameters for key-file stretching.
const (
	kdfTime    = 1
	kdfMemory  = 64 * 1024
	kdfThreads = 4
	kdfKeyLen  = 32
)

// NewUserScopedProtector loads or creates the per-user key material in dir.
func NewUserScopedProtector(dir string) (*UserScopedProtector, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	path := filepath.Join(dir, keyFileName)

	seed, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		seed = make([]byte, 64)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("failed to generate key seed: %w", err)
		}
		if err := os.WriteFile(path, seed, 0o600); err != nil {
			return nil, fmt.Errorf("failed to write key file: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	// Salt is fixed; the seed itself is 64 random bytes per user.
	key := argon2.IDKey(seed, []byte("controledu-binding-v1"), kdfTime, kdfMemory, kdfThreads, kdfKeyLen)
	return &UserScopedProtector{key: key}, nil
}

func (p *UserScopedProtector) Name() string { return "user-scoped-aesgcm" }

func (p *UserScopedProtector) Protect(plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(p.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

func (p *UserScopedProtector) Unprotect(opaque []byte) ([]byte, error) {
	block, err := aes.NewCipher(p.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(opaque) < gcm.NonceSize() {
		return nil, ErrCiphertextTooShort
	}
	nonce, ct := opaque[:gcm.NonceSize()], opaque[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrUnprotectFailed
	}
	return plain, nil
}
