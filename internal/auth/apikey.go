// Package auth protects the control surface with a single API key. The
// key itself is never stored: configuration holds its bcrypt hash.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// APIKeyPrefix marks health-sync control keys.
const APIKeyPrefix = "hs_"

// apiKeyBytes is the amount of randomness in a generated key.
const apiKeyBytes = 32

// GenerateKey returns a new random API key.
func GenerateKey() (string, error) {
	b := make([]byte, apiKeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating api key: %w", err)
	}

	return APIKeyPrefix + hex.EncodeToString(b), nil
}

// HashKey returns the bcrypt hash to configure for key.
func HashKey(key string) (string, error) {
	if !strings.HasPrefix(key, APIKeyPrefix) {
		return "", fmt.Errorf("api key must start with %q", APIKeyPrefix)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing api key: %w", err)
	}

	return string(hash), nil
}

// KeyVerifier checks presented keys against the configured hash. The
// digest of the last accepted key is cached so repeat requests skip
// bcrypt.
type KeyVerifier struct {
	hash []byte

	mu       sync.Mutex
	accepted [sha256.Size]byte
	cached   bool
}

// NewKeyVerifier validates hash and returns a verifier for it.
func NewKeyVerifier(hash string) (*KeyVerifier, error) {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("invalid api key hash: %w", err)
	}

	return &KeyVerifier{hash: []byte(hash)}, nil
}

// Verify reports whether key matches the configured hash.
func (v *KeyVerifier) Verify(key string) bool {
	if !strings.HasPrefix(key, APIKeyPrefix) {
		return false
	}

	digest := sha256.Sum256([]byte(key))

	v.mu.Lock()
	hit := v.cached && subtle.ConstantTimeCompare(digest[:], v.accepted[:]) == 1
	v.mu.Unlock()

	if hit {
		return true
	}

	if bcrypt.CompareHashAndPassword(v.hash, []byte(key)) != nil {
		return false
	}

	v.mu.Lock()
	v.accepted = digest
	v.cached = true
	v.mu.Unlock()

	return true
}
