// Package auth provides API key issuance and verification for the render
// service control surface. Keys guard service-to-service calls; end-user
// identity arrives already resolved as a userId on each request.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidKey = errors.New("invalid API key")

// keyPrefixLen is how many leading characters of a key are used as the
// lookup index. The prefix is stored in the clear; the full key is not.
const keyPrefixLen = 8

// Verifier checks a presented API key
type Verifier interface {
	Verify(key string) error
}

// StaticKey verifies against a single configured key in constant time
type StaticKey string

func (s StaticKey) Verify(key string) error {
	if !SecureCompare(key, string(s)) {
		return ErrInvalidKey
	}
	return nil
}

// KeyInfo is the stored record for one issued key
type KeyInfo struct {
	Hash        string
	Description string
	CreatedAt   time.Time
}

// KeyManager issues and verifies API keys. Only bcrypt hashes are kept, so
// the clear key is shown once at issue time. Lookup is by key prefix to keep
// verification O(1).
type KeyManager struct {
	mu   sync.RWMutex
	keys map[string]*KeyInfo // prefix -> info
}

// NewKeyManager creates an empty key manager
func NewKeyManager() *KeyManager {
	return &KeyManager{keys: make(map[string]*KeyInfo)}
}

// Generate issues a new API key and returns it in the clear
func (km *KeyManager) Generate(description string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}
	key := base64.URLEncoding.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}

	km.mu.Lock()
	defer km.mu.Unlock()
	km.keys[key[:keyPrefixLen]] = &KeyInfo{
		Hash:        string(hash),
		Description: description,
		CreatedAt:   time.Now(),
	}
	return key, nil
}

// Verify checks a presented key against the stored hashes
func (km *KeyManager) Verify(key string) error {
	if len(key) < keyPrefixLen {
		return ErrInvalidKey
	}

	km.mu.RLock()
	info, ok := km.keys[key[:keyPrefixLen]]
	km.mu.RUnlock()

	if !ok {
		return ErrInvalidKey
	}
	if err := bcrypt.CompareHashAndPassword([]byte(info.Hash), []byte(key)); err != nil {
		return ErrInvalidKey
	}
	return nil
}

// Revoke removes an issued key
func (km *KeyManager) Revoke(key string) {
	if len(key) < keyPrefixLen {
		return
	}
	km.mu.Lock()
	defer km.mu.Unlock()
	delete(km.keys, key[:keyPrefixLen])
}

// List returns descriptions of issued keys indexed by key prefix
func (km *KeyManager) List() map[string]string {
	km.mu.RLock()
	defer km.mu.RUnlock()

	out := make(map[string]string, len(km.keys))
	for prefix, info := range km.keys {
		out[prefix] = info.Description
	}
	return out
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Middleware guards every route except /health and /metrics. The key is
// accepted as "Authorization: Bearer <key>" or in the X-API-Key header.
func Middleware(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			presented := r.Header.Get("X-API-Key")
			if presented == "" {
				presented = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			}
			if presented == "" {
				http.Error(w, "Missing API key", http.StatusUnauthorized)
				return
			}
			if err := v.Verify(presented); err != nil {
				http.Error(w, "Invalid API key", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
