package auth

import (
	"fmt"
	"sync"
	"time"
)

// Verifier checks presented client keys against the configured hash.
//
// Argon2id costs tens of milliseconds per check and a browser reconnects
// with the same key, so successful verifications are remembered for ttl.
// Failures are never cached, which keeps the cache to the one valid key.
type Verifier struct {
	hash string
	ttl  time.Duration

	mu    sync.RWMutex
	cache map[string]time.Time // key -> expiry
}

// NewVerifier creates a Verifier for hash. An empty hash means no key is
// required and Enabled reports false.
func NewVerifier(hash string, ttl time.Duration) *Verifier {
	return &Verifier{hash: hash, ttl: ttl, cache: make(map[string]time.Time)}
}

// Enabled reports whether a client key is required.
func (v *Verifier) Enabled() bool {
	return v != nil && v.hash != ""
}

// Verify reports whether key is the configured client key. Keys without the
// client prefix are rejected with an error before any hashing.
func (v *Verifier) Verify(key string) (bool, error) {
	if !v.Enabled() {
		return false, fmt.Errorf("client key not configured")
	}
	if key == "" {
		return false, nil
	}
	if err := ValidateKeyPrefix(key); err != nil {
		return false, err
	}

	v.mu.RLock()
	expiresAt, ok := v.cache[key]
	v.mu.RUnlock()
	if ok && time.Now().Before(expiresAt) {
		return true, nil
	}

	valid, err := VerifyKey(key, v.hash)
	if err != nil || !valid {
		return false, err
	}

	v.mu.Lock()
	v.cache[key] = time.Now().Add(v.ttl)
	v.mu.Unlock()
	return true, nil
}
