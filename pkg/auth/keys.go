// Package auth guards the relay with an optional client key.
//
// Operators generate a "rly_" key once with `shoprelay setup`, hand the
// plaintext to their browser client, and configure only its Argon2id hash
// (RELAY_CLIENT_KEY_HASH). With no hash configured the relay is open.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// PrefixClient marks relay client keys.
const PrefixClient = "rly_"

// GeneratedKey is a fresh client key. Key is shown once; only Hash is kept.
type GeneratedKey struct {
	Key  string
	Hash string
}

// GenerateClientKey creates a client key from 32 random bytes and hashes it.
func GenerateClientKey() (*GeneratedKey, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	key := PrefixClient + base64.RawURLEncoding.EncodeToString(secret)

	hash, err := HashKey(key)
	if err != nil {
		return nil, fmt.Errorf("hashing key: %w", err)
	}
	return &GeneratedKey{Key: key, Hash: hash}, nil
}

// ValidateKeyPrefix reports an error if key is not a client key.
func ValidateKeyPrefix(key string) error {
	if !strings.HasPrefix(key, PrefixClient) {
		return fmt.Errorf("unknown key prefix: key must start with %q", PrefixClient)
	}
	return nil
}

// MaskKey returns a loggable form of a secret: its first three characters
// followed by "...". Short values are masked entirely.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:3] + "..."
}
