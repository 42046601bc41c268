// Package relay implements the shoprelay server: it pairs each browser
// WebSocket with its own upstream Realtime API session and forwards events
// between them, and serves the HTTP lookup endpoints.
package relay

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/auxothq/shoprelay/pkg/realtime"
	"github.com/auxothq/shoprelay/pkg/shopify"
)

// Config holds all configuration for the relay, loaded from environment variables.
type Config struct {
	// Server
	Port int    // listen port (default: 8081)
	Host string // bind address (default: "0.0.0.0")

	// Upstream realtime session
	OpenAIKey   string // required
	RealtimeURL string
	Model       string

	// Lookup provider
	ShopifyShop       string
	ShopifyToken      string
	ShopifyAPIVersion string
	ShopifyEndpoint   string // full GraphQL URL override, mostly for tests

	// Lookup cache
	RedisURL       string        // empty = start embedded miniredis
	LookupCacheTTL time.Duration // 0 disables the cache
	EmbeddedRedis  bool          // set by main when it starts miniredis

	// Client authentication (optional)
	ClientKeyHash string
	AuthCacheTTL  time.Duration

	LogLevel string
}

// LoadConfig reads configuration from environment variables.
// It fails only when the upstream credential is missing.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Port:              envInt("PORT", 8081),
		Host:              envStr("RELAY_HOST", "0.0.0.0"),
		OpenAIKey:         os.Getenv("OPENAI_API_KEY"),
		RealtimeURL:       envStr("RELAY_REALTIME_URL", realtime.DefaultURL),
		Model:             envStr("RELAY_MODEL", realtime.DefaultModel),
		ShopifyShop:       os.Getenv("SHOPIFY_SHOP"),
		ShopifyToken:      os.Getenv("SHOPIFY_ACCESS_TOKEN"),
		ShopifyAPIVersion: envStr("SHOPIFY_API_VERSION", shopify.DefaultAPIVersion),
		ShopifyEndpoint:   os.Getenv("SHOPIFY_GRAPHQL_URL"),
		RedisURL:          os.Getenv("RELAY_REDIS_URL"),
		LookupCacheTTL:    envDuration("RELAY_LOOKUP_CACHE_TTL", 30*time.Second),
		ClientKeyHash:     os.Getenv("RELAY_CLIENT_KEY_HASH"),
		AuthCacheTTL:      envDuration("RELAY_AUTH_CACHE_TTL", 5*time.Minute),
		LogLevel:          envStr("RELAY_LOG_LEVEL", "info"),
	}

	if cfg.OpenAIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("PORT out of range: %d", cfg.Port)
	}
	return cfg, nil
}

// CacheEnabled reports whether lookups go through Redis.
func (c *Config) CacheEnabled() bool {
	return c.LookupCacheTTL > 0
}

// ShopifyConfig returns the lookup provider credentials.
func (c *Config) ShopifyConfig() shopify.Config {
	return shopify.Config{
		Shop:        c.ShopifyShop,
		AccessToken: c.ShopifyToken,
		APIVersion:  c.ShopifyAPIVersion,
		Endpoint:    c.ShopifyEndpoint,
	}
}

// envStr reads an env var with a default value.
func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envInt reads an env var as an integer with a default value.
func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

// envDuration reads an env var as a duration string (e.g., "30s", "5m") with a default.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
