package shopify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachePrefix namespaces lookup cache keys in Redis.
const CachePrefix = "shoprelay:lookup:"

// CachedProvider memoizes found records in Redis for a fixed TTL.
// Misses and provider errors are never cached. Redis failures are logged and
// fall through to the wrapped provider.
type CachedProvider struct {
	next   Provider
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedProvider wraps next. A ttl of zero or less disables caching and
// every call goes straight to next.
func NewCachedProvider(next Provider, rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedProvider {
	return &CachedProvider{next: next, rdb: rdb, ttl: ttl, logger: logger}
}

var _ Provider = (*CachedProvider)(nil)

func (p *CachedProvider) ProductByTitle(ctx context.Context, title string) (*Product, error) {
	return cached(ctx, p, "product", title, p.next.ProductByTitle)
}

func (p *CachedProvider) OrderByName(ctx context.Context, name string) (*Order, error) {
	return cached(ctx, p, "order", name, p.next.OrderByName)
}

// CacheKey returns the Redis key for a lookup. Keys are case-insensitive
// because the store's search is.
func CacheKey(kind, key string) string {
	return CachePrefix + kind + ":" + strings.ToLower(strings.TrimSpace(key))
}

func cached[T any](ctx context.Context, p *CachedProvider, kind, key string, fetch func(context.Context, string) (*T, error)) (*T, error) {
	if p.rdb == nil || p.ttl <= 0 {
		return fetch(ctx, key)
	}

	rk := CacheKey(kind, key)
	data, err := p.rdb.Get(ctx, rk).Bytes()
	switch {
	case err == nil:
		var v T
		if uerr := json.Unmarshal(data, &v); uerr == nil {
			return &v, nil
		}
		p.logger.Warn("discarding corrupt cache entry", "key", rk)
	case !errors.Is(err, redis.Nil):
		p.logger.Warn("lookup cache read failed", "key", rk, "error", err)
	}

	v, err := fetch(ctx, key)
	if err != nil || v == nil {
		return v, err
	}

	encoded, err := json.Marshal(v)
	if err != nil {
		return v, nil
	}
	if err := p.rdb.Set(ctx, rk, encoded, p.ttl).Err(); err != nil {
		p.logger.Warn("lookup cache write failed", "key", rk, "error", err)
	}
	return v, nil
}
