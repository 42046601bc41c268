package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/auxothq/shoprelay/pkg/auth"
	"github.com/auxothq/shoprelay/pkg/realtime"
	"github.com/auxothq/shoprelay/pkg/shopify"
	"github.com/auxothq/shoprelay/pkg/tools"
)

// Server owns the HTTP listener, the relay and the lookup stack.
type Server struct {
	config      *Config
	httpServer  *http.Server
	relay       *Relay
	apiHandler  *APIHandler
	redisClient *redis.Client // nil when the lookup cache is disabled
	logger      *slog.Logger
}

// NewServer wires the server from configuration:
//
//	shopify.Client → CachedProvider (Redis) → tool registry + HTTP API
//	realtime.Client per pair ← Relay on "/"
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	var provider shopify.Provider = shopify.NewClient(cfg.ShopifyConfig(), logger.With("component", "shopify"))

	var redisClient *redis.Client
	if cfg.CacheEnabled() {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parsing RELAY_REDIS_URL: %w", err)
		}
		redisClient = redis.NewClient(opts)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			redisClient.Close()
			return nil, fmt.Errorf("connecting to Redis: %w", err)
		}
		provider = shopify.NewCachedProvider(provider, redisClient, cfg.LookupCacheTTL, logger.With("component", "lookup_cache"))
	}

	registry := tools.NewRegistry()
	if err := tools.RegisterShopTools(registry, provider, logger.With("component", "tools")); err != nil {
		return nil, fmt.Errorf("registering tools: %w", err)
	}

	var verifier *auth.Verifier
	if cfg.ClientKeyHash != "" {
		verifier = auth.NewVerifier(cfg.ClientKeyHash, cfg.AuthCacheTTL)
	}

	sessionLogger := logger.With("component", "realtime")
	newSession := func() realtime.Session {
		return realtime.NewClient(cfg.OpenAIKey,
			realtime.WithURL(cfg.RealtimeURL),
			realtime.WithModel(cfg.Model),
			realtime.WithLogger(sessionLogger),
		)
	}

	relay := NewRelay(newSession, registry, verifier, cfg.OpenAIKey, logger.With("component", "relay"))
	apiHandler := NewAPIHandler(provider, verifier, relay, logger.With("component", "api"))

	mux := http.NewServeMux()
	mux.Handle("/api/", withCORS(apiHandler))
	mux.Handle("/health", apiHandler)
	mux.Handle("/", relay)

	return &Server{
		config: cfg,
		httpServer: &http.Server{
			Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		relay:       relay,
		apiHandler:  apiHandler,
		redisClient: redisClient,
		logger:      logger,
	}, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until ctx is cancelled or the listener fails, then shuts down.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("shoprelay starting",
		"addr", s.httpServer.Addr,
		"model", s.config.Model,
		"lookup_cache", s.config.CacheEnabled(),
		"embedded_redis", s.config.EmbeddedRedis,
		"client_key_required", s.config.ClientKeyHash != "",
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			s.Shutdown()
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	return s.Shutdown()
}

// Shutdown stops accepting connections, closes every pair and releases Redis.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP shutdown error", "error", err)
	}

	// Hijacked sockets are not covered by http.Server.Shutdown.
	s.relay.Close()

	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("Redis close error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}
