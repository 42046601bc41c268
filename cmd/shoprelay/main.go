// Command shoprelay relays browser WebSockets to the OpenAI Realtime API and
// answers the model's product and order lookups from a Shopify store.
//
// Usage:
//
//	# Start the relay (requires OPENAI_API_KEY)
//	shoprelay
//
//	# Generate an optional client key
//	shoprelay setup
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/auxothq/shoprelay/internal/relay"
	"github.com/auxothq/shoprelay/pkg/auth"
	"github.com/auxothq/shoprelay/pkg/logutil"
)

var version = "v0.1.0"

func main() {
	loadEnv()

	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// loadEnv reads .env from the working directory if present. Its values
// override variables already set in the process environment.
func loadEnv() {
	_ = godotenv.Overload()
}

func newRootCommand() *cobra.Command {
	var (
		port int
		host string
	)

	root := &cobra.Command{
		Use:   "shoprelay",
		Short: "Realtime API relay with Shopify lookup tools",
		Long: `shoprelay accepts browser WebSocket connections on "/", opens one OpenAI
Realtime session per connection, and forwards events in both directions.
The model can look up products and orders through two built-in tools.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := relay.LoadConfig()
			if err != nil {
				logutil.New(os.Getenv("RELAY_LOG_LEVEL")).Error("configuration error", "error", err.Error())
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if cmd.Flags().Changed("host") {
				cfg.Host = host
			}
			return serve(cmd.Context(), cfg)
		},
	}
	root.Flags().IntVar(&port, "port", 8081, "listen port (overrides PORT)")
	root.Flags().StringVar(&host, "host", "0.0.0.0", "bind address (overrides RELAY_HOST)")

	root.AddCommand(newSetupCommand(), newVersionCommand())
	return root
}

func serve(parent context.Context, cfg *relay.Config) error {
	logger := logutil.New(cfg.LogLevel)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start embedded miniredis if no RELAY_REDIS_URL provided
	var miniRedis *miniredis.Miniredis
	if cfg.CacheEnabled() && cfg.RedisURL == "" {
		var err error
		miniRedis, err = miniredis.Run()
		if err != nil {
			logger.Error("failed to start embedded redis", "error", err)
			return err
		}
		defer miniRedis.Close()
		cfg.RedisURL = "redis://" + miniRedis.Addr()
		cfg.EmbeddedRedis = true
		logger.Info("started embedded redis", "addr", miniRedis.Addr())

		go fastForward(ctx, miniRedis, time.Second)
	}

	srv, err := relay.NewServer(cfg, logger)
	if err != nil {
		logger.Error("server initialization failed", "error", err)
		return err
	}

	if err := srv.Start(ctx); err != nil {
		logger.Error("server error", "error", err)
		return err
	}
	return nil
}

// fastForward advances the embedded redis clock by tick every tick until ctx
// is done. Miniredis TTLs only move when its clock is advanced.
func fastForward(ctx context.Context, mr *miniredis.Miniredis, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mr.FastForward(tick)
		}
	}
}

func newSetupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Generate a client key and its hash",
		Long: `Generates a rly_ client key. Give the key to the browser client (as ?key= on
the WebSocket URL and as a Bearer token on /api calls) and set the hash as
RELAY_CLIENT_KEY_HASH on the relay. The key is shown once.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			gen, err := auth.GenerateClientKey()
			if err != nil {
				return fmt.Errorf("generating client key: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "shoprelay setup")
			fmt.Fprintln(out, "===============")
			fmt.Fprintln(out)
			fmt.Fprintln(out, "=== CLIENT KEY (shown once) ===")
			fmt.Fprintf(out, "  %s\n", gen.Key)
			fmt.Fprintln(out)
			fmt.Fprintln(out, "=== RELAY ENVIRONMENT ===")
			fmt.Fprintf(out, "RELAY_CLIENT_KEY_HASH='%s'\n", gen.Hash)
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "shoprelay %s\n", version)
		},
	}
}
