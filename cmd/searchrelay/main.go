// Command searchrelay serves an MCP endpoint that fronts a third-party
// search API with a shared pool of upstream keys, inbound token
// authentication, and per-token usage accounting.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"searchrelay/internal/config"
	"searchrelay/internal/executor"
	"searchrelay/internal/gatekeeper"
	"searchrelay/internal/logging"
	"searchrelay/internal/mcpserver"
	"searchrelay/internal/metrics"
	"searchrelay/internal/pool"
	"searchrelay/internal/registry"
	"searchrelay/internal/server"
	"searchrelay/internal/state"
	"searchrelay/internal/upstream"
)

var Version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	store := openStore(cfg, logger)
	if store != nil {
		defer store.Close()
	}

	specs, warnings, err := cfg.ParseTokens()
	if err != nil {
		return fmt.Errorf("parsing inbound tokens: %w", err)
	}

	for _, warning := range warnings {
		logger.Warn("configuration warning", slog.String("detail", warning))
	}

	reg := registry.New(specs, cfg.RelayAuthToken, store, logger)

	var keyPool *pool.Pool

	upstreamKeys := cfg.ParseUpstreamKeys()
	if len(upstreamKeys) > 0 {
		keyPool = pool.New(upstreamKeys, cfg.KeyCooldown, cfg.KeyMaxRetries, store, logger)
	}

	var poolStatus func() pool.Status
	if keyPool != nil {
		poolStatus = keyPool.Status
	}

	m := metrics.New(poolStatus)
	gate := gatekeeper.New(reg, m, logger)
	exec := executor.New(nil, keyPool, cfg.UpstreamBaseURL, cfg.RequestTimeout, m, logger)
	client := upstream.NewClient(exec)

	// MCP server setup.
	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "searchrelay", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, client)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := server.NewMux(server.MuxConfig{
		Gatekeeper: gate,
		Pool:       keyPool,
		Registry:   reg,
		Metrics:    m,
		MCPHandler: mcpHandler,
		Logger:     logger,
	})

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting server",
		slog.String("listen", cfg.ListenAddr),
		slog.String("upstream", cfg.UpstreamBaseURL),
		slog.Int("upstream_keys", len(upstreamKeys)),
		slog.Bool("auth_required", !reg.IsEmpty()),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openStore opens the durable state database. Any failure degrades the
// process to in-memory-only operation rather than preventing startup.
func openStore(cfg *config.Config, logger *slog.Logger) *state.Store {
	if cfg.DisableState {
		return nil
	}

	path := cfg.StateDB
	if path == "" {
		defaultPath, err := state.DefaultPath()
		if err != nil {
			logger.Warn("state store unavailable, continuing in-memory only", slog.Any("error", err))
			return nil
		}

		path = defaultPath
	}

	store, err := state.Open(path)
	if err != nil {
		logger.Warn("state store unavailable, continuing in-memory only", slog.Any("error", err))
		return nil
	}

	return store
}
