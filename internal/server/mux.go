// Package server provides HTTP server construction for searchrelay.
package server

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"searchrelay/internal/gatekeeper"
	"searchrelay/internal/metrics"
	"searchrelay/internal/pool"
	"searchrelay/internal/registry"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Gatekeeper *gatekeeper.Gatekeeper
	Pool       *pool.Pool // nil in pure passthrough deployments
	Registry   *registry.Registry
	Metrics    *metrics.Metrics
	MCPHandler http.Handler
	Logger     *slog.Logger
}

// NewMux builds the HTTP mux with the MCP endpoint, health and metrics
// endpoints, and the administrative read boundary. The MCP endpoint is
// guarded by the gatekeeper; admin endpoints additionally require the
// admin role.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.Handle("/metrics", cfg.Metrics.Handler())

	mux.Handle("/mcp", requestID(cfg.Logger, cfg.Gatekeeper.Middleware(cfg.MCPHandler)))

	admin := adminHandlers{pool: cfg.Pool, registry: cfg.Registry}
	mux.Handle("GET /admin/pool", adminRoute(cfg, http.HandlerFunc(admin.poolStatus)))
	mux.Handle("POST /admin/pool/reset", adminRoute(cfg, http.HandlerFunc(admin.poolReset)))
	mux.Handle("GET /admin/tokens", adminRoute(cfg, http.HandlerFunc(admin.listTokens)))
	mux.Handle("GET /admin/tokens/stats", adminRoute(cfg, http.HandlerFunc(admin.tokenStats)))
	mux.Handle("POST /admin/tokens/active", adminRoute(cfg, http.HandlerFunc(admin.setTokenActive)))

	return mux
}

func adminRoute(cfg MuxConfig, h http.Handler) http.Handler {
	return requestID(cfg.Logger, cfg.Gatekeeper.RequireAdmin(h))
}

// requestID tags each request with a correlation ID for logging and
// echoes it back in the response headers.
func requestID(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)

		logger.Debug("request",
			slog.String("request_id", id),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
		)

		next.ServeHTTP(w, r)
	})
}
