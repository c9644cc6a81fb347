// Package gatekeeper decides whether inbound requests may proceed.
// It consumes token registry validation results and distinguishes two
// deployment modes: pool mode, where the registry is enforced, and
// passthrough mode, where no tokens are configured and callers supply
// their own upstream key per request.
package gatekeeper

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"searchrelay/internal/config"
	"searchrelay/internal/metrics"
	"searchrelay/internal/registry"
)

// Decision is the gatekeeper's verdict on an inbound request.
type Decision int

const (
	// Unauthenticated rejects the request: pool mode with a missing
	// or invalid token.
	Unauthenticated Decision = iota
	// AuthenticatedUser admits the request with the user role.
	AuthenticatedUser
	// AuthenticatedAdmin admits the request with the admin role.
	AuthenticatedAdmin
	// PassthroughAllowed admits the request without a token because
	// the registry is empty; the caller must supply its own upstream
	// key, validated downstream.
	PassthroughAllowed
)

const (
	// authFailureRate limits rejected auth attempts per client IP.
	authFailureRate  = rate.Limit(10.0 / 60.0)
	authFailureBurst = 10

	// maxLimiterEntries caps the per-IP limiter map; when exceeded the
	// map is dropped wholesale rather than tracked with an LRU.
	maxLimiterEntries = 10000
)

// Gatekeeper applies access policy over the token registry.
type Gatekeeper struct {
	registry *registry.Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds a gatekeeper over the given registry.
func New(reg *registry.Registry, m *metrics.Metrics, logger *slog.Logger) *Gatekeeper {
	return &Gatekeeper{
		registry: reg,
		metrics:  m,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Decide maps a presented bearer token (empty string for absence) to a
// decision. The returned record is non-nil only for authenticated
// decisions; the reason explains a rejection.
func (g *Gatekeeper) Decide(token string) (Decision, *registry.Record, registry.Reason) {
	if g.registry.IsEmpty() {
		return PassthroughAllowed, nil, registry.ReasonNone
	}

	if token == "" {
		return Unauthenticated, nil, registry.ReasonMalformedHeader
	}

	result := g.registry.Validate(token)
	if !result.Valid {
		return Unauthenticated, nil, result.Reason
	}

	if result.Record.Role == config.RoleAdmin {
		return AuthenticatedAdmin, result.Record, registry.ReasonNone
	}

	return AuthenticatedUser, result.Record, registry.ReasonNone
}

// allowFailure rate-limits rejected auth attempts from one IP so a
// scanner cannot probe token values at full speed.
func (g *Gatekeeper) allowFailure(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.limiters) >= maxLimiterEntries {
		g.limiters = make(map[string]*rate.Limiter)
	}

	limiter, ok := g.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(authFailureRate, authFailureBurst)
		g.limiters[ip] = limiter
	}

	return limiter.Allow()
}

// --- Request context ---

type contextKey int

const (
	ctxRole contextKey = iota
	ctxOwner
	ctxToken
	ctxOverrideKey
	ctxRemoteIP
)

// RequestRole returns the authenticated role from the context, or "".
// Passthrough requests carry no role.
func RequestRole(ctx context.Context) string {
	v, _ := ctx.Value(ctxRole).(string)
	return v
}

// RequestOwner returns the token owner from the context, or "".
func RequestOwner(ctx context.Context) string {
	v, _ := ctx.Value(ctxOwner).(string)
	return v
}

// RequestToken returns the raw presented token from the context, or "".
// Used only for usage recording, never logged.
func RequestToken(ctx context.Context) string {
	v, _ := ctx.Value(ctxToken).(string)
	return v
}

// RequestOverrideKey returns the caller-supplied upstream key from the
// context, or "". Set from the X-Upstream-Key header.
func RequestOverrideKey(ctx context.Context) string {
	v, _ := ctx.Value(ctxOverrideKey).(string)
	return v
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}
