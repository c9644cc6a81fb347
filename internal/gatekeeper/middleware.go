package gatekeeper

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"searchrelay/internal/registry"
)

// overrideKeyHeader carries a caller-supplied upstream key. Required
// in passthrough mode; honored as an explicit override in pool mode.
const overrideKeyHeader = "X-Upstream-Key"

// Middleware returns HTTP middleware enforcing the gatekeeper's
// decision. Admitted requests carry identity and the optional upstream
// override key in their context; usage is recorded for every admitted
// token-bearing request.
func (g *Gatekeeper) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}

		token := bearerToken(r.Header.Get("Authorization"))

		decision, record, reason := g.Decide(token)
		if decision == Unauthenticated {
			g.reject(w, ip, r.URL.Path, reason)
			return
		}

		ctx := r.Context()
		ctx = context.WithValue(ctx, ctxRemoteIP, ip)
		ctx = context.WithValue(ctx, ctxOverrideKey, r.Header.Get(overrideKeyHeader))

		if record != nil {
			g.registry.RecordUsage(token)

			ctx = context.WithValue(ctx, ctxRole, string(record.Role))
			ctx = context.WithValue(ctx, ctxOwner, record.Owner)
			ctx = context.WithValue(ctx, ctxToken, token)

			g.logger.Debug("request authenticated",
				slog.String("token", registry.MaskToken(token)),
				slog.String("role", string(record.Role)),
				slog.String("ip", ip),
			)
		} else {
			g.logger.Debug("passthrough request admitted", slog.String("ip", ip))
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin guards the administrative endpoints. An authenticated
// user gets a distinct 403 "forbidden" so callers can tell wrong
// credential from insufficient privilege. With an empty registry the
// admin surface is open, consistent with auth being disabled.
func (g *Gatekeeper) RequireAdmin(next http.Handler) http.Handler {
	return g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role := RequestRole(r.Context())
		if !g.registry.IsEmpty() && role != "admin" {
			g.metrics.AuthRejected.WithLabelValues("forbidden").Inc()
			writeJSONError(w, http.StatusForbidden, "forbidden")

			return
		}

		next.ServeHTTP(w, r)
	}))
}

// reject writes a structured 401, rate-limited per IP. The raw token
// value is never logged.
func (g *Gatekeeper) reject(w http.ResponseWriter, ip, path string, reason registry.Reason) {
	g.metrics.AuthRejected.WithLabelValues(reason.String()).Inc()

	g.logger.Debug("request rejected",
		slog.String("reason", reason.String()),
		slog.String("ip", ip),
		slog.String("path", path),
	)

	if !g.allowFailure(ip) {
		writeJSONError(w, http.StatusTooManyRequests, "rate_limited")
		return
	}

	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	writeJSONError(w, http.StatusUnauthorized, reason.String())
}

// bearerToken extracts the credential from an Authorization header.
// A missing header and a non-Bearer header both yield "", which the
// gatekeeper reports as a malformed header in pool mode.
func bearerToken(header string) string {
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}

	return strings.TrimPrefix(header, "Bearer ")
}

func writeJSONError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}
