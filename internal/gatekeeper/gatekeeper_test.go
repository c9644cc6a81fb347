package gatekeeper

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"searchrelay/internal/config"
	"searchrelay/internal/metrics"
	"searchrelay/internal/registry"
)

func testGate(t *testing.T, specs []config.TokenSpec, legacyAdmin string) *Gatekeeper {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	reg := registry.New(specs, legacyAdmin, nil, logger)

	return New(reg, metrics.New(nil), logger)
}

func userSpec(value, owner string) config.TokenSpec {
	return config.TokenSpec{Value: value, Owner: owner, Role: config.RoleUser, Active: true}
}

// doRequest runs one request through the given handler chain.
func doRequest(handler http.Handler, authHeader, overrideKey string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.RemoteAddr = "10.0.0.1:54321"

	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}

	if overrideKey != "" {
		req.Header.Set("X-Upstream-Key", overrideKey)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	return body["error"]
}

// --- Decide ---

func TestDecide_EmptyRegistryIsPassthrough(t *testing.T) {
	g := testGate(t, nil, "")

	decision, record, reason := g.Decide("")
	assert.Equal(t, PassthroughAllowed, decision)
	assert.Nil(t, record)
	assert.Equal(t, registry.ReasonNone, reason)

	decision, _, _ = g.Decide("anything")
	assert.Equal(t, PassthroughAllowed, decision)
}

func TestDecide_Roles(t *testing.T) {
	g := testGate(t, []config.TokenSpec{userSpec("tok_user_1234", "alice")}, "")

	decision, record, _ := g.Decide("tok_user_1234")
	assert.Equal(t, AuthenticatedUser, decision)
	require.NotNil(t, record)
	assert.Equal(t, "alice", record.Owner)

	admin := testGate(t, nil, "tok_admin_9999")
	decision, _, _ = admin.Decide("tok_admin_9999")
	assert.Equal(t, AuthenticatedAdmin, decision)
}

func TestDecide_MissingToken(t *testing.T) {
	g := testGate(t, []config.TokenSpec{userSpec("tok_user_1234", "alice")}, "")

	decision, _, reason := g.Decide("")
	assert.Equal(t, Unauthenticated, decision)
	assert.Equal(t, registry.ReasonMalformedHeader, reason)
}

// --- Middleware ---

func TestMiddleware_ValidTokenInjectsIdentityAndRecordsUsage(t *testing.T) {
	g := testGate(t, []config.TokenSpec{userSpec("tok_user_1234", "alice")}, "")

	var gotRole, gotOwner string

	handler := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRole = RequestRole(r.Context())
		gotOwner = RequestOwner(r.Context())
	}))

	rec := doRequest(handler, "Bearer tok_user_1234", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user", gotRole)
	assert.Equal(t, "alice", gotOwner)

	doRequest(handler, "Bearer tok_user_1234", "")

	result := g.registry.Validate("tok_user_1234")
	require.True(t, result.Valid)
	assert.Equal(t, int64(2), result.Record.UsageCount)
}

func TestMiddleware_MissingHeaderRejected(t *testing.T) {
	g := testGate(t, []config.TokenSpec{userSpec("tok_user_1234", "alice")}, "")

	handler := g.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))

	rec := doRequest(handler, "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "malformed_header", errorCode(t, rec))
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
}

func TestMiddleware_NonBearerHeaderRejected(t *testing.T) {
	g := testGate(t, []config.TokenSpec{userSpec("tok_user_1234", "alice")}, "")

	handler := g.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))

	rec := doRequest(handler, "Basic dXNlcjpwYXNz", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "malformed_header", errorCode(t, rec))
}

func TestMiddleware_UnknownTokenRejected(t *testing.T) {
	g := testGate(t, []config.TokenSpec{userSpec("tok_user_1234", "alice")}, "")

	handler := g.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))

	rec := doRequest(handler, "Bearer tok_wrong_9999", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "not_found", errorCode(t, rec))
}

func TestMiddleware_ExpiredTokenRejected(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	spec := userSpec("tok_user_1234", "alice")
	spec.ExpiresAt = &past

	g := testGate(t, []config.TokenSpec{spec}, "")

	handler := g.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))

	rec := doRequest(handler, "Bearer tok_user_1234", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "expired", errorCode(t, rec))
}

func TestMiddleware_PassthroughCarriesOverrideKey(t *testing.T) {
	g := testGate(t, nil, "")

	var gotKey, gotRole string

	handler := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = RequestOverrideKey(r.Context())
		gotRole = RequestRole(r.Context())
	}))

	rec := doRequest(handler, "", "caller-upstream-key")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "caller-upstream-key", gotKey)
	assert.Empty(t, gotRole, "passthrough requests carry no role")
}

func TestMiddleware_OverrideKeyHonoredInPoolMode(t *testing.T) {
	g := testGate(t, []config.TokenSpec{userSpec("tok_user_1234", "alice")}, "")

	var gotKey string

	handler := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = RequestOverrideKey(r.Context())
	}))

	doRequest(handler, "Bearer tok_user_1234", "my-own-key")
	assert.Equal(t, "my-own-key", gotKey)
}

func TestMiddleware_RateLimitsRepeatedFailures(t *testing.T) {
	g := testGate(t, []config.TokenSpec{userSpec("tok_user_1234", "alice")}, "")

	handler := g.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	// The burst allows the first authFailureBurst rejections through
	// as 401s; the next becomes 429.
	for i := 0; i < authFailureBurst; i++ {
		rec := doRequest(handler, "Bearer tok_wrong_9999", "")
		require.Equal(t, http.StatusUnauthorized, rec.Code, "attempt %d", i+1)
	}

	rec := doRequest(handler, "Bearer tok_wrong_9999", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

// --- RequireAdmin ---

func TestRequireAdmin_DistinguishesForbiddenFromUnauthenticated(t *testing.T) {
	specs := []config.TokenSpec{
		userSpec("tok_user_1234", "alice"),
		{Value: "tok_admin_999", Owner: "root", Role: config.RoleAdmin, Active: true},
	}
	g := testGate(t, specs, "")

	handler := g.RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Wrong credential: unauthenticated.
	rec := doRequest(handler, "Bearer tok_wrong_0000", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid credential, insufficient privilege: forbidden.
	rec = doRequest(handler, "Bearer tok_user_1234", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", errorCode(t, rec))

	// Admin: admitted.
	rec = doRequest(handler, "Bearer tok_admin_999", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireAdmin_OpenWhenAuthDisabled(t *testing.T) {
	g := testGate(t, nil, "")

	handler := g.RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := doRequest(handler, "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
