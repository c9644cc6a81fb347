// Package executor performs outbound upstream calls with credential
// failover. Each call acquires a key from the pool (or uses a
// caller-supplied override), classifies the outcome, and on a
// quota-class failure rotates the pool and retries exactly once.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	relayerrors "searchrelay/internal/errors"
	"searchrelay/internal/metrics"
	"searchrelay/internal/pool"
)

// ErrPoolExhausted is the sentinel for errors.Is checks against
// PoolExhaustedError.
var ErrPoolExhausted = errors.New("credential pool exhausted")

// PoolExhaustedError reports that no upstream credential was available,
// with a snapshot of the pool at the time of failure.
type PoolExhaustedError struct {
	Status pool.Status
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("credential pool exhausted (%d total: %d cooling down, %d dead)",
		e.Status.Total, e.Status.Cooldown, e.Status.Dead)
}

// Unwrap returns the sentinel error for errors.Is compatibility.
func (e *PoolExhaustedError) Unwrap() error {
	return ErrPoolExhausted
}

// QuotaError is a quota-class upstream failure: the credential is
// exhausted or rejected, and rotation is the right response.
type QuotaError struct {
	StatusCode int
	Body       string
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("upstream quota failure (status %d)", e.StatusCode)
}

// Unwrap exposes the response-class sentinel for errors.Is matching.
func (e *QuotaError) Unwrap() error {
	return relayerrors.ErrUpstreamResponse
}

// UpstreamError is a non-2xx upstream response that is not
// quota-class. It propagates to the caller without rotation.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error (status %d): %s", e.StatusCode, e.Body)
}

// Unwrap exposes the response-class sentinel for errors.Is matching.
func (e *UpstreamError) Unwrap() error {
	return relayerrors.ErrUpstreamResponse
}

// maxResponseBytes caps response body reads to prevent a misbehaving
// upstream from consuming unbounded memory.
const maxResponseBytes = 4 * 1024 * 1024

// Doer is the single abstract "perform an HTTP call" capability the
// executor depends on. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Executor wraps outbound calls with pool-backed failover.
type Executor struct {
	doer    Doer
	pool    *pool.Pool
	baseURL string
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New builds an executor. A nil doer gets a plain http.Client; the
// per-call timeout comes from the context deadline set in Execute.
// The pool may be nil when the relay runs purely in passthrough mode.
func New(doer Doer, p *pool.Pool, baseURL string, timeout time.Duration, m *metrics.Metrics, logger *slog.Logger) *Executor {
	if doer == nil {
		doer = &http.Client{}
	}

	return &Executor{
		doer:    doer,
		pool:    p,
		baseURL: baseURL,
		timeout: timeout,
		metrics: m,
		logger:  logger,
	}
}

// Execute POSTs a JSON payload to endpoint. With an override
// credential the pool is never consulted: every failure propagates
// as-is. With a pool-sourced credential, a quota-class failure records
// the failure, rotates, and retries the call exactly once with the new
// credential; the retry's outcome is returned verbatim. A rotation
// that finds no available credential fails with PoolExhaustedError.
func (e *Executor) Execute(ctx context.Context, endpoint string, payload any, override string) ([]byte, error) {
	secret := override
	poolSourced := false

	if secret == "" {
		if e.pool == nil || e.pool.Size() == 0 {
			e.metrics.PoolExhausted.Inc()
			return nil, &PoolExhaustedError{}
		}

		active, ok := e.pool.ActiveCredential()
		if !ok {
			e.metrics.PoolExhausted.Inc()
			return nil, &PoolExhaustedError{Status: e.pool.Status()}
		}

		secret = active
		poolSourced = true
	}

	body, err := e.call(ctx, endpoint, payload, secret)

	var quotaErr *QuotaError
	if err == nil || !errors.As(err, &quotaErr) || !poolSourced {
		e.count(endpoint, err)
		return body, err
	}

	// Quota-class failure on a pool credential: rotate and retry once.
	e.metrics.UpstreamRequests.WithLabelValues(endpoint, "quota_failure").Inc()

	rotated := e.pool.RecordFailure(fmt.Sprintf("status %d", quotaErr.StatusCode))
	if !rotated {
		e.metrics.PoolExhausted.Inc()
		return nil, &PoolExhaustedError{Status: e.pool.Status()}
	}

	e.metrics.Rotations.Inc()
	e.logger.Info("rotated upstream credential", slog.String("endpoint", endpoint))

	next, ok := e.pool.ActiveCredential()
	if !ok {
		// Another request may have burned the rotated-to credential
		// during our failed call.
		e.metrics.PoolExhausted.Inc()
		return nil, &PoolExhaustedError{Status: e.pool.Status()}
	}

	body, err = e.call(ctx, endpoint, payload, next)
	e.count(endpoint, err)

	return body, err
}

// call performs one HTTP round trip with the per-call timeout.
func (e *Executor) call(ctx context.Context, endpoint string, payload any, secret string) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding request payload: %w", relayerrors.ErrUpstreamRequest, err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %w", relayerrors.ErrUpstreamRequest, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+secret)

	resp, err := e.doer.Do(req)
	if err != nil {
		// Timeouts and transport errors never indicate quota
		// exhaustion, so they never trigger rotation.
		return nil, fmt.Errorf("%w: %w", relayerrors.ErrUpstreamRequest, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %w", relayerrors.ErrUpstreamResponse, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	if classifyQuota(resp.StatusCode, body) {
		return nil, &QuotaError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: string(body)}
}

// count records the final outcome of a request for metrics.
func (e *Executor) count(endpoint string, err error) {
	outcome := "success"
	if err != nil {
		var quotaErr *QuotaError
		if errors.As(err, &quotaErr) {
			outcome = "quota_failure"
		} else {
			outcome = "transport_failure"
		}
	}

	e.metrics.UpstreamRequests.WithLabelValues(endpoint, outcome).Inc()
}
