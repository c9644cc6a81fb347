package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	relayerrors "searchrelay/internal/errors"
	"searchrelay/internal/metrics"
	"searchrelay/internal/pool"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testPool(secrets []string, maxRetries int) *pool.Pool {
	return pool.New(secrets, 3*time.Minute, maxRetries, nil, testLogger())
}

func testExecutor(doer Doer, p *pool.Pool) *Executor {
	return New(doer, p, "https://upstream.test", 5*time.Second, metrics.New(nil), testLogger())
}

func httpResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

// authHeader extracts the credential a request was sent with.
func authHeader(req *http.Request) string {
	return strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
}

// --- Success path ---

func TestExecute_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	doer := NewMockDoer(ctrl)
	exec := testExecutor(doer, testPool([]string{"k1"}, 3))

	doer.EXPECT().Do(gomock.Any()).DoAndReturn(func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "k1", authHeader(req))
		assert.Equal(t, "https://upstream.test/search", req.URL.String())
		assert.Equal(t, "application/json", req.Header.Get("Content-Type"))

		return httpResponse(200, `{"results":[]}`), nil
	})

	body, err := exec.Execute(context.Background(), "/search", map[string]string{"query": "go"}, "")
	require.NoError(t, err)
	assert.JSONEq(t, `{"results":[]}`, string(body))
}

// --- Quota failover ---

func TestExecute_QuotaFailureRotatesAndRetriesOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	doer := NewMockDoer(ctrl)
	p := testPool([]string{"k1", "k2"}, 1)
	exec := testExecutor(doer, p)

	gomock.InOrder(
		doer.EXPECT().Do(gomock.Any()).DoAndReturn(func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "k1", authHeader(req))
			return httpResponse(432, `{"error":"quota exceeded for this key"}`), nil
		}),
		doer.EXPECT().Do(gomock.Any()).DoAndReturn(func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "k2", authHeader(req), "retry uses the rotated-to credential")
			return httpResponse(200, `{"ok":true}`), nil
		}),
	)

	body, err := exec.Execute(context.Background(), "/search", nil, "")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))

	// k1 is dead (maxRetries=1); k2 carries no failure.
	assert.Equal(t, pool.Status{Total: 2, Active: 1, Dead: 1}, p.Status())
}

func TestExecute_RetryOutcomeReturnedVerbatim(t *testing.T) {
	ctrl := gomock.NewController(t)
	doer := NewMockDoer(ctrl)
	exec := testExecutor(doer, testPool([]string{"k1", "k2"}, 1))

	gomock.InOrder(
		doer.EXPECT().Do(gomock.Any()).Return(httpResponse(429, `rate limited`), nil),
		doer.EXPECT().Do(gomock.Any()).Return(httpResponse(500, `server broke`), nil),
	)

	_, err := exec.Execute(context.Background(), "/search", nil, "")

	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr, "second failure propagates without further retries")
	assert.Equal(t, 500, upstreamErr.StatusCode)
}

func TestExecute_PoolExhaustedAfterFailedRotation(t *testing.T) {
	ctrl := gomock.NewController(t)
	doer := NewMockDoer(ctrl)
	p := testPool([]string{"k1"}, 1)
	exec := testExecutor(doer, p)

	doer.EXPECT().Do(gomock.Any()).Return(httpResponse(402, `payment required`), nil)

	_, err := exec.Execute(context.Background(), "/search", nil, "")
	require.ErrorIs(t, err, ErrPoolExhausted)

	var exhaustedErr *PoolExhaustedError
	require.ErrorAs(t, err, &exhaustedErr)
	assert.Equal(t, pool.Status{Total: 1, Dead: 1}, exhaustedErr.Status)
}

func TestExecute_NoPoolNoOverride(t *testing.T) {
	ctrl := gomock.NewController(t)
	doer := NewMockDoer(ctrl)
	exec := testExecutor(doer, nil)

	_, err := exec.Execute(context.Background(), "/search", nil, "")
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

// --- Non-quota failures ---

func TestExecute_UnclassifiedFailureNeverRotates(t *testing.T) {
	ctrl := gomock.NewController(t)
	doer := NewMockDoer(ctrl)
	p := testPool([]string{"k1", "k2"}, 3)
	exec := testExecutor(doer, p)

	doer.EXPECT().Do(gomock.Any()).Return(httpResponse(400, `{"error":"bad request"}`), nil)

	_, err := exec.Execute(context.Background(), "/search", nil, "")

	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	assert.Equal(t, 400, upstreamErr.StatusCode)
	assert.ErrorIs(t, err, relayerrors.ErrUpstreamResponse)

	assert.Equal(t, pool.Status{Total: 2, Active: 2}, p.Status(), "pool untouched")
}

func TestExecute_TransportFailureNeverRotates(t *testing.T) {
	ctrl := gomock.NewController(t)
	doer := NewMockDoer(ctrl)
	p := testPool([]string{"k1", "k2"}, 3)
	exec := testExecutor(doer, p)

	doer.EXPECT().Do(gomock.Any()).Return(nil, fmt.Errorf("dial tcp: connection refused"))

	_, err := exec.Execute(context.Background(), "/search", nil, "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPoolExhausted)
	assert.ErrorIs(t, err, relayerrors.ErrUpstreamRequest)

	var quotaErr *QuotaError
	assert.False(t, errors.As(err, &quotaErr))

	assert.Equal(t, pool.Status{Total: 2, Active: 2}, p.Status(), "pool untouched")
}

func TestExecute_TimeoutNeverRotates(t *testing.T) {
	ctrl := gomock.NewController(t)
	doer := NewMockDoer(ctrl)
	p := testPool([]string{"k1", "k2"}, 3)
	exec := New(doer, p, "https://upstream.test", 20*time.Millisecond, metrics.New(nil), testLogger())

	doer.EXPECT().Do(gomock.Any()).DoAndReturn(func(req *http.Request) (*http.Response, error) {
		// Block until the per-call deadline fires, like a stalled upstream.
		<-req.Context().Done()
		return nil, req.Context().Err()
	})

	_, err := exec.Execute(context.Background(), "/search", nil, "")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, relayerrors.ErrUpstreamRequest)

	var quotaErr *QuotaError
	assert.False(t, errors.As(err, &quotaErr), "a timeout is never quota-class")

	assert.Equal(t, pool.Status{Total: 2, Active: 2}, p.Status(), "pool untouched")
}

// --- Override credential ---

func TestExecute_OverrideBypassesPool(t *testing.T) {
	ctrl := gomock.NewController(t)
	doer := NewMockDoer(ctrl)
	p := testPool([]string{"k1"}, 3)
	exec := testExecutor(doer, p)

	doer.EXPECT().Do(gomock.Any()).DoAndReturn(func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "caller-key", authHeader(req))
		return httpResponse(200, `{}`), nil
	})

	_, err := exec.Execute(context.Background(), "/search", nil, "caller-key")
	require.NoError(t, err)
}

func TestExecute_OverrideQuotaFailurePropagatesWithoutRotation(t *testing.T) {
	ctrl := gomock.NewController(t)
	doer := NewMockDoer(ctrl)
	p := testPool([]string{"k1"}, 1)
	exec := testExecutor(doer, p)

	doer.EXPECT().Do(gomock.Any()).Return(httpResponse(429, `too many requests`), nil)

	_, err := exec.Execute(context.Background(), "/search", nil, "caller-key")

	var quotaErr *QuotaError
	require.ErrorAs(t, err, &quotaErr, "classification still happens")
	assert.Equal(t, 429, quotaErr.StatusCode)

	assert.Equal(t, pool.Status{Total: 1, Active: 1}, p.Status(), "caller-supplied failures never touch the pool")
}

func TestExecute_OverrideWorksWithoutAnyPool(t *testing.T) {
	ctrl := gomock.NewController(t)
	doer := NewMockDoer(ctrl)
	exec := testExecutor(doer, nil)

	doer.EXPECT().Do(gomock.Any()).Return(httpResponse(200, `{}`), nil)

	_, err := exec.Execute(context.Background(), "/search", nil, "caller-key")
	assert.NoError(t, err)
}
