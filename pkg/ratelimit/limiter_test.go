package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(maxRequests int, window time.Duration) *Limiter {
	return New(Config{Enabled: true, MaxRequests: maxRequests, Window: window}, log.NewNopLogger())
}

func TestAllowWithinBudget(t *testing.T) {
	l := newTestLimiter(10, time.Minute)

	for i := 0; i < 10; i++ {
		ok, _ := l.Allow("10.0.0.1")
		require.True(t, ok, "request %d should be allowed", i)
	}
	ok, retryAfter := l.Allow("10.0.0.1")
	require.False(t, ok)
	require.Greater(t, retryAfter, time.Duration(0))
}

func TestClientsAreIndependent(t *testing.T) {
	l := newTestLimiter(5, time.Minute)

	for i := 0; i < 5; i++ {
		ok, _ := l.Allow("10.0.0.1")
		require.True(t, ok)
	}
	ok, _ := l.Allow("10.0.0.1")
	require.False(t, ok)

	ok, _ = l.Allow("10.0.0.2")
	require.True(t, ok)
}

func TestEvictIdleClients(t *testing.T) {
	l := newTestLimiter(5, time.Minute)
	now := time.Now()
	l.now = func() time.Time { return now }

	l.Allow("10.0.0.1")
	l.Allow("10.0.0.2")

	// Not yet idle for two windows.
	now = now.Add(time.Minute)
	require.Equal(t, 0, l.Evict())

	now = now.Add(time.Minute)
	require.Equal(t, 2, l.Evict())
	require.Empty(t, l.clients)
}

func TestMiddlewareThrottles(t *testing.T) {
	l := newTestLimiter(2, time.Minute)
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	do := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.RemoteAddr = "10.0.0.1:55000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusAccepted, do("/v1/metrics").Code)
	require.Equal(t, http.StatusAccepted, do("/v1/metrics").Code)

	rec := do("/v1/metrics")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
	require.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	require.Contains(t, rec.Body.String(), "retry_after_seconds")

	// Health endpoints bypass the limiter entirely.
	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusAccepted, do("/health").Code)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.9:1234"
	require.Equal(t, "192.168.1.9", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	require.Equal(t, "203.0.113.7", ClientIP(req))
}
