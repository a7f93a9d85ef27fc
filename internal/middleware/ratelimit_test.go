package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duck-adhoc/internal/domain"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	t.Parallel()

	handler := RateLimiter(t.Context(), RateLimitConfig{RequestsPerSecond: 100, Burst: 10})(okHandler())
	for range 5 {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
	}
}

func TestRateLimiter_RejectsOverBurst(t *testing.T) {
	t.Parallel()

	handler := RateLimiter(t.Context(), RateLimitConfig{RequestsPerSecond: 1, Burst: 2})(okHandler())
	for range 2 {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.InDelta(t, float64(429), body["code"], 0.001)
	assert.Equal(t, "rate limit exceeded", body["message"])
}

func TestRateLimiter_KeysByUser(t *testing.T) {
	t.Parallel()

	handler := RateLimiter(t.Context(), RateLimitConfig{RequestsPerSecond: 1, Burst: 1})(okHandler())
	as := func(user string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(domain.WithPrincipal(context.Background(), domain.ContextPrincipal{UserID: user}))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, as("alice"))
	assert.Equal(t, http.StatusTooManyRequests, as("alice"))
	assert.Equal(t, http.StatusOK, as("bob"), "users sharing an address have separate buckets")
}

func TestRateLimiter_PerAddressIsolation(t *testing.T) {
	t.Parallel()

	handler := RateLimiter(t.Context(), RateLimitConfig{RequestsPerSecond: 1, Burst: 1})(okHandler())
	from := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, from("10.0.0.1:1234"))
	assert.Equal(t, http.StatusTooManyRequests, from("10.0.0.1:5678"), "port is not part of the key")
	assert.Equal(t, http.StatusOK, from("10.0.0.2:1234"))
}
