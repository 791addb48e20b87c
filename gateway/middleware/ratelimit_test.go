package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"challenges": {RequestsPerMinute: 6, Burst: 1},
	}, nil)
	var rejected []string
	limiter.OnReject(func(group string) { rejected = append(rejected, group) })
	handler := limiter.Middleware("challenges")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/agents/challenge", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusTooManyRequests, res.Code)
	require.Equal(t, "10", res.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
	require.Equal(t, "6 per minute", body["limit"])
	require.EqualValues(t, 10, body["retryAfterSeconds"])
	require.Equal(t, []string{"challenges"}, rejected)
}

func TestRateLimiterSeparatesGroups(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"challenges": {RequestsPerMinute: 1, Burst: 1},
		"catalogue":  {RequestsPerMinute: 1, Burst: 1},
	}, nil)
	challenges := limiter.Middleware("challenges")(okHandler())
	catalogue := limiter.Middleware("catalogue")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/services", nil)
	res := httptest.NewRecorder()
	challenges.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)

	res = httptest.NewRecorder()
	catalogue.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)

	res = httptest.NewRecorder()
	catalogue.ServeHTTP(res, req)
	require.Equal(t, http.StatusTooManyRequests, res.Code)
}

func TestRateLimiterPrefersAPIKeyOverIP(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"catalogue": {RequestsPerMinute: 1, Burst: 1},
	}, nil)
	handler := limiter.Middleware("catalogue")(okHandler())

	for _, key := range []string{"mm_key_a", "mm_key_b"} {
		req := httptest.NewRequest(http.MethodGet, "/services", nil)
		req.Header.Set(HeaderAPIKey, key)
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		require.Equal(t, http.StatusOK, res.Code, "key %s", key)
	}
}

func TestRateLimiterRefillsAndForgetsIdleClients(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	limiter := NewRateLimiter(map[string]RateLimit{
		"challenges": {RequestsPerMinute: 60, Burst: 1},
	}, nil)
	limiter.clockNow = func() time.Time { return now }
	handler := limiter.Middleware("challenges")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/agents/challenge", nil)
	req.Header.Set("X-Real-IP", "203.0.113.7")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)

	now = now.Add(time.Second)
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)

	now = now.Add(time.Hour)
	other := httptest.NewRequest(http.MethodGet, "/agents/challenge", nil)
	other.Header.Set("X-Real-IP", "203.0.113.8")
	handler.ServeHTTP(httptest.NewRecorder(), other)
	limiter.mu.Lock()
	_, stale := limiter.visitors["challenges|203.0.113.7"]
	limiter.mu.Unlock()
	require.False(t, stale)
}

func TestClientIDForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "198.51.100.4, 10.0.0.1")
	require.Equal(t, "198.51.100.4", clientID(req))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.9:4242"
	require.Equal(t, "192.0.2.9", clientID(req))
}
