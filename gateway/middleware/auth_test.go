package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"moltmart/store"
)

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestOperatorScopeRequired(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: "s3cret", Issuer: "moltmart"}, nil)
	var scopes []string
	handler := auth.Middleware(ScopeOperator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scopes, _ = r.Context().Value(ContextKeyScopes).([]string)
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + signToken(t, "other", jwt.MapClaims{"iss": "moltmart", "scope": "operator"}), http.StatusUnauthorized},
		{"wrong issuer", "Bearer " + signToken(t, "s3cret", jwt.MapClaims{"iss": "x", "scope": "operator"}), http.StatusUnauthorized},
		{"expired", "Bearer " + signToken(t, "s3cret", jwt.MapClaims{"iss": "moltmart", "scope": "operator", "exp": time.Now().Add(-time.Hour).Unix()}), http.StatusUnauthorized},
		{"no scope", "Bearer " + signToken(t, "s3cret", jwt.MapClaims{"iss": "moltmart", "scope": "read"}), http.StatusForbidden},
		{"operator", "Bearer " + signToken(t, "s3cret", jwt.MapClaims{"iss": "moltmart", "scope": "read operator"}), http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/mints", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			res := httptest.NewRecorder()
			handler.ServeHTTP(res, req)
			require.Equal(t, tc.status, res.Code)
		})
	}
	require.Equal(t, []string{"read", "operator"}, scopes)
}

func TestOperatorRoutesClosedWhenDisabled(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{}, nil)
	handler := auth.Middleware(ScopeOperator)(okHandler())
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/admin/mints", nil))
	require.Equal(t, http.StatusForbidden, res.Code)
}

type agentMap map[string]*store.Agent

func (m agentMap) AgentByAPIKeyHash(ctx context.Context, hash string) (*store.Agent, error) {
	if agent, ok := m[hash]; ok {
		return agent, nil
	}
	return nil, store.ErrNotFound
}

func TestAgentAuth(t *testing.T) {
	agents := agentMap{HashAPIKey("mm_live"): {Name: "weather-bot", WalletAddress: "0xabc"}}
	var seen *store.Agent
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = AgentFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	required := AgentAuth(agents, true, nil)(next)
	res := httptest.NewRecorder()
	required.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/agents/me", nil))
	require.Equal(t, http.StatusUnauthorized, res.Code)

	req := httptest.NewRequest(http.MethodGet, "/agents/me", nil)
	req.Header.Set(HeaderAPIKey, "mm_wrong")
	res = httptest.NewRecorder()
	required.ServeHTTP(res, req)
	require.Equal(t, http.StatusUnauthorized, res.Code)

	req = httptest.NewRequest(http.MethodGet, "/agents/me", nil)
	req.Header.Set("Authorization", "Bearer mm_live")
	res = httptest.NewRecorder()
	required.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)
	require.NotNil(t, seen)
	require.Equal(t, "weather-bot", seen.Name)

	seen = nil
	optional := AgentAuth(agents, false, nil)(next)
	res = httptest.NewRecorder()
	optional.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/services", nil))
	require.Equal(t, http.StatusOK, res.Code)
	require.Nil(t, seen)
}

func TestCORSPreflight(t *testing.T) {
	handler := CORS(CORSConfig{AllowedOrigins: []string{"https://moltmart.app"}})(okHandler())
	req := httptest.NewRequest(http.MethodOptions, "/services", nil)
	req.Header.Set("Origin", "https://moltmart.app")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusNoContent, res.Code)
	require.Equal(t, "https://moltmart.app", res.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, res.Header().Get("Access-Control-Allow-Headers"), "X-PAYMENT")

	req = httptest.NewRequest(http.MethodGet, "/services", nil)
	req.Header.Set("Origin", "https://evil.example")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)
	require.Empty(t, res.Header().Get("Access-Control-Allow-Origin"))
}
