package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"feedoracle/observability/logging"
)

var alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")

func okHandler(t *testing.T, wantCaller *common.Address) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := Caller(r.Context())
		if wantCaller != nil {
			require.True(t, ok)
			require.Equal(t, *wantCaller, caller)
		}
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, req *http.Request) int {
	res := httptest.NewRecorder()
	h.ServeHTTP(res, req)
	return res.Code
}

func TestAuthenticatorResolvesCaller(t *testing.T) {
	cfg := AuthConfig{Enabled: true, HMACSecret: "s3cret", Issuer: "feedoracle", Audience: "oracled"}
	auth := NewAuthenticator(cfg, nil)
	handler := auth.Middleware(ScopeRead)(okHandler(t, &alice))

	token, err := IssueToken(cfg, alice, []string{ScopeRead}, time.Hour, time.Now())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/oracles/open/feeds/123", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	require.Equal(t, http.StatusOK, serve(handler, req))

	req = httptest.NewRequest(http.MethodGet, "/oracles/open/feeds/123", nil)
	require.Equal(t, http.StatusUnauthorized, serve(handler, req))
}

func TestAuthenticatorLogsNoSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	cfg := AuthConfig{Enabled: true, HMACSecret: "s3cret-hmac", Issuer: "feedoracle"}
	auth := NewAuthenticator(cfg, logger)
	handler := auth.Middleware(ScopeRead)(okHandler(t, nil))

	forged, err := IssueToken(AuthConfig{HMACSecret: "other"}, alice, []string{ScopeRead}, time.Hour, time.Now())
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/oracles/open/feeds/123", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	require.Equal(t, http.StatusUnauthorized, serve(handler, req))

	out := buf.String()
	require.NotContains(t, out, "s3cret-hmac")
	require.NotContains(t, out, forged)
	require.Equal(t, 2, strings.Count(out, logging.RedactedValue), out)
}

func TestAuthenticatorEnforcesScopes(t *testing.T) {
	cfg := AuthConfig{Enabled: true, HMACSecret: "s3cret"}
	auth := NewAuthenticator(cfg, nil)
	handler := auth.Middleware(ScopeWrite)(okHandler(t, nil))

	reader, err := IssueToken(cfg, alice, []string{ScopeRead}, time.Hour, time.Now())
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/datanode/feeds", nil)
	req.Header.Set("Authorization", "Bearer "+reader)
	require.Equal(t, http.StatusForbidden, serve(handler, req))

	admin, err := IssueToken(cfg, alice, []string{ScopeAdmin}, time.Hour, time.Now())
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+admin)
	require.Equal(t, http.StatusOK, serve(handler, req))
}

func TestAuthenticatorRejectsForeignTokens(t *testing.T) {
	cfg := AuthConfig{Enabled: true, HMACSecret: "s3cret", Issuer: "feedoracle"}
	handler := NewAuthenticator(cfg, nil).Middleware()(okHandler(t, nil))

	forged, err := IssueToken(AuthConfig{HMACSecret: "other", Issuer: "feedoracle"}, alice, nil, time.Hour, time.Now())
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	require.Equal(t, http.StatusUnauthorized, serve(handler, req))

	expired, err := IssueToken(cfg, alice, nil, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+expired)
	require.Equal(t, http.StatusUnauthorized, serve(handler, req))

	wrongIssuer, err := IssueToken(AuthConfig{HMACSecret: "s3cret", Issuer: "elsewhere"}, alice, nil, time.Hour, time.Now())
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+wrongIssuer)
	require.Equal(t, http.StatusUnauthorized, serve(handler, req))
}

func TestAuthenticatorAnonymousOptionalPaths(t *testing.T) {
	cfg := AuthConfig{Enabled: true, HMACSecret: "s3cret", OptionalPaths: []string{"/oracles/open"}, AllowAnonymous: true}
	handler := NewAuthenticator(cfg, nil).Middleware(ScopeRead)(okHandler(t, nil))

	require.Equal(t, http.StatusOK, serve(handler, httptest.NewRequest(http.MethodGet, "/oracles/open/feeds/1", nil)))
	require.Equal(t, http.StatusUnauthorized, serve(handler, httptest.NewRequest(http.MethodGet, "/oracles/payperuse/feeds/1", nil)))
}

func TestDisabledAuthUsesCallerHeader(t *testing.T) {
	handler := NewAuthenticator(AuthConfig{}, nil).Middleware(ScopeAdmin)(okHandler(t, &alice))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(CallerHeader, alice.Hex())
	require.Equal(t, http.StatusOK, serve(handler, req))

	req.Header.Set(CallerHeader, "nope")
	require.Equal(t, http.StatusBadRequest, serve(handler, req))
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{"reads": {RatePerSecond: 1, Burst: 1}}, nil)
	handler := limiter.Middleware("reads")(okHandler(t, nil))

	req := httptest.NewRequest(http.MethodGet, "/oracles/open/feeds/1", nil)
	require.Equal(t, http.StatusOK, serve(handler, req))
	require.Equal(t, http.StatusTooManyRequests, serve(handler, req))
}

func TestRateLimiterSeparatesGroupsAndClients(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"reads":  {RatePerSecond: 1, Burst: 1},
		"writes": {RatePerSecond: 1, Burst: 1},
	}, nil)
	reads := limiter.Middleware("reads")(okHandler(t, nil))
	writes := limiter.Middleware("writes")(okHandler(t, nil))

	reqA := httptest.NewRequest(http.MethodGet, "/", nil)
	reqA.Header.Set("X-API-Key", "tenant-A")
	require.Equal(t, http.StatusOK, serve(reads, reqA))
	require.Equal(t, http.StatusOK, serve(writes, reqA))

	reqB := httptest.NewRequest(http.MethodGet, "/", nil)
	reqB.Header.Set("X-API-Key", "tenant-B")
	require.Equal(t, http.StatusOK, serve(reads, reqB))
	require.Equal(t, http.StatusTooManyRequests, serve(reads, reqA))
}

func TestRateLimiterAppliesRouteTokens(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"payperuse": {
			RatePerSecond: 5,
			Burst:         5,
			DefaultTokens: 1,
			Tokens:        map[string]int{"POST /oracles/payperuse/requests": 3},
		},
	}, nil)
	handler := limiter.Middleware("payperuse")(okHandler(t, nil))

	req := httptest.NewRequest(http.MethodPost, "/oracles/payperuse/requests", nil)
	require.Equal(t, http.StatusOK, serve(handler, req))
	require.Equal(t, http.StatusTooManyRequests, serve(handler, req))

	price := httptest.NewRequest(http.MethodGet, "/oracles/payperuse/price/1", nil)
	require.Equal(t, http.StatusOK, serve(handler, price))
}

func TestUnlimitedGroupPassesThrough(t *testing.T) {
	handler := NewRateLimiter(nil, nil).Middleware("reads")(okHandler(t, nil))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusOK, serve(handler, req))
	}
}
