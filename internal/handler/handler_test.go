package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"banking-gateway/internal/bucketing"
	"banking-gateway/internal/client"
	"banking-gateway/internal/config"
	"banking-gateway/internal/models"
	"banking-gateway/internal/ratelimit"
	redisrepo "banking-gateway/internal/repository/redis"
	"banking-gateway/internal/repository/scylla"
	"banking-gateway/internal/service"
)

type testServer struct {
	router http.Handler
	mr     *miniredis.Miniredis
}

func newTestServer(t *testing.T, health func(ctx context.Context) map[string]error) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	store := client.NewRedisClientFromConn(rdb)

	users := scylla.NewMemoryDirectory(
		&models.User{Username: "alice", UserID: "u-alice", Role: "CUSTOMER"},
		&models.User{Username: "mallory", UserID: "u-mallory", Role: "CUSTOMER", IsBlocked: true},
	)

	engine := ratelimit.NewEngine(redisrepo.NewBucketCache(store), bucketing.NewBucketingManager(4),
		ratelimit.WithLocalStaleness(0))
	limiter := service.NewRateLimitService(engine, nil, nil)
	tokens := service.NewRefreshTokenService(users, redisrepo.NewTokenCache(store), nil, config.SessionConfig{
		RefreshTokenDuration: 24 * time.Hour,
		MaxTokensPerUser:     5,
		StoreTimeout:         time.Second,
	})

	router := NewRouter(RouterConfig{TrustPrincipalHeaders: true, HealthCheck: health},
		NewSessionHandler(tokens), limiter, zap.NewNop())
	return &testServer{router: router, mr: mr}
}

func (s *testServer) do(method, path, user, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if user != "" {
		req.Header.Set(headerAuthenticatedUser, user)
		req.Header.Set(headerAuthenticatedRole, "ROLE_CUSTOMER")
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func issuedToken(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Data tokenResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Data.RefreshToken)
	return resp.Data.RefreshToken
}

func TestAuthEndpointsAreLimitedPerAddress(t *testing.T) {
	srv := newTestServer(t, nil)

	for i := 0; i < 10; i++ {
		rec := srv.do(http.MethodPost, "/api/v1/auth/refresh", "", `{}`)
		require.Equal(t, http.StatusBadRequest, rec.Code, "attempt %d", i+1)
		require.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
	}

	rec := srv.do(http.MethodPost, "/api/v1/auth/refresh", "", `{}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	// Real time passes between requests, so the wait is just under 6s and
	// rounds up.
	require.Equal(t, "6", rec.Header().Get("Retry-After"))
	require.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	var body rateLimitExceeded
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "Rate Limit Exceeded", body.Error)
	require.Equal(t, "/api/v1/auth/refresh", body.Path)
	require.Equal(t, int64(10), body.RateLimitInfo.Capacity)
	require.False(t, body.RateLimitInfo.IsAllowed)
	require.NotNil(t, body.RateLimitInfo.RetryAfterMs)

	require.True(t, srv.mr.Exists("rate_limit:ip:192.0.2.1:AUTH"))
}

func TestForwardedAddressSelectsBucket(t *testing.T) {
	srv := newTestServer(t, nil)

	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", strings.NewReader(`{}`))
		req.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
		srv.router.ServeHTTP(httptest.NewRecorder(), req)
	}
	require.True(t, srv.mr.Exists("rate_limit:ip:198.51.100.7:AUTH"))

	// A different forwarded address has its own budget.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", strings.NewReader(`{}`))
	req.Header.Set("X-Forwarded-For", "198.51.100.8")
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "9", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestHealthIsNotRateLimited(t *testing.T) {
	srv := newTestServer(t, nil)

	for i := 0; i < 50; i++ {
		rec := srv.do(http.MethodGet, "/health", "", "")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
	}
	require.False(t, srv.mr.Exists("rate_limit:ip:192.0.2.1:GUEST"))
}

func TestHealthReportsUnhealthyComponents(t *testing.T) {
	srv := newTestServer(t, func(context.Context) map[string]error {
		return map[string]error{"redis": nil, "scylla": errors.New("no hosts available")}
	})

	rec := srv.do(http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "unhealthy", body.Status)
	require.Equal(t, "ok", body.Components["redis"])
	require.Equal(t, "no hosts available", body.Components["scylla"])
}

func TestSessionLifecycle(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.do(http.MethodPost, "/api/v1/auth/sessions", "alice", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	first := issuedToken(t, rec)
	require.True(t, srv.mr.Exists("refresh_token:"+first))
	require.True(t, srv.mr.Exists("rate_limit:user:alice:AUTH"))

	rec = srv.do(http.MethodPost, "/api/v1/auth/refresh", "", `{"refreshToken":"`+first+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	second := issuedToken(t, rec)
	require.NotEqual(t, first, second)
	require.False(t, srv.mr.Exists("refresh_token:"+first))

	rec = srv.do(http.MethodPost, "/api/v1/auth/refresh", "", `{"refreshToken":"`+first+`"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "token_not_found", decodeResponse(t, rec).Error)

	rec = srv.do(http.MethodGet, "/api/v1/auth/sessions", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Data []sessionView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)
	require.Equal(t, second[:8]+"...", list.Data[0].TokenHint)
	require.Equal(t, "192.0.2.1", list.Data[0].IPAddress)

	rec = srv.do(http.MethodPost, "/api/v1/auth/logout-all", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var revoked struct {
		Data map[string]int `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &revoked))
	require.Equal(t, 1, revoked.Data["revoked"])

	rec = srv.do(http.MethodPost, "/api/v1/auth/refresh", "", `{"refreshToken":"`+second+`"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "token_revoked", decodeResponse(t, rec).Error)
}

func TestLogoutIsIdempotent(t *testing.T) {
	srv := newTestServer(t, nil)

	token := issuedToken(t, srv.do(http.MethodPost, "/api/v1/auth/sessions", "alice", ""))
	for i := 0; i < 2; i++ {
		rec := srv.do(http.MethodPost, "/api/v1/auth/logout", "", `{"refreshToken":"`+token+`"}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	require.False(t, srv.mr.Exists("refresh_token:"+token))
}

func TestSessionErrorMapping(t *testing.T) {
	srv := newTestServer(t, nil)

	tests := []struct {
		name   string
		user   string
		status int
		tag    string
	}{
		{name: "anonymous", user: "", status: http.StatusUnauthorized, tag: "authentication_required"},
		{name: "unknown user", user: "nobody", status: http.StatusNotFound, tag: "user_not_found"},
		{name: "blocked user", user: "mallory", status: http.StatusForbidden, tag: "user_blocked"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := srv.do(http.MethodPost, "/api/v1/auth/sessions", tt.user, "")
			require.Equal(t, tt.status, rec.Code)
			resp := decodeResponse(t, rec)
			require.False(t, resp.Success)
			require.Equal(t, tt.tag, resp.Error)
		})
	}
}

func TestStoreOutageFailsOpenAndReportsUnavailable(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.mr.SetError("ERR store offline")

	rec := srv.do(http.MethodPost, "/api/v1/auth/sessions", "alice", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "store_unavailable", decodeResponse(t, rec).Error)
	require.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
}

func TestPrincipalHeadersIgnoredWhenUntrusted(t *testing.T) {
	var seen Principal
	handler := PrincipalMiddleware(false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = PrincipalFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/accounts", nil)
	req.Header.Set(headerAuthenticatedUser, "alice")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	require.False(t, seen.Authenticated())
}

func TestPrincipalHeadersNormalizeRole(t *testing.T) {
	var seen Principal
	handler := PrincipalMiddleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = PrincipalFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/accounts", nil)
	req.Header.Set(headerAuthenticatedUser, " alice ")
	req.Header.Set(headerAuthenticatedRole, "role_admin")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	require.Equal(t, Principal{Username: "alice", Role: "ADMIN"}, seen)
}

func TestSkipRateLimit(t *testing.T) {
	require.True(t, skipRateLimit("/health"))
	require.True(t, skipRateLimit("/healthz"))
	require.True(t, skipRateLimit("/metrics/prometheus"))
	require.True(t, skipRateLimit("/swagger/index.html"))
	require.True(t, skipRateLimit("/error"))
	require.False(t, skipRateLimit("/errors"))
	require.False(t, skipRateLimit("/api/v1/auth/refresh"))
}

func TestUnknownRouteIsLimitedAndReturnsJSON(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.do(http.MethodGet, "/api/v1/nowhere", "", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "20", rec.Header().Get("X-RateLimit-Limit"))
	require.JSONEq(t, `{"error":"endpoint not found"}`, rec.Body.String())
}

func TestPrincipalHeadersValidateUsername(t *testing.T) {
	tests := []struct {
		username      string
		authenticated bool
	}{
		{username: "jscript_dev", authenticated: true},
		{username: "ops@bank.example", authenticated: true},
		{username: "<img onerror=x>", authenticated: false},
		{username: "${jndi:ldap://x}", authenticated: false},
	}
	for _, tt := range tests {
		t.Run(tt.username, func(t *testing.T) {
			var seen Principal
			handler := PrincipalMiddleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = PrincipalFromContext(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/v1/accounts", nil)
			req.Header.Set(headerAuthenticatedUser, tt.username)
			handler.ServeHTTP(httptest.NewRecorder(), req)
			require.Equal(t, tt.authenticated, seen.Authenticated())
		})
	}
}

func TestRetryAfterRoundsUp(t *testing.T) {
	tests := []struct {
		wait time.Duration
		want string
	}{
		{wait: 5999 * time.Millisecond, want: "6"},
		{wait: 6 * time.Second, want: "6"},
		{wait: 6001 * time.Millisecond, want: "7"},
		{wait: 200 * time.Millisecond, want: "1"},
		{wait: 0, want: "1"},
	}
	for _, tt := range tests {
		t.Run(tt.wait.String(), func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/api/v1/accounts", nil)
			writeRateLimitExceeded(rec, req, service.Decision{
				RetryAfter: tt.wait,
				Config:     ratelimit.GuestConfig,
			})
			require.Equal(t, http.StatusTooManyRequests, rec.Code)
			require.Equal(t, tt.want, rec.Header().Get("Retry-After"))
		})
	}
}
