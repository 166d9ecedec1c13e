package main

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/curatedhealth/vital-expert-platform-sub045/config"
	"github.com/curatedhealth/vital-expert-platform-sub045/types"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Success bool `json:"success"`
		Error   struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.Success)
	return body.Error.Code
}

func TestSecurityHeaders(t *testing.T) {
	w := serve(SecurityHeaders()(okHandler()), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "default-src 'self'", w.Header().Get("Content-Security-Policy"))
}

func TestRequestID(t *testing.T) {
	var seen string
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}), SecurityHeaders(), RequestID())

	w := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, w.Header().Get("X-Request-ID"), seen)
	assert.Contains(t, seen, "req-")

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "client-42")
	w = serve(h, r)
	assert.Equal(t, "client-42", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "client-42", seen)

	assert.Empty(t, RequestIDFromContext(context.Background()))
}

func TestRecovery(t *testing.T) {
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}), RequestID(), Recovery(zap.NewNop()))

	w := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, string(types.ErrInternalError), errorCode(t, w))
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/health", "/health"},
		{"/api/v1/consultations", "/api/v1/consultations"},
		{"/api/v1/consultations/6f1c2a4e-8b7d-4c1e-9a2b-3d4e5f6a7b8c", "/api/v1/consultations/:id"},
		{"/api/v1/consultations/6f1c2a4e-8b7d-4c1e-9a2b-3d4e5f6a7b8c/events", "/api/v1/consultations/:id/events"},
		{"/api/v1/consultations/12345/cancel", "/api/v1/consultations/:id/cancel"},
		{"/api/v1/consultations/not-an-id", "/api/v1/consultations/not-an-id"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizePath(tt.in), tt.in)
	}
}

// hijackRecorder 支持 Flush 与 Hijack 的测试 ResponseWriter
type hijackRecorder struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (h *hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	c1, _ := net.Pipe()
	return c1, bufio.NewReadWriter(bufio.NewReader(c1), bufio.NewWriter(c1)), nil
}

func TestStatusWriter_PassesThroughStreamingInterfaces(t *testing.T) {
	rec := &hijackRecorder{ResponseRecorder: httptest.NewRecorder()}
	sw := newStatusWriter(rec)

	var w http.ResponseWriter = sw
	f, ok := w.(http.Flusher)
	require.True(t, ok)
	f.Flush()
	assert.True(t, rec.Flushed)
	assert.Equal(t, http.StatusOK, sw.statusCode)

	hj, ok := w.(http.Hijacker)
	require.True(t, ok)
	conn, _, err := hj.Hijack()
	require.NoError(t, err)
	defer conn.Close()
	assert.True(t, rec.hijacked)
	assert.Equal(t, http.StatusSwitchingProtocols, sw.statusCode)

	assert.Same(t, rec, sw.Unwrap())

	plain := newStatusWriter(httptest.NewRecorder())
	_, _, err = plain.Hijack()
	assert.Error(t, err)
}

func TestStatusWriter_RecordsStatusAndBytes(t *testing.T) {
	sw := newStatusWriter(httptest.NewRecorder())
	sw.WriteHeader(http.StatusAccepted)
	sw.WriteHeader(http.StatusTeapot)
	n, err := sw.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, http.StatusAccepted, sw.statusCode)
	assert.EqualValues(t, 5, sw.bytesWritten)
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://app.example.com"})(okHandler())

	r := httptest.NewRequest(http.MethodOptions, "/api/v1/consultations", nil)
	r.Header.Set("Origin", "https://app.example.com")
	w := serve(h, r)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Expose-Headers"), "X-Session-ID")

	r = httptest.NewRequest(http.MethodOptions, "/api/v1/consultations", nil)
	r.Header.Set("Origin", "https://evil.example.com")
	w = serve(h, r)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	r = httptest.NewRequest(http.MethodGet, "/health", nil)
	w = serve(h, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPIKeyAuth(t *testing.T) {
	h := APIKeyAuth([]string{"secret"}, skipAuthPaths, true, zap.NewNop())(okHandler())

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"health skips auth", "/health", "", http.StatusOK},
		{"missing key", "/api/v1/consultations", "", http.StatusUnauthorized},
		{"wrong key", "/api/v1/consultations", "nope", http.StatusUnauthorized},
		{"header key", "/api/v1/consultations", "secret", http.StatusOK},
		{"query key", "/api/v1/consultations/x/events?api_key=secret", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				r.Header.Set("X-API-Key", tt.header)
			}
			w := serve(h, r)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Equal(t, string(types.ErrUnauthorized), errorCode(t, w))
			}
		})
	}

	noQuery := APIKeyAuth([]string{"secret"}, nil, false, zap.NewNop())(okHandler())
	w := serve(noQuery, httptest.NewRequest(http.MethodGet, "/x?api_key=secret", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestJWTAuth(t *testing.T) {
	cfg := config.JWTConfig{Enabled: true, Secret: "s3cret", Issuer: "vital", Audience: "consult"}

	var tenant, user string
	var roles []string
	h := JWTAuth(cfg, skipAuthPaths, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, _ = types.TenantID(r.Context())
		user, _ = types.UserID(r.Context())
		roles, _ = types.Roles(r.Context())
	}))

	valid := signHS256(t, "s3cret", jwt.MapClaims{
		"iss": "vital", "aud": "consult", "exp": time.Now().Add(time.Hour).Unix(),
		"tenant_id": "tenant-a", "user_id": "u-1", "roles": []any{"reviewer", 7},
	})
	r := httptest.NewRequest(http.MethodGet, "/api/v1/consultations", nil)
	r.Header.Set("Authorization", "Bearer "+valid)
	w := serve(h, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "tenant-a", tenant)
	assert.Equal(t, "u-1", user)
	assert.Equal(t, []string{"reviewer"}, roles)

	rejected := map[string]string{
		"missing header": "",
		"wrong secret": "Bearer " + signHS256(t, "other", jwt.MapClaims{
			"iss": "vital", "aud": "consult", "exp": time.Now().Add(time.Hour).Unix(),
		}),
		"expired": "Bearer " + signHS256(t, "s3cret", jwt.MapClaims{
			"iss": "vital", "aud": "consult", "exp": time.Now().Add(-time.Hour).Unix(),
		}),
		"wrong issuer": "Bearer " + signHS256(t, "s3cret", jwt.MapClaims{
			"iss": "someone", "aud": "consult", "exp": time.Now().Add(time.Hour).Unix(),
		}),
		"not bearer": "Basic abc",
	}
	for name, header := range rejected {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/v1/consultations", nil)
			if header != "" {
				r.Header.Set("Authorization", header)
			}
			w := serve(h, r)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}

	w = serve(h, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := RateLimiter(ctx, 1, 2, zap.NewNop())(okHandler())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = "10.0.0.1:1234"
		codes = append(codes, serve(h, r).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.2:1234"
	assert.Equal(t, http.StatusOK, serve(h, r).Code)

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:9999"
	w := serve(h, r)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, string(types.ErrRateLimited), errorCode(t, w))
}

func TestTenantRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := TenantRateLimiter(ctx, 1, 1, zap.NewNop())(okHandler())

	req := func(tenant, addr string) int {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = addr
		if tenant != "" {
			r = r.WithContext(types.WithTenantID(r.Context(), tenant))
		}
		return serve(h, r).Code
	}

	assert.Equal(t, http.StatusOK, req("tenant-a", "10.0.0.1:1"))
	// 同一租户换 IP 仍受限
	assert.Equal(t, http.StatusTooManyRequests, req("tenant-a", "10.0.0.9:1"))
	assert.Equal(t, http.StatusOK, req("tenant-b", "10.0.0.1:1"))
	assert.Equal(t, http.StatusOK, req("", "10.0.0.1:1"))
}

func TestKeyedLimiter_Evict(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := newKeyedLimiter(ctx, 1, 1)
	l.allow("a")
	l.mu.Lock()
	l.visitors["a"].lastSeen = time.Now().Add(-time.Hour)
	l.mu.Unlock()
	l.allow("b")

	l.evict(time.Minute)
	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.visitors, "a")
	assert.Contains(t, l.visitors, "b")
}

func TestMetricsAndLoggerPreserveFlusher(t *testing.T) {
	var flusher bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, flusher = w.(http.Flusher)
	})
	h := Chain(inner, RequestLogger(zap.NewNop()), OTelTracing())
	serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/consultations/abc/events", nil))
	assert.True(t, flusher)
}
