package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forexcopilot/internal/config"
)

func chainHandler(handler http.HandlerFunc, mws ...func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	for _, mw := range mws {
		r.Use(mw)
	}
	r.HandleFunc("/*", handler)
	return r
}

func TestRequestIDMintedAndEchoed(t *testing.T) {
	var seen string
	h := chainHandler(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}, RequestID())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
}

func TestRequestIDHonorsInbound(t *testing.T) {
	var seen string
	h := chainHandler(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
	}, RequestID())

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-ID", "corr-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "corr-123", seen)
	assert.Equal(t, "corr-123", rec.Header().Get("X-Request-ID"))
}

func TestEnvelopeWrapPlainObject(t *testing.T) {
	h := chainHandler(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"rates": map[string]any{"EUR/USD": 1.085}})
	}, RequestID(), EnvelopeWrap())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/forex/rates", nil))

	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "success", env.Status)
	assert.Equal(t, "OK", env.Message)
	assert.NotEmpty(t, env.RequestID)
	data, ok := env.Data.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, data, "rates")
}

func TestEnvelopeWrapIdempotent(t *testing.T) {
	h := chainHandler(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, Envelope{
			Status:  "success",
			Message: "Task created",
			Data:    map[string]any{"id": "t-1"},
		})
	}, RequestID(), EnvelopeWrap())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks/t-1", nil))

	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "Task created", env.Message, "existing envelope is preserved")
	assert.NotEmpty(t, env.RequestID, "request id filled in")
	data, ok := env.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "t-1", data["id"])
}

func TestEnvelopeWrapSkipsNonAPIAndErrors(t *testing.T) {
	h := chainHandler(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/boom") {
			writeJSON(w, http.StatusBadRequest, map[string]any{"oops": true})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}, RequestID(), EnvelopeWrap())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotContains(t, body, "requestId", "non-API path untouched")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/boom", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "oops", "4xx body passes through unchanged")
}

func TestSecurityHeaders(t *testing.T) {
	cfg := config.Config{EnableCSP: true}
	h := chainHandler(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, SecurityHeaders(cfg))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks/", nil))

	hd := rec.Header()
	assert.Equal(t, "nosniff", hd.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", hd.Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", hd.Get("Referrer-Policy"))
	assert.Equal(t, "geolocation=(), microphone=(), camera=()", hd.Get("Permissions-Policy"))
	assert.Equal(t, "same-origin", hd.Get("Cross-Origin-Opener-Policy"))
	assert.Equal(t, "same-origin", hd.Get("Cross-Origin-Resource-Policy"))
	assert.Equal(t, "no-store", hd.Get("Cache-Control"))
	assert.Equal(t, "default-src 'none'; frame-ancestors 'none'", hd.Get("Content-Security-Policy"))
	assert.Empty(t, hd.Get("Strict-Transport-Security"), "HSTS only in production")
}

func TestBodyLimitBoundary(t *testing.T) {
	const limit = 64
	h := chainHandler(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, RequestID(), BodyLimit(limit))

	send := func(length string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/tasks/create", strings.NewReader("{}"))
		req.Header.Set("Content-Length", length)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, send(strconv.Itoa(limit)).Code, "exactly at the limit passes")
	assert.Equal(t, http.StatusRequestEntityTooLarge, send(strconv.Itoa(limit+1)).Code)
	assert.Equal(t, http.StatusBadRequest, send("not-a-number").Code)

	// GET is never limited.
	req := httptest.NewRequest(http.MethodGet, "/api/tasks/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGlobalRateLimit(t *testing.T) {
	cfg := config.Config{RateLimitEnabled: true, RateLimitMax: 3, RateLimitWindowSeconds: 60}
	h := chainHandler(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, RequestID(), GlobalRateLimit(cfg))

	var last *httptest.ResponseRecorder
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/forex/rates", nil)
		req.RemoteAddr = "10.0.0.9:1234"
		last = httptest.NewRecorder()
		h.ServeHTTP(last, req)
	}
	assert.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.NotEmpty(t, last.Header().Get("Retry-After"))

	var env Envelope
	require.NoError(t, json.Unmarshal(last.Body.Bytes(), &env))
	assert.Equal(t, "error", env.Status)

	// Exempt paths never 429.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "10.0.0.9:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitedRetryAfterTracksWindow(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(250*time.Second).Unix(), 10))
	rateLimited(rec, httptest.NewRequest(http.MethodGet, "/api/forex/rates", nil))

	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.InDelta(t, 250, retry, 2, "Retry-After follows the window remainder")

	// Without a reset header the floor of one second applies.
	rec = httptest.NewRecorder()
	rateLimited(rec, httptest.NewRequest(http.MethodGet, "/api/forex/rates", nil))
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// A limiter-stamped value is preserved.
	rec = httptest.NewRecorder()
	rec.Header().Set("Retry-After", "42")
	rateLimited(rec, httptest.NewRequest(http.MethodGet, "/api/forex/rates", nil))
	assert.Equal(t, "42", rec.Header().Get("Retry-After"))
}

func TestAuthRateLimitOnlyAuthPaths(t *testing.T) {
	cfg := config.Config{AuthRateLimitEnabled: true, AuthRateLimitMax: 1, AuthRateLimitWindowSeconds: 300}
	h := chainHandler(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, RequestID(), AuthRateLimit(cfg))

	hit := func(path string) int {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.RemoteAddr = "10.0.0.7:4321"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, hit("/api/auth/login"))
	assert.Equal(t, http.StatusTooManyRequests, hit("/api/auth/login"))
	assert.Equal(t, http.StatusOK, hit("/api/tasks/create"), "non-auth path unaffected")
}

func TestRecovererTurnsPanicInto500(t *testing.T) {
	h := chainHandler(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}, RequestID(), Recoverer())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "error", env.Status)
}

func TestCORSDevAllowsLocalhost(t *testing.T) {
	cfg := config.Config{AppEnv: "dev", CORSMaxAgeSeconds: 300}
	h := chainHandler(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, CORS(cfg))

	req := httptest.NewRequest(http.MethodOptions, "/api/tasks/", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSProdRejectsUnknownOrigin(t *testing.T) {
	cfg := config.Config{AppEnv: "prod", CORSOrigins: []string{"https://app.example.com"}, CORSMaxAgeSeconds: 300}
	h := chainHandler(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, CORS(cfg))

	req := httptest.NewRequest(http.MethodOptions, "/api/tasks/", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://app.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}
