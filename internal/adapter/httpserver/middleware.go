package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/oklog/ulid/v2"

	"forexcopilot/internal/config"
	"forexcopilot/internal/domain"
)

const apiPrefix = "/api"

// requestIDHeader is the inbound/outbound correlation header.
const requestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// RequestIDFrom returns the correlation id attached to the context.
func RequestIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

var ulidEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0) //nolint:gosec // ULID entropy does not need crypto randomness.

func newReqID() string {
	id, err := ulid.New(ulid.Timestamp(time.Now()), ulidEntropy)
	if err != nil {
		return time.Now().UTC().Format("20060102150405.000000000")
	}
	return id.String()
}

// RequestID honors the inbound correlation header, minting a fresh id
// when absent, and mirrors it onto the response.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := strings.TrimSpace(r.Header.Get(requestIDHeader))
			if reqID == "" {
				reqID = newReqID()
			}
			ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
			w.Header().Set(requestIDHeader, reqID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Recoverer turns handler panics into a 500 envelope.
func Recoverer() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					slog.Error("panic recovered", slog.Any("recover", rec), slog.String("path", r.URL.Path))
					writeError(w, r, domain.ErrInternal, nil)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// isUpgrade reports whether the request negotiates a protocol switch;
// upgraded connections need the raw writer for hijacking.
func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// bufferingWriter captures status and body so the envelope middleware can
// re-shape the response before it reaches the wire.
type bufferingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (b *bufferingWriter) WriteHeader(status int) { b.status = status }

func (b *bufferingWriter) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

// EnvelopeWrap normalizes successful JSON responses on API paths into the
// envelope. Bodies that already carry the envelope keys only get their
// request id filled in; wrapping is idempotent.
func EnvelopeWrap() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, apiPrefix) || r.Method == http.MethodOptions || isUpgrade(r) {
				next.ServeHTTP(w, r)
				return
			}
			bw := &bufferingWriter{ResponseWriter: w}
			next.ServeHTTP(bw, r)

			status := bw.status
			if status == 0 {
				status = http.StatusOK
			}
			contentType := w.Header().Get("Content-Type")
			if status >= 400 || !strings.Contains(contentType, "application/json") {
				flush(w, status, bw.body.Bytes())
				return
			}

			var obj any
			if err := json.Unmarshal(bw.body.Bytes(), &obj); err != nil {
				flush(w, status, bw.body.Bytes())
				return
			}
			env := shapeEnvelope(obj, RequestIDFrom(r.Context()))
			encoded, err := json.Marshal(env)
			if err != nil {
				flush(w, status, bw.body.Bytes())
				return
			}
			flush(w, status, append(encoded, '\n'))
		})
	}
}

func shapeEnvelope(obj any, requestID string) Envelope {
	if m, ok := obj.(map[string]any); ok {
		if env, ok := asEnvelope(m); ok {
			if env.RequestID == "" {
				env.RequestID = requestID
			}
			return env
		}
		message := "OK"
		if s, ok := m["message"].(string); ok && s != "" {
			message = s
		}
		return Envelope{Status: "success", Message: message, Data: m, RequestID: requestID}
	}
	return Envelope{Status: "success", Message: "OK", Data: normalizeData(obj), RequestID: requestID}
}

func flush(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// SecurityHeaders sets the strict header set for a JSON API. CSP and HSTS
// follow the config toggles.
func SecurityHeaders(cfg config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
			h.Set("Cross-Origin-Opener-Policy", "same-origin")
			h.Set("Cross-Origin-Resource-Policy", "same-origin")
			if strings.HasPrefix(r.URL.Path, apiPrefix) {
				h.Set("Cache-Control", "no-store")
			}
			if cfg.EnableCSP {
				h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			}
			if cfg.EnableHSTS && cfg.IsProd() {
				h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BodyLimit rejects oversized mutating API requests. A body at exactly the
// limit passes; limit+1 is a 413; an unparseable length is a 400.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mutating := r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch
			if !mutating || !strings.HasPrefix(r.URL.Path, apiPrefix) {
				next.ServeHTTP(w, r)
				return
			}
			if cl := r.Header.Get("Content-Length"); cl != "" {
				n, err := strconv.ParseInt(cl, 10, 64)
				if err != nil || n < 0 {
					writeError(w, r, domain.ErrInvalidArgument, "invalid Content-Length")
					return
				}
				if n > maxBytes {
					writeJSON(w, http.StatusRequestEntityTooLarge, Envelope{
						Status:    "error",
						Message:   "Request body too large",
						RequestID: RequestIDFrom(r.Context()),
					})
					return
				}
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimited is the envelope-shaped 429 handler shared by both limiters.
// Retry-After reflects the remainder of the limiter window; httprate has
// already stamped X-RateLimit-Reset (unix seconds) on the response.
func rateLimited(w http.ResponseWriter, r *http.Request) {
	if w.Header().Get("Retry-After") == "" {
		retry := int64(1)
		if reset, err := strconv.ParseInt(w.Header().Get("X-RateLimit-Reset"), 10, 64); err == nil {
			if secs := reset - time.Now().Unix(); secs > retry {
				retry = secs
			}
		}
		w.Header().Set("Retry-After", strconv.FormatInt(retry, 10))
	}
	writeJSON(w, http.StatusTooManyRequests, Envelope{
		Status:    "error",
		Message:   "Too many requests",
		RequestID: RequestIDFrom(r.Context()),
	})
}

// authPaths are the endpoints covered by the tighter auth limiter.
var authPaths = map[string]bool{
	"/api/auth/login":    true,
	"/api/auth/register": true,
	"/api/auth/refresh":  true,
}

// AuthRateLimit applies a sliding window per (client ip, path) on the
// authentication endpoints.
func AuthRateLimit(cfg config.Config) func(http.Handler) http.Handler {
	if !cfg.AuthRateLimitEnabled {
		return passthrough
	}
	limiter := httprate.Limit(
		cfg.AuthRateLimitMax,
		time.Duration(cfg.AuthRateLimitWindowSeconds)*time.Second,
		httprate.WithKeyFuncs(httprate.KeyByIP, httprate.KeyByEndpoint),
		httprate.WithLimitHandler(rateLimited),
	)
	return func(next http.Handler) http.Handler {
		limited := limiter(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if authPaths[r.URL.Path] {
				limited.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// limiterExemptPaths skip the global limiter so probes and docs never 429.
var limiterExemptPaths = map[string]bool{
	"/":             true,
	"/health":       true,
	"/healthz":      true,
	"/api/health":   true,
	"/docs":         true,
	"/openapi.json": true,
	"/redoc":        true,
}

// GlobalRateLimit applies a sliding window per client ip to everything
// except the exempt paths.
func GlobalRateLimit(cfg config.Config) func(http.Handler) http.Handler {
	if !cfg.RateLimitEnabled {
		return passthrough
	}
	limiter := httprate.Limit(
		cfg.RateLimitMax,
		time.Duration(cfg.RateLimitWindowSeconds)*time.Second,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(rateLimited),
	)
	return func(next http.Handler) http.Handler {
		limited := limiter(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiterExemptPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			limited.ServeHTTP(w, r)
		})
	}
}

func passthrough(next http.Handler) http.Handler { return next }

// CORS builds the cross-origin policy. Production serves the strict
// allow-list only; development additionally accepts any localhost origin.
func CORS(cfg config.Config) func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", requestIDHeader},
		ExposedHeaders:   []string{requestIDHeader},
		AllowCredentials: true,
		MaxAge:           cfg.CORSMaxAgeSeconds,
	}
	switch {
	case cfg.CORSAllowAll && !cfg.IsProd():
		opts.AllowedOrigins = []string{"*"}
		opts.AllowCredentials = false
	case cfg.IsProd():
		opts.AllowedOrigins = cfg.CORSOrigins
	default:
		allowed := map[string]bool{}
		for _, origin := range cfg.CORSOrigins {
			allowed[strings.TrimSpace(origin)] = true
		}
		opts.AllowOriginFunc = func(r *http.Request, origin string) bool {
			if allowed[origin] {
				return true
			}
			return devOriginPattern.MatchString(origin)
		}
	}
	return cors.Handler(opts)
}

var devOriginPattern = regexp.MustCompile(`^https?://(localhost|127\.0\.0\.1)(:\d+)?$`)

// AccessLog logs one line per request with route, status and duration.
func AccessLog() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			dur := time.Since(start)
			var route string
			if rc := chi.RouteContext(r.Context()); rc != nil {
				route = rc.RoutePattern()
			}
			if route == "" {
				route = r.URL.Path
			}
			status := ww.Status()
			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("route", route),
				slog.Int("status", status),
				slog.Duration("duration_ms", dur),
				slog.String("request_id", RequestIDFrom(r.Context())),
			}
			switch {
			case status >= 500:
				slog.LogAttrs(r.Context(), slog.LevelError, "http_access", attrs...)
			case status >= 400:
				slog.LogAttrs(r.Context(), slog.LevelWarn, "http_access", attrs...)
			default:
				slog.LogAttrs(r.Context(), slog.LevelInfo, "http_access", attrs...)
			}
		})
	}
}
