// Package app assembles the router and the middleware chain around the
// HTTP handlers.
package app

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"forexcopilot/internal/adapter/httpserver"
	"forexcopilot/internal/config"
	"forexcopilot/internal/domain"
	"forexcopilot/internal/observability"
)

// BuildRouter constructs the HTTP handler. The chain runs correlation id
// first, then observability, then the semantic middleware in request
// order: envelope wrap, security headers, body limit, auth limiter,
// global limiter, token verification, CORS.
func BuildRouter(cfg config.Config, srv *httpserver.Server, verifier domain.TokenVerifier, stats *httpserver.StatsCollector) http.Handler {
	r := chi.NewRouter()

	r.Use(httpserver.RequestID())
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(stats.Middleware)

	r.Use(httpserver.EnvelopeWrap())
	r.Use(httpserver.SecurityHeaders(cfg))
	r.Use(httpserver.BodyLimit(cfg.MaxRequestBodyBytes))
	r.Use(httpserver.AuthRateLimit(cfg))
	r.Use(httpserver.GlobalRateLimit(cfg))
	r.Use(httpserver.Authenticate(verifier))
	r.Use(httpserver.CORS(cfg))

	srv.MountRoutes(r)

	// Process-level Prometheus metrics; the ops surface serves its own
	// hand-rolled text at /api/ops/metrics.
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}
