package httpserver

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

const maxLatencySamples = 512

type endpointStats struct {
	Count      int64
	ErrorCount int64
	LastCalled time.Time
	samples    []float64 // milliseconds, ring buffer
	next       int
}

// StatsCollector aggregates per-endpoint request statistics served by the
// monitoring surface.
type StatsCollector struct {
	mu        sync.Mutex
	startedAt time.Time
	endpoints map[string]*endpointStats
	total     int64
	errors    int64
}

// NewStatsCollector returns an empty collector anchored at now.
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{startedAt: time.Now().UTC(), endpoints: map[string]*endpointStats{}}
}

// Middleware records one observation per request keyed by route pattern.
func (c *StatsCollector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		c.observe(r.Method+" "+route, time.Since(start), ww.Status() >= 400)
	})
}

func (c *StatsCollector) observe(endpoint string, dur time.Duration, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.endpoints[endpoint]
	if !ok {
		st = &endpointStats{samples: make([]float64, 0, maxLatencySamples)}
		c.endpoints[endpoint] = st
	}
	st.Count++
	c.total++
	if failed {
		st.ErrorCount++
		c.errors++
	}
	st.LastCalled = time.Now().UTC()
	ms := float64(dur.Microseconds()) / 1000
	if len(st.samples) < maxLatencySamples {
		st.samples = append(st.samples, ms)
	} else {
		st.samples[st.next] = ms
		st.next = (st.next + 1) % maxLatencySamples
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

// latencyPercentiles flattens every endpoint's samples into global
// p50/p95/p99 figures in milliseconds.
func (c *StatsCollector) latencyPercentiles() map[string]float64 {
	c.mu.Lock()
	all := make([]float64, 0, 256)
	for _, st := range c.endpoints {
		all = append(all, st.samples...)
	}
	c.mu.Unlock()
	sort.Float64s(all)
	return map[string]float64{
		"p50": percentile(all, 0.50),
		"p95": percentile(all, 0.95),
		"p99": percentile(all, 0.99),
	}
}

// Summary returns the aggregate view served by /api/monitoring/metrics.
func (c *StatsCollector) Summary() map[string]any {
	perEndpoint := map[string]any{}
	c.mu.Lock()
	total := c.total
	errs := c.errors
	startedAt := c.startedAt
	for endpoint, st := range c.endpoints {
		avg := 0.0
		if len(st.samples) > 0 {
			sum := 0.0
			for _, s := range st.samples {
				sum += s
			}
			avg = sum / float64(len(st.samples))
		}
		perEndpoint[endpoint] = map[string]any{
			"count":          st.Count,
			"error_count":    st.ErrorCount,
			"avg_latency_ms": avg,
			"last_called":    st.LastCalled.Format(time.RFC3339),
		}
	}
	c.mu.Unlock()

	errorRate := 0.0
	if total > 0 {
		errorRate = float64(errs) / float64(total)
	}
	return map[string]any{
		"total_requests":     total,
		"success_count":      total - errs,
		"error_count":        errs,
		"error_rate":         errorRate,
		"uptime_seconds":     int(time.Since(startedAt).Seconds()),
		"request_latency_ms": c.latencyPercentiles(),
		"endpoints":          perEndpoint,
	}
}
