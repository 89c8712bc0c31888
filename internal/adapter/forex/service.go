// Package forex acquires upstream exchange rates and derives market
// analytics from them: indicator snapshots, sentiment and forecasts.
//
// The upstream free API is rate-limited and occasionally flaky, so the
// service never fails a caller: a TTL cache answers hot reads, failures
// open an exponential backoff window, and the last good snapshot (or a
// static table) covers the gap.
package forex

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"forexcopilot/internal/config"
	"forexcopilot/internal/domain"
)

const (
	historyCap       = 240
	newsCacheTTL     = 120 * time.Second
	logThrottle      = 30 * time.Second
	maxBackoffSec    = 90
	maxBackoffShift  = 6
	connectTimeout   = 5 * time.Second
	responseTimeout  = 10 * time.Second
	totalFetchBudget = 12 * time.Second
)

// fallbackRates covers the published pair set when neither cache nor
// upstream is available.
var fallbackRates = map[string]float64{
	"EUR/USD": 1.0850,
	"GBP/USD": 1.2650,
	"USD/JPY": 149.50,
	"USD/CHF": 0.8850,
	"AUD/USD": 0.6550,
	"USD/CAD": 1.3550,
	"NZD/USD": 0.6050,
	"EUR/GBP": 0.8580,
}

// Service owns the rate cache, the bounded per-pair history and the
// failure backoff state.
type Service struct {
	apiURL           string
	minFetchInterval time.Duration
	client           *http.Client
	now              func() time.Time

	mu            sync.Mutex
	latestRates   map[string]float64
	latestUSDBase map[string]float64
	history       map[string][]float64
	lastFetch     time.Time
	failureStreak int
	nextRetry     time.Time
	lastErrText   string
	lastErrLogAt  time.Time

	newsMu      sync.Mutex
	cachedNews  []domain.NewsEvent
	newsFetched time.Time
}

// NewService builds a service with bounded HTTP timeouts.
func NewService(cfg config.Config) *Service {
	interval := time.Duration(cfg.ForexMinFetchIntervalSeconds * float64(time.Second))
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Service{
		apiURL:           cfg.ForexAPIURL,
		minFetchInterval: interval,
		client: &http.Client{
			Timeout: totalFetchBudget,
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
				ResponseHeaderTimeout: responseTimeout,
			},
		},
		now:           time.Now,
		latestRates:   map[string]float64{},
		latestUSDBase: map[string]float64{},
		history:       map[string][]float64{},
	}
}

// Rates returns the published pair table. Within the fetch TTL the cache
// answers; inside a backoff window the cache (or the static fallback)
// answers; otherwise one upstream fetch runs.
func (s *Service) Rates(ctx context.Context) map[string]float64 {
	s.mu.Lock()
	now := s.now()
	if len(s.latestRates) > 0 && now.Sub(s.lastFetch) < s.minFetchInterval {
		out := copyRates(s.latestRates)
		s.mu.Unlock()
		return out
	}
	if now.Before(s.nextRetry) {
		out := copyRates(s.latestRates)
		s.mu.Unlock()
		if len(out) > 0 {
			return out
		}
		return copyRates(fallbackRates)
	}
	s.mu.Unlock()

	usdBase, err := s.fetchUSDBase(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.recordFailure(err)
		if len(s.latestRates) > 0 {
			return copyRates(s.latestRates)
		}
		return copyRates(fallbackRates)
	}

	pairs := derivePairs(usdBase)
	if len(pairs) == 0 {
		s.recordFailure(fmt.Errorf("op=forex.Rates: upstream table empty"))
		if len(s.latestRates) > 0 {
			return copyRates(s.latestRates)
		}
		return copyRates(fallbackRates)
	}

	s.latestRates = pairs
	s.latestUSDBase = usdBase
	s.lastFetch = s.now()
	s.failureStreak = 0
	s.nextRetry = time.Time{}
	for pair, price := range pairs {
		h := append(s.history[pair], price)
		if len(h) > historyCap {
			h = h[len(h)-historyCap:]
		}
		s.history[pair] = h
	}
	return copyRates(pairs)
}

func (s *Service) fetchUSDBase(ctx context.Context) (map[string]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("op=forex.fetchUSDBase: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=forex.fetchUSDBase: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("op=forex.fetchUSDBase: upstream status %d", resp.StatusCode)
	}
	var payload struct {
		Rates map[string]float64 `json:"rates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("op=forex.fetchUSDBase: decode: %w", err)
	}
	return payload.Rates, nil
}

// recordFailure advances the backoff window and logs with throttling.
// Caller holds s.mu.
func (s *Service) recordFailure(err error) {
	s.failureStreak++
	shift := s.failureStreak
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	delay := math.Min(maxBackoffSec, math.Pow(2, float64(shift)))
	s.nextRetry = s.now().Add(time.Duration(delay) * time.Second)

	text := err.Error()
	if text != s.lastErrText || s.now().Sub(s.lastErrLogAt) >= logThrottle {
		slog.Warn("forex rates fetch failed",
			slog.Any("error", err),
			slog.Int("failure_streak", s.failureStreak),
			slog.Float64("retry_in_seconds", delay))
		s.lastErrText = text
		s.lastErrLogAt = s.now()
	}
}

// derivePairs maps the USD-base table to the published pair set. Only
// positive finite values survive.
func derivePairs(usdBase map[string]float64) map[string]float64 {
	inverse := func(ccy string) (float64, bool) {
		v := usdBase[ccy]
		if v > 0 {
			return 1 / v, true
		}
		return 0, false
	}
	direct := func(ccy string) (float64, bool) {
		v := usdBase[ccy]
		if v > 0 {
			return v, true
		}
		return 0, false
	}
	out := map[string]float64{}
	put := func(pair string, v float64, ok bool) {
		if ok && v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v) {
			out[pair] = v
		}
	}
	v, ok := inverse("EUR")
	put("EUR/USD", v, ok)
	v, ok = inverse("GBP")
	put("GBP/USD", v, ok)
	v, ok = direct("JPY")
	put("USD/JPY", v, ok)
	v, ok = direct("CHF")
	put("USD/CHF", v, ok)
	v, ok = inverse("AUD")
	put("AUD/USD", v, ok)
	v, ok = direct("CAD")
	put("USD/CAD", v, ok)
	v, ok = inverse("NZD")
	put("NZD/USD", v, ok)
	if eur, gbp := usdBase["EUR"], usdBase["GBP"]; eur > 0 && gbp > 0 {
		put("EUR/GBP", gbp/eur, true)
	}
	return out
}

func copyRates(src map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// History returns a copy of the bounded price history for one pair.
func (s *Service) History(pair string) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.history[pair]
	out := make([]float64, len(h))
	copy(out, h)
	return out
}

// SeedHistory replaces one pair's history, trimmed to the cap. Task
// handlers use it to analyze synthesized samples.
func (s *Service) SeedHistory(pair string, prices []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(prices) > historyCap {
		prices = prices[len(prices)-historyCap:]
	}
	h := make([]float64, len(prices))
	copy(h, prices)
	s.history[pair] = h
	if len(h) > 0 {
		s.latestRates[pair] = h[len(h)-1]
	}
}

// CurrentPrice resolves a pair price from the cache, deriving from the
// USD-base table when the pair itself was never published.
func (s *Service) CurrentPrice(pair string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.latestRates[pair]; ok && v > 0 {
		return v, true
	}
	if len(pair) == 7 && pair[3] == '/' {
		base, quote := pair[:3], pair[4:]
		bv, qv := s.latestUSDBase[base], s.latestUSDBase[quote]
		if base == "USD" && qv > 0 {
			return qv, true
		}
		if quote == "USD" && bv > 0 {
			return 1 / bv, true
		}
		if bv > 0 && qv > 0 {
			return qv / bv, true
		}
	}
	if v, ok := fallbackRates[pair]; ok {
		return v, true
	}
	return 0, false
}

// News returns the economic calendar, cached for two minutes.
func (s *Service) News() []domain.NewsEvent {
	s.newsMu.Lock()
	defer s.newsMu.Unlock()
	if s.cachedNews != nil && s.now().Sub(s.newsFetched) < newsCacheTTL {
		return append([]domain.NewsEvent(nil), s.cachedNews...)
	}
	now := s.now().UTC().Format(time.RFC3339)
	s.cachedNews = []domain.NewsEvent{
		{Time: now, Currency: "USD", Impact: "high", Event: "Non-Farm Payrolls", Actual: "N/A", Forecast: "180K", Previous: "199K"},
		{Time: now, Currency: "EUR", Impact: "medium", Event: "ECB Interest Rate Decision", Actual: "N/A", Forecast: "4.50%", Previous: "4.50%"},
		{Time: now, Currency: "GBP", Impact: "medium", Event: "BoE Monetary Policy Summary", Actual: "N/A", Forecast: "5.25%", Previous: "5.25%"},
	}
	s.newsFetched = s.now()
	return append([]domain.NewsEvent(nil), s.cachedNews...)
}

// Sentiment summarizes market mood from recent momentum and volatility.
func (s *Service) Sentiment(ctx context.Context) domain.Sentiment {
	rates := s.Rates(ctx)

	s.mu.Lock()
	var momentumSum float64
	var volSum float64
	var counted int
	for pair := range rates {
		h := s.history[pair]
		if len(h) >= 2 {
			window := h
			if len(window) > 8 {
				window = window[len(window)-8:]
			}
			if window[0] != 0 {
				momentumSum += (window[len(window)-1] - window[0]) / window[0] * 100
			}
			if window[len(window)-1] != 0 {
				volSum += Volatility(h) / window[len(window)-1] * 100
			}
			counted++
		}
	}
	s.mu.Unlock()

	trend := "neutral"
	volatility := "low"
	risk := "moderate"
	if counted > 0 {
		avgMomentum := momentumSum / float64(counted)
		switch {
		case avgMomentum > 0.05:
			trend = "bullish"
		case avgMomentum < -0.05:
			trend = "bearish"
		}
		avgVol := volSum / float64(counted)
		switch {
		case avgVol > 0.5:
			volatility = "high"
			risk = "elevated"
		case avgVol > 0.1:
			volatility = "medium"
		default:
			risk = "low"
		}
	}
	return domain.Sentiment{
		Timestamp:  s.now().UTC().Format(time.RFC3339),
		Trend:      trend,
		MajorPairs: rates,
		Volatility: volatility,
		RiskLevel:  risk,
	}
}

// RuntimeStats feeds the ops surface and alert evaluation.
func (s *Service) RuntimeStats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	retryIn := 0.0
	if s.nextRetry.After(s.now()) {
		retryIn = s.nextRetry.Sub(s.now()).Seconds()
	}
	depths := make(map[string]int, len(s.history))
	for pair, h := range s.history {
		depths[pair] = len(h)
	}
	var lastFetch string
	if !s.lastFetch.IsZero() {
		lastFetch = s.lastFetch.UTC().Format(time.RFC3339)
	}
	return map[string]any{
		"cached_pairs":                len(s.latestRates),
		"last_fetch":                  lastFetch,
		"rate_failure_streak":         s.failureStreak,
		"next_rates_retry_in_seconds": retryIn,
		"history_depth":               depths,
		"min_fetch_interval_seconds":  s.minFetchInterval.Seconds(),
	}
}

// FailureStreak returns the consecutive upstream failure count.
func (s *Service) FailureStreak() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failureStreak
}

// RetryBackoffSeconds returns seconds until the next upstream attempt.
func (s *Service) RetryBackoffSeconds() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nextRetry.After(s.now()) {
		return s.nextRetry.Sub(s.now()).Seconds()
	}
	return 0
}

// RoundPair rounds a price to the pair's conventional precision:
// two digits for JPY and PKR quotes, four otherwise.
func RoundPair(pair string, v float64) float64 {
	digits := 4.0
	if containsCcy(pair, "JPY") || containsCcy(pair, "PKR") {
		digits = 2
	}
	scale := math.Pow(10, digits)
	return math.Round(v*scale) / scale
}

func containsCcy(pair, ccy string) bool {
	return len(pair) >= 3 && (pair[:3] == ccy || (len(pair) >= 7 && pair[len(pair)-3:] == ccy))
}
