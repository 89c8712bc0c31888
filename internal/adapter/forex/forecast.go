package forex

import (
	"context"
	"fmt"
	"math"
	"strings"

	"forexcopilot/internal/domain"
)

// Forecast horizons and their momentum lookbacks / base magnitudes.
var horizonParams = map[string]struct {
	lookback int
	basePct  float64
}{
	"intraday": {lookback: 8, basePct: 0.25},
	"1d":       {lookback: 20, basePct: 0.55},
	"1w":       {lookback: 60, basePct: 1.60},
}

// NormalizePair canonicalizes user input to "BBB/QQQ" form. "eur/usd",
// "EURUSD" and "eur-usd" all resolve to "EUR/USD".
func NormalizePair(raw string) (string, error) {
	p := strings.ToUpper(strings.TrimSpace(raw))
	p = strings.NewReplacer("-", "/", "_", "/", " ", "").Replace(p)
	if len(p) == 6 && !strings.Contains(p, "/") {
		p = p[:3] + "/" + p[3:]
	}
	parts := strings.Split(p, "/")
	if len(parts) != 2 || len(parts[0]) != 3 || len(parts[1]) != 3 {
		return "", fmt.Errorf("op=forex.NormalizePair: %q: %w", raw, domain.ErrInvalidArgument)
	}
	for _, part := range parts {
		for _, r := range part {
			if r < 'A' || r > 'Z' {
				return "", fmt.Errorf("op=forex.NormalizePair: %q: %w", raw, domain.ErrInvalidArgument)
			}
		}
	}
	return parts[0] + "/" + parts[1], nil
}

// Forecast synthesizes a short-horizon outlook for one pair from trend,
// momentum and volatility. Unresolvable pairs fail with ErrUnavailablePair.
func (s *Service) Forecast(ctx context.Context, rawPair, horizon string) (domain.ForecastResult, error) {
	pair, err := NormalizePair(rawPair)
	if err != nil {
		return domain.ForecastResult{}, err
	}
	params, ok := horizonParams[horizon]
	if !ok {
		return domain.ForecastResult{}, fmt.Errorf("op=forex.Forecast: horizon %q: %w", horizon, domain.ErrInvalidArgument)
	}

	// Warm the cache so a cold start still resolves the major pairs.
	s.Rates(ctx)
	price, ok := s.CurrentPrice(pair)
	if !ok {
		return domain.ForecastResult{}, fmt.Errorf("op=forex.Forecast: %q: %w", pair, domain.ErrUnavailablePair)
	}

	history := s.History(pair)
	sentiment := s.Sentiment(ctx)

	trendScore := 0.0
	switch sentiment.Trend {
	case "bullish":
		trendScore = 1
	case "bearish":
		trendScore = -1
	}

	momentumScore := 0.0
	if len(history) >= 2 {
		window := history
		if len(window) > params.lookback {
			window = window[len(window)-params.lookback:]
		}
		if window[0] != 0 {
			changePct := (window[len(window)-1] - window[0]) / window[0] * 100
			switch {
			case changePct > 0.05:
				momentumScore = 1
			case changePct < -0.05:
				momentumScore = -1
			}
		}
	}

	combined := 0.65*trendScore + 0.35*momentumScore

	volMult := 1.0
	switch sentiment.Volatility {
	case "high":
		volMult = 1.6
	case "low":
		volMult = 0.7
	}
	riskMult := 1.0
	switch sentiment.RiskLevel {
	case "high", "elevated":
		riskMult = 0.85
	case "low":
		riskMult = 1.05
	}

	magnitude := params.basePct * volMult * riskMult
	midPct := combined * magnitude
	lowPct := midPct - magnitude
	highPct := midPct + magnitude

	confidence := 45 + 30*float64(min(len(history), 120))/120
	if trendScore*momentumScore > 0 {
		confidence += 12
	}
	if sentiment.Volatility == "high" {
		confidence -= 8
	}
	if confidence < 45 {
		confidence = 45
	}
	if confidence > 92 {
		confidence = 92
	}

	bias := "neutral"
	guidance := "Range conditions; favor patience and wait for a break of the target band."
	switch {
	case combined > 0.15:
		bias = "bullish"
		guidance = "Momentum favors buyers; consider staged entries toward the upper target."
	case combined < -0.15:
		bias = "bearish"
		guidance = "Sellers are in control; rallies toward the mid target are candidates to fade."
	}

	return domain.ForecastResult{
		Pair:            pair,
		Horizon:         horizon,
		CurrentPrice:    RoundPair(pair, price),
		ExpectedLowPct:  round2(lowPct),
		ExpectedMidPct:  round2(midPct),
		ExpectedHighPct: round2(highPct),
		TargetLow:       RoundPair(pair, price*(1+lowPct/100)),
		TargetMid:       RoundPair(pair, price*(1+midPct/100)),
		TargetHigh:      RoundPair(pair, price*(1+highPct/100)),
		Confidence:      round2(confidence),
		Bias:            bias,
		Guidance:        guidance,
		HistoryDepth:    len(history),
	}, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
