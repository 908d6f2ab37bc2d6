package signals

import (
	"fmt"
	"math"
	"time"

	"autotrader/config"
	"autotrader/internal/market"
)

// Vote names, also the keys of the weight map
const (
	VoteRSI        = "rsi"
	VoteMACD       = "macd"
	VoteBollinger  = "bollinger"
	VoteEMATrend   = "ema_trend"
	VoteEMA200     = "ema200"
	VoteStochastic = "stochastic"
	VoteVolume     = "volume"
)

// DefaultWeights is the preset used when no weights are configured
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		VoteRSI:        0.20,
		VoteMACD:       0.20,
		VoteBollinger:  0.15,
		VoteEMATrend:   0.15,
		VoteEMA200:     0.10,
		VoteStochastic: 0.10,
		VoteVolume:     0.10,
	}
}

const (
	stochOversold   = 20.0
	stochOverbought = 80.0
	volumeSpike     = 1.5
)

// vote is one indicator's directional opinion: +1 buy, -1 sell, 0 no opinion
type vote struct {
	name   string
	dir    int
	weight float64
	reason string
}

// Analyzer combines an indicator set into a weighted directional signal
type Analyzer struct {
	weights       map[string]float64
	maxWeight     float64
	minIndicators int
	oversold      float64
	overbought    float64
}

// NewAnalyzer creates an analyzer. Configured weights replace the preset
// per indicator; a zero weight disables that indicator.
func NewAnalyzer(cfg config.SignalConfig) *Analyzer {
	weights := DefaultWeights()
	for name, w := range cfg.Weights {
		weights[name] = w
	}
	// the full vote: every enabled indicator agreeing
	var maxWeight float64
	for name := range DefaultWeights() {
		if w := weights[name]; w > 0 {
			maxWeight += w
		}
	}
	a := &Analyzer{
		weights:       weights,
		maxWeight:     maxWeight,
		minIndicators: cfg.MinIndicators,
		oversold:      cfg.RSIOversold,
		overbought:    cfg.RSIOverbought,
	}
	if a.minIndicators <= 0 {
		a.minIndicators = 3
	}
	if a.oversold == 0 {
		a.oversold = 30
	}
	if a.overbought == 0 {
		a.overbought = 70
	}
	return a
}

// Analyze produces the signal for base, optionally confirmed by the higher
// timeframe set. A nil or thin set yields a neutral signal with zero
// confidence.
func (a *Analyzer) Analyze(base, higher *market.IndicatorSet, bias market.BiasState, at time.Time) *market.Signal {
	if base == nil {
		return market.NeutralSignal("", "", "no indicator data", at)
	}

	dir, confidence, reasons, ok := a.score(base)
	if !ok {
		sig := market.NeutralSignal(base.Symbol, base.Timeframe,
			fmt.Sprintf("fewer than %d indicators available", a.minIndicators), at)
		sig.BiasDirection = biasTrend(bias)
		return sig
	}

	sig := &market.Signal{
		Symbol:        base.Symbol,
		Timeframe:     base.Timeframe,
		Direction:     dir,
		Confidence:    confidence,
		Strength:      market.StrengthFor(confidence),
		BiasDirection: biasTrend(bias),
		Reasons:       reasons,
		GeneratedAt:   at,
	}

	if higher != nil && dir != market.DirectionNeutral {
		if hdir, _, _, ok := a.score(higher); ok && hdir == dir {
			sig.MultiTimeframeConfirmed = true
			sig.Reasons = append(sig.Reasons, fmt.Sprintf("%s trend agrees", higher.Timeframe))
		}
	}
	return sig
}

func biasTrend(b market.BiasState) market.Trend {
	if !b.Available {
		return market.TrendNeutral
	}
	return b.Trend
}

// score returns direction, confidence and reasons. Confidence is measured
// against the weight of every enabled indicator, so indicators missing from
// set count as abstentions. ok is false when fewer than minIndicators
// indicators could vote.
func (a *Analyzer) score(set *market.IndicatorSet) (market.Direction, float64, []string, bool) {
	votes := a.votes(set)
	if len(votes) < a.minIndicators {
		return market.DirectionNeutral, 0, nil, false
	}

	var sum float64
	var reasons []string
	for _, v := range votes {
		sum += float64(v.dir) * v.weight
		if v.dir != 0 && v.reason != "" {
			reasons = append(reasons, v.reason)
		}
	}
	if a.maxWeight <= 0 {
		return market.DirectionNeutral, 0, reasons, true
	}

	confidence := math.Min(math.Abs(sum)/a.maxWeight, 1)
	switch {
	case sum > 1e-12:
		return market.DirectionBuy, confidence, reasons, true
	case sum < -1e-12:
		return market.DirectionSell, confidence, reasons, true
	}
	return market.DirectionNeutral, 0, reasons, true
}

// votes collects the opinion of every enabled indicator present in set.
// Volume has no direction of its own and confirms the others' majority.
func (a *Analyzer) votes(set *market.IndicatorSet) []vote {
	var out []vote
	add := func(name string, dir int, reason string) {
		w := a.weights[name]
		if w <= 0 {
			return
		}
		out = append(out, vote{name: name, dir: dir, weight: w, reason: reason})
	}

	if set.RSI != nil {
		rsi := *set.RSI
		switch {
		case rsi < a.oversold:
			add(VoteRSI, 1, fmt.Sprintf("RSI oversold (%.1f)", rsi))
		case rsi > a.overbought:
			add(VoteRSI, -1, fmt.Sprintf("RSI overbought (%.1f)", rsi))
		default:
			add(VoteRSI, 0, "")
		}
	}

	if set.MACDLine != nil && set.MACDSignal != nil && set.MACDHistogram != nil {
		switch {
		case *set.MACDHistogram > 0 && *set.MACDLine > *set.MACDSignal:
			add(VoteMACD, 1, "MACD above signal")
		case *set.MACDHistogram < 0 && *set.MACDLine < *set.MACDSignal:
			add(VoteMACD, -1, "MACD below signal")
		default:
			add(VoteMACD, 0, "")
		}
	}

	if set.Close != nil && set.BollingerLower != nil && set.BollingerUpper != nil {
		switch {
		case *set.Close <= *set.BollingerLower:
			add(VoteBollinger, 1, "Price at lower Bollinger band")
		case *set.Close >= *set.BollingerUpper:
			add(VoteBollinger, -1, "Price at upper Bollinger band")
		default:
			add(VoteBollinger, 0, "")
		}
	}

	if set.EMA9 != nil && set.EMA21 != nil {
		switch {
		case *set.EMA9 > *set.EMA21:
			add(VoteEMATrend, 1, "EMA9 > EMA21")
		case *set.EMA9 < *set.EMA21:
			add(VoteEMATrend, -1, "EMA9 < EMA21")
		default:
			add(VoteEMATrend, 0, "")
		}
	}

	if set.Close != nil && set.EMA200 != nil {
		if *set.Close > *set.EMA200 {
			add(VoteEMA200, 1, "Price above EMA200")
		} else {
			add(VoteEMA200, -1, "Price below EMA200")
		}
	}

	if set.StochK != nil {
		k := *set.StochK
		switch {
		case k < stochOversold:
			add(VoteStochastic, 1, fmt.Sprintf("Stochastic oversold (%.1f)", k))
		case k > stochOverbought:
			add(VoteStochastic, -1, fmt.Sprintf("Stochastic overbought (%.1f)", k))
		default:
			add(VoteStochastic, 0, "")
		}
	}

	if set.VolumeRatio != nil {
		var majority float64
		for _, v := range out {
			majority += float64(v.dir) * v.weight
		}
		dir := 0
		if *set.VolumeRatio >= volumeSpike {
			switch {
			case majority > 0:
				dir = 1
			case majority < 0:
				dir = -1
			}
		}
		reason := ""
		if dir != 0 {
			reason = fmt.Sprintf("Volume confirms (%.1fx average)", *set.VolumeRatio)
		}
		add(VoteVolume, dir, reason)
	}

	return out
}
