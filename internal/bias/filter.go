package bias

import (
	"fmt"
	"math"

	"autotrader/config"
	"autotrader/internal/market"
)

// Multiplier bounds applied to position size
const (
	MinMultiplier = 0.7
	MaxMultiplier = 1.3
)

// Options selects which of the filter's rules apply for a user
type Options struct {
	TrendFilter     bool
	MomentumBoost   bool
	CorrelationSkip bool
}

// Decision is the filter's verdict on a candidate buy
type Decision struct {
	ShouldTrade        bool    `json:"shouldTrade"`
	PositionMultiplier float64 `json:"positionMultiplier"`
	SkipReason         string  `json:"skipReason,omitempty"`
}

// Filter adjusts or vetoes candidate buys from the bias asset's trend,
// momentum and the candidate's correlation to it
type Filter struct {
	cfg config.BiasConfig
}

// NewFilter creates a filter
func NewFilter(cfg config.BiasConfig) *Filter {
	return &Filter{cfg: cfg}
}

// Symbol returns the bias asset
func (f *Filter) Symbol() string {
	return f.cfg.Symbol
}

// Evaluate applies the enabled rules to symbol. correlation and known come
// from the correlation cache; an unknown correlation counts as uncorrelated.
// The bias asset itself and a missing bias state always pass unchanged.
func (f *Filter) Evaluate(symbol string, correlation float64, known bool, state market.BiasState, opts Options) Decision {
	d := Decision{ShouldTrade: true, PositionMultiplier: 1}
	if symbol == f.cfg.Symbol || !state.Available {
		return d
	}

	if opts.MomentumBoost {
		d.PositionMultiplier = f.multiplier(state.Momentum)
	}

	if opts.TrendFilter && state.Trend == market.TrendBearish {
		d.ShouldTrade = false
		d.SkipReason = fmt.Sprintf("%s trend is bearish", f.cfg.Symbol)
		return d
	}

	if opts.CorrelationSkip && known && correlation > f.cfg.CorrelationThreshold &&
		state.Momentum < f.cfg.CorrelationMomentumPct {
		d.ShouldTrade = false
		d.SkipReason = fmt.Sprintf("correlation %.2f to %s while its momentum is %.2f%%",
			correlation, f.cfg.Symbol, state.Momentum)
	}
	return d
}

// multiplier scales size up on strong bullish momentum and down on bearish
func (f *Filter) multiplier(momentum float64) float64 {
	m := 1.0
	switch {
	case momentum >= f.cfg.StrongMomentumPct:
		m = MaxMultiplier
	case momentum >= f.cfg.WeakMomentumPct:
		m = 1.15
	case momentum <= -f.cfg.StrongMomentumPct:
		m = MinMultiplier
	case momentum <= -f.cfg.WeakMomentumPct:
		m = 0.85
	}
	return math.Max(MinMultiplier, math.Min(MaxMultiplier, m))
}

// Assess derives the bias state from the bias asset's indicator set and
// ticker. Trend needs the EMA stack; momentum is the 24h change.
func Assess(symbol string, set *market.IndicatorSet, ticker market.Ticker, haveTicker bool) market.BiasState {
	st := market.BiasState{Symbol: symbol, Trend: market.TrendNeutral}
	if !haveTicker {
		return st
	}
	st.Momentum = ticker.Change24h
	st.Available = true

	if set == nil || set.EMA9 == nil || set.EMA21 == nil || set.EMA50 == nil {
		return st
	}
	price := ticker.Price
	if set.Close != nil {
		price = *set.Close
	}
	switch {
	case price > *set.EMA50 && *set.EMA9 > *set.EMA21:
		st.Trend = market.TrendBullish
	case price < *set.EMA50 && *set.EMA9 < *set.EMA21:
		st.Trend = market.TrendBearish
	}
	return st
}
