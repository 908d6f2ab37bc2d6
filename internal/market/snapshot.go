package market

import "time"

// Snapshot is the read-only market view shared by every user evaluation in a tick
type Snapshot struct {
	TakenAt       time.Time
	Tickers       map[string]Ticker
	Indicators    map[Key]*IndicatorSet
	Signals       map[string]*Signal
	Correlations  map[string]float64
	Bias          BiasState
	Regime        Regime
	BaseTimeframe string
	MaxAge        time.Duration
}

// NewSnapshot returns an empty snapshot taken at t
func NewSnapshot(t time.Time, baseTimeframe string, maxAge time.Duration) *Snapshot {
	return &Snapshot{
		TakenAt:       t,
		Tickers:       make(map[string]Ticker),
		Indicators:    make(map[Key]*IndicatorSet),
		Signals:       make(map[string]*Signal),
		Correlations:  make(map[string]float64),
		Regime:        RegimeUnknown,
		BaseTimeframe: baseTimeframe,
		MaxAge:        maxAge,
	}
}

// Price returns the current price of symbol
func (s *Snapshot) Price(symbol string) (float64, bool) {
	t, ok := s.Tickers[symbol]
	if !ok || t.Price <= 0 {
		return 0, false
	}
	return t.Price, true
}

// Change24h returns the 24h change in percent for symbol
func (s *Snapshot) Change24h(symbol string) (float64, bool) {
	t, ok := s.Tickers[symbol]
	if !ok {
		return 0, false
	}
	return t.Change24h, true
}

// Indicator returns the indicator set for symbol/timeframe if present and fresh
func (s *Snapshot) Indicator(symbol, timeframe string) (*IndicatorSet, bool) {
	set, ok := s.Indicators[Key{Symbol: symbol, Timeframe: timeframe}]
	if !ok || set == nil {
		return nil, false
	}
	if s.MaxAge > 0 && !set.IsFresh(s.TakenAt, s.MaxAge) {
		return nil, false
	}
	return set, true
}

// Signal returns the base timeframe signal for symbol
func (s *Snapshot) Signal(symbol string) (*Signal, bool) {
	sig, ok := s.Signals[symbol]
	return sig, ok && sig != nil
}

// Correlation returns the cached correlation of symbol to the bias asset
func (s *Snapshot) Correlation(symbol string) (float64, bool) {
	c, ok := s.Correlations[symbol]
	return c, ok
}
