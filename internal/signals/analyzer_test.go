package signals

import (
	"testing"
	"time"

	"autotrader/config"
	"autotrader/internal/market"
)

var at = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func bullishSet(tf string) *market.IndicatorSet {
	return &market.IndicatorSet{
		Symbol:         "ETHUSDT",
		Timeframe:      tf,
		Close:          market.Float(95),
		RSI:            market.Float(25),
		MACDLine:       market.Float(1.2),
		MACDSignal:     market.Float(0.8),
		MACDHistogram:  market.Float(0.4),
		BollingerUpper: market.Float(110),
		BollingerLower: market.Float(96),
		EMA9:           market.Float(101),
		EMA21:          market.Float(100),
		EMA200:         market.Float(90),
		StochK:         market.Float(15),
		VolumeRatio:    market.Float(2),
		ComputedAt:     at,
	}
}

func TestAnalyze_AllBullish(t *testing.T) {
	a := NewAnalyzer(config.SignalConfig{})
	sig := a.Analyze(bullishSet("15m"), nil, market.BiasState{}, at)

	if sig.Direction != market.DirectionBuy {
		t.Fatalf("expected buy, got %s", sig.Direction)
	}
	if sig.Confidence < 0.999 || sig.Strength != market.StrengthStrong {
		t.Errorf("expected full confidence, got %v (%s)", sig.Confidence, sig.Strength)
	}
	if len(sig.Reasons) != 7 {
		t.Errorf("expected a reason per vote, got %v", sig.Reasons)
	}
	if sig.MultiTimeframeConfirmed {
		t.Error("no higher timeframe supplied")
	}
}

func TestAnalyze_ThinDataIsNeutral(t *testing.T) {
	a := NewAnalyzer(config.SignalConfig{MinIndicators: 3})
	set := &market.IndicatorSet{Symbol: "ETHUSDT", Timeframe: "15m", RSI: market.Float(10), StochK: market.Float(5)}

	sig := a.Analyze(set, nil, market.BiasState{}, at)
	if sig.Direction != market.DirectionNeutral || sig.Confidence != 0 {
		t.Errorf("expected neutral zero-confidence signal, got %+v", sig)
	}
}

func TestAnalyze_MixedVotes(t *testing.T) {
	a := NewAnalyzer(config.SignalConfig{})
	set := &market.IndicatorSet{
		Symbol:        "ETHUSDT",
		Timeframe:     "15m",
		RSI:           market.Float(25), // +0.20
		MACDLine:      market.Float(-1),
		MACDSignal:    market.Float(-0.5),
		MACDHistogram: market.Float(-0.5), // -0.20
		EMA9:          market.Float(101),
		EMA21:         market.Float(100), // +0.15
	}

	sig := a.Analyze(set, nil, market.BiasState{}, at)
	if sig.Direction != market.DirectionBuy {
		t.Fatalf("expected buy, got %s", sig.Direction)
	}
	want := 0.15
	if diff := sig.Confidence - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected confidence %v, got %v", want, sig.Confidence)
	}
	if sig.Strength != market.StrengthWeak {
		t.Errorf("expected weak strength, got %s", sig.Strength)
	}
}

func TestAnalyze_MissingIndicatorsAbstain(t *testing.T) {
	a := NewAnalyzer(config.SignalConfig{})
	set := &market.IndicatorSet{
		Symbol:    "ETHUSDT",
		Timeframe: "15m",
		RSI:       market.Float(25), // +0.20
		EMA9:      market.Float(101),
		EMA21:     market.Float(100), // +0.15
		StochK:    market.Float(10),  // +0.10
	}

	sig := a.Analyze(set, nil, market.BiasState{}, at)
	if sig.Direction != market.DirectionBuy {
		t.Fatalf("expected buy, got %s", sig.Direction)
	}
	if diff := sig.Confidence - 0.45; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected confidence 0.45 of the full vote, got %v", sig.Confidence)
	}
	if sig.Strength != market.StrengthMedium {
		t.Errorf("expected medium strength, got %s", sig.Strength)
	}

	// disabling the absent indicators makes the same votes unanimous
	only := NewAnalyzer(config.SignalConfig{Weights: map[string]float64{
		VoteMACD: 0, VoteBollinger: 0, VoteEMA200: 0, VoteVolume: 0,
	}})
	if sig := only.Analyze(set, nil, market.BiasState{}, at); sig.Confidence < 0.999 {
		t.Errorf("expected full confidence over the enabled indicators, got %v", sig.Confidence)
	}
}

func TestAnalyze_MultiTimeframe(t *testing.T) {
	a := NewAnalyzer(config.SignalConfig{})

	sig := a.Analyze(bullishSet("15m"), bullishSet("4h"), market.BiasState{}, at)
	if !sig.MultiTimeframeConfirmed {
		t.Error("agreeing higher timeframe should confirm")
	}

	bearish := &market.IndicatorSet{
		Symbol:    "ETHUSDT",
		Timeframe: "4h",
		Close:     market.Float(80),
		RSI:       market.Float(80),
		EMA9:      market.Float(90),
		EMA21:     market.Float(95),
		EMA200:    market.Float(100),
	}
	sig = a.Analyze(bullishSet("15m"), bearish, market.BiasState{}, at)
	if sig.MultiTimeframeConfirmed {
		t.Error("disagreeing higher timeframe must not confirm")
	}
}

func TestAnalyze_ZeroWeightDisablesIndicator(t *testing.T) {
	a := NewAnalyzer(config.SignalConfig{MinIndicators: 1, Weights: map[string]float64{VoteRSI: 0}})
	set := &market.IndicatorSet{Symbol: "ETHUSDT", Timeframe: "15m", RSI: market.Float(10)}

	sig := a.Analyze(set, nil, market.BiasState{}, at)
	if sig.Direction != market.DirectionNeutral {
		t.Errorf("disabled indicator must not vote, got %+v", sig)
	}
}

func TestAnalyze_BiasDirection(t *testing.T) {
	a := NewAnalyzer(config.SignalConfig{})
	sig := a.Analyze(bullishSet("15m"), nil, market.BiasState{Trend: market.TrendBearish, Available: true}, at)
	if sig.BiasDirection != market.TrendBearish {
		t.Errorf("expected bearish bias direction, got %s", sig.BiasDirection)
	}
}

func TestClassifyRegime(t *testing.T) {
	tests := []struct {
		name string
		set  *market.IndicatorSet
		want market.Regime
	}{
		{"nil", nil, market.RegimeUnknown},
		{"volatile", &market.IndicatorSet{Close: market.Float(100), ATR: market.Float(5)}, market.RegimeVolatile},
		{"up", &market.IndicatorSet{Close: market.Float(110), ATR: market.Float(1), EMA21: market.Float(105), EMA50: market.Float(100)}, market.RegimeTrendingUp},
		{"down", &market.IndicatorSet{Close: market.Float(90), EMA21: market.Float(95), EMA50: market.Float(100)}, market.RegimeTrendingDown},
		{"ranging", &market.IndicatorSet{Close: market.Float(99), EMA21: market.Float(100), EMA50: market.Float(98)}, market.RegimeRanging},
		{"missing emas", &market.IndicatorSet{Close: market.Float(99)}, market.RegimeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyRegime(tt.set, 3); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}
