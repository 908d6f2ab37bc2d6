package bias

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"autotrader/config"
	"autotrader/internal/cache"
	"autotrader/internal/market"
)

func testConfig() config.BiasConfig {
	return config.BiasConfig{
		Symbol:                 "BTCUSDT",
		CorrelationTimeframe:   "1h",
		CorrelationWindow:      48,
		CorrelationThreshold:   0.7,
		WeakMomentumPct:        1,
		StrongMomentumPct:      3,
		CorrelationMomentumPct: -1,
	}
}

func TestEvaluate_TrendFilterVetoesAltcoinBuy(t *testing.T) {
	f := NewFilter(testConfig())
	bearish := market.BiasState{Symbol: "BTCUSDT", Trend: market.TrendBearish, Momentum: -0.5, Available: true}

	d := f.Evaluate("ETHUSDT", 0.5, true, bearish, Options{TrendFilter: true})
	if d.ShouldTrade || d.SkipReason == "" {
		t.Errorf("bearish bias with trend filter must veto, got %+v", d)
	}

	d = f.Evaluate("ETHUSDT", 0.5, true, bearish, Options{})
	if !d.ShouldTrade {
		t.Errorf("filter disabled must let the signal through, got %+v", d)
	}
}

func TestEvaluate_BiasAssetExempt(t *testing.T) {
	f := NewFilter(testConfig())
	st := market.BiasState{Trend: market.TrendBearish, Momentum: -5, Available: true}

	d := f.Evaluate("BTCUSDT", 1, true, st, Options{TrendFilter: true, MomentumBoost: true, CorrelationSkip: true})
	if !d.ShouldTrade || d.PositionMultiplier != 1 {
		t.Errorf("bias asset must pass unchanged, got %+v", d)
	}
}

func TestEvaluate_CorrelationSkip(t *testing.T) {
	f := NewFilter(testConfig())
	weakening := market.BiasState{Trend: market.TrendNeutral, Momentum: -2, Available: true}
	opts := Options{CorrelationSkip: true}

	tests := []struct {
		name   string
		corr   float64
		known  bool
		state  market.BiasState
		expect bool
	}{
		{"correlated and weakening", 0.85, true, weakening, false},
		{"uncorrelated", 0.4, true, weakening, true},
		{"unknown correlation", 0.95, false, weakening, true},
		{"correlated but only flat", 0.85, true, market.BiasState{Trend: market.TrendNeutral, Momentum: -0.5, Available: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := f.Evaluate("SOLUSDT", tt.corr, tt.known, tt.state, opts)
			if d.ShouldTrade != tt.expect {
				t.Errorf("expected shouldTrade=%v, got %+v", tt.expect, d)
			}
		})
	}
}

func TestEvaluate_MomentumMultiplier(t *testing.T) {
	f := NewFilter(testConfig())
	tests := []struct {
		momentum float64
		want     float64
	}{
		{10, 1.3},
		{1.5, 1.15},
		{0, 1},
		{-1.5, 0.85},
		{-8, 0.7},
	}
	for _, tt := range tests {
		d := f.Evaluate("ETHUSDT", 0, false, market.BiasState{Trend: market.TrendNeutral, Momentum: tt.momentum, Available: true},
			Options{MomentumBoost: true})
		if math.Abs(d.PositionMultiplier-tt.want) > 1e-9 {
			t.Errorf("momentum %v: expected %v, got %v", tt.momentum, tt.want, d.PositionMultiplier)
		}
		if d.PositionMultiplier < MinMultiplier || d.PositionMultiplier > MaxMultiplier {
			t.Errorf("multiplier out of bounds: %v", d.PositionMultiplier)
		}
	}
}

func TestAssess(t *testing.T) {
	set := &market.IndicatorSet{
		Close: market.Float(105),
		EMA9:  market.Float(104),
		EMA21: market.Float(103),
		EMA50: market.Float(100),
	}
	st := Assess("BTCUSDT", set, market.Ticker{Symbol: "BTCUSDT", Price: 105, Change24h: 2.5}, true)
	if !st.Available || st.Trend != market.TrendBullish || st.Momentum != 2.5 {
		t.Errorf("unexpected bias state %+v", st)
	}

	if st := Assess("BTCUSDT", set, market.Ticker{}, false); st.Available {
		t.Error("no ticker means no bias state")
	}
}

func TestPearson(t *testing.T) {
	a := make([]float64, 30)
	b := make([]float64, 30)
	c := make([]float64, 30)
	for i := range a {
		a[i] = math.Sin(float64(i))
		b[i] = 2*a[i] + 1
		c[i] = -a[i]
	}

	if v, err := Pearson(a, b); err != nil || math.Abs(v-1) > 1e-9 {
		t.Errorf("expected 1, got %v (%v)", v, err)
	}
	if v, err := Pearson(a, c); err != nil || math.Abs(v+1) > 1e-9 {
		t.Errorf("expected -1, got %v (%v)", v, err)
	}
	if _, err := Pearson(a[:5], b[:5]); err == nil {
		t.Error("short series must fail")
	}
}

type fakeKlines struct {
	closes map[string][]float64
	mu     sync.Mutex
	calls  int
}

func (f *fakeKlines) GetKlines(_ context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	var out []market.Candle
	for i, c := range f.closes[symbol] {
		out = append(out, market.Candle{Symbol: symbol, Timeframe: interval, OpenTime: time.Unix(int64(i)*3600, 0), Close: c})
	}
	return out, nil
}

func TestEstimator_CachesEstimates(t *testing.T) {
	btc := make([]float64, 49)
	eth := make([]float64, 49)
	for i := range btc {
		btc[i] = 100 + 10*math.Sin(float64(i)/3)
		eth[i] = 50 + 5*math.Sin(float64(i)/3)
	}
	src := &fakeKlines{closes: map[string][]float64{"BTCUSDT": btc, "ETHUSDT": eth}}
	store := cache.NewMemoryIndicatorCache(24 * time.Hour)
	est := NewEstimator(src, store, testConfig(), 2, zerolog.Nop())

	got := est.Correlations(context.Background(), []string{"BTCUSDT", "ETHUSDT", "XRPUSDT"})
	if v, ok := got["ETHUSDT"]; !ok || v < 0.99 {
		t.Fatalf("expected ETH strongly correlated, got %v", got)
	}
	if _, ok := got["XRPUSDT"]; ok {
		t.Error("symbol without candles must be left out")
	}
	if _, ok := got["BTCUSDT"]; ok {
		t.Error("bias asset has no correlation entry")
	}

	calls := src.calls
	est.Correlations(context.Background(), []string{"ETHUSDT"})
	if src.calls != calls {
		t.Errorf("cached estimate must not refetch, calls %d -> %d", calls, src.calls)
	}
}
