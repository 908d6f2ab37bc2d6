package autotrade

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"autotrader/config"
	"autotrader/internal/database"
	"autotrader/internal/market"
)

type fakeStats struct {
	stats []database.StrategyStats
	err   error
	calls int
	since time.Time
}

func (f *fakeStats) GetStrategyStats(_ context.Context, _ string, since time.Time) ([]database.StrategyStats, error) {
	f.calls++
	f.since = since
	return f.stats, f.err
}

func newSelector(src StatsSource) *Selector {
	return NewSelector(src, config.EngineConfig{
		StatsRefreshTicks: 15,
		StatsLookback:     24 * time.Hour,
		MinStrategyTrades: 10,
	}, zerolog.Nop())
}

func TestSelect_BestWinRateInRegime(t *testing.T) {
	src := &fakeStats{stats: []database.StrategyStats{
		{Strategy: string(TrendFollowing), Regime: "trending_up", Trades: 20, Wins: 9},
		{Strategy: string(Momentum), Regime: "trending_up", Trades: 12, Wins: 9},
		// best win rate overall but not eligible in this regime
		{Strategy: string(MeanReversion), Regime: "trending_up", Trades: 30, Wins: 28},
		// other regime is ignored
		{Strategy: string(TrendFollowing), Regime: "ranging", Trades: 50, Wins: 50},
	}}
	sel := newSelector(src).Select(context.Background(), "u1", market.RegimeTrendingUp, 1, testNow)
	if sel.Strategy != Momentum || sel.Fallback || sel.Trades != 12 {
		t.Errorf("expected momentum by win rate, got %+v", sel)
	}
	if !src.since.Equal(testNow.Add(-24 * time.Hour)) {
		t.Errorf("expected lookback window, got %v", src.since)
	}
}

func TestSelect_FallbackWithoutEnoughSamples(t *testing.T) {
	src := &fakeStats{stats: []database.StrategyStats{
		{Strategy: string(Momentum), Regime: "trending_up", Trades: 9, Wins: 9},
	}}
	sel := newSelector(src).Select(context.Background(), "u1", market.RegimeTrendingUp, 1, testNow)
	if sel.Strategy != TrendFollowing || !sel.Fallback {
		t.Errorf("expected preferred strategy as fallback, got %+v", sel)
	}

	sel = newSelector(src).Select(context.Background(), "u1", market.RegimeUnknown, 1, testNow)
	if sel.Strategy != TrendFollowing {
		t.Errorf("unknown regime allows every strategy in preference order, got %+v", sel)
	}
}

func TestSelect_StatsRefreshCadence(t *testing.T) {
	src := &fakeStats{}
	s := newSelector(src)
	ctx := context.Background()

	s.Select(ctx, "u1", market.RegimeRanging, 100, testNow)
	s.Select(ctx, "u1", market.RegimeRanging, 105, testNow)
	s.Select(ctx, "u1", market.RegimeRanging, 114, testNow)
	if src.calls != 1 {
		t.Fatalf("expected one aggregation inside the refresh window, got %d", src.calls)
	}
	s.Select(ctx, "u1", market.RegimeRanging, 115, testNow)
	if src.calls != 2 {
		t.Fatalf("expected refresh after 15 ticks, got %d", src.calls)
	}

	s.Select(ctx, "u2", market.RegimeRanging, 115, testNow)
	if src.calls != 3 {
		t.Fatalf("expected a separate projection per user, got %d", src.calls)
	}

	s.Forget("u1")
	s.Select(ctx, "u1", market.RegimeRanging, 116, testNow)
	if src.calls != 4 {
		t.Fatalf("expected Forget to drop the projection, got %d", src.calls)
	}
}

func TestSelect_FailedRefreshKeepsProjection(t *testing.T) {
	src := &fakeStats{stats: []database.StrategyStats{
		{Strategy: string(Momentum), Regime: "volatile", Trades: 10, Wins: 2},
		{Strategy: string(MeanReversion), Regime: "volatile", Trades: 10, Wins: 7},
	}}
	s := newSelector(src)
	ctx := context.Background()
	if sel := s.Select(ctx, "u1", market.RegimeVolatile, 0, testNow); sel.Strategy != MeanReversion {
		t.Fatalf("expected mean reversion, got %+v", sel)
	}

	src.stats, src.err = nil, errors.New("db down")
	if sel := s.Select(ctx, "u1", market.RegimeVolatile, 20, testNow); sel.Strategy != MeanReversion {
		t.Errorf("expected cached projection to survive a failed refresh, got %+v", sel)
	}
}

func TestAccepts(t *testing.T) {
	f := market.Float
	tests := []struct {
		name     string
		strategy Strategy
		set      *market.IndicatorSet
		want     bool
	}{
		{"no data", TrendFollowing, nil, false},
		{"trend aligned", TrendFollowing, &market.IndicatorSet{Close: f(100), EMA21: f(99), EMA50: f(98)}, true},
		{"trend below ema", TrendFollowing, &market.IndicatorSet{Close: f(97), EMA21: f(99), EMA50: f(98)}, false},
		{"trend missing ema", TrendFollowing, &market.IndicatorSet{Close: f(100), EMA21: f(99)}, false},
		{"reversion rsi", MeanReversion, &market.IndicatorSet{Close: f(100), RSI: f(35)}, true},
		{"reversion band", MeanReversion, &market.IndicatorSet{Close: f(95), RSI: f(45), BollingerLower: f(96)}, true},
		{"reversion not stretched", MeanReversion, &market.IndicatorSet{Close: f(100), RSI: f(55), BollingerLower: f(96)}, false},
		{"momentum", Momentum, &market.IndicatorSet{Close: f(100), MACDHistogram: f(0.4), VolumeRatio: f(1.5)}, true},
		{"momentum thin volume", Momentum, &market.IndicatorSet{Close: f(100), MACDHistogram: f(0.4), VolumeRatio: f(0.6)}, false},
		{"momentum negative", Momentum, &market.IndicatorSet{Close: f(100), MACDHistogram: f(-0.1)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got, why := Accepts(tt.strategy, tt.set); got != tt.want {
				t.Errorf("Accepts = %v (%s), want %v", got, why, tt.want)
			}
		})
	}
}
