package indicators

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"autotrader/internal/market"
)

func rising(n int) []market.Candle {
	out := make([]market.Candle, n)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range out {
		c := 100 + float64(i)
		out[i] = market.Candle{
			Symbol:    "BTCUSDT",
			Timeframe: "1h",
			OpenTime:  t0.Add(time.Duration(i) * time.Hour),
			Open:      c - 0.5,
			High:      c + 1,
			Low:       c - 1,
			Close:     c,
			Volume:    10,
		}
	}
	return out
}

func TestCompute_ShortWindowLeavesFieldsAbsent(t *testing.T) {
	calc := NewCalculator(DefaultParams())
	set := calc.Compute("BTCUSDT", "1h", rising(10), time.Now())

	if set.Close == nil || *set.Close != 109 {
		t.Fatalf("close = %v, want 109", set.Close)
	}
	if set.EMA9 == nil {
		t.Error("ema9 should be computed from 10 candles")
	}

	absent := map[string]*float64{
		"rsi":          set.RSI,
		"macd":         set.MACDLine,
		"bollinger":    set.BollingerMiddle,
		"ema21":        set.EMA21,
		"ema200":       set.EMA200,
		"atr":          set.ATR,
		"stoch_k":      set.StochK,
		"volume_ratio": set.VolumeRatio,
	}
	for name, v := range absent {
		if v != nil {
			t.Errorf("%s = %v, want absent for a 10 candle window", name, *v)
		}
	}
}

func TestCompute_EmptyWindow(t *testing.T) {
	set := NewCalculator(DefaultParams()).Compute("BTCUSDT", "1h", nil, time.Now())
	if set.Close != nil || set.RSI != nil {
		t.Errorf("empty window produced values: %+v", set)
	}
}

func TestCompute_FullWindow(t *testing.T) {
	calc := NewCalculator(DefaultParams())
	set := calc.Compute("BTCUSDT", "1h", rising(calc.RequiredCandles()), time.Now())

	for _, name := range []string{
		market.IndicatorRSI, market.IndicatorMACDLine, market.IndicatorMACDSignal,
		market.IndicatorBollingerUpper, market.IndicatorBollingerLower,
		market.IndicatorEMA9, market.IndicatorEMA21, market.IndicatorEMA50, market.IndicatorEMA200,
		market.IndicatorATR, market.IndicatorStochK, market.IndicatorStochD, market.IndicatorVolumeRatio,
	} {
		if _, ok := set.Field(name); !ok {
			t.Errorf("%s missing from a full window", name)
		}
	}

	if *set.RSI < 70 {
		t.Errorf("rsi = %v, want overbought on a steady climb", *set.RSI)
	}
	if !(*set.EMA9 > *set.EMA21 && *set.EMA21 > *set.EMA200) {
		t.Errorf("emas not stacked: 9=%v 21=%v 200=%v", *set.EMA9, *set.EMA21, *set.EMA200)
	}
	if *set.VolumeRatio != 1 {
		t.Errorf("volume ratio = %v, want 1 for constant volume", *set.VolumeRatio)
	}
}

type fakeSource struct {
	fail map[string]bool
}

func (f fakeSource) GetKlines(_ context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	if f.fail[symbol] {
		return nil, errors.New("boom")
	}
	return rising(limit), nil
}

type recordingWriter struct {
	mu   sync.Mutex
	sets []*market.IndicatorSet
}

func (w *recordingWriter) SetIndicators(_ context.Context, set *market.IndicatorSet) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sets = append(w.sets, set)
	return nil
}

func (w *recordingWriter) RecordIndicators(set *market.IndicatorSet) {
	_ = w.SetIndicators(context.Background(), set)
}

func TestRefresher_IsolatesFailures(t *testing.T) {
	writer := &recordingWriter{}
	history := &recordingWriter{}
	r := NewRefresher(fakeSource{fail: map[string]bool{"ETHUSDT": true}},
		NewCalculator(DefaultParams()), writer, 2, time.Second, zerolog.Nop())
	r.SetRecorder(history)

	keys := []market.Key{
		{Symbol: "BTCUSDT", Timeframe: "1h"},
		{Symbol: "ETHUSDT", Timeframe: "1h"},
		{Symbol: "SOLUSDT", Timeframe: "4h"},
	}
	res := r.Refresh(context.Background(), keys)

	if len(res.Sets) != 2 {
		t.Errorf("refreshed %d sets, want 2", len(res.Sets))
	}
	if _, ok := res.Failed[keys[1]]; !ok || len(res.Failed) != 1 {
		t.Errorf("failed = %v, want only ETHUSDT", res.Failed)
	}
	if len(writer.sets) != 2 || len(history.sets) != 2 {
		t.Errorf("cached %d, recorded %d; want 2 each", len(writer.sets), len(history.sets))
	}
}

func TestRefresher_CancelledContext(t *testing.T) {
	r := NewRefresher(fakeSource{}, NewCalculator(DefaultParams()), nil, 1, 0, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := r.Refresh(ctx, []market.Key{{Symbol: "BTCUSDT", Timeframe: "1h"}})
	if len(res.Sets) != 0 || len(res.Failed) != 1 {
		t.Errorf("sets=%d failed=%d, want 0 and 1", len(res.Sets), len(res.Failed))
	}
}
