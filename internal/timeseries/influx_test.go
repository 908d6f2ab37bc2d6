package timeseries

import (
	"testing"
	"time"

	"autotrader/internal/market"
)

func f(v float64) *float64 { return &v }

func TestIndicatorPoint(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	set := &market.IndicatorSet{
		Symbol:     "BTCUSDT",
		Timeframe:  "1h",
		Close:      f(50000),
		RSI:        f(42),
		EMA200:     f(48000),
		ComputedAt: at,
	}

	p := IndicatorPoint(set)
	if p == nil {
		t.Fatal("expected a point")
	}
	if p.Name() != measurementIndicators {
		t.Errorf("measurement = %s", p.Name())
	}
	if !p.Time().Equal(at) {
		t.Errorf("time = %v, want %v", p.Time(), at)
	}

	fields := make(map[string]interface{})
	for _, fl := range p.FieldList() {
		fields[fl.Key] = fl.Value
	}
	if len(fields) != 3 {
		t.Errorf("fields = %v, want close, rsi and ema200 only", fields)
	}
	if fields[market.IndicatorRSI] != 42.0 {
		t.Errorf("rsi = %v", fields[market.IndicatorRSI])
	}

	tags := make(map[string]string)
	for _, tg := range p.TagList() {
		tags[tg.Key] = tg.Value
	}
	if tags["symbol"] != "BTCUSDT" || tags["timeframe"] != "1h" {
		t.Errorf("tags = %v", tags)
	}
}

func TestIndicatorPoint_EmptySet(t *testing.T) {
	if p := IndicatorPoint(&market.IndicatorSet{Symbol: "BTCUSDT"}); p != nil {
		t.Error("a set without values should not produce a point")
	}
	if p := IndicatorPoint(nil); p != nil {
		t.Error("nil set should not produce a point")
	}
}

func TestSignalPoint(t *testing.T) {
	sig := market.NeutralSignal("ETHUSDT", "1h", "no data", time.Now())
	p := SignalPoint(sig)
	if p == nil || p.Name() != measurementSignals {
		t.Fatalf("point = %v", p)
	}
	found := false
	for _, tg := range p.TagList() {
		if tg.Key == "direction" && tg.Value == string(market.DirectionNeutral) {
			found = true
		}
	}
	if !found {
		t.Error("direction tag missing")
	}
}
