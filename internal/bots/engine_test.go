package bots

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"autotrader/config"
	"autotrader/internal/binance"
	"autotrader/internal/circuit"
	"autotrader/internal/database"
	"autotrader/internal/events"
	"autotrader/internal/execution"
	"autotrader/internal/market"
)

var testNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type harness struct {
	paper    *binance.PaperExchange
	store    *database.MemoryStore
	recorder *events.Recorder
	engine   *Engine
}

func newHarness(t *testing.T, price float64) *harness {
	t.Helper()
	paper := binance.NewPaperExchange("USDT", 1000)
	paper.SetPrice("BTCUSDT", price, 0)

	store := database.NewMemoryStore()
	rec := &events.Recorder{}
	cfg := config.ExecutionConfig{
		OrderTimeout:         time.Second,
		PlaceAttempts:        1,
		ProtectionAttempts:   1,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     time.Millisecond,
		BotMaxFailures:       3,
		LimitOrderTTL:        time.Hour,
		ReconcileLookback:    time.Minute,
	}
	defaults := func(userID string, now time.Time) *database.AutoTradingState {
		return &database.AutoTradingState{UserID: userID, Enabled: true, DayStartedAt: now, DayStartEquityUSD: 1000}
	}
	breaker := circuit.NewBreaker(config.RiskConfig{DailyLossLimitPct: 5, MaxConsecutiveLosses: 3}, 0, rec)
	ledger := execution.NewLedger(store, breaker, defaults, rec, zerolog.Nop())
	exec := execution.NewExecutor(cfg, store, ledger, rec, zerolog.Nop())

	return &harness{paper: paper, store: store, recorder: rec, engine: NewEngine(cfg, store, exec, rec, zerolog.Nop())}
}

// tick moves the paper price and builds the matching session
func (h *harness) tick(price float64, set *market.IndicatorSet, at time.Time) *execution.Session {
	h.paper.SetPrice("BTCUSDT", price, 0)
	snap := market.NewSnapshot(at, "1h", 0)
	snap.Tickers["BTCUSDT"] = market.Ticker{Symbol: "BTCUSDT", Price: price}
	if set != nil {
		set.Symbol, set.Timeframe, set.ComputedAt = "BTCUSDT", "1h", at
		snap.Indicators[market.Key{Symbol: "BTCUSDT", Timeframe: "1h"}] = set
	}
	return &execution.Session{UserID: "u1", Exchange: h.paper, Snapshot: snap, Now: at, Logger: zerolog.Nop()}
}

func (h *harness) create(t *testing.T, b *database.Bot, start bool) *database.Bot {
	t.Helper()
	ctx := context.Background()
	if err := h.engine.Create(ctx, "u1", b); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if b.Status != database.BotStopped {
		t.Fatalf("new bots start stopped, got %s", b.Status)
	}
	if start {
		if _, err := h.engine.Start(ctx, "u1", b.ID); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}
	return b
}

func (h *harness) reload(t *testing.T, id string) *database.Bot {
	t.Helper()
	b, err := h.store.GetBot(context.Background(), "u1", id)
	if err != nil {
		t.Fatalf("GetBot: %v", err)
	}
	return b
}

func (h *harness) tradeCount(t *testing.T) int {
	t.Helper()
	out, err := h.store.ListTradeExecutions(context.Background(), "u1", 0)
	if err != nil {
		t.Fatalf("ListTradeExecutions: %v", err)
	}
	return len(out)
}

func rsiBot(amount float64) *database.Bot {
	return &database.Bot{
		Name:   "rsi swing",
		Symbol: "BTCUSDT",
		Config: database.RSIConfig{Timeframe: "1h", OversoldThreshold: 30, OverboughtThreshold: 70, Amount: amount},
	}
}

func rsi(v float64) *market.IndicatorSet {
	return &market.IndicatorSet{RSI: market.Float(v)}
}

func TestRSIBot_BuysOversoldSellsOverbought(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()
	b := h.create(t, rsiBot(50), true)

	_ = h.engine.Evaluate(ctx, h.tick(100, rsi(25), testNow))
	got := h.reload(t, b.ID)
	if !got.State.InPosition || got.State.PositionQty != 0.5 || got.State.EntryPrice != 100 {
		t.Fatalf("expected a 0.5 position at 100, got %+v", got.State)
	}

	// still oversold while holding: no second entry
	_ = h.engine.Evaluate(ctx, h.tick(100, rsi(20), testNow.Add(time.Hour)))
	if got := h.reload(t, b.ID); got.State.PositionQty != 0.5 {
		t.Fatalf("expected no pyramiding, got %+v", got.State)
	}

	_ = h.engine.Evaluate(ctx, h.tick(110, rsi(75), testNow.Add(2*time.Hour)))
	got = h.reload(t, b.ID)
	if got.State.InPosition || got.State.LastExitAt == nil {
		t.Fatalf("expected the position to be closed, got %+v", got.State)
	}
	if got.TotalTrades != 2 || got.TotalProfit != 5 {
		t.Errorf("expected 2 trades and profit 5, got %d / %v", got.TotalTrades, got.TotalProfit)
	}
	if n := h.tradeCount(t); n != 2 {
		t.Errorf("expected 2 booked executions, got %d", n)
	}
	if n := len(h.recorder.OfType(events.EventBotTrade)); n != 2 {
		t.Errorf("expected 2 trade events, got %d", n)
	}
}

func TestRSIBot_StoppedOrPausedDoesNothing(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()
	stopped := h.create(t, rsiBot(50), false)

	_ = h.engine.Evaluate(ctx, h.tick(100, rsi(25), testNow))
	if got := h.reload(t, stopped.ID); got.State.InPosition || got.State.LastRunAt != nil {
		t.Errorf("stopped bot must not run, got %+v", got.State)
	}

	running := h.create(t, rsiBot(50), true)
	sess := h.tick(100, rsi(25), testNow)
	sess.State = &database.AutoTradingState{UserID: "u1", IsPaused: true}
	_ = h.engine.Evaluate(ctx, sess)

	got := h.reload(t, running.ID)
	if got.State.InPosition {
		t.Errorf("bot must not enter while entries are paused")
	}
	if got.State.ConsecutiveFailures != 0 || got.Status != database.BotRunning {
		t.Errorf("paused entries are not a failure, got %+v", got)
	}
}

func TestRSIBot_MissingIndicatorIsNoop(t *testing.T) {
	h := newHarness(t, 100)
	b := h.create(t, rsiBot(50), true)

	_ = h.engine.Evaluate(context.Background(), h.tick(100, nil, testNow))
	got := h.reload(t, b.ID)
	if got.State.InPosition || got.State.ConsecutiveFailures != 0 {
		t.Errorf("expected nothing to happen, got %+v", got.State)
	}
	if got.State.LastRunAt == nil {
		t.Errorf("expected the run to be recorded")
	}
}

func TestEvaluate_RepeatedFailuresPauseBot(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()
	// below the minimum notional, rejected every time
	b := h.create(t, rsiBot(1), true)

	for i := 0; i < 2; i++ {
		_ = h.engine.Evaluate(ctx, h.tick(100, rsi(25), testNow.Add(time.Duration(i)*time.Minute)))
	}
	got := h.reload(t, b.ID)
	if got.Status != database.BotRunning || got.State.ConsecutiveFailures != 2 || got.LastError == "" {
		t.Fatalf("expected 2 failures while running, got %+v", got)
	}
	if n := len(h.recorder.OfType(events.EventBotError)); n != 2 {
		t.Errorf("expected 2 error events, got %d", n)
	}

	_ = h.engine.Evaluate(ctx, h.tick(100, rsi(25), testNow.Add(2*time.Minute)))
	got = h.reload(t, b.ID)
	if got.Status != database.BotPaused {
		t.Fatalf("expected bot paused after 3 failures, got %s", got.Status)
	}
	paused := h.recorder.OfType(events.EventBotPaused)
	if len(paused) != 1 || paused[0].Severity != events.SeverityCritical {
		t.Errorf("expected one critical pause event, got %+v", paused)
	}

	// a paused bot is skipped
	_ = h.engine.Evaluate(ctx, h.tick(100, rsi(25), testNow.Add(3*time.Minute)))
	if got := h.reload(t, b.ID); got.State.ConsecutiveFailures != 3 {
		t.Errorf("paused bot must not run, got %d failures", got.State.ConsecutiveFailures)
	}

	restarted, err := h.engine.Start(ctx, "u1", b.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if restarted.Status != database.BotRunning || restarted.State.ConsecutiveFailures != 0 {
		t.Errorf("expected start to clear failures, got %+v", restarted)
	}
}

func TestDCABot_IntervalAndMaxBuys(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()
	b := h.create(t, &database.Bot{
		Name:   "weekly stack",
		Symbol: "BTCUSDT",
		Config: database.DCAConfig{AmountPerBuy: 20, Interval: "1h", MaxBuys: 2},
	}, true)

	_ = h.engine.Evaluate(ctx, h.tick(100, nil, testNow))
	if got := h.reload(t, b.ID); got.State.BuyCount != 1 {
		t.Fatalf("expected first buy, got %+v", got.State)
	}

	_ = h.engine.Evaluate(ctx, h.tick(100, nil, testNow.Add(30*time.Minute)))
	if got := h.reload(t, b.ID); got.State.BuyCount != 1 {
		t.Fatalf("expected no buy inside the interval, got %+v", got.State)
	}

	_ = h.engine.Evaluate(ctx, h.tick(80, nil, testNow.Add(time.Hour)))
	got := h.reload(t, b.ID)
	if got.State.BuyCount != 2 || got.Status != database.BotStopped {
		t.Fatalf("expected second buy to complete the schedule, got %s %+v", got.Status, got.State)
	}
	if math.Abs(got.State.PositionQty-0.45) > 1e-9 {
		t.Errorf("expected 0.2 + 0.25 accumulated, got %v", got.State.PositionQty)
	}
	if n := len(h.recorder.OfType(events.EventBotStopped)); n != 1 {
		t.Errorf("expected a stopped event, got %d", n)
	}
}

func TestMACrossoverBot(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()
	b := h.create(t, &database.Bot{
		Name:   "ema cross",
		Symbol: "BTCUSDT",
		Config: database.MACrossoverConfig{Timeframe: "1h", FastPeriod: 9, SlowPeriod: 21, Amount: 50},
	}, true)
	emas := func(fast, slow float64) *market.IndicatorSet {
		return &market.IndicatorSet{EMA9: market.Float(fast), EMA21: market.Float(slow)}
	}

	// fast above slow from the start is not a crossover
	_ = h.engine.Evaluate(ctx, h.tick(100, emas(101, 99), testNow))
	got := h.reload(t, b.ID)
	if got.State.InPosition || got.State.LastRelation != relationAbove {
		t.Fatalf("first observation only records the relation, got %+v", got.State)
	}

	_ = h.engine.Evaluate(ctx, h.tick(100, emas(98, 99), testNow.Add(time.Hour)))
	if got := h.reload(t, b.ID); got.State.InPosition || got.State.LastRelation != relationBelow {
		t.Fatalf("bearish cross while flat does nothing, got %+v", got.State)
	}

	_ = h.engine.Evaluate(ctx, h.tick(100, emas(100, 99), testNow.Add(2*time.Hour)))
	if got := h.reload(t, b.ID); !got.State.InPosition {
		t.Fatalf("expected a buy on the bullish cross, got %+v", got.State)
	}

	_ = h.engine.Evaluate(ctx, h.tick(104, emas(98, 99), testNow.Add(3*time.Hour)))
	got = h.reload(t, b.ID)
	if got.State.InPosition || got.TotalTrades != 2 {
		t.Errorf("expected a sell on the bearish cross, got %+v", got)
	}
	if got.TotalProfit != 2 {
		t.Errorf("expected profit 2, got %v", got.TotalProfit)
	}
}

func TestCustomBot_AlertAction(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()
	h.create(t, &database.Bot{
		Name:   "watch",
		Symbol: "BTCUSDT",
		Config: database.CustomConfig{
			ConditionLogic: database.LogicAND,
			Conditions: []database.Condition{
				{Type: database.ConditionTypePrice, Symbol: "BTCUSDT", Operator: database.OperatorGT, Value: 95},
			},
			Action:          database.RuleAction{Type: database.ActionAlert, Message: "above 95"},
			CooldownMinutes: 10,
		},
	}, true)

	_ = h.engine.Evaluate(ctx, h.tick(100, nil, testNow))
	_ = h.engine.Evaluate(ctx, h.tick(100, nil, testNow.Add(5*time.Minute)))
	_ = h.engine.Evaluate(ctx, h.tick(100, nil, testNow.Add(11*time.Minute)))

	alerts := h.recorder.OfType(events.EventRuleAlert)
	if len(alerts) != 2 || alerts[0].Message != "above 95" {
		t.Errorf("expected 2 alerts honouring the cooldown, got %+v", alerts)
	}
}

func TestCustomBot_CrossUsesOwnLastPrice(t *testing.T) {
	h := newHarness(t, 95)
	ctx := context.Background()
	b := h.create(t, &database.Bot{
		Name:   "breakout",
		Symbol: "BTCUSDT",
		Config: database.CustomConfig{
			ConditionLogic: database.LogicAND,
			Conditions: []database.Condition{
				{Type: database.ConditionTypePrice, Symbol: "BTCUSDT", Operator: database.OperatorCrossesAbove, Value: 100},
			},
			Action: database.RuleAction{Type: database.ActionAlert, Message: "crossed 100"},
		},
	}, true)

	_ = h.engine.Evaluate(ctx, h.tick(95, nil, testNow))
	if got := h.reload(t, b.ID); got.State.LastPrices["BTCUSDT"] != 95 {
		t.Fatalf("observed prices = %v", got.State.LastPrices)
	}
	_ = h.engine.Evaluate(ctx, h.tick(110, nil, testNow.Add(3*time.Minute)))
	_ = h.engine.Evaluate(ctx, h.tick(111, nil, testNow.Add(4*time.Minute)))

	if n := len(h.recorder.OfType(events.EventRuleAlert)); n != 1 {
		t.Errorf("alerts = %d, want exactly one", n)
	}
}

func gridBot() *database.Bot {
	return &database.Bot{
		Name:   "btc grid",
		Symbol: "BTCUSDT",
		Config: database.GridConfig{LowerPrice: 90, UpperPrice: 110, GridCount: 4, InvestmentAmount: 400},
	}
}

func TestGridBot_BuyLowSellHigh(t *testing.T) {
	h := newHarness(t, 102)
	ctx := context.Background()
	b := h.create(t, gridBot(), true)

	_ = h.engine.Evaluate(ctx, h.tick(102, nil, testNow))
	got := h.reload(t, b.ID)
	if len(got.State.GridLevels) != 5 {
		t.Fatalf("expected 5 levels, got %d", len(got.State.GridLevels))
	}
	open := h.paper.OpenOrders("BTCUSDT")
	if len(open) != 3 {
		t.Fatalf("expected buys at 90, 95 and 100, got %+v", open)
	}
	for i, want := range []float64{90, 95, 100} {
		if open[i].Side != binance.SideBuy || open[i].Price != want {
			t.Errorf("order %d: expected buy at %v, got %s at %v", i, want, open[i].Side, open[i].Price)
		}
	}

	// the 100 buy fills and a sell goes up one level
	_ = h.engine.Evaluate(ctx, h.tick(99.5, nil, testNow.Add(time.Minute)))
	got = h.reload(t, b.ID)
	lvl := got.State.GridLevels[2]
	if lvl.Holding != 1 || lvl.BuyPrice != 100 || lvl.BuyOrderID != 0 || lvl.SellOrderID == 0 {
		t.Fatalf("expected level 100 holding 1 with a resting sell, got %+v", lvl)
	}
	sell, err := h.paper.GetOrder(ctx, "BTCUSDT", lvl.SellOrderID)
	if err != nil || sell.Price != 105 {
		t.Fatalf("expected sell at 105, got %+v, %v", sell, err)
	}
	if n := h.tradeCount(t); n != 1 {
		t.Errorf("expected the buy fill booked once, got %d", n)
	}

	_ = h.engine.Evaluate(ctx, h.tick(106, nil, testNow.Add(2*time.Minute)))
	got = h.reload(t, b.ID)
	if got.TotalProfit != 5 || got.TotalTrades != 2 {
		t.Errorf("expected profit 5 over 2 trades, got %v / %d", got.TotalProfit, got.TotalTrades)
	}
	lvl = got.State.GridLevels[2]
	if lvl.Holding != 0 || lvl.SellOrderID != 0 || lvl.BuyOrderID == 0 {
		t.Errorf("expected level 100 to rest a new buy, got %+v", lvl)
	}
	if n := h.tradeCount(t); n != 2 {
		t.Errorf("expected 2 booked executions, got %d", n)
	}
}

func TestGridBot_StopCancelsOrdersThenDelete(t *testing.T) {
	h := newHarness(t, 102)
	ctx := context.Background()
	b := h.create(t, gridBot(), true)
	_ = h.engine.Evaluate(ctx, h.tick(102, nil, testNow))

	if err := h.engine.Delete(ctx, "u1", b.ID); !errors.Is(err, database.ErrInvalid) {
		t.Fatalf("expected running bot delete to be refused, got %v", err)
	}
	if _, err := h.engine.Stop(ctx, "u1", b.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := h.engine.Delete(ctx, "u1", b.ID); !errors.Is(err, database.ErrInvalid) {
		t.Fatalf("expected delete to wait for the order cleanup, got %v", err)
	}

	_ = h.engine.Evaluate(ctx, h.tick(102, nil, testNow.Add(time.Minute)))
	if open := h.paper.OpenOrders("BTCUSDT"); len(open) != 0 {
		t.Fatalf("expected resting orders cancelled, got %+v", open)
	}
	if got := h.reload(t, b.ID); len(got.State.GridLevels) != 0 {
		t.Errorf("expected grid levels cleared, got %+v", got.State.GridLevels)
	}
	if bal, _ := h.paper.GetBalance(ctx, "USDT"); math.Abs(bal-1000) > 1e-6 {
		t.Errorf("expected reserved funds released, got %v", bal)
	}
	if err := h.engine.Delete(ctx, "u1", b.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func TestGridBot_StopLossClosesGrid(t *testing.T) {
	h := newHarness(t, 102)
	ctx := context.Background()
	b := gridBot()
	cfg := b.Config.(database.GridConfig)
	sl := 85.0
	cfg.StopLossPrice = &sl
	b.Config = cfg
	h.create(t, b, true)

	_ = h.engine.Evaluate(ctx, h.tick(102, nil, testNow))
	_ = h.engine.Evaluate(ctx, h.tick(99, nil, testNow.Add(time.Minute)))
	_ = h.engine.Evaluate(ctx, h.tick(84, nil, testNow.Add(2*time.Minute)))

	got := h.reload(t, b.ID)
	if got.Status != database.BotStopped || len(got.State.GridLevels) != 0 {
		t.Fatalf("expected grid closed, got %s %+v", got.Status, got.State)
	}
	if open := h.paper.OpenOrders("BTCUSDT"); len(open) != 0 {
		t.Errorf("expected no resting orders, got %+v", open)
	}
	if base, _ := h.paper.GetBalance(ctx, "BTC"); base > 1e-4 {
		t.Errorf("expected inventory sold, %v BTC left", base)
	}
	if got.TotalProfit >= 0 {
		t.Errorf("expected a realized loss, got %v", got.TotalProfit)
	}
}

func TestValidate(t *testing.T) {
	sl, tp := 95.0, 120.0
	tests := []struct {
		name  string
		cfg   database.BotConfig
		field string
	}{
		{"grid ok", database.GridConfig{LowerPrice: 90, UpperPrice: 110, GridCount: 4, InvestmentAmount: 100}, ""},
		{"grid inverted", database.GridConfig{LowerPrice: 110, UpperPrice: 90, GridCount: 4, InvestmentAmount: 100}, "config.upperPrice"},
		{"grid count", database.GridConfig{LowerPrice: 90, UpperPrice: 110, GridCount: 1, InvestmentAmount: 100}, "config.gridCount"},
		{"grid stop loss inside", database.GridConfig{LowerPrice: 90, UpperPrice: 110, GridCount: 4, InvestmentAmount: 100, StopLossPrice: &sl}, "config.stopLossPrice"},
		{"grid take profit ok", database.GridConfig{LowerPrice: 90, UpperPrice: 110, GridCount: 4, InvestmentAmount: 100, TakeProfitPrice: &tp}, ""},
		{"dca interval", database.DCAConfig{AmountPerBuy: 10, Interval: "30s"}, "config.interval"},
		{"dca ok", database.DCAConfig{AmountPerBuy: 10, Interval: "4h"}, ""},
		{"rsi thresholds", database.RSIConfig{OversoldThreshold: 70, OverboughtThreshold: 30, Amount: 10}, "config.oversoldThreshold"},
		{"rsi timeframe", database.RSIConfig{Timeframe: "7m", OversoldThreshold: 30, OverboughtThreshold: 70, Amount: 10}, "config.timeframe"},
		{"ma period", database.MACrossoverConfig{FastPeriod: 10, SlowPeriod: 21, Amount: 10}, "config.fastPeriod"},
		{"ma order", database.MACrossoverConfig{FastPeriod: 50, SlowPeriod: 21, Amount: 10}, "config.fastPeriod"},
		{"custom without conditions", database.CustomConfig{ConditionLogic: database.LogicAND, Action: database.RuleAction{Type: database.ActionAlert}}, "config.conditions"},
		{"custom buy takes condition symbol", database.CustomConfig{
			ConditionLogic: database.LogicAND,
			Conditions:     []database.Condition{{Type: database.ConditionTypePrice, Symbol: "ETHUSDT", Operator: database.OperatorLT, Value: 100}},
			Action:         database.RuleAction{Type: database.ActionBuy, OrderType: database.OrderTypeMarket, AmountType: database.AmountQuote, Amount: 20},
		}, ""},
		{"custom buy bad symbol", database.CustomConfig{
			ConditionLogic: database.LogicAND,
			Conditions:     []database.Condition{{Type: database.ConditionTypePrice, Symbol: "ETHUSDT", Operator: database.OperatorLT, Value: 100}},
			Action:         database.RuleAction{Type: database.ActionBuy, Symbol: "eth", OrderType: database.OrderTypeMarket, AmountType: database.AmountQuote, Amount: 20},
		}, "config.action.symbol"},
		{"missing config", nil, "config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&database.Bot{Name: "b", Symbol: "BTCUSDT", Config: tt.cfg})
			if tt.field == "" {
				if err != nil {
					t.Fatalf("expected valid, got %v", err)
				}
				return
			}
			var ve *database.ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Fatalf("expected error on %s, got %v", tt.field, err)
			}
		})
	}
}
