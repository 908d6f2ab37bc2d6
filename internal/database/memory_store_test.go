package database

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStore_ConditionalOrderVersioning(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	o := &ConditionalOrder{ID: "c1", UserID: "u1", Symbol: "BTCUSDT", Condition: ConditionAbove,
		TriggerPrice: 100, Status: ConditionalActive}
	if err := s.CreateConditionalOrder(ctx, o); err != nil {
		t.Fatalf("create: %v", err)
	}
	if o.Version != 1 {
		t.Fatalf("expected version 1, got %d", o.Version)
	}

	a, _ := s.GetConditionalOrder(ctx, "u1", "c1")
	b, _ := s.GetConditionalOrder(ctx, "u1", "c1")

	a.Status = ConditionalTriggered
	if err := s.UpdateConditionalOrder(ctx, a); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if a.Version != 2 {
		t.Errorf("expected version 2 after update, got %d", a.Version)
	}

	b.Status = ConditionalCancelled
	if err := s.UpdateConditionalOrder(ctx, b); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for stale update, got %v", err)
	}

	got, _ := s.GetConditionalOrder(ctx, "u1", "c1")
	if got.Status != ConditionalTriggered {
		t.Errorf("stale writer must not win, status=%s", got.Status)
	}

	if _, err := s.GetConditionalOrder(ctx, "u2", "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("other users must not see the order, got %v", err)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	max := 3
	r := &TradingRule{ID: "r1", UserID: "u1", Enabled: true, Status: RuleActive, MaxExecutions: &max,
		Conditions: []Condition{{Type: ConditionTypePrice, Symbol: "ETHUSDT", Operator: OperatorGT, Value: 1}}}
	if err := s.CreateRule(ctx, r); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetRule(ctx, "u1", "r1")
	got.Conditions[0].Value = 99
	*got.MaxExecutions = 10

	again, _ := s.GetRule(ctx, "u1", "r1")
	if again.Conditions[0].Value != 1 || *again.MaxExecutions != 3 {
		t.Errorf("store leaked internal state: %+v", again)
	}
}

func TestMemoryStore_LockUser(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	unlock, err := s.LockUser(ctx, "u1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := s.LockUser(ctx, "u1"); !errors.Is(err, ErrUserBusy) {
		t.Errorf("expected ErrUserBusy, got %v", err)
	}
	other, err := s.LockUser(ctx, "u2")
	if err != nil {
		t.Errorf("other users must not be blocked: %v", err)
	} else {
		other()
	}

	unlock()
	again, err := s.LockUser(ctx, "u1")
	if err != nil {
		t.Fatalf("relock after unlock: %v", err)
	}
	again()
}

func TestMemoryStore_AutoTradingStateCreateAndCAS(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.GetAutoTradingState(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	st := &AutoTradingState{UserID: "u1", Enabled: true}
	if err := s.SaveAutoTradingState(ctx, st); err != nil {
		t.Fatalf("create: %v", err)
	}

	dup := &AutoTradingState{UserID: "u1"}
	if err := s.SaveAutoTradingState(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Errorf("second create must conflict, got %v", err)
	}

	st.ConsecutiveLosses = 2
	if err := s.SaveAutoTradingState(ctx, st); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := s.GetAutoTradingState(ctx, "u1")
	if got.ConsecutiveLosses != 2 || got.Version != 2 {
		t.Errorf("unexpected state %+v", got)
	}
}

func TestMemoryStore_PositionsAndStats(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	p := &Position{UserID: "u1", Symbol: "BTCUSDT", Quantity: 0.5, AvgEntryPrice: 100, OpenedAt: now}
	if err := s.SavePosition(ctx, p); err != nil {
		t.Fatal(err)
	}
	p.Quantity = 0
	if err := s.SavePosition(ctx, p); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetPosition(ctx, "u1", "BTCUSDT"); !errors.Is(err, ErrNotFound) {
		t.Errorf("flat position should be removed, got %v", err)
	}

	for i, e := range []TradeExecution{
		{Outcome: OutcomeWin, Pnl: 10, Strategy: "momentum", Regime: "trending_up"},
		{Outcome: OutcomeLoss, Pnl: -4, Strategy: "momentum", Regime: "trending_up"},
		{Outcome: OutcomeOpen, Strategy: "momentum", Regime: "trending_up"},
		{Outcome: OutcomeWin, Pnl: 3, Strategy: "mean_reversion", Regime: "ranging"},
	} {
		e.ID = string(rune('a' + i))
		e.UserID = "u1"
		e.ExecutedAt = now
		if err := s.AppendTradeExecution(ctx, &e); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := s.GetStrategyStats(ctx, "u1", now.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(stats))
	}
	m := stats[1]
	if m.Strategy != "momentum" || m.Trades != 2 || m.Wins != 1 || m.TotalPnl != 6 {
		t.Errorf("unexpected momentum stats %+v", m)
	}
	if m.WinRate() != 0.5 {
		t.Errorf("expected win rate 0.5, got %v", m.WinRate())
	}

	execs, _ := s.ListTradeExecutions(ctx, "u1", 2)
	if len(execs) != 2 || execs[0].ID != "d" {
		t.Errorf("expected newest first with limit, got %d items", len(execs))
	}
}

func TestMemoryStore_WatchlistAndUsers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_ = s.CreateConditionalOrder(ctx, &ConditionalOrder{ID: "c1", UserID: "u1", Symbol: "BTCUSDT", Status: ConditionalActive})
	_ = s.CreateConditionalOrder(ctx, &ConditionalOrder{ID: "c2", UserID: "u9", Symbol: "DOGEUSDT", Status: ConditionalExecuted})
	_ = s.CreateRule(ctx, &TradingRule{ID: "r1", UserID: "u2", Enabled: true, Status: RuleActive,
		Conditions: []Condition{{Type: ConditionTypeIndicator, Symbol: "ETHUSDT", Indicator: "rsi", Timeframe: "1h"}}})
	_ = s.CreateRule(ctx, &TradingRule{ID: "r2", UserID: "u3", Enabled: false, Status: RuleActive,
		Conditions: []Condition{{Type: ConditionTypePrice, Symbol: "XRPUSDT"}}})
	_ = s.CreateBot(ctx, &Bot{ID: "b1", UserID: "u4", Symbol: "SOLUSDT", Status: BotRunning,
		Config: RSIConfig{Timeframe: "15m", OversoldThreshold: 30, OverboughtThreshold: 70, Amount: 10}})

	users, _ := s.ListAutomationUsers(ctx)
	if len(users) != 3 || users[0] != "u1" || users[1] != "u2" || users[2] != "u4" {
		t.Errorf("unexpected users %v", users)
	}

	w, _ := s.Watchlist(ctx)
	want := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}
	if len(w.Symbols) != len(want) {
		t.Fatalf("expected symbols %v, got %v", want, w.Symbols)
	}
	for i := range want {
		if w.Symbols[i] != want[i] {
			t.Errorf("symbol %d: expected %s, got %s", i, want[i], w.Symbols[i])
		}
	}
	if len(w.Keys) != 2 {
		t.Errorf("expected 2 indicator keys, got %v", w.Keys)
	}
}

func TestBotJSONRoundTripKeepsVariant(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	b := &Bot{ID: "b1", UserID: "u1", Symbol: "BTCUSDT", Status: BotRunning,
		Config: GridConfig{LowerPrice: 90, UpperPrice: 110, GridCount: 4, InvestmentAmount: 400}}
	if err := s.CreateBot(ctx, b); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetBot(ctx, "u1", "b1")
	if err != nil {
		t.Fatal(err)
	}
	cfg, ok := got.Config.(GridConfig)
	if !ok {
		t.Fatalf("expected GridConfig, got %T", got.Config)
	}
	if cfg.GridCount != 4 || cfg.UpperPrice != 110 {
		t.Errorf("unexpected config %+v", cfg)
	}
}
