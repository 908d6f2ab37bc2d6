package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"autotrader/config"
	"autotrader/internal/binance"
	"autotrader/internal/circuit"
	"autotrader/internal/database"
	"autotrader/internal/events"
	"autotrader/internal/market"
)

var testNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type harness struct {
	paper    *binance.PaperExchange
	store    *database.MemoryStore
	recorder *events.Recorder
	exec     *Executor
}

func testDefaults(userID string, now time.Time) *database.AutoTradingState {
	return &database.AutoTradingState{UserID: userID, Enabled: true, DayStartedAt: now, DayStartEquityUSD: 1000}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	paper := binance.NewPaperExchange("USDT", 1000)
	paper.SetPrice("BTCUSDT", 100, 0)

	store := database.NewMemoryStore()
	rec := &events.Recorder{}
	breaker := circuit.NewBreaker(config.RiskConfig{DailyLossLimitPct: 5, MaxConsecutiveLosses: 3}, 0, rec)
	ledger := NewLedger(store, breaker, testDefaults, rec, zerolog.Nop())
	exec := NewExecutor(config.ExecutionConfig{
		OrderTimeout:           time.Second,
		PlaceAttempts:          3,
		ProtectionAttempts:     2,
		RetryInitialInterval:   time.Millisecond,
		RetryMaxInterval:       2 * time.Millisecond,
		LimitOrderTTL:          time.Hour,
		ReconcileLookback:      time.Minute,
		StopLimitOffsetPercent: 0.5,
	}, store, ledger, rec, zerolog.Nop())

	return &harness{paper: paper, store: store, recorder: rec, exec: exec}
}

func (h *harness) session(ex binance.Exchange, price float64, at time.Time) *Session {
	snap := market.NewSnapshot(at, "1h", 0)
	snap.Tickers["BTCUSDT"] = market.Ticker{Symbol: "BTCUSDT", Price: price}
	st, _ := h.store.GetAutoTradingState(context.Background(), "u1")
	return &Session{UserID: "u1", Exchange: ex, Snapshot: snap, Now: at, Logger: zerolog.Nop(), State: st}
}

func pct(v float64) *float64 { return &v }

func marketBuy(amount float64, p database.Protection) OrderRequest {
	return OrderRequest{
		Source:     database.SourceConditional,
		SourceID:   "c1",
		Symbol:     "BTCUSDT",
		Side:       database.SideBuy,
		OrderType:  database.OrderTypeMarket,
		AmountType: database.AmountQuote,
		Amount:     amount,
		Protection: p,
	}
}

func TestExecute_MarketBuyAttachesOCO(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.session(h.paper, 100, testNow)

	res, err := h.exec.Execute(ctx, sess, marketBuy(100, database.Protection{StopLossPct: pct(2), TakeProfitPct: pct(4)}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Filled || math.Abs(res.Quantity-1) > 1e-9 {
		t.Fatalf("expected 1 BTC filled, got %+v", res)
	}
	if res.ProtectionStatus != database.ProtectionAttached {
		t.Errorf("expected protection attached, got %s", res.ProtectionStatus)
	}

	pos, err := h.store.GetPosition(ctx, "u1", "BTCUSDT")
	if err != nil || math.Abs(pos.Quantity-1) > 1e-9 || math.Abs(pos.AvgEntryPrice-100) > 1e-9 {
		t.Fatalf("unexpected position %+v (%v)", pos, err)
	}

	managed, _ := h.store.ListOpenManagedOrders(ctx, "u1")
	if len(managed) != 1 || managed[0].Role != database.RoleOCO {
		t.Fatalf("expected one OCO managed order, got %+v", managed)
	}
	if managed[0].StopPrice != 98 || managed[0].Price != 104 {
		t.Errorf("unexpected OCO prices stop=%v limit=%v", managed[0].StopPrice, managed[0].Price)
	}
	if open := h.paper.OpenOrders("BTCUSDT"); len(open) != 2 {
		t.Errorf("expected two resting OCO legs, got %d", len(open))
	}
	if len(h.recorder.OfType(events.EventTradeExecuted)) != 1 {
		t.Error("expected one trade event")
	}
}

func TestExecute_PausedBlocksBuysOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.paper.SetBalance("BTC", 1)

	sess := h.session(h.paper, 100, testNow)
	sess.State = &database.AutoTradingState{UserID: "u1", IsPaused: true}

	if _, err := h.exec.Execute(ctx, sess, marketBuy(100, database.Protection{})); !errors.Is(err, ErrEntriesPaused) {
		t.Fatalf("expected ErrEntriesPaused, got %v", err)
	}

	sell := marketBuy(0.5, database.Protection{})
	sell.Side = database.SideSell
	sell.AmountType = database.AmountBase
	res, err := h.exec.Execute(ctx, sess, sell)
	if err != nil || !res.Filled {
		t.Fatalf("sell while paused should execute: %+v %v", res, err)
	}
}

func TestExecute_InvalidOrdersArePermanent(t *testing.T) {
	h := newHarness(t)
	sess := h.session(h.paper, 100, testNow)

	tests := []struct {
		name string
		req  OrderRequest
	}{
		{"zero amount", marketBuy(0, database.Protection{})},
		{"below min notional", marketBuy(1, database.Protection{})},
		{"bad amount type", func() OrderRequest { r := marketBuy(50, database.Protection{}); r.AmountType = "lots"; return r }()},
		{"limit without price", func() OrderRequest { r := marketBuy(50, database.Protection{}); r.OrderType = database.OrderTypeLimit; return r }()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.exec.Execute(context.Background(), sess, tt.req)
			if !IsPermanent(err) {
				t.Errorf("expected permanent error, got %v", err)
			}
		})
	}
}

func TestExecute_MissingPriceIsRetryable(t *testing.T) {
	h := newHarness(t)
	sess := h.session(h.paper, 100, testNow)
	req := marketBuy(50, database.Protection{})
	req.Symbol = "ETHUSDT"

	_, err := h.exec.Execute(context.Background(), sess, req)
	if !errors.Is(err, ErrNoPrice) || !IsRetryable(err) {
		t.Errorf("expected retryable ErrNoPrice, got %v", err)
	}
}

// lostReplyExchange accepts the first order but reports a timeout
type lostReplyExchange struct {
	*binance.PaperExchange
	calls int
}

func (l *lostReplyExchange) PlaceOrder(ctx context.Context, spec binance.OrderSpec) (*binance.OrderResult, error) {
	l.calls++
	res, err := l.PaperExchange.PlaceOrder(ctx, spec)
	if l.calls == 1 && err == nil {
		return nil, binance.ErrUnknownOutcome
	}
	return res, err
}

func TestExecute_ReconcilesUnknownOutcome(t *testing.T) {
	h := newHarness(t)
	ex := &lostReplyExchange{PaperExchange: h.paper}
	sess := h.session(ex, 100, testNow)

	res, err := h.exec.Execute(context.Background(), sess, marketBuy(100, database.Protection{}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if ex.calls != 1 {
		t.Errorf("expected the lost order to be adopted without a second placement, got %d calls", ex.calls)
	}
	orders, _ := h.paper.ListOrders(context.Background(), "BTCUSDT", time.Time{})
	if len(orders) != 1 || orders[0].OrderID != res.Order.OrderID {
		t.Errorf("expected exactly one exchange order, got %+v", orders)
	}
}

// brokenOCOExchange never accepts exits
type brokenOCOExchange struct {
	*binance.PaperExchange
}

func (brokenOCOExchange) PlaceOCO(context.Context, binance.OCOSpec) (*binance.OCOResult, error) {
	return nil, &binance.ExchangeError{Code: -1008, Message: "server busy", Transient: true}
}

func TestExecute_ProtectionFailureRaisesPartialExecution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.session(brokenOCOExchange{h.paper}, 100, testNow)

	res, err := h.exec.Execute(ctx, sess, marketBuy(100, database.Protection{StopLossPct: pct(2), TakeProfitPct: pct(4)}))
	if !errors.Is(err, ErrProtectionMissing) {
		t.Fatalf("expected ErrProtectionMissing, got %v", err)
	}
	if res == nil || !res.Filled || res.ProtectionStatus != database.ProtectionMissing {
		t.Fatalf("entry must stay filled with missing protection: %+v", res)
	}
	if IsRetryable(err) {
		t.Error("a filled entry must not be retried")
	}

	partial := h.recorder.OfType(events.EventPartialExecution)
	if len(partial) != 1 || partial[0].Severity != events.SeverityCritical {
		t.Fatalf("expected one critical partial execution event, got %+v", partial)
	}
	if execs, _ := h.store.ListTradeExecutions(ctx, "u1", 10); len(execs) != 1 {
		t.Errorf("the fill must still be recorded, got %d executions", len(execs))
	}
}

// lostOCOExchange places the first OCO but reports a timeout
type lostOCOExchange struct {
	*binance.PaperExchange
	calls int
}

func (l *lostOCOExchange) PlaceOCO(ctx context.Context, spec binance.OCOSpec) (*binance.OCOResult, error) {
	l.calls++
	res, err := l.PaperExchange.PlaceOCO(ctx, spec)
	if l.calls == 1 && err == nil {
		return nil, fmt.Errorf("%w: timeout", binance.ErrUnknownOutcome)
	}
	return res, err
}

func TestExecute_AdoptsOCOAfterTimeout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ex := &lostOCOExchange{PaperExchange: h.paper}
	sess := h.session(ex, 100, testNow)

	res, err := h.exec.Execute(ctx, sess, marketBuy(100, database.Protection{StopLossPct: pct(2), TakeProfitPct: pct(4)}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ProtectionStatus != database.ProtectionAttached {
		t.Errorf("expected protection attached, got %s", res.ProtectionStatus)
	}
	if ex.calls != 1 {
		t.Errorf("expected the timed out OCO to be adopted without a second placement, got %d calls", ex.calls)
	}
	if n := len(h.recorder.OfType(events.EventPartialExecution)); n != 0 {
		t.Errorf("expected no partial execution event, got %d", n)
	}

	open := h.paper.OpenOrders("BTCUSDT")
	if len(open) != 2 {
		t.Fatalf("expected exactly one OCO pair resting, got %+v", open)
	}
	managed, _ := h.store.ListOpenManagedOrders(ctx, "u1")
	if len(managed) != 1 || managed[0].Role != database.RoleOCO {
		t.Fatalf("expected one tracked OCO, got %+v", managed)
	}
	mo := managed[0]
	if mo.ListID != open[0].ListID || mo.ExchangeOrderID == 0 || mo.StopOrderID == 0 {
		t.Errorf("tracked OCO does not point at the resting pair: %+v", mo)
	}
}

func TestSyncManaged_LimitEntryFillsThenProtects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.session(h.paper, 100, testNow)

	limit := 95.0
	req := marketBuy(95, database.Protection{StopLossPct: pct(2)})
	req.OrderType = database.OrderTypeLimit
	req.LimitPrice = &limit

	res, err := h.exec.Execute(ctx, sess, req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Filled || res.Managed == nil || res.ProtectionStatus != database.ProtectionPending {
		t.Fatalf("expected a resting managed entry, got %+v", res)
	}

	h.paper.SetPrice("BTCUSDT", 94, 0)
	sess = h.session(h.paper, 94, testNow.Add(time.Minute))
	if err := h.exec.SyncManaged(ctx, sess); err != nil {
		t.Fatalf("SyncManaged: %v", err)
	}

	pos, err := h.store.GetPosition(ctx, "u1", "BTCUSDT")
	if err != nil || math.Abs(pos.Quantity-1) > 1e-9 || math.Abs(pos.AvgEntryPrice-95) > 1e-9 {
		t.Fatalf("unexpected position %+v (%v)", pos, err)
	}
	managed, _ := h.store.ListOpenManagedOrders(ctx, "u1")
	if len(managed) != 1 || managed[0].Role != database.RoleStopLoss {
		t.Fatalf("expected a stop loss after the fill, got %+v", managed)
	}
	if math.Abs(managed[0].StopPrice-93.1) > 1e-9 {
		t.Errorf("expected stop at 93.1, got %v", managed[0].StopPrice)
	}
}

func TestSyncManaged_LimitEntryExpires(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.session(h.paper, 100, testNow)

	limit := 90.0
	req := marketBuy(90, database.Protection{})
	req.OrderType = database.OrderTypeLimit
	req.LimitPrice = &limit
	if _, err := h.exec.Execute(ctx, sess, req); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	sess = h.session(h.paper, 100, testNow.Add(2*time.Hour))
	if err := h.exec.SyncManaged(ctx, sess); err != nil {
		t.Fatalf("SyncManaged: %v", err)
	}
	if managed, _ := h.store.ListOpenManagedOrders(ctx, "u1"); len(managed) != 0 {
		t.Errorf("expired entry should be closed, got %+v", managed)
	}
	if open := h.paper.OpenOrders("BTCUSDT"); len(open) != 0 {
		t.Errorf("expired entry should be cancelled on the exchange, got %d open", len(open))
	}
	if bal, _ := h.paper.GetBalance(ctx, "USDT"); math.Abs(bal-1000) > 1e-9 {
		t.Errorf("reserved funds should be released, balance %v", bal)
	}
}

func TestSyncManaged_StopLossFillRecordsLoss(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.session(h.paper, 100, testNow)

	if _, err := h.exec.Execute(ctx, sess, marketBuy(100, database.Protection{StopLossPct: pct(2)})); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	h.paper.SetPrice("BTCUSDT", 97, 0)
	sess = h.session(h.paper, 97, testNow.Add(time.Minute))
	if err := h.exec.SyncManaged(ctx, sess); err != nil {
		t.Fatalf("SyncManaged: %v", err)
	}

	execs, _ := h.store.ListTradeExecutions(ctx, "u1", 10)
	var sell *database.TradeExecution
	for _, e := range execs {
		if e.Side == database.SideSell {
			sell = e
		}
	}
	if sell == nil || sell.Outcome != database.OutcomeLoss || sell.Source != database.SourceProtection {
		t.Fatalf("expected a protection loss, got %+v", sell)
	}
	st, err := h.store.GetAutoTradingState(ctx, "u1")
	if err != nil || st.LossesCount != 1 || st.ConsecutiveLosses != 1 || st.ActivePositions != 0 {
		t.Errorf("unexpected state %+v (%v)", st, err)
	}
}

func TestSyncManaged_TrailingStopRatchetsAndSells(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.session(h.paper, 100, testNow)

	if _, err := h.exec.Execute(ctx, sess, marketBuy(100, database.Protection{TrailingStopPct: pct(5)})); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	h.paper.SetPrice("BTCUSDT", 120, 0)
	if err := h.exec.SyncManaged(ctx, h.session(h.paper, 120, testNow.Add(time.Minute))); err != nil {
		t.Fatalf("SyncManaged: %v", err)
	}
	managed, _ := h.store.ListOpenManagedOrders(ctx, "u1")
	if len(managed) != 1 || math.Abs(managed[0].StopPrice-114) > 1e-9 {
		t.Fatalf("expected trailing stop raised to 114, got %+v", managed)
	}

	h.paper.SetPrice("BTCUSDT", 113, 0)
	if err := h.exec.SyncManaged(ctx, h.session(h.paper, 113, testNow.Add(2*time.Minute))); err != nil {
		t.Fatalf("SyncManaged: %v", err)
	}
	if managed, _ := h.store.ListOpenManagedOrders(ctx, "u1"); len(managed) != 0 {
		t.Errorf("trailing stop should be closed, got %+v", managed)
	}
	execs, _ := h.store.ListTradeExecutions(ctx, "u1", 10)
	var sell *database.TradeExecution
	for _, e := range execs {
		if e.Side == database.SideSell {
			sell = e
		}
	}
	if sell == nil || sell.Outcome != database.OutcomeWin || math.Abs(sell.Pnl-13) > 1e-6 {
		t.Fatalf("expected a 13 USDT win, got %+v", sell)
	}
}
