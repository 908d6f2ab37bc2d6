package autotrade

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"autotrader/config"
	"autotrader/internal/bias"
	"autotrader/internal/circuit"
	"autotrader/internal/database"
	"autotrader/internal/events"
	"autotrader/internal/execution"
	"autotrader/internal/market"
	"autotrader/internal/risk"
)

// Orchestrator is the per-user auto-trading loop: it routes buy signals
// through the selected strategy, the bias filter and the position sizer,
// and owns the user's enable/run/pause lifecycle
type Orchestrator struct {
	risk      config.RiskConfig
	store     database.Store
	exec      *execution.Executor
	breaker   *circuit.Breaker
	filter    *bias.Filter
	selector  *Selector
	defaults  execution.StateDefaults
	publisher events.Publisher
	logger    zerolog.Logger
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(
	riskCfg config.RiskConfig,
	store database.Store,
	exec *execution.Executor,
	breaker *circuit.Breaker,
	filter *bias.Filter,
	selector *Selector,
	defaults execution.StateDefaults,
	publisher events.Publisher,
	logger zerolog.Logger,
) *Orchestrator {
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &Orchestrator{
		risk:      riskCfg,
		store:     store,
		exec:      exec,
		breaker:   breaker,
		filter:    filter,
		selector:  selector,
		defaults:  defaults,
		publisher: publisher,
		logger:    logger.With().Str("component", "autotrade").Logger(),
	}
}

const equityAsset = "USDT"

// candidate is a symbol that passed every gate but sizing
type candidate struct {
	symbol     string
	signal     *market.Signal
	multiplier float64
	reason     string
}

// Evaluate runs one auto-trading pass for the session user. tick numbers
// the scheduler tick and drives the strategy stats refresh.
func (o *Orchestrator) Evaluate(ctx context.Context, sess *execution.Session, tick uint64) error {
	st := sess.State
	if st == nil || !st.Enabled || !st.IsRunning || sess.Snapshot == nil {
		return nil
	}
	snap := sess.Snapshot
	log := sess.Logger.With().Str("component", "autotrade").Logger()

	strategy, regime := o.route(ctx, sess, tick)
	if !sess.EntriesAllowed() {
		log.Debug().Str("reason", st.PauseReason).Msg("Auto-trading paused, no new entries")
		return nil
	}

	positions, err := o.store.ListPositions(ctx, sess.UserID)
	if err != nil {
		return fmt.Errorf("list positions: %w", err)
	}
	held := make(map[string]bool, len(positions))
	for _, p := range positions {
		if p.Quantity > 0 {
			held[p.Symbol] = true
		}
	}
	open := execution.OpenPositions(positions)

	cfg := st.Config
	minConfidence := cfg.MinConfidence
	if minConfidence <= 0 {
		minConfidence = o.risk.MinConfidence
	}
	opts := bias.Options{
		TrendFilter:     cfg.BTCTrendFilter,
		MomentumBoost:   cfg.MomentumBoost,
		CorrelationSkip: cfg.CorrelationSkip,
	}

	var candidates []candidate
	for _, symbol := range cfg.Symbols {
		if held[symbol] {
			continue
		}
		sig, ok := snap.Signal(symbol)
		if !ok || sig.Direction != market.DirectionBuy || sig.Confidence < minConfidence {
			continue
		}
		symLog := log.With().Str("symbol", symbol).Float64("confidence", sig.Confidence).Logger()
		if cfg.RequireMTFConfirmation && !sig.MultiTimeframeConfirmed {
			symLog.Debug().Msg("Buy signal not confirmed on the higher timeframe")
			continue
		}
		set, _ := snap.Indicator(symbol, snap.BaseTimeframe)
		accepted, why := Accepts(strategy, set)
		if !accepted {
			symLog.Debug().Str("strategy", string(strategy)).Str("reason", why).Msg("Buy signal rejected by strategy")
			continue
		}
		corr, known := snap.Correlation(symbol)
		d := o.filter.Evaluate(symbol, corr, known, snap.Bias, opts)
		if !d.ShouldTrade {
			symLog.Info().Str("reason", d.SkipReason).Msg("Buy signal vetoed by market bias")
			continue
		}
		candidates = append(candidates, candidate{symbol: symbol, signal: sig, multiplier: d.PositionMultiplier, reason: why})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].signal.Confidence > candidates[j].signal.Confidence
	})

	sizer := risk.NewPositionSizer(risk.ConfigFor(o.risk, cfg))
	for _, c := range candidates {
		if ok, why := sizer.CanOpenPosition(open); !ok {
			log.Debug().Str("reason", why).Msg("No room for new positions")
			break
		}
		entered, err := o.enter(ctx, sess, sizer, c, strategy, regime, log)
		if errors.Is(err, execution.ErrEntriesPaused) {
			log.Info().Msg("Entries paused during the pass")
			break
		}
		if err != nil {
			log.Warn().Err(err).Str("symbol", c.symbol).Msg("Auto-trade entry failed")
			continue
		}
		if entered {
			open++
		}
	}
	return nil
}

// route selects the strategy for this tick and records a routing change
func (o *Orchestrator) route(ctx context.Context, sess *execution.Session, tick uint64) (Strategy, market.Regime) {
	st := sess.State
	regime := sess.Snapshot.Regime

	var sel Selection
	if st.Config.Mode == database.ModeFixed && ValidStrategy(st.Config.Strategy) {
		sel = Selection{Strategy: Strategy(st.Config.Strategy), Regime: string(regime)}
	} else {
		sel = o.selector.Select(ctx, sess.UserID, regime, tick, sess.Now)
	}

	if st.SelectedStrategy == string(sel.Strategy) && st.CurrentRegime == string(regime) {
		return sel.Strategy, regime
	}
	saved, err := execution.MutateState(ctx, o.store, sess.UserID, o.defaults, sess.Now, func(s *database.AutoTradingState) error {
		s.CurrentRegime = string(regime)
		s.SelectedStrategy = string(sel.Strategy)
		return nil
	})
	if err != nil {
		o.logger.Warn().Err(err).Str("user_id", sess.UserID).Msg("Failed to save strategy selection")
		return sel.Strategy, regime
	}
	sess.State = saved

	o.publisher.Publish(events.Event{
		Type:    events.EventAutoTradeStrategy,
		UserID:  sess.UserID,
		Message: fmt.Sprintf("Strategy %s selected for %s market", sel.Strategy, regime),
		Data: map[string]interface{}{
			"strategy": sel.Strategy,
			"regime":   regime,
			"winRate":  sel.WinRate,
			"trades":   sel.Trades,
			"fallback": sel.Fallback,
		},
	})
	return sel.Strategy, regime
}

// enter sizes and places one auto-trading buy with the configured exits
func (o *Orchestrator) enter(ctx context.Context, sess *execution.Session, sizer *risk.PositionSizer, c candidate, strategy Strategy, regime market.Regime, log zerolog.Logger) (bool, error) {
	available, err := sess.Exchange.GetBalance(ctx, execution.QuoteAssetOf(c.symbol))
	if err != nil {
		return false, fmt.Errorf("balance: %w", err)
	}
	size := sizer.QuoteSize(c.multiplier, available)
	if size <= 0 {
		log.Debug().Str("symbol", c.symbol).Float64("available", available).Msg("Nothing to spend")
		return false, nil
	}

	res, err := o.exec.Execute(ctx, sess, execution.OrderRequest{
		Source:     database.SourceAutoTrade,
		SourceID:   string(strategy),
		Strategy:   string(strategy),
		Symbol:     c.symbol,
		Side:       database.SideBuy,
		OrderType:  database.OrderTypeMarket,
		AmountType: database.AmountQuote,
		Amount:     size,
		Protection: sizer.Protection(),
	})
	if err != nil && !errors.Is(err, execution.ErrProtectionMissing) {
		return false, err
	}

	log.Info().
		Str("symbol", c.symbol).
		Str("strategy", string(strategy)).
		Str("regime", string(regime)).
		Float64("quote", size).
		Float64("multiplier", c.multiplier).
		Float64("confidence", c.signal.Confidence).
		Msg("Auto-trade entry placed")

	data := map[string]interface{}{
		"symbol":     c.symbol,
		"strategy":   strategy,
		"regime":     regime,
		"quote":      size,
		"multiplier": c.multiplier,
		"confidence": c.signal.Confidence,
		"reasons":    append(append([]string(nil), c.signal.Reasons...), c.reason),
	}
	if res != nil {
		data["quantity"] = res.Quantity
		data["price"] = res.Price
		data["protection"] = res.ProtectionStatus
	}
	o.publisher.Publish(events.Event{
		Type:    events.EventAutoTradeEntry,
		UserID:  sess.UserID,
		Message: fmt.Sprintf("Auto-trade buy %s for %.2f (%s)", c.symbol, size, strategy),
		Data:    data,
	})
	return true, nil
}

// DailyReset starts a new trading day for the session user when the
// boundary has passed. The new day's equity is the quote balance plus the
// open positions at snapshot prices.
func (o *Orchestrator) DailyReset(ctx context.Context, sess *execution.Session) error {
	st := sess.State
	if st != nil && !st.DayStartedAt.IsZero() && !st.DayStartedAt.Before(o.breaker.DayStart(sess.Now)) {
		return nil
	}

	equity := o.equity(ctx, sess)
	saved, err := execution.MutateState(ctx, o.store, sess.UserID, o.defaults, sess.Now, func(s *database.AutoTradingState) error {
		o.breaker.ResetDaily(s, sess.Now, equity)
		return nil
	})
	if err != nil {
		return fmt.Errorf("daily reset: %w", err)
	}
	sess.State = saved
	return nil
}

func (o *Orchestrator) equity(ctx context.Context, sess *execution.Session) float64 {
	fallback := o.risk.DefaultCapitalUSD
	if sess.State != nil && sess.State.Config.CapitalUSD > 0 {
		fallback = sess.State.Config.CapitalUSD
	}

	quote, err := sess.Exchange.GetBalance(ctx, equityAsset)
	if err != nil {
		o.logger.Warn().Err(err).Str("user_id", sess.UserID).Msg("Equity unavailable, using configured capital")
		return fallback
	}
	total := quote
	positions, err := o.store.ListPositions(ctx, sess.UserID)
	if err == nil && sess.Snapshot != nil {
		for _, p := range positions {
			if price, ok := sess.Snapshot.Price(p.Symbol); ok && p.Quantity > 0 {
				total += p.Quantity * price
			}
		}
	}
	if total <= 0 {
		return fallback
	}
	return total
}

// Start enables and runs auto-trading for userID
func (o *Orchestrator) Start(ctx context.Context, userID string, now time.Time) (*database.AutoTradingState, error) {
	return execution.MutateState(ctx, o.store, userID, o.defaults, now, func(s *database.AutoTradingState) error {
		if len(s.Config.Symbols) == 0 {
			return database.Invalid("config.symbols", "configure at least one symbol before starting")
		}
		s.Enabled = true
		s.IsRunning = true
		return nil
	})
}

// Stop disables auto-trading. Open positions and their exits are kept.
func (o *Orchestrator) Stop(ctx context.Context, userID string, now time.Time) (*database.AutoTradingState, error) {
	st, err := execution.MutateState(ctx, o.store, userID, o.defaults, now, func(s *database.AutoTradingState) error {
		s.Enabled = false
		s.IsRunning = false
		return nil
	})
	if err == nil {
		o.selector.Forget(userID)
	}
	return st, err
}

// Resume lifts a circuit breaker pause and clears its counters
func (o *Orchestrator) Resume(ctx context.Context, userID string, now time.Time) (*database.AutoTradingState, error) {
	return execution.MutateState(ctx, o.store, userID, o.defaults, now, func(s *database.AutoTradingState) error {
		o.breaker.Resume(s)
		return nil
	})
}

// UpdateConfig validates cfg and replaces the user's auto-trading settings
func (o *Orchestrator) UpdateConfig(ctx context.Context, userID string, cfg database.AutoTradingConfig, now time.Time) (*database.AutoTradingState, error) {
	normalizeConfig(&cfg)
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	st, err := execution.MutateState(ctx, o.store, userID, o.defaults, now, func(s *database.AutoTradingState) error {
		s.Config = cfg
		if cfg.Mode == database.ModeFixed {
			s.SelectedStrategy = cfg.Strategy
		}
		return nil
	})
	if err == nil {
		o.selector.Forget(userID)
	}
	return st, err
}

func normalizeConfig(cfg *database.AutoTradingConfig) {
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	if cfg.Mode == "" {
		cfg.Mode = database.ModeAuto
	}
	for i, s := range cfg.Symbols {
		cfg.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
}

// ValidateConfig checks user supplied auto-trading settings. Zero values
// fall back to the engine defaults.
func ValidateConfig(cfg database.AutoTradingConfig) error {
	switch cfg.Mode {
	case database.ModeAuto:
	case database.ModeFixed:
		if !ValidStrategy(cfg.Strategy) {
			return database.Invalid("strategy", "must be one of trend_following, mean_reversion, momentum in fixed mode")
		}
	default:
		return database.Invalid("mode", "must be auto or fixed")
	}
	seen := make(map[string]bool, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		if !database.ValidSymbol(s) {
			return database.Invalid("symbols", "invalid symbol %q", s)
		}
		if seen[s] {
			return database.Invalid("symbols", "duplicate symbol %q", s)
		}
		seen[s] = true
	}
	switch {
	case cfg.PositionSizePct < 0 || cfg.PositionSizePct > 100:
		return database.Invalid("positionSizePct", "must be between 0 and 100")
	case cfg.CapitalUSD < 0:
		return database.Invalid("capitalUsd", "must not be negative")
	case cfg.MaxPositionUSD < 0:
		return database.Invalid("maxPositionUsd", "must not be negative")
	case cfg.MaxPositions < 0:
		return database.Invalid("maxPositions", "must not be negative")
	case cfg.MinConfidence < 0 || cfg.MinConfidence > 1:
		return database.Invalid("minConfidence", "must be between 0 and 1")
	case cfg.DailyLossLimitPct < 0 || cfg.DailyLossLimitPct > 100:
		return database.Invalid("dailyLossLimitPct", "must be between 0 and 100")
	case cfg.MaxConsecutiveLosses < 0:
		return database.Invalid("maxConsecutiveLosses", "must not be negative")
	case cfg.StopLossPct < 0 || cfg.StopLossPct >= 100:
		return database.Invalid("stopLossPct", "must be between 0 and 100")
	case cfg.TakeProfitPct < 0:
		return database.Invalid("takeProfitPct", "must not be negative")
	}
	return nil
}
