package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"autotrader/config"
	"autotrader/internal/autotrade"
	"autotrader/internal/bias"
	"autotrader/internal/binance"
	"autotrader/internal/bots"
	"autotrader/internal/cache"
	"autotrader/internal/circuit"
	"autotrader/internal/conditional"
	"autotrader/internal/database"
	"autotrader/internal/events"
	"autotrader/internal/execution"
	"autotrader/internal/indicators"
	"autotrader/internal/logging"
	"autotrader/internal/market"
	"autotrader/internal/rules"
	"autotrader/internal/signals"
)

// ExchangeProvider resolves the exchange client of a user
type ExchangeProvider interface {
	ForUser(ctx context.Context, userID string) (binance.Exchange, error)
}

// tickerSink is implemented by providers that feed prices to paper accounts
type tickerSink interface {
	PublishTickers(tickers []market.Ticker)
}

// HistoryRecorder receives computed indicator sets and signals; optional
type HistoryRecorder interface {
	indicators.Recorder
	RecordSignal(sig *market.Signal)
}

// Options wires the service's collaborators
type Options struct {
	Config    *config.Config
	Store     database.Store
	Market    binance.MarketData
	Exchanges ExchangeProvider
	Cache     cache.IndicatorCache
	Publisher events.Publisher
	History   HistoryRecorder
	Logger    zerolog.Logger
}

// Service is the engine: it runs the tick loop and exposes the public
// operations intent producers call
type Service struct {
	cfg       *config.Config
	store     database.Store
	exchanges ExchangeProvider
	cache     cache.IndicatorCache
	history   HistoryRecorder
	publisher events.Publisher
	logger    zerolog.Logger
	now       func() time.Time

	breaker      *circuit.Breaker
	executor     *execution.Executor
	analyzer     *signals.Analyzer
	conditionals *conditional.Engine
	rules        *rules.Engine
	bots         *bots.Engine
	selector     *autotrade.Selector
	orchestrator *autotrade.Orchestrator
	snapshots    *SnapshotBuilder
	dispatcher   *Dispatcher
	scheduler    *Scheduler

	latest atomic.Pointer[market.Snapshot]
}

// NewService builds the engine and every component it drives
func NewService(opts Options) *Service {
	cfg := opts.Config
	publisher := opts.Publisher
	if publisher == nil {
		publisher = events.Discard{}
	}
	logger := opts.Logger.With().Str("component", "engine").Logger()

	s := &Service{
		cfg:       cfg,
		store:     opts.Store,
		exchanges: opts.Exchanges,
		cache:     opts.Cache,
		history:   opts.History,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}

	s.breaker = circuit.NewBreaker(cfg.Risk, cfg.Engine.DailyResetHourUTC, publisher)
	ledger := execution.NewLedger(opts.Store, s.breaker, s.stateDefaults, publisher, opts.Logger)
	s.executor = execution.NewExecutor(cfg.Execution, opts.Store, ledger, publisher, opts.Logger)

	calc := indicators.NewCalculator(IndicatorParams(cfg.Indicators))
	refresher := indicators.NewRefresher(opts.Market, calc, opts.Cache, cfg.Engine.RefreshWorkers, cfg.Binance.RequestTimeout, opts.Logger)
	if opts.History != nil {
		refresher.SetRecorder(opts.History)
	}
	var estimator *bias.Estimator
	if opts.Cache != nil {
		estimator = bias.NewEstimator(opts.Market, opts.Cache, cfg.Bias, cfg.Engine.RefreshWorkers, opts.Logger)
	}
	s.analyzer = signals.NewAnalyzer(cfg.Signals)
	s.snapshots = NewSnapshotBuilder(cfg, opts.Market, refresher, opts.Cache, s.analyzer, estimator, opts.Logger)

	s.conditionals = conditional.NewEngine(cfg.Execution, opts.Store, s.executor, publisher, opts.Logger)
	s.rules = rules.NewEngine(cfg.Execution, opts.Store, s.executor, publisher, opts.Logger)
	s.bots = bots.NewEngine(cfg.Execution, opts.Store, s.executor, publisher, opts.Logger)
	s.selector = autotrade.NewSelector(opts.Store, cfg.Engine, opts.Logger)
	s.orchestrator = autotrade.NewOrchestrator(cfg.Risk, opts.Store, s.executor, s.breaker,
		bias.NewFilter(cfg.Bias), s.selector, s.stateDefaults, publisher, opts.Logger)

	s.dispatcher = NewDispatcher(cfg.Engine.UserWorkerIdle, opts.Logger)
	s.scheduler = NewScheduler(cfg.Engine.TickInterval, s.Tick, opts.Logger)
	return s
}

// IndicatorParams converts the indicator configuration
func IndicatorParams(c config.IndicatorConfig) indicators.Params {
	p := indicators.DefaultParams()
	if c.RSIPeriod > 0 {
		p.RSIPeriod = c.RSIPeriod
	}
	if c.MACDFast > 0 {
		p.MACDFast = c.MACDFast
	}
	if c.MACDSlow > 0 {
		p.MACDSlow = c.MACDSlow
	}
	if c.MACDSignal > 0 {
		p.MACDSignal = c.MACDSignal
	}
	if c.BollingerPeriod > 0 {
		p.BollingerPeriod = c.BollingerPeriod
	}
	if c.BollingerStdDev > 0 {
		p.BollingerStdDev = c.BollingerStdDev
	}
	if c.ATRPeriod > 0 {
		p.ATRPeriod = c.ATRPeriod
	}
	if c.StochKPeriod > 0 {
		p.StochKPeriod = c.StochKPeriod
	}
	if c.StochSlowK > 0 {
		p.StochSlowK = c.StochSlowK
	}
	if c.StochSlowD > 0 {
		p.StochSlowD = c.StochSlowD
	}
	if c.VolumePeriod > 0 {
		p.VolumePeriod = c.VolumePeriod
	}
	return p
}

// stateDefaults is the record a user starts with. The day is opened at the
// current boundary with the configured capital until the first reset
// measures real equity.
func (s *Service) stateDefaults(userID string, now time.Time) *database.AutoTradingState {
	return &database.AutoTradingState{
		UserID:            userID,
		DayStartedAt:      s.breaker.DayStart(now),
		DayStartEquityUSD: s.cfg.Risk.DefaultCapitalUSD,
		Config:            database.AutoTradingConfig{Mode: database.ModeAuto},
	}
}

// Run drives the tick loop until ctx is cancelled, then waits for running
// user evaluations up to the order timeout
func (s *Service) Run(ctx context.Context) {
	s.scheduler.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Execution.OrderTimeout)
	defer cancel()
	s.dispatcher.Shutdown(shutdownCtx)
}

// Tick builds the market snapshot and schedules an evaluation for every
// user with live automation
func (s *Service) Tick(ctx context.Context, tick uint64, now time.Time) error {
	log := logging.FromContext(ctx)

	wl, err := s.store.Watchlist(ctx)
	if err != nil {
		return fmt.Errorf("load watchlist: %w", err)
	}
	users, err := s.store.ListAutomationUsers(ctx)
	if err != nil {
		return fmt.Errorf("list automation users: %w", err)
	}

	snap, err := s.snapshots.Build(ctx, wl, now)
	if err != nil {
		return err
	}
	s.latest.Store(snap)

	if sink, ok := s.exchanges.(tickerSink); ok {
		tickers := make([]market.Ticker, 0, len(snap.Tickers))
		for _, t := range snap.Tickers {
			tickers = append(tickers, t)
		}
		sink.PublishTickers(tickers)
	}
	if s.history != nil {
		for _, sig := range snap.Signals {
			s.history.RecordSignal(sig)
		}
	}

	scheduled := 0
	for _, userID := range users {
		userID := userID
		if s.dispatcher.Submit(userID, func(jobCtx context.Context) {
			jobCtx = logging.NewContext(jobCtx, log)
			if err := s.evaluateUser(jobCtx, userID, snap, tick); err != nil {
				l := logging.FromContext(jobCtx)
				l.Warn().Err(err).Str("user_id", userID).Msg("User evaluation failed")
			}
		}) {
			scheduled++
		}
	}

	log.Info().
		Int("users", len(users)).
		Int("scheduled", scheduled).
		Int("symbols", len(snap.Tickers)).
		Str("regime", string(snap.Regime)).
		Msg("Tick dispatched")
	return nil
}

// evaluateUser runs one user's pipeline for a tick while holding the user's
// lock. A failing stage is logged and the later stages still run.
func (s *Service) evaluateUser(ctx context.Context, userID string, snap *market.Snapshot, tick uint64) error {
	ctx, log := logging.UserContext(ctx, userID)

	unlock, err := s.store.LockUser(ctx, userID)
	if errors.Is(err, database.ErrUserBusy) {
		log.Debug().Msg("User locked by another worker, skipping tick")
		return nil
	}
	if err != nil {
		return fmt.Errorf("lock user: %w", err)
	}
	defer unlock()

	ex, err := s.exchanges.ForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("exchange client: %w", err)
	}

	st, err := s.store.GetAutoTradingState(ctx, userID)
	if errors.Is(err, database.ErrNotFound) {
		st = nil
	} else if err != nil {
		return fmt.Errorf("load auto-trading state: %w", err)
	}

	sess := &execution.Session{
		UserID:   userID,
		Exchange: ex,
		Snapshot: snap,
		Now:      snap.TakenAt,
		Logger:   log,
		State:    st,
	}

	stages := []struct {
		name string
		run  func() error
	}{
		{"daily_reset", func() error { return s.orchestrator.DailyReset(ctx, sess) }},
		{"managed_orders", func() error { return s.executor.SyncManaged(ctx, sess) }},
		{"conditional_orders", func() error { return s.conditionals.Evaluate(ctx, sess) }},
		{"rules", func() error { return s.rules.Evaluate(ctx, sess) }},
		{"bots", func() error { return s.bots.Evaluate(ctx, sess) }},
		{"auto_trading", func() error { return s.orchestrator.Evaluate(ctx, sess, tick) }},
	}
	var failed []string
	for _, stage := range stages {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := stage.run(); err != nil {
			failed = append(failed, stage.name)
			log.Error().Err(err).Str("stage", stage.name).Msg("Evaluation stage failed")
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("stages failed: %v", failed)
	}
	return nil
}

// Snapshot returns the latest market snapshot, nil before the first tick
func (s *Service) Snapshot() *market.Snapshot {
	return s.latest.Load()
}

// ============================================================================
// Conditional orders
// ============================================================================

// CreateConditionalOrder validates and stores a new active conditional order
func (s *Service) CreateConditionalOrder(ctx context.Context, userID string, o *database.ConditionalOrder) (*database.ConditionalOrder, error) {
	if err := s.conditionals.Create(ctx, userID, o, s.now()); err != nil {
		return nil, err
	}
	return o, nil
}

// ListConditionalOrders returns the user's orders, optionally filtered by status
func (s *Service) ListConditionalOrders(ctx context.Context, userID string, statuses ...database.ConditionalStatus) ([]*database.ConditionalOrder, error) {
	return s.store.ListConditionalOrders(ctx, userID, statuses...)
}

// CancelConditionalOrder cancels an active or triggered order
func (s *Service) CancelConditionalOrder(ctx context.Context, userID, id string) (*database.ConditionalOrder, error) {
	return s.conditionals.Cancel(ctx, userID, id)
}

// ============================================================================
// Trading rules
// ============================================================================

// CreateRule validates and stores a new rule
func (s *Service) CreateRule(ctx context.Context, userID string, r *database.TradingRule) (*database.TradingRule, error) {
	if err := s.rules.Create(ctx, userID, r); err != nil {
		return nil, err
	}
	return r, nil
}

// ListRules returns the user's rules
func (s *Service) ListRules(ctx context.Context, userID string) ([]*database.TradingRule, error) {
	return s.store.ListRules(ctx, userID)
}

// UpdateRule replaces a rule definition
func (s *Service) UpdateRule(ctx context.Context, userID string, r *database.TradingRule) (*database.TradingRule, error) {
	return s.rules.Update(ctx, userID, r)
}

// DeleteRule removes a rule
func (s *Service) DeleteRule(ctx context.Context, userID, id string) error {
	return s.store.DeleteRule(ctx, userID, id)
}

// ToggleRule enables or disables a rule
func (s *Service) ToggleRule(ctx context.Context, userID, id string, enabled bool) (*database.TradingRule, error) {
	return s.rules.Toggle(ctx, userID, id, enabled)
}

// ============================================================================
// Bots
// ============================================================================

// CreateBot validates and stores a new bot in the stopped state
func (s *Service) CreateBot(ctx context.Context, userID string, b *database.Bot) (*database.Bot, error) {
	if err := s.bots.Create(ctx, userID, b); err != nil {
		return nil, err
	}
	return b, nil
}

// ListBots returns the user's bots
func (s *Service) ListBots(ctx context.Context, userID string) ([]*database.Bot, error) {
	return s.store.ListBots(ctx, userID)
}

// StartBot sets a bot running
func (s *Service) StartBot(ctx context.Context, userID, id string) (*database.Bot, error) {
	return s.bots.Start(ctx, userID, id)
}

// StopBot stops a bot; its resting orders are cancelled on the next tick
func (s *Service) StopBot(ctx context.Context, userID, id string) (*database.Bot, error) {
	return s.bots.Stop(ctx, userID, id)
}

// DeleteBot removes a stopped bot without resting orders
func (s *Service) DeleteBot(ctx context.Context, userID, id string) error {
	return s.bots.Delete(ctx, userID, id)
}

// ============================================================================
// Auto-trading
// ============================================================================

// AutoTradingStatus is the user's auto-trading state with breaker details
type AutoTradingStatus struct {
	State   *database.AutoTradingState `json:"state"`
	Breaker map[string]interface{}     `json:"breaker"`
}

// StartAutoTrading enables the orchestrator for userID
func (s *Service) StartAutoTrading(ctx context.Context, userID string) (*database.AutoTradingState, error) {
	return s.orchestrator.Start(ctx, userID, s.now())
}

// StopAutoTrading disables the orchestrator; open positions are kept
func (s *Service) StopAutoTrading(ctx context.Context, userID string) (*database.AutoTradingState, error) {
	return s.orchestrator.Stop(ctx, userID, s.now())
}

// ResumeAutoTrading clears a breaker pause
func (s *Service) ResumeAutoTrading(ctx context.Context, userID string) (*database.AutoTradingState, error) {
	return s.orchestrator.Resume(ctx, userID, s.now())
}

// UpdateAutoTradingConfig validates and stores new settings
func (s *Service) UpdateAutoTradingConfig(ctx context.Context, userID string, cfg database.AutoTradingConfig) (*database.AutoTradingState, error) {
	return s.orchestrator.UpdateConfig(ctx, userID, cfg, s.now())
}

// GetAutoTradingState returns the stored state, or the defaults when the
// user never configured auto-trading
func (s *Service) GetAutoTradingState(ctx context.Context, userID string) (*AutoTradingStatus, error) {
	st, err := s.store.GetAutoTradingState(ctx, userID)
	if errors.Is(err, database.ErrNotFound) {
		st = s.stateDefaults(userID, s.now())
	} else if err != nil {
		return nil, err
	}
	return &AutoTradingStatus{State: st, Breaker: s.breaker.Stats(st)}, nil
}

// ============================================================================
// Reads
// ============================================================================

// GetTradeHistory returns the user's most recent executions, newest first
func (s *Service) GetTradeHistory(ctx context.Context, userID string, limit int) ([]*database.TradeExecution, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListTradeExecutions(ctx, userID, limit)
}

// GetSignals returns the latest signal of each symbol. Symbols missing from
// the tick snapshot are analysed from cached indicator sets. An empty
// symbols list returns every signal of the snapshot.
func (s *Service) GetSignals(ctx context.Context, symbols []string) ([]*market.Signal, error) {
	for _, sym := range symbols {
		if !database.ValidSymbol(sym) {
			return nil, database.Invalid("symbols", "invalid symbol %q", sym)
		}
	}

	snap := s.latest.Load()
	if len(symbols) == 0 {
		if snap == nil {
			return nil, nil
		}
		for sym := range snap.Signals {
			symbols = append(symbols, sym)
		}
		sort.Strings(symbols)
	}

	now := s.now()
	var biasState market.BiasState
	if snap != nil {
		biasState = snap.Bias
	}
	base := s.cfg.Engine.BaseTimeframe
	higher := HigherTimeframe(s.cfg.Engine.Timeframes, base)

	out := make([]*market.Signal, 0, len(symbols))
	for _, sym := range symbols {
		if snap != nil {
			if sig, ok := snap.Signal(sym); ok {
				out = append(out, sig)
				continue
			}
		}
		if s.cache == nil {
			out = append(out, market.NeutralSignal(sym, base, "no indicator data", now))
			continue
		}
		set, ok := s.cache.GetIndicators(ctx, sym, base)
		if !ok {
			out = append(out, market.NeutralSignal(sym, base, "no indicator data", now))
			continue
		}
		var confirm *market.IndicatorSet
		if higher != "" {
			confirm, _ = s.cache.GetIndicators(ctx, sym, higher)
		}
		out = append(out, s.analyzer.Analyze(set, confirm, biasState, now))
	}
	return out, nil
}
