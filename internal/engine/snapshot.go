package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"autotrader/config"
	"autotrader/internal/bias"
	"autotrader/internal/binance"
	"autotrader/internal/cache"
	"autotrader/internal/database"
	"autotrader/internal/indicators"
	"autotrader/internal/market"
	"autotrader/internal/signals"
)

// SnapshotBuilder assembles the per-tick market view shared by every user
type SnapshotBuilder struct {
	engine    config.EngineConfig
	biasCfg   config.BiasConfig
	volatile  float64
	market    binance.MarketData
	refresher *indicators.Refresher
	cache     cache.IndicatorCache
	analyzer  *signals.Analyzer
	estimator *bias.Estimator
	logger    zerolog.Logger
}

// NewSnapshotBuilder creates a builder
func NewSnapshotBuilder(
	cfg *config.Config,
	md binance.MarketData,
	refresher *indicators.Refresher,
	indicatorCache cache.IndicatorCache,
	analyzer *signals.Analyzer,
	estimator *bias.Estimator,
	logger zerolog.Logger,
) *SnapshotBuilder {
	return &SnapshotBuilder{
		engine:    cfg.Engine,
		biasCfg:   cfg.Bias,
		volatile:  cfg.Signals.VolatileATRPercent,
		market:    md,
		refresher: refresher,
		cache:     indicatorCache,
		analyzer:  analyzer,
		estimator: estimator,
		logger:    logger.With().Str("component", "snapshot").Logger(),
	}
}

// HigherTimeframe returns the timeframe used to confirm base signals, or ""
// when base is the highest configured one
func HigherTimeframe(timeframes []string, base string) string {
	for i, tf := range timeframes {
		if tf == base && i+1 < len(timeframes) {
			return timeframes[i+1]
		}
	}
	return ""
}

// Symbols merges the watchlist with the configured universe. Watched symbols
// and the bias asset are always tracked; configured ones fill up to the cap.
func (b *SnapshotBuilder) Symbols(wl *database.Watchlist) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}

	add(b.biasCfg.Symbol)
	if wl != nil {
		for _, s := range wl.Symbols {
			add(s)
		}
	}
	for _, s := range b.engine.Symbols {
		if b.engine.MaxTrackedSymbols > 0 && len(out) >= b.engine.MaxTrackedSymbols {
			break
		}
		add(s)
	}
	sort.Strings(out)
	return out
}

// Keys lists the indicator sets to refresh for symbols
func (b *SnapshotBuilder) Keys(symbols []string, wl *database.Watchlist) []market.Key {
	seen := make(map[market.Key]bool)
	var out []market.Key
	add := func(symbol, tf string) {
		k := market.Key{Symbol: symbol, Timeframe: tf}
		if symbol != "" && tf != "" && !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}

	higher := HigherTimeframe(b.engine.Timeframes, b.engine.BaseTimeframe)
	for _, s := range symbols {
		add(s, b.engine.BaseTimeframe)
		add(s, higher)
	}
	add(b.biasCfg.Symbol, b.biasCfg.Timeframe)
	if wl != nil {
		for _, k := range wl.Keys {
			add(k.Symbol, k.Timeframe)
		}
	}
	return out
}

// Build fetches prices and refreshes indicators concurrently, then derives
// signals, bias state, regime and correlations. A failed price fetch fails
// the snapshot; indicator failures fall back to cached sets.
func (b *SnapshotBuilder) Build(ctx context.Context, wl *database.Watchlist, now time.Time) (*market.Snapshot, error) {
	symbols := b.Symbols(wl)
	keys := b.Keys(symbols, wl)

	var (
		tickers []market.Ticker
		refresh *indicators.RefreshResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		tickers, err = b.market.GetPrices(gctx, symbols)
		if err != nil {
			return fmt.Errorf("fetch prices: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		refresh = b.refresher.Refresh(ctx, keys)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snap := market.NewSnapshot(now, b.engine.BaseTimeframe, 2*b.engine.TickInterval)
	for _, t := range tickers {
		snap.Tickers[t.Symbol] = t
	}

	var missing []market.Key
	for _, k := range keys {
		if set, ok := refresh.Sets[k]; ok {
			snap.Indicators[k] = set
		} else {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 && b.cache != nil {
		for k, set := range b.cache.GetIndicatorsMulti(ctx, missing) {
			snap.Indicators[k] = set
		}
	}

	biasSet, _ := snap.Indicator(b.biasCfg.Symbol, b.biasCfg.Timeframe)
	biasTicker, haveTicker := snap.Tickers[b.biasCfg.Symbol]
	snap.Bias = bias.Assess(b.biasCfg.Symbol, biasSet, biasTicker, haveTicker)
	snap.Regime = signals.ClassifyRegime(biasSet, b.volatile)

	higher := HigherTimeframe(b.engine.Timeframes, b.engine.BaseTimeframe)
	for _, s := range symbols {
		base, ok := snap.Indicator(s, b.engine.BaseTimeframe)
		if !ok {
			continue
		}
		var confirm *market.IndicatorSet
		if higher != "" {
			confirm, _ = snap.Indicator(s, higher)
		}
		snap.Signals[s] = b.analyzer.Analyze(base, confirm, snap.Bias, now)
	}

	if b.estimator != nil {
		snap.Correlations = b.estimator.Correlations(ctx, symbols)
	}

	b.logger.Debug().
		Int("symbols", len(symbols)).
		Int("indicator_sets", len(snap.Indicators)).
		Int("refresh_failures", len(refresh.Failed)).
		Str("regime", string(snap.Regime)).
		Str("bias_trend", string(snap.Bias.Trend)).
		Msg("Snapshot built")
	return snap, nil
}
