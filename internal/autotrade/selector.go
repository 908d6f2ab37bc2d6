package autotrade

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"autotrader/config"
	"autotrader/internal/database"
	"autotrader/internal/market"
)

// StatsSource aggregates closed trade outcomes per strategy and regime
type StatsSource interface {
	GetStrategyStats(ctx context.Context, userID string, since time.Time) ([]database.StrategyStats, error)
}

type statsEntry struct {
	stats []database.StrategyStats
	tick  uint64
}

// Selector picks the best performing eligible strategy for a regime. The
// per-user stats are a cached projection refreshed every refreshTicks ticks.
type Selector struct {
	source       StatsSource
	refreshTicks uint64
	lookback     time.Duration
	minTrades    int
	logger       zerolog.Logger

	mu    sync.Mutex
	cache map[string]*statsEntry
}

// NewSelector creates a selector
func NewSelector(source StatsSource, cfg config.EngineConfig, logger zerolog.Logger) *Selector {
	refresh := cfg.StatsRefreshTicks
	if refresh < 1 {
		refresh = 1
	}
	return &Selector{
		source:       source,
		refreshTicks: uint64(refresh),
		lookback:     cfg.StatsLookback,
		minTrades:    cfg.MinStrategyTrades,
		logger:       logger.With().Str("component", "strategy_selector").Logger(),
		cache:        make(map[string]*statsEntry),
	}
}

// Selection is the routing decision for one tick
type Selection struct {
	Strategy Strategy `json:"strategy"`
	Regime   string   `json:"regime"`
	WinRate  float64  `json:"winRate,omitempty"`
	Trades   int      `json:"trades,omitempty"`
	Fallback bool     `json:"fallback"`
}

// Select returns the eligible strategy with the best win rate in regime
// among those with enough closed trades, falling back to preference order
func (s *Selector) Select(ctx context.Context, userID string, regime market.Regime, tick uint64, now time.Time) Selection {
	eligible := Eligible(regime)
	sel := Selection{Strategy: eligible[0], Regime: string(regime), Fallback: true}

	stats := s.stats(ctx, userID, tick, now)
	for _, cand := range eligible {
		for _, st := range stats {
			if st.Strategy != string(cand) || st.Regime != string(regime) || st.Trades < s.minTrades {
				continue
			}
			rate := st.WinRate()
			if sel.Fallback || rate > sel.WinRate || (rate == sel.WinRate && st.Trades > sel.Trades) {
				sel = Selection{Strategy: cand, Regime: string(regime), WinRate: rate, Trades: st.Trades}
			}
		}
	}
	return sel
}

// stats returns the cached projection, refreshing it when due. A failed
// refresh keeps serving the previous projection.
func (s *Selector) stats(ctx context.Context, userID string, tick uint64, now time.Time) []database.StrategyStats {
	s.mu.Lock()
	entry, ok := s.cache[userID]
	s.mu.Unlock()
	if ok && tick-entry.tick < s.refreshTicks {
		return entry.stats
	}

	var since time.Time
	if s.lookback > 0 {
		since = now.Add(-s.lookback)
	}
	stats, err := s.source.GetStrategyStats(ctx, userID, since)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to refresh strategy stats")
		if ok {
			return entry.stats
		}
		return nil
	}

	s.mu.Lock()
	s.cache[userID] = &statsEntry{stats: stats, tick: tick}
	s.mu.Unlock()
	return stats
}

// Forget drops the cached projection of a user
func (s *Selector) Forget(userID string) {
	s.mu.Lock()
	delete(s.cache, userID)
	s.mu.Unlock()
}
