package bias

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"autotrader/config"
	"autotrader/internal/market"
)

// KlineSource provides candles for the correlation window
type KlineSource interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error)
}

// CorrelationStore caches estimates; entries expire on the store's TTL
type CorrelationStore interface {
	SetCorrelation(ctx context.Context, symbol, biasSymbol string, value float64) error
	GetCorrelation(ctx context.Context, symbol, biasSymbol string) (float64, bool)
}

// Estimator keeps the per-symbol correlation to the bias asset in the cache,
// recomputing an estimate only when the cached one is missing
type Estimator struct {
	source  KlineSource
	store   CorrelationStore
	cfg     config.BiasConfig
	workers int
	logger  zerolog.Logger
}

// NewEstimator creates an estimator
func NewEstimator(source KlineSource, store CorrelationStore, cfg config.BiasConfig, workers int, logger zerolog.Logger) *Estimator {
	if workers <= 0 {
		workers = 4
	}
	return &Estimator{
		source:  source,
		store:   store,
		cfg:     cfg,
		workers: workers,
		logger:  logger.With().Str("component", "correlation").Logger(),
	}
}

// Correlations returns the estimate for every symbol that has one. Symbols
// whose estimate cannot be computed are left out.
func (e *Estimator) Correlations(ctx context.Context, symbols []string) map[string]float64 {
	out := make(map[string]float64, len(symbols))
	var missing []string
	for _, s := range symbols {
		if s == e.cfg.Symbol {
			continue
		}
		if v, ok := e.store.GetCorrelation(ctx, s, e.cfg.Symbol); ok {
			out[s] = v
			continue
		}
		missing = append(missing, s)
	}
	if len(missing) == 0 {
		return out
	}

	limit := e.cfg.CorrelationWindow + 1
	biasCandles, err := e.source.GetKlines(ctx, e.cfg.Symbol, e.cfg.CorrelationTimeframe, limit)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to fetch bias candles for correlation")
		return out
	}
	biasReturns := returns(biasCandles)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(e.workers)
	for _, symbol := range missing {
		symbol := symbol
		g.Go(func() error {
			candles, err := e.source.GetKlines(ctx, symbol, e.cfg.CorrelationTimeframe, limit)
			if err != nil {
				e.logger.Debug().Err(err).Str("symbol", symbol).Msg("Failed to fetch candles for correlation")
				return nil
			}
			v, err := Pearson(returns(candles), biasReturns)
			if err != nil {
				e.logger.Debug().Err(err).Str("symbol", symbol).Msg("Correlation unavailable")
				return nil
			}
			if err := e.store.SetCorrelation(ctx, symbol, e.cfg.Symbol, v); err != nil {
				e.logger.Warn().Err(err).Str("symbol", symbol).Msg("Failed to cache correlation")
			}
			mu.Lock()
			out[symbol] = v
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// returns converts closes to simple returns
func returns(candles []market.Candle) []float64 {
	if len(candles) < 2 {
		return nil
	}
	out := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		prev := candles[i-1].Close
		if prev <= 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, (candles[i].Close-prev)/prev)
	}
	return out
}

const minCorrelationSamples = 20

// Pearson computes the correlation coefficient of the trailing overlap of a and b
func Pearson(a, b []float64) (float64, error) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < minCorrelationSamples {
		return 0, fmt.Errorf("need %d samples, have %d", minCorrelationSamples, n)
	}
	a, b = a[len(a)-n:], b[len(b)-n:]

	var meanA, meanB float64
	for i := 0; i < n; i++ {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= float64(n)
	meanB /= float64(n)

	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da, db := a[i]-meanA, b[i]-meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0, fmt.Errorf("constant series")
	}
	return cov / math.Sqrt(varA*varB), nil
}
