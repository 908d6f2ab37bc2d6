package indicators

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"autotrader/internal/market"
)

// KlineSource provides recent candles for a symbol and interval
type KlineSource interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error)
}

// Writer stores computed indicator sets
type Writer interface {
	SetIndicators(ctx context.Context, set *market.IndicatorSet) error
}

// Recorder receives every computed set for history; optional
type Recorder interface {
	RecordIndicators(set *market.IndicatorSet)
}

// RefreshResult reports the outcome of one refresh pass
type RefreshResult struct {
	Sets   map[market.Key]*market.IndicatorSet
	Failed map[market.Key]error
}

// Refresher recomputes indicator sets for tracked symbols on a bounded pool
type Refresher struct {
	source   KlineSource
	calc     *Calculator
	writer   Writer
	recorder Recorder
	workers  int
	timeout  time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// NewRefresher creates a refresher. workers bounds concurrent kline fetches.
func NewRefresher(source KlineSource, calc *Calculator, writer Writer, workers int, timeout time.Duration, logger zerolog.Logger) *Refresher {
	if workers <= 0 {
		workers = 4
	}
	return &Refresher{
		source:  source,
		calc:    calc,
		writer:  writer,
		workers: workers,
		timeout: timeout,
		logger:  logger.With().Str("component", "indicator-refresher").Logger(),
		now:     time.Now,
	}
}

// SetRecorder attaches an optional history recorder
func (r *Refresher) SetRecorder(rec Recorder) {
	r.recorder = rec
}

// Refresh fetches candles and recomputes the set for every key. A failed key
// is reported in Failed and does not abort the others.
func (r *Refresher) Refresh(ctx context.Context, keys []market.Key) *RefreshResult {
	result := &RefreshResult{
		Sets:   make(map[market.Key]*market.IndicatorSet, len(keys)),
		Failed: make(map[market.Key]error),
	}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(r.workers)

	for _, key := range keys {
		key := key
		g.Go(func() error {
			if ctx.Err() != nil {
				mu.Lock()
				result.Failed[key] = ctx.Err()
				mu.Unlock()
				return nil
			}

			set, err := r.refreshOne(ctx, key)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed[key] = err
				return nil
			}
			result.Sets[key] = set
			return nil
		})
	}
	_ = g.Wait()

	if len(result.Failed) > 0 {
		r.logger.Warn().
			Int("refreshed", len(result.Sets)).
			Int("failed", len(result.Failed)).
			Msg("Indicator refresh completed with failures")
	} else {
		r.logger.Debug().Int("refreshed", len(result.Sets)).Msg("Indicator refresh completed")
	}

	return result
}

func (r *Refresher) refreshOne(ctx context.Context, key market.Key) (*market.IndicatorSet, error) {
	fetchCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	candles, err := r.source.GetKlines(fetchCtx, key.Symbol, key.Timeframe, r.calc.RequiredCandles())
	if err != nil {
		r.logger.Warn().Err(err).Str("symbol", key.Symbol).Str("timeframe", key.Timeframe).Msg("Failed to fetch klines")
		return nil, err
	}

	set := r.calc.Compute(key.Symbol, key.Timeframe, candles, r.now())

	if r.writer != nil {
		if err := r.writer.SetIndicators(ctx, set); err != nil {
			r.logger.Warn().Err(err).Str("key", key.String()).Msg("Failed to cache indicator set")
		}
	}
	if r.recorder != nil {
		r.recorder.RecordIndicators(set)
	}
	return set, nil
}
