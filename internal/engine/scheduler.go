package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"autotrader/internal/logging"
)

// TickFunc runs one engine tick
type TickFunc func(ctx context.Context, tick uint64, now time.Time) error

// Scheduler drives the tick loop. A panicking tick is logged and the loop
// keeps going.
type Scheduler struct {
	interval time.Duration
	run      TickFunc
	logger   zerolog.Logger
	now      func() time.Time

	tick    atomic.Uint64
	lastRun atomic.Int64
}

// NewScheduler creates a scheduler calling run every interval
func NewScheduler(interval time.Duration, run TickFunc, logger zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		interval: interval,
		run:      run,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		now:      time.Now,
	}
}

// Run blocks until ctx is cancelled. The first tick runs immediately.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("Scheduler started")

	s.runTick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Uint64("ticks", s.tick.Load()).Msg("Scheduler stopped")
			return
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

// Ticks returns the number of ticks started so far
func (s *Scheduler) Ticks() uint64 {
	return s.tick.Load()
}

// LastRun returns when the latest tick started
func (s *Scheduler) LastRun() time.Time {
	ns := s.lastRun.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (s *Scheduler) runTick(ctx context.Context) {
	tick := s.tick.Add(1)
	now := s.now()
	s.lastRun.Store(now.UnixNano())

	ctx, log := logging.TickContext(ctx, tick)

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("panic", fmt.Sprint(r)).
				Str("stack", string(debug.Stack())).
				Msg("Panic in engine tick")
		}
	}()

	start := time.Now()
	if err := s.run(ctx, tick, now); err != nil {
		log.Error().Err(err).Msg("Engine tick failed")
		return
	}
	log.Debug().Dur("took", time.Since(start)).Msg("Engine tick completed")
}
