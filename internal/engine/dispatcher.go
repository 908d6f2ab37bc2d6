package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Job is one unit of work for a single user
type Job func(ctx context.Context)

// userWorker runs a user's jobs one at a time
type userWorker struct {
	userID string
	jobs   chan Job
	busy   atomic.Bool
}

// Dispatcher keeps one sequential worker per user. A job submitted while
// the user's previous job is still running or queued is dropped, so a user
// never evaluates two ticks at once and never falls behind. Workers exit
// after being idle for the configured duration.
type Dispatcher struct {
	idle   time.Duration
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	workers map[string]*userWorker
	closed  bool

	pending sync.WaitGroup
	dropped atomic.Uint64
}

// NewDispatcher creates a dispatcher. idle <= 0 keeps workers forever.
func NewDispatcher(idle time.Duration, logger zerolog.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		idle:    idle,
		logger:  logger.With().Str("component", "dispatcher").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[string]*userWorker),
	}
}

// Submit hands job to the user's worker. It returns false when the job was
// dropped because the worker is busy or the dispatcher is closed.
func (d *Dispatcher) Submit(userID string, job Job) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false
	}

	w, ok := d.workers[userID]
	if !ok {
		w = &userWorker{userID: userID, jobs: make(chan Job, 1)}
		d.workers[userID] = w
		d.wg.Add(1)
		go d.loop(w)
	}

	if w.busy.Load() {
		d.dropped.Add(1)
		d.logger.Debug().Str("user_id", userID).Msg("User still evaluating previous tick, job dropped")
		return false
	}
	d.pending.Add(1)
	select {
	case w.jobs <- job:
		return true
	default:
		d.pending.Done()
		d.dropped.Add(1)
		d.logger.Debug().Str("user_id", userID).Msg("User job already queued, job dropped")
		return false
	}
}

func (d *Dispatcher) loop(w *userWorker) {
	defer d.wg.Done()

	var idle <-chan time.Time
	var timer *time.Timer
	if d.idle > 0 {
		timer = time.NewTimer(d.idle)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		select {
		case <-d.ctx.Done():
			d.discard(w)
			return
		case job := <-w.jobs:
			w.busy.Store(true)
			d.run(w, job)
			w.busy.Store(false)
			d.pending.Done()
			if timer != nil {
				timer.Reset(d.idle)
			}
		case <-idle:
			if d.reap(w) {
				return
			}
			timer.Reset(d.idle)
		}
	}
}

// reap removes an idle worker. A job queued in the meantime keeps it alive.
func (d *Dispatcher) reap(w *userWorker) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(w.jobs) > 0 {
		return false
	}
	if d.workers[w.userID] == w {
		delete(d.workers, w.userID)
	}
	d.logger.Debug().Str("user_id", w.userID).Msg("Idle user worker stopped")
	return true
}

// discard releases a job still queued when the dispatcher shuts down
func (d *Dispatcher) discard(w *userWorker) {
	select {
	case <-w.jobs:
		d.pending.Done()
	default:
	}
}

func (d *Dispatcher) run(w *userWorker, job Job) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str("user_id", w.userID).
				Str("panic", fmt.Sprint(r)).
				Str("stack", string(debug.Stack())).
				Msg("Panic in user evaluation")
		}
	}()
	job(d.ctx)
}

// Workers returns the number of live user workers
func (d *Dispatcher) Workers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.workers)
}

// Dropped returns how many jobs were coalesced away
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Wait blocks until every accepted job has finished
func (d *Dispatcher) Wait() {
	d.pending.Wait()
}

// Shutdown stops accepting jobs and waits for accepted ones to finish until
// ctx expires, then cancels whatever still runs and waits for the workers
func (d *Dispatcher) Shutdown(ctx context.Context) {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn().Msg("Shutdown deadline reached, cancelling user evaluations")
	}

	d.cancel()
	d.wg.Wait()
}
