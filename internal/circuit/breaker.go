package circuit

import (
	"fmt"
	"math"
	"time"

	"autotrader/config"
	"autotrader/internal/database"
	"autotrader/internal/events"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed BreakerState = "closed" // Normal operation
	StateOpen   BreakerState = "open"   // New entries halted
)

// Limits are the thresholds that pause a user's automation
type Limits struct {
	DailyLossLimitPct    float64
	MaxConsecutiveLosses int
}

// Breaker applies trade outcomes to an AutoTradingState and pauses it when a
// risk limit is breached. It holds no per-user state of its own; the state
// record is the source of truth and is persisted by the caller.
type Breaker struct {
	defaults     Limits
	resetHourUTC int
	publisher    events.Publisher
}

// NewBreaker creates a breaker with the configured default limits
func NewBreaker(risk config.RiskConfig, resetHourUTC int, publisher events.Publisher) *Breaker {
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &Breaker{
		defaults: Limits{
			DailyLossLimitPct:    risk.DailyLossLimitPct,
			MaxConsecutiveLosses: risk.MaxConsecutiveLosses,
		},
		resetHourUTC: resetHourUTC,
		publisher:    publisher,
	}
}

// LimitsFor resolves the user's limits, falling back to the defaults
func (b *Breaker) LimitsFor(st *database.AutoTradingState) Limits {
	l := b.defaults
	if st.Config.DailyLossLimitPct > 0 {
		l.DailyLossLimitPct = st.Config.DailyLossLimitPct
	}
	if st.Config.MaxConsecutiveLosses > 0 {
		l.MaxConsecutiveLosses = st.Config.MaxConsecutiveLosses
	}
	return l
}

// State reports whether the breaker is open for the user
func State(st *database.AutoTradingState) BreakerState {
	if st.IsPaused {
		return StateOpen
	}
	return StateClosed
}

// ApplyOutcome records one trade execution on the state's daily counters
// and trips the breaker when a limit is reached. It returns true when this
// call paused the user.
func (b *Breaker) ApplyOutcome(st *database.AutoTradingState, outcome string, pnl float64, now time.Time) bool {
	if math.IsNaN(pnl) || math.IsInf(pnl, 0) {
		return false
	}

	st.TradesCount++
	switch outcome {
	case database.OutcomeWin:
		st.WinsCount++
		st.ConsecutiveLosses = 0
	case database.OutcomeLoss:
		st.LossesCount++
		st.ConsecutiveLosses++
	}

	if outcome != database.OutcomeOpen {
		st.DailyPnlUSD += pnl
		if st.DayStartEquityUSD > 0 {
			st.DailyPnlPct = st.DailyPnlUSD / st.DayStartEquityUSD * 100
		}
	}

	return b.Evaluate(st, now)
}

// Evaluate trips the breaker if the state already breaches a limit
func (b *Breaker) Evaluate(st *database.AutoTradingState, now time.Time) bool {
	if st.IsPaused {
		return false
	}

	limits := b.LimitsFor(st)
	var reason string
	switch {
	case limits.DailyLossLimitPct > 0 && -st.DailyPnlPct >= limits.DailyLossLimitPct:
		reason = fmt.Sprintf("daily loss limit reached: %.2f%% >= %.2f%%", -st.DailyPnlPct, limits.DailyLossLimitPct)
	case limits.MaxConsecutiveLosses > 0 && st.ConsecutiveLosses >= limits.MaxConsecutiveLosses:
		reason = fmt.Sprintf("max consecutive losses reached: %d", st.ConsecutiveLosses)
	}
	if reason == "" {
		return false
	}

	b.trip(st, reason, now)
	return true
}

// trip opens the circuit breaker
func (b *Breaker) trip(st *database.AutoTradingState, reason string, now time.Time) {
	st.IsPaused = true
	st.PauseReason = reason
	paused := now
	st.PausedAt = &paused

	b.publisher.Publish(events.Event{
		Type:     events.EventAutoTradePaused,
		UserID:   st.UserID,
		Severity: events.SeverityCritical,
		Message:  reason,
		Data: map[string]interface{}{
			"state":             string(StateOpen),
			"consecutiveLosses": st.ConsecutiveLosses,
			"dailyPnlUsd":       st.DailyPnlUSD,
			"dailyPnlPct":       st.DailyPnlPct,
		},
	})
}

// DayStart returns the most recent daily boundary at or before now
func (b *Breaker) DayStart(now time.Time) time.Time {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), b.resetHourUTC, 0, 0, 0, time.UTC)
	if start.After(now) {
		start = start.AddDate(0, 0, -1)
	}
	return start
}

// ResetDaily starts a new trading day when the boundary has passed since the
// state's current day began. Daily counters reset and a breaker pause lifts.
// equity becomes the base for the new day's loss percentage.
func (b *Breaker) ResetDaily(st *database.AutoTradingState, now time.Time, equity float64) bool {
	start := b.DayStart(now)
	if !st.DayStartedAt.IsZero() && !st.DayStartedAt.Before(start) {
		return false
	}

	wasPaused := st.IsPaused
	st.DayStartedAt = start
	st.DayStartEquityUSD = equity
	st.DailyPnlUSD = 0
	st.DailyPnlPct = 0
	st.ConsecutiveLosses = 0
	st.IsPaused = false
	st.PauseReason = ""
	st.PausedAt = nil

	b.publisher.Publish(events.Event{
		Type:   events.EventDailyReset,
		UserID: st.UserID,
		Data: map[string]interface{}{
			"dayStartedAt": start,
			"wasPaused":    wasPaused,
		},
	})
	return true
}

// Resume lifts a pause on explicit user request and clears both counters
func (b *Breaker) Resume(st *database.AutoTradingState) {
	st.IsPaused = false
	st.PauseReason = ""
	st.PausedAt = nil
	st.DailyPnlUSD = 0
	st.DailyPnlPct = 0
	st.ConsecutiveLosses = 0

	b.publisher.Publish(events.Event{
		Type:   events.EventAutoTradeResumed,
		UserID: st.UserID,
		Data: map[string]interface{}{
			"state":  string(StateClosed),
			"reason": "manual_resume",
		},
	})
}

// Stats summarizes the breaker view of a state
func (b *Breaker) Stats(st *database.AutoTradingState) map[string]interface{} {
	limits := b.LimitsFor(st)
	return map[string]interface{}{
		"state":                  string(State(st)),
		"consecutive_losses":     st.ConsecutiveLosses,
		"max_consecutive_losses": limits.MaxConsecutiveLosses,
		"daily_pnl_pct":          st.DailyPnlPct,
		"daily_loss_limit_pct":   limits.DailyLossLimitPct,
		"trip_reason":            st.PauseReason,
	}
}
