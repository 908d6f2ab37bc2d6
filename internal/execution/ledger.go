package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"autotrader/internal/circuit"
	"autotrader/internal/database"
	"autotrader/internal/events"
)

// Fill is one executed order as seen by the ledger
type Fill struct {
	Symbol   string
	Side     string // database.SideBuy or database.SideSell
	Quantity float64
	Price    float64
	OrderID  int64
	Source   string
	SourceID string
	Strategy string
	Regime   string
	At       time.Time
}

// Ledger turns fills into positions, TradeExecutions and breaker updates.
// Sells are matched against the running average entry price of the
// user's position in the symbol.
type Ledger struct {
	store     database.Store
	breaker   *circuit.Breaker
	defaults  StateDefaults
	publisher events.Publisher
	logger    zerolog.Logger
}

// NewLedger creates a ledger
func NewLedger(store database.Store, breaker *circuit.Breaker, defaults StateDefaults, publisher events.Publisher, logger zerolog.Logger) *Ledger {
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &Ledger{
		store:     store,
		breaker:   breaker,
		defaults:  defaults,
		publisher: publisher,
		logger:    logger.With().Str("component", "ledger").Logger(),
	}
}

// Record books a fill. The session's state is replaced by the saved record.
func (l *Ledger) Record(ctx context.Context, sess *Session, f Fill) (*database.TradeExecution, error) {
	if f.Quantity <= 0 || f.Price <= 0 {
		return nil, fmt.Errorf("%w: fill without quantity or price", ErrInvalidOrder)
	}
	if f.At.IsZero() {
		f.At = sess.Now
	}

	pos, err := l.store.GetPosition(ctx, sess.UserID, f.Symbol)
	if errors.Is(err, database.ErrNotFound) {
		pos = &database.Position{UserID: sess.UserID, Symbol: f.Symbol}
	} else if err != nil {
		return nil, fmt.Errorf("load position: %w", err)
	}

	exec := &database.TradeExecution{
		ID:         uuid.NewString(),
		UserID:     sess.UserID,
		Symbol:     f.Symbol,
		Side:       f.Side,
		Quantity:   f.Quantity,
		Price:      f.Price,
		Strategy:   f.Strategy,
		Outcome:    database.OutcomeOpen,
		Source:     f.Source,
		SourceID:   f.SourceID,
		OrderID:    f.OrderID,
		Regime:     f.Regime,
		ExecutedAt: f.At,
	}

	switch f.Side {
	case database.SideBuy:
		if pos.Quantity <= 0 {
			pos.Quantity = 0
			pos.AvgEntryPrice = 0
			pos.OpenedAt = f.At
			pos.Strategy = f.Strategy
			pos.Regime = f.Regime
			pos.Source = f.Source
		}
		total := pos.Quantity + f.Quantity
		pos.AvgEntryPrice = (pos.Quantity*pos.AvgEntryPrice + f.Quantity*f.Price) / total
		pos.Quantity = total

	case database.SideSell:
		closed := f.Quantity
		if closed > pos.Quantity {
			closed = pos.Quantity
		}
		if closed > 0 {
			exec.Pnl = (f.Price - pos.AvgEntryPrice) * closed
			if exec.Pnl < 0 {
				exec.Outcome = database.OutcomeLoss
			} else {
				exec.Outcome = database.OutcomeWin
			}
			// attribute the round trip to the strategy and regime that opened it
			if pos.Strategy != "" {
				exec.Strategy = pos.Strategy
			}
			if pos.Regime != "" {
				exec.Regime = pos.Regime
			}
			pos.Quantity -= closed
		}

	default:
		return nil, fmt.Errorf("%w: side %q", ErrInvalidOrder, f.Side)
	}

	if err := l.store.SavePosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("save position: %w", err)
	}
	if err := l.store.AppendTradeExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("append trade execution: %w", err)
	}

	positions, err := l.store.ListPositions(ctx, sess.UserID)
	if err != nil {
		return exec, fmt.Errorf("count positions: %w", err)
	}

	st, err := MutateState(ctx, l.store, sess.UserID, l.defaults, f.At, func(st *database.AutoTradingState) error {
		l.breaker.ApplyOutcome(st, exec.Outcome, exec.Pnl, f.At)
		st.ActivePositions = OpenPositions(positions)
		return nil
	})
	if err != nil {
		// the execution is already durable; the counters catch up on the next fill
		l.logger.Error().Err(err).Str("user_id", sess.UserID).Msg("Failed to apply trade outcome")
	} else {
		sess.State = st
	}

	l.publisher.Publish(events.Event{
		Type:    events.EventTradeExecuted,
		UserID:  sess.UserID,
		Message: fmt.Sprintf("%s %.8g %s @ %.8g (%s)", f.Side, f.Quantity, f.Symbol, f.Price, f.Source),
		Data: map[string]interface{}{
			"symbol":   f.Symbol,
			"side":     f.Side,
			"quantity": f.Quantity,
			"price":    f.Price,
			"outcome":  exec.Outcome,
			"pnl":      exec.Pnl,
			"source":   f.Source,
			"sourceId": f.SourceID,
			"orderId":  f.OrderID,
		},
	})

	l.logger.Info().
		Str("user_id", sess.UserID).
		Str("symbol", f.Symbol).
		Str("side", f.Side).
		Float64("quantity", f.Quantity).
		Float64("price", f.Price).
		Str("outcome", exec.Outcome).
		Float64("pnl", exec.Pnl).
		Str("source", f.Source).
		Msg("Trade recorded")

	return exec, nil
}

// OpenPositions counts the positions still holding a quantity
func OpenPositions(positions []*database.Position) int {
	n := 0
	for _, p := range positions {
		if p.Quantity > 0 {
			n++
		}
	}
	return n
}
