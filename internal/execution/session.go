package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"autotrader/internal/binance"
	"autotrader/internal/database"
	"autotrader/internal/market"
)

// Session is one user's evaluation context for a single tick. It is owned
// by the user's worker and never shared between goroutines.
type Session struct {
	UserID   string
	Exchange binance.Exchange
	Snapshot *market.Snapshot
	Now      time.Time
	Logger   zerolog.Logger

	// State is the user's auto-trading record, nil until one exists
	State *database.AutoTradingState
}

// EntriesAllowed reports whether new buy orders may be placed
func (s *Session) EntriesAllowed() bool {
	return s.State == nil || !s.State.IsPaused
}

// Price returns the snapshot price of symbol
func (s *Session) Price(symbol string) (float64, error) {
	if s.Snapshot == nil {
		return 0, ErrNoPrice
	}
	p, ok := s.Snapshot.Price(symbol)
	if !ok {
		return 0, fmt.Errorf("%w for %s", ErrNoPrice, symbol)
	}
	return p, nil
}

// Regime returns the market regime of the tick
func (s *Session) Regime() string {
	if s.Snapshot == nil {
		return string(market.RegimeUnknown)
	}
	return string(s.Snapshot.Regime)
}

const stateSaveAttempts = 5

// StateDefaults builds the record created the first time a user's state is mutated
type StateDefaults func(userID string, now time.Time) *database.AutoTradingState

// MutateState applies fn to the freshest stored state and saves it with a
// version check, reloading and reapplying on conflict. A missing state is
// created from defaults.
func MutateState(ctx context.Context, store database.Store, userID string, defaults StateDefaults, now time.Time,
	fn func(st *database.AutoTradingState) error) (*database.AutoTradingState, error) {

	var lastErr error
	for attempt := 0; attempt < stateSaveAttempts; attempt++ {
		st, err := store.GetAutoTradingState(ctx, userID)
		if errors.Is(err, database.ErrNotFound) {
			st = defaults(userID, now)
		} else if err != nil {
			return nil, err
		}

		if err := fn(st); err != nil {
			return nil, err
		}

		err = store.SaveAutoTradingState(ctx, st)
		if err == nil {
			return st, nil
		}
		if !errors.Is(err, database.ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("auto-trading state for %s: %w", userID, lastErr)
}
