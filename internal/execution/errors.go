package execution

import (
	"errors"

	"autotrader/internal/binance"
)

var (
	// ErrEntriesPaused is returned for buy orders while the user's breaker is open
	ErrEntriesPaused = errors.New("new entries are paused")

	// ErrProtectionMissing is returned when an entry filled but its protective
	// exits could not be placed
	ErrProtectionMissing = errors.New("position opened without protection")

	// ErrInvalidOrder is returned when an order can never be placed as specified
	ErrInvalidOrder = errors.New("invalid order")

	// ErrNoPrice is returned when the tick snapshot has no price for the symbol
	ErrNoPrice = errors.New("no current price")
)

// IsPermanent reports whether retrying err on a later tick cannot succeed
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidOrder) {
		return true
	}
	if errors.Is(err, ErrEntriesPaused) || errors.Is(err, ErrNoPrice) {
		return false
	}
	var exErr *binance.ExchangeError
	if errors.As(err, &exErr) {
		return !exErr.Transient
	}
	return false
}
