package binance

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/adshao/go-binance/v2/common"
)

// ErrUnknownOutcome is returned when a mutating call timed out and the order
// may or may not exist on the exchange
var ErrUnknownOutcome = errors.New("exchange call outcome unknown")

// ErrOrderNotFound is returned when the exchange has no record of an order
var ErrOrderNotFound = errors.New("order not found")

// ExchangeError is a classified error returned by the exchange
type ExchangeError struct {
	Code      int64
	Message   string
	Transient bool
}

func (e *ExchangeError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("exchange error %d (%s): %s", e.Code, kind, e.Message)
}

// Binance error codes that indicate a temporary condition
var transientCodes = map[int64]bool{
	-1000: true, // unknown error
	-1001: true, // disconnected
	-1003: true, // too many requests
	-1006: true, // unexpected response
	-1007: true, // timeout waiting for backend
	-1008: true, // server busy
	-1015: true, // too many new orders
	-1016: true, // service shutting down
}

// Codes where the request may have been accepted by the matching engine
var unknownOutcomeCodes = map[int64]bool{
	-1006: true,
	-1007: true,
}

// IsTransient reports whether err is worth retrying
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnknownOutcome) {
		return true
	}
	var exErr *ExchangeError
	if errors.As(err, &exErr) {
		return exErr.Transient
	}
	return false
}

// IsUnknownOutcome reports whether a mutating call may have succeeded
func IsUnknownOutcome(err error) bool {
	return errors.Is(err, ErrUnknownOutcome)
}

// classify converts a go-binance or transport error into the engine's taxonomy.
// mutating selects whether a timeout means the outcome is unknown.
func classify(err error, mutating bool) error {
	if err == nil {
		return nil
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 0 && apiErr.Message == "" {
			// non-JSON body, typically a 5xx from a proxy
			if mutating {
				return fmt.Errorf("%w: empty error response", ErrUnknownOutcome)
			}
			return &ExchangeError{Code: 0, Message: "empty error response", Transient: true}
		}
		if mutating && unknownOutcomeCodes[apiErr.Code] {
			return fmt.Errorf("%w: %s", ErrUnknownOutcome, apiErr.Message)
		}
		return &ExchangeError{
			Code:      apiErr.Code,
			Message:   apiErr.Message,
			Transient: transientCodes[apiErr.Code],
		}
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	var netErr net.Error
	timedOut := errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout())
	if timedOut && mutating {
		return fmt.Errorf("%w: %v", ErrUnknownOutcome, err)
	}
	if timedOut || errors.As(err, &netErr) {
		return &ExchangeError{Code: 0, Message: err.Error(), Transient: true}
	}

	return err
}
