package database

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalid is wrapped by every ValidationError
var ErrInvalid = errors.New("invalid input")

// ValidationError represents a rejected field of a user-defined entity
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalid
}

// Invalid builds a ValidationError
func Invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ValidSymbol reports whether s looks like an exchange symbol
func ValidSymbol(s string) bool {
	if len(s) < 5 || len(s) > 20 || strings.ToUpper(s) != s {
		return false
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// ValidateOrderFields checks the order part shared by conditional actions,
// rule actions and bot actions. field prefixes error field names.
func ValidateOrderFields(field, side, orderType, amountType string, amount float64, limitPrice *float64) error {
	if side != SideBuy && side != SideSell {
		return Invalid(field+".side", "must be %q or %q", SideBuy, SideSell)
	}
	switch orderType {
	case "", OrderTypeMarket:
	case OrderTypeLimit:
		if limitPrice == nil || *limitPrice <= 0 {
			return Invalid(field+".limitPrice", "required for limit orders")
		}
	default:
		return Invalid(field+".orderType", "unknown order type %q", orderType)
	}
	switch amountType {
	case AmountQuote, AmountBase:
	case AmountPercent:
		if amount > 100 {
			return Invalid(field+".amount", "percent must not exceed 100")
		}
	default:
		return Invalid(field+".amountType", "must be one of quote, base, percent")
	}
	if !(amount > 0) {
		return Invalid(field+".amount", "must be positive")
	}
	return nil
}

// ValidateProtection checks protective exit settings. They only apply to buys.
func ValidateProtection(field, side string, p *Protection) error {
	if p.IsEmpty() {
		return nil
	}
	if side != SideBuy {
		return Invalid(field, "protective exits are only supported on buy orders")
	}
	if p.StopLossPct != nil && (*p.StopLossPct <= 0 || *p.StopLossPct >= 100) {
		return Invalid(field+".stopLossPct", "must be in (0, 100)")
	}
	if p.TakeProfitPct != nil && *p.TakeProfitPct <= 0 {
		return Invalid(field+".takeProfitPct", "must be positive")
	}
	if p.TrailingStopPct != nil && p.TrailingStopDollar != nil {
		return Invalid(field, "set either trailingStopPct or trailingStopDollar, not both")
	}
	if p.TrailingStopPct != nil && (*p.TrailingStopPct <= 0 || *p.TrailingStopPct >= 100) {
		return Invalid(field+".trailingStopPct", "must be in (0, 100)")
	}
	if p.TrailingStopDollar != nil && *p.TrailingStopDollar <= 0 {
		return Invalid(field+".trailingStopDollar", "must be positive")
	}
	return nil
}
