package conditional

import (
	"math"
	"time"

	"autotrader/internal/database"
)

// Validate checks a conditional order submitted by a user
func Validate(o *database.ConditionalOrder, now time.Time) error {
	if !database.ValidSymbol(o.Symbol) {
		return database.Invalid("symbol", "invalid symbol %q", o.Symbol)
	}
	switch o.Condition {
	case database.ConditionAbove, database.ConditionBelow,
		database.ConditionCrossesUp, database.ConditionCrossesDown:
	default:
		return database.Invalid("condition", "unknown condition %q", o.Condition)
	}
	if !(o.TriggerPrice > 0) || math.IsInf(o.TriggerPrice, 0) {
		return database.Invalid("triggerPrice", "must be positive")
	}

	a := o.Action
	if err := database.ValidateOrderFields("action", a.Side, a.OrderType, a.AmountType, a.Amount, a.LimitPrice); err != nil {
		return err
	}
	if err := database.ValidateProtection("action", a.Side, &a.Protection); err != nil {
		return err
	}

	if o.ExpiresAt != nil && !o.ExpiresAt.After(now) {
		return database.Invalid("expiresAt", "must be in the future")
	}
	return nil
}

// Fires reports whether the trigger condition holds for price. Crosses
// compare against the price seen at the order's previous evaluation and
// never fire without one.
func Fires(cond database.ConditionType, trigger, price, prev float64, havePrev bool) bool {
	switch cond {
	case database.ConditionAbove:
		return price >= trigger
	case database.ConditionBelow:
		return price <= trigger
	case database.ConditionCrossesUp:
		return havePrev && prev < trigger && price >= trigger
	case database.ConditionCrossesDown:
		return havePrev && prev > trigger && price <= trigger
	}
	return false
}

func isCross(cond database.ConditionType) bool {
	return cond == database.ConditionCrossesUp || cond == database.ConditionCrossesDown
}
