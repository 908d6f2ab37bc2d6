package rules

import (
	"fmt"
	"strings"

	"autotrader/internal/database"
	"autotrader/internal/market"
)

const (
	maxConditions = 10
	maxActions    = 5
	maxNameLength = 100
)

// Validate checks a trading rule submitted by a user
func Validate(r *database.TradingRule) error {
	if strings.TrimSpace(r.Name) == "" || len(r.Name) > maxNameLength {
		return database.Invalid("name", "must be 1-%d characters", maxNameLength)
	}
	if r.ConditionLogic != database.LogicAND && r.ConditionLogic != database.LogicOR {
		return database.Invalid("conditionLogic", "must be AND or OR")
	}
	if len(r.Conditions) == 0 || len(r.Conditions) > maxConditions {
		return database.Invalid("conditions", "need 1-%d conditions", maxConditions)
	}
	if err := ValidateConditions("conditions", r.Conditions); err != nil {
		return err
	}

	if len(r.Actions) == 0 || len(r.Actions) > maxActions {
		return database.Invalid("actions", "need 1-%d actions", maxActions)
	}
	for i, a := range r.Actions {
		if err := ValidateAction(fmt.Sprintf("actions[%d]", i), a); err != nil {
			return err
		}
	}

	if r.MaxExecutions != nil && *r.MaxExecutions < 1 {
		return database.Invalid("maxExecutions", "must be at least 1")
	}
	if r.CooldownMinutes != nil && *r.CooldownMinutes < 0 {
		return database.Invalid("cooldownMinutes", "must not be negative")
	}
	return nil
}

// ValidateConditions checks rule-style conditions
func ValidateConditions(field string, conds []database.Condition) error {
	for i, c := range conds {
		f := fmt.Sprintf("%s[%d]", field, i)
		if !database.ValidSymbol(c.Symbol) {
			return database.Invalid(f+".symbol", "invalid symbol %q", c.Symbol)
		}

		switch c.Operator {
		case database.OperatorGT, database.OperatorLT, database.OperatorGTE, database.OperatorLTE:
		case database.OperatorCrossesAbove, database.OperatorCrossesBelow:
			if c.Type != database.ConditionTypePrice {
				return database.Invalid(f+".operator", "%s is only supported on price conditions", c.Operator)
			}
		default:
			return database.Invalid(f+".operator", "unknown operator %q", c.Operator)
		}

		switch c.Type {
		case database.ConditionTypePrice:
			if !(c.Value > 0) {
				return database.Invalid(f+".value", "price must be positive")
			}
		case database.ConditionTypeIndicator:
			if !market.IsKnownIndicator(c.Indicator) {
				return database.Invalid(f+".indicator", "unknown indicator %q", c.Indicator)
			}
			if c.Timeframe != "" && !market.ValidTimeframe(c.Timeframe) {
				return database.Invalid(f+".timeframe", "unknown timeframe %q", c.Timeframe)
			}
		case database.ConditionTypeChange:
		default:
			return database.Invalid(f+".type", "unknown condition type %q", c.Type)
		}
	}
	return nil
}

// DefaultSymbol fills a buy or sell action's missing symbol with the
// symbol of the first condition
func DefaultSymbol(a database.RuleAction, conds []database.Condition) database.RuleAction {
	if a.Type != database.ActionAlert && strings.TrimSpace(a.Symbol) == "" && len(conds) > 0 {
		a.Symbol = conds[0].Symbol
	}
	return a
}

// ValidateAction checks one rule action
func ValidateAction(field string, a database.RuleAction) error {
	switch a.Type {
	case database.ActionAlert:
		return nil
	case database.ActionBuy, database.ActionSell:
	default:
		return database.Invalid(field+".type", "must be buy, sell or alert")
	}
	if !database.ValidSymbol(a.Symbol) {
		return database.Invalid(field+".symbol", "invalid symbol %q", a.Symbol)
	}
	if err := database.ValidateOrderFields(field, a.Type, a.OrderType, a.AmountType, a.Amount, a.LimitPrice); err != nil {
		return err
	}
	return database.ValidateProtection(field, a.Type, &a.Protection)
}
