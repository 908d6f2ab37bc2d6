package bots

import (
	"strings"
	"time"

	"autotrader/internal/database"
	"autotrader/internal/market"
	"autotrader/internal/rules"
)

const maxGridLevels = 100

// emaFields maps the EMA periods available in an indicator set to their field names
var emaFields = map[int]string{
	9:   market.IndicatorEMA9,
	21:  market.IndicatorEMA21,
	50:  market.IndicatorEMA50,
	200: market.IndicatorEMA200,
}

// Validate checks a bot submitted by a user
func Validate(b *database.Bot) error {
	if strings.TrimSpace(b.Name) == "" || len(b.Name) > 100 {
		return database.Invalid("name", "must be 1-100 characters")
	}
	if !database.ValidSymbol(b.Symbol) {
		return database.Invalid("symbol", "invalid symbol %q", b.Symbol)
	}
	if b.Config == nil {
		return database.Invalid("config", "required")
	}

	switch c := b.Config.(type) {
	case database.GridConfig:
		return validateGrid(c)
	case database.DCAConfig:
		if !(c.AmountPerBuy > 0) {
			return database.Invalid("config.amountPerBuy", "must be positive")
		}
		if d, err := time.ParseDuration(c.Interval); err != nil || d < time.Minute {
			return database.Invalid("config.interval", "must be a duration of at least 1m, e.g. \"4h\"")
		}
		if c.MaxBuys < 0 {
			return database.Invalid("config.maxBuys", "must not be negative")
		}
	case database.RSIConfig:
		if c.Timeframe != "" && !market.ValidTimeframe(c.Timeframe) {
			return database.Invalid("config.timeframe", "unknown timeframe %q", c.Timeframe)
		}
		if !(c.OversoldThreshold > 0 && c.OversoldThreshold < c.OverboughtThreshold && c.OverboughtThreshold < 100) {
			return database.Invalid("config.oversoldThreshold", "need 0 < oversold < overbought < 100")
		}
		if !(c.Amount > 0) {
			return database.Invalid("config.amount", "must be positive")
		}
		if c.CooldownMinutes < 0 {
			return database.Invalid("config.cooldownMinutes", "must not be negative")
		}
	case database.MACrossoverConfig:
		if c.Timeframe != "" && !market.ValidTimeframe(c.Timeframe) {
			return database.Invalid("config.timeframe", "unknown timeframe %q", c.Timeframe)
		}
		if _, ok := emaFields[c.FastPeriod]; !ok {
			return database.Invalid("config.fastPeriod", "must be one of 9, 21, 50, 200")
		}
		if _, ok := emaFields[c.SlowPeriod]; !ok {
			return database.Invalid("config.slowPeriod", "must be one of 9, 21, 50, 200")
		}
		if c.FastPeriod >= c.SlowPeriod {
			return database.Invalid("config.fastPeriod", "must be below slowPeriod")
		}
		if !(c.Amount > 0) {
			return database.Invalid("config.amount", "must be positive")
		}
	case database.CustomConfig:
		if c.ConditionLogic != database.LogicAND && c.ConditionLogic != database.LogicOR {
			return database.Invalid("config.conditionLogic", "must be AND or OR")
		}
		if len(c.Conditions) == 0 {
			return database.Invalid("config.conditions", "need at least one condition")
		}
		if err := rules.ValidateConditions("config.conditions", c.Conditions); err != nil {
			return err
		}
		if err := rules.ValidateAction("config.action", rules.DefaultSymbol(c.Action, c.Conditions)); err != nil {
			return err
		}
		if c.CooldownMinutes < 0 {
			return database.Invalid("config.cooldownMinutes", "must not be negative")
		}
	default:
		return database.Invalid("config", "unsupported bot type %q", b.Config.Type())
	}
	return nil
}

func validateGrid(c database.GridConfig) error {
	if !(c.LowerPrice > 0) || !(c.UpperPrice > c.LowerPrice) {
		return database.Invalid("config.upperPrice", "need 0 < lowerPrice < upperPrice")
	}
	if c.GridCount < 2 || c.GridCount > maxGridLevels {
		return database.Invalid("config.gridCount", "must be between 2 and %d", maxGridLevels)
	}
	if !(c.InvestmentAmount > 0) {
		return database.Invalid("config.investmentAmount", "must be positive")
	}
	if c.StopLossPrice != nil && (*c.StopLossPrice <= 0 || *c.StopLossPrice >= c.LowerPrice) {
		return database.Invalid("config.stopLossPrice", "must be below lowerPrice")
	}
	if c.TakeProfitPrice != nil && *c.TakeProfitPrice <= c.UpperPrice {
		return database.Invalid("config.takeProfitPrice", "must be above upperPrice")
	}
	return nil
}
