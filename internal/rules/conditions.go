package rules

import (
	"fmt"

	"autotrader/internal/database"
	"autotrader/internal/market"
)

// Matches combines the conditions with logic (AND / OR) against the
// snapshot. It returns the description of every condition that held.
// last holds the prices the owner saw at its previous evaluation and is
// what crossing conditions compare against. An empty condition list never matches.
func Matches(logic string, conds []database.Condition, snap *market.Snapshot, last map[string]float64) (bool, []string) {
	if len(conds) == 0 || snap == nil {
		return false, nil
	}

	var reasons []string
	for _, c := range conds {
		ok, reason := Check(c, snap, last)
		if ok {
			reasons = append(reasons, reason)
		}
		switch {
		case logic == database.LogicOR && ok:
			return true, reasons
		case logic != database.LogicOR && !ok:
			return false, nil
		}
	}
	if logic == database.LogicOR {
		return false, nil
	}
	return true, reasons
}

// Check evaluates one condition. Missing data makes the condition false,
// as does a crossing condition with no earlier observation in last.
func Check(c database.Condition, snap *market.Snapshot, last map[string]float64) (bool, string) {
	var value float64
	var label string

	switch c.Type {
	case database.ConditionTypePrice:
		price, ok := snap.Price(c.Symbol)
		if !ok {
			return false, ""
		}
		if c.Operator == database.OperatorCrossesAbove || c.Operator == database.OperatorCrossesBelow {
			prev, ok := last[c.Symbol]
			if !ok || prev <= 0 {
				return false, ""
			}
			if !crosses(c.Operator, prev, price, c.Value) {
				return false, ""
			}
			return true, fmt.Sprintf("%s price %s %.8g (%.8g -> %.8g)", c.Symbol, c.Operator, c.Value, prev, price)
		}
		value, label = price, c.Symbol+" price"

	case database.ConditionTypeIndicator:
		tf := c.Timeframe
		if tf == "" {
			tf = snap.BaseTimeframe
		}
		set, ok := snap.Indicator(c.Symbol, tf)
		if !ok {
			return false, ""
		}
		v, ok := set.Field(c.Indicator)
		if !ok {
			return false, ""
		}
		value, label = v, fmt.Sprintf("%s %s(%s)", c.Symbol, c.Indicator, tf)

	case database.ConditionTypeChange:
		chg, ok := snap.Change24h(c.Symbol)
		if !ok {
			return false, ""
		}
		value, label = chg, c.Symbol+" 24h change"

	default:
		return false, ""
	}

	if !compare(c.Operator, value, c.Value) {
		return false, ""
	}
	return true, fmt.Sprintf("%s %.8g %s %.8g", label, value, c.Operator, c.Value)
}

// Observe returns last updated with the current price of every symbol a
// crossing condition watches, and whether anything changed. last is not modified.
func Observe(conds []database.Condition, snap *market.Snapshot, last map[string]float64) (map[string]float64, bool) {
	if snap == nil {
		return last, false
	}
	var out map[string]float64
	changed := false
	for _, c := range conds {
		if !isCrossing(c) {
			continue
		}
		price, ok := snap.Price(c.Symbol)
		if !ok {
			continue
		}
		if out == nil {
			out = make(map[string]float64, len(last)+1)
			for k, v := range last {
				out[k] = v
			}
		}
		if prev, seen := out[c.Symbol]; !seen || prev != price {
			out[c.Symbol] = price
			changed = true
		}
	}
	if out == nil {
		return last, false
	}
	return out, changed
}

func isCrossing(c database.Condition) bool {
	return c.Type == database.ConditionTypePrice &&
		(c.Operator == database.OperatorCrossesAbove || c.Operator == database.OperatorCrossesBelow)
}

func compare(op string, v, target float64) bool {
	switch op {
	case database.OperatorGT:
		return v > target
	case database.OperatorLT:
		return v < target
	case database.OperatorGTE:
		return v >= target
	case database.OperatorLTE:
		return v <= target
	}
	return false
}

func crosses(op string, prev, cur, target float64) bool {
	switch op {
	case database.OperatorCrossesAbove:
		return prev <= target && cur > target
	case database.OperatorCrossesBelow:
		return prev >= target && cur < target
	}
	return false
}
