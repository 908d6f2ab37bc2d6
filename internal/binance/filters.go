package binance

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// SymbolRules are the lot size and price tick constraints of a symbol
type SymbolRules struct {
	Symbol      string
	StepSize    decimal.Decimal
	MinQuantity decimal.Decimal
	TickSize    decimal.Decimal
	MinNotional decimal.Decimal
}

// DefaultSymbolRules returns permissive rules used when exchange info is unavailable
func DefaultSymbolRules(symbol string) *SymbolRules {
	return &SymbolRules{
		Symbol:      symbol,
		StepSize:    decimal.New(1, -5),
		MinQuantity: decimal.New(1, -5),
		TickSize:    decimal.New(1, -2),
		MinNotional: decimal.NewFromInt(5),
	}
}

// RoundQuantity floors qty to the step size
func (r *SymbolRules) RoundQuantity(qty float64) decimal.Decimal {
	d := decimal.NewFromFloat(qty)
	if r.StepSize.IsPositive() {
		d = d.Div(r.StepSize).Floor().Mul(r.StepSize)
	}
	return d
}

// RoundPrice rounds price to the nearest tick
func (r *SymbolRules) RoundPrice(price float64) decimal.Decimal {
	d := decimal.NewFromFloat(price)
	if r.TickSize.IsPositive() {
		d = d.Div(r.TickSize).Round(0).Mul(r.TickSize)
	}
	return d
}

// CheckOrder validates a rounded quantity at price against the symbol filters
func (r *SymbolRules) CheckOrder(qty decimal.Decimal, price float64) error {
	if !qty.IsPositive() {
		return fmt.Errorf("quantity rounds to zero for %s", r.Symbol)
	}
	if r.MinQuantity.IsPositive() && qty.LessThan(r.MinQuantity) {
		return fmt.Errorf("quantity %s below minimum %s for %s", qty, r.MinQuantity, r.Symbol)
	}
	if price > 0 && r.MinNotional.IsPositive() {
		notional := qty.Mul(decimal.NewFromFloat(price))
		if notional.LessThan(r.MinNotional) {
			return fmt.Errorf("order value %s below minimum notional %s for %s",
				notional.StringFixed(2), r.MinNotional, r.Symbol)
		}
	}
	return nil
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseFloat(s string) float64 {
	return parseDecimal(s).InexactFloat64()
}
