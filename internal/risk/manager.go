package risk

import (
	"fmt"
	"math"

	"autotrader/config"
	"autotrader/internal/database"
)

// Config holds the sizing inputs for one user
type Config struct {
	CapitalUSD      float64 // Capital the percentage applies to
	PositionSizePct float64 // Percentage of capital per entry
	MaxPositionUSD  float64 // Hard cap per entry in quote currency
	MaxPositions    int     // Maximum concurrent positions
	StopLossPct     float64
	TakeProfitPct   float64
}

// ConfigFor merges a user's auto-trading settings over the defaults
func ConfigFor(defaults config.RiskConfig, user database.AutoTradingConfig) Config {
	c := Config{
		CapitalUSD:      defaults.DefaultCapitalUSD,
		PositionSizePct: defaults.PositionSizePct,
		MaxPositionUSD:  defaults.MaxPositionUSD,
		MaxPositions:    defaults.MaxPositions,
		StopLossPct:     defaults.StopLossPct,
		TakeProfitPct:   defaults.TakeProfitPct,
	}
	if user.CapitalUSD > 0 {
		c.CapitalUSD = user.CapitalUSD
	}
	if user.PositionSizePct > 0 {
		c.PositionSizePct = user.PositionSizePct
	}
	if user.MaxPositionUSD > 0 {
		c.MaxPositionUSD = user.MaxPositionUSD
	}
	if user.MaxPositions > 0 {
		c.MaxPositions = user.MaxPositions
	}
	if user.StopLossPct > 0 {
		c.StopLossPct = user.StopLossPct
	}
	if user.TakeProfitPct > 0 {
		c.TakeProfitPct = user.TakeProfitPct
	}
	return c
}

// PositionSizer turns a user's risk settings into entry sizes
type PositionSizer struct {
	config Config
}

// NewPositionSizer creates a sizer
func NewPositionSizer(config Config) *PositionSizer {
	return &PositionSizer{config: config}
}

// CanOpenPosition checks if a new position can be opened
func (s *PositionSizer) CanOpenPosition(openPositions int) (bool, string) {
	if s.config.MaxPositions > 0 && openPositions >= s.config.MaxPositions {
		return false, fmt.Sprintf("max positions reached (%d/%d)", openPositions, s.config.MaxPositions)
	}
	return true, ""
}

// QuoteSize returns the quote amount to spend on an entry. The bias
// multiplier scales the percentage size, the result is capped by
// MaxPositionUSD and by the available quote balance.
func (s *PositionSizer) QuoteSize(multiplier, available float64) float64 {
	if multiplier <= 0 || math.IsNaN(multiplier) {
		return 0
	}
	size := s.config.CapitalUSD * s.config.PositionSizePct / 100 * multiplier
	if s.config.MaxPositionUSD > 0 && size > s.config.MaxPositionUSD {
		size = s.config.MaxPositionUSD
	}
	if available >= 0 && size > available {
		size = available
	}
	if size < 0 {
		return 0
	}
	return size
}

// Protection returns the percentage exits configured for auto-trading entries
func (s *PositionSizer) Protection() database.Protection {
	var p database.Protection
	if s.config.StopLossPct > 0 {
		v := s.config.StopLossPct
		p.StopLossPct = &v
	}
	if s.config.TakeProfitPct > 0 {
		v := s.config.TakeProfitPct
		p.TakeProfitPct = &v
	}
	return p
}

// StopLossPrice returns the long stop price pct percent below entry
func StopLossPrice(entry, pct float64) float64 {
	return entry * (1 - pct/100)
}

// TakeProfitPrice returns the long target pct percent above entry
func TakeProfitPrice(entry, pct float64) float64 {
	return entry * (1 + pct/100)
}
