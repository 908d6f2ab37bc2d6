package market

import "time"

// Direction of a signal or trend
type Direction string

const (
	DirectionBuy     Direction = "buy"
	DirectionSell    Direction = "sell"
	DirectionNeutral Direction = "neutral"
)

// Strength bucket derived from confidence
type Strength string

const (
	StrengthWeak   Strength = "weak"
	StrengthMedium Strength = "medium"
	StrengthStrong Strength = "strong"
)

// StrengthFor buckets a confidence value: weak < 0.4, medium < 0.7, strong otherwise
func StrengthFor(confidence float64) Strength {
	switch {
	case confidence < 0.4:
		return StrengthWeak
	case confidence < 0.7:
		return StrengthMedium
	default:
		return StrengthStrong
	}
}

// Signal is the combined directional view for a symbol, recomputed every tick
type Signal struct {
	Symbol                  string    `json:"symbol"`
	Timeframe               string    `json:"timeframe"`
	Direction               Direction `json:"direction"`
	Strength                Strength  `json:"strength"`
	Confidence              float64   `json:"confidence"`
	BiasDirection           Trend     `json:"biasDirection"`
	MultiTimeframeConfirmed bool      `json:"multiTimeframeConfirmed"`
	Reasons                 []string  `json:"reasons"`
	GeneratedAt             time.Time `json:"generatedAt"`
}

// NeutralSignal is returned whenever there is not enough information to vote
func NeutralSignal(symbol, timeframe string, reason string, at time.Time) *Signal {
	s := &Signal{
		Symbol:      symbol,
		Timeframe:   timeframe,
		Direction:   DirectionNeutral,
		Strength:    StrengthWeak,
		GeneratedAt: at,
	}
	if reason != "" {
		s.Reasons = []string{reason}
	}
	return s
}

// Trend classification of the bias asset
type Trend string

const (
	TrendBullish Trend = "bullish"
	TrendBearish Trend = "bearish"
	TrendNeutral Trend = "neutral"
)

// BiasState describes the reference asset's current trend and momentum.
// Momentum is the 24h change in percent.
type BiasState struct {
	Symbol    string  `json:"symbol"`
	Trend     Trend   `json:"trend"`
	Momentum  float64 `json:"momentum"`
	Available bool    `json:"available"`
}

// Regime is a coarse trend/volatility classification
type Regime string

const (
	RegimeTrendingUp   Regime = "trending_up"
	RegimeTrendingDown Regime = "trending_down"
	RegimeRanging      Regime = "ranging"
	RegimeVolatile     Regime = "volatile"
	RegimeUnknown      Regime = "unknown"
)
