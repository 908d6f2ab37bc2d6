package autotrade

import (
	"fmt"

	"autotrader/internal/market"
)

// Strategy names the entry logic the orchestrator routes buys through
type Strategy string

const (
	TrendFollowing Strategy = "trend_following"
	MeanReversion  Strategy = "mean_reversion"
	Momentum       Strategy = "momentum"
)

// Strategies lists every strategy in fallback preference order
var Strategies = []Strategy{TrendFollowing, MeanReversion, Momentum}

// ValidStrategy reports whether s names a known strategy
func ValidStrategy(s string) bool {
	for _, st := range Strategies {
		if string(st) == s {
			return true
		}
	}
	return false
}

// Eligible returns the strategies allowed in regime, most preferred first
func Eligible(regime market.Regime) []Strategy {
	switch regime {
	case market.RegimeTrendingUp:
		return []Strategy{TrendFollowing, Momentum}
	case market.RegimeTrendingDown:
		return []Strategy{MeanReversion}
	case market.RegimeRanging:
		return []Strategy{MeanReversion, Momentum}
	case market.RegimeVolatile:
		return []Strategy{Momentum, MeanReversion}
	}
	return Strategies
}

// Accepts applies the strategy's own test to a buy candidate. Missing
// indicators reject the candidate.
func Accepts(s Strategy, set *market.IndicatorSet) (bool, string) {
	if set == nil || set.Close == nil {
		return false, "no indicator data"
	}
	price := *set.Close

	switch s {
	case TrendFollowing:
		if set.EMA21 == nil || set.EMA50 == nil {
			return false, "EMA21/EMA50 unavailable"
		}
		if price > *set.EMA21 && *set.EMA21 > *set.EMA50 {
			return true, fmt.Sprintf("price above rising EMA stack (%.4g > %.4g > %.4g)", price, *set.EMA21, *set.EMA50)
		}
		return false, "EMA stack not aligned up"

	case MeanReversion:
		if set.RSI != nil && *set.RSI < 40 {
			return true, fmt.Sprintf("RSI %.1f below 40", *set.RSI)
		}
		if set.BollingerLower != nil && price <= *set.BollingerLower {
			return true, "price at lower Bollinger band"
		}
		if set.RSI == nil && set.BollingerLower == nil {
			return false, "RSI and Bollinger unavailable"
		}
		return false, "not stretched to the downside"

	case Momentum:
		if set.MACDHistogram == nil {
			return false, "MACD unavailable"
		}
		if *set.MACDHistogram <= 0 {
			return false, "MACD histogram not positive"
		}
		if set.VolumeRatio != nil && *set.VolumeRatio < 1 {
			return false, fmt.Sprintf("volume ratio %.2f below average", *set.VolumeRatio)
		}
		return true, "positive MACD histogram"
	}
	return false, fmt.Sprintf("unknown strategy %q", s)
}
