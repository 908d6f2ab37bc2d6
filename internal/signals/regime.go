package signals

import "autotrader/internal/market"

// ClassifyRegime labels the market from the bias asset's indicator set.
// ATR above volatileATRPct of the close is volatile; otherwise stacked
// EMAs decide between trending and ranging.
func ClassifyRegime(set *market.IndicatorSet, volatileATRPct float64) market.Regime {
	if set == nil || set.Close == nil || *set.Close <= 0 {
		return market.RegimeUnknown
	}
	price := *set.Close

	if set.ATR != nil && volatileATRPct > 0 && *set.ATR/price*100 >= volatileATRPct {
		return market.RegimeVolatile
	}

	if set.EMA21 == nil || set.EMA50 == nil {
		return market.RegimeUnknown
	}
	fast, slow := *set.EMA21, *set.EMA50
	switch {
	case price > fast && fast > slow:
		return market.RegimeTrendingUp
	case price < fast && fast < slow:
		return market.RegimeTrendingDown
	}
	return market.RegimeRanging
}
