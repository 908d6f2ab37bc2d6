package indicators

import (
	"math"
	"time"

	"github.com/markcheno/go-talib"

	"autotrader/internal/market"
)

// Params holds indicator periods
type Params struct {
	RSIPeriod       int
	MACDFast        int
	MACDSlow        int
	MACDSignal      int
	BollingerPeriod int
	BollingerStdDev float64
	ATRPeriod       int
	StochKPeriod    int
	StochSlowK      int
	StochSlowD      int
	VolumePeriod    int
}

// DefaultParams returns the standard indicator periods
func DefaultParams() Params {
	return Params{
		RSIPeriod:       14,
		MACDFast:        12,
		MACDSlow:        26,
		MACDSignal:      9,
		BollingerPeriod: 20,
		BollingerStdDev: 2.0,
		ATRPeriod:       14,
		StochKPeriod:    14,
		StochSlowK:      3,
		StochSlowD:      3,
		VolumePeriod:    20,
	}
}

// Calculator turns a candle window into an IndicatorSet
type Calculator struct {
	params Params
}

// NewCalculator creates a calculator with the given periods
func NewCalculator(params Params) *Calculator {
	return &Calculator{params: params}
}

// RequiredCandles is the window length needed to populate every field
func (c *Calculator) RequiredCandles() int {
	n := 200
	if m := c.params.MACDSlow + c.params.MACDSignal; m > n {
		n = m
	}
	return n + 50
}

// Compute calculates every indicator the window is long enough for.
// Indicators whose period exceeds the window are left nil.
func (c *Calculator) Compute(symbol, timeframe string, candles []market.Candle, now time.Time) *market.IndicatorSet {
	set := &market.IndicatorSet{
		Symbol:     symbol,
		Timeframe:  timeframe,
		ComputedAt: now,
	}

	n := len(candles)
	if n == 0 {
		return set
	}

	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	volumes := make([]float64, n)
	for i, k := range candles {
		closes[i] = k.Close
		highs[i] = k.High
		lows[i] = k.Low
		volumes[i] = k.Volume
	}

	p := c.params
	set.Close = market.Float(closes[n-1])

	// Wilder RSI needs period+1 closes for the first average gain/loss
	if p.RSIPeriod > 1 && n > p.RSIPeriod {
		set.RSI = last(talib.Rsi(closes, p.RSIPeriod))
	}

	if n >= p.MACDSlow+p.MACDSignal-1 && p.MACDFast < p.MACDSlow {
		macd, signal, hist := talib.Macd(closes, p.MACDFast, p.MACDSlow, p.MACDSignal)
		set.MACDLine = last(macd)
		set.MACDSignal = last(signal)
		set.MACDHistogram = last(hist)
	}

	if p.BollingerPeriod > 1 && n >= p.BollingerPeriod {
		upper, middle, lower := talib.BBands(closes, p.BollingerPeriod, p.BollingerStdDev, p.BollingerStdDev, talib.SMA)
		set.BollingerUpper = last(upper)
		set.BollingerMiddle = last(middle)
		set.BollingerLower = last(lower)
	}

	set.EMA9 = ema(closes, 9)
	set.EMA21 = ema(closes, 21)
	set.EMA50 = ema(closes, 50)
	set.EMA200 = ema(closes, 200)

	if p.ATRPeriod > 0 && n > p.ATRPeriod {
		set.ATR = last(talib.Atr(highs, lows, closes, p.ATRPeriod))
	}

	if n >= p.StochKPeriod+p.StochSlowK+p.StochSlowD-2 {
		k, d := talib.Stoch(highs, lows, closes, p.StochKPeriod, p.StochSlowK, talib.SMA, p.StochSlowD, talib.SMA)
		set.StochK = last(k)
		set.StochD = last(d)
	}

	set.VolumeRatio = volumeRatio(volumes, p.VolumePeriod)

	return set
}

func ema(closes []float64, period int) *float64 {
	if len(closes) < period {
		return nil
	}
	return last(talib.Ema(closes, period))
}

// volumeRatio compares the latest volume with the average of the preceding period
func volumeRatio(volumes []float64, period int) *float64 {
	n := len(volumes)
	if period <= 0 || n < period+1 {
		return nil
	}
	sum := 0.0
	for _, v := range volumes[n-1-period : n-1] {
		sum += v
	}
	avg := sum / float64(period)
	if avg <= 0 {
		return nil
	}
	return market.Float(volumes[n-1] / avg)
}

func last(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	v := values[len(values)-1]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return market.Float(v)
}
