package market

import (
	"fmt"
	"time"
)

// Candle is one closed OHLCV bucket for a symbol and timeframe
type Candle struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	OpenTime  time.Time `json:"openTime"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Ticker is the latest price and 24h change for a symbol
type Ticker struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Change24h float64 `json:"change24h"`
}

// IndicatorSet holds the current indicator values for a symbol/timeframe.
// A nil field means the indicator could not be computed from the available
// candle window and must be treated as unavailable, never as zero.
type IndicatorSet struct {
	Symbol          string    `json:"symbol"`
	Timeframe       string    `json:"timeframe"`
	Close           *float64  `json:"close,omitempty"`
	RSI             *float64  `json:"rsi,omitempty"`
	MACDLine        *float64  `json:"macdLine,omitempty"`
	MACDSignal      *float64  `json:"macdSignal,omitempty"`
	MACDHistogram   *float64  `json:"macdHistogram,omitempty"`
	BollingerUpper  *float64  `json:"bollingerUpper,omitempty"`
	BollingerMiddle *float64  `json:"bollingerMiddle,omitempty"`
	BollingerLower  *float64  `json:"bollingerLower,omitempty"`
	EMA9            *float64  `json:"ema9,omitempty"`
	EMA21           *float64  `json:"ema21,omitempty"`
	EMA50           *float64  `json:"ema50,omitempty"`
	EMA200          *float64  `json:"ema200,omitempty"`
	ATR             *float64  `json:"atr,omitempty"`
	StochK          *float64  `json:"stochK,omitempty"`
	StochD          *float64  `json:"stochD,omitempty"`
	VolumeRatio     *float64  `json:"volumeRatio,omitempty"`
	ComputedAt      time.Time `json:"computedAt"`
}

// Indicator names accepted by rule conditions and bot configs
const (
	IndicatorRSI             = "rsi"
	IndicatorMACDLine        = "macd_line"
	IndicatorMACDSignal      = "macd_signal"
	IndicatorMACDHistogram   = "macd_histogram"
	IndicatorBollingerUpper  = "bollinger_upper"
	IndicatorBollingerMiddle = "bollinger_middle"
	IndicatorBollingerLower  = "bollinger_lower"
	IndicatorEMA9            = "ema9"
	IndicatorEMA21           = "ema21"
	IndicatorEMA50           = "ema50"
	IndicatorEMA200          = "ema200"
	IndicatorATR             = "atr"
	IndicatorStochK          = "stoch_k"
	IndicatorStochD          = "stoch_d"
	IndicatorVolumeRatio     = "volume_ratio"
)

// Field returns the named indicator value. ok is false when the name is
// unknown or the indicator is absent from the set.
func (s *IndicatorSet) Field(name string) (float64, bool) {
	if s == nil {
		return 0, false
	}
	var p *float64
	switch name {
	case IndicatorRSI:
		p = s.RSI
	case IndicatorMACDLine:
		p = s.MACDLine
	case IndicatorMACDSignal:
		p = s.MACDSignal
	case IndicatorMACDHistogram:
		p = s.MACDHistogram
	case IndicatorBollingerUpper:
		p = s.BollingerUpper
	case IndicatorBollingerMiddle:
		p = s.BollingerMiddle
	case IndicatorBollingerLower:
		p = s.BollingerLower
	case IndicatorEMA9:
		p = s.EMA9
	case IndicatorEMA21:
		p = s.EMA21
	case IndicatorEMA50:
		p = s.EMA50
	case IndicatorEMA200:
		p = s.EMA200
	case IndicatorATR:
		p = s.ATR
	case IndicatorStochK:
		p = s.StochK
	case IndicatorStochD:
		p = s.StochD
	case IndicatorVolumeRatio:
		p = s.VolumeRatio
	}
	if p == nil {
		return 0, false
	}
	return *p, true
}

// IsKnownIndicator reports whether name is a valid indicator field name
func IsKnownIndicator(name string) bool {
	switch name {
	case IndicatorRSI, IndicatorMACDLine, IndicatorMACDSignal, IndicatorMACDHistogram,
		IndicatorBollingerUpper, IndicatorBollingerMiddle, IndicatorBollingerLower,
		IndicatorEMA9, IndicatorEMA21, IndicatorEMA50, IndicatorEMA200,
		IndicatorATR, IndicatorStochK, IndicatorStochD, IndicatorVolumeRatio:
		return true
	}
	return false
}

// IsFresh reports whether the set was computed within maxAge of now
func (s *IndicatorSet) IsFresh(now time.Time, maxAge time.Duration) bool {
	if s == nil || s.ComputedAt.IsZero() {
		return false
	}
	return now.Sub(s.ComputedAt) <= maxAge
}

// Key identifies a (symbol, timeframe) pair
type Key struct {
	Symbol    string
	Timeframe string
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.Symbol, k.Timeframe)
}

// Float returns a pointer to v, used when populating optional indicator fields
func Float(v float64) *float64 {
	return &v
}

// Supported candle intervals
var timeframeDurations = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
}

// ValidTimeframe reports whether tf is a supported candle interval
func ValidTimeframe(tf string) bool {
	_, ok := timeframeDurations[tf]
	return ok
}

// TimeframeDuration returns the bucket length of tf, or zero when unknown
func TimeframeDuration(tf string) time.Duration {
	return timeframeDurations[tf]
}

// HigherTimeframe returns the confirmation timeframe used for tf
func HigherTimeframe(tf string) string {
	switch tf {
	case "1m", "3m":
		return "15m"
	case "5m":
		return "1h"
	case "15m", "30m":
		return "4h"
	case "1h", "2h":
		return "4h"
	case "4h", "6h", "12h":
		return "1d"
	}
	return ""
}
