package database

import (
	"encoding/json"
	"fmt"
	"time"
)

// BotType tags the variant of a bot configuration
type BotType string

const (
	BotGrid        BotType = "grid"
	BotDCA         BotType = "dca"
	BotRSI         BotType = "rsi"
	BotMACrossover BotType = "ma_crossover"
	BotCustom      BotType = "custom"
)

// BotStatus of a bot
type BotStatus string

const (
	BotRunning BotStatus = "running"
	BotStopped BotStatus = "stopped"
	BotPaused  BotStatus = "paused"
)

// BotConfig is the strongly typed parameter set of one bot variant.
// Implemented only by the *Config types in this file.
type BotConfig interface {
	Type() BotType
	isBotConfig()
}

// GridConfig places a ladder of limit orders between LowerPrice and UpperPrice
type GridConfig struct {
	LowerPrice       float64  `json:"lowerPrice"`
	UpperPrice       float64  `json:"upperPrice"`
	GridCount        int      `json:"gridCount"`
	InvestmentAmount float64  `json:"investmentAmount"`
	StopLossPrice    *float64 `json:"stopLossPrice,omitempty"`
	TakeProfitPrice  *float64 `json:"takeProfitPrice,omitempty"`
}

// DCAConfig buys a fixed quote amount on a fixed interval
type DCAConfig struct {
	AmountPerBuy float64 `json:"amountPerBuy"`
	Interval     string  `json:"interval"` // Go duration, e.g. "4h"
	MaxBuys      int     `json:"maxBuys,omitempty"`
}

// IntervalDuration parses Interval
func (c DCAConfig) IntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.Interval)
	return d
}

// RSIConfig buys when RSI is oversold and sells when overbought
type RSIConfig struct {
	Timeframe           string  `json:"timeframe"`
	OversoldThreshold   float64 `json:"oversoldThreshold"`
	OverboughtThreshold float64 `json:"overboughtThreshold"`
	Amount              float64 `json:"amount"` // quote per entry
	CooldownMinutes     int     `json:"cooldownMinutes,omitempty"`
}

// MACrossoverConfig trades EMA fast/slow order inversions
type MACrossoverConfig struct {
	Timeframe  string  `json:"timeframe"`
	FastPeriod int     `json:"fastPeriod"`
	SlowPeriod int     `json:"slowPeriod"`
	Amount     float64 `json:"amount"` // quote per entry
}

// CustomConfig runs rule-style conditions with a single action
type CustomConfig struct {
	ConditionLogic  string      `json:"conditionLogic"`
	Conditions      []Condition `json:"conditions"`
	Action          RuleAction  `json:"action"`
	CooldownMinutes int         `json:"cooldownMinutes,omitempty"`
}

func (GridConfig) Type() BotType        { return BotGrid }
func (DCAConfig) Type() BotType         { return BotDCA }
func (RSIConfig) Type() BotType         { return BotRSI }
func (MACrossoverConfig) Type() BotType { return BotMACrossover }
func (CustomConfig) Type() BotType      { return BotCustom }

func (GridConfig) isBotConfig()        {}
func (DCAConfig) isBotConfig()         {}
func (RSIConfig) isBotConfig()         {}
func (MACrossoverConfig) isBotConfig() {}
func (CustomConfig) isBotConfig()      {}

// GridLevel is one rung of a grid ladder
type GridLevel struct {
	Price       float64 `json:"price"`
	BuyOrderID  int64   `json:"buyOrderId,omitempty"`
	SellOrderID int64   `json:"sellOrderId,omitempty"`
	Holding     float64 `json:"holding,omitempty"`
	BuyPrice    float64 `json:"buyPrice,omitempty"`
	Booked      float64 `json:"booked,omitempty"` // executed qty of the resting order already booked
}

// BotState is the runtime state a bot carries between ticks
type BotState struct {
	InPosition          bool        `json:"inPosition"`
	PositionQty         float64     `json:"positionQty"`
	EntryPrice          float64     `json:"entryPrice,omitempty"`
	LastBuyAt           *time.Time  `json:"lastBuyAt,omitempty"`
	BuyCount            int         `json:"buyCount"`
	LastExitAt          *time.Time  `json:"lastExitAt,omitempty"`
	LastRelation        string      `json:"lastRelation,omitempty"`
	LastActionAt        *time.Time  `json:"lastActionAt,omitempty"`
	GridLevels          []GridLevel `json:"gridLevels,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
	LastRunAt           *time.Time  `json:"lastRunAt,omitempty"`

	// LastPrices is the custom bot's per-symbol price from its previous run
	LastPrices map[string]float64 `json:"lastPrices,omitempty"`
}

// Bot is a recurring parametric strategy
type Bot struct {
	ID          string
	UserID      string
	Name        string
	Symbol      string
	Status      BotStatus
	Config      BotConfig
	State       BotState
	TotalTrades int
	TotalProfit float64
	LastError   string
	Version     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Type returns the variant tag of the bot's config
func (b *Bot) Type() BotType {
	if b.Config == nil {
		return ""
	}
	return b.Config.Type()
}

type botJSON struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	Name        string          `json:"name"`
	Type        BotType         `json:"type"`
	Symbol      string          `json:"symbol"`
	Status      BotStatus       `json:"status"`
	Config      json.RawMessage `json:"config"`
	State       BotState        `json:"state"`
	TotalTrades int             `json:"totalTrades"`
	TotalProfit float64         `json:"totalProfit"`
	LastError   string          `json:"lastError,omitempty"`
	Version     int             `json:"version"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// MarshalJSON writes the bot with its config tagged by type
func (b Bot) MarshalJSON() ([]byte, error) {
	cfg, err := json.Marshal(b.Config)
	if err != nil {
		return nil, err
	}
	return json.Marshal(botJSON{
		ID: b.ID, UserID: b.UserID, Name: b.Name, Type: b.Type(), Symbol: b.Symbol,
		Status: b.Status, Config: cfg, State: b.State, TotalTrades: b.TotalTrades,
		TotalProfit: b.TotalProfit, LastError: b.LastError, Version: b.Version,
		CreatedAt: b.CreatedAt, UpdatedAt: b.UpdatedAt,
	})
}

// UnmarshalJSON reads a bot, decoding config by its type tag
func (b *Bot) UnmarshalJSON(data []byte) error {
	var raw botJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	cfg, err := DecodeBotConfig(raw.Type, raw.Config)
	if err != nil {
		return err
	}
	*b = Bot{
		ID: raw.ID, UserID: raw.UserID, Name: raw.Name, Symbol: raw.Symbol, Status: raw.Status,
		Config: cfg, State: raw.State, TotalTrades: raw.TotalTrades, TotalProfit: raw.TotalProfit,
		LastError: raw.LastError, Version: raw.Version, CreatedAt: raw.CreatedAt, UpdatedAt: raw.UpdatedAt,
	}
	return nil
}

// DecodeBotConfig decodes the params of a bot variant
func DecodeBotConfig(t BotType, data []byte) (BotConfig, error) {
	switch t {
	case BotGrid:
		return decodeConfig[GridConfig](data)
	case BotDCA:
		return decodeConfig[DCAConfig](data)
	case BotRSI:
		return decodeConfig[RSIConfig](data)
	case BotMACrossover:
		return decodeConfig[MACrossoverConfig](data)
	case BotCustom:
		return decodeConfig[CustomConfig](data)
	}
	return nil, fmt.Errorf("unknown bot type %q", t)
}

func decodeConfig[T BotConfig](data []byte) (BotConfig, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, fmt.Errorf("missing bot config")
	}
	var c T
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("invalid bot config: %w", err)
	}
	return c, nil
}
