package database

import (
	"time"
)

// ConditionType is the trigger test of a conditional order
type ConditionType string

const (
	ConditionAbove       ConditionType = "above"
	ConditionBelow       ConditionType = "below"
	ConditionCrossesUp   ConditionType = "crosses_up"
	ConditionCrossesDown ConditionType = "crosses_down"
)

// ConditionalStatus is the lifecycle state of a conditional order
type ConditionalStatus string

const (
	ConditionalActive    ConditionalStatus = "active"
	ConditionalTriggered ConditionalStatus = "triggered"
	ConditionalExecuted  ConditionalStatus = "executed"
	ConditionalCancelled ConditionalStatus = "cancelled"
	ConditionalExpired   ConditionalStatus = "expired"
	ConditionalFailed    ConditionalStatus = "failed"
)

// IsTerminal reports whether no further transitions are possible
func (s ConditionalStatus) IsTerminal() bool {
	switch s {
	case ConditionalExecuted, ConditionalCancelled, ConditionalExpired, ConditionalFailed:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an allowed lifecycle move
func CanTransition(from, to ConditionalStatus) bool {
	switch from {
	case ConditionalActive:
		return to == ConditionalTriggered || to == ConditionalCancelled || to == ConditionalExpired
	case ConditionalTriggered:
		return to == ConditionalExecuted || to == ConditionalFailed || to == ConditionalCancelled
	}
	return false
}

// ProtectionStatus reports whether protective exits are in place after an entry
type ProtectionStatus string

const (
	ProtectionNone     ProtectionStatus = "none"
	ProtectionAttached ProtectionStatus = "attached"
	ProtectionPending  ProtectionStatus = "pending"
	ProtectionMissing  ProtectionStatus = "missing"
)

// Order sides and types as stored on user-defined actions
const (
	SideBuy  = "buy"
	SideSell = "sell"

	OrderTypeMarket = "market"
	OrderTypeLimit  = "limit"

	AmountQuote   = "quote"   // amount in quote currency (e.g. USDT)
	AmountBase    = "base"    // amount in base asset units
	AmountPercent = "percent" // percent of available balance
)

// Protection describes protective exits attached to a buy entry.
// Percentages are distances from the average entry price.
type Protection struct {
	StopLossPct        *float64 `json:"stopLossPct,omitempty"`
	TakeProfitPct      *float64 `json:"takeProfitPct,omitempty"`
	TrailingStopPct    *float64 `json:"trailingStopPct,omitempty"`
	TrailingStopDollar *float64 `json:"trailingStopDollar,omitempty"`
}

// IsEmpty reports whether no protective exit is requested
func (p *Protection) IsEmpty() bool {
	return p == nil || (p.StopLossPct == nil && p.TakeProfitPct == nil &&
		p.TrailingStopPct == nil && p.TrailingStopDollar == nil)
}

// OrderAction is the order a conditional order places when it fires
type OrderAction struct {
	Side       string   `json:"side"`
	OrderType  string   `json:"orderType"`
	AmountType string   `json:"amountType"`
	Amount     float64  `json:"amount"`
	LimitPrice *float64 `json:"limitPrice,omitempty"`
	Protection
}

// ConditionalOrder is a single user-defined price trigger
type ConditionalOrder struct {
	ID               string            `json:"id"`
	UserID           string            `json:"userId"`
	Symbol           string            `json:"symbol"`
	Condition        ConditionType     `json:"condition"`
	TriggerPrice     float64           `json:"triggerPrice"`
	Action           OrderAction       `json:"action"`
	Status           ConditionalStatus `json:"status"`
	ExpiresAt        *time.Time        `json:"expiresAt,omitempty"`
	TriggeredAt      *time.Time        `json:"triggeredAt,omitempty"`
	ExecutedAt       *time.Time        `json:"executedAt,omitempty"`
	RetryCount       int               `json:"retryCount"`
	NextRetryAt      *time.Time        `json:"nextRetryAt,omitempty"`
	LastError        string            `json:"lastError,omitempty"`
	FailureReason    string            `json:"failureReason,omitempty"`
	EntryOrderID     int64             `json:"entryOrderId,omitempty"`
	ProtectionStatus ProtectionStatus  `json:"protectionStatus"`
	Version          int               `json:"version"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`

	// LastPrice is the price seen by the order's previous evaluation; crosses_* compare against it
	LastPrice *float64 `json:"lastPrice,omitempty"`
}

// Rule condition types, operators and action types
const (
	ConditionTypePrice     = "price"
	ConditionTypeIndicator = "indicator"
	ConditionTypeChange    = "change"

	OperatorGT           = ">"
	OperatorLT           = "<"
	OperatorGTE          = ">="
	OperatorLTE          = "<="
	OperatorCrossesAbove = "crosses_above"
	OperatorCrossesBelow = "crosses_below"

	LogicAND = "AND"
	LogicOR  = "OR"

	ActionBuy   = "buy"
	ActionSell  = "sell"
	ActionAlert = "alert"
)

// Condition is one clause of a trading rule
type Condition struct {
	Type      string  `json:"type"`
	Symbol    string  `json:"symbol"`
	Indicator string  `json:"indicator,omitempty"`
	Timeframe string  `json:"timeframe,omitempty"`
	Operator  string  `json:"operator"`
	Value     float64 `json:"value"`
}

// RuleAction is one step executed when a rule fires
type RuleAction struct {
	Type       string   `json:"type"`
	Symbol     string   `json:"symbol,omitempty"`
	AmountType string   `json:"amountType,omitempty"`
	Amount     float64  `json:"amount,omitempty"`
	OrderType  string   `json:"orderType,omitempty"`
	LimitPrice *float64 `json:"limitPrice,omitempty"`
	Message    string   `json:"message,omitempty"`
	Protection
}

// RuleStatus of a trading rule
type RuleStatus string

const (
	RuleActive RuleStatus = "active"
	RuleFailed RuleStatus = "failed"
)

// TradingRule combines several conditions and runs several actions
type TradingRule struct {
	ID                  string       `json:"id"`
	UserID              string       `json:"userId"`
	Name                string       `json:"name"`
	Enabled             bool         `json:"enabled"`
	ConditionLogic      string       `json:"conditionLogic"`
	Conditions          []Condition  `json:"conditions"`
	Actions             []RuleAction `json:"actions"`
	MaxExecutions       *int         `json:"maxExecutions,omitempty"`
	CooldownMinutes     *int         `json:"cooldownMinutes,omitempty"`
	ExecutionCount      int          `json:"executionCount"`
	LastExecutedAt      *time.Time   `json:"lastExecutedAt,omitempty"`
	Status              RuleStatus   `json:"status"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	LastError           string       `json:"lastError,omitempty"`
	Version             int          `json:"version"`
	CreatedAt           time.Time    `json:"createdAt"`
	UpdatedAt           time.Time    `json:"updatedAt"`

	// LastPrices holds the price per symbol seen at the rule's previous evaluation
	LastPrices map[string]float64 `json:"lastPrices,omitempty"`
}

// Symbols returns the distinct symbols referenced by the rule
func (r *TradingRule) Symbols() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, c := range r.Conditions {
		add(c.Symbol)
	}
	for _, a := range r.Actions {
		add(a.Symbol)
	}
	return out
}

// Auto-trading modes
const (
	ModeAuto  = "auto"
	ModeFixed = "fixed"
)

// AutoTradingConfig holds a user's auto-trading settings
type AutoTradingConfig struct {
	Mode                   string   `json:"mode"`
	Strategy               string   `json:"strategy,omitempty"`
	Symbols                []string `json:"symbols"`
	CapitalUSD             float64  `json:"capitalUsd"`
	PositionSizePct        float64  `json:"positionSizePct"`
	MaxPositionUSD         float64  `json:"maxPositionUsd"`
	MaxPositions           int      `json:"maxPositions"`
	MinConfidence          float64  `json:"minConfidence"`
	DailyLossLimitPct      float64  `json:"dailyLossLimitPct"`
	MaxConsecutiveLosses   int      `json:"maxConsecutiveLosses"`
	StopLossPct            float64  `json:"stopLossPct"`
	TakeProfitPct          float64  `json:"takeProfitPct"`
	BTCTrendFilter         bool     `json:"btcTrendFilter"`
	MomentumBoost          bool     `json:"momentumBoost"`
	CorrelationSkip        bool     `json:"correlationSkip"`
	RequireMTFConfirmation bool     `json:"requireMtfConfirmation"`
}

// AutoTradingState is the per-user runtime state of the orchestrator and
// the circuit breaker. Daily counters reset at the daily boundary.
type AutoTradingState struct {
	UserID            string            `json:"userId"`
	Enabled           bool              `json:"enabled"`
	IsRunning         bool              `json:"isRunning"`
	IsPaused          bool              `json:"isPaused"`
	PauseReason       string            `json:"pauseReason,omitempty"`
	PausedAt          *time.Time        `json:"pausedAt,omitempty"`
	DailyPnlUSD       float64           `json:"dailyPnlUsd"`
	DailyPnlPct       float64           `json:"dailyPnlPct"`
	ActivePositions   int               `json:"activePositions"`
	TradesCount       int               `json:"tradesCount"`
	WinsCount         int               `json:"winsCount"`
	LossesCount       int               `json:"lossesCount"`
	ConsecutiveLosses int               `json:"consecutiveLosses"`
	DayStartedAt      time.Time         `json:"dayStartedAt"`
	DayStartEquityUSD float64           `json:"dayStartEquityUsd"`
	CurrentRegime     string            `json:"currentRegime,omitempty"`
	SelectedStrategy  string            `json:"selectedStrategy,omitempty"`
	Config            AutoTradingConfig `json:"config"`
	Version           int               `json:"version"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// Trade outcomes
const (
	OutcomeWin  = "win"
	OutcomeLoss = "loss"
	OutcomeOpen = "open"
)

// Execution sources
const (
	SourceConditional = "conditional"
	SourceRule        = "rule"
	SourceBot         = "bot"
	SourceAutoTrade   = "autotrade"
	SourceProtection  = "protection"
)

// TradeExecution is an immutable record of a fill
type TradeExecution struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price"`
	Strategy   string    `json:"strategy"`
	Outcome    string    `json:"outcome"`
	Pnl        float64   `json:"pnl"`
	Source     string    `json:"source"`
	SourceID   string    `json:"sourceId,omitempty"`
	OrderID    int64     `json:"orderId"`
	Regime     string    `json:"regime,omitempty"`
	ExecutedAt time.Time `json:"executedAt"`
}

// Position is the running holding of a symbol for a user
type Position struct {
	UserID        string    `json:"userId"`
	Symbol        string    `json:"symbol"`
	Quantity      float64   `json:"quantity"`
	AvgEntryPrice float64   `json:"avgEntryPrice"`
	Strategy      string    `json:"strategy"`
	Regime        string    `json:"regime,omitempty"`
	Source        string    `json:"source"`
	OpenedAt      time.Time `json:"openedAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// ManagedOrderRole identifies why the engine tracks an order
type ManagedOrderRole string

const (
	RoleEntry        ManagedOrderRole = "entry"
	RoleStopLoss     ManagedOrderRole = "stop_loss"
	RoleTakeProfit   ManagedOrderRole = "take_profit"
	RoleOCO          ManagedOrderRole = "oco"
	RoleTrailingStop ManagedOrderRole = "trailing_stop"
)

// ManagedOrderStatus is the engine's view of a tracked order
type ManagedOrderStatus string

const (
	ManagedOpen      ManagedOrderStatus = "open"
	ManagedFilled    ManagedOrderStatus = "filled"
	ManagedCancelled ManagedOrderStatus = "cancelled"
	ManagedFailed    ManagedOrderStatus = "failed"
)

// ManagedOrder is a resting exchange order or an engine-side trailing stop
// that must be checked every tick
type ManagedOrder struct {
	ID              string             `json:"id"`
	UserID          string             `json:"userId"`
	Symbol          string             `json:"symbol"`
	Role            ManagedOrderRole   `json:"role"`
	Side            string             `json:"side"`
	Quantity        float64            `json:"quantity"`
	FilledQty       float64            `json:"filledQty,omitempty"`
	Price           float64            `json:"price"`
	StopPrice       float64            `json:"stopPrice,omitempty"`
	TrailPct        float64            `json:"trailPct,omitempty"`
	TrailDollar     float64            `json:"trailDollar,omitempty"`
	HighWater       float64            `json:"highWater,omitempty"`
	ExchangeOrderID int64              `json:"exchangeOrderId,omitempty"`
	StopOrderID     int64              `json:"stopOrderId,omitempty"`
	ListID          int64              `json:"listId,omitempty"`
	Status          ManagedOrderStatus `json:"status"`
	Source          string             `json:"source"`
	SourceID        string             `json:"sourceId"`
	Strategy        string             `json:"strategy"`
	Protection      *Protection        `json:"protection,omitempty"`
	LastError       string             `json:"lastError,omitempty"`
	ExpiresAt       *time.Time         `json:"expiresAt,omitempty"`
	CreatedAt       time.Time          `json:"createdAt"`
	UpdatedAt       time.Time          `json:"updatedAt"`
}

// StrategyStats aggregates closed trade outcomes per strategy and regime
type StrategyStats struct {
	Strategy string  `json:"strategy"`
	Regime   string  `json:"regime"`
	Trades   int     `json:"trades"`
	Wins     int     `json:"wins"`
	Losses   int     `json:"losses"`
	TotalPnl float64 `json:"totalPnl"`
}

// WinRate returns wins / closed trades
func (s StrategyStats) WinRate() float64 {
	if s.Trades == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Trades)
}
