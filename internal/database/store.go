package database

import (
	"context"
	"errors"
	"time"

	"autotrader/internal/market"
)

var (
	// ErrNotFound is returned when a record does not exist for the user
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a versioned update lost a race with another writer
	ErrConflict = errors.New("record was modified concurrently")

	// ErrUserBusy is returned when another worker already holds the user's lock
	ErrUserBusy = errors.New("user evaluation already in progress")
)

// Watchlist lists what the tick loop must fetch for active automation
type Watchlist struct {
	Symbols []string
	Keys    []market.Key
}

// Store is the durable persistence contract of the engine. Updates of
// versioned entities succeed only when the stored version matches the
// caller's copy and return ErrConflict otherwise.
type Store interface {
	LockUser(ctx context.Context, userID string) (func(), error)
	ListAutomationUsers(ctx context.Context) ([]string, error)
	Watchlist(ctx context.Context) (*Watchlist, error)

	CreateConditionalOrder(ctx context.Context, o *ConditionalOrder) error
	GetConditionalOrder(ctx context.Context, userID, id string) (*ConditionalOrder, error)
	ListConditionalOrders(ctx context.Context, userID string, statuses ...ConditionalStatus) ([]*ConditionalOrder, error)
	UpdateConditionalOrder(ctx context.Context, o *ConditionalOrder) error

	CreateRule(ctx context.Context, r *TradingRule) error
	GetRule(ctx context.Context, userID, id string) (*TradingRule, error)
	ListRules(ctx context.Context, userID string) ([]*TradingRule, error)
	UpdateRule(ctx context.Context, r *TradingRule) error
	DeleteRule(ctx context.Context, userID, id string) error

	CreateBot(ctx context.Context, b *Bot) error
	GetBot(ctx context.Context, userID, id string) (*Bot, error)
	ListBots(ctx context.Context, userID string) ([]*Bot, error)
	UpdateBot(ctx context.Context, b *Bot) error
	DeleteBot(ctx context.Context, userID, id string) error

	GetAutoTradingState(ctx context.Context, userID string) (*AutoTradingState, error)
	SaveAutoTradingState(ctx context.Context, s *AutoTradingState) error

	AppendTradeExecution(ctx context.Context, e *TradeExecution) error
	ListTradeExecutions(ctx context.Context, userID string, limit int) ([]*TradeExecution, error)
	GetStrategyStats(ctx context.Context, userID string, since time.Time) ([]StrategyStats, error)

	GetPosition(ctx context.Context, userID, symbol string) (*Position, error)
	SavePosition(ctx context.Context, p *Position) error
	ListPositions(ctx context.Context, userID string) ([]*Position, error)

	CreateManagedOrder(ctx context.Context, o *ManagedOrder) error
	UpdateManagedOrder(ctx context.Context, o *ManagedOrder) error
	ListOpenManagedOrders(ctx context.Context, userID string) ([]*ManagedOrder, error)
}
