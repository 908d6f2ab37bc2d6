package binance

import (
	"context"
	"strings"
	"time"

	"autotrader/internal/market"
)

// Side of an order
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType supported by the engine
type OrderType string

const (
	OrderTypeMarket          OrderType = "MARKET"
	OrderTypeLimit           OrderType = "LIMIT"
	OrderTypeStopLossLimit   OrderType = "STOP_LOSS_LIMIT"
	OrderTypeTakeProfitLimit OrderType = "TAKE_PROFIT_LIMIT"
	OrderTypeLimitMaker      OrderType = "LIMIT_MAKER"
)

// OrderStatus as reported by the exchange
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// IsFinal reports whether no further fills can happen
func (s OrderStatus) IsFinal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// OrderSpec describes an order to place. For market buys QuoteQuantity may be
// set instead of Quantity.
type OrderSpec struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      float64
	QuoteQuantity float64
	Price         float64
	StopPrice     float64
}

// OCOSpec describes a one-cancels-other exit pair
type OCOSpec struct {
	Symbol         string
	Side           Side
	Quantity       float64
	LimitPrice     float64 // take-profit leg
	StopPrice      float64
	StopLimitPrice float64
}

// OrderResult is the exchange's view of a single order
type OrderResult struct {
	OrderID     int64       `json:"orderId"`
	ListID      int64       `json:"listId,omitempty"`
	Symbol      string      `json:"symbol"`
	Side        Side        `json:"side"`
	Type        OrderType   `json:"type"`
	Status      OrderStatus `json:"status"`
	Price       float64     `json:"price"`
	StopPrice   float64     `json:"stopPrice,omitempty"`
	OrigQty     float64     `json:"origQty"`
	ExecutedQty float64     `json:"executedQty"`
	QuoteQty    float64     `json:"quoteQty"`
	Time        time.Time   `json:"time"`
}

// AvgPrice returns the average fill price, or zero when nothing filled
func (o *OrderResult) AvgPrice() float64 {
	if o.ExecutedQty <= 0 {
		return 0
	}
	return o.QuoteQty / o.ExecutedQty
}

// OCOResult identifies both legs of a placed OCO
type OCOResult struct {
	ListID       int64 `json:"listId"`
	LimitOrderID int64 `json:"limitOrderId"`
	StopOrderID  int64 `json:"stopOrderId"`
}

// MarketData is the public, key-less part of the exchange API
type MarketData interface {
	GetPrices(ctx context.Context, symbols []string) ([]market.Ticker, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error)
	GetSymbolRules(ctx context.Context, symbol string) (*SymbolRules, error)
}

// Exchange is the full per-user exchange client
type Exchange interface {
	MarketData
	PlaceOrder(ctx context.Context, spec OrderSpec) (*OrderResult, error)
	PlaceOCO(ctx context.Context, spec OCOSpec) (*OCOResult, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) (bool, error)
	GetOrder(ctx context.Context, symbol string, orderID int64) (*OrderResult, error)
	ListOrders(ctx context.Context, symbol string, since time.Time) ([]OrderResult, error)
	GetBalance(ctx context.Context, asset string) (float64, error)
}

// BaseAsset strips the quote asset suffix from a symbol
func BaseAsset(symbol, quote string) string {
	return strings.TrimSuffix(symbol, quote)
}
