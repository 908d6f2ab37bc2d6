package binance

import (
	"context"
	"sort"
	"sync"
	"time"

	"autotrader/internal/market"
)

// PaperExchange is an in-memory exchange account used for paper trading and
// tests. Resting orders are matched against the last price set for a symbol.
type PaperExchange struct {
	mu       sync.Mutex
	quote    string
	tickers  map[string]market.Ticker
	klines   map[market.Key][]market.Candle
	rules    map[string]*SymbolRules
	balances map[string]float64
	orders   map[int64]*paperOrder
	lists    map[int64]*paperList
	nextID   int64
	now      func() time.Time
}

type paperOrder struct {
	result   OrderResult
	listID   int64
	reserved float64 // quote for buys, base for sells; zero for OCO legs
}

type paperList struct {
	reserved float64
	legs     []int64
}

// NewPaperExchange creates an account holding quoteFunds of the quote asset
func NewPaperExchange(quoteAsset string, quoteFunds float64) *PaperExchange {
	return &PaperExchange{
		quote:    quoteAsset,
		tickers:  make(map[string]market.Ticker),
		klines:   make(map[market.Key][]market.Candle),
		rules:    make(map[string]*SymbolRules),
		balances: map[string]float64{quoteAsset: quoteFunds},
		orders:   make(map[int64]*paperOrder),
		lists:    make(map[int64]*paperList),
		nextID:   1,
		now:      time.Now,
	}
}

// SetClock overrides the time source
func (p *PaperExchange) SetClock(now func() time.Time) {
	p.mu.Lock()
	p.now = now
	p.mu.Unlock()
}

// SetPrice updates the last price of symbol and matches resting orders against it
func (p *PaperExchange) SetPrice(symbol string, price, change24h float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tickers[symbol] = market.Ticker{Symbol: symbol, Price: price, Change24h: change24h}
	p.matchLocked(symbol, price)
}

// SetTickers applies a batch of prices
func (p *PaperExchange) SetTickers(tickers []market.Ticker) {
	for _, t := range tickers {
		p.SetPrice(t.Symbol, t.Price, t.Change24h)
	}
}

// SetKlines stores the candle history returned for symbol/interval
func (p *PaperExchange) SetKlines(symbol, interval string, candles []market.Candle) {
	p.mu.Lock()
	p.klines[market.Key{Symbol: symbol, Timeframe: interval}] = candles
	p.mu.Unlock()
}

// SetBalance sets the free balance of asset
func (p *PaperExchange) SetBalance(asset string, amount float64) {
	p.mu.Lock()
	p.balances[asset] = amount
	p.mu.Unlock()
}

// SetSymbolRules overrides the filters of symbol
func (p *PaperExchange) SetSymbolRules(rules *SymbolRules) {
	p.mu.Lock()
	p.rules[rules.Symbol] = rules
	p.mu.Unlock()
}

// OpenOrders returns the resting orders for symbol
func (p *PaperExchange) OpenOrders(symbol string) []OrderResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []OrderResult
	for _, id := range p.sortedIDsLocked() {
		o := p.orders[id]
		if o.result.Symbol == symbol && !o.result.Status.IsFinal() {
			out = append(out, o.result)
		}
	}
	return out
}

func (p *PaperExchange) GetPrices(_ context.Context, symbols []string) ([]market.Ticker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]market.Ticker, 0, len(symbols))
	for _, s := range symbols {
		if t, ok := p.tickers[s]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (p *PaperExchange) GetKlines(_ context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	candles := p.klines[market.Key{Symbol: symbol, Timeframe: interval}]
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	out := make([]market.Candle, len(candles))
	copy(out, candles)
	return out, nil
}

func (p *PaperExchange) GetSymbolRules(_ context.Context, symbol string) (*SymbolRules, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.rules[symbol]; ok {
		return r, nil
	}
	return DefaultSymbolRules(symbol), nil
}

func (p *PaperExchange) PlaceOrder(_ context.Context, spec OrderSpec) (*OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.tickers[spec.Symbol]
	if !ok || t.Price <= 0 {
		return nil, &ExchangeError{Code: -1121, Message: "invalid symbol"}
	}
	base := BaseAsset(spec.Symbol, p.quote)

	qty := spec.Quantity
	if spec.Type == OrderTypeMarket && spec.Side == SideBuy && qty <= 0 && spec.QuoteQuantity > 0 {
		qty = spec.QuoteQuantity / t.Price
	}
	if qty <= 0 {
		return nil, &ExchangeError{Code: -1013, Message: "invalid quantity"}
	}

	o := &paperOrder{result: OrderResult{
		OrderID:   p.nextID,
		Symbol:    spec.Symbol,
		Side:      spec.Side,
		Type:      spec.Type,
		Status:    StatusNew,
		Price:     spec.Price,
		StopPrice: spec.StopPrice,
		OrigQty:   qty,
		Time:      p.now(),
	}}

	switch {
	case spec.Type == OrderTypeMarket && spec.Side == SideBuy:
		if p.balances[p.quote] < qty*t.Price {
			return nil, &ExchangeError{Code: -2010, Message: "insufficient balance"}
		}
		p.balances[p.quote] -= qty * t.Price
		p.balances[base] += qty
		p.fillLocked(o, t.Price)
	case spec.Type == OrderTypeMarket && spec.Side == SideSell:
		if p.balances[base] < qty {
			return nil, &ExchangeError{Code: -2010, Message: "insufficient balance"}
		}
		p.balances[base] -= qty
		p.balances[p.quote] += qty * t.Price
		p.fillLocked(o, t.Price)
	case spec.Side == SideBuy:
		cost := qty * spec.Price
		if p.balances[p.quote] < cost {
			return nil, &ExchangeError{Code: -2010, Message: "insufficient balance"}
		}
		p.balances[p.quote] -= cost
		o.reserved = cost
	default:
		if p.balances[base] < qty {
			return nil, &ExchangeError{Code: -2010, Message: "insufficient balance"}
		}
		p.balances[base] -= qty
		o.reserved = qty
	}

	p.orders[o.result.OrderID] = o
	p.nextID++

	if !o.result.Status.IsFinal() {
		p.matchLocked(spec.Symbol, t.Price)
	}
	res := o.result
	return &res, nil
}

func (p *PaperExchange) PlaceOCO(_ context.Context, spec OCOSpec) (*OCOResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.tickers[spec.Symbol]; !ok {
		return nil, &ExchangeError{Code: -1121, Message: "invalid symbol"}
	}
	if spec.Side != SideSell {
		return nil, &ExchangeError{Code: -1106, Message: "only sell OCO supported"}
	}
	base := BaseAsset(spec.Symbol, p.quote)
	if p.balances[base] < spec.Quantity {
		return nil, &ExchangeError{Code: -2010, Message: "insufficient balance"}
	}
	p.balances[base] -= spec.Quantity

	listID := p.nextID
	limitID := p.nextID + 1
	stopID := p.nextID + 2
	p.nextID += 3

	now := p.now()
	p.orders[limitID] = &paperOrder{listID: listID, result: OrderResult{
		OrderID: limitID, ListID: listID, Symbol: spec.Symbol, Side: SideSell, Type: OrderTypeLimitMaker,
		Status: StatusNew, Price: spec.LimitPrice, OrigQty: spec.Quantity, Time: now,
	}}
	p.orders[stopID] = &paperOrder{listID: listID, result: OrderResult{
		OrderID: stopID, ListID: listID, Symbol: spec.Symbol, Side: SideSell, Type: OrderTypeStopLossLimit,
		Status: StatusNew, Price: spec.StopLimitPrice, StopPrice: spec.StopPrice, OrigQty: spec.Quantity, Time: now,
	}}
	p.lists[listID] = &paperList{reserved: spec.Quantity, legs: []int64{limitID, stopID}}

	p.matchLocked(spec.Symbol, p.tickers[spec.Symbol].Price)
	return &OCOResult{ListID: listID, LimitOrderID: limitID, StopOrderID: stopID}, nil
}

func (p *PaperExchange) CancelOrder(_ context.Context, symbol string, orderID int64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok || o.result.Symbol != symbol {
		return false, nil
	}
	if o.result.Status.IsFinal() {
		return false, nil
	}

	if o.listID != 0 {
		list := p.lists[o.listID]
		for _, id := range list.legs {
			p.orders[id].result.Status = StatusCanceled
		}
		p.balances[BaseAsset(symbol, p.quote)] += list.reserved
		list.reserved = 0
		return true, nil
	}

	o.result.Status = StatusCanceled
	p.releaseLocked(o)
	return true, nil
}

func (p *PaperExchange) GetOrder(_ context.Context, symbol string, orderID int64) (*OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok || o.result.Symbol != symbol {
		return nil, ErrOrderNotFound
	}
	res := o.result
	return &res, nil
}

func (p *PaperExchange) ListOrders(_ context.Context, symbol string, since time.Time) ([]OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []OrderResult
	for _, id := range p.sortedIDsLocked() {
		o := p.orders[id]
		if o.result.Symbol == symbol && !o.result.Time.Before(since) {
			out = append(out, o.result)
		}
	}
	return out, nil
}

func (p *PaperExchange) GetBalance(_ context.Context, asset string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[asset], nil
}

func (p *PaperExchange) sortedIDsLocked() []int64 {
	ids := make([]int64, 0, len(p.orders))
	for id := range p.orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// matchLocked fills resting orders whose trigger is satisfied at price
func (p *PaperExchange) matchLocked(symbol string, price float64) {
	base := BaseAsset(symbol, p.quote)
	for _, id := range p.sortedIDsLocked() {
		o := p.orders[id]
		r := &o.result
		if r.Symbol != symbol || r.Status.IsFinal() {
			continue
		}

		var fill bool
		switch r.Type {
		case OrderTypeLimit, OrderTypeLimitMaker:
			if r.Side == SideBuy {
				fill = price <= r.Price
			} else {
				fill = price >= r.Price
			}
		case OrderTypeStopLossLimit:
			fill = price <= r.StopPrice
		case OrderTypeTakeProfitLimit:
			fill = price >= r.StopPrice
		}
		if !fill {
			continue
		}

		fillPrice := r.Price
		if r.Side == SideBuy {
			p.balances[base] += r.OrigQty
			p.balances[p.quote] += o.reserved - r.OrigQty*fillPrice
			o.reserved = 0
		} else {
			p.balances[p.quote] += r.OrigQty * fillPrice
			o.reserved = 0
		}
		p.fillLocked(o, fillPrice)

		if o.listID != 0 {
			list := p.lists[o.listID]
			list.reserved = 0
			for _, legID := range list.legs {
				if legID != id {
					p.orders[legID].result.Status = StatusCanceled
				}
			}
		}
	}
}

func (p *PaperExchange) fillLocked(o *paperOrder, price float64) {
	o.result.Status = StatusFilled
	o.result.ExecutedQty = o.result.OrigQty
	o.result.QuoteQty = o.result.OrigQty * price
	if o.result.Price == 0 {
		o.result.Price = price
	}
}

func (p *PaperExchange) releaseLocked(o *paperOrder) {
	if o.reserved == 0 {
		return
	}
	if o.result.Side == SideBuy {
		p.balances[p.quote] += o.reserved
	} else {
		p.balances[BaseAsset(o.result.Symbol, p.quote)] += o.reserved
	}
	o.reserved = 0
}

var _ Exchange = (*PaperExchange)(nil)
