package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"autotrader/internal/market"
)

const testnetBaseURL = "https://testnet.binance.vision"

// SpotClientConfig holds connection settings for a SpotClient
type SpotClientConfig struct {
	APIKey         string
	SecretKey      string
	BaseURL        string
	TestNet        bool
	RequestTimeout time.Duration
	RequestsPerSec float64
	RequestBurst   int
}

// SpotClient implements Exchange against the Binance spot REST API
type SpotClient struct {
	client  *gobinance.Client
	limiter *rate.Limiter
	timeout time.Duration
	logger  zerolog.Logger

	rulesMu sync.RWMutex
	rules   map[string]*SymbolRules
}

// NewSpotClient creates a spot client. Empty keys give a market-data-only client.
func NewSpotClient(cfg SpotClientConfig, logger zerolog.Logger) *SpotClient {
	c := gobinance.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.TestNet {
		c.BaseURL = testnetBaseURL
	} else if cfg.BaseURL != "" {
		c.BaseURL = cfg.BaseURL
	}
	c.HTTPClient = &http.Client{Timeout: cfg.RequestTimeout + 2*time.Second}

	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.RequestBurst
	if burst <= 0 {
		burst = 1
	}

	return &SpotClient{
		client:  c,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		timeout: cfg.RequestTimeout,
		logger:  logger.With().Str("component", "binance-spot").Logger(),
		rules:   make(map[string]*SymbolRules),
	}
}

// call waits for the rate limiter and bounds the request with the client timeout
func (c *SpotClient) call(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}
	if c.timeout <= 0 {
		ctx, cancel := context.WithCancel(ctx)
		return ctx, cancel, nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	return ctx, cancel, nil
}

// GetPrices returns last price and 24h change for the symbols
func (c *SpotClient) GetPrices(ctx context.Context, symbols []string) ([]market.Ticker, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	callCtx, cancel, err := c.call(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	stats, err := c.client.NewListPriceChangeStatsService().Symbols(symbols).Do(callCtx)
	if err != nil {
		return nil, classify(err, false)
	}

	out := make([]market.Ticker, 0, len(stats))
	for _, s := range stats {
		out = append(out, market.Ticker{
			Symbol:    s.Symbol,
			Price:     parseFloat(s.LastPrice),
			Change24h: parseFloat(s.PriceChangePercent),
		})
	}
	return out, nil
}

// GetKlines returns closed candles ordered oldest first. The still-open
// candle reported by the exchange is dropped.
func (c *SpotClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	callCtx, cancel, err := c.call(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	klines, err := c.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit + 1).Do(callCtx)
	if err != nil {
		return nil, classify(err, false)
	}

	nowMs := time.Now().UnixMilli()
	out := make([]market.Candle, 0, len(klines))
	for _, k := range klines {
		if k.CloseTime > nowMs {
			continue
		}
		out = append(out, market.Candle{
			Symbol:    symbol,
			Timeframe: interval,
			OpenTime:  time.UnixMilli(k.OpenTime).UTC(),
			Open:      parseFloat(k.Open),
			High:      parseFloat(k.High),
			Low:       parseFloat(k.Low),
			Close:     parseFloat(k.Close),
			Volume:    parseFloat(k.Volume),
		})
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// GetSymbolRules returns the lot size and price filters for symbol, cached per process
func (c *SpotClient) GetSymbolRules(ctx context.Context, symbol string) (*SymbolRules, error) {
	c.rulesMu.RLock()
	r, ok := c.rules[symbol]
	c.rulesMu.RUnlock()
	if ok {
		return r, nil
	}

	callCtx, cancel, err := c.call(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	info, err := c.client.NewExchangeInfoService().Symbol(symbol).Do(callCtx)
	if err != nil {
		return nil, classify(err, false)
	}

	rules := DefaultSymbolRules(symbol)
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		if lot := s.LotSizeFilter(); lot != nil {
			rules.StepSize = parseDecimal(lot.StepSize)
			rules.MinQuantity = parseDecimal(lot.MinQuantity)
		}
		if pf := s.PriceFilter(); pf != nil {
			rules.TickSize = parseDecimal(pf.TickSize)
		}
	}

	c.rulesMu.Lock()
	c.rules[symbol] = rules
	c.rulesMu.Unlock()
	return rules, nil
}

// PlaceOrder submits a new order. A timeout yields ErrUnknownOutcome.
func (c *SpotClient) PlaceOrder(ctx context.Context, spec OrderSpec) (*OrderResult, error) {
	rules, err := c.GetSymbolRules(ctx, spec.Symbol)
	if err != nil {
		return nil, err
	}

	svc := c.client.NewCreateOrderService().
		Symbol(spec.Symbol).
		Side(gobinance.SideType(spec.Side)).
		Type(gobinance.OrderType(spec.Type)).
		NewOrderRespType(gobinance.NewOrderRespTypeFULL)

	if spec.Type == OrderTypeMarket && spec.Side == SideBuy && spec.QuoteQuantity > 0 {
		svc = svc.QuoteOrderQty(strconv.FormatFloat(spec.QuoteQuantity, 'f', 2, 64))
	} else {
		qty := rules.RoundQuantity(spec.Quantity)
		if err := rules.CheckOrder(qty, spec.Price); err != nil {
			return nil, &ExchangeError{Code: -1013, Message: err.Error()}
		}
		svc = svc.Quantity(qty.String())
	}

	if spec.Type != OrderTypeMarket {
		svc = svc.TimeInForce(gobinance.TimeInForceTypeGTC).Price(rules.RoundPrice(spec.Price).String())
	}
	if spec.StopPrice > 0 {
		svc = svc.StopPrice(rules.RoundPrice(spec.StopPrice).String())
	}

	callCtx, cancel, err := c.call(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	resp, err := svc.Do(callCtx)
	if err != nil {
		c.logger.Warn().Err(err).Str("symbol", spec.Symbol).Str("side", string(spec.Side)).Msg("Order placement failed")
		return nil, classify(err, true)
	}

	return &OrderResult{
		OrderID:     resp.OrderID,
		Symbol:      resp.Symbol,
		Side:        Side(resp.Side),
		Type:        OrderType(resp.Type),
		Status:      OrderStatus(resp.Status),
		Price:       parseFloat(resp.Price),
		OrigQty:     parseFloat(resp.OrigQuantity),
		ExecutedQty: parseFloat(resp.ExecutedQuantity),
		QuoteQty:    parseFloat(resp.CummulativeQuoteQuantity),
		Time:        time.UnixMilli(resp.TransactTime).UTC(),
	}, nil
}

// PlaceOCO submits a take-profit/stop-loss exit pair
func (c *SpotClient) PlaceOCO(ctx context.Context, spec OCOSpec) (*OCOResult, error) {
	rules, err := c.GetSymbolRules(ctx, spec.Symbol)
	if err != nil {
		return nil, err
	}
	qty := rules.RoundQuantity(spec.Quantity)
	if err := rules.CheckOrder(qty, spec.StopLimitPrice); err != nil {
		return nil, &ExchangeError{Code: -1013, Message: err.Error()}
	}

	callCtx, cancel, err := c.call(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	resp, err := c.client.NewCreateOCOService().
		Symbol(spec.Symbol).
		Side(gobinance.SideType(spec.Side)).
		Quantity(qty.String()).
		Price(rules.RoundPrice(spec.LimitPrice).String()).
		StopPrice(rules.RoundPrice(spec.StopPrice).String()).
		StopLimitPrice(rules.RoundPrice(spec.StopLimitPrice).String()).
		StopLimitTimeInForce(gobinance.TimeInForceTypeGTC).
		Do(callCtx)
	if err != nil {
		return nil, classify(err, true)
	}

	out := &OCOResult{ListID: resp.OrderListID}
	for _, r := range resp.OrderReports {
		if OrderType(r.Type) == OrderTypeStopLossLimit {
			out.StopOrderID = r.OrderID
		} else {
			out.LimitOrderID = r.OrderID
		}
	}
	return out, nil
}

// CancelOrder cancels an open order. A false result with nil error means the
// order was already in a final state.
func (c *SpotClient) CancelOrder(ctx context.Context, symbol string, orderID int64) (bool, error) {
	callCtx, cancel, err := c.call(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()

	_, err = c.client.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(callCtx)
	if err != nil {
		cerr := classify(err, true)
		var exErr *ExchangeError
		// -2011: unknown order / already filled or cancelled
		if errors.As(cerr, &exErr) && exErr.Code == -2011 {
			return false, nil
		}
		return false, cerr
	}
	return true, nil
}

// GetOrder returns the current state of an order
func (c *SpotClient) GetOrder(ctx context.Context, symbol string, orderID int64) (*OrderResult, error) {
	callCtx, cancel, err := c.call(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	o, err := c.client.NewGetOrderService().Symbol(symbol).OrderID(orderID).Do(callCtx)
	if err != nil {
		cerr := classify(err, false)
		var exErr *ExchangeError
		if errors.As(cerr, &exErr) && exErr.Code == -2013 {
			return nil, ErrOrderNotFound
		}
		return nil, cerr
	}
	return convertOrder(o), nil
}

// ListOrders returns orders for symbol created at or after since
func (c *SpotClient) ListOrders(ctx context.Context, symbol string, since time.Time) ([]OrderResult, error) {
	callCtx, cancel, err := c.call(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	orders, err := c.client.NewListOrdersService().Symbol(symbol).StartTime(since.UnixMilli()).Do(callCtx)
	if err != nil {
		return nil, classify(err, false)
	}

	out := make([]OrderResult, 0, len(orders))
	for _, o := range orders {
		out = append(out, *convertOrder(o))
	}
	return out, nil
}

// GetBalance returns the free balance of asset
func (c *SpotClient) GetBalance(ctx context.Context, asset string) (float64, error) {
	callCtx, cancel, err := c.call(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()

	account, err := c.client.NewGetAccountService().Do(callCtx)
	if err != nil {
		return 0, classify(err, false)
	}
	for _, b := range account.Balances {
		if b.Asset == asset {
			return parseFloat(b.Free), nil
		}
	}
	return 0, nil
}

func convertOrder(o *gobinance.Order) *OrderResult {
	res := &OrderResult{
		OrderID:     o.OrderID,
		Symbol:      o.Symbol,
		Side:        Side(o.Side),
		Type:        OrderType(o.Type),
		Status:      OrderStatus(o.Status),
		Price:       parseFloat(o.Price),
		StopPrice:   parseFloat(o.StopPrice),
		OrigQty:     parseFloat(o.OrigQuantity),
		ExecutedQty: parseFloat(o.ExecutedQuantity),
		QuoteQty:    parseFloat(o.CummulativeQuoteQuantity),
		Time:        time.UnixMilli(o.Time).UTC(),
	}
	// orders outside a list report -1
	if o.OrderListId > 0 {
		res.ListID = o.OrderListId
	}
	return res
}

func (c *SpotClient) String() string {
	return fmt.Sprintf("binance-spot(%s)", c.client.BaseURL)
}

var _ Exchange = (*SpotClient)(nil)
