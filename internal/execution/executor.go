package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"autotrader/config"
	"autotrader/internal/binance"
	"autotrader/internal/database"
	"autotrader/internal/events"
)

// OrderRequest is an order an engine component wants executed
type OrderRequest struct {
	Source     string
	SourceID   string
	Strategy   string
	Symbol     string
	Side       string // database.SideBuy or database.SideSell
	OrderType  string // database.OrderTypeMarket or database.OrderTypeLimit
	AmountType string
	Amount     float64
	LimitPrice *float64
	Protection database.Protection

	// ReconcileSince makes the executor look for an order placed by an
	// earlier attempt before placing a new one
	ReconcileSince *time.Time

	// SelfManaged resting orders are tracked by their caller instead of
	// becoming ManagedOrders
	SelfManaged bool
}

// Result describes what happened to an OrderRequest
type Result struct {
	Order            *binance.OrderResult
	Filled           bool
	Quantity         float64
	Price            float64
	Execution        *database.TradeExecution
	Managed          *database.ManagedOrder
	ProtectionStatus database.ProtectionStatus
}

// Executor places orders with bounded retries and reconciliation, books the
// fills and attaches protective exits to entries
type Executor struct {
	cfg       config.ExecutionConfig
	store     database.Store
	ledger    *Ledger
	publisher events.Publisher
	logger    zerolog.Logger
}

// NewExecutor creates an executor
func NewExecutor(cfg config.ExecutionConfig, store database.Store, ledger *Ledger, publisher events.Publisher, logger zerolog.Logger) *Executor {
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &Executor{
		cfg:       cfg,
		store:     store,
		ledger:    ledger,
		publisher: publisher,
		logger:    logger.With().Str("component", "executor").Logger(),
	}
}

// Ledger returns the ledger fills are booked into
func (e *Executor) Ledger() *Ledger {
	return e.ledger
}

func (e *Executor) backoff(ctx context.Context, attempts int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.RetryInitialInterval
	b.MaxInterval = e.cfg.RetryMaxInterval
	b.MaxElapsedTime = 0
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Execute places req and books the result. Buy orders are refused while the
// session's entries are paused.
func (e *Executor) Execute(ctx context.Context, sess *Session, req OrderRequest) (*Result, error) {
	if req.Side == database.SideBuy && !sess.EntriesAllowed() {
		return nil, ErrEntriesPaused
	}

	spec, err := e.buildSpec(ctx, sess, req)
	if err != nil {
		return nil, err
	}

	log := sess.Logger.With().
		Str("symbol", req.Symbol).
		Str("side", req.Side).
		Str("source", req.Source).
		Str("source_id", req.SourceID).
		Logger()

	var order *binance.OrderResult
	if req.ReconcileSince != nil {
		order, err = e.reconcile(ctx, sess.Exchange, spec, *req.ReconcileSince)
		if err != nil {
			return nil, err
		}
		if order != nil {
			log.Info().Int64("order_id", order.OrderID).Msg("Found order from earlier attempt")
		}
	}
	if order == nil {
		order, err = e.place(ctx, sess, spec)
		if err != nil {
			log.Warn().Err(err).Msg("Order placement failed")
			return nil, err
		}
	}

	res := &Result{Order: order, ProtectionStatus: database.ProtectionNone}
	log.Info().Int64("order_id", order.OrderID).Str("status", string(order.Status)).Msg("Order placed")

	if order.ExecutedQty > 0 {
		res.Filled = order.Status == binance.StatusFilled
		res.Quantity = order.ExecutedQty
		res.Price = order.AvgPrice()
		if res.Price <= 0 {
			res.Price = order.Price
		}
		exec, err := e.ledger.Record(ctx, sess, Fill{
			Symbol:   req.Symbol,
			Side:     req.Side,
			Quantity: res.Quantity,
			Price:    res.Price,
			OrderID:  order.OrderID,
			Source:   req.Source,
			SourceID: req.SourceID,
			Strategy: req.Strategy,
			Regime:   sess.Regime(),
			At:       sess.Now,
		})
		if err != nil {
			log.Error().Err(err).Msg("Failed to record fill")
		}
		res.Execution = exec
	}

	if !order.Status.IsFinal() {
		if req.SelfManaged {
			return res, nil
		}
		mo, err := e.trackEntry(ctx, sess, req, order)
		if err != nil {
			return res, err
		}
		res.Managed = mo
		if req.Side == database.SideBuy && !req.Protection.IsEmpty() {
			res.ProtectionStatus = database.ProtectionPending
		}
		return res, nil
	}

	if req.Side == database.SideBuy && res.Quantity > 0 && !req.Protection.IsEmpty() {
		status, err := e.AttachProtection(ctx, sess, ProtectionTarget{
			Symbol:     req.Symbol,
			Quantity:   res.Quantity,
			EntryPrice: res.Price,
			Protection: req.Protection,
			Source:     req.Source,
			SourceID:   req.SourceID,
			Strategy:   req.Strategy,
		})
		res.ProtectionStatus = status
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

// buildSpec resolves the request amount into an exchange order spec
func (e *Executor) buildSpec(ctx context.Context, sess *Session, req OrderRequest) (binance.OrderSpec, error) {
	spec := binance.OrderSpec{Symbol: req.Symbol}

	switch req.Side {
	case database.SideBuy:
		spec.Side = binance.SideBuy
	case database.SideSell:
		spec.Side = binance.SideSell
	default:
		return spec, fmt.Errorf("%w: side %q", ErrInvalidOrder, req.Side)
	}
	if req.Amount <= 0 || math.IsNaN(req.Amount) {
		return spec, fmt.Errorf("%w: amount must be positive", ErrInvalidOrder)
	}

	price, err := sess.Price(req.Symbol)
	if err != nil {
		return spec, err
	}

	switch req.OrderType {
	case database.OrderTypeMarket, "":
		spec.Type = binance.OrderTypeMarket
	case database.OrderTypeLimit:
		if req.LimitPrice == nil || *req.LimitPrice <= 0 {
			return spec, fmt.Errorf("%w: limit order without limit price", ErrInvalidOrder)
		}
		spec.Type = binance.OrderTypeLimit
		price = *req.LimitPrice
	default:
		return spec, fmt.Errorf("%w: order type %q", ErrInvalidOrder, req.OrderType)
	}

	rules, err := sess.Exchange.GetSymbolRules(ctx, req.Symbol)
	if err != nil {
		return spec, fmt.Errorf("symbol rules: %w", err)
	}

	var quote, base float64
	switch req.AmountType {
	case database.AmountQuote:
		quote = req.Amount
	case database.AmountBase:
		base = req.Amount
	case database.AmountPercent:
		if req.Amount > 100 {
			return spec, fmt.Errorf("%w: percent above 100", ErrInvalidOrder)
		}
		asset := quoteAsset(req.Symbol)
		if spec.Side == binance.SideSell {
			asset = binance.BaseAsset(req.Symbol, asset)
		}
		balance, err := sess.Exchange.GetBalance(ctx, asset)
		if err != nil {
			return spec, fmt.Errorf("balance: %w", err)
		}
		if spec.Side == binance.SideSell {
			base = balance * req.Amount / 100
		} else {
			quote = balance * req.Amount / 100
		}
	default:
		return spec, fmt.Errorf("%w: amount type %q", ErrInvalidOrder, req.AmountType)
	}

	if spec.Type == binance.OrderTypeMarket && spec.Side == binance.SideBuy && quote > 0 {
		spec.QuoteQuantity = math.Floor(quote*100) / 100
		if rules.MinNotional.IsPositive() && decimal.NewFromFloat(spec.QuoteQuantity).LessThan(rules.MinNotional) {
			return spec, fmt.Errorf("%w: order value %.2f below minimum notional %s", ErrInvalidOrder, spec.QuoteQuantity, rules.MinNotional)
		}
		return spec, nil
	}

	if quote > 0 {
		base = quote / price
	}
	qty := rules.RoundQuantity(base)
	if err := rules.CheckOrder(qty, price); err != nil {
		return spec, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	spec.Quantity = qty.InexactFloat64()
	if spec.Type == binance.OrderTypeLimit {
		spec.Price = rules.RoundPrice(price).InexactFloat64()
	}
	return spec, nil
}

// place submits spec with bounded exponential backoff. After a call whose
// outcome is unknown the recent orders are listed and a matching order is
// adopted instead of placing a duplicate.
func (e *Executor) place(ctx context.Context, sess *Session, spec binance.OrderSpec) (*binance.OrderResult, error) {
	started := sess.Now.Add(-e.cfg.ReconcileLookback)
	if wall := time.Now().Add(-e.cfg.ReconcileLookback); wall.Before(started) {
		started = wall
	}

	var result *binance.OrderResult
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
		defer cancel()

		order, err := sess.Exchange.PlaceOrder(callCtx, spec)
		if err == nil {
			result = order
			return nil
		}

		if binance.IsUnknownOutcome(err) {
			found, rerr := e.reconcile(ctx, sess.Exchange, spec, started)
			if rerr == nil && found != nil {
				sess.Logger.Warn().Int64("order_id", found.OrderID).Msg("Adopted order placed by a timed out call")
				result = found
				return nil
			}
			return err
		}
		if binance.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(op, e.backoff(ctx, e.cfg.PlaceAttempts)); err != nil {
		return nil, err
	}
	return result, nil
}

// reconcile looks for an order matching spec created at or after since
func (e *Executor) reconcile(ctx context.Context, ex binance.Exchange, spec binance.OrderSpec, since time.Time) (*binance.OrderResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
	defer cancel()

	orders, err := ex.ListOrders(callCtx, spec.Symbol, since)
	if err != nil {
		return nil, fmt.Errorf("reconcile %s: %w", spec.Symbol, err)
	}
	for i := len(orders) - 1; i >= 0; i-- {
		o := orders[i]
		if o.Side != spec.Side || o.Type != spec.Type || o.Status == binance.StatusRejected {
			continue
		}
		if spec.QuoteQuantity > 0 {
			if closeTo(o.QuoteQty, spec.QuoteQuantity, 0.01) {
				return &o, nil
			}
			continue
		}
		if closeTo(o.OrigQty, spec.Quantity, 1e-6) {
			return &o, nil
		}
	}
	return nil, nil
}

func closeTo(a, b, relTol float64) bool {
	if b == 0 {
		return a == 0
	}
	return math.Abs(a-b)/math.Abs(b) <= relTol
}

// trackEntry records a resting entry order so later ticks can follow it
func (e *Executor) trackEntry(ctx context.Context, sess *Session, req OrderRequest, order *binance.OrderResult) (*database.ManagedOrder, error) {
	mo := &database.ManagedOrder{
		ID:              uuid.NewString(),
		UserID:          sess.UserID,
		Symbol:          req.Symbol,
		Role:            database.RoleEntry,
		Side:            req.Side,
		Quantity:        order.OrigQty,
		FilledQty:       order.ExecutedQty,
		Price:           order.Price,
		ExchangeOrderID: order.OrderID,
		Status:          database.ManagedOpen,
		Source:          req.Source,
		SourceID:        req.SourceID,
		Strategy:        req.Strategy,
	}
	if !req.Protection.IsEmpty() {
		p := req.Protection
		mo.Protection = &p
	}
	if e.cfg.LimitOrderTTL > 0 {
		exp := sess.Now.Add(e.cfg.LimitOrderTTL)
		mo.ExpiresAt = &exp
	}
	if err := e.store.CreateManagedOrder(ctx, mo); err != nil {
		return nil, fmt.Errorf("track order %d: %w", order.OrderID, err)
	}
	return mo, nil
}

// quoteAsset guesses the quote asset from a symbol's suffix
func quoteAsset(symbol string) string {
	for _, q := range []string{"USDT", "FDUSD", "USDC", "BUSD", "BTC", "ETH", "BNB", "EUR", "TRY"} {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return q
		}
	}
	return "USDT"
}

// QuoteAssetOf returns the quote asset of symbol
func QuoteAssetOf(symbol string) string {
	return quoteAsset(symbol)
}

// BaseAssetOf returns the base asset of symbol
func BaseAssetOf(symbol string) string {
	return binance.BaseAsset(symbol, quoteAsset(symbol))
}

// IsRetryable reports whether a failed Execute may be retried on a later tick
func IsRetryable(err error) bool {
	return err != nil && !IsPermanent(err) && !errors.Is(err, ErrProtectionMissing)
}
