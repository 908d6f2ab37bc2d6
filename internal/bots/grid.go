package bots

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"autotrader/internal/binance"
	"autotrader/internal/database"
	"autotrader/internal/events"
	"autotrader/internal/execution"
)

// gridLevels returns the GridCount+1 ladder prices from LowerPrice to UpperPrice
func gridLevels(cfg database.GridConfig) []database.GridLevel {
	step := (cfg.UpperPrice - cfg.LowerPrice) / float64(cfg.GridCount)
	levels := make([]database.GridLevel, cfg.GridCount+1)
	for i := range levels {
		levels[i].Price = cfg.LowerPrice + float64(i)*step
	}
	return levels
}

func hasRestingOrders(b *database.Bot) bool {
	for _, l := range b.State.GridLevels {
		if l.BuyOrderID != 0 || l.SellOrderID != 0 {
			return true
		}
	}
	return false
}

// runGrid keeps a buy resting on every empty level below the price and a
// sell one level above every level holding inventory
func (e *Engine) runGrid(ctx context.Context, sess *execution.Session, b *database.Bot, cfg database.GridConfig, log zerolog.Logger) error {
	price, err := sess.Price(b.Symbol)
	if err != nil {
		return nil
	}

	switch {
	case cfg.StopLossPrice != nil && price <= *cfg.StopLossPrice:
		return e.exitGrid(ctx, sess, b, fmt.Sprintf("stop loss %.8g reached", *cfg.StopLossPrice), log)
	case cfg.TakeProfitPrice != nil && price >= *cfg.TakeProfitPrice:
		return e.exitGrid(ctx, sess, b, fmt.Sprintf("take profit %.8g reached", *cfg.TakeProfitPrice), log)
	}

	if len(b.State.GridLevels) == 0 {
		b.State.GridLevels = gridLevels(cfg)
		log.Info().Int("levels", len(b.State.GridLevels)).Msg("Grid initialized")
	}
	levels := b.State.GridLevels

	for i := range levels {
		if err := e.syncLevel(ctx, sess, b, &levels[i], log); err != nil {
			return err
		}
	}

	perLevel := cfg.InvestmentAmount / float64(cfg.GridCount)
	for i := range levels {
		l := &levels[i]
		if l.Holding > 0 && l.SellOrderID == 0 && i+1 < len(levels) {
			if err := e.placeLevel(ctx, sess, b, l, database.SideSell, l.Holding, levels[i+1].Price); err != nil {
				return fmt.Errorf("grid sell at %.8g: %w", levels[i+1].Price, err)
			}
		}
	}
	for i := 0; i < len(levels)-1; i++ {
		l := &levels[i]
		if l.Holding > 0 || l.BuyOrderID != 0 || l.SellOrderID != 0 || l.Price >= price {
			continue
		}
		err := e.placeLevel(ctx, sess, b, l, database.SideBuy, perLevel/l.Price, l.Price)
		if errors.Is(err, execution.ErrEntriesPaused) {
			log.Debug().Msg("Grid buys skipped, entries are paused")
			break
		}
		if err != nil {
			return fmt.Errorf("grid buy at %.8g: %w", l.Price, err)
		}
	}
	return nil
}

// placeLevel rests a limit order for level l
func (e *Engine) placeLevel(ctx context.Context, sess *execution.Session, b *database.Bot, l *database.GridLevel, side string, qty, price float64) error {
	req := e.request(b, side, database.OrderTypeLimit, database.AmountBase, qty)
	req.LimitPrice = &price
	req.SelfManaged = true

	res, err := e.exec.Execute(ctx, sess, req)
	if err != nil {
		return err
	}
	if side == database.SideBuy {
		l.BuyOrderID = res.Order.OrderID
	} else {
		l.SellOrderID = res.Order.OrderID
	}
	// fills at placement were booked by the executor
	l.Booked = res.Order.ExecutedQty
	return nil
}

// syncLevel books new fills of the level's resting order and moves the level
// along when the order completed
func (e *Engine) syncLevel(ctx context.Context, sess *execution.Session, b *database.Bot, l *database.GridLevel, log zerolog.Logger) error {
	switch {
	case l.BuyOrderID != 0:
		o, err := e.getOrder(ctx, sess.Exchange, b.Symbol, l.BuyOrderID)
		if errors.Is(err, binance.ErrOrderNotFound) {
			log.Warn().Int64("order_id", l.BuyOrderID).Msg("Grid buy order vanished")
			l.BuyOrderID, l.Booked = 0, 0
			return nil
		}
		if err != nil {
			return fmt.Errorf("get grid order: %w", err)
		}
		e.book(ctx, sess, b, database.SideBuy, o, l.Booked)
		l.Booked = o.ExecutedQty
		if !o.Status.IsFinal() {
			return nil
		}
		if o.ExecutedQty > 0 {
			e.addHolding(l, o)
			b.TotalTrades++
			e.publishTrade(b, database.SideBuy, o.ExecutedQty, fillPrice(o), 0)
		}
		l.BuyOrderID, l.Booked = 0, 0

	case l.SellOrderID != 0:
		o, err := e.getOrder(ctx, sess.Exchange, b.Symbol, l.SellOrderID)
		if errors.Is(err, binance.ErrOrderNotFound) {
			log.Warn().Int64("order_id", l.SellOrderID).Msg("Grid sell order vanished")
			l.SellOrderID, l.Booked = 0, 0
			return nil
		}
		if err != nil {
			return fmt.Errorf("get grid order: %w", err)
		}
		e.book(ctx, sess, b, database.SideSell, o, l.Booked)
		l.Booked = o.ExecutedQty
		if !o.Status.IsFinal() {
			return nil
		}
		if o.ExecutedQty > 0 {
			profit := e.reduceHolding(b, l, o)
			b.TotalTrades++
			e.publishTrade(b, database.SideSell, o.ExecutedQty, fillPrice(o), profit)
		}
		l.SellOrderID, l.Booked = 0, 0
	}
	return nil
}

func fillPrice(o *binance.OrderResult) float64 {
	if p := o.AvgPrice(); p > 0 {
		return p
	}
	return o.Price
}

func (e *Engine) addHolding(l *database.GridLevel, o *binance.OrderResult) {
	cost := l.BuyPrice*l.Holding + fillPrice(o)*o.ExecutedQty
	l.Holding += o.ExecutedQty
	l.BuyPrice = cost / l.Holding
}

// reduceHolding removes the sold quantity from l and returns the realized profit
func (e *Engine) reduceHolding(b *database.Bot, l *database.GridLevel, o *binance.OrderResult) float64 {
	profit := (fillPrice(o) - l.BuyPrice) * o.ExecutedQty
	b.TotalProfit += profit
	l.Holding = math.Max(0, l.Holding-o.ExecutedQty)
	if l.Holding < 1e-12 {
		l.Holding, l.BuyPrice = 0, 0
	}
	return profit
}

// cancelGrid cancels every resting order of the grid and books what they
// filled. Levels whose cancel failed keep their order id.
func (e *Engine) cancelGrid(ctx context.Context, sess *execution.Session, b *database.Bot, log zerolog.Logger) error {
	var firstErr error
	levels := b.State.GridLevels
	for i := range levels {
		l := &levels[i]
		side, id := database.SideBuy, l.BuyOrderID
		if id == 0 {
			side, id = database.SideSell, l.SellOrderID
		}
		if id == 0 {
			continue
		}

		if err := e.cancelOrder(ctx, sess.Exchange, b.Symbol, id); err != nil && !errors.Is(err, binance.ErrOrderNotFound) {
			log.Warn().Err(err).Int64("order_id", id).Msg("Failed to cancel grid order")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		o, err := e.getOrder(ctx, sess.Exchange, b.Symbol, id)
		if err == nil {
			e.book(ctx, sess, b, side, o, l.Booked)
			if o.ExecutedQty > 0 {
				if side == database.SideBuy {
					e.addHolding(l, o)
				} else {
					e.reduceHolding(b, l, o)
				}
				b.TotalTrades++
			}
		} else if !errors.Is(err, binance.ErrOrderNotFound) {
			log.Warn().Err(err).Int64("order_id", id).Msg("Failed to read cancelled grid order")
		}
		l.BuyOrderID, l.SellOrderID, l.Booked = 0, 0, 0
	}
	return firstErr
}

// exitGrid closes the grid: resting orders are cancelled, the inventory is
// sold at market and the bot stops
func (e *Engine) exitGrid(ctx context.Context, sess *execution.Session, b *database.Bot, reason string, log zerolog.Logger) error {
	log.Info().Str("reason", reason).Msg("Closing grid")
	if err := e.cancelGrid(ctx, sess, b, log); err != nil {
		return fmt.Errorf("close grid: %w", err)
	}

	var qty, cost float64
	for _, l := range b.State.GridLevels {
		qty += l.Holding
		cost += l.Holding * l.BuyPrice
	}
	if free, err := sess.Exchange.GetBalance(ctx, execution.BaseAssetOf(b.Symbol)); err == nil {
		qty = math.Min(qty, free)
	}
	if qty > 0 {
		res, err := e.exec.Execute(ctx, sess, e.request(b, database.SideSell, database.OrderTypeMarket, database.AmountBase, qty))
		if err != nil && !errors.Is(err, execution.ErrInvalidOrder) {
			return fmt.Errorf("close grid: %w", err)
		}
		if err == nil && res.Quantity > 0 {
			profit := res.Quantity * (res.Price - cost/qty)
			b.TotalProfit += profit
			b.TotalTrades++
			e.publishTrade(b, database.SideSell, res.Quantity, res.Price, profit)
		} else if err != nil {
			// dust below the exchange minimum stays in the account
			log.Warn().Err(err).Float64("quantity", qty).Msg("Grid inventory not sold")
		}
	}

	b.State.GridLevels = nil
	b.Status = database.BotStopped
	e.publish(b, events.EventBotStopped, events.SeverityInfo, fmt.Sprintf("Grid bot %q closed: %s", b.Name, reason), nil)
	return nil
}
