package bots

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"autotrader/config"
	"autotrader/internal/binance"
	"autotrader/internal/database"
	"autotrader/internal/events"
	"autotrader/internal/execution"
)

const saveAttempts = 3

// Engine runs users' bots once per tick while they are running
type Engine struct {
	cfg       config.ExecutionConfig
	store     database.Store
	exec      *execution.Executor
	publisher events.Publisher
	logger    zerolog.Logger
}

// NewEngine creates a bot engine
func NewEngine(cfg config.ExecutionConfig, store database.Store, exec *execution.Executor, publisher events.Publisher, logger zerolog.Logger) *Engine {
	if publisher == nil {
		publisher = events.Discard{}
	}
	if cfg.BotMaxFailures <= 0 {
		cfg.BotMaxFailures = 3
	}
	return &Engine{
		cfg:       cfg,
		store:     store,
		exec:      exec,
		publisher: publisher,
		logger:    logger.With().Str("component", "bots").Logger(),
	}
}

// Create validates b and stores it stopped for userID
func (e *Engine) Create(ctx context.Context, userID string, b *database.Bot) error {
	if err := Validate(b); err != nil {
		return err
	}
	b.ID = uuid.NewString()
	b.UserID = userID
	b.Status = database.BotStopped
	b.State = database.BotState{}
	b.TotalTrades, b.TotalProfit, b.LastError = 0, 0, ""
	if err := e.store.CreateBot(ctx, b); err != nil {
		return fmt.Errorf("create bot: %w", err)
	}
	e.logger.Info().Str("user_id", userID).Str("bot_id", b.ID).Str("type", string(b.Type())).Msg("Bot created")
	return nil
}

// Start sets the bot running. Starting a paused bot clears its failures.
func (e *Engine) Start(ctx context.Context, userID, id string) (*database.Bot, error) {
	return e.mutate(ctx, userID, id, func(b *database.Bot) error {
		b.Status = database.BotRunning
		b.State.ConsecutiveFailures = 0
		b.State.LastPrices = nil
		b.LastError = ""
		return nil
	})
}

// Stop stops the bot. Its resting orders are cancelled on the next tick.
func (e *Engine) Stop(ctx context.Context, userID, id string) (*database.Bot, error) {
	b, err := e.mutate(ctx, userID, id, func(b *database.Bot) error {
		b.Status = database.BotStopped
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.publish(b, events.EventBotStopped, events.SeverityInfo, fmt.Sprintf("Bot %q stopped", b.Name), nil)
	return b, nil
}

// Delete removes a bot that is not running and has no resting orders left
func (e *Engine) Delete(ctx context.Context, userID, id string) error {
	b, err := e.store.GetBot(ctx, userID, id)
	if err != nil {
		return err
	}
	if b.Status == database.BotRunning {
		return database.Invalid("status", "stop the bot before deleting it")
	}
	if hasRestingOrders(b) {
		return database.Invalid("status", "bot orders are still being cancelled, retry after the next tick")
	}
	return e.store.DeleteBot(ctx, userID, id)
}

func (e *Engine) mutate(ctx context.Context, userID, id string, fn func(b *database.Bot) error) (*database.Bot, error) {
	for attempt := 0; attempt < saveAttempts; attempt++ {
		b, err := e.store.GetBot(ctx, userID, id)
		if err != nil {
			return nil, err
		}
		if err := fn(b); err != nil {
			return nil, err
		}
		err = e.store.UpdateBot(ctx, b)
		if errors.Is(err, database.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, fmt.Errorf("update bot %s: %w", id, database.ErrConflict)
}

// Evaluate runs every running bot of the session user and cleans up the
// resting orders of stopped ones
func (e *Engine) Evaluate(ctx context.Context, sess *execution.Session) error {
	if sess.Snapshot == nil {
		return nil
	}
	bots, err := e.store.ListBots(ctx, sess.UserID)
	if err != nil {
		return fmt.Errorf("list bots: %w", err)
	}

	for _, b := range bots {
		if err := ctx.Err(); err != nil {
			return err
		}
		log := sess.Logger.With().
			Str("bot_id", b.ID).
			Str("bot_type", string(b.Type())).
			Str("symbol", b.Symbol).
			Logger()

		switch {
		case b.Status == database.BotRunning:
			e.run(ctx, sess, b, log)
		case b.Status == database.BotStopped && hasRestingOrders(b):
			if err := e.cancelGrid(ctx, sess, b, log); err != nil {
				log.Warn().Err(err).Msg("Failed to cancel orders of stopped bot")
			}
			if !hasRestingOrders(b) {
				b.State.GridLevels = nil
			}
			e.save(ctx, b, log)
		}
	}
	return nil
}

// run executes one step of b and applies the failure policy
func (e *Engine) run(ctx context.Context, sess *execution.Session, b *database.Bot, log zerolog.Logger) {
	err := e.step(ctx, sess, b, log)
	now := sess.Now
	b.State.LastRunAt = &now

	if err == nil {
		b.State.ConsecutiveFailures = 0
		e.save(ctx, b, log)
		return
	}

	b.State.ConsecutiveFailures++
	b.LastError = err.Error()
	if b.State.ConsecutiveFailures >= e.cfg.BotMaxFailures {
		b.Status = database.BotPaused
		log.Warn().Err(err).Int("failures", b.State.ConsecutiveFailures).Msg("Bot paused after repeated failures")
		e.publish(b, events.EventBotPaused, events.SeverityCritical,
			fmt.Sprintf("Bot %q paused after %d consecutive failures: %v", b.Name, b.State.ConsecutiveFailures, err), nil)
	} else {
		log.Warn().Err(err).Int("failures", b.State.ConsecutiveFailures).Msg("Bot step failed")
		e.publish(b, events.EventBotError, events.SeverityWarning, fmt.Sprintf("Bot %q: %v", b.Name, err), nil)
	}
	e.save(ctx, b, log)
}

// step dispatches on the bot's config variant
func (e *Engine) step(ctx context.Context, sess *execution.Session, b *database.Bot, log zerolog.Logger) error {
	switch cfg := b.Config.(type) {
	case database.GridConfig:
		return e.runGrid(ctx, sess, b, cfg, log)
	case database.DCAConfig:
		return e.runDCA(ctx, sess, b, cfg, log)
	case database.RSIConfig:
		return e.runRSI(ctx, sess, b, cfg, log)
	case database.MACrossoverConfig:
		return e.runMACrossover(ctx, sess, b, cfg, log)
	case database.CustomConfig:
		return e.runCustom(ctx, sess, b, cfg, log)
	case nil:
		return fmt.Errorf("bot has no config")
	default:
		return fmt.Errorf("unsupported bot type %q", cfg.Type())
	}
}

// save persists the bot. On a conflict with a user's status change the
// user's status wins and the run state is carried over.
func (e *Engine) save(ctx context.Context, b *database.Bot, log zerolog.Logger) {
	for attempt := 0; attempt < saveAttempts; attempt++ {
		err := e.store.UpdateBot(ctx, b)
		if err == nil {
			return
		}
		if !errors.Is(err, database.ErrConflict) {
			log.Error().Err(err).Msg("Failed to save bot")
			return
		}
		cur, err := e.store.GetBot(ctx, b.UserID, b.ID)
		if err != nil {
			log.Error().Err(err).Msg("Failed to reload bot")
			return
		}
		if b.Status != database.BotRunning && cur.Status == database.BotRunning {
			cur.Status = b.Status
		}
		cur.State = b.State
		cur.TotalTrades = b.TotalTrades
		cur.TotalProfit = b.TotalProfit
		cur.LastError = b.LastError
		b = cur
	}
	log.Error().Msg("Bot state not saved after repeated conflicts")
}

func strategyFor(b *database.Bot) string {
	return "bot_" + string(b.Type())
}

func (e *Engine) request(b *database.Bot, side, orderType, amountType string, amount float64) execution.OrderRequest {
	return execution.OrderRequest{
		Source:     database.SourceBot,
		SourceID:   b.ID,
		Strategy:   strategyFor(b),
		Symbol:     b.Symbol,
		Side:       side,
		OrderType:  orderType,
		AmountType: amountType,
		Amount:     amount,
	}
}

// buy spends quote on a market buy and adds the fill to the bot position.
// bought is false when entries are paused.
func (e *Engine) buy(ctx context.Context, sess *execution.Session, b *database.Bot, quote float64, log zerolog.Logger) (bool, error) {
	res, err := e.exec.Execute(ctx, sess, e.request(b, database.SideBuy, database.OrderTypeMarket, database.AmountQuote, quote))
	if errors.Is(err, execution.ErrEntriesPaused) {
		log.Debug().Msg("Bot entry skipped, entries are paused")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if res.Quantity <= 0 {
		return false, nil
	}

	st := &b.State
	cost := st.EntryPrice*st.PositionQty + res.Price*res.Quantity
	st.PositionQty += res.Quantity
	st.EntryPrice = cost / st.PositionQty
	st.InPosition = true
	now := sess.Now
	st.LastBuyAt = &now
	b.TotalTrades++
	e.publishTrade(b, database.SideBuy, res.Quantity, res.Price, 0)
	return true, nil
}

// sellAll market-sells the bot position, limited to the free balance
func (e *Engine) sellAll(ctx context.Context, sess *execution.Session, b *database.Bot, log zerolog.Logger) error {
	st := &b.State
	qty := st.PositionQty
	if free, err := sess.Exchange.GetBalance(ctx, execution.BaseAssetOf(b.Symbol)); err == nil {
		qty = math.Min(qty, free)
	}
	if qty <= 0 {
		log.Warn().Float64("position", st.PositionQty).Msg("Bot position no longer held, resetting")
		e.flatten(b, sess.Now)
		return nil
	}

	res, err := e.exec.Execute(ctx, sess, e.request(b, database.SideSell, database.OrderTypeMarket, database.AmountBase, qty))
	if err != nil {
		return err
	}
	profit := (res.Price - st.EntryPrice) * res.Quantity
	b.TotalProfit += profit
	b.TotalTrades++
	e.publishTrade(b, database.SideSell, res.Quantity, res.Price, profit)
	e.flatten(b, sess.Now)
	return nil
}

func (e *Engine) flatten(b *database.Bot, now time.Time) {
	st := &b.State
	st.InPosition = false
	st.PositionQty = 0
	st.EntryPrice = 0
	st.LastExitAt = &now
}

// book records the part of a resting bot order that filled since it was last seen
func (e *Engine) book(ctx context.Context, sess *execution.Session, b *database.Bot, side string, o *binance.OrderResult, booked float64) {
	delta := o.ExecutedQty - booked
	if delta <= 1e-12 {
		return
	}
	price := o.AvgPrice()
	if price <= 0 {
		price = o.Price
	}
	_, err := e.exec.Ledger().Record(ctx, sess, execution.Fill{
		Symbol:   b.Symbol,
		Side:     side,
		Quantity: delta,
		Price:    price,
		OrderID:  o.OrderID,
		Source:   database.SourceBot,
		SourceID: b.ID,
		Strategy: strategyFor(b),
		Regime:   sess.Regime(),
		At:       sess.Now,
	})
	if err != nil {
		e.logger.Error().Err(err).Str("bot_id", b.ID).Int64("order_id", o.OrderID).Msg("Failed to book bot fill")
	}
}

func (e *Engine) getOrder(ctx context.Context, ex binance.Exchange, symbol string, id int64) (*binance.OrderResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
	defer cancel()
	return ex.GetOrder(callCtx, symbol, id)
}

func (e *Engine) cancelOrder(ctx context.Context, ex binance.Exchange, symbol string, id int64) error {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
	defer cancel()
	_, err := ex.CancelOrder(callCtx, symbol, id)
	return err
}

func (e *Engine) publishTrade(b *database.Bot, side string, qty, price, profit float64) {
	data := map[string]interface{}{"side": side, "quantity": qty, "price": price}
	if side == database.SideSell {
		data["profit"] = profit
	}
	e.publish(b, events.EventBotTrade, events.SeverityInfo,
		fmt.Sprintf("Bot %q %s %.8g %s @ %.8g", b.Name, side, qty, b.Symbol, price), data)
}

func (e *Engine) publish(b *database.Bot, t events.EventType, sev events.Severity, msg string, data map[string]interface{}) {
	if data == nil {
		data = make(map[string]interface{})
	}
	data["botId"] = b.ID
	data["botType"] = b.Type()
	data["symbol"] = b.Symbol
	e.publisher.Publish(events.Event{Type: t, UserID: b.UserID, Severity: sev, Message: msg, Data: data})
}
