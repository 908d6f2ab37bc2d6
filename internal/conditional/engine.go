package conditional

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"autotrader/config"
	"autotrader/internal/database"
	"autotrader/internal/events"
	"autotrader/internal/execution"
)

// ErrNotCancellable is returned when cancelling an order that already reached a final state
var ErrNotCancellable = errors.New("conditional order can no longer be cancelled")

const (
	strategyName = "conditional"
	saveAttempts = 3
)

// Engine drives conditional orders through their lifecycle:
// active -> triggered -> executed | failed, with cancel and expiry on the side
type Engine struct {
	cfg       config.ExecutionConfig
	store     database.Store
	exec      *execution.Executor
	publisher events.Publisher
	logger    zerolog.Logger
}

// NewEngine creates a conditional order engine
func NewEngine(cfg config.ExecutionConfig, store database.Store, exec *execution.Executor, publisher events.Publisher, logger zerolog.Logger) *Engine {
	if publisher == nil {
		publisher = events.Discard{}
	}
	if cfg.ConditionalMaxRetries <= 0 {
		cfg.ConditionalMaxRetries = 4
	}
	return &Engine{
		cfg:       cfg,
		store:     store,
		exec:      exec,
		publisher: publisher,
		logger:    logger.With().Str("component", "conditional").Logger(),
	}
}

// Create validates o and stores it as active for userID
func (e *Engine) Create(ctx context.Context, userID string, o *database.ConditionalOrder, now time.Time) error {
	if err := Validate(o, now); err != nil {
		return err
	}
	if o.Action.OrderType == "" {
		o.Action.OrderType = database.OrderTypeMarket
	}
	o.ID = uuid.NewString()
	o.UserID = userID
	o.Status = database.ConditionalActive
	o.ProtectionStatus = database.ProtectionNone
	o.RetryCount = 0
	o.TriggeredAt, o.ExecutedAt, o.NextRetryAt = nil, nil, nil
	o.LastError, o.FailureReason, o.EntryOrderID = "", "", 0
	o.LastPrice = nil

	if err := e.store.CreateConditionalOrder(ctx, o); err != nil {
		return fmt.Errorf("create conditional order: %w", err)
	}
	e.logger.Info().
		Str("user_id", userID).
		Str("conditional_id", o.ID).
		Str("symbol", o.Symbol).
		Str("condition", string(o.Condition)).
		Float64("trigger_price", o.TriggerPrice).
		Msg("Conditional order created")
	return nil
}

// Cancel moves an active or triggered order to cancelled. An execution
// already in flight still completes; its result is then discarded.
func (e *Engine) Cancel(ctx context.Context, userID, id string) (*database.ConditionalOrder, error) {
	for attempt := 0; attempt < saveAttempts; attempt++ {
		o, err := e.store.GetConditionalOrder(ctx, userID, id)
		if err != nil {
			return nil, err
		}
		if !database.CanTransition(o.Status, database.ConditionalCancelled) {
			return o, fmt.Errorf("%w: order is %s", ErrNotCancellable, o.Status)
		}
		o.Status = database.ConditionalCancelled
		o.NextRetryAt = nil
		err = e.store.UpdateConditionalOrder(ctx, o)
		if errors.Is(err, database.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		e.publish(o, events.EventConditionalCancelled, events.SeverityInfo,
			fmt.Sprintf("Conditional order on %s cancelled", o.Symbol), nil)
		return o, nil
	}
	return nil, fmt.Errorf("cancel conditional order %s: %w", id, database.ErrConflict)
}

// Evaluate processes the session user's live conditional orders against the
// tick snapshot
func (e *Engine) Evaluate(ctx context.Context, sess *execution.Session) error {
	if sess.Snapshot == nil {
		return nil
	}
	orders, err := e.store.ListConditionalOrders(ctx, sess.UserID, database.ConditionalActive, database.ConditionalTriggered)
	if err != nil {
		return fmt.Errorf("list conditional orders: %w", err)
	}

	for _, o := range orders {
		if err := ctx.Err(); err != nil {
			return err
		}
		log := sess.Logger.With().
			Str("conditional_id", o.ID).
			Str("symbol", o.Symbol).
			Logger()

		switch o.Status {
		case database.ConditionalActive:
			e.evaluateActive(ctx, sess, o, log)
		case database.ConditionalTriggered:
			if o.NextRetryAt != nil && sess.Now.Before(*o.NextRetryAt) {
				continue
			}
			e.execute(ctx, sess, o, log)
		}
	}
	return nil
}

func (e *Engine) evaluateActive(ctx context.Context, sess *execution.Session, o *database.ConditionalOrder, log zerolog.Logger) {
	if o.ExpiresAt != nil && !sess.Now.Before(*o.ExpiresAt) {
		o.Status = database.ConditionalExpired
		if err := e.store.UpdateConditionalOrder(ctx, o); err != nil {
			log.Debug().Err(err).Msg("Expiry not applied")
			return
		}
		log.Info().Msg("Conditional order expired")
		e.publish(o, events.EventConditionalExpired, events.SeverityInfo,
			fmt.Sprintf("Conditional order on %s expired", o.Symbol), nil)
		return
	}

	price, ok := sess.Snapshot.Price(o.Symbol)
	if !ok {
		return
	}
	var prev float64
	havePrev := o.LastPrice != nil
	if havePrev {
		prev = *o.LastPrice
	}
	fired := Fires(o.Condition, o.TriggerPrice, price, prev, havePrev)
	if isCross(o.Condition) {
		o.LastPrice = &price
	}
	if !fired {
		if isCross(o.Condition) && (!havePrev || prev != price) {
			if err := e.store.UpdateConditionalOrder(ctx, o); err != nil {
				log.Debug().Err(err).Msg("Observed price not saved")
			}
		}
		return
	}

	now := sess.Now
	o.Status = database.ConditionalTriggered
	o.TriggeredAt = &now
	if err := e.store.UpdateConditionalOrder(ctx, o); err != nil {
		// lost the race against a cancel; the order is no longer ours to execute
		log.Debug().Err(err).Msg("Trigger not applied")
		return
	}

	log.Info().Float64("price", price).Float64("trigger_price", o.TriggerPrice).Msg("Conditional order triggered")
	e.publish(o, events.EventConditionalTriggered, events.SeverityInfo,
		fmt.Sprintf("%s %s %.8g (price %.8g)", o.Symbol, o.Condition, o.TriggerPrice, price),
		map[string]interface{}{"price": price})

	e.execute(ctx, sess, o, log)
}

// execute places the order's action and applies the outcome
func (e *Engine) execute(ctx context.Context, sess *execution.Session, o *database.ConditionalOrder, log zerolog.Logger) {
	a := o.Action
	req := execution.OrderRequest{
		Source:     database.SourceConditional,
		SourceID:   o.ID,
		Strategy:   strategyName,
		Symbol:     o.Symbol,
		Side:       a.Side,
		OrderType:  a.OrderType,
		AmountType: a.AmountType,
		Amount:     a.Amount,
		LimitPrice: a.LimitPrice,
		Protection: a.Protection,
	}
	if o.RetryCount > 0 && o.TriggeredAt != nil {
		since := o.TriggeredAt.Add(-e.cfg.ReconcileLookback)
		req.ReconcileSince = &since
	}

	res, execErr := e.exec.Execute(ctx, sess, req)
	if errors.Is(execErr, execution.ErrEntriesPaused) {
		log.Debug().Msg("Entries paused, conditional order stays triggered")
		return
	}
	placed := res != nil && res.Order != nil

	for attempt := 0; attempt < saveAttempts; attempt++ {
		cur, err := e.store.GetConditionalOrder(ctx, o.UserID, o.ID)
		if err != nil {
			log.Error().Err(err).Msg("Failed to reload conditional order")
			return
		}
		if cur.Status == database.ConditionalCancelled {
			e.discard(ctx, sess, cur, res, log)
			return
		}
		if cur.Status != database.ConditionalTriggered {
			return
		}

		var evt events.EventType
		switch {
		case placed:
			evt = e.markExecuted(cur, res, execErr, sess.Now)
		case execution.IsPermanent(execErr):
			evt = e.markFailed(cur, execErr.Error())
		default:
			cur.RetryCount++
			cur.LastError = execErr.Error()
			if cur.RetryCount >= e.cfg.ConditionalMaxRetries {
				evt = e.markFailed(cur, fmt.Sprintf("gave up after %d attempts: %v", cur.RetryCount, execErr))
			} else {
				next := sess.Now.Add(e.retryDelay(cur.RetryCount))
				cur.NextRetryAt = &next
			}
		}

		err = e.store.UpdateConditionalOrder(ctx, cur)
		if errors.Is(err, database.ErrConflict) {
			continue
		}
		if err != nil {
			log.Error().Err(err).Msg("Failed to save conditional order outcome")
			return
		}
		e.announce(cur, evt, res, execErr, log)
		return
	}
	log.Error().Msg("Conditional order outcome not saved after repeated conflicts")
}

func (e *Engine) markExecuted(o *database.ConditionalOrder, res *execution.Result, execErr error, now time.Time) events.EventType {
	o.Status = database.ConditionalExecuted
	o.ExecutedAt = &now
	o.NextRetryAt = nil
	o.EntryOrderID = res.Order.OrderID
	o.ProtectionStatus = res.ProtectionStatus
	if execErr != nil {
		o.LastError = execErr.Error()
	}
	return events.EventConditionalExecuted
}

func (e *Engine) markFailed(o *database.ConditionalOrder, reason string) events.EventType {
	o.Status = database.ConditionalFailed
	o.FailureReason = reason
	o.NextRetryAt = nil
	return events.EventConditionalFailed
}

func (e *Engine) announce(o *database.ConditionalOrder, evt events.EventType, res *execution.Result, execErr error, log zerolog.Logger) {
	switch evt {
	case events.EventConditionalExecuted:
		data := map[string]interface{}{
			"orderId":          o.EntryOrderID,
			"protectionStatus": o.ProtectionStatus,
		}
		if res.Quantity > 0 {
			data["quantity"] = res.Quantity
			data["price"] = res.Price
		}
		log.Info().Int64("order_id", o.EntryOrderID).Str("protection", string(o.ProtectionStatus)).Msg("Conditional order executed")
		e.publish(o, evt, events.SeverityInfo, fmt.Sprintf("Conditional %s on %s executed", o.Action.Side, o.Symbol), data)
	case events.EventConditionalFailed:
		log.Warn().Str("reason", o.FailureReason).Msg("Conditional order failed")
		e.publish(o, evt, events.SeverityCritical, fmt.Sprintf("Conditional order on %s failed: %s", o.Symbol, o.FailureReason),
			map[string]interface{}{"retryCount": o.RetryCount})
	default:
		log.Warn().Err(execErr).Int("retry", o.RetryCount).Time("next_retry_at", *o.NextRetryAt).Msg("Conditional order execution failed, will retry")
	}
}

// discard handles a result that arrived after the user cancelled. The fill
// stays booked; a resting entry is pulled from the exchange.
func (e *Engine) discard(ctx context.Context, sess *execution.Session, o *database.ConditionalOrder, res *execution.Result, log zerolog.Logger) {
	if res == nil || res.Order == nil {
		return
	}
	if res.Managed != nil {
		if err := e.exec.CancelManaged(ctx, sess, database.SourceConditional, o.ID); err != nil {
			log.Warn().Err(err).Msg("Failed to cancel resting entry of cancelled order")
		}
	}
	log.Warn().Int64("order_id", res.Order.OrderID).Float64("filled", res.Quantity).Msg("Execution finished after cancel, result discarded")
	e.publisher.Publish(events.Event{
		Type:     events.EventResultDiscarded,
		UserID:   o.UserID,
		Severity: events.SeverityWarning,
		Message:  fmt.Sprintf("Conditional order on %s was cancelled while its order executed", o.Symbol),
		Data: map[string]interface{}{
			"conditionalId": o.ID,
			"orderId":       res.Order.OrderID,
			"filled":        res.Quantity,
			"price":         res.Price,
		},
	})
}

// retryDelay returns the wait before retry n (1-based) on an exponential
// schedule capped at ConditionalRetryMax
func (e *Engine) retryDelay(n int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.ConditionalRetryBase
	b.MaxInterval = e.cfg.ConditionalRetryMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.InitialInterval
	for i := 0; i < n; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (e *Engine) publish(o *database.ConditionalOrder, t events.EventType, sev events.Severity, msg string, data map[string]interface{}) {
	if data == nil {
		data = make(map[string]interface{})
	}
	data["conditionalId"] = o.ID
	data["symbol"] = o.Symbol
	data["status"] = o.Status
	e.publisher.Publish(events.Event{Type: t, UserID: o.UserID, Severity: sev, Message: msg, Data: data})
}
