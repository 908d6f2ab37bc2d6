package execution

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"autotrader/internal/binance"
	"autotrader/internal/database"
	"autotrader/internal/events"
	"autotrader/internal/risk"
)

// SyncManaged brings every open managed order of the session's user up to
// date: resting entries are checked for fills and expiry, filled exits cancel
// their siblings and trailing stops follow the tick price.
func (e *Executor) SyncManaged(ctx context.Context, sess *Session) error {
	open, err := e.store.ListOpenManagedOrders(ctx, sess.UserID)
	if err != nil {
		return fmt.Errorf("list managed orders: %w", err)
	}

	for _, mo := range open {
		if mo.Status != database.ManagedOpen {
			// closed earlier in this pass as a sibling
			continue
		}
		log := sess.Logger.With().
			Str("managed_id", mo.ID).
			Str("symbol", mo.Symbol).
			Str("role", string(mo.Role)).
			Logger()

		var err error
		switch mo.Role {
		case database.RoleEntry:
			err = e.syncEntry(ctx, sess, mo, log)
		case database.RoleStopLoss, database.RoleTakeProfit:
			err = e.syncExit(ctx, sess, mo, open, log)
		case database.RoleOCO:
			err = e.syncOCO(ctx, sess, mo, open, log)
		case database.RoleTrailingStop:
			err = e.syncTrailing(ctx, sess, mo, open, log)
		}
		if err != nil {
			log.Warn().Err(err).Msg("Managed order sync failed")
		}
	}
	return nil
}

func (e *Executor) getOrder(ctx context.Context, ex binance.Exchange, symbol string, id int64) (*binance.OrderResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
	defer cancel()
	return ex.GetOrder(callCtx, symbol, id)
}

func fillPrice(o *binance.OrderResult) float64 {
	if p := o.AvgPrice(); p > 0 {
		return p
	}
	return o.Price
}

func (e *Executor) syncEntry(ctx context.Context, sess *Session, mo *database.ManagedOrder, log zerolog.Logger) error {
	order, err := e.getOrder(ctx, sess.Exchange, mo.Symbol, mo.ExchangeOrderID)
	if errors.Is(err, binance.ErrOrderNotFound) {
		mo.LastError = "order no longer known to the exchange"
		return e.closeManaged(ctx, sess, mo, database.ManagedFailed)
	}
	if err != nil {
		return err
	}

	if delta := order.ExecutedQty - mo.FilledQty; delta > 0 {
		if _, err := e.ledger.Record(ctx, sess, Fill{
			Symbol:   mo.Symbol,
			Side:     mo.Side,
			Quantity: delta,
			Price:    fillPrice(order),
			OrderID:  order.OrderID,
			Source:   mo.Source,
			SourceID: mo.SourceID,
			Strategy: mo.Strategy,
			Regime:   sess.Regime(),
			At:       sess.Now,
		}); err != nil {
			log.Error().Err(err).Msg("Failed to record entry fill")
		}
		mo.FilledQty = order.ExecutedQty
	}

	switch {
	case order.Status == binance.StatusFilled:
		log.Info().Float64("quantity", order.ExecutedQty).Msg("Resting entry filled")
		if err := e.closeManaged(ctx, sess, mo, database.ManagedFilled); err != nil {
			return err
		}
		e.protectEntry(ctx, sess, mo, fillPrice(order))
		return nil

	case order.Status.IsFinal():
		if err := e.closeManaged(ctx, sess, mo, database.ManagedCancelled); err != nil {
			return err
		}
		e.protectEntry(ctx, sess, mo, fillPrice(order))
		return nil

	case mo.ExpiresAt != nil && !sess.Now.Before(*mo.ExpiresAt):
		if _, err := e.cancel(ctx, sess.Exchange, mo.Symbol, mo.ExchangeOrderID); err != nil {
			return fmt.Errorf("cancel expired entry: %w", err)
		}
		log.Info().Msg("Resting entry expired")
		mo.LastError = "limit order expired"
		if err := e.closeManaged(ctx, sess, mo, database.ManagedCancelled); err != nil {
			return err
		}
		e.protectEntry(ctx, sess, mo, fillPrice(order))
		return nil
	}

	return e.store.UpdateManagedOrder(ctx, mo)
}

// protectEntry attaches the exits of a closed buy entry for whatever filled
func (e *Executor) protectEntry(ctx context.Context, sess *Session, mo *database.ManagedOrder, price float64) {
	if mo.Side != database.SideBuy || mo.FilledQty <= 0 || mo.Protection.IsEmpty() {
		return
	}
	status, _ := e.AttachProtection(ctx, sess, ProtectionTarget{
		Symbol:     mo.Symbol,
		Quantity:   mo.FilledQty,
		EntryPrice: price,
		Protection: *mo.Protection,
		Source:     mo.Source,
		SourceID:   mo.SourceID,
		Strategy:   mo.Strategy,
	})
	if mo.Source == database.SourceConditional {
		e.setConditionalProtection(ctx, sess.UserID, mo.SourceID, status)
	}
}

func (e *Executor) setConditionalProtection(ctx context.Context, userID, id string, status database.ProtectionStatus) {
	for attempt := 0; attempt < stateSaveAttempts; attempt++ {
		o, err := e.store.GetConditionalOrder(ctx, userID, id)
		if err != nil {
			e.logger.Warn().Err(err).Str("conditional_id", id).Msg("Failed to load conditional order")
			return
		}
		o.ProtectionStatus = status
		err = e.store.UpdateConditionalOrder(ctx, o)
		if !errors.Is(err, database.ErrConflict) {
			if err != nil {
				e.logger.Warn().Err(err).Str("conditional_id", id).Msg("Failed to update protection status")
			}
			return
		}
	}
}

func (e *Executor) syncExit(ctx context.Context, sess *Session, mo *database.ManagedOrder, open []*database.ManagedOrder, log zerolog.Logger) error {
	order, err := e.getOrder(ctx, sess.Exchange, mo.Symbol, mo.ExchangeOrderID)
	if errors.Is(err, binance.ErrOrderNotFound) {
		mo.LastError = "order no longer known to the exchange"
		return e.closeManaged(ctx, sess, mo, database.ManagedFailed)
	}
	if err != nil {
		return err
	}

	switch {
	case order.Status == binance.StatusFilled:
		log.Info().Float64("price", fillPrice(order)).Msg("Protective exit filled")
		e.recordExit(ctx, sess, mo, order)
		e.cancelSiblings(ctx, sess, mo, open)
		return e.closeManaged(ctx, sess, mo, database.ManagedFilled)
	case order.Status.IsFinal():
		return e.closeManaged(ctx, sess, mo, database.ManagedCancelled)
	}
	return nil
}

func (e *Executor) syncOCO(ctx context.Context, sess *Session, mo *database.ManagedOrder, open []*database.ManagedOrder, log zerolog.Logger) error {
	cancelled := 0
	for _, id := range []int64{mo.ExchangeOrderID, mo.StopOrderID} {
		order, err := e.getOrder(ctx, sess.Exchange, mo.Symbol, id)
		if err != nil {
			return err
		}
		if order.Status == binance.StatusFilled {
			log.Info().Int64("order_id", id).Float64("price", fillPrice(order)).Msg("OCO leg filled")
			e.recordExit(ctx, sess, mo, order)
			e.cancelSiblings(ctx, sess, mo, open)
			return e.closeManaged(ctx, sess, mo, database.ManagedFilled)
		}
		if order.Status.IsFinal() {
			cancelled++
		}
	}
	if cancelled == 2 {
		return e.closeManaged(ctx, sess, mo, database.ManagedCancelled)
	}
	return nil
}

func (e *Executor) syncTrailing(ctx context.Context, sess *Session, mo *database.ManagedOrder, open []*database.ManagedOrder, log zerolog.Logger) error {
	price, err := sess.Price(mo.Symbol)
	if err != nil {
		return nil
	}

	ts := risk.TrailingStop{
		TrailPct:      mo.TrailPct,
		TrailDollar:   mo.TrailDollar,
		HighWaterMark: mo.HighWater,
		StopPrice:     mo.StopPrice,
	}
	u := ts.Update(price)
	if u == nil {
		return nil
	}

	if !u.IsTriggered {
		mo.HighWater = ts.HighWaterMark
		mo.StopPrice = ts.StopPrice
		log.Debug().Float64("stop", u.NewStopLoss).Float64("previous", u.OldStopLoss).Msg("Trailing stop raised")
		return e.store.UpdateManagedOrder(ctx, mo)
	}

	log.Info().Float64("price", price).Float64("stop", mo.StopPrice).Msg("Trailing stop triggered")
	e.cancelSiblings(ctx, sess, mo, open)

	qty := mo.Quantity
	if free, err := sess.Exchange.GetBalance(ctx, binance.BaseAsset(mo.Symbol, quoteAsset(mo.Symbol))); err == nil {
		qty = math.Min(qty, free)
	}
	rules, err := sess.Exchange.GetSymbolRules(ctx, mo.Symbol)
	if err != nil {
		return fmt.Errorf("symbol rules: %w", err)
	}
	q := rules.RoundQuantity(qty)
	if !q.IsPositive() {
		mo.LastError = "nothing left to sell"
		return e.closeManaged(ctx, sess, mo, database.ManagedCancelled)
	}

	order, err := e.place(ctx, sess, binance.OrderSpec{
		Symbol:   mo.Symbol,
		Side:     binance.SideSell,
		Type:     binance.OrderTypeMarket,
		Quantity: q.InexactFloat64(),
	})
	if err != nil {
		mo.LastError = err.Error()
		if uerr := e.store.UpdateManagedOrder(ctx, mo); uerr != nil {
			log.Warn().Err(uerr).Msg("Failed to save trailing stop error")
		}
		return fmt.Errorf("trailing stop sell: %w", err)
	}
	e.recordExit(ctx, sess, mo, order)
	return e.closeManaged(ctx, sess, mo, database.ManagedFilled)
}

func (e *Executor) recordExit(ctx context.Context, sess *Session, mo *database.ManagedOrder, order *binance.OrderResult) {
	if _, err := e.ledger.Record(ctx, sess, Fill{
		Symbol:   mo.Symbol,
		Side:     database.SideSell,
		Quantity: order.ExecutedQty,
		Price:    fillPrice(order),
		OrderID:  order.OrderID,
		Source:   database.SourceProtection,
		SourceID: mo.SourceID,
		Strategy: mo.Strategy,
		Regime:   sess.Regime(),
		At:       sess.Now,
	}); err != nil {
		e.logger.Error().Err(err).Str("managed_id", mo.ID).Msg("Failed to record exit fill")
	}
}

// cancelSiblings closes the other exits protecting the same entry
func (e *Executor) cancelSiblings(ctx context.Context, sess *Session, mo *database.ManagedOrder, open []*database.ManagedOrder) {
	for _, other := range open {
		if other.ID == mo.ID || other.Status != database.ManagedOpen || other.Role == database.RoleEntry ||
			other.Symbol != mo.Symbol || other.SourceID != mo.SourceID || other.Source != mo.Source {
			continue
		}
		if other.ExchangeOrderID != 0 {
			if _, err := e.cancel(ctx, sess.Exchange, other.Symbol, other.ExchangeOrderID); err != nil {
				e.logger.Warn().Err(err).Str("managed_id", other.ID).Msg("Failed to cancel sibling exit")
				continue
			}
		}
		if err := e.closeManaged(ctx, sess, other, database.ManagedCancelled); err != nil {
			e.logger.Warn().Err(err).Str("managed_id", other.ID).Msg("Failed to close sibling exit")
		}
	}
}

func (e *Executor) cancel(ctx context.Context, ex binance.Exchange, symbol string, id int64) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
	defer cancel()
	return ex.CancelOrder(callCtx, symbol, id)
}

// CancelManaged cancels every open managed order created by source/sourceID.
// Exits protecting an already filled entry are left in place.
func (e *Executor) CancelManaged(ctx context.Context, sess *Session, source, sourceID string) error {
	open, err := e.store.ListOpenManagedOrders(ctx, sess.UserID)
	if err != nil {
		return err
	}
	for _, mo := range open {
		if mo.Source != source || mo.SourceID != sourceID || mo.Role != database.RoleEntry {
			continue
		}
		if _, err := e.cancel(ctx, sess.Exchange, mo.Symbol, mo.ExchangeOrderID); err != nil {
			return fmt.Errorf("cancel order %d: %w", mo.ExchangeOrderID, err)
		}
		if err := e.closeManaged(ctx, sess, mo, database.ManagedCancelled); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) closeManaged(ctx context.Context, sess *Session, mo *database.ManagedOrder, status database.ManagedOrderStatus) error {
	mo.Status = status
	if err := e.store.UpdateManagedOrder(ctx, mo); err != nil {
		return fmt.Errorf("update managed order: %w", err)
	}
	severity := events.SeverityInfo
	if status == database.ManagedFailed {
		severity = events.SeverityWarning
	}
	e.publisher.Publish(events.Event{
		Type:     events.EventManagedOrderUpdated,
		UserID:   sess.UserID,
		Severity: severity,
		Message:  fmt.Sprintf("%s %s order on %s %s", mo.Role, mo.Side, mo.Symbol, status),
		Data: map[string]interface{}{
			"id":       mo.ID,
			"symbol":   mo.Symbol,
			"role":     mo.Role,
			"status":   status,
			"source":   mo.Source,
			"sourceId": mo.SourceID,
		},
	})
	return nil
}
