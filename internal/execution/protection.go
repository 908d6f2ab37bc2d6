package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"autotrader/internal/binance"
	"autotrader/internal/database"
	"autotrader/internal/events"
	"autotrader/internal/risk"
)

// ProtectionTarget is a filled entry that needs protective exits
type ProtectionTarget struct {
	Symbol     string
	Quantity   float64
	EntryPrice float64
	Protection database.Protection
	Source     string
	SourceID   string
	Strategy   string
}

// AttachProtection places the protective exits of a filled buy entry.
// Stop loss plus take profit becomes an OCO, a single leg becomes a plain
// resting sell, and a trailing stop is tracked by the engine. When every
// attempt fails the entry stays open, a critical partial execution event is
// published and ErrProtectionMissing is returned.
func (e *Executor) AttachProtection(ctx context.Context, sess *Session, t ProtectionTarget) (database.ProtectionStatus, error) {
	p := t.Protection
	if p.IsEmpty() {
		return database.ProtectionNone, nil
	}

	log := sess.Logger.With().Str("symbol", t.Symbol).Str("source", t.Source).Str("source_id", t.SourceID).Logger()

	var legs []*database.ManagedOrder
	op := func() error {
		var err error
		legs, err = e.placeProtection(ctx, sess, t)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) {
			return backoff.Permanent(err)
		}
		log.Warn().Err(err).Msg("Protective order attempt failed")
		return err
	}

	err := backoff.Retry(op, e.backoff(ctx, e.cfg.ProtectionAttempts))
	if err != nil {
		log.Error().Err(err).Float64("quantity", t.Quantity).Msg("Entry filled without protection")
		e.publisher.Publish(events.Event{
			Type:     events.EventPartialExecution,
			UserID:   sess.UserID,
			Severity: events.SeverityCritical,
			Message:  fmt.Sprintf("%s entry of %.8g filled but protective exits could not be placed: %v", t.Symbol, t.Quantity, err),
			Data: map[string]interface{}{
				"symbol":   t.Symbol,
				"quantity": t.Quantity,
				"source":   t.Source,
				"sourceId": t.SourceID,
			},
		})
		return database.ProtectionMissing, fmt.Errorf("%w: %v", ErrProtectionMissing, err)
	}

	for _, mo := range legs {
		if err := e.store.CreateManagedOrder(ctx, mo); err != nil {
			log.Error().Err(err).Str("role", string(mo.Role)).Msg("Failed to track protective order")
		}
	}

	e.publisher.Publish(events.Event{
		Type:    events.EventProtectionAttached,
		UserID:  sess.UserID,
		Message: fmt.Sprintf("Protection attached to %s entry", t.Symbol),
		Data: map[string]interface{}{
			"symbol":   t.Symbol,
			"source":   t.Source,
			"sourceId": t.SourceID,
			"legs":     len(legs),
		},
	})
	return database.ProtectionAttached, nil
}

// placeProtection makes one attempt at placing every exchange leg
func (e *Executor) placeProtection(ctx context.Context, sess *Session, t ProtectionTarget) ([]*database.ManagedOrder, error) {
	rules, err := sess.Exchange.GetSymbolRules(ctx, t.Symbol)
	if err != nil {
		return nil, fmt.Errorf("symbol rules: %w", err)
	}

	qty := t.Quantity
	if free, err := sess.Exchange.GetBalance(ctx, binance.BaseAsset(t.Symbol, quoteAsset(t.Symbol))); err == nil && free > 0 {
		qty = math.Min(qty, free)
	}
	q := rules.RoundQuantity(qty)
	if !q.IsPositive() {
		return nil, fmt.Errorf("%w: protective quantity rounds to zero", ErrInvalidOrder)
	}
	qty = q.InexactFloat64()

	p := t.Protection
	var slPrice, tpPrice float64
	if p.StopLossPct != nil {
		slPrice = rules.RoundPrice(risk.StopLossPrice(t.EntryPrice, *p.StopLossPct)).InexactFloat64()
	}
	if p.TakeProfitPct != nil {
		tpPrice = rules.RoundPrice(risk.TakeProfitPrice(t.EntryPrice, *p.TakeProfitPct)).InexactFloat64()
	}
	stopLimit := rules.RoundPrice(slPrice * (1 - e.cfg.StopLimitOffsetPercent/100)).InexactFloat64()

	leg := func(role database.ManagedOrderRole) *database.ManagedOrder {
		return &database.ManagedOrder{
			ID:       uuid.NewString(),
			UserID:   sess.UserID,
			Symbol:   t.Symbol,
			Role:     role,
			Side:     database.SideSell,
			Quantity: qty,
			Status:   database.ManagedOpen,
			Source:   t.Source,
			SourceID: t.SourceID,
			Strategy: t.Strategy,
		}
	}

	trailing := p.TrailingStopPct != nil || p.TrailingStopDollar != nil
	var legs []*database.ManagedOrder

	switch {
	case trailing:
		var pct, dollar float64
		if p.TrailingStopPct != nil {
			pct = *p.TrailingStopPct
		}
		if p.TrailingStopDollar != nil {
			dollar = *p.TrailingStopDollar
		}
		ts := risk.NewTrailingStop(t.EntryPrice, pct, dollar)
		mo := leg(database.RoleTrailingStop)
		mo.TrailPct = pct
		mo.TrailDollar = dollar
		mo.HighWater = ts.HighWaterMark
		mo.StopPrice = math.Max(ts.StopPrice, slPrice)
		legs = append(legs, mo)

		if tpPrice > 0 {
			order, err := e.placeLeg(ctx, sess, binance.OrderSpec{
				Symbol: t.Symbol, Side: binance.SideSell, Type: binance.OrderTypeLimit, Quantity: qty, Price: tpPrice,
			})
			if err != nil {
				return nil, err
			}
			tp := leg(database.RoleTakeProfit)
			tp.Price = tpPrice
			tp.ExchangeOrderID = order.OrderID
			legs = append(legs, tp)
		}

	case slPrice > 0 && tpPrice > 0:
		oco, err := e.placeOCO(ctx, sess, binance.OCOSpec{
			Symbol:         t.Symbol,
			Side:           binance.SideSell,
			Quantity:       qty,
			LimitPrice:     tpPrice,
			StopPrice:      slPrice,
			StopLimitPrice: stopLimit,
		})
		if err != nil {
			return nil, err
		}
		mo := leg(database.RoleOCO)
		mo.Price = tpPrice
		mo.StopPrice = slPrice
		mo.ExchangeOrderID = oco.LimitOrderID
		mo.StopOrderID = oco.StopOrderID
		mo.ListID = oco.ListID
		legs = append(legs, mo)

	case slPrice > 0:
		order, err := e.placeLeg(ctx, sess, binance.OrderSpec{
			Symbol: t.Symbol, Side: binance.SideSell, Type: binance.OrderTypeStopLossLimit,
			Quantity: qty, Price: stopLimit, StopPrice: slPrice,
		})
		if err != nil {
			return nil, err
		}
		mo := leg(database.RoleStopLoss)
		mo.Price = stopLimit
		mo.StopPrice = slPrice
		mo.ExchangeOrderID = order.OrderID
		legs = append(legs, mo)

	case tpPrice > 0:
		order, err := e.placeLeg(ctx, sess, binance.OrderSpec{
			Symbol: t.Symbol, Side: binance.SideSell, Type: binance.OrderTypeLimit, Quantity: qty, Price: tpPrice,
		})
		if err != nil {
			return nil, err
		}
		mo := leg(database.RoleTakeProfit)
		mo.Price = tpPrice
		mo.ExchangeOrderID = order.OrderID
		legs = append(legs, mo)
	}

	return legs, nil
}

// placeLeg places one resting exit, adopting an order a timed out call created
func (e *Executor) placeLeg(ctx context.Context, sess *Session, spec binance.OrderSpec) (*binance.OrderResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
	defer cancel()

	order, err := sess.Exchange.PlaceOrder(callCtx, spec)
	if err != nil && binance.IsUnknownOutcome(err) {
		found, rerr := e.reconcile(ctx, sess.Exchange, spec, sess.Now.Add(-e.cfg.ReconcileLookback))
		if rerr == nil && found != nil {
			return found, nil
		}
	}
	return order, err
}

// placeOCO places an exit pair. When the call's outcome is unknown the
// symbol's recent orders are searched for a pair the call already created,
// so a retry never stacks a second OCO on the same quantity.
func (e *Executor) placeOCO(ctx context.Context, sess *Session, spec binance.OCOSpec) (*binance.OCOResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
	defer cancel()

	oco, err := sess.Exchange.PlaceOCO(callCtx, spec)
	if err != nil && binance.IsUnknownOutcome(err) {
		found, rerr := e.reconcileOCO(ctx, sess.Exchange, spec, sess.Now.Add(-e.cfg.ReconcileLookback))
		if rerr != nil {
			sess.Logger.Warn().Err(rerr).Str("symbol", spec.Symbol).Msg("OCO reconciliation failed")
		}
		if found != nil {
			sess.Logger.Info().Str("symbol", spec.Symbol).Int64("list_id", found.ListID).Msg("Adopted OCO placed by a timed out call")
			return found, nil
		}
	}
	return oco, err
}

// reconcileOCO finds the newest live order list on the symbol whose legs
// match spec
func (e *Executor) reconcileOCO(ctx context.Context, ex binance.Exchange, spec binance.OCOSpec, since time.Time) (*binance.OCOResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
	defer cancel()

	orders, err := ex.ListOrders(callCtx, spec.Symbol, since)
	if err != nil {
		return nil, fmt.Errorf("reconcile oco %s: %w", spec.Symbol, err)
	}

	lists := make(map[int64]*binance.OCOResult)
	var listIDs []int64
	for _, o := range orders {
		if o.ListID <= 0 || o.Side != spec.Side || o.Status.IsFinal() || !closeTo(o.OrigQty, spec.Quantity, 1e-6) {
			continue
		}
		res, ok := lists[o.ListID]
		if !ok {
			res = &binance.OCOResult{ListID: o.ListID}
			lists[o.ListID] = res
			listIDs = append(listIDs, o.ListID)
		}
		switch {
		case o.Type == binance.OrderTypeLimitMaker && closeTo(o.Price, spec.LimitPrice, 1e-6):
			res.LimitOrderID = o.OrderID
		case o.Type == binance.OrderTypeStopLossLimit && closeTo(o.StopPrice, spec.StopPrice, 1e-6):
			res.StopOrderID = o.OrderID
		}
	}
	for i := len(listIDs) - 1; i >= 0; i-- {
		if res := lists[listIDs[i]]; res.LimitOrderID != 0 && res.StopOrderID != 0 {
			return res, nil
		}
	}
	return nil, nil
}
