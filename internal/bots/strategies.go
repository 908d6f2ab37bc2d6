package bots

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"autotrader/internal/database"
	"autotrader/internal/events"
	"autotrader/internal/execution"
	"autotrader/internal/market"
	"autotrader/internal/rules"
)

func (e *Engine) runDCA(ctx context.Context, sess *execution.Session, b *database.Bot, cfg database.DCAConfig, log zerolog.Logger) error {
	st := &b.State
	if cfg.MaxBuys > 0 && st.BuyCount >= cfg.MaxBuys {
		e.complete(b, log)
		return nil
	}
	if st.LastBuyAt != nil && sess.Now.Before(st.LastBuyAt.Add(cfg.IntervalDuration())) {
		return nil
	}

	bought, err := e.buy(ctx, sess, b, cfg.AmountPerBuy, log)
	if err != nil || !bought {
		return err
	}
	st.BuyCount++
	log.Info().Int("buy", st.BuyCount).Msg("DCA buy placed")
	if cfg.MaxBuys > 0 && st.BuyCount >= cfg.MaxBuys {
		e.complete(b, log)
	}
	return nil
}

// complete stops a bot that finished its schedule
func (e *Engine) complete(b *database.Bot, log zerolog.Logger) {
	b.Status = database.BotStopped
	log.Info().Int("buys", b.State.BuyCount).Msg("Bot finished its schedule")
	e.publish(b, events.EventBotStopped, events.SeverityInfo,
		fmt.Sprintf("Bot %q completed %d buys", b.Name, b.State.BuyCount), nil)
}

// indicator returns a field of the fresh indicator set for the bot symbol
func indicator(snap *market.Snapshot, symbol, timeframe, field string) (float64, bool) {
	if timeframe == "" {
		timeframe = snap.BaseTimeframe
	}
	set, ok := snap.Indicator(symbol, timeframe)
	if !ok {
		return 0, false
	}
	return set.Field(field)
}

func (e *Engine) runRSI(ctx context.Context, sess *execution.Session, b *database.Bot, cfg database.RSIConfig, log zerolog.Logger) error {
	rsi, ok := indicator(sess.Snapshot, b.Symbol, cfg.Timeframe, market.IndicatorRSI)
	if !ok {
		return nil
	}
	st := &b.State

	if !st.InPosition {
		if cfg.CooldownMinutes > 0 && st.LastExitAt != nil &&
			sess.Now.Before(st.LastExitAt.Add(time.Duration(cfg.CooldownMinutes)*time.Minute)) {
			return nil
		}
		if rsi < cfg.OversoldThreshold {
			log.Info().Float64("rsi", rsi).Msg("RSI oversold, buying")
			_, err := e.buy(ctx, sess, b, cfg.Amount, log)
			return err
		}
		return nil
	}

	if rsi > cfg.OverboughtThreshold {
		log.Info().Float64("rsi", rsi).Msg("RSI overbought, selling")
		return e.sellAll(ctx, sess, b, log)
	}
	return nil
}

const (
	relationAbove = "above"
	relationBelow = "below"
)

func (e *Engine) runMACrossover(ctx context.Context, sess *execution.Session, b *database.Bot, cfg database.MACrossoverConfig, log zerolog.Logger) error {
	fast, ok := indicator(sess.Snapshot, b.Symbol, cfg.Timeframe, emaFields[cfg.FastPeriod])
	if !ok {
		return nil
	}
	slow, ok := indicator(sess.Snapshot, b.Symbol, cfg.Timeframe, emaFields[cfg.SlowPeriod])
	if !ok {
		return nil
	}

	var rel string
	switch {
	case fast > slow:
		rel = relationAbove
	case fast < slow:
		rel = relationBelow
	default:
		return nil
	}

	st := &b.State
	prev := st.LastRelation
	if prev == "" || prev == rel {
		st.LastRelation = rel
		return nil
	}

	var err error
	switch {
	case rel == relationAbove && !st.InPosition:
		log.Info().Float64("fast", fast).Float64("slow", slow).Msg("Bullish EMA crossover, buying")
		_, err = e.buy(ctx, sess, b, cfg.Amount, log)
	case rel == relationBelow && st.InPosition:
		log.Info().Float64("fast", fast).Float64("slow", slow).Msg("Bearish EMA crossover, selling")
		err = e.sellAll(ctx, sess, b, log)
	}
	if err != nil {
		// keep the old relation so the crossover is retried next tick
		return err
	}
	st.LastRelation = rel
	return nil
}

func (e *Engine) runCustom(ctx context.Context, sess *execution.Session, b *database.Bot, cfg database.CustomConfig, log zerolog.Logger) error {
	st := &b.State
	observed, _ := rules.Observe(cfg.Conditions, sess.Snapshot, st.LastPrices)
	if cfg.CooldownMinutes > 0 && st.LastActionAt != nil &&
		sess.Now.Before(st.LastActionAt.Add(time.Duration(cfg.CooldownMinutes)*time.Minute)) {
		st.LastPrices = observed
		return nil
	}
	matched, reasons := rules.Matches(cfg.ConditionLogic, cfg.Conditions, sess.Snapshot, st.LastPrices)
	if !matched {
		st.LastPrices = observed
		return nil
	}

	a := rules.DefaultSymbol(cfg.Action, cfg.Conditions)
	now := sess.Now
	if a.Type == database.ActionAlert {
		msg := a.Message
		if msg == "" {
			msg = fmt.Sprintf("Bot %q matched: %s", b.Name, strings.Join(reasons, "; "))
		}
		e.publish(b, events.EventRuleAlert, events.SeverityInfo, msg, map[string]interface{}{"reasons": reasons})
		st.LastActionAt = &now
		st.LastPrices = observed
		return nil
	}

	orderType := a.OrderType
	if orderType == "" {
		orderType = database.OrderTypeMarket
	}
	res, err := e.exec.Execute(ctx, sess, execution.OrderRequest{
		Source:     database.SourceBot,
		SourceID:   b.ID,
		Strategy:   strategyFor(b),
		Symbol:     a.Symbol,
		Side:       a.Type,
		OrderType:  orderType,
		AmountType: a.AmountType,
		Amount:     a.Amount,
		LimitPrice: a.LimitPrice,
		Protection: a.Protection,
	})
	switch {
	case errors.Is(err, execution.ErrEntriesPaused):
		log.Debug().Msg("Bot entry skipped, entries are paused")
		st.LastPrices = observed
		return nil
	case err != nil && !errors.Is(err, execution.ErrProtectionMissing):
		// keep the old observation so a crossing is retried next tick
		return err
	}

	st.LastPrices = observed
	st.LastActionAt = &now
	b.TotalTrades++
	if res.Quantity > 0 {
		e.publishTrade(b, a.Type, res.Quantity, res.Price, 0)
	}
	log.Info().Strs("reasons", reasons).Str("action", a.Type).Msg("Custom bot action executed")
	return nil
}
