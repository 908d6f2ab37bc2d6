package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"autotrader/config"
	"autotrader/internal/database"
	"autotrader/internal/events"
	"autotrader/internal/execution"
)

const (
	strategyName = "rule"
	saveAttempts = 3
)

// Engine evaluates users' trading rules each tick and runs the actions of
// those that match
type Engine struct {
	maxFailures int
	store       database.Store
	exec        *execution.Executor
	publisher   events.Publisher
	logger      zerolog.Logger
}

// NewEngine creates a rule engine
func NewEngine(cfg config.ExecutionConfig, store database.Store, exec *execution.Executor, publisher events.Publisher, logger zerolog.Logger) *Engine {
	if publisher == nil {
		publisher = events.Discard{}
	}
	maxFailures := cfg.RuleMaxFailures
	if maxFailures <= 0 {
		maxFailures = 5
	}
	return &Engine{
		maxFailures: maxFailures,
		store:       store,
		exec:        exec,
		publisher:   publisher,
		logger:      logger.With().Str("component", "rules").Logger(),
	}
}

// Create validates r and stores it for userID
func (e *Engine) Create(ctx context.Context, userID string, r *database.TradingRule) error {
	normalize(r)
	if err := Validate(r); err != nil {
		return err
	}
	r.ID = uuid.NewString()
	r.UserID = userID
	r.Status = database.RuleActive
	r.ExecutionCount = 0
	r.ConsecutiveFailures = 0
	r.LastExecutedAt = nil
	r.LastError = ""
	r.LastPrices = nil
	if err := e.store.CreateRule(ctx, r); err != nil {
		return fmt.Errorf("create rule: %w", err)
	}
	e.logger.Info().Str("user_id", userID).Str("rule_id", r.ID).Str("name", r.Name).Msg("Rule created")
	return nil
}

// Update replaces the definition of an existing rule, keeping its counters.
// The caller's Version must match the stored one.
func (e *Engine) Update(ctx context.Context, userID string, r *database.TradingRule) (*database.TradingRule, error) {
	normalize(r)
	if err := Validate(r); err != nil {
		return nil, err
	}
	cur, err := e.store.GetRule(ctx, userID, r.ID)
	if err != nil {
		return nil, err
	}
	if r.Version != 0 && r.Version != cur.Version {
		return nil, database.ErrConflict
	}
	cur.Name = r.Name
	cur.Enabled = r.Enabled
	cur.ConditionLogic = r.ConditionLogic
	cur.Conditions = r.Conditions
	cur.Actions = r.Actions
	cur.MaxExecutions = r.MaxExecutions
	cur.CooldownMinutes = r.CooldownMinutes
	if err := e.store.UpdateRule(ctx, cur); err != nil {
		return nil, err
	}
	return cur, nil
}

// Toggle enables or disables a rule. Re-enabling a failed rule clears its failures.
func (e *Engine) Toggle(ctx context.Context, userID, id string, enabled bool) (*database.TradingRule, error) {
	for attempt := 0; attempt < saveAttempts; attempt++ {
		r, err := e.store.GetRule(ctx, userID, id)
		if err != nil {
			return nil, err
		}
		if enabled && !r.Enabled {
			// prices moved while the rule was off; start watching afresh
			r.LastPrices = nil
		}
		r.Enabled = enabled
		if enabled && r.Status == database.RuleFailed {
			r.Status = database.RuleActive
			r.ConsecutiveFailures = 0
			r.LastPrices = nil
		}
		err = e.store.UpdateRule(ctx, r)
		if errors.Is(err, database.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	return nil, fmt.Errorf("toggle rule %s: %w", id, database.ErrConflict)
}

func normalize(r *database.TradingRule) {
	r.ConditionLogic = strings.ToUpper(strings.TrimSpace(r.ConditionLogic))
	if r.ConditionLogic == "" {
		r.ConditionLogic = database.LogicAND
	}
	for i := range r.Actions {
		r.Actions[i] = DefaultSymbol(r.Actions[i], r.Conditions)
		if r.Actions[i].OrderType == "" && r.Actions[i].Type != database.ActionAlert {
			r.Actions[i].OrderType = database.OrderTypeMarket
		}
	}
}

// Evaluate checks every enabled rule of the session user and runs those that match
func (e *Engine) Evaluate(ctx context.Context, sess *execution.Session) error {
	if sess.Snapshot == nil {
		return nil
	}
	rules, err := e.store.ListRules(ctx, sess.UserID)
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}

	for _, r := range rules {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !r.Enabled || r.Status == database.RuleFailed {
			continue
		}
		log := sess.Logger.With().Str("rule_id", r.ID).Str("rule", r.Name).Logger()

		var matched bool
		var reasons []string
		if e.due(r, sess.Now) {
			matched, reasons = Matches(r.ConditionLogic, r.Conditions, sess.Snapshot, r.LastPrices)
		}
		observed, changed := Observe(r.Conditions, sess.Snapshot, r.LastPrices)
		r.LastPrices = observed

		if matched && !sess.EntriesAllowed() && onlyEntries(r.Actions) {
			log.Debug().Msg("Rule matched while entries are paused")
			matched = false
		}
		if !matched {
			if changed {
				if err := e.store.UpdateRule(ctx, r); err != nil {
					log.Debug().Err(err).Msg("Observed prices not saved")
				}
			}
			continue
		}

		// claim before acting so a crash mid-actions never runs them twice
		now := sess.Now
		r.ExecutionCount++
		r.LastExecutedAt = &now
		if err := e.store.UpdateRule(ctx, r); err != nil {
			log.Debug().Err(err).Msg("Rule claim not applied")
			continue
		}
		log.Info().Strs("reasons", reasons).Int("execution", r.ExecutionCount).Msg("Rule matched")

		failure := e.runActions(ctx, sess, r, reasons, log)
		e.recordOutcome(ctx, r, reasons, failure, log)
	}
	return nil
}

// due reports whether an enabled rule may run now given its budget and cooldown
func (e *Engine) due(r *database.TradingRule, now time.Time) bool {
	if r.MaxExecutions != nil && r.ExecutionCount >= *r.MaxExecutions {
		return false
	}
	if r.CooldownMinutes != nil && *r.CooldownMinutes > 0 && r.LastExecutedAt != nil {
		if now.Before(r.LastExecutedAt.Add(time.Duration(*r.CooldownMinutes) * time.Minute)) {
			return false
		}
	}
	return true
}

func onlyEntries(actions []database.RuleAction) bool {
	for _, a := range actions {
		if a.Type != database.ActionBuy {
			return false
		}
	}
	return len(actions) > 0
}

// runActions executes the rule's actions in order and returns the first
// order failure, if any. Buys skipped because entries are paused are not failures.
func (e *Engine) runActions(ctx context.Context, sess *execution.Session, r *database.TradingRule, reasons []string, log zerolog.Logger) error {
	var failure error
	for i, a := range r.Actions {
		if a.Type == database.ActionAlert {
			msg := a.Message
			if msg == "" {
				msg = fmt.Sprintf("Rule %q matched: %s", r.Name, strings.Join(reasons, "; "))
			}
			e.publisher.Publish(events.Event{
				Type:    events.EventRuleAlert,
				UserID:  r.UserID,
				Message: msg,
				Data:    map[string]interface{}{"ruleId": r.ID, "reasons": reasons},
			})
			continue
		}

		_, err := e.exec.Execute(ctx, sess, execution.OrderRequest{
			Source:     database.SourceRule,
			SourceID:   r.ID,
			Strategy:   strategyName,
			Symbol:     a.Symbol,
			Side:       a.Type,
			OrderType:  a.OrderType,
			AmountType: a.AmountType,
			Amount:     a.Amount,
			LimitPrice: a.LimitPrice,
			Protection: a.Protection,
		})
		switch {
		case err == nil:
		case errors.Is(err, execution.ErrEntriesPaused):
			log.Info().Int("action", i).Msg("Buy action skipped, entries are paused")
		case errors.Is(err, execution.ErrProtectionMissing):
			log.Warn().Err(err).Int("action", i).Msg("Rule order filled without protection")
		default:
			log.Warn().Err(err).Int("action", i).Str("symbol", a.Symbol).Msg("Rule action failed")
			if failure == nil {
				failure = fmt.Errorf("action %d (%s %s): %w", i, a.Type, a.Symbol, err)
			}
		}
	}
	return failure
}

// recordOutcome saves the failure counters and publishes the result
func (e *Engine) recordOutcome(ctx context.Context, r *database.TradingRule, reasons []string, failure error, log zerolog.Logger) {
	var disabled bool
	for attempt := 0; attempt < saveAttempts; attempt++ {
		if attempt > 0 {
			cur, err := e.store.GetRule(ctx, r.UserID, r.ID)
			if err != nil {
				log.Error().Err(err).Msg("Failed to reload rule")
				return
			}
			r = cur
		}
		disabled = false
		if failure == nil {
			r.ConsecutiveFailures = 0
		} else {
			r.ConsecutiveFailures++
			r.LastError = failure.Error()
			if r.ConsecutiveFailures >= e.maxFailures {
				r.Status = database.RuleFailed
				disabled = true
			}
		}
		err := e.store.UpdateRule(ctx, r)
		if errors.Is(err, database.ErrConflict) {
			continue
		}
		if err != nil {
			log.Error().Err(err).Msg("Failed to save rule outcome")
			return
		}
		break
	}

	if disabled {
		log.Warn().Int("failures", r.ConsecutiveFailures).Msg("Rule disabled after repeated failures")
		e.publisher.Publish(events.Event{
			Type:     events.EventRuleFailed,
			UserID:   r.UserID,
			Severity: events.SeverityCritical,
			Message:  fmt.Sprintf("Rule %q stopped after %d consecutive failures: %s", r.Name, r.ConsecutiveFailures, r.LastError),
			Data:     map[string]interface{}{"ruleId": r.ID},
		})
		return
	}

	sev := events.SeverityInfo
	if failure != nil {
		sev = events.SeverityWarning
	}
	e.publisher.Publish(events.Event{
		Type:     events.EventRuleExecuted,
		UserID:   r.UserID,
		Severity: sev,
		Message:  fmt.Sprintf("Rule %q executed", r.Name),
		Data: map[string]interface{}{
			"ruleId":         r.ID,
			"executionCount": r.ExecutionCount,
			"reasons":        reasons,
			"failed":         failure != nil,
		},
	})
}
