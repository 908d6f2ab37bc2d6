package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Repository is the PostgreSQL implementation of Store. Entities are kept
// as JSONB documents next to the columns the engine filters on.
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

var _ Store = (*Repository)(nil)

// LockUser takes a session-level advisory lock on a dedicated connection.
// The returned func unlocks and releases the connection.
func (r *Repository) LockUser(ctx context.Context, userID string) (func(), error) {
	conn, err := r.db.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, userID).Scan(&locked); err != nil {
		conn.Release()
		return nil, fmt.Errorf("advisory lock: %w", err)
	}
	if !locked {
		conn.Release()
		return nil, ErrUserBusy
	}

	return func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock(hashtext($1))`, userID); err != nil {
			r.db.logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to release advisory lock")
			// Drop the connection so the session lock cannot leak
			_ = conn.Conn().Close(unlockCtx)
		}
		conn.Release()
	}, nil
}

func (r *Repository) ListAutomationUsers(ctx context.Context) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT user_id FROM conditional_orders WHERE status IN ('active', 'triggered')
		UNION SELECT user_id FROM trading_rules WHERE enabled AND status = 'active'
		UNION SELECT user_id FROM bots WHERE status = 'running'
		UNION SELECT user_id FROM auto_trading_states WHERE enabled
		UNION SELECT user_id FROM managed_orders WHERE status = 'open'
		ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to list automation users: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (r *Repository) Watchlist(ctx context.Context) (*Watchlist, error) {
	w := newWatchlistBuilder()

	symbols, err := r.querySymbols(ctx, `
		SELECT DISTINCT symbol FROM conditional_orders WHERE status IN ('active', 'triggered')
		UNION SELECT DISTINCT symbol FROM managed_orders WHERE status = 'open'`)
	if err != nil {
		return nil, err
	}
	for _, s := range symbols {
		w.symbol(s)
	}

	rules, err := queryDocs[TradingRule](ctx, r, `SELECT data, version FROM trading_rules WHERE enabled AND status = 'active'`)
	if err != nil {
		return nil, err
	}
	for _, rule := range rules {
		w.rule(rule.Conditions, rule.Actions)
	}

	bots, err := queryDocs[Bot](ctx, r, `SELECT data, version FROM bots WHERE status = 'running'`)
	if err != nil {
		return nil, err
	}
	for _, b := range bots {
		w.bot(b)
	}

	states, err := queryDocs[AutoTradingState](ctx, r, `SELECT data, version FROM auto_trading_states WHERE enabled`)
	if err != nil {
		return nil, err
	}
	for _, st := range states {
		for _, s := range st.Config.Symbols {
			w.symbol(s)
		}
	}

	return w.build(), nil
}

func (r *Repository) querySymbols(ctx context.Context, sql string, args ...any) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query symbols: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// versioned lets the document helpers stamp the authoritative column version
type versioned interface {
	setVersion(v int)
}

func (o *ConditionalOrder) setVersion(v int) { o.Version = v }
func (r *TradingRule) setVersion(v int)      { r.Version = v }
func (b *Bot) setVersion(v int)              { b.Version = v }
func (s *AutoTradingState) setVersion(v int) { s.Version = v }

// queryDocs runs a query selecting (data, version) and decodes each document
func queryDocs[T any, PT interface {
	*T
	versioned
}](ctx context.Context, r *Repository, sql string, args ...any) ([]*T, error) {
	rows, err := r.db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var data []byte
		var version int
		if err := rows.Scan(&data, &version); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		doc := new(T)
		if err := json.Unmarshal(data, doc); err != nil {
			return nil, fmt.Errorf("decode failed: %w", err)
		}
		PT(doc).setVersion(version)
		out = append(out, doc)
	}
	return out, rows.Err()
}

func getDoc[T any, PT interface {
	*T
	versioned
}](ctx context.Context, r *Repository, sql string, args ...any) (*T, error) {
	var data []byte
	var version int
	err := r.db.Pool.QueryRow(ctx, sql, args...).Scan(&data, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	doc := new(T)
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("decode failed: %w", err)
	}
	PT(doc).setVersion(version)
	return doc, nil
}

// casResult maps the affected row count of a versioned update to an error.
// A miss is a conflict when the row still exists and not-found otherwise.
func (r *Repository) casResult(ctx context.Context, affected int64, table, idCol, id, userID string) error {
	if affected == 1 {
		return nil
	}
	var exists bool
	err := r.db.Pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE %s = $1 AND user_id = $2)`, table, idCol),
		id, userID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check %s: %w", table, err)
	}
	if exists {
		return ErrConflict
	}
	return ErrNotFound
}

// ============================================================================
// CONDITIONAL ORDERS
// ============================================================================

func (r *Repository) CreateConditionalOrder(ctx context.Context, o *ConditionalOrder) error {
	now := time.Now().UTC()
	o.Version = 1
	o.CreatedAt = now
	o.UpdatedAt = now
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO conditional_orders (id, user_id, symbol, status, data, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		o.ID, o.UserID, o.Symbol, o.Status, data, o.Version, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create conditional order: %w", err)
	}
	return nil
}

func (r *Repository) GetConditionalOrder(ctx context.Context, userID, id string) (*ConditionalOrder, error) {
	return getDoc[ConditionalOrder](ctx, r,
		`SELECT data, version FROM conditional_orders WHERE id = $1 AND user_id = $2`, id, userID)
}

func (r *Repository) ListConditionalOrders(ctx context.Context, userID string, statuses ...ConditionalStatus) ([]*ConditionalOrder, error) {
	if len(statuses) == 0 {
		return queryDocs[ConditionalOrder](ctx, r,
			`SELECT data, version FROM conditional_orders WHERE user_id = $1 ORDER BY created_at, id`, userID)
	}
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	return queryDocs[ConditionalOrder](ctx, r,
		`SELECT data, version FROM conditional_orders WHERE user_id = $1 AND status = ANY($2) ORDER BY created_at, id`,
		userID, names)
}

func (r *Repository) UpdateConditionalOrder(ctx context.Context, o *ConditionalOrder) error {
	expected := o.Version
	next := *o
	next.Version = expected + 1
	next.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(&next)
	if err != nil {
		return err
	}
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE conditional_orders SET status = $4, data = $5, version = $6, updated_at = $7
		WHERE id = $1 AND user_id = $2 AND version = $3`,
		o.ID, o.UserID, expected, next.Status, data, next.Version, next.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update conditional order: %w", err)
	}
	if err := r.casResult(ctx, tag.RowsAffected(), "conditional_orders", "id", o.ID, o.UserID); err != nil {
		return err
	}
	*o = next
	return nil
}

// ============================================================================
// TRADING RULES
// ============================================================================

func (r *Repository) CreateRule(ctx context.Context, rule *TradingRule) error {
	now := time.Now().UTC()
	rule.Version = 1
	rule.CreatedAt = now
	rule.UpdatedAt = now
	data, err := json.Marshal(rule)
	if err != nil {
		return err
	}
	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO trading_rules (id, user_id, enabled, status, data, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rule.ID, rule.UserID, rule.Enabled, rule.Status, data, rule.Version, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create rule: %w", err)
	}
	return nil
}

func (r *Repository) GetRule(ctx context.Context, userID, id string) (*TradingRule, error) {
	return getDoc[TradingRule](ctx, r,
		`SELECT data, version FROM trading_rules WHERE id = $1 AND user_id = $2`, id, userID)
}

func (r *Repository) ListRules(ctx context.Context, userID string) ([]*TradingRule, error) {
	return queryDocs[TradingRule](ctx, r,
		`SELECT data, version FROM trading_rules WHERE user_id = $1 ORDER BY created_at, id`, userID)
}

func (r *Repository) UpdateRule(ctx context.Context, rule *TradingRule) error {
	expected := rule.Version
	next := *rule
	next.Version = expected + 1
	next.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(&next)
	if err != nil {
		return err
	}
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE trading_rules SET enabled = $4, status = $5, data = $6, version = $7, updated_at = $8
		WHERE id = $1 AND user_id = $2 AND version = $3`,
		rule.ID, rule.UserID, expected, next.Enabled, next.Status, data, next.Version, next.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	if err := r.casResult(ctx, tag.RowsAffected(), "trading_rules", "id", rule.ID, rule.UserID); err != nil {
		return err
	}
	*rule = next
	return nil
}

func (r *Repository) DeleteRule(ctx context.Context, userID, id string) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM trading_rules WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ============================================================================
// BOTS
// ============================================================================

func (r *Repository) CreateBot(ctx context.Context, b *Bot) error {
	now := time.Now().UTC()
	b.Version = 1
	b.CreatedAt = now
	b.UpdatedAt = now
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO bots (id, user_id, bot_type, symbol, status, data, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		b.ID, b.UserID, b.Type(), b.Symbol, b.Status, data, b.Version, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create bot: %w", err)
	}
	return nil
}

func (r *Repository) GetBot(ctx context.Context, userID, id string) (*Bot, error) {
	return getDoc[Bot](ctx, r, `SELECT data, version FROM bots WHERE id = $1 AND user_id = $2`, id, userID)
}

func (r *Repository) ListBots(ctx context.Context, userID string) ([]*Bot, error) {
	return queryDocs[Bot](ctx, r, `SELECT data, version FROM bots WHERE user_id = $1 ORDER BY created_at, id`, userID)
}

func (r *Repository) UpdateBot(ctx context.Context, b *Bot) error {
	expected := b.Version
	next := *b
	next.Version = expected + 1
	next.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(&next)
	if err != nil {
		return err
	}
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE bots SET status = $4, data = $5, version = $6, updated_at = $7
		WHERE id = $1 AND user_id = $2 AND version = $3`,
		b.ID, b.UserID, expected, next.Status, data, next.Version, next.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update bot: %w", err)
	}
	if err := r.casResult(ctx, tag.RowsAffected(), "bots", "id", b.ID, b.UserID); err != nil {
		return err
	}
	*b = next
	return nil
}

func (r *Repository) DeleteBot(ctx context.Context, userID, id string) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM bots WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete bot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ============================================================================
// AUTO-TRADING STATE
// ============================================================================

func (r *Repository) GetAutoTradingState(ctx context.Context, userID string) (*AutoTradingState, error) {
	return getDoc[AutoTradingState](ctx, r,
		`SELECT data, version FROM auto_trading_states WHERE user_id = $1`, userID)
}

// SaveAutoTradingState inserts the state when Version is zero and performs a
// versioned update otherwise
func (r *Repository) SaveAutoTradingState(ctx context.Context, s *AutoTradingState) error {
	expected := s.Version
	next := *s
	next.Version = expected + 1
	next.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(&next)
	if err != nil {
		return err
	}

	if expected == 0 {
		tag, err := r.db.Pool.Exec(ctx, `
			INSERT INTO auto_trading_states (user_id, enabled, data, version, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (user_id) DO NOTHING`,
			s.UserID, next.Enabled, data, next.Version, next.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to create auto-trading state: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrConflict
		}
		*s = next
		return nil
	}

	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE auto_trading_states SET enabled = $3, data = $4, version = $5, updated_at = $6
		WHERE user_id = $1 AND version = $2`,
		s.UserID, expected, next.Enabled, data, next.Version, next.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update auto-trading state: %w", err)
	}
	if err := r.casResult(ctx, tag.RowsAffected(), "auto_trading_states", "user_id", s.UserID, s.UserID); err != nil {
		return err
	}
	*s = next
	return nil
}

// ============================================================================
// TRADE EXECUTIONS
// ============================================================================

func (r *Repository) AppendTradeExecution(ctx context.Context, e *TradeExecution) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO trade_executions (id, user_id, symbol, side, quantity, price, strategy, outcome, pnl,
			source, source_id, order_id, regime, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.ID, e.UserID, e.Symbol, e.Side, e.Quantity, e.Price, e.Strategy, e.Outcome, e.Pnl,
		e.Source, e.SourceID, e.OrderID, e.Regime, e.ExecutedAt)
	if err != nil {
		return fmt.Errorf("failed to append trade execution: %w", err)
	}
	return nil
}

func (r *Repository) ListTradeExecutions(ctx context.Context, userID string, limit int) ([]*TradeExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, user_id, symbol, side, quantity::float8, price::float8, strategy, outcome, pnl::float8,
			source, source_id, order_id, regime, executed_at
		FROM trade_executions
		WHERE user_id = $1
		ORDER BY executed_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list trade executions: %w", err)
	}
	defer rows.Close()

	var out []*TradeExecution
	for rows.Next() {
		e := &TradeExecution{}
		if err := rows.Scan(&e.ID, &e.UserID, &e.Symbol, &e.Side, &e.Quantity, &e.Price, &e.Strategy,
			&e.Outcome, &e.Pnl, &e.Source, &e.SourceID, &e.OrderID, &e.Regime, &e.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *Repository) GetStrategyStats(ctx context.Context, userID string, since time.Time) ([]StrategyStats, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT strategy, regime,
			COUNT(*),
			COUNT(*) FILTER (WHERE outcome = 'win'),
			COUNT(*) FILTER (WHERE outcome = 'loss'),
			COALESCE(SUM(pnl), 0)::float8
		FROM trade_executions
		WHERE user_id = $1 AND executed_at >= $2 AND outcome IN ('win', 'loss')
		GROUP BY strategy, regime
		ORDER BY strategy, regime`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query strategy stats: %w", err)
	}
	defer rows.Close()

	var out []StrategyStats
	for rows.Next() {
		var s StrategyStats
		if err := rows.Scan(&s.Strategy, &s.Regime, &s.Trades, &s.Wins, &s.Losses, &s.TotalPnl); err != nil {
			return nil, fmt.Errorf("failed to scan strategy stats: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ============================================================================
// POSITIONS
// ============================================================================

const positionColumns = `user_id, symbol, quantity::float8, avg_entry_price::float8, strategy, regime, source, opened_at, updated_at`

func scanPosition(row pgx.Row) (*Position, error) {
	p := &Position{}
	err := row.Scan(&p.UserID, &p.Symbol, &p.Quantity, &p.AvgEntryPrice, &p.Strategy, &p.Regime,
		&p.Source, &p.OpenedAt, &p.UpdatedAt)
	return p, err
}

func (r *Repository) GetPosition(ctx context.Context, userID, symbol string) (*Position, error) {
	p, err := scanPosition(r.db.Pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 AND symbol = $2`, userID, symbol))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get position: %w", err)
	}
	return p, nil
}

// SavePosition upserts the position, removing it once it is flat
func (r *Repository) SavePosition(ctx context.Context, p *Position) error {
	if p.Quantity <= dustQuantity {
		_, err := r.db.Pool.Exec(ctx, `DELETE FROM positions WHERE user_id = $1 AND symbol = $2`, p.UserID, p.Symbol)
		if err != nil {
			return fmt.Errorf("failed to close position: %w", err)
		}
		return nil
	}
	p.UpdatedAt = time.Now().UTC()
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO positions (user_id, symbol, quantity, avg_entry_price, strategy, regime, source, opened_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, symbol) DO UPDATE SET
			quantity = EXCLUDED.quantity,
			avg_entry_price = EXCLUDED.avg_entry_price,
			strategy = EXCLUDED.strategy,
			regime = EXCLUDED.regime,
			source = EXCLUDED.source,
			updated_at = EXCLUDED.updated_at`,
		p.UserID, p.Symbol, p.Quantity, p.AvgEntryPrice, p.Strategy, p.Regime, p.Source, p.OpenedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}

func (r *Repository) ListPositions(ctx context.Context, userID string) ([]*Position, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 ORDER BY symbol`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	var out []*Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ============================================================================
// MANAGED ORDERS
// ============================================================================

func (r *Repository) CreateManagedOrder(ctx context.Context, o *ManagedOrder) error {
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO managed_orders (id, user_id, symbol, status, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		o.ID, o.UserID, o.Symbol, o.Status, data, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create managed order: %w", err)
	}
	return nil
}

func (r *Repository) UpdateManagedOrder(ctx context.Context, o *ManagedOrder) error {
	o.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE managed_orders SET status = $3, data = $4, updated_at = $5
		WHERE id = $1 AND user_id = $2`,
		o.ID, o.UserID, o.Status, data, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update managed order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) ListOpenManagedOrders(ctx context.Context, userID string) ([]*ManagedOrder, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT data FROM managed_orders
		WHERE user_id = $1 AND status = 'open'
		ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list managed orders: %w", err)
	}
	defer rows.Close()

	var out []*ManagedOrder
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan managed order: %w", err)
		}
		o := &ManagedOrder{}
		if err := json.Unmarshal(data, o); err != nil {
			return nil, fmt.Errorf("failed to decode managed order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
