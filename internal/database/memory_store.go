package database

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"autotrader/internal/market"
)

// MemoryStore is an in-process Store used for paper trading without a
// database and in tests. Records are deep-copied in and out.
type MemoryStore struct {
	mu           sync.RWMutex
	conditionals map[string]*ConditionalOrder
	rules        map[string]*TradingRule
	bots         map[string]*Bot
	states       map[string]*AutoTradingState
	executions   []*TradeExecution
	positions    map[string]*Position // userID|symbol
	managed      map[string]*ManagedOrder

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	now func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conditionals: make(map[string]*ConditionalOrder),
		rules:        make(map[string]*TradingRule),
		bots:         make(map[string]*Bot),
		states:       make(map[string]*AutoTradingState),
		positions:    make(map[string]*Position),
		managed:      make(map[string]*ManagedOrder),
		locks:        make(map[string]*sync.Mutex),
		now:          time.Now,
	}
}

// SetClock overrides the time source used for timestamps
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic(err)
	}
	return out
}

// ============================================================================
// Locking and discovery
// ============================================================================

func (s *MemoryStore) LockUser(_ context.Context, userID string) (func(), error) {
	s.lockMu.Lock()
	m, ok := s.locks[userID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[userID] = m
	}
	s.lockMu.Unlock()

	if !m.TryLock() {
		return nil, ErrUserBusy
	}
	return m.Unlock, nil
}

func (s *MemoryStore) ListAutomationUsers(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make(map[string]bool)
	for _, o := range s.conditionals {
		if o.Status == ConditionalActive || o.Status == ConditionalTriggered {
			users[o.UserID] = true
		}
	}
	for _, r := range s.rules {
		if r.Enabled && r.Status == RuleActive {
			users[r.UserID] = true
		}
	}
	for _, b := range s.bots {
		if b.Status == BotRunning {
			users[b.UserID] = true
		}
	}
	for _, st := range s.states {
		if st.Enabled {
			users[st.UserID] = true
		}
	}
	for _, m := range s.managed {
		if m.Status == ManagedOpen {
			users[m.UserID] = true
		}
	}
	return sortedKeys(users), nil
}

func (s *MemoryStore) Watchlist(_ context.Context) (*Watchlist, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w := newWatchlistBuilder()
	for _, o := range s.conditionals {
		if o.Status == ConditionalActive || o.Status == ConditionalTriggered {
			w.symbol(o.Symbol)
		}
	}
	for _, r := range s.rules {
		if r.Enabled && r.Status == RuleActive {
			w.rule(r.Conditions, r.Actions)
		}
	}
	for _, b := range s.bots {
		if b.Status == BotRunning {
			w.bot(b)
		}
	}
	for _, st := range s.states {
		if st.Enabled {
			for _, sym := range st.Config.Symbols {
				w.symbol(sym)
			}
		}
	}
	for _, m := range s.managed {
		if m.Status == ManagedOpen {
			w.symbol(m.Symbol)
		}
	}
	return w.build(), nil
}

// ============================================================================
// Conditional orders
// ============================================================================

func (s *MemoryStore) CreateConditionalOrder(_ context.Context, o *ConditionalOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	o.Version = 1
	o.CreatedAt = now
	o.UpdatedAt = now
	s.conditionals[o.ID] = clone(o)
	return nil
}

func (s *MemoryStore) GetConditionalOrder(_ context.Context, userID, id string) (*ConditionalOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.conditionals[id]
	if !ok || o.UserID != userID {
		return nil, ErrNotFound
	}
	return clone(o), nil
}

func (s *MemoryStore) ListConditionalOrders(_ context.Context, userID string, statuses ...ConditionalStatus) ([]*ConditionalOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[ConditionalStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var out []*ConditionalOrder
	for _, o := range s.conditionals {
		if o.UserID != userID {
			continue
		}
		if len(want) > 0 && !want[o.Status] {
			continue
		}
		out = append(out, clone(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) || (out[i].CreatedAt.Equal(out[j].CreatedAt) && out[i].ID < out[j].ID) })
	return out, nil
}

func (s *MemoryStore) UpdateConditionalOrder(_ context.Context, o *ConditionalOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.conditionals[o.ID]
	if !ok || cur.UserID != o.UserID {
		return ErrNotFound
	}
	if cur.Version != o.Version {
		return ErrConflict
	}
	o.Version++
	o.UpdatedAt = s.now()
	s.conditionals[o.ID] = clone(o)
	return nil
}

// ============================================================================
// Trading rules
// ============================================================================

func (s *MemoryStore) CreateRule(_ context.Context, r *TradingRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	r.Version = 1
	r.CreatedAt = now
	r.UpdatedAt = now
	s.rules[r.ID] = clone(r)
	return nil
}

func (s *MemoryStore) GetRule(_ context.Context, userID, id string) (*TradingRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok || r.UserID != userID {
		return nil, ErrNotFound
	}
	return clone(r), nil
}

func (s *MemoryStore) ListRules(_ context.Context, userID string) ([]*TradingRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*TradingRule
	for _, r := range s.rules {
		if r.UserID == userID {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) || (out[i].CreatedAt.Equal(out[j].CreatedAt) && out[i].ID < out[j].ID) })
	return out, nil
}

func (s *MemoryStore) UpdateRule(_ context.Context, r *TradingRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rules[r.ID]
	if !ok || cur.UserID != r.UserID {
		return ErrNotFound
	}
	if cur.Version != r.Version {
		return ErrConflict
	}
	r.Version++
	r.UpdatedAt = s.now()
	s.rules[r.ID] = clone(r)
	return nil
}

func (s *MemoryStore) DeleteRule(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok || r.UserID != userID {
		return ErrNotFound
	}
	delete(s.rules, id)
	return nil
}

// ============================================================================
// Bots
// ============================================================================

func (s *MemoryStore) CreateBot(_ context.Context, b *Bot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	b.Version = 1
	b.CreatedAt = now
	b.UpdatedAt = now
	s.bots[b.ID] = clone(b)
	return nil
}

func (s *MemoryStore) GetBot(_ context.Context, userID, id string) (*Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bots[id]
	if !ok || b.UserID != userID {
		return nil, ErrNotFound
	}
	return clone(b), nil
}

func (s *MemoryStore) ListBots(_ context.Context, userID string) ([]*Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Bot
	for _, b := range s.bots {
		if b.UserID == userID {
			out = append(out, clone(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) || (out[i].CreatedAt.Equal(out[j].CreatedAt) && out[i].ID < out[j].ID) })
	return out, nil
}

func (s *MemoryStore) UpdateBot(_ context.Context, b *Bot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.bots[b.ID]
	if !ok || cur.UserID != b.UserID {
		return ErrNotFound
	}
	if cur.Version != b.Version {
		return ErrConflict
	}
	b.Version++
	b.UpdatedAt = s.now()
	s.bots[b.ID] = clone(b)
	return nil
}

func (s *MemoryStore) DeleteBot(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bots[id]
	if !ok || b.UserID != userID {
		return ErrNotFound
	}
	delete(s.bots, id)
	return nil
}

// ============================================================================
// Auto-trading state
// ============================================================================

func (s *MemoryStore) GetAutoTradingState(_ context.Context, userID string) (*AutoTradingState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(st), nil
}

func (s *MemoryStore) SaveAutoTradingState(_ context.Context, st *AutoTradingState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.states[st.UserID]
	switch {
	case !ok && st.Version != 0:
		return ErrNotFound
	case ok && cur.Version != st.Version:
		return ErrConflict
	}
	st.Version++
	st.UpdatedAt = s.now()
	s.states[st.UserID] = clone(st)
	return nil
}

// ============================================================================
// Trade executions
// ============================================================================

func (s *MemoryStore) AppendTradeExecution(_ context.Context, e *TradeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions = append(s.executions, clone(e))
	return nil
}

func (s *MemoryStore) ListTradeExecutions(_ context.Context, userID string, limit int) ([]*TradeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*TradeExecution
	for i := len(s.executions) - 1; i >= 0; i-- {
		e := s.executions[i]
		if e.UserID != userID {
			continue
		}
		out = append(out, clone(e))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) GetStrategyStats(_ context.Context, userID string, since time.Time) ([]StrategyStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type key struct{ strategy, regime string }
	agg := make(map[key]*StrategyStats)
	for _, e := range s.executions {
		if e.UserID != userID || e.ExecutedAt.Before(since) {
			continue
		}
		if e.Outcome != OutcomeWin && e.Outcome != OutcomeLoss {
			continue
		}
		k := key{e.Strategy, e.Regime}
		st, ok := agg[k]
		if !ok {
			st = &StrategyStats{Strategy: e.Strategy, Regime: e.Regime}
			agg[k] = st
		}
		st.Trades++
		st.TotalPnl += e.Pnl
		if e.Outcome == OutcomeWin {
			st.Wins++
		} else {
			st.Losses++
		}
	}

	out := make([]StrategyStats, 0, len(agg))
	for _, st := range agg {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Strategy != out[j].Strategy {
			return out[i].Strategy < out[j].Strategy
		}
		return out[i].Regime < out[j].Regime
	})
	return out, nil
}

// ============================================================================
// Positions
// ============================================================================

func positionKey(userID, symbol string) string {
	return userID + "|" + symbol
}

func (s *MemoryStore) GetPosition(_ context.Context, userID, symbol string) (*Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[positionKey(userID, symbol)]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(p), nil
}

func (s *MemoryStore) SavePosition(_ context.Context, p *Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := positionKey(p.UserID, p.Symbol)
	if p.Quantity <= dustQuantity {
		delete(s.positions, k)
		return nil
	}
	p.UpdatedAt = s.now()
	s.positions[k] = clone(p)
	return nil
}

func (s *MemoryStore) ListPositions(_ context.Context, userID string) ([]*Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Position
	for _, p := range s.positions {
		if p.UserID == userID {
			out = append(out, clone(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// ============================================================================
// Managed orders
// ============================================================================

func (s *MemoryStore) CreateManagedOrder(_ context.Context, o *ManagedOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	o.CreatedAt = now
	o.UpdatedAt = now
	s.managed[o.ID] = clone(o)
	return nil
}

func (s *MemoryStore) UpdateManagedOrder(_ context.Context, o *ManagedOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.managed[o.ID]; !ok {
		return ErrNotFound
	}
	o.UpdatedAt = s.now()
	s.managed[o.ID] = clone(o)
	return nil
}

func (s *MemoryStore) ListOpenManagedOrders(_ context.Context, userID string) ([]*ManagedOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ManagedOrder
	for _, o := range s.managed {
		if o.UserID == userID && o.Status == ManagedOpen {
			out = append(out, clone(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) || (out[i].CreatedAt.Equal(out[j].CreatedAt) && out[i].ID < out[j].ID) })
	return out, nil
}

var _ Store = (*MemoryStore)(nil)

// ============================================================================
// Helpers shared with the Postgres repository
// ============================================================================

// dustQuantity is the position size treated as flat
const dustQuantity = 1e-9

type watchlistBuilder struct {
	symbols map[string]bool
	keys    map[market.Key]bool
}

func newWatchlistBuilder() *watchlistBuilder {
	return &watchlistBuilder{symbols: make(map[string]bool), keys: make(map[market.Key]bool)}
}

func (w *watchlistBuilder) symbol(s string) {
	if s != "" {
		w.symbols[s] = true
	}
}

func (w *watchlistBuilder) key(symbol, timeframe string) {
	w.symbol(symbol)
	if symbol != "" && timeframe != "" {
		w.keys[market.Key{Symbol: symbol, Timeframe: timeframe}] = true
	}
}

func (w *watchlistBuilder) rule(conditions []Condition, actions []RuleAction) {
	for _, c := range conditions {
		if c.Type == ConditionTypeIndicator {
			w.key(c.Symbol, c.Timeframe)
		} else {
			w.symbol(c.Symbol)
		}
	}
	for _, a := range actions {
		w.symbol(a.Symbol)
	}
}

func (w *watchlistBuilder) bot(b *Bot) {
	w.symbol(b.Symbol)
	switch cfg := b.Config.(type) {
	case RSIConfig:
		w.key(b.Symbol, cfg.Timeframe)
	case MACrossoverConfig:
		w.key(b.Symbol, cfg.Timeframe)
	case CustomConfig:
		w.rule(cfg.Conditions, []RuleAction{cfg.Action})
	}
}

func (w *watchlistBuilder) build() *Watchlist {
	out := &Watchlist{}
	for s := range w.symbols {
		out.Symbols = append(out.Symbols, s)
	}
	sort.Strings(out.Symbols)
	for k := range w.keys {
		out.Keys = append(out.Keys, k)
	}
	sort.Slice(out.Keys, func(i, j int) bool { return out.Keys[i].String() < out.Keys[j].String() })
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
