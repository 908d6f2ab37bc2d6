package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"autotrader/config"
	"autotrader/internal/auth"
	"autotrader/internal/conditional"
	"autotrader/internal/database"
	"autotrader/internal/engine"
	"autotrader/internal/events"
	"autotrader/internal/market"
)

// fakeEngine records calls and returns canned results
type fakeEngine struct {
	err        error
	lastUser   string
	lastID     string
	lastLimit  int
	statuses   []database.ConditionalStatus
	symbols    []string
	enabled    *bool
	rule       *database.TradingRule
	autoConfig database.AutoTradingConfig
}

func (f *fakeEngine) CreateConditionalOrder(_ context.Context, userID string, o *database.ConditionalOrder) (*database.ConditionalOrder, error) {
	f.lastUser = userID
	if f.err != nil {
		return nil, f.err
	}
	o.ID = "co-1"
	o.UserID = userID
	o.Status = database.ConditionalActive
	return o, nil
}

func (f *fakeEngine) ListConditionalOrders(_ context.Context, userID string, statuses ...database.ConditionalStatus) ([]*database.ConditionalOrder, error) {
	f.lastUser = userID
	f.statuses = statuses
	return []*database.ConditionalOrder{{ID: "co-1"}}, f.err
}

func (f *fakeEngine) CancelConditionalOrder(_ context.Context, userID, id string) (*database.ConditionalOrder, error) {
	f.lastUser, f.lastID = userID, id
	if f.err != nil {
		return nil, f.err
	}
	return &database.ConditionalOrder{ID: id, Status: database.ConditionalCancelled}, nil
}

func (f *fakeEngine) CreateRule(_ context.Context, userID string, r *database.TradingRule) (*database.TradingRule, error) {
	f.lastUser = userID
	f.rule = r
	return r, f.err
}

func (f *fakeEngine) ListRules(_ context.Context, userID string) ([]*database.TradingRule, error) {
	f.lastUser = userID
	return nil, f.err
}

func (f *fakeEngine) UpdateRule(_ context.Context, userID string, r *database.TradingRule) (*database.TradingRule, error) {
	f.lastUser = userID
	f.rule = r
	return r, f.err
}

func (f *fakeEngine) DeleteRule(_ context.Context, userID, id string) error {
	f.lastUser, f.lastID = userID, id
	return f.err
}

func (f *fakeEngine) ToggleRule(_ context.Context, userID, id string, enabled bool) (*database.TradingRule, error) {
	f.lastUser, f.lastID = userID, id
	f.enabled = &enabled
	return &database.TradingRule{ID: id, Enabled: enabled}, f.err
}

func (f *fakeEngine) CreateBot(_ context.Context, userID string, b *database.Bot) (*database.Bot, error) {
	f.lastUser = userID
	return b, f.err
}

func (f *fakeEngine) ListBots(_ context.Context, userID string) ([]*database.Bot, error) {
	f.lastUser = userID
	return nil, f.err
}

func (f *fakeEngine) StartBot(_ context.Context, userID, id string) (*database.Bot, error) {
	f.lastUser, f.lastID = userID, id
	return &database.Bot{ID: id}, f.err
}

func (f *fakeEngine) StopBot(_ context.Context, userID, id string) (*database.Bot, error) {
	f.lastUser, f.lastID = userID, id
	return &database.Bot{ID: id}, f.err
}

func (f *fakeEngine) DeleteBot(_ context.Context, userID, id string) error {
	f.lastUser, f.lastID = userID, id
	return f.err
}

func (f *fakeEngine) StartAutoTrading(_ context.Context, userID string) (*database.AutoTradingState, error) {
	f.lastUser = userID
	return &database.AutoTradingState{UserID: userID, Enabled: true}, f.err
}

func (f *fakeEngine) StopAutoTrading(_ context.Context, userID string) (*database.AutoTradingState, error) {
	f.lastUser = userID
	return &database.AutoTradingState{UserID: userID}, f.err
}

func (f *fakeEngine) ResumeAutoTrading(_ context.Context, userID string) (*database.AutoTradingState, error) {
	f.lastUser = userID
	return &database.AutoTradingState{UserID: userID}, f.err
}

func (f *fakeEngine) UpdateAutoTradingConfig(_ context.Context, userID string, cfg database.AutoTradingConfig) (*database.AutoTradingState, error) {
	f.lastUser = userID
	f.autoConfig = cfg
	return &database.AutoTradingState{UserID: userID, Config: cfg}, f.err
}

func (f *fakeEngine) GetAutoTradingState(_ context.Context, userID string) (*engine.AutoTradingStatus, error) {
	f.lastUser = userID
	return &engine.AutoTradingStatus{State: &database.AutoTradingState{UserID: userID}}, f.err
}

func (f *fakeEngine) GetTradeHistory(_ context.Context, userID string, limit int) ([]*database.TradeExecution, error) {
	f.lastUser = userID
	f.lastLimit = limit
	return []*database.TradeExecution{}, f.err
}

func (f *fakeEngine) GetSignals(_ context.Context, symbols []string) ([]*market.Signal, error) {
	f.symbols = symbols
	return nil, f.err
}

type failingCheck struct{}

func (failingCheck) HealthCheck(context.Context) error { return fmt.Errorf("down") }

func newTestServer(eng Engine, jwt *auth.JWTManager) (*Server, *Hub) {
	hub := NewHub(zerolog.Nop())
	cfg := config.ServerConfig{Port: 0, Mode: gin.TestMode, AllowedOrigins: []string{"*"}}
	return NewServer(cfg, eng, hub, jwt, "dev-user", zerolog.Nop()), hub
}

func do(s *Server, method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHandlers_Routes(t *testing.T) {
	eng := &fakeEngine{}
	s, _ := newTestServer(eng, nil)

	w := do(s, http.MethodPost, "/api/conditional-orders",
		`{"symbol":"BTCUSDT","condition":"below","triggerPrice":95,"action":{"side":"BUY","amountType":"usd","amount":100}}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create conditional: status %d body %s", w.Code, w.Body.String())
	}
	if eng.lastUser != "dev-user" {
		t.Errorf("caller = %q, want dev-user", eng.lastUser)
	}

	w = do(s, http.MethodGet, "/api/conditional-orders?status=active,Triggered", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list conditional: status %d", w.Code)
	}
	if len(eng.statuses) != 2 || eng.statuses[1] != database.ConditionalTriggered {
		t.Errorf("statuses = %v", eng.statuses)
	}

	w = do(s, http.MethodPut, "/api/rules/r-9", `{"name":"dip","conditionLogic":"AND"}`)
	if w.Code != http.StatusOK || eng.rule == nil || eng.rule.ID != "r-9" {
		t.Errorf("update rule: status %d rule %+v", w.Code, eng.rule)
	}

	w = do(s, http.MethodPost, "/api/rules/r-9/toggle", `{"enabled":false}`)
	if w.Code != http.StatusOK || eng.enabled == nil || *eng.enabled {
		t.Errorf("toggle rule: status %d enabled %v", w.Code, eng.enabled)
	}
	w = do(s, http.MethodPost, "/api/rules/r-9/toggle", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("toggle without enabled: status %d, want 400", w.Code)
	}

	w = do(s, http.MethodDelete, "/api/bots/b-1", "")
	if w.Code != http.StatusNoContent || eng.lastID != "b-1" {
		t.Errorf("delete bot: status %d id %q", w.Code, eng.lastID)
	}

	w = do(s, http.MethodPut, "/api/autotrading/config", `{"mode":"fixed","strategy":"momentum","capitalUsd":500}`)
	if w.Code != http.StatusOK || eng.autoConfig.Strategy != "momentum" {
		t.Errorf("update config: status %d cfg %+v", w.Code, eng.autoConfig)
	}

	w = do(s, http.MethodGet, "/api/trades?limit=25", "")
	if w.Code != http.StatusOK || eng.lastLimit != 25 {
		t.Errorf("trades: status %d limit %d", w.Code, eng.lastLimit)
	}
	w = do(s, http.MethodGet, "/api/trades?limit=abc", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("trades bad limit: status %d, want 400", w.Code)
	}

	w = do(s, http.MethodGet, "/api/signals?symbols=btcusdt,%20ETHUSDT", "")
	if w.Code != http.StatusOK {
		t.Fatalf("signals: status %d", w.Code)
	}
	if len(eng.symbols) != 2 || eng.symbols[0] != "BTCUSDT" || eng.symbols[1] != "ETHUSDT" {
		t.Errorf("symbols = %v", eng.symbols)
	}
}

func TestHandlers_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		field  string
	}{
		{"validation", database.Invalid("triggerPrice", "must be positive"), http.StatusBadRequest, "triggerPrice"},
		{"not found", fmt.Errorf("get order: %w", database.ErrNotFound), http.StatusNotFound, ""},
		{"conflict", database.ErrConflict, http.StatusConflict, ""},
		{"not cancellable", fmt.Errorf("%w: order is executed", conditional.ErrNotCancellable), http.StatusConflict, ""},
		{"internal", fmt.Errorf("connection refused"), http.StatusInternalServerError, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(&fakeEngine{err: tt.err}, nil)
			w := do(s, http.MethodDelete, "/api/conditional-orders/co-1", "")
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			var body map[string]interface{}
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if tt.field != "" && body["field"] != tt.field {
				t.Errorf("field = %v, want %s", body["field"], tt.field)
			}
			if tt.status == http.StatusInternalServerError && body["message"] != "internal error" {
				t.Errorf("internal error leaked: %v", body["message"])
			}
		})
	}
}

func TestHandlers_RequireToken(t *testing.T) {
	jwt := auth.NewJWTManager("secret", "autotrader", time.Hour)
	eng := &fakeEngine{}
	s, _ := newTestServer(eng, jwt)

	if w := do(s, http.MethodGet, "/api/rules", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status %d, want 401", w.Code)
	}

	token, err := jwt.GenerateAccessToken(auth.UserClaims{UserID: "alice"})
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	w := do(s, http.MethodGet, "/api/rules", "", "Authorization", "Bearer "+token)
	if w.Code != http.StatusOK {
		t.Fatalf("with token: status %d", w.Code)
	}
	if eng.lastUser != "alice" {
		t.Errorf("caller = %q, want alice", eng.lastUser)
	}
}

func TestHandleHealth(t *testing.T) {
	s, _ := newTestServer(&fakeEngine{}, nil)
	if w := do(s, http.MethodGet, "/health", ""); w.Code != http.StatusOK {
		t.Errorf("healthy: status %d", w.Code)
	}
	s.AddHealthCheck("database", failingCheck{})
	if w := do(s, http.MethodGet, "/health", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy: status %d", w.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(60, 2)
	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("burst should be allowed")
	}
	if rl.Allow("a") {
		t.Error("third immediate request should be limited")
	}
	if !rl.Allow("b") {
		t.Error("keys must be limited independently")
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]interface{}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestHub_RoutesUserEvents(t *testing.T) {
	s, hub := newTestServer(&fakeEngine{}, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if msg := readEvent(t, conn); msg["type"] != "CONNECTED" {
		t.Fatalf("first message = %v", msg)
	}
	if hub.UserClientCount("dev-user") != 1 {
		t.Fatalf("dev-user connections = %d", hub.UserClientCount("dev-user"))
	}

	bus := events.NewSyncEventBus()
	hub.Attach(bus)
	bus.Publish(events.Event{Type: events.EventBotTrade, UserID: "someone-else"})
	bus.Publish(events.Event{Type: events.EventRuleAlert, UserID: "dev-user"})
	bus.Publish(events.Event{Type: events.EventError})

	if msg := readEvent(t, conn); msg["type"] != string(events.EventRuleAlert) {
		t.Errorf("got %v, want the user's own event", msg["type"])
	}
	if msg := readEvent(t, conn); msg["type"] != string(events.EventError) {
		t.Errorf("got %v, want the broadcast event", msg["type"])
	}

	hub.DisconnectUser("dev-user")
	if hub.ClientCount() != 0 {
		t.Errorf("clients after disconnect = %d", hub.ClientCount())
	}
}
