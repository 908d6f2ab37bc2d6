package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventConditionalTriggered EventType = "conditional.triggered"
	EventConditionalExecuted  EventType = "conditional.executed"
	EventConditionalFailed    EventType = "conditional.failed"
	EventConditionalExpired   EventType = "conditional.expired"
	EventConditionalCancelled EventType = "conditional.cancelled"

	EventRuleExecuted EventType = "rule.executed"
	EventRuleAlert    EventType = "rule.alert"
	EventRuleFailed   EventType = "rule.failed"

	EventBotTrade   EventType = "bot.trade"
	EventBotError   EventType = "bot.error"
	EventBotPaused  EventType = "bot.paused"
	EventBotStopped EventType = "bot.stopped"

	EventAutoTradeEntry    EventType = "autotrade.entry"
	EventAutoTradePaused   EventType = "autotrade.paused"
	EventAutoTradeResumed  EventType = "autotrade.resumed"
	EventAutoTradeStrategy EventType = "autotrade.strategy_selected"
	EventDailyReset        EventType = "autotrade.daily_reset"

	EventTradeExecuted       EventType = "execution.trade"
	EventProtectionAttached  EventType = "execution.protection_attached"
	EventPartialExecution    EventType = "execution.partial"
	EventResultDiscarded     EventType = "execution.discarded"
	EventManagedOrderUpdated EventType = "execution.managed_order"

	EventError EventType = "error"
)

// Severity grades how loudly an event should be surfaced
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	UserID    string                 `json:"userId,omitempty"`
	Severity  Severity               `json:"severity"`
	Message   string                 `json:"message,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Publisher is the write side of the bus used by engine components
type Publisher interface {
	Publish(event Event)
}

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
	sync        bool
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// NewSyncEventBus creates a bus that delivers on the publishing goroutine
func NewSyncEventBus() *EventBus {
	b := NewEventBus()
	b.sync = true
	return b
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	deliver := func(sub Subscriber) {
		if eb.sync {
			sub(event)
			return
		}
		go sub(event) // Run in goroutine to avoid blocking the tick
	}

	for _, sub := range eb.subscribers[event.Type] {
		deliver(sub)
	}
	for _, sub := range eb.allSubs {
		deliver(sub)
	}
}

// Recorder is a Publisher that keeps every event in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish records the event
func (r *Recorder) Publish(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}
	r.events = append(r.events, event)
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of type t
func (r *Recorder) OfType(t EventType) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Discard is a Publisher that drops everything
type Discard struct{}

// Publish drops the event
func (Discard) Publish(Event) {}
