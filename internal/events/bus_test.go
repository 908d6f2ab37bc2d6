package events

import (
	"sync"
	"testing"
	"time"
)

func TestSyncEventBus_DeliversToTypedAndAllSubscribers(t *testing.T) {
	bus := NewSyncEventBus()

	var typed, all []Event
	bus.Subscribe(EventRuleAlert, func(e Event) { typed = append(typed, e) })
	bus.SubscribeAll(func(e Event) { all = append(all, e) })

	bus.Publish(Event{Type: EventRuleAlert, UserID: "u1"})
	bus.Publish(Event{Type: EventBotTrade, UserID: "u1", Severity: SeverityCritical})

	if len(typed) != 1 {
		t.Errorf("typed subscriber got %d events, want 1", len(typed))
	}
	if len(all) != 2 {
		t.Fatalf("catch-all subscriber got %d events, want 2", len(all))
	}
	if all[0].Severity != SeverityInfo || all[0].Timestamp.IsZero() {
		t.Errorf("defaults not applied: %+v", all[0])
	}
	if all[1].Severity != SeverityCritical {
		t.Errorf("severity overwritten: %s", all[1].Severity)
	}
}

func TestEventBus_AsyncDelivery(t *testing.T) {
	bus := NewEventBus()
	var wg sync.WaitGroup
	wg.Add(1)
	bus.SubscribeAll(func(Event) { wg.Done() })
	bus.Publish(Event{Type: EventError})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestRecorder_OfType(t *testing.T) {
	var r Recorder
	r.Publish(Event{Type: EventBotTrade})
	r.Publish(Event{Type: EventBotError})
	r.Publish(Event{Type: EventBotTrade})

	if got := len(r.OfType(EventBotTrade)); got != 2 {
		t.Errorf("OfType = %d, want 2", got)
	}
	if r.Events()[1].Severity != SeverityInfo {
		t.Errorf("severity default missing")
	}
}
