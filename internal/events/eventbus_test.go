package events

import (
	"sync"
	"testing"
	"time"
)

func TestNewEventBus(t *testing.T) {
	eb := NewEventBus()
	if eb == nil {
		t.Fatal("expected non-nil EventBus")
	}
	if eb.handlers == nil {
		t.Fatal("expected non-nil handlers map")
	}
}

func TestEventBus_Subscribe(t *testing.T) {
	eb := NewEventBus()
	called := false

	eb.Subscribe(EventConnectionRegistered, func(e Event) {
		called = true
	})

	eb.Publish(Event{Type: EventConnectionRegistered})

	if !called {
		t.Error("handler was not called")
	}
}

func TestEventBus_SubscribeAll(t *testing.T) {
	eb := NewEventBus()
	count := 0

	eb.SubscribeAll(func(e Event) {
		count++
	})

	eb.Publish(Event{Type: EventConnectionRegistered})
	eb.Publish(Event{Type: EventTrainingStarted})
	eb.Publish(Event{Type: EventPatternCaptured})

	if count != 3 {
		t.Errorf("expected 3 calls, got %d", count)
	}
}

func TestEventBus_PublishTab(t *testing.T) {
	eb := NewEventBus()
	var received Event

	eb.Subscribe(EventTrainingStarted, func(e Event) {
		received = e
	})

	eb.PublishTab(EventTrainingStarted, 7)

	if received.TabID != 7 {
		t.Errorf("expected tab 7, got %d", received.TabID)
	}
	if received.Type != EventTrainingStarted {
		t.Errorf("expected type EventTrainingStarted, got %v", received.Type)
	}
}

func TestEventBus_PublishConnection(t *testing.T) {
	eb := NewEventBus()
	var received Event

	eb.Subscribe(EventConnectionClosed, func(e Event) {
		received = e
	})

	eb.PublishConnection(EventConnectionClosed, "conn-123", 4)

	if received.ConnectionID != "conn-123" {
		t.Errorf("expected connection 'conn-123', got %q", received.ConnectionID)
	}
	if received.TabID != 4 {
		t.Errorf("expected tab 4, got %d", received.TabID)
	}
}

func TestEventBus_TimestampAutoSet(t *testing.T) {
	eb := NewEventBus()
	var received Event

	eb.Subscribe(EventPatternMatched, func(e Event) {
		received = e
	})

	before := time.Now()
	eb.Publish(Event{Type: EventPatternMatched})
	after := time.Now()

	if received.Timestamp.Before(before) || received.Timestamp.After(after) {
		t.Error("timestamp not set correctly")
	}
}

func TestEventBus_DifferentEventTypes(t *testing.T) {
	eb := NewEventBus()
	startCalled := false
	endCalled := false

	eb.Subscribe(EventTrainingStarted, func(e Event) {
		startCalled = true
	})
	eb.Subscribe(EventTrainingEnded, func(e Event) {
		endCalled = true
	})

	eb.Publish(Event{Type: EventTrainingStarted})

	if !startCalled {
		t.Error("start handler was not called")
	}
	if endCalled {
		t.Error("end handler should not have been called")
	}
}

func TestEventBus_ConcurrentPublish(t *testing.T) {
	eb := NewEventBus()
	var count int
	var mu sync.Mutex

	eb.SubscribeAll(func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eb.Publish(Event{Type: EventRequestDispatched})
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if count != 100 {
		t.Errorf("expected 100 events, got %d", count)
	}
}

func TestEventType_Constants(t *testing.T) {
	types := []EventType{
		EventConnectionRegistered,
		EventConnectionClosed,
		EventConnectionStale,
		EventTrainingStarted,
		EventTrainingEnded,
		EventGuidanceRequired,
		EventPatternCaptured,
		EventPatternMatched,
		EventRequestDispatched,
		EventRequestSettled,
		EventExtensionEvent,
	}

	for _, et := range types {
		if string(et) == "" {
			t.Error("event type should not be empty")
		}
	}
}
