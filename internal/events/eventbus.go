// Package events provides the in-process bus connecting the registry,
// training sessions, and the coordination server.
package events

import (
	"sync"
	"time"
)

// EventType represents the type of coordination event.
type EventType string

const (
	EventConnectionRegistered EventType = "connection_registered"
	EventConnectionClosed     EventType = "connection_closed"
	EventConnectionStale      EventType = "connection_stale"
	EventTrainingStarted      EventType = "training_started"
	EventTrainingEnded        EventType = "training_ended"
	EventGuidanceRequired     EventType = "guidance_required"
	EventPatternCaptured      EventType = "pattern_captured"
	EventPatternMatched       EventType = "pattern_matched"
	EventRequestDispatched    EventType = "request_dispatched"
	EventRequestSettled       EventType = "request_settled"
	EventExtensionEvent       EventType = "extension_event"
)

// Event represents a coordination event with associated data.
type Event struct {
	Type         EventType
	Timestamp    time.Time
	ConnectionID string
	TabID        int
	Data         map[string]interface{}
}

// EventHandler is a function that handles events.
type EventHandler func(Event)

// EventBus manages event publication and subscription.
// It provides a decoupled way for coordination components to communicate.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[EventType][]EventHandler
	allHandlers []EventHandler
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]EventHandler),
	}
}

// Subscribe registers a handler for a specific event type.
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

// SubscribeAll registers a handler for all event types.
func (eb *EventBus) SubscribeAll(handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.allHandlers = append(eb.allHandlers, handler)
}

// Publish sends an event to all registered handlers.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	// Set timestamp if not already set
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Notify specific handlers
	if handlers, ok := eb.handlers[event.Type]; ok {
		for _, handler := range handlers {
			handler(event)
		}
	}

	// Notify all-event handlers
	for _, handler := range eb.allHandlers {
		handler(event)
	}
}

// PublishTab is a convenience method for tab-scoped events without data.
func (eb *EventBus) PublishTab(eventType EventType, tabID int) {
	eb.Publish(Event{
		Type:  eventType,
		TabID: tabID,
	})
}

// PublishConnection is a convenience method for connection-scoped events.
func (eb *EventBus) PublishConnection(eventType EventType, connectionID string, tabID int) {
	eb.Publish(Event{
		Type:         eventType,
		ConnectionID: connectionID,
		TabID:        tabID,
	})
}
