// Package bus provides an internal event bus for component communication
package bus

import (
	"sync"
	"time"
)

// EventType identifies different event types
type EventType string

// Event types for caredesk
const (
	// Conversation events
	EventTypeMessageAppended   EventType = "conversation.message_appended"
	EventTypeConversationClear EventType = "conversation.cleared"
	EventTypeStatsUpdated      EventType = "conversation.stats_updated"
	EventTypeAssistantReady    EventType = "conversation.assistant_ready"
	EventTypeTurnStarted       EventType = "turn.started"
	EventTypeTurnCompleted     EventType = "turn.completed"
	EventTypeTurnFailed        EventType = "turn.failed"

	// Capture events
	EventTypeCaptureStateChanged EventType = "capture.state_changed"
	EventTypeTranscriptReady     EventType = "capture.transcript_ready"
	EventTypeTranscriptFailed    EventType = "capture.transcript_failed"

	// Realtime voice events
	EventTypeVoiceStateChanged    EventType = "voice.state_changed"
	EventTypeVoiceSpeakingChanged EventType = "voice.speaking_changed"
	EventTypeVoiceMuteChanged     EventType = "voice.mute_changed"

	// Speech output events
	EventTypeSpeakingStarted EventType = "tts.started"
	EventTypeSpeakingStopped EventType = "tts.completed"

	// Transient user-facing notifications
	EventTypeNotification EventType = "ui.notification"
)

// Notification levels carried in EventTypeNotification data
const (
	LevelInfo    = "info"
	LevelSuccess = "success"
	LevelError   = "error"
)

// Event represents a bus event
type Event struct {
	Type EventType
	Data map[string]any
	Time time.Time
}

// Handler is a function that handles events
type Handler func(Event)

// EventBus is a simple pub/sub event bus
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	all      []Handler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe adds a handler for an event type
func (b *EventBus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll adds a handler that receives every event
func (b *EventBus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.all = append(b.all, handler)
}

func (b *EventBus) handlersFor(eventType EventType) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	handlers := make([]Handler, 0, len(b.handlers[eventType])+len(b.all))
	handlers = append(handlers, b.handlers[eventType]...)
	handlers = append(handlers, b.all...)
	return handlers
}

// Publish sends an event to all subscribed handlers
func (b *EventBus) Publish(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	for _, handler := range b.handlersFor(event.Type) {
		// Call handlers in goroutines to avoid blocking
		go handler(event)
	}
}

// PublishSync sends an event and waits for all handlers to complete
func (b *EventBus) PublishSync(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	var wg sync.WaitGroup
	for _, handler := range b.handlersFor(event.Type) {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			h(event)
		}(handler)
	}
	wg.Wait()
}

// Notify publishes a transient user-facing notification
func (b *EventBus) Notify(level, message string) {
	b.Publish(Event{
		Type: EventTypeNotification,
		Data: map[string]any{"level": level, "message": message},
	})
}
