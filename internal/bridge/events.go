package bridge

import (
	"log/slog"
	"sync"
	"time"
)

// Event types.
const (
	EventGatewayReady   = "gateway_ready"
	EventTelemetry      = "telemetry"
	EventNodeDiscovered = "node_discovered"
	EventCommand        = "command"
)

// Event is something the bridge observed.
type Event struct {
	Type   string    `json:"type"`
	NodeID string    `json:"node_id,omitempty"`
	Time   time.Time `json:"time"`
	Data   any       `json:"data,omitempty"`
}

// TelemetryData is the Data of an EventTelemetry.
type TelemetryData struct {
	Fields map[string]any `json:"fields"`
}

// CommandData is the Data of an EventCommand.
type CommandData struct {
	Payload string `json:"payload"`
	Source  string `json:"source"`
	Error   string `json:"error,omitempty"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

type handlerEntry struct {
	id        uint64
	eventType string // empty matches every event
	fn        EventHandler
}

// EventBus fans bridge events out to the store, the web hub and scripts.
// Handlers run synchronously on the emitting goroutine.
type EventBus struct {
	mu       sync.RWMutex
	handlers []handlerEntry
	nextID   uint64
	logger   *slog.Logger
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{logger: logger.With("component", "events")}
}

// On registers handler for one event type and returns its unsubscribe func.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eb.nextID
	eb.handlers = append(eb.handlers, handlerEntry{id: id, eventType: eventType, fn: handler})
	return func() { eb.remove(id) }
}

// OnAll registers handler for every event type.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.On("", handler)
}

// Emit delivers event to matching handlers. A panicking handler is logged
// and skipped. Emit on a nil bus is a no-op.
func (eb *EventBus) Emit(event Event) {
	if eb == nil {
		return
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	eb.mu.RLock()
	matched := make([]EventHandler, 0, len(eb.handlers))
	for _, h := range eb.handlers {
		if h.eventType == "" || h.eventType == event.Type {
			matched = append(matched, h.fn)
		}
	}
	eb.mu.RUnlock()

	for _, fn := range matched {
		eb.call(fn, event)
	}
}

func (eb *EventBus) call(fn EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "node", event.NodeID, "panic", r)
		}
	}()
	fn(event)
}

func (eb *EventBus) remove(id uint64) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for i, h := range eb.handlers {
		if h.id == id {
			eb.handlers = append(eb.handlers[:i:i], eb.handlers[i+1:]...)
			return
		}
	}
}
