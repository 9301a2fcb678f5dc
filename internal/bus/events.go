package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Event is a front desk occurrence published for observers such as metrics.
type Event struct {
	Type      string            // one of the Event* constants
	ChatKey   string            // channel-qualified chat, empty for process-wide events
	Labels    map[string]string // small, low-cardinality attributes (intent, action, recipient)
	Err       error             // set on failure events
	Timestamp time.Time
}

// Label returns the named label or "".
func (e Event) Label(name string) string {
	if e.Labels == nil {
		return ""
	}
	return e.Labels[name]
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus is a synchronous topic-based publish/subscribe hub with a bounded
// history. Handler panics are recovered and logged.
type EventBus struct {
	handlers   map[string][]namedHandler
	nextID     int
	mu         sync.RWMutex
	logger     *slog.Logger
	history    []Event
	maxHistory int
}

type namedHandler struct {
	ID      string
	Handler EventHandler
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:   make(map[string][]namedHandler),
		logger:     logger,
		maxHistory: 500,
	}
}

// On registers a handler for the given event type ("*" for all) and returns
// an ID usable with Off.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eventType + "-" + strconv.Itoa(eb.nextID)
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{ID: id, Handler: handler})
	return id
}

func (eb *EventBus) Off(eventType, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[eventType]
	for i, h := range handlers {
		if h.ID == handlerID {
			eb.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit records the event and calls every matching handler in registration order.
func (eb *EventBus) Emit(event Event) {
	if eb == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	if len(eb.history) >= eb.maxHistory {
		eb.history = eb.history[1:]
	}
	eb.history = append(eb.history, event)

	var handlers []namedHandler
	handlers = append(handlers, eb.handlers[event.Type]...)
	handlers = append(handlers, eb.handlers["*"]...)
	eb.mu.Unlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "event", event.Type, "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(event)
		}(h)
	}
}

// Replay returns historical events of the given type ("*" for all) at or after since.
func (eb *EventBus) Replay(eventType string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var result []Event
	for _, e := range eb.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if eventType == "*" || e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

// Last returns the most recent event of the given type.
func (eb *EventBus) Last(eventType string) (Event, bool) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	for i := len(eb.history) - 1; i >= 0; i-- {
		if eb.history[i].Type == eventType {
			return eb.history[i], true
		}
	}
	return Event{}, false
}

const (
	EventMessageClassified  = "message.classified"
	EventOnboardingStarted  = "onboarding.started"
	EventActionSent         = "action.sent"
	EventActionFailed       = "action.failed"
	EventMediaUnavailable   = "media.unavailable"
	EventEscalationSent     = "escalation.sent"
	EventEscalationFailed   = "escalation.failed"
	EventLedgerPersistError = "ledger.persist_failed"
)
