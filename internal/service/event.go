package service

import (
	"context"
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventTypeServiceStarted EventType = "service.started"
	EventTypeServiceStopped EventType = "service.stopped"
	EventTypeServiceError   EventType = "service.error"

	EventTypeSessionOpened  EventType = "recording.session_opened"
	EventTypeSessionClosed  EventType = "recording.session_closed"
	EventTypeSessionRefused EventType = "recording.session_refused"

	EventTypeProximityClose EventType = "proximity.close"
	EventTypeProximityFar   EventType = "proximity.far"

	EventTypeSourceFailed     EventType = "source.failed"
	EventTypeRecordingsPruned EventType = "storage.recordings_pruned"
)

// Event represents an event in the system
type Event struct {
	Type      EventType
	Source    string // Service that emitted the event
	Timestamp time.Time
	Data      map[string]interface{}
}

// EventBus fans events out to subscribers without blocking publishers. A
// subscriber whose buffer is full misses the event.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	wildcard    []chan Event
	bufferSize  int
	closed      bool
}

// NewEventBus creates a new event bus
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &EventBus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe subscribes to events of a specific type
func (eb *EventBus) Subscribe(eventType EventType) <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan Event, eb.bufferSize)
	if eb.closed {
		close(ch)
		return ch
	}
	eb.subscribers[eventType] = append(eb.subscribers[eventType], ch)
	return ch
}

// SubscribeAll subscribes to every event type, including ones first
// published after the call.
func (eb *EventBus) SubscribeAll() <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan Event, eb.bufferSize)
	if eb.closed {
		close(ch)
		return ch
	}
	eb.wildcard = append(eb.wildcard, ch)
	return ch
}

// Publish publishes an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, sub := range eb.subscribers[event.Type] {
		select {
		case sub <- event:
		default:
		}
	}
	for _, sub := range eb.wildcard {
		select {
		case sub <- event:
		default:
		}
	}
}

// Unsubscribe removes and closes a subscription. Use the zero EventType for
// channels obtained from SubscribeAll.
func (eb *EventBus) Unsubscribe(eventType EventType, ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	remove := func(subs []chan Event) []chan Event {
		for i, sub := range subs {
			if sub == ch {
				close(sub)
				return append(subs[:i], subs[i+1:]...)
			}
		}
		return subs
	}
	if eventType == "" {
		eb.wildcard = remove(eb.wildcard)
		return
	}
	eb.subscribers[eventType] = remove(eb.subscribers[eventType])
}

// Close closes all subscriptions. Later publishes are dropped.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return
	}
	eb.closed = true

	for eventType, subs := range eb.subscribers {
		for _, sub := range subs {
			close(sub)
		}
		delete(eb.subscribers, eventType)
	}
	for _, sub := range eb.wildcard {
		close(sub)
	}
	eb.wildcard = nil
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// SubscribeWithHandler runs handler for each event of eventType until ctx is
// done or the bus closes. Handler errors go to onError when it is non-nil.
func (eb *EventBus) SubscribeWithHandler(ctx context.Context, eventType EventType, handler EventHandler, onError func(error)) {
	ch := eb.Subscribe(eventType)
	go func() {
		for {
			select {
			case event, ok := <-ch:
				if !ok {
					return
				}
				if err := handler(ctx, event); err != nil && onError != nil {
					onError(err)
				}
			case <-ctx.Done():
				eb.Unsubscribe(eventType, ch)
				return
			}
		}
	}()
}
