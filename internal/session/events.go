package session

import "time"

// EventType names a pool lifecycle transition.
type EventType string

const (
	EventCreated      EventType = "created"
	EventReused       EventType = "reused"
	EventDropped      EventType = "dropped"
	EventDegraded     EventType = "degraded"
	EventError        EventType = "error"
	EventInvalidated  EventType = "invalidated"
	EventReset        EventType = "reset"
	EventSwept        EventType = "swept"
	EventCreateFailed EventType = "create_failed"
)

// Event is emitted after the pool lock is released.
type Event struct {
	Type   EventType `json:"type"`
	Tenant string    `json:"tenant,omitempty"`
	Reason string    `json:"reason,omitempty"`
	Count  int       `json:"count,omitempty"`
	At     time.Time `json:"at"`
}

// Observer receives pool events. Implementations must not block for long;
// they run on the caller's goroutine.
type Observer interface {
	OnPoolEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// OnPoolEvent calls f.
func (f ObserverFunc) OnPoolEvent(e Event) { f(e) }
