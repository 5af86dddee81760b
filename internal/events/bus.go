// Package events provides a simple publish-subscribe event bus for SSE delivery.
package events

import (
	"sync"
	"time"
)

const subBufferSize = 8

// Kind names an event type. It is sent as the SSE event name.
type Kind string

const (
	KindUpdateStarted   Kind = "update.started"
	KindUpdateProgress  Kind = "update.progress"
	KindUpdateCommitted Kind = "update.committed"
	KindUpdateAborted   Kind = "update.aborted"
	KindSettingsChanged Kind = "settings.changed"
	KindRestarting      Kind = "system.restarting"
)

// Event is one notification. Update events carry the session counters;
// other kinds only set Message.
type Event struct {
	Kind     Kind      `json:"kind"`
	Session  string    `json:"session,omitempty"`
	Received int64     `json:"received,omitempty"`
	Written  int64     `json:"written,omitempty"`
	Expected int64     `json:"expected,omitempty"`
	Message  string    `json:"message,omitempty"`
	Time     time.Time `json:"time"`
}

// Percent returns update progress as a percentage of the declared length.
func (e Event) Percent() float64 {
	if e.Expected <= 0 {
		return 0
	}
	return float64(e.Received) / float64(e.Expected) * 100
}

// Bus is a non-blocking publish-subscribe event bus.
// Subscribers that are slow to consume events will have events dropped rather
// than blocking publishers.
type Bus struct {
	mu   sync.Mutex
	subs map[string]chan Event
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string]chan Event),
	}
}

// Subscribe creates a new subscription with the given ID.
// Call Unsubscribe when done to clean up.
func (b *Bus) Subscribe(id string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, subBufferSize)
	b.subs[id] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish sends an event to all subscribers, stamping the time if unset.
// If a subscriber's channel is full, the event is dropped (non-blocking).
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Drop if subscriber is slow
		}
	}
}

// SubscriberCount returns the current number of subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
