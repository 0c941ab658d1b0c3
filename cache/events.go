package cache

import (
	"sync"
	"time"
)

// EventType identifies a cache event.
type EventType string

const (
	EventHit               EventType = "hit"
	EventMiss              EventType = "miss"
	EventSet               EventType = "set"
	EventDelete            EventType = "delete"
	EventExpire            EventType = "expire"
	EventEvict             EventType = "evict"
	EventInvalidateTag     EventType = "invalidate:tag"
	EventInvalidatePattern EventType = "invalidate:pattern"
	EventError             EventType = "error"
	EventMetrics           EventType = "metrics"
	EventPrefetch          EventType = "prefetch"
	EventConnection        EventType = "connection"
)

// Event is a notification emitted by a cache layer. Fields are populated
// as applicable to the event type.
type Event struct {
	Type    EventType
	Layer   string
	Key     string
	Tag     string
	Pattern string
	Count   int
	Err     error
	Stats   *Stats
	State   string
	Time    time.Time
}

// notifier implements observer registration for cache events. Listeners are
// invoked synchronously in registration order; they must not block.
type notifier struct {
	layer string

	mu        sync.RWMutex
	listeners []func(Event)
}

// OnEvent registers a listener for all events emitted by this layer.
func (n *notifier) OnEvent(fn func(Event)) {
	n.mu.Lock()
	n.listeners = append(n.listeners, fn)
	n.mu.Unlock()
}

func (n *notifier) emit(ev Event) {
	ev.Layer = n.layer
	ev.Time = time.Now()
	n.mu.RLock()
	listeners := n.listeners
	n.mu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

func (n *notifier) emitType(t EventType, key string) {
	n.emit(Event{Type: t, Key: key})
}

func (n *notifier) emitError(err error) {
	n.emit(Event{Type: EventError, Err: err})
}
