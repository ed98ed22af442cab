// Package bridge implements the shared broadcast channel that carries
// streaming events from sessions to listeners.
//
// Every listener registered for an event name receives every event with that
// name, for every session. Listeners filter by SessionID. Delivery is
// synchronous in the emitting goroutine, so events of one session arrive in
// the order that session emitted them. An event emitted while nobody listens
// is dropped.
package bridge

import (
	"sort"
	"sync"

	"github.com/blacktop/go-fmbridge/internal/metrics"
)

// Event is one message on the bridge.
type Event struct {
	Name      string
	SessionID string
	Payload   any
}

// Listener receives events. It must not block for long: it runs on the
// emitting session's goroutine.
type Listener func(Event)

// Bus is a broadcast channel keyed by event name.
type Bus struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[string]map[uint64]Listener
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{listeners: make(map[string]map[uint64]Listener)}
}

// Subscription is the handle returned by AddListener.
type Subscription struct {
	bus  *Bus
	name string
	id   uint64
	once sync.Once
}

// Remove unregisters the listener. It is safe to call more than once.
func (s *Subscription) Remove() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if ls, ok := s.bus.listeners[s.name]; ok {
			delete(ls, s.id)
			if len(ls) == 0 {
				delete(s.bus.listeners, s.name)
			}
		}
	})
}

// AddListener registers fn for events named name.
func (b *Bus) AddListener(name string, fn Listener) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	ls, ok := b.listeners[name]
	if !ok {
		ls = make(map[uint64]Listener)
		b.listeners[name] = ls
	}
	ls[id] = fn
	return &Subscription{bus: b, name: name, id: id}
}

// ListenerCount returns how many listeners are registered for name.
func (b *Bus) ListenerCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[name])
}

// Emit delivers ev to every listener registered for ev.Name, in
// registration order, and returns the number of listeners reached.
func (b *Bus) Emit(ev Event) int {
	b.mu.RLock()
	ls := b.listeners[ev.Name]
	ids := make([]uint64, 0, len(ls))
	for id := range ls {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]Listener, len(ids))
	for i, id := range ids {
		fns[i] = ls[id]
	}
	b.mu.RUnlock()

	if len(fns) == 0 {
		metrics.IncEventDropped(ev.Name, metrics.DropNoListener)
		return 0
	}
	metrics.IncEventEmitted(ev.Name)
	for _, fn := range fns {
		fn(ev)
	}
	return len(fns)
}
