package fmtest

import (
	"sync"
	"time"

	fm "github.com/blacktop/go-fmbridge"
)

// Recorder captures every event a module emits.
type Recorder struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events []fm.Event
	subs   []fm.Subscription
}

// Record subscribes a new Recorder to every event of m.
func Record(m *fm.Module) *Recorder {
	r := &Recorder{}
	r.cond = sync.NewCond(&r.mu)
	for _, name := range fm.Events {
		r.subs = append(r.subs, m.AddListener(name, r.add))
	}
	return r
}

func (r *Recorder) add(ev fm.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.cond.Broadcast()
}

// Stop removes the recorder's listeners.
func (r *Recorder) Stop() {
	for _, s := range r.subs {
		s.Remove()
	}
}

// Events returns the events recorded for sessionID, in emission order.
func (r *Recorder) Events(sessionID string) []fm.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []fm.Event
	for _, ev := range r.events {
		if ev.SessionID == sessionID {
			out = append(out, ev)
		}
	}
	return out
}

// All returns every recorded event.
func (r *Recorder) All() []fm.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]fm.Event(nil), r.events...)
}

// IsTerminal reports whether ev ends its session.
func IsTerminal(ev fm.Event) bool {
	switch p := ev.Payload.(type) {
	case fm.StreamingChunk:
		return p.IsComplete
	case fm.StructuredStreamingChunk:
		return p.IsComplete
	case fm.StreamingError, fm.StreamingCancelled:
		return true
	}
	return false
}

// WaitTerminal blocks until sessionID's terminal event is recorded or
// timeout elapses.
func (r *Recorder) WaitTerminal(sessionID string, timeout time.Duration) (fm.Event, bool) {
	return r.WaitFor(timeout, func(ev fm.Event) bool {
		return ev.SessionID == sessionID && IsTerminal(ev)
	})
}

// WaitFor blocks until an event matching match is recorded or timeout
// elapses.
func (r *Recorder) WaitFor(timeout time.Duration, match func(fm.Event) bool) (fm.Event, bool) {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, r.cond.Broadcast)
	defer timer.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		for _, ev := range r.events {
			if match(ev) {
				return ev, true
			}
		}
		if !time.Now().Before(deadline) {
			return fm.Event{}, false
		}
		r.cond.Wait()
	}
}
