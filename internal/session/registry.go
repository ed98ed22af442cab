// Package session tracks in-flight streaming generations by session id.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ErrDuplicateID is returned by Add when an entry with the same id is already registered.
var ErrDuplicateID = errors.New("session: duplicate id")

// Entry is one in-flight streaming generation.
type Entry struct {
	ID         string
	SchemaType string // empty for plain text streams
	StartedAt  time.Time

	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// NewEntry creates an entry whose generation is stopped by cancel.
func NewEntry(id, schemaType string, cancel context.CancelFunc) *Entry {
	return &Entry{
		ID:         id,
		SchemaType: schemaType,
		StartedAt:  time.Now(),
		cancel:     cancel,
	}
}

// Cancel marks the entry cancelled and cancels its context. Only the first
// call returns true.
func (e *Entry) Cancel() bool {
	if !e.cancelled.CompareAndSwap(false, true) {
		return false
	}
	if e.cancel != nil {
		e.cancel()
	}
	return true
}

// Cancelled reports whether Cancel has been called.
func (e *Entry) Cancelled() bool {
	return e.cancelled.Load()
}

// Registry owns the entries of every active session.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Add registers e under e.ID.
func (r *Registry) Add(e *Entry) error {
	if e == nil || e.ID == "" {
		return fmt.Errorf("session: entry has no id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[e.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, e.ID)
	}
	r.entries[e.ID] = e
	return nil
}

// Remove deletes the entry for id. The boolean is true only for the caller
// that actually removed it.
func (r *Registry) Remove(id string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	return e, ok
}

// Lookup returns the entry for id.
func (r *Registry) Lookup(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// IDs returns the ids of all active sessions in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// CancelAll cancels every registered entry and returns how many were newly
// cancelled. Entries stay registered until their goroutine removes them.
func (r *Registry) CancelAll() int {
	r.mu.RLock()
	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	n := 0
	for _, e := range entries {
		if e.Cancel() {
			n++
		}
	}
	return n
}
