// Package fmtest provides a scripted fm.Model and an event recorder for
// tests of code built on package fm.
package fmtest

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	fm "github.com/blacktop/go-fmbridge"
)

// Model is an in-memory fm.Model whose answers are set by the test.
//
// Streams emit Chunks (or Partials) in order. When Gate is non-nil every
// increment first waits for a value on Gate. When Hold is true the stream
// does not return after its last increment until its context is cancelled.
// LoadErr is returned from Load, standing in for a native library that
// failed to load.
type Model struct {
	NameValue string
	Avail     fm.Availability

	Content    string
	RespondErr error

	Structured    map[string]any
	StructuredErr error

	Chunks    []string
	Partials  []map[string]any
	StreamErr error
	Gate      chan struct{}
	Hold      bool

	LoadErr error

	calls atomic.Int64

	mu       sync.Mutex
	requests []fm.Request
}

// New returns an available model named "fmtest".
func New() *Model {
	return &Model{NameValue: "fmtest", Avail: Available()}
}

// Available is the availability of a ready device.
func Available() fm.Availability {
	v := "1.0"
	return fm.Availability{IsAvailable: true, DeviceSupported: true, OSVersion: "macOS 26.0", FrameworkVersion: &v}
}

// Unavailable is a supported device whose model cannot run.
func Unavailable(reason string) fm.Availability {
	v := "1.0"
	return fm.Availability{DeviceSupported: true, OSVersion: "macOS 26.0", FrameworkVersion: &v, Reason: &reason}
}

// Unsupported is a platform without the framework.
func Unsupported() fm.Availability {
	reason := "Foundation Models requires iOS 26.0+ or macOS 26.0+"
	return fm.Availability{OSVersion: "macOS 15.5", Reason: &reason}
}

// Calls returns the number of generation calls made (availability probes
// are not counted).
func (m *Model) Calls() int {
	return int(m.calls.Load())
}

// Requests returns every request passed to a generation call.
func (m *Model) Requests() []fm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]fm.Request(nil), m.requests...)
}

func (m *Model) record(req fm.Request) {
	m.calls.Add(1)
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
}

func (m *Model) Name() string { return m.NameValue }

func (m *Model) Availability(context.Context) fm.Availability { return m.Avail }

func (m *Model) Load() error { return m.LoadErr }

func (m *Model) Respond(ctx context.Context, req fm.Request) (string, error) {
	m.record(req)
	if m.RespondErr != nil {
		return "", m.RespondErr
	}
	return m.Content, nil
}

func (m *Model) RespondStructured(ctx context.Context, req fm.Request, _ *fm.Schema) (map[string]any, error) {
	m.record(req)
	if m.StructuredErr != nil {
		return nil, m.StructuredErr
	}
	return maps.Clone(m.Structured), nil
}

func (m *Model) StreamResponse(ctx context.Context, req fm.Request, fn func(string) error) error {
	m.record(req)
	for _, c := range m.Chunks {
		if err := m.wait(ctx); err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return m.end(ctx)
}

func (m *Model) StreamStructured(ctx context.Context, req fm.Request, _ *fm.Schema, fn func(map[string]any) error) error {
	m.record(req)
	for _, p := range m.Partials {
		if err := m.wait(ctx); err != nil {
			return err
		}
		if err := fn(maps.Clone(p)); err != nil {
			return err
		}
	}
	return m.end(ctx)
}

func (m *Model) wait(ctx context.Context) error {
	if m.Gate == nil {
		return nil
	}
	select {
	case <-m.Gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Model) end(ctx context.Context) error {
	if m.Hold {
		<-ctx.Done()
		return ctx.Err()
	}
	return m.StreamErr
}

var (
	_ fm.Model  = (*Model)(nil)
	_ fm.Loader = (*Model)(nil)
)
