package fm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"

	"github.com/blacktop/go-fmbridge/internal/bridge"
	"github.com/blacktop/go-fmbridge/internal/metrics"
	"github.com/blacktop/go-fmbridge/internal/session"
)

// modelNone is reported in metadata when no platform call was made.
const modelNone = "none"

// Event is one message on the module's event bridge.
type Event = bridge.Event

// Subscription is returned by the listener registration methods.
type Subscription interface {
	Remove()
}

// Module is the binding surface: availability, one-shot generation and
// streaming sessions whose events are broadcast to every listener.
//
// A Module is safe for concurrent use.
type Module struct {
	model    Model
	registry *session.Registry
	bus      *bridge.Bus
	log      log.Interface
	newID    func() string

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Module.
type Option func(*Module)

// WithLogger sets the logger (default log.Log).
func WithLogger(l log.Interface) Option {
	return func(m *Module) { m.log = l }
}

// WithRegistry makes the module track sessions in r.
func WithRegistry(r *session.Registry) Option {
	return func(m *Module) { m.registry = r }
}

// WithBus makes the module emit events on b.
func WithBus(b *bridge.Bus) Option {
	return func(m *Module) { m.bus = b }
}

// New returns a Module driving model. A nil model selects the platform
// model with default shim discovery.
func New(model Model, opts ...Option) *Module {
	if model == nil {
		model = NewPlatformModel("")
	}
	m := &Module{
		model: model,
		log:   log.Log,
		newID: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = session.NewRegistry()
	}
	if m.bus == nil {
		m.bus = bridge.New()
	}
	return m
}

// ModelName returns the name reported in response metadata.
func (m *Module) ModelName() string {
	return m.model.Name()
}

// ModelInfo returns backend details when the model can describe itself.
func (m *Module) ModelInfo() string {
	if d, ok := m.model.(Describer); ok {
		return d.Info()
	}
	return m.model.Name()
}

// CheckAvailability probes the model. The result is never cached.
func (m *Module) CheckAvailability(ctx context.Context) Availability {
	return m.model.Availability(ctx)
}

// platformCheck fails with ErrShimNotLoaded when the model's native
// library could not be loaded, and with ErrUnsupportedPlatform when the
// framework cannot run here at all.
func (m *Module) platformCheck(ctx context.Context) error {
	avail := m.model.Availability(ctx)
	if avail.DeviceSupported {
		return nil
	}
	if l, ok := m.model.(Loader); ok {
		if err := l.Load(); err != nil {
			m.log.WithError(err).Debug("shim not loaded")
			return ErrShimNotLoaded
		}
	}
	if avail.Reason != nil {
		m.log.WithField("reason", *avail.Reason).Debug("platform unsupported")
	}
	return ErrUnsupportedPlatform
}

// GenerateText performs a single prompt/response round trip. Every failure
// is reported in the response's Error field.
func (m *Module) GenerateText(ctx context.Context, req Request) Response {
	if err := validateRequest(req); err != nil {
		return Response{Metadata: Metadata{Model: modelNone}, Error: err.Error(), err: err}
	}
	if err := m.platformCheck(ctx); err != nil {
		return Response{Metadata: Metadata{Model: modelNone}, Error: err.Error(), err: err}
	}

	start := time.Now()
	content, err := m.model.Respond(ctx, req)
	elapsed := time.Since(start)
	metrics.ObserveGeneration(metrics.KindText, err == nil, elapsed)

	if err != nil {
		err = fmt.Errorf("Text generation failed: %w", err)
		m.log.WithError(err).Warn("text generation")
		return Response{Metadata: Metadata{Model: m.model.Name()}, Error: err.Error(), err: err}
	}

	m.log.WithFields(log.Fields{
		"chars":    len(content),
		"duration": elapsed,
	}).Debug("text generated")

	return Response{
		Content: content,
		Metadata: Metadata{
			TokenCount:     estimateTokens(content),
			GenerationTime: elapsed.Seconds(),
			Model:          m.model.Name(),
		},
	}
}

// GenerateStructuredData performs a single round trip constrained to the
// schema named by req.SchemaType.
func (m *Module) GenerateStructuredData(ctx context.Context, req Request) StructuredResponse {
	fail := func(model string, err error) StructuredResponse {
		return StructuredResponse{
			Data:       map[string]any{},
			SchemaType: req.SchemaType,
			Metadata:   Metadata{Model: model},
			Error:      err.Error(),
			err:        err,
		}
	}

	if err := validateRequest(req); err != nil {
		return fail(modelNone, err)
	}
	schema, err := LookupSchema(req.SchemaType)
	if err != nil {
		return fail(modelNone, err)
	}
	if err := m.platformCheck(ctx); err != nil {
		return fail(modelNone, err)
	}

	start := time.Now()
	data, err := m.model.RespondStructured(ctx, req, schema)
	if err == nil {
		err = schema.Validate(data)
	}
	elapsed := time.Since(start)
	metrics.ObserveGeneration(metrics.KindStructured, err == nil, elapsed)

	if err != nil {
		err = fmt.Errorf("Structured data generation failed: %w", err)
		m.log.WithError(err).WithField("schema", schema.Name).Warn("structured generation")
		return fail(m.model.Name(), err)
	}

	return StructuredResponse{
		Data:       data,
		SchemaType: schema.Name,
		Metadata: Metadata{
			TokenCount:     estimateDataTokens(data),
			GenerationTime: elapsed.Seconds(),
			Model:          m.model.Name(),
		},
	}
}

// estimateDataTokens estimates tokens from the JSON encoding of data.
func estimateDataTokens(data map[string]any) int {
	raw, err := json.Marshal(data)
	if err != nil {
		return 0
	}
	return estimateTokens(string(raw))
}

// AddListener registers fn for every event named name, from every session.
func (m *Module) AddListener(name string, fn func(Event)) Subscription {
	return m.bus.AddListener(name, bridge.Listener(fn))
}

// OnStreamingChunk registers fn for text chunks of every session.
func (m *Module) OnStreamingChunk(fn func(StreamingChunk)) Subscription {
	return m.bus.AddListener(EventStreamingChunk, func(ev Event) {
		if c, ok := ev.Payload.(StreamingChunk); ok {
			fn(c)
		}
	})
}

// OnStructuredStreamingChunk registers fn for structured chunks of every session.
func (m *Module) OnStructuredStreamingChunk(fn func(StructuredStreamingChunk)) Subscription {
	return m.bus.AddListener(EventStructuredStreamingChunk, func(ev Event) {
		if c, ok := ev.Payload.(StructuredStreamingChunk); ok {
			fn(c)
		}
	})
}

// OnStreamingError registers fn for session failures.
func (m *Module) OnStreamingError(fn func(StreamingError)) Subscription {
	return m.bus.AddListener(EventStreamingError, func(ev Event) {
		if e, ok := ev.Payload.(StreamingError); ok {
			fn(e)
		}
	})
}

// OnStreamingCancelled registers fn for session cancellations.
func (m *Module) OnStreamingCancelled(fn func(StreamingCancelled)) Subscription {
	return m.bus.AddListener(EventStreamingCancelled, func(ev Event) {
		if c, ok := ev.Payload.(StreamingCancelled); ok {
			fn(c)
		}
	})
}

// ActiveSessions returns the ids of every in-flight session.
func (m *Module) ActiveSessions() []string {
	return m.registry.IDs()
}

// Close cancels every in-flight session and waits until all of them have
// emitted their terminal event, or ctx is done.
func (m *Module) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	if n := m.registry.CancelAll(); n > 0 {
		m.log.WithField("sessions", n).Debug("cancelling sessions on close")
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
