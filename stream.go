package fm

import (
	"context"
	"fmt"

	"github.com/apex/log"

	"github.com/blacktop/go-fmbridge/internal/bridge"
	"github.com/blacktop/go-fmbridge/internal/metrics"
	"github.com/blacktop/go-fmbridge/internal/session"
)

// StartStreamingSession validates req, registers a new session and starts
// generating in the background. Only validation and platform support are
// checked synchronously; every later failure arrives as an
// onStreamingError event.
func (m *Module) StartStreamingSession(ctx context.Context, req Request) StreamingSession {
	if err := validateRequest(req); err != nil {
		return StreamingSession{Error: err.Error(), err: err}
	}
	if err := m.platformCheck(ctx); err != nil {
		return StreamingSession{Error: err.Error(), err: err}
	}

	e, sctx, cancel, err := m.register("")
	if err != nil {
		return StreamingSession{Error: fmt.Sprintf("Failed to start streaming session: %v", err), err: err}
	}

	go m.runText(sctx, cancel, e, req)

	return StreamingSession{SessionID: e.ID, IsActive: true}
}

// StartStructuredStreamingSession is StartStreamingSession for a
// structured target. req.SchemaType defaults to "product".
func (m *Module) StartStructuredStreamingSession(ctx context.Context, req Request) StreamingSession {
	if req.SchemaType == "" {
		req.SchemaType = SchemaProduct
	}
	if err := validateRequest(req); err != nil {
		return StreamingSession{SchemaType: req.SchemaType, Error: err.Error(), err: err}
	}
	schema, err := LookupSchema(req.SchemaType)
	if err != nil {
		return StreamingSession{SchemaType: req.SchemaType, Error: err.Error(), err: err}
	}
	if err := m.platformCheck(ctx); err != nil {
		return StreamingSession{SchemaType: schema.Name, Error: err.Error(), err: err}
	}

	e, sctx, cancel, err := m.register(schema.Name)
	if err != nil {
		return StreamingSession{
			SchemaType: schema.Name,
			Error:      fmt.Sprintf("Failed to start structured streaming session: %v", err),
			err:        err,
		}
	}

	go m.runStructured(sctx, cancel, e, req, schema)

	return StreamingSession{SessionID: e.ID, IsActive: true, SchemaType: schema.Name}
}

// CancelStreamingSession asks the session to stop. The session's goroutine
// observes the cancellation at its next increment boundary, emits
// onStreamingCancelled and unregisters. Unknown or finished ids are
// ignored; the result reports whether a live session was cancelled.
func (m *Module) CancelStreamingSession(id string) bool {
	e, ok := m.registry.Lookup(id)
	if !ok {
		return false
	}
	if !e.Cancel() {
		return false
	}
	m.log.WithField("session", id).Debug("cancel requested")
	return true
}

// CancelStructuredStreamingSession is CancelStreamingSession; both kinds
// share one registry.
func (m *Module) CancelStructuredStreamingSession(id string) bool {
	return m.CancelStreamingSession(id)
}

// register allocates an id and adds the session to the registry. The
// session context is detached from the caller's so a finished start call
// does not stop generation.
func (m *Module) register(schemaType string) (*session.Entry, context.Context, context.CancelFunc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil, nil, ErrClosed
	}

	sctx, cancel := context.WithCancel(context.Background())
	e := session.NewEntry(m.newID(), schemaType, cancel)
	if err := m.registry.Add(e); err != nil {
		cancel()
		return nil, nil, nil, err
	}
	m.wg.Add(1)

	kind := metrics.KindText
	if schemaType != "" {
		kind = metrics.KindStructured
	}
	metrics.ObserveSessionStart(kind)
	m.log.WithFields(log.Fields{"session": e.ID, "kind": kind}).Debug("session started")
	return e, sctx, cancel, nil
}

func (m *Module) runText(ctx context.Context, cancel context.CancelFunc, e *session.Entry, req Request) {
	defer m.wg.Done()
	defer cancel()

	err := m.model.StreamResponse(ctx, req, func(content string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.emit(EventStreamingChunk, e.ID, StreamingChunk{
			SessionID:  e.ID,
			Content:    content,
			IsComplete: false,
			TokenCount: estimateTokens(content),
		})
		return nil
	})

	m.finish(e, metrics.KindText, err, func() {
		m.emit(EventStreamingChunk, e.ID, StreamingChunk{
			SessionID:  e.ID,
			Content:    "",
			IsComplete: true,
			TokenCount: 0,
		})
	})
}

func (m *Module) runStructured(ctx context.Context, cancel context.CancelFunc, e *session.Entry, req Request, schema *Schema) {
	defer m.wg.Done()
	defer cancel()

	err := m.model.StreamStructured(ctx, req, schema, func(partial map[string]any) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		data := schema.Project(partial)
		m.emit(EventStructuredStreamingChunk, e.ID, StructuredStreamingChunk{
			SessionID:  e.ID,
			Data:       data,
			SchemaType: schema.Name,
			IsComplete: false,
			IsPartial:  !schema.Complete(data),
		})
		return nil
	})

	m.finish(e, metrics.KindStructured, err, func() {
		m.emit(EventStructuredStreamingChunk, e.ID, StructuredStreamingChunk{
			SessionID:  e.ID,
			Data:       map[string]any{},
			SchemaType: schema.Name,
			IsComplete: true,
			IsPartial:  false,
		})
	})
}

// finish unregisters the session and emits its single terminal event. It
// runs on the session's own goroutine after the last chunk, so nothing for
// this session can be emitted afterwards.
func (m *Module) finish(e *session.Entry, kind string, err error, complete func()) {
	m.registry.Remove(e.ID)

	entry := m.log.WithFields(log.Fields{"session": e.ID, "kind": kind})
	switch {
	case e.Cancelled():
		m.emit(EventStreamingCancelled, e.ID, StreamingCancelled{SessionID: e.ID})
		metrics.ObserveSessionEnd(kind, metrics.OutcomeCancelled)
		entry.Debug("session cancelled")
	case err != nil:
		m.emit(EventStreamingError, e.ID, StreamingError{SessionID: e.ID, Error: err.Error()})
		metrics.ObserveSessionEnd(kind, metrics.OutcomeError)
		entry.WithError(err).Warn("session failed")
	default:
		complete()
		metrics.ObserveSessionEnd(kind, metrics.OutcomeComplete)
		entry.Debug("session complete")
	}
}

func (m *Module) emit(name, sessionID string, payload any) {
	m.bus.Emit(bridge.Event{Name: name, SessionID: sessionID, Payload: payload})
}
