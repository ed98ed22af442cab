package fm_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	fm "github.com/blacktop/go-fmbridge"
	"github.com/blacktop/go-fmbridge/fmtest"
)

const waitTimeout = 5 * time.Second

// closeModule waits for every session goroutine so the recorded event
// stream is final.
func closeModule(t *testing.T, m *fm.Module) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, m.Close(ctx))
}

// requireSingleTerminalLast asserts that events contains exactly one
// terminal event and that it is the last one.
func requireSingleTerminalLast(t *testing.T, events []fm.Event) fm.Event {
	t.Helper()
	require.NotEmpty(t, events)
	terminals := 0
	for _, ev := range events {
		if fmtest.IsTerminal(ev) {
			terminals++
		}
	}
	require.Equal(t, 1, terminals, "terminal events")
	last := events[len(events)-1]
	require.True(t, fmtest.IsTerminal(last), "last event %s is not terminal", last.Name)
	return last
}

func TestStreamingSessionCompletes(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	model := fmtest.New()
	model.Chunks = []string{"Once", "Once upon", "Once upon a time"}
	m := fm.New(model)
	rec := fmtest.Record(m)
	defer rec.Stop()

	s := m.StartStreamingSession(context.Background(), fm.Request{Prompt: "Tell a story"})
	require.Empty(t, s.Error)
	require.True(t, s.IsActive)
	require.NotEmpty(t, s.SessionID)

	_, ok := rec.WaitTerminal(s.SessionID, waitTimeout)
	require.True(t, ok)
	closeModule(t, m)

	events := rec.Events(s.SessionID)
	last := requireSingleTerminalLast(t, events)
	require.Len(t, events, 4)

	for i, want := range model.Chunks {
		c, ok := events[i].Payload.(fm.StreamingChunk)
		require.True(t, ok)
		assert.Equal(t, fm.EventStreamingChunk, events[i].Name)
		assert.Equal(t, want, c.Content)
		assert.False(t, c.IsComplete)
		assert.Equal(t, len(want)/4, c.TokenCount)
	}

	done := last.Payload.(fm.StreamingChunk)
	assert.True(t, done.IsComplete)
	assert.Empty(t, done.Content)
	assert.Zero(t, done.TokenCount)
	assert.Empty(t, m.ActiveSessions())
}

func TestStreamingSessionCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	model := fmtest.New()
	model.Chunks = []string{"partial"}
	model.Hold = true
	m := fm.New(model)
	rec := fmtest.Record(m)
	defer rec.Stop()

	s := m.StartStreamingSession(context.Background(), fm.Request{Prompt: "Count to a million"})
	require.Empty(t, s.Error)

	_, ok := rec.WaitFor(waitTimeout, func(ev fm.Event) bool { return ev.SessionID == s.SessionID })
	require.True(t, ok, "first chunk")
	assert.Equal(t, []string{s.SessionID}, m.ActiveSessions())

	assert.True(t, m.CancelStreamingSession(s.SessionID))
	assert.False(t, m.CancelStreamingSession(s.SessionID), "second cancel is a no-op")

	_, ok = rec.WaitTerminal(s.SessionID, waitTimeout)
	require.True(t, ok)
	closeModule(t, m)

	events := rec.Events(s.SessionID)
	last := requireSingleTerminalLast(t, events)
	assert.Equal(t, fm.EventStreamingCancelled, last.Name)
	assert.Equal(t, fm.StreamingCancelled{SessionID: s.SessionID}, last.Payload)
	for _, ev := range events {
		assert.NotEqual(t, fm.EventStreamingError, ev.Name, "cancellation is not an error")
	}
	assert.Empty(t, m.ActiveSessions())
}

func TestStreamingSessionCancelBeforeFirstChunk(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	model := fmtest.New()
	model.Chunks = []string{"never"}
	model.Gate = make(chan struct{})
	m := fm.New(model)
	rec := fmtest.Record(m)
	defer rec.Stop()

	s := m.StartStreamingSession(context.Background(), fm.Request{Prompt: "hi"})
	require.Empty(t, s.Error)
	require.True(t, m.CancelStreamingSession(s.SessionID))

	_, ok := rec.WaitTerminal(s.SessionID, waitTimeout)
	require.True(t, ok)
	closeModule(t, m)

	events := rec.Events(s.SessionID)
	require.Len(t, events, 1)
	assert.Equal(t, fm.EventStreamingCancelled, events[0].Name)
}

func TestStreamingSessionError(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	model := fmtest.New()
	model.Chunks = []string{"Hel"}
	model.StreamErr = errors.New("The model exceeded its guardrails")
	m := fm.New(model)
	rec := fmtest.Record(m)
	defer rec.Stop()

	s := m.StartStreamingSession(context.Background(), fm.Request{Prompt: "hi"})
	require.Empty(t, s.Error)

	_, ok := rec.WaitTerminal(s.SessionID, waitTimeout)
	require.True(t, ok)
	closeModule(t, m)

	events := rec.Events(s.SessionID)
	last := requireSingleTerminalLast(t, events)
	assert.Equal(t, fm.EventStreamingError, last.Name)
	assert.Equal(t, fm.StreamingError{SessionID: s.SessionID, Error: "The model exceeded its guardrails"}, last.Payload)
	assert.False(t, m.CancelStreamingSession(s.SessionID), "finished sessions cannot be cancelled")
}

func TestStreamingSessionOnUnavailableDevice(t *testing.T) {
	model := fmtest.New()
	model.Avail = fmtest.Unavailable("Apple Intelligence is not enabled")
	model.StreamErr = errors.New("Foundation Models not available on this device. Requires Apple Intelligence support")
	m := fm.New(model)
	rec := fmtest.Record(m)
	defer rec.Stop()

	s := m.StartStreamingSession(context.Background(), fm.Request{Prompt: "Hello"})
	require.Empty(t, s.Error)

	ev, ok := rec.WaitTerminal(s.SessionID, waitTimeout)
	require.True(t, ok)
	closeModule(t, m)
	require.Equal(t, fm.EventStreamingError, ev.Name)
	assert.Contains(t, ev.Payload.(fm.StreamingError).Error, "Apple Intelligence")
	assert.Len(t, rec.Events(s.SessionID), 1)
}

func TestStreamingSessionUnsupportedPlatform(t *testing.T) {
	model := fmtest.New()
	model.Avail = fmtest.Unsupported()
	m := fm.New(model)
	rec := fmtest.Record(m)
	defer rec.Stop()

	s := m.StartStreamingSession(context.Background(), fm.Request{Prompt: "Hello"})
	assert.ErrorIs(t, s.Err(), fm.ErrUnsupportedPlatform)
	assert.False(t, s.IsActive)
	assert.Empty(t, s.SessionID)
	assert.Zero(t, model.Calls())
	assert.Empty(t, rec.All())
}

func TestCancelFromListener(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	model := fmtest.New()
	model.Chunks = []string{"a", "ab", "abc"}
	m := fm.New(model)
	rec := fmtest.Record(m)
	defer rec.Stop()

	sub := m.OnStreamingChunk(func(c fm.StreamingChunk) {
		m.CancelStreamingSession(c.SessionID)
	})
	defer sub.Remove()

	s := m.StartStreamingSession(context.Background(), fm.Request{Prompt: "abc"})
	require.Empty(t, s.Error)

	_, ok := rec.WaitTerminal(s.SessionID, waitTimeout)
	require.True(t, ok)
	closeModule(t, m)

	events := rec.Events(s.SessionID)
	require.Len(t, events, 2)
	assert.Equal(t, fm.EventStreamingChunk, events[0].Name)
	assert.Equal(t, fm.EventStreamingCancelled, events[1].Name)
}

func TestSessionIDsAreUnique(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	model := fmtest.New()
	model.Hold = true
	m := fm.New(model)
	rec := fmtest.Record(m)
	defer rec.Stop()

	const n = 50
	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		req := fm.Request{Prompt: "go"}
		var s fm.StreamingSession
		if i%2 == 0 {
			s = m.StartStreamingSession(context.Background(), req)
		} else {
			s = m.StartStructuredStreamingSession(context.Background(), req)
		}
		require.Empty(t, s.Error)
		require.False(t, seen[s.SessionID], "duplicate id %s", s.SessionID)
		seen[s.SessionID] = true
	}
	assert.Len(t, m.ActiveSessions(), n)

	closeModule(t, m)
	assert.Empty(t, m.ActiveSessions())
	for id := range seen {
		last := requireSingleTerminalLast(t, rec.Events(id))
		assert.Equal(t, fm.EventStreamingCancelled, last.Name)
	}

	s := m.StartStreamingSession(context.Background(), fm.Request{Prompt: "late"})
	assert.ErrorIs(t, s.Err(), fm.ErrClosed)
}

func TestCancelUnknownSession(t *testing.T) {
	m := fm.New(fmtest.New())
	rec := fmtest.Record(m)
	defer rec.Stop()

	assert.False(t, m.CancelStreamingSession("does-not-exist"))
	assert.False(t, m.CancelStructuredStreamingSession(""))
	assert.Empty(t, rec.All())
}

func TestStructuredStreamingSession(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	model := fmtest.New()
	model.Partials = []map[string]any{
		{"name": "Ada"},
		{"name": "Ada", "age": 36, "email": "ada@example.com", "confidence": 0.9},
		{
			"name":      "Ada",
			"age":       36,
			"email":     "ada@example.com",
			"interests": []any{"maths"},
			"location":  map[string]any{"city": "London", "country": "UK"},
		},
	}
	m := fm.New(model)
	rec := fmtest.Record(m)
	defer rec.Stop()

	var chunks []fm.StructuredStreamingChunk
	sub := m.OnStructuredStreamingChunk(func(c fm.StructuredStreamingChunk) {
		chunks = append(chunks, c)
	})
	defer sub.Remove()

	s := m.StartStructuredStreamingSession(context.Background(), fm.Request{
		Prompt:     "A mathematician profile",
		SchemaType: fm.SchemaUserProfile,
	})
	require.Empty(t, s.Error)
	assert.Equal(t, fm.SchemaUserProfile, s.SchemaType)

	_, ok := rec.WaitTerminal(s.SessionID, waitTimeout)
	require.True(t, ok)
	closeModule(t, m)

	requireSingleTerminalLast(t, rec.Events(s.SessionID))
	require.Len(t, chunks, 4)

	assert.True(t, chunks[0].IsPartial)
	assert.True(t, chunks[1].IsPartial)
	assert.NotContains(t, chunks[1].Data, "confidence", "fields outside the schema are dropped")
	assert.False(t, chunks[2].IsPartial)
	assert.False(t, chunks[2].IsComplete)
	assert.Equal(t, "London", chunks[2].Data["location"].(map[string]any)["city"])

	done := chunks[3]
	assert.True(t, done.IsComplete)
	assert.False(t, done.IsPartial)
	assert.Empty(t, done.Data)
	for _, c := range chunks {
		assert.Equal(t, s.SessionID, c.SessionID)
		assert.Equal(t, fm.SchemaUserProfile, c.SchemaType)
	}
}

func TestStructuredStreamingDefaultsToProduct(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m := fm.New(fmtest.New())
	s := m.StartStructuredStreamingSession(context.Background(), fm.Request{Prompt: "a lamp"})
	require.Empty(t, s.Error)
	assert.Equal(t, fm.SchemaProduct, s.SchemaType)
	closeModule(t, m)

	s = fm.New(fmtest.New()).StartStructuredStreamingSession(context.Background(), fm.Request{Prompt: "x", SchemaType: "invoice"})
	assert.ErrorIs(t, s.Err(), fm.ErrUnsupportedSchema)
	assert.Empty(t, s.SessionID)
}

func TestConcurrentSessionsAreIsolated(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	model := fmtest.New()
	model.Chunks = []string{"1", "12", "123"}
	m := fm.New(model)
	rec := fmtest.Record(m)
	defer rec.Stop()

	ids := make([]string, 10)
	for i := range ids {
		s := m.StartStreamingSession(context.Background(), fm.Request{Prompt: "count"})
		require.Empty(t, s.Error)
		ids[i] = s.SessionID
	}
	for _, id := range ids {
		_, ok := rec.WaitTerminal(id, waitTimeout)
		require.True(t, ok)
	}
	closeModule(t, m)

	for _, id := range ids {
		events := rec.Events(id)
		require.Len(t, events, 4)
		for i, want := range model.Chunks {
			assert.Equal(t, want, events[i].Payload.(fm.StreamingChunk).Content, "chunks are ordered within a session")
		}
		requireSingleTerminalLast(t, events)
	}
}

func TestStructuredStreamingNestedPartial(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	model := fmtest.New()
	model.Partials = []map[string]any{
		{
			"name":      "Ada",
			"age":       36,
			"email":     "ada@example.com",
			"interests": []any{"maths"},
			"location":  map[string]any{"city": "London"},
		},
		{
			"name":      "Ada",
			"age":       36,
			"email":     "ada@example.com",
			"interests": []any{"maths"},
			"location":  map[string]any{"city": "London", "country": "UK", "postcode": "N1"},
		},
	}
	m := fm.New(model)
	rec := fmtest.Record(m)
	defer rec.Stop()

	s := m.StartStructuredStreamingSession(context.Background(), fm.Request{Prompt: "x", SchemaType: fm.SchemaUserProfile})
	require.Empty(t, s.Error)
	_, ok := rec.WaitTerminal(s.SessionID, waitTimeout)
	require.True(t, ok)
	closeModule(t, m)

	events := rec.Events(s.SessionID)
	require.Len(t, events, 3)

	first := events[0].Payload.(fm.StructuredStreamingChunk)
	assert.True(t, first.IsPartial, "location is missing country")

	second := events[1].Payload.(fm.StructuredStreamingChunk)
	assert.False(t, second.IsPartial)
	assert.Equal(t, map[string]any{"city": "London", "country": "UK"}, second.Data["location"])
}

// profileFields are the values partial userProfile records are drawn from.
var profileFields = []struct {
	name  string
	value any
}{
	{"name", "Ada"},
	{"age", 36},
	{"email", "ada@example.com"},
	{"interests", []any{"maths", "chess"}},
}

// profilePartial builds a userProfile partial from mask. Bits 0-3 select
// the top-level scalar fields, bit 4 adds location, bits 5 and 6 its city
// and country, bit 7 an attribute outside the schema.
func profilePartial(mask uint8) map[string]any {
	p := map[string]any{}
	for i, f := range profileFields {
		if mask&(1<<i) != 0 {
			p[f.name] = f.value
		}
	}
	if mask&(1<<4) != 0 {
		loc := map[string]any{}
		if mask&(1<<5) != 0 {
			loc["city"] = "London"
		}
		if mask&(1<<6) != 0 {
			loc["country"] = "UK"
		}
		p["location"] = loc
	}
	if mask&(1<<7) != 0 {
		p["confidence"] = 0.5
	}
	return p
}

const (
	endComplete = iota
	endError
	endCancel
)

// singleTerminalLast reports whether events hold exactly one terminal
// event and it is the last one.
func singleTerminalLast(events []fm.Event) error {
	if len(events) == 0 {
		return errors.New("no events")
	}
	terminals := 0
	for _, ev := range events {
		if fmtest.IsTerminal(ev) {
			terminals++
		}
	}
	if terminals != 1 {
		return fmt.Errorf("%d terminal events", terminals)
	}
	if last := events[len(events)-1]; !fmtest.IsTerminal(last) {
		return fmt.Errorf("last event %s is not terminal", last.Name)
	}
	return nil
}

// terminalMatches reports whether the terminal event is the one end calls for.
func terminalMatches(ev fm.Event, end int) bool {
	switch end {
	case endError:
		return ev.Name == fm.EventStreamingError
	case endCancel:
		return ev.Name == fm.EventStreamingCancelled
	}
	return ev.Name == fm.EventStreamingChunk || ev.Name == fm.EventStructuredStreamingChunk
}

// script configures model to end its stream the way end says.
func script(model *fmtest.Model, end int) {
	switch end {
	case endError:
		model.StreamErr = errors.New("generation interrupted")
	case endCancel:
		model.Hold = true
	}
}

// drive waits for the session's terminal event, cancelling first when end
// says so, then closes the module.
func drive(m *fm.Module, rec *fmtest.Recorder, id string, end int) error {
	if end == endCancel && !m.CancelStreamingSession(id) {
		return fmt.Errorf("session %s not active", id)
	}
	if _, ok := rec.WaitTerminal(id, waitTimeout); !ok {
		return fmt.Errorf("session %s did not terminate", id)
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	return m.Close(ctx)
}

func TestStreamingSessionProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("text sessions end with exactly one terminal event", prop.ForAll(
		func(chunks []string, end int) string {
			model := fmtest.New()
			model.Chunks = chunks
			script(model, end)
			m := fm.New(model)
			rec := fmtest.Record(m)
			defer rec.Stop()

			s := m.StartStreamingSession(context.Background(), fm.Request{Prompt: "go"})
			if s.Error != "" {
				return s.Error
			}
			if err := drive(m, rec, s.SessionID, end); err != nil {
				return err.Error()
			}

			events := rec.Events(s.SessionID)
			if err := singleTerminalLast(events); err != nil {
				return err.Error()
			}
			if last := events[len(events)-1]; !terminalMatches(last, end) {
				return "unexpected terminal " + last.Name
			}
			if end != endCancel && len(events) != len(chunks)+1 {
				return fmt.Sprintf("%d events for %d chunks", len(events), len(chunks))
			}
			if len(m.ActiveSessions()) != 0 {
				return "session still registered"
			}
			return ""
		},
		gen.SliceOf(gen.AlphaString()),
		gen.IntRange(endComplete, endCancel),
	))

	properties.Property("structured chunks are partial until the record validates", prop.ForAll(
		func(masks []uint8, end int) string {
			model := fmtest.New()
			for _, mask := range masks {
				model.Partials = append(model.Partials, profilePartial(mask))
			}
			script(model, end)
			m := fm.New(model)
			rec := fmtest.Record(m)
			defer rec.Stop()

			s := m.StartStructuredStreamingSession(context.Background(), fm.Request{Prompt: "go", SchemaType: fm.SchemaUserProfile})
			if s.Error != "" {
				return s.Error
			}
			if err := drive(m, rec, s.SessionID, end); err != nil {
				return err.Error()
			}

			events := rec.Events(s.SessionID)
			if err := singleTerminalLast(events); err != nil {
				return err.Error()
			}
			if last := events[len(events)-1]; !terminalMatches(last, end) {
				return "unexpected terminal " + last.Name
			}
			for i, ev := range events[:len(events)-1] {
				c := ev.Payload.(fm.StructuredStreamingChunk)
				invalid := fm.UserProfileSchema.Validate(c.Data) != nil
				if c.IsPartial != invalid {
					return fmt.Sprintf("chunk %d isPartial=%v for %v", i, c.IsPartial, c.Data)
				}
				if _, ok := c.Data["confidence"]; ok {
					return fmt.Sprintf("chunk %d kept a field outside the schema", i)
				}
			}
			return ""
		},
		gen.SliceOf(gen.UInt8()),
		gen.IntRange(endComplete, endCancel),
	))

	properties.TestingRun(t)
}
