package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	fm "github.com/blacktop/go-fmbridge"
	"github.com/blacktop/go-fmbridge/internal/metrics"
)

// handleEvents relays the event bridge as server-sent events. Every client
// gets every event unless it passes ?session=<id>. A client that falls
// behind by more than the configured buffer loses events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return
	}
	only := r.URL.Query().Get("session")

	queue := make(chan fm.Event, s.opts.EventBuffer)
	relay := func(ev fm.Event) {
		if only != "" && ev.SessionID != only {
			return
		}
		select {
		case queue <- ev:
		default:
			metrics.IncEventDropped(ev.Name, metrics.DropBufferFull)
		}
	}
	subs := make([]fm.Subscription, 0, len(fm.Events))
	for _, name := range fm.Events {
		subs = append(subs, s.module.AddListener(name, relay))
	}
	defer func() {
		for _, sub := range subs {
			sub.Remove()
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	s.log.WithField("session", only).Debug("event client connected")
	defer s.log.WithField("session", only).Debug("event client disconnected")

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-queue:
			data, err := json.Marshal(ev.Payload)
			if err != nil {
				s.log.WithError(err).WithField("event", ev.Name).Warn("encode event")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
