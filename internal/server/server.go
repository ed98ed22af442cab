// Package server exposes an fm.Module over HTTP: one-shot generation as
// JSON endpoints, streaming session control, and the event bridge as a
// server-sent event relay.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/apex/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	fm "github.com/blacktop/go-fmbridge"
	"github.com/blacktop/go-fmbridge/internal/config"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Options configures the HTTP bridge.
type Options struct {
	RateLimit   config.RateLimitConfig
	EventBuffer int
	Logger      log.Interface
}

// Server routes HTTP requests to a Module.
type Server struct {
	module *fm.Module
	opts   Options
	log    log.Interface
	router chi.Router
}

// New returns the bridge for m.
func New(m *fm.Module, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.Log
	}
	if opts.EventBuffer < 1 {
		opts.EventBuffer = 64
	}
	s := &Server{
		module: m,
		opts:   opts,
		log:    opts.Logger,
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/availability", s.handleAvailability)
		r.Get("/sessions", s.handleSessions)
		r.Get("/events", s.handleEvents)
		r.Delete("/streams/{sessionId}", s.handleCancel)

		r.Group(func(r chi.Router) {
			if rl := s.opts.RateLimit; rl.Requests > 0 {
				r.Use(rateLimit(rl))
			}
			r.Post("/generate/text", s.handleGenerateText)
			r.Post("/generate/structured", s.handleGenerateStructured)
			r.Post("/streams", s.handleStartStream)
			r.Post("/streams/structured", s.handleStartStructuredStream)
		})
	})
	return r
}

// rateLimit limits generation requests per client IP.
func rateLimit(cfg config.RateLimitConfig) func(http.Handler) http.Handler {
	return httprate.Limit(
		cfg.Requests,
		cfg.Window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", strconv.Itoa(int(cfg.Window.Seconds())))
			httpError(w, http.StatusTooManyRequests, "rate_limit_error", "too many requests, try again later")
		}),
	)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start),
			"request":  middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.module.CheckAvailability(r.Context()))
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"sessions": s.module.ActiveSessions()})
}

func (s *Server) handleGenerateText(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	writeJSON(w, s.module.GenerateText(r.Context(), req))
}

func (s *Server) handleGenerateStructured(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	writeJSON(w, s.module.GenerateStructuredData(r.Context(), req))
}

func (s *Server) handleStartStream(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	writeJSON(w, s.module.StartStreamingSession(r.Context(), req))
}

func (s *Server) handleStartStructuredStream(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	writeJSON(w, s.module.StartStructuredStreamingSession(r.Context(), req))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionId")
	writeJSON(w, map[string]any{
		"sessionId": id,
		"cancelled": s.module.CancelStreamingSession(id),
	})
}

func decodeRequest(w http.ResponseWriter, r *http.Request) (fm.Request, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var req fm.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return fm.Request{}, false
	}
	return req, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
