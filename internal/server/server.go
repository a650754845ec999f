// Package server exposes the runtime over HTTP: the /v1/responses
// endpoint in both JSON and SSE form, the internal periodic-task API,
// health and metrics. It also owns the persistence layer that records
// request input, turn output, question answers, and cost against the
// durable store, and the executor that lets scheduled tasks run through
// that same pipeline.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relayops/relay/internal/observability"
	"github.com/relayops/relay/internal/pricing"
	"github.com/relayops/relay/internal/responses"
	"github.com/relayops/relay/internal/runner"
	"github.com/relayops/relay/internal/store"
	"github.com/relayops/relay/internal/todo"
)

// Options wires a Server. Runner, Store, and Identity are required;
// Pricing and Todos may be nil, in which case costs stay zero and no
// todo snapshots are persisted.
type Options struct {
	Runner   *runner.Runner
	Store    store.Store
	Pricing  *pricing.Table
	Todos    *todo.Manager
	Identity *Identity
	Metrics  *observability.Metrics
	Tracer   *observability.Tracer
	Logger   *slog.Logger

	// DefaultModel names the model headless turns report. Interactive
	// requests always carry their own model name.
	DefaultModel string

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Server is the HTTP surface of the runtime.
type Server struct {
	runner       *runner.Runner
	store        store.Store
	pricing      *pricing.Table
	todos        *todo.Manager
	identity     *Identity
	metrics      *observability.Metrics
	tracer       *observability.Tracer
	logger       *slog.Logger
	defaultModel string
	now          func() time.Time
}

// New wires a server from its collaborators.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	identity := opts.Identity
	if identity == nil {
		identity = NewIdentity("", "", true)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Server{
		runner:       opts.Runner,
		store:        opts.Store,
		pricing:      opts.Pricing,
		todos:        opts.Todos,
		identity:     identity,
		metrics:      opts.Metrics,
		tracer:       opts.Tracer,
		logger:       logger.With("component", "server"),
		defaultModel: opts.DefaultModel,
		now:          now,
	}
}

// Handler returns the routed handler with recovery and metrics
// middleware applied. The caller owns the http.Server around it.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/responses", s.handleResponses)
	mux.HandleFunc("/periodic-tasks/internal/create", s.handleTaskCreate)
	mux.HandleFunc("/periodic-tasks/internal/list", s.handleTaskList)
	mux.HandleFunc("/periodic-tasks/internal/update", s.handleTaskUpdate)
	mux.HandleFunc("/periodic-tasks/internal/resume", s.handleTaskResume)
	mux.HandleFunc("/periodic-tasks/internal/due", s.handleTasksDue)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	// Recovery sits inside instrumentation so a panic still produces a
	// status-labeled sample and sees the instrumented writer.
	return s.instrument(s.recoverPanics(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// errorBody is the envelope of every non-200 JSON reply.
type errorBody struct {
	Error responses.ErrorObject `json:"error"`
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write response", "error", err)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, status int, errType, message string) {
	s.jsonResponse(w, status, errorBody{Error: responses.ErrorObject{
		Type:    errType,
		Message: message,
	}})
}
