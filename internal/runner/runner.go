// Package runner drives one API turn of the agent loop: it normalizes
// the request input against stored history, alternates provider calls
// with parallel tool execution, parks batches behind the approval gate,
// and folds the outcome into a response object, optionally streaming
// events as they happen.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/relayops/relay/internal/approval"
	"github.com/relayops/relay/internal/chain"
	"github.com/relayops/relay/internal/llm"
	"github.com/relayops/relay/internal/responses"
	"github.com/relayops/relay/internal/session"
	"github.com/relayops/relay/internal/todo"
	"github.com/relayops/relay/internal/tools"
	"github.com/relayops/relay/pkg/models"
)

// Config bounds one turn of the agent loop.
type Config struct {
	// MaxIterations limits provider round-trips per turn.
	MaxIterations int `yaml:"max_iterations" json:"max_iterations"`

	// ToolTimeout bounds a single tool execution.
	ToolTimeout time.Duration `yaml:"tool_timeout" json:"tool_timeout"`

	// MaxConcurrency caps parallel tool executions within a batch.
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency"`

	// MaxChainRounds caps follow-up rounds produced by chain rules, so
	// a miswired rule cannot spin a turn forever.
	MaxChainRounds int `yaml:"max_chain_rounds" json:"max_chain_rounds"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxIterations:  50,
		ToolTimeout:    30 * time.Second,
		MaxConcurrency: 5,
		MaxChainRounds: 10,
	}
}

// Sanitize fills zero values with defaults.
func (c Config) Sanitize() Config {
	def := DefaultConfig()
	if c.MaxIterations <= 0 {
		c.MaxIterations = def.MaxIterations
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = def.ToolTimeout
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = def.MaxConcurrency
	}
	if c.MaxChainRounds <= 0 {
		c.MaxChainRounds = def.MaxChainRounds
	}
	return c
}

// Invoker is the provider call path the loop drives once per iteration.
// *llm.Invoker is the production implementation.
type Invoker interface {
	Invoke(ctx context.Context, req *llm.InvokeRequest) (*llm.Response, []models.Message, error)
}

// Options wires a Runner. Invoker, Store, Locker, Registry, and Gate
// are required; Chains and Todos default to empty instances.
type Options struct {
	Invoker  Invoker
	Store    session.Store
	Locker   *session.Locker
	Registry *tools.Registry
	Gate     *approval.Gate
	Chains   *chain.Registry
	Todos    *todo.Manager
	Config   Config
	Logger   *slog.Logger
}

// Runner executes request turns. It is safe for concurrent use; turns
// that share a session serialize on the per-session lock.
type Runner struct {
	invoker  Invoker
	store    session.Store
	locker   *session.Locker
	registry *tools.Registry
	gate     *approval.Gate
	chains   *chain.Registry
	todos    *todo.Manager
	cfg      Config
	logger   *slog.Logger
}

// New wires a runner from its collaborators.
func New(opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	chains := opts.Chains
	if chains == nil {
		chains = chain.NewRegistry(logger)
	}
	todos := opts.Todos
	if todos == nil {
		todos = todo.NewManager()
	}
	return &Runner{
		invoker:  opts.Invoker,
		store:    opts.Store,
		locker:   opts.Locker,
		registry: opts.Registry,
		gate:     opts.Gate,
		chains:   chains,
		todos:    todos,
		cfg:      opts.Config.Sanitize(),
		logger:   logger.With("component", "runner"),
	}
}

// Request is one resolved turn: the validated API request plus the
// session the server routed it to. An empty SessionID mints a fresh
// session whose id travels back in the response metadata.
type Request struct {
	API       *responses.Request
	SessionID string
	UserRef   string
}

// Sink receives stream events as a turn progresses. Terminal state is
// also reflected in the returned response, so non-streaming callers
// simply pass no sink.
type Sink func(responses.Event)

// Run executes a turn and returns the final response. Failures fold
// into the response as a failed status with a typed error object; the
// result is never nil.
func (r *Runner) Run(ctx context.Context, req *Request) *responses.Response {
	return r.execute(ctx, req, nil)
}

// RunStream executes a turn, emitting events to sink as they become
// available: response.created first, then deltas, per-call and
// per-result events, and a terminal event carrying the same response
// that is returned. The caller owns the stream terminator.
func (r *Runner) RunStream(ctx context.Context, req *Request, sink Sink) *responses.Response {
	return r.execute(ctx, req, sink)
}

func (r *Runner) execute(ctx context.Context, req *Request, sink Sink) *responses.Response {
	if req == nil || req.API == nil {
		resp := responses.NewResponse("", "")
		resp.Fail(string(llm.KindInvalidRequest), "missing request")
		if sink != nil {
			sink(responses.TerminalEvent(resp))
		}
		return resp
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = "sess_" + uuid.NewString()
	}

	resp := responses.NewResponse(req.API.Model, sessionID)
	st := &turnState{
		req:       req,
		sessionID: sessionID,
		resp:      resp,
		sink:      sink,
	}
	r.emit(st, responses.CreatedEvent(resp))

	start := time.Now()
	if err := r.turn(ctx, st); err != nil {
		failResponse(resp, err)
		r.logger.Error("turn failed",
			"session_id", sessionID,
			"response_id", resp.ID,
			"error", err)
	} else {
		r.logger.Info("turn finished",
			"session_id", sessionID,
			"response_id", resp.ID,
			"status", resp.Status,
			"iterations", resp.Metadata.Iterations,
			"tool_calls", resp.Metadata.ToolCallCount,
			"duration", time.Since(start))
	}

	r.emit(st, responses.TerminalEvent(resp))
	return resp
}

// failResponse folds a turn error into the response object, keeping
// the classified kind as the error type.
func failResponse(resp *responses.Response, err error) {
	message := err.Error()
	var le *llm.Error
	if errors.As(err, &le) {
		switch {
		case le.Message != "" && le.Cause != nil:
			message = le.Message + ": " + le.Cause.Error()
		case le.Message != "":
			message = le.Message
		case le.Cause != nil:
			message = le.Cause.Error()
		}
	}
	resp.Fail(string(llm.KindOf(err)), message)
	if le != nil && le.Code != "" {
		resp.Error.Code = le.Code
	}
}

func (r *Runner) emit(st *turnState, ev responses.Event) {
	if st.sink != nil {
		st.sink(ev)
	}
}
