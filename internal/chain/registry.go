package chain

import (
	"log/slog"
	"sync"

	"github.com/relayops/relay/pkg/models"
)

// Registry holds the process-wide chain rules and the per-session
// progress of multi-step chains. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	rules []Rule
	// cursors maps session id to rule index to the step most recently
	// queued for that rule. A cursor exists only while a chain has
	// steps left, so the stored index is always below len(steps)-1.
	cursors map[string]map[int]int
	logger  *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cursors: make(map[string]map[int]int),
		logger:  logger.With("component", "chain"),
	}
}

// Register adds a rule. Rules cannot be changed once registered; MCP
// discovery and startup wiring are the only writers.
func (r *Registry) Register(rule Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule)
	return nil
}

// Rules returns a copy of the registered rules.
func (r *Registry) Rules() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Rule, len(r.rules))
	copy(out, r.rules)
	return out
}

// Clear drops all rules and all session progress.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = nil
	r.cursors = make(map[string]map[int]int)
}

// ClearSession drops chain progress for one session.
func (r *Registry) ClearSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cursors, sessionID)
}

// Build returns the follow-up calls triggered by a batch of executed
// tool calls. Failed results never trigger or advance a chain. For
// each executed call, in-progress chains expecting that tool advance
// first, then rules whose source matches start fresh. Cursor movement
// happens only when a follow-up is actually queued, and a chain is
// dropped once its final step has been queued or a step cannot
// extract a value.
func (r *Registry) Build(sessionID string, executed []models.ToolCall, results []models.ToolResult) []models.ToolCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.rules) == 0 || len(executed) == 0 {
		return nil
	}

	byID := make(map[string]models.ToolResult, len(results))
	for _, res := range results {
		if res.ToolCallID != "" {
			byID[res.ToolCallID] = res
		}
	}

	var followUps []models.ToolCall
	for i, call := range executed {
		res, ok := byID[call.ID]
		if !ok && i < len(results) {
			res = results[i]
			ok = true
		}
		if !ok || res.IsError {
			continue
		}
		followUps = append(followUps, r.advanceChains(sessionID, call.Name, res.Content)...)
		followUps = append(followUps, r.startChains(sessionID, call.Name, res.Content)...)
	}
	return followUps
}

// advanceChains moves in-progress chains whose queued step's tool just
// executed, queueing the step after it.
func (r *Registry) advanceChains(sessionID, toolName, content string) []models.ToolCall {
	sess := r.cursors[sessionID]
	if len(sess) == 0 {
		return nil
	}
	var out []models.ToolCall
	for ri, rule := range r.rules {
		queued, active := sess[ri]
		if !active || rule.Steps[queued].Target != toolName {
			continue
		}
		next := queued + 1
		calls := r.stepCalls(rule, next, content)
		if len(calls) == 0 {
			// The chain cannot continue without a value.
			delete(sess, ri)
			r.logger.Debug("chain aborted, no value extracted",
				"source", rule.Source, "step", next, "session_id", sessionID)
			continue
		}
		out = append(out, calls...)
		if next == len(rule.Steps)-1 {
			delete(sess, ri)
		} else {
			sess[ri] = next
		}
	}
	return out
}

// startChains begins chains whose source tool just executed.
func (r *Registry) startChains(sessionID, toolName, content string) []models.ToolCall {
	var out []models.ToolCall
	for ri, rule := range r.rules {
		if rule.Source != toolName {
			continue
		}
		calls := r.stepCalls(rule, 0, content)
		if len(calls) == 0 {
			continue
		}
		out = append(out, calls...)
		if len(rule.Steps) > 1 {
			sess := r.cursors[sessionID]
			if sess == nil {
				sess = make(map[int]int)
				r.cursors[sessionID] = sess
			}
			sess[ri] = 0
		}
	}
	return out
}

func (r *Registry) stepCalls(rule Rule, stepIdx int, content string) []models.ToolCall {
	step := rule.Steps[stepIdx]
	values, err := extract(content, step.Extract)
	if err != nil || len(values) == 0 {
		return nil
	}
	calls, err := buildCalls(step, values)
	if err != nil {
		r.logger.Warn("chain step arguments failed to encode",
			"source", rule.Source, "target", step.Target, "error", err)
		return nil
	}
	return calls
}
