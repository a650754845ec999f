// Package chain queues follow-up tool calls based on the output of
// completed ones. Rules declare a source tool and an ordered list of
// steps; each step extracts a value from the previous result and maps
// it into the next call's arguments. Multi-step progress is tracked
// per session.
package chain

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/relayops/relay/pkg/models"
)

// ValuePlaceholder in an argument mapping is replaced with the value
// extracted from the triggering tool result.
const ValuePlaceholder = "$value"

// Step is one link of a rule: which tool to call next, where in the
// previous result to find the value, and how to build the arguments.
type Step struct {
	// Target is the tool the step calls.
	Target string `json:"target" yaml:"target"`
	// Extract is a JSON path into the triggering result's content,
	// dot notation with [*] for array fan-out. Empty means the raw
	// content string.
	Extract string `json:"extract,omitempty" yaml:"extract,omitempty"`
	// ArgMapping builds the call arguments. Values equal to
	// ValuePlaceholder take the extracted value; anything else is
	// passed through as a literal.
	ArgMapping map[string]any `json:"arg_mapping,omitempty" yaml:"arg_mapping,omitempty"`
}

// Rule triggers when its source tool completes successfully.
type Rule struct {
	Source string `json:"source" yaml:"source"`
	Steps  []Step `json:"steps" yaml:"steps"`
}

// Validate checks that the rule is well formed, including that every
// extract path parses.
func (r Rule) Validate() error {
	if r.Source == "" {
		return fmt.Errorf("chain rule: source is required")
	}
	if len(r.Steps) == 0 {
		return fmt.Errorf("chain rule %q: at least one step is required", r.Source)
	}
	for i, step := range r.Steps {
		if step.Target == "" {
			return fmt.Errorf("chain rule %q: step %d has no target", r.Source, i)
		}
		if _, err := parsePath(step.Extract); err != nil {
			return fmt.Errorf("chain rule %q: step %d: %w", r.Source, i, err)
		}
	}
	return nil
}

// buildCalls materializes one tool call per extracted value.
func buildCalls(step Step, values []any) ([]models.ToolCall, error) {
	calls := make([]models.ToolCall, 0, len(values))
	for _, value := range values {
		args, err := mapArgs(step.ArgMapping, value)
		if err != nil {
			return nil, err
		}
		calls = append(calls, models.ToolCall{
			ID:   "chain_" + uuid.NewString(),
			Name: step.Target,
			Args: args,
		})
	}
	return calls, nil
}

func mapArgs(mapping map[string]any, value any) (json.RawMessage, error) {
	args := make(map[string]any, len(mapping))
	for key, raw := range mapping {
		if s, ok := raw.(string); ok && s == ValuePlaceholder {
			args[key] = value
			continue
		}
		args[key] = raw
	}
	out, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("map chain arguments: %w", err)
	}
	return out, nil
}
