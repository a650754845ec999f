// Package tools holds the process-wide tool schema registry: builtin
// server-side tools, the fixed client-side tool set, and externally
// discovered tools with their metadata. The registry answers which
// side executes a tool, whether it needs user approval, and resolves
// names to the schemas advertised to the model.
package tools

import (
	"context"
	"encoding/json"

	"github.com/relayops/relay/internal/chain"
)

// Result is the output of one tool execution. Errors travel inside
// the result so the model can react to them; a non-nil Go error from
// Execute means the runtime itself failed.
type Result struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Tool is an executable server-side tool.
type Tool interface {
	// Name returns the tool name used for function calling. Must be
	// alphanumeric with underscores.
	Name() string

	// Description tells the model when to use the tool.
	Description() string

	// Schema returns the JSON Schema for the tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool. Params have already been validated
	// against Schema when called through the registry.
	Execute(ctx context.Context, params json.RawMessage) (*Result, error)
}

// Descriptor is the provider-facing shape of a tool: what the model
// sees regardless of where the tool executes.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// DescriptorOf builds a descriptor from an executable tool.
func DescriptorOf(t Tool) Descriptor {
	return Descriptor{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  t.Schema(),
	}
}

// Meta carries per-tool runtime metadata delivered by external
// discovery: approval gating and follow-up chain rules.
type Meta struct {
	RequiresApproval bool
	ChainRule        *chain.Rule
}

// External is a discovered tool plus its metadata.
type External struct {
	Tool Tool
	Meta Meta
}
