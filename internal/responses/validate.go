package responses

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var toolNameRE = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

var validRoles = map[string]bool{
	"user":      true,
	"assistant": true,
	"system":    true,
	"developer": true,
}

// Validate checks the request shape. Failures here are client errors
// and must surface as HTTP 4xx; a request that passes never causes an
// input-shape failure further down.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return fmt.Errorf("model is required")
	}
	if len(r.Input) == 0 {
		return fmt.Errorf("input is required")
	}
	for i, item := range r.Input {
		if err := validateItem(item); err != nil {
			return fmt.Errorf("input[%d]: %w", i, err)
		}
	}
	for i, tool := range r.Tools {
		if err := validateToolDef(tool); err != nil {
			return fmt.Errorf("tools[%d]: %w", i, err)
		}
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if r.MaxOutputTokens < 0 {
		return fmt.Errorf("max_output_tokens must not be negative")
	}
	switch r.Truncation {
	case "", "auto", "disabled":
	default:
		return fmt.Errorf("truncation must be \"auto\" or \"disabled\"")
	}
	return nil
}

func validateItem(item InputItem) error {
	switch item.Type {
	case ItemTypeMessage:
		if !validRoles[item.Role] {
			return fmt.Errorf("unknown message role %q", item.Role)
		}
	case ItemTypeFunctionCall:
		if item.CallID == "" {
			return fmt.Errorf("function_call requires call_id")
		}
		if item.Name == "" {
			return fmt.Errorf("function_call requires name")
		}
		if item.Arguments != "" && !json.Valid([]byte(item.Arguments)) {
			return fmt.Errorf("function_call arguments must be valid JSON")
		}
	case ItemTypeFunctionCallOutput:
		if item.CallID == "" {
			return fmt.Errorf("function_call_output requires call_id")
		}
	case ItemTypeReasoning, ItemTypeItemReference:
		// Accepted and ignored.
	default:
		return fmt.Errorf("unknown input item type %q", item.Type)
	}
	return nil
}

func validateToolDef(tool ToolDef) error {
	if tool.Type != "" && tool.Type != "function" {
		return fmt.Errorf("unsupported tool type %q", tool.Type)
	}
	if !toolNameRE.MatchString(tool.Name) {
		return fmt.Errorf("invalid tool name %q", tool.Name)
	}
	if len(tool.Parameters) > 0 && !json.Valid(tool.Parameters) {
		return fmt.Errorf("tool parameters must be valid JSON")
	}
	return nil
}
