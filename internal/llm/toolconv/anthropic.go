package toolconv

import (
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/relayops/relay/internal/tools"
)

// ToAnthropicTools converts descriptors to Anthropic tool definitions.
func ToAnthropicTools(descriptors []tools.Descriptor) ([]anthropic.ToolUnionParam, error) {
	if len(descriptors) == 0 {
		return nil, nil
	}
	result := make([]anthropic.ToolUnionParam, 0, len(descriptors))
	for _, d := range descriptors {
		param, err := toAnthropicTool(d)
		if err != nil {
			return nil, err
		}
		result = append(result, param)
	}
	return result, nil
}

func toAnthropicTool(d tools.Descriptor) (anthropic.ToolUnionParam, error) {
	schemaJSON := d.Parameters
	if len(schemaJSON) == 0 {
		schemaJSON = json.RawMessage(`{"type":"object"}`)
	}
	var schema anthropic.ToolInputSchemaParam
	if err := json.Unmarshal(schemaJSON, &schema); err != nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("invalid tool schema for %s: %w", d.Name, err)
	}

	param := anthropic.ToolUnionParamOfTool(schema, d.Name)
	if param.OfTool == nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("invalid tool schema for %s: missing tool definition", d.Name)
	}
	param.OfTool.Description = anthropic.String(d.Description)
	return param, nil
}
