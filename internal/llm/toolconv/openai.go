// Package toolconv translates tool descriptors into the schema formats
// each provider SDK expects.
package toolconv

import (
	"encoding/json"

	openai "github.com/sashabaranov/go-openai"

	"github.com/relayops/relay/internal/tools"
)

// ToOpenAITools converts descriptors to OpenAI function definitions. A
// descriptor with an unparsable schema degrades to an empty object
// schema instead of breaking the whole request.
func ToOpenAITools(descriptors []tools.Descriptor) []openai.Tool {
	result := make([]openai.Tool, len(descriptors))
	for i, d := range descriptors {
		var schemaMap map[string]any
		if err := json.Unmarshal(d.Parameters, &schemaMap); err != nil || schemaMap == nil {
			schemaMap = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}

		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  schemaMap,
			},
		}
	}
	return result
}
