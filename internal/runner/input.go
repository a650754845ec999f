package runner

import (
	"encoding/json"

	"github.com/relayops/relay/internal/responses"
	"github.com/relayops/relay/pkg/models"
)

// parsedInput is the request input split by disposition: plain messages
// to append, echoed assistant tool calls from a transcript replay, and
// tool outputs that finalize earlier calls. Reasoning and item-reference
// entries carry nothing the loop replays and are dropped.
type parsedInput struct {
	messages []models.Message
	echoes   []models.ToolCall
	toolMsgs []models.Message

	// preEchoMessages counts the messages that appeared before the first
	// echoed call, so echo recovery can split replayed context from
	// genuinely new messages.
	preEchoMessages int
}

func parseInput(input responses.Input) parsedInput {
	var p parsedInput
	sawEcho := false
	for _, item := range input {
		switch item.Type {
		case responses.ItemTypeMessage:
			p.messages = append(p.messages, models.Message{
				Role:    mapRole(item.Role),
				Content: string(item.Content),
			})
		case responses.ItemTypeFunctionCall:
			if !sawEcho {
				sawEcho = true
				p.preEchoMessages = len(p.messages)
			}
			args := json.RawMessage(item.Arguments)
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			p.echoes = append(p.echoes, models.ToolCall{
				ID:   item.CallID,
				Name: item.Name,
				Args: args,
			})
		case responses.ItemTypeFunctionCallOutput:
			p.toolMsgs = append(p.toolMsgs, models.ToolMessage(item.CallID, item.Name, item.Output))
		}
	}
	return p
}

func mapRole(role string) models.Role {
	switch role {
	case "assistant":
		return models.RoleAssistant
	case "system", "developer":
		return models.RoleSystem
	default:
		return models.RoleUser
	}
}

// dedupeMessages drops input messages whose role and content already
// appear in history. Clients that resend the whole transcript every
// turn would otherwise duplicate the record.
func dedupeMessages(history, msgs []models.Message) []models.Message {
	if len(msgs) == 0 {
		return nil
	}
	seen := make(map[[2]string]bool, len(history))
	for _, m := range history {
		if m.Role == models.RoleTool {
			continue
		}
		seen[[2]string{string(m.Role), m.Content}] = true
	}
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if seen[[2]string{string(m.Role), m.Content}] {
			continue
		}
		out = append(out, m)
	}
	return out
}

func argsString(args json.RawMessage) string {
	if len(args) == 0 {
		return "{}"
	}
	return string(args)
}
