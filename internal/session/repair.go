package session

import "github.com/relayops/relay/pkg/models"

// RepairHistory enforces the pairing providers require on replay: tool
// messages must answer a call made by the nearest preceding assistant
// message. Results with no open call are dropped, and results missing a
// call id are matched to the oldest unanswered call. The input slice is
// not modified.
func RepairHistory(history []models.Message) []models.Message {
	pending := make(map[string]bool)
	var pendingOrder []string
	out := make([]models.Message, 0, len(history))

	for _, msg := range history {
		switch msg.Role {
		case models.RoleAssistant:
			// A new assistant turn abandons any calls still unanswered.
			pending = make(map[string]bool, len(msg.ToolCalls))
			pendingOrder = pendingOrder[:0]
			for _, call := range msg.ToolCalls {
				pending[call.ID] = true
				pendingOrder = append(pendingOrder, call.ID)
			}
			out = append(out, msg)

		case models.RoleTool:
			id := msg.ToolCallID
			if id == "" && len(pendingOrder) > 0 {
				id = pendingOrder[0]
				msg.ToolCallID = id
			}
			if !pending[id] {
				continue
			}
			delete(pending, id)
			pendingOrder = removeID(pendingOrder, id)
			out = append(out, msg)

		default:
			out = append(out, msg)
		}
	}
	return out
}

func removeID(ids []string, id string) []string {
	for i, candidate := range ids {
		if candidate == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
