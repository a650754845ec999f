package responses

import "github.com/relayops/relay/pkg/models"

// SSE event types emitted on streaming turns, in rough emission order.
// Terminal events carry the full response object; the stream always
// ends with the Terminator sentinel.
const (
	EventCreated          = "response.created"
	EventOutputTextDelta  = "response.output_text.delta"
	EventOutputTextDone   = "response.output_text.done"
	EventFunctionCallDone = "response.function_call.done"
	EventToolResultDone   = "response.tool_result.done"
	EventTodoUpdated      = "response.todo.updated"
	EventCompleted        = "response.completed"
	EventIncomplete       = "response.incomplete"
	EventFailed           = "response.failed"
)

// Terminator is written as the final SSE data payload of every stream.
const Terminator = "[DONE]"

// Event is one streamed SSE payload. Only the fields relevant to the
// event type are set; usage on per-iteration events is that iteration's
// usage, not the running total.
type Event struct {
	Type     string            `json:"type"`
	Response *Response         `json:"response,omitempty"`
	Delta    string            `json:"delta,omitempty"`
	Text     string            `json:"text,omitempty"`
	Item     *OutputItem       `json:"item,omitempty"`
	Usage    *Usage            `json:"usage,omitempty"`
	Todos    []models.TodoItem `json:"todos,omitempty"`
}

// CreatedEvent announces the preliminary response object.
func CreatedEvent(resp *Response) Event {
	return Event{Type: EventCreated, Response: resp}
}

// TextDeltaEvent carries one streamed text chunk.
func TextDeltaEvent(delta string) Event {
	return Event{Type: EventOutputTextDelta, Delta: delta}
}

// TextDoneEvent carries the full text of one iteration and its usage.
func TextDoneEvent(text string, usage *Usage) Event {
	return Event{Type: EventOutputTextDone, Text: text, Usage: usage}
}

// FunctionCallDoneEvent reports a tool call the model decided on.
func FunctionCallDoneEvent(item OutputItem, usage *Usage) Event {
	return Event{Type: EventFunctionCallDone, Item: &item, Usage: usage}
}

// ToolResultDoneEvent reports one server-side tool result.
func ToolResultDoneEvent(item OutputItem) Event {
	return Event{Type: EventToolResultDone, Item: &item}
}

// TodoUpdatedEvent reports a change to the session's todo list.
func TodoUpdatedEvent(todos []models.TodoItem) Event {
	return Event{Type: EventTodoUpdated, Todos: todos}
}

// TerminalEvent wraps the final response object in the event matching
// its status. Failed responses map to EventFailed, incomplete ones to
// EventIncomplete, everything else to EventCompleted.
func TerminalEvent(resp *Response) Event {
	switch resp.Status {
	case StatusFailed:
		return Event{Type: EventFailed, Response: resp}
	case StatusIncomplete:
		return Event{Type: EventIncomplete, Response: resp}
	default:
		return Event{Type: EventCompleted, Response: resp}
	}
}
