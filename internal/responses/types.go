// Package responses defines the wire format of the /v1/responses API:
// request and response envelopes, input and output items, and the SSE
// event vocabulary used by streaming turns. The package owns only the
// shapes; interpretation of items is the runner's job.
package responses

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/relayops/relay/pkg/models"
)

// ObjectResponse is the object discriminator on every response envelope.
const ObjectResponse = "response"

// Status is the lifecycle state of a response or an output item.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusIncomplete Status = "incomplete"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Request is the body of POST /v1/responses.
type Request struct {
	Model              string            `json:"model"`
	Input              Input             `json:"input"`
	Tools              []ToolDef         `json:"tools,omitempty"`
	PreviousResponseID string            `json:"previous_response_id,omitempty"`
	Instructions       string            `json:"instructions,omitempty"`
	Temperature        *float64          `json:"temperature,omitempty"`
	MaxOutputTokens    int               `json:"max_output_tokens,omitempty"`
	Stream             bool              `json:"stream,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	ToolChoice         json.RawMessage   `json:"tool_choice,omitempty"`
	Truncation         string            `json:"truncation,omitempty"`
}

// SessionID returns the caller-supplied session id, if any.
func (r *Request) SessionID() string {
	return r.Metadata["session_id"]
}

// ToolDef declares a function tool the client wants bound for this turn.
type ToolDef struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Input is either a bare string (shorthand for a single user message)
// or a list of typed input items.
type Input []InputItem

// UnmarshalJSON accepts both encodings. A bare string becomes one
// message item with role user.
func (in *Input) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*in = Input{{Type: ItemTypeMessage, Role: "user", Content: ItemContent(text)}}
		return nil
	}
	var items []InputItem
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	*in = Input(items)
	return nil
}

// Response is the envelope returned by every turn, streaming or not.
type Response struct {
	ID          string       `json:"id"`
	Object      string       `json:"object"`
	CreatedAt   int64        `json:"created_at"`
	CompletedAt int64        `json:"completed_at,omitempty"`
	Model       string       `json:"model"`
	Status      Status       `json:"status"`
	Output      []OutputItem `json:"output"`
	Usage       *Usage       `json:"usage,omitempty"`
	Error       *ErrorObject `json:"error,omitempty"`
	Metadata    Metadata     `json:"metadata"`
}

// Metadata carries turn bookkeeping alongside the output items.
// ToolHistory lists every executed call and its result in order, so
// clients can render the full tool trail even for multi-iteration turns.
type Metadata struct {
	SessionID     string       `json:"session_id,omitempty"`
	Iterations    int          `json:"iterations,omitempty"`
	ToolCallCount int          `json:"tool_call_count,omitempty"`
	ToolHistory   []OutputItem `json:"tool_history,omitempty"`
}

// ErrorObject is the failure detail on a failed response.
type ErrorObject struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Usage is token accounting for a response or a single iteration.
// Cost fields are filled in by the persistence layer from the pricing
// table and stay zero when no price is known for the model.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	InputCost    float64 `json:"input_cost,omitempty"`
	OutputCost   float64 `json:"output_cost,omitempty"`
	TotalCost    float64 `json:"total_cost,omitempty"`
}

// UsageFrom converts a history usage record to the wire shape.
func UsageFrom(u *models.Usage) *Usage {
	if u == nil {
		return nil
	}
	return &Usage{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		TotalTokens:  u.TotalTokens,
	}
}

// Add accumulates another usage record into u.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
	u.InputCost += other.InputCost
	u.OutputCost += other.OutputCost
	u.TotalCost += other.TotalCost
}

// NewResponse builds an in-progress response envelope for a turn.
// Output starts as an empty slice so it serializes as [] rather than null.
func NewResponse(model, sessionID string) *Response {
	return &Response{
		ID:        "resp_" + uuid.NewString(),
		Object:    ObjectResponse,
		CreatedAt: time.Now().Unix(),
		Model:     model,
		Status:    StatusInProgress,
		Output:    []OutputItem{},
		Metadata:  Metadata{SessionID: sessionID},
	}
}

// Finish marks the response terminal with the given status.
func (r *Response) Finish(status Status) {
	r.Status = status
	r.CompletedAt = time.Now().Unix()
}

// Fail marks the response failed and attaches the error detail.
func (r *Response) Fail(errType, message string) {
	r.Finish(StatusFailed)
	r.Error = &ErrorObject{Type: errType, Message: message}
}
