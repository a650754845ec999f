package responses

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Input item discriminators. Reasoning and item-reference items are
// accepted on the wire and discarded by the runner.
const (
	ItemTypeMessage            = "message"
	ItemTypeFunctionCall       = "function_call"
	ItemTypeFunctionCallOutput = "function_call_output"
	ItemTypeReasoning          = "reasoning"
	ItemTypeItemReference      = "item_reference"
)

// ContentTypeOutputText is the content part type on message output items.
const ContentTypeOutputText = "output_text"

// InputItem is one element of a request's input array. It is a flat
// union discriminated by Type; only the fields for that type are set.
type InputItem struct {
	Type      string      `json:"type"`
	Role      string      `json:"role,omitempty"`
	Content   ItemContent `json:"content,omitempty"`
	ID        string      `json:"id,omitempty"`
	CallID    string      `json:"call_id,omitempty"`
	Name      string      `json:"name,omitempty"`
	Arguments string      `json:"arguments,omitempty"`
	Output    string      `json:"output,omitempty"`
	Status    string      `json:"status,omitempty"`
}

// ItemContent is message content on the wire: either a plain string or
// an array of text parts, which are flattened on decode.
type ItemContent string

func (c *ItemContent) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*c = ""
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*c = ItemContent(s)
		return nil
	}
	if trimmed[0] == '[' {
		var parts []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(trimmed, &parts); err != nil {
			return err
		}
		var buf bytes.Buffer
		for _, p := range parts {
			if p.Text == "" {
				continue
			}
			if buf.Len() > 0 {
				buf.WriteString("\n")
			}
			buf.WriteString(p.Text)
		}
		*c = ItemContent(buf.String())
		return nil
	}
	return fmt.Errorf("message content must be a string or an array of parts")
}

// OutputItem is one element of a response's output array or tool
// history. Like InputItem it is a flat union discriminated by Type.
type OutputItem struct {
	Type      string        `json:"type"`
	ID        string        `json:"id,omitempty"`
	Role      string        `json:"role,omitempty"`
	Status    Status        `json:"status,omitempty"`
	Content   []ContentPart `json:"content,omitempty"`
	CallID    string        `json:"call_id,omitempty"`
	Name      string        `json:"name,omitempty"`
	Arguments string        `json:"arguments,omitempty"`
	Output    string        `json:"output,omitempty"`
}

// ContentPart is one content element of a message output item.
type ContentPart struct {
	Type        string            `json:"type"`
	Text        string            `json:"text"`
	Annotations []json.RawMessage `json:"annotations"`
}

// MessageItem builds a completed assistant message output item.
func MessageItem(text string) OutputItem {
	return OutputItem{
		Type:   ItemTypeMessage,
		ID:     "msg_" + uuid.NewString(),
		Role:   "assistant",
		Status: StatusCompleted,
		Content: []ContentPart{{
			Type:        ContentTypeOutputText,
			Text:        text,
			Annotations: []json.RawMessage{},
		}},
	}
}

// FunctionCallItem builds a function_call output item. Arguments is the
// raw JSON argument string exactly as the model produced it.
func FunctionCallItem(callID, name, arguments string) OutputItem {
	return OutputItem{
		Type:      ItemTypeFunctionCall,
		ID:        "fc_" + uuid.NewString(),
		CallID:    callID,
		Name:      name,
		Arguments: arguments,
		Status:    StatusCompleted,
	}
}

// FunctionCallOutputItem builds a function_call_output item carrying a
// tool result correlated to its call.
func FunctionCallOutputItem(callID, output string) OutputItem {
	return OutputItem{
		Type:   ItemTypeFunctionCallOutput,
		ID:     "fco_" + uuid.NewString(),
		CallID: callID,
		Output: output,
		Status: StatusCompleted,
	}
}

// Text returns the concatenated output_text of a message item.
func (it OutputItem) Text() string {
	var buf bytes.Buffer
	for _, p := range it.Content {
		if p.Type != ContentTypeOutputText {
			continue
		}
		buf.WriteString(p.Text)
	}
	return buf.String()
}
