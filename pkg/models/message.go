package models

import "encoding/json"

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is the canonical history record for a session. Tool results are
// messages of their own (RoleTool) correlated to the assistant call that
// produced them via ToolCallID.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // assistant only
	ToolCallID string     `json:"tool_call_id,omitempty"` // tool only
	ToolName   string     `json:"tool_name,omitempty"`    // tool only
	Usage      *Usage     `json:"usage,omitempty"`        // assistant only

	// ProviderRaw carries provider-specific metadata (reasoning signatures
	// and the like) for the most recent assistant turn. It must round-trip
	// byte-for-byte on replay or the provider may reject the request.
	ProviderRaw json.RawMessage `json:"provider_raw,omitempty"`
}

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolResult represents the output of one tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name,omitempty"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Usage holds token accounting for one assistant turn.
type Usage struct {
	InputTokens     int `json:"input_tokens"`
	OutputTokens    int `json:"output_tokens"`
	TotalTokens     int `json:"total_tokens"`
	CachedTokens    int `json:"cached_tokens,omitempty"`
	ReasoningTokens int `json:"reasoning_tokens,omitempty"`
}

// Add accumulates another usage record into u.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
	u.CachedTokens += other.CachedTokens
	u.ReasoningTokens += other.ReasoningTokens
}

// Clone returns a deep copy of the usage record.
func (u *Usage) Clone() *Usage {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

// UserMessage builds a plain user message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// SystemMessage builds a plain system message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// ToolMessage builds a tool-result message correlated to an assistant call.
func ToolMessage(callID, toolName, content string) Message {
	return Message{Role: RoleTool, ToolCallID: callID, ToolName: toolName, Content: content}
}

// Clone returns a deep copy of the message. Slices and raw payloads are
// copied so histories never share backing storage across sessions.
func (m Message) Clone() Message {
	c := m
	if len(m.ToolCalls) > 0 {
		c.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			c.ToolCalls[i] = tc.Clone()
		}
	}
	c.Usage = m.Usage.Clone()
	if len(m.ProviderRaw) > 0 {
		c.ProviderRaw = append(json.RawMessage(nil), m.ProviderRaw...)
	}
	return c
}

// Clone returns a deep copy of the tool call.
func (tc ToolCall) Clone() ToolCall {
	c := tc
	if len(tc.Args) > 0 {
		c.Args = append(json.RawMessage(nil), tc.Args...)
	}
	return c
}

// CloneMessages deep-copies a history slice.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// CloneToolCalls deep-copies a tool-call slice.
func CloneToolCalls(calls []ToolCall) []ToolCall {
	if calls == nil {
		return nil
	}
	out := make([]ToolCall, len(calls))
	for i, tc := range calls {
		out[i] = tc.Clone()
	}
	return out
}
