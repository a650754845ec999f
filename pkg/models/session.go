package models

import (
	"encoding/json"
	"time"
)

// Session is a conversation thread and its runtime state. Sessions are
// value-typed: stores hand out deep copies, and the per-session lock lives
// in the store's lock map, never on the record itself.
type Session struct {
	ID      string `json:"id"`
	UserRef string `json:"user_ref,omitempty"`
	Title   string `json:"title,omitempty"`
	CWD     string `json:"cwd,omitempty"`

	History []Message `json:"history"`

	// AutoApproved holds tool names the user granted "Always Allow".
	AutoApproved map[string]bool `json:"auto_approved,omitempty"`

	// Pending is the parked approval state, at most one per session.
	Pending *PendingApproval `json:"pending,omitempty"`

	Todos []TodoItem `json:"todos,omitempty"`

	LastAccess time.Time `json:"last_access"`
	CreatedAt  time.Time `json:"created_at"`
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.History = CloneMessages(s.History)
	if s.AutoApproved != nil {
		c.AutoApproved = make(map[string]bool, len(s.AutoApproved))
		for k, v := range s.AutoApproved {
			c.AutoApproved[k] = v
		}
	}
	c.Pending = s.Pending.Clone()
	if s.Todos != nil {
		c.Todos = append([]TodoItem(nil), s.Todos...)
	}
	return &c
}

// PendingApproval parks a batch of tool calls awaiting the user's answer to
// a synthetic ask_question call.
type PendingApproval struct {
	ApprovalCallID     string          `json:"approval_call_id"`
	ToolCalls          []ToolCall      `json:"tool_calls"`
	SavedInputMessages []Message       `json:"saved_input_messages,omitempty"`
	SavedUsage         *Usage          `json:"saved_usage,omitempty"`
	SavedProviderRaw   json.RawMessage `json:"saved_provider_raw,omitempty"`
	RemainingChained   []ToolCall      `json:"remaining_chained,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

// Clone returns a deep copy of the pending approval.
func (p *PendingApproval) Clone() *PendingApproval {
	if p == nil {
		return nil
	}
	c := *p
	c.ToolCalls = CloneToolCalls(p.ToolCalls)
	c.SavedInputMessages = CloneMessages(p.SavedInputMessages)
	c.SavedUsage = p.SavedUsage.Clone()
	if len(p.SavedProviderRaw) > 0 {
		c.SavedProviderRaw = append(json.RawMessage(nil), p.SavedProviderRaw...)
	}
	c.RemainingChained = CloneToolCalls(p.RemainingChained)
	return &c
}
