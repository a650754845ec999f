// Package todo keeps the per-session working todo list the model
// maintains through the manage_todo tool. The list is rendered into the
// turn instructions so the model sees its own plan, and a revision
// counter lets the streaming runner detect changes worth announcing.
package todo

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/relayops/relay/internal/tools"
	"github.com/relayops/relay/pkg/models"
)

// ToolName is the agent-internal tool name.
const ToolName = "manage_todo"

// Manager holds todo lists keyed by session id.
type Manager struct {
	mu    sync.RWMutex
	lists map[string][]models.TodoItem
	revs  map[string]uint64
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		lists: make(map[string][]models.TodoItem),
		revs:  make(map[string]uint64),
	}
}

// Get returns a copy of the session's todo list.
func (m *Manager) Get(sessionID string) []models.TodoItem {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := m.lists[sessionID]
	if len(items) == 0 {
		return nil
	}
	return append([]models.TodoItem(nil), items...)
}

// Set replaces the session's todo list. Items without ids get
// positional ones so later updates can reference them.
func (m *Manager) Set(sessionID string, items []models.TodoItem) {
	copied := make([]models.TodoItem, len(items))
	for i, item := range items {
		if item.ID == "" {
			item.ID = fmt.Sprintf("todo_%d", i+1)
		}
		if item.Status == "" {
			item.Status = models.TodoPending
		}
		copied[i] = item
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[sessionID] = copied
	m.revs[sessionID]++
}

// Clear removes the session's todo list.
func (m *Manager) Clear(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lists[sessionID]; !ok {
		return
	}
	delete(m.lists, sessionID)
	m.revs[sessionID]++
}

// Revision returns a counter that increases on every change to the
// session's list. Callers compare revisions across an iteration to
// decide whether to emit a todo update.
func (m *Manager) Revision(sessionID string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.revs[sessionID]
}

// PromptBlock renders the session's todo list as an instruction block,
// or "" when the list is empty.
func (m *Manager) PromptBlock(sessionID string) string {
	items := m.Get(sessionID)
	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Current todo list:\n")
	for i, item := range items {
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, item.Status, item.Content)
	}
	b.WriteString("Keep this list current with the manage_todo tool as you work.")
	return b.String()
}

// Tool is the manage_todo tool backed by a Manager.
type Tool struct {
	manager *Manager
}

// NewTool wires the tool to a manager.
func NewTool(manager *Manager) *Tool {
	return &Tool{manager: manager}
}

func (t *Tool) Name() string { return ToolName }

func (t *Tool) Description() string {
	return "Manage your working todo list for this session. Write replaces the whole list; use it to plan multi-step work and to mark progress."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"action": {"type": "string", "enum": ["write", "read", "clear"], "description": "write replaces the list, read returns it, clear empties it"},
			"todos": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"content": {"type": "string", "description": "The task"},
						"status": {"type": "string", "enum": ["pending", "in_progress", "completed"]}
					},
					"required": ["content"]
				},
				"description": "Full todo list, required for write"
			}
		},
		"required": ["action"]
	}`)
}

type todoArgs struct {
	Action string            `json:"action"`
	Todos  []models.TodoItem `json:"todos"`
}

func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	sess := tools.SessionFromContext(ctx)
	if sess == nil {
		return nil, fmt.Errorf("no session in context")
	}

	var args todoArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return &tools.Result{Content: "invalid arguments: " + err.Error(), IsError: true}, nil
	}

	switch args.Action {
	case "write":
		t.manager.Set(sess.ID, args.Todos)
		return &tools.Result{Content: fmt.Sprintf("Todo list updated (%d items).", len(args.Todos))}, nil
	case "read":
		block := t.manager.PromptBlock(sess.ID)
		if block == "" {
			return &tools.Result{Content: "The todo list is empty."}, nil
		}
		return &tools.Result{Content: block}, nil
	case "clear":
		t.manager.Clear(sess.ID)
		return &tools.Result{Content: "Todo list cleared."}, nil
	default:
		return &tools.Result{Content: fmt.Sprintf("unknown action %q", args.Action), IsError: true}, nil
	}
}
