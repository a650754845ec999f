// Package notify delivers user-facing notifications: the notify_user
// tool the model calls to surface results, and the scheduler's
// success/failure notices. Delivery is behind the Notifier interface;
// the default sink is the process log.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/relayops/relay/internal/tools"
)

// ToolName is the agent-internal tool name.
const ToolName = "notify_user"

// Notification is one message for the user.
type Notification struct {
	SessionID string    `json:"session_id,omitempty"`
	UserRef   string    `json:"user_ref,omitempty"`
	Title     string    `json:"title,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the process log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates the default log-backed notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notify")}
}

func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	l.logger.Info("notification",
		"session_id", n.SessionID,
		"user_ref", n.UserRef,
		"title", n.Title,
		"message", n.Message)
	return nil
}

// Memory collects notifications in memory. Useful for tests and for
// surfaces that poll instead of push.
type Memory struct {
	mu   sync.Mutex
	sent []Notification
}

// NewMemory creates an empty in-memory notifier.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Notify(ctx context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, n)
	return nil
}

// Sent returns a copy of everything delivered so far.
func (m *Memory) Sent() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Notification(nil), m.sent...)
}

// Tool is the notify_user tool backed by a Notifier.
type Tool struct {
	notifier Notifier
	now      func() time.Time
}

// NewTool wires the tool to a notifier.
func NewTool(notifier Notifier) *Tool {
	return &Tool{notifier: notifier, now: time.Now}
}

func (t *Tool) Name() string { return ToolName }

func (t *Tool) Description() string {
	return "Send the user a notification. Use this to report results when the user is not watching the conversation, for example at the end of a scheduled task."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"title": {"type": "string", "description": "Short headline"},
			"message": {"type": "string", "description": "Notification body"}
		},
		"required": ["message"]
	}`)
}

type notifyArgs struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	var args notifyArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return &tools.Result{Content: "invalid arguments: " + err.Error(), IsError: true}, nil
	}
	if strings.TrimSpace(args.Message) == "" {
		return &tools.Result{Content: "message is required", IsError: true}, nil
	}

	n := Notification{
		Title:     args.Title,
		Message:   args.Message,
		CreatedAt: t.now(),
	}
	if sess := tools.SessionFromContext(ctx); sess != nil {
		n.SessionID = sess.ID
		n.UserRef = sess.UserRef
	}
	if err := t.notifier.Notify(ctx, n); err != nil {
		return nil, fmt.Errorf("deliver notification: %w", err)
	}
	return &tools.Result{Content: "Notification sent."}, nil
}
