package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/relayops/relay/pkg/models"
)

var (
	// ErrNotFound is returned when a session id is unknown to the store.
	ErrNotFound = errors.New("session: not found")

	// ErrNoSuchToolResult is returned by ReplaceToolResult when no tool
	// message carries the given call id.
	ErrNoSuchToolResult = errors.New("session: no tool result with that call id")
)

// Store holds conversation state for active sessions.
//
// History mutations go through the append and replace methods so the
// store can keep the record canonical: provider metadata survives only
// on the newest assistant message, and stale browser snapshots collapse
// to one-line summaries. Update is for the non-history fields (pending
// approval, auto-approved set, todos, title, cwd).
type Store interface {
	// GetOrCreate returns the session, creating an empty one if needed.
	// The returned record is a copy; mutate it and call Update to persist.
	GetOrCreate(ctx context.Context, sessionID string) (*models.Session, error)

	// Get returns a copy of the session, or ErrNotFound.
	Get(ctx context.Context, sessionID string) (*models.Session, error)

	// History returns a copy of the session's message history.
	History(ctx context.Context, sessionID string) ([]models.Message, error)

	// AppendAssistant records a plain assistant turn: the user messages
	// that prompted it followed by the response.
	AppendAssistant(ctx context.Context, sessionID string, userMsgs []models.Message, response models.Message) error

	// AppendToolInteraction records one tool iteration: the user messages
	// (first iteration only), an assistant message carrying the tool
	// calls, usage, and the provider's raw metadata, and one tool message
	// per result.
	AppendToolInteraction(ctx context.Context, sessionID string, userMsgs []models.Message, calls []models.ToolCall, results []models.ToolResult, usage *models.Usage, providerRaw json.RawMessage) error

	// ReplaceToolResult substitutes the content of the tool message whose
	// call id matches, in place. Used when a placeholder result recorded
	// for a client-side call is finalized by the client's follow-up turn.
	ReplaceToolResult(ctx context.Context, sessionID, toolCallID, output, toolName string) error

	// ReplaceHistory swaps the session's entire history, preserving the
	// record's other fields. Compaction writes its result back this way.
	ReplaceHistory(ctx context.Context, sessionID string, history []models.Message) error

	// Update persists the session's non-history fields. History is taken
	// from the stored record, not from the argument.
	Update(ctx context.Context, session *models.Session) error

	// Delete removes the session outright.
	Delete(ctx context.Context, sessionID string) error

	// Evict drops sessions idle longer than the TTL and, if the store is
	// still over its cap, the least recently used ones. Sessions whose
	// turn lock is held are never evicted. Returns the number removed.
	Evict(ctx context.Context) int
}

// Config bounds the in-memory session store.
type Config struct {
	// TTL is the idle lifetime. Sessions untouched for longer are
	// dropped on the next eviction pass. Zero disables TTL eviction.
	TTL time.Duration `yaml:"ttl" json:"ttl"`

	// MaxSessions caps the number of live sessions. When exceeded the
	// least recently used unlocked sessions are dropped. Zero means
	// unbounded.
	MaxSessions int `yaml:"max_sessions" json:"max_sessions"`
}

// DefaultConfig returns the store bounds used when none are configured.
func DefaultConfig() Config {
	return Config{
		TTL:         30 * time.Minute,
		MaxSessions: 1000,
	}
}

// Sanitize replaces nonsense values with defaults.
func (c Config) Sanitize() Config {
	def := DefaultConfig()
	if c.TTL < 0 {
		c.TTL = def.TTL
	}
	if c.MaxSessions < 0 {
		c.MaxSessions = def.MaxSessions
	}
	return c
}
