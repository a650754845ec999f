package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/relayops/relay/pkg/models"
)

// Memory is the in-process Store used by the runtime. Records are
// value-typed: callers get deep copies, and the per-session turn lock
// lives in the Locker, never on the record.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session

	cfg    Config
	locker *Locker
	logger *slog.Logger

	nowFunc func() time.Time // for eviction tests
}

// NewMemory creates an in-memory session store. The locker is consulted
// during eviction so sessions mid-turn are left alone; pass the same
// instance the runner locks with.
func NewMemory(cfg Config, locker *Locker, logger *slog.Logger) *Memory {
	if locker == nil {
		locker = NewLocker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		sessions: make(map[string]*models.Session),
		cfg:      cfg.Sanitize(),
		locker:   locker,
		logger:   logger.With("component", "session"),
		nowFunc:  time.Now,
	}
}

// SetNowFunc overrides the clock. Tests use this to age sessions.
func (m *Memory) SetNowFunc(fn func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fn != nil {
		m.nowFunc = fn
	}
}

func (m *Memory) GetOrCreate(ctx context.Context, sessionID string) (*models.Session, error) {
	if sessionID == "" {
		return nil, errors.New("session: id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	sess, ok := m.sessions[sessionID]
	if !ok {
		sess = &models.Session{
			ID:         sessionID,
			CreatedAt:  now,
			LastAccess: now,
		}
		m.sessions[sessionID] = sess
		m.logger.Debug("session created", "session_id", sessionID)
	} else {
		sess.LastAccess = now
	}
	return sess.Clone(), nil
}

func (m *Memory) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

func (m *Memory) History(ctx context.Context, sessionID string) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return models.CloneMessages(sess.History), nil
}

func (m *Memory) AppendAssistant(ctx context.Context, sessionID string, userMsgs []models.Message, response models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}

	canonicalizeAssistants(sess.History)
	for _, msg := range userMsgs {
		sess.History = append(sess.History, msg.Clone())
	}
	sess.History = append(sess.History, response.Clone())
	sess.LastAccess = m.nowFunc()
	return nil
}

func (m *Memory) AppendToolInteraction(ctx context.Context, sessionID string, userMsgs []models.Message, calls []models.ToolCall, results []models.ToolResult, usage *models.Usage, providerRaw json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}

	canonicalizeAssistants(sess.History)
	for _, msg := range userMsgs {
		sess.History = append(sess.History, msg.Clone())
	}

	assistant := models.Message{
		Role:      models.RoleAssistant,
		ToolCalls: models.CloneToolCalls(calls),
		Usage:     usage.Clone(),
	}
	if len(providerRaw) > 0 {
		assistant.ProviderRaw = append(json.RawMessage(nil), providerRaw...)
	}
	sess.History = append(sess.History, assistant)

	for _, res := range results {
		sess.History = append(sess.History, models.ToolMessage(res.ToolCallID, res.ToolName, res.Content))
	}

	squashStaleSnapshots(sess.History)
	sess.LastAccess = m.nowFunc()
	return nil
}

func (m *Memory) ReplaceToolResult(ctx context.Context, sessionID, toolCallID, output, toolName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}

	// Scan from the end: the placeholder being finalized is the most
	// recent message with that call id.
	for i := len(sess.History) - 1; i >= 0; i-- {
		msg := &sess.History[i]
		if msg.Role != models.RoleTool || msg.ToolCallID != toolCallID {
			continue
		}
		msg.Content = output
		if toolName != "" {
			msg.ToolName = toolName
		}
		sess.LastAccess = m.nowFunc()
		return nil
	}
	return ErrNoSuchToolResult
}

func (m *Memory) ReplaceHistory(ctx context.Context, sessionID string, history []models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	sess.History = models.CloneMessages(history)
	sess.LastAccess = m.nowFunc()
	return nil
}

func (m *Memory) Update(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session: record is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.sessions[session.ID]
	if !ok {
		return ErrNotFound
	}
	clone := session.Clone()
	clone.History = existing.History
	clone.CreatedAt = existing.CreatedAt
	clone.LastAccess = m.nowFunc()
	m.sessions[clone.ID] = clone
	return nil
}

func (m *Memory) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, sessionID)
	return nil
}

func (m *Memory) Evict(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	evicted := 0

	if m.cfg.TTL > 0 {
		for id, sess := range m.sessions {
			if now.Sub(sess.LastAccess) <= m.cfg.TTL {
				continue
			}
			if m.locker.Held(id) {
				continue
			}
			delete(m.sessions, id)
			evicted++
		}
	}

	if m.cfg.MaxSessions > 0 && len(m.sessions) > m.cfg.MaxSessions {
		ids := make([]string, 0, len(m.sessions))
		for id := range m.sessions {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool {
			return m.sessions[ids[i]].LastAccess.Before(m.sessions[ids[j]].LastAccess)
		})
		for _, id := range ids {
			if len(m.sessions) <= m.cfg.MaxSessions {
				break
			}
			if m.locker.Held(id) {
				continue
			}
			delete(m.sessions, id)
			evicted++
		}
	}

	if evicted > 0 {
		m.logger.Debug("sessions evicted", "count", evicted, "remaining", len(m.sessions))
	}
	return evicted
}

// canonicalizeAssistants strips provider metadata from every assistant
// message already in history. Only the assistant turn being appended
// keeps its raw form; older signatures are never replayed.
func canonicalizeAssistants(history []models.Message) {
	for i := range history {
		if history[i].Role == models.RoleAssistant {
			history[i].ProviderRaw = nil
		}
	}
}
