package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relayops/relay/pkg/models"
)

// defaultItemLimit bounds ListItems when the caller passes no limit.
const defaultItemLimit = 1000

// Memory is an in-memory Store for tests and local runs. Rows are cloned on
// both write and read so callers never share mutable state with the store.
type Memory struct {
	mu        sync.RWMutex
	sessions  map[string]*SessionRow
	items     map[string][]*Item
	questions map[string]*models.Question
	tasks     map[string]*models.PeriodicTask
	runs      map[string][]*models.PeriodicTaskRun
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions:  map[string]*SessionRow{},
		items:     map[string][]*Item{},
		questions: map[string]*models.Question{},
		tasks:     map[string]*models.PeriodicTask{},
		runs:      map[string][]*models.PeriodicTaskRun{},
	}
}

func (m *Memory) EnsureSession(ctx context.Context, sessionID, userRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; ok {
		return nil
	}
	now := time.Now()
	m.sessions[sessionID] = &SessionRow{
		SessionID: sessionID,
		UserRef:   userRef,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return nil
}

func (m *Memory) GetSession(ctx context.Context, sessionID string) (*SessionRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *row
	return &clone, nil
}

func (m *Memory) SetSessionTitle(ctx context.Context, sessionID, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if row.Title != "" || title == "" {
		return nil
	}
	row.Title = title
	row.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) AddSessionUsage(ctx context.Context, sessionID string, inputTokens, outputTokens, totalTokens int, cost float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	row.InputTokens += inputTokens
	row.OutputTokens += outputTokens
	row.TotalTokens += totalTokens
	row.TotalCost += cost
	row.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) AppendItems(ctx context.Context, sessionID, responseID string, items []*Item) error {
	if len(items) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	for _, item := range items {
		clone := *item
		if clone.ID == "" {
			clone.ID = uuid.NewString()
		}
		clone.SessionID = sessionID
		clone.ResponseID = responseID
		if clone.CreatedAt.IsZero() {
			clone.CreatedAt = now
		}
		// Reflect the generated id back to the caller.
		item.ID = clone.ID
		m.items[sessionID] = append(m.items[sessionID], &clone)
	}
	row.UpdatedAt = now
	return nil
}

func (m *Memory) ListItems(ctx context.Context, sessionID string, limit int) ([]*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = defaultItemLimit
	}
	items := m.items[sessionID]
	start := 0
	if len(items) > limit {
		start = len(items) - limit
	}
	out := make([]*Item, 0, len(items)-start)
	for _, item := range items[start:] {
		clone := *item
		out = append(out, &clone)
	}
	return out, nil
}

func (m *Memory) CreateQuestion(ctx context.Context, q *models.Question) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := cloneQuestion(q)
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	m.questions[clone.CallID] = clone
	return nil
}

func (m *Memory) AnswerQuestion(ctx context.Context, callID, answer string, answerType models.AnswerType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.questions[callID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	q.Answer = answer
	q.AnswerType = answerType
	q.AnsweredAt = &now
	return nil
}

func (m *Memory) GetQuestion(ctx context.Context, callID string) (*models.Question, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	q, ok := m.questions[callID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneQuestion(q), nil
}

func (m *Memory) CreateTask(ctx context.Context, task *models.PeriodicTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := cloneTask(task)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	now := time.Now()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = clone.CreatedAt
	task.ID = clone.ID
	task.CreatedAt = clone.CreatedAt
	task.UpdatedAt = clone.UpdatedAt
	m.tasks[clone.ID] = clone
	return nil
}

func (m *Memory) GetTask(ctx context.Context, id string) (*models.PeriodicTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTask(task), nil
}

func (m *Memory) ListTasks(ctx context.Context, sessionID string) ([]*models.PeriodicTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.PeriodicTask
	for _, task := range m.tasks {
		if sessionID != "" && task.SessionID != sessionID {
			continue
		}
		out = append(out, cloneTask(task))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) UpdateTask(ctx context.Context, task *models.PeriodicTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.tasks[task.ID]
	if !ok {
		return ErrNotFound
	}
	clone := cloneTask(task)
	clone.CreatedAt = existing.CreatedAt
	clone.UpdatedAt = time.Now()
	task.UpdatedAt = clone.UpdatedAt
	m.tasks[clone.ID] = clone
	return nil
}

func (m *Memory) DueTasks(ctx context.Context, now time.Time, limit int) ([]*models.PeriodicTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []*models.PeriodicTask
	for _, task := range m.tasks {
		if task.Status != models.TaskActive || task.NextRunAt == nil {
			continue
		}
		if task.NextRunAt.After(now) {
			continue
		}
		due = append(due, cloneTask(task))
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRunAt.Before(*due[j].NextRunAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *Memory) CreateRun(ctx context.Context, run *models.PeriodicTaskRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := cloneRun(run)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.StartedAt.IsZero() {
		clone.StartedAt = time.Now()
	}
	run.ID = clone.ID
	run.StartedAt = clone.StartedAt
	m.runs[clone.TaskID] = append(m.runs[clone.TaskID], clone)
	return nil
}

func (m *Memory) UpdateRun(ctx context.Context, run *models.PeriodicTaskRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	runs := m.runs[run.TaskID]
	for i, existing := range runs {
		if existing.ID == run.ID {
			runs[i] = cloneRun(run)
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) ListRuns(ctx context.Context, taskID string, limit int) ([]*models.PeriodicTaskRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runs := m.runs[taskID]
	out := make([]*models.PeriodicTaskRun, 0, len(runs))
	for i := len(runs) - 1; i >= 0; i-- {
		out = append(out, cloneRun(runs[i]))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) Close() error {
	return nil
}

func cloneQuestion(q *models.Question) *models.Question {
	clone := *q
	if q.Choices != nil {
		clone.Choices = append([]string(nil), q.Choices...)
	}
	if q.AnsweredAt != nil {
		t := *q.AnsweredAt
		clone.AnsweredAt = &t
	}
	return &clone
}

func cloneTask(task *models.PeriodicTask) *models.PeriodicTask {
	clone := *task
	if task.Recipe.Instructions != nil {
		clone.Recipe.Instructions = append([]string(nil), task.Recipe.Instructions...)
	}
	if task.NextRunAt != nil {
		t := *task.NextRunAt
		clone.NextRunAt = &t
	}
	if task.Stats.LastRunAt != nil {
		t := *task.Stats.LastRunAt
		clone.Stats.LastRunAt = &t
	}
	if task.Schedule.Cron != nil {
		c := *task.Schedule.Cron
		clone.Schedule.Cron = &c
	}
	if task.Schedule.Interval != nil {
		iv := *task.Schedule.Interval
		clone.Schedule.Interval = &iv
	}
	return &clone
}

func cloneRun(run *models.PeriodicTaskRun) *models.PeriodicTaskRun {
	clone := *run
	if run.Usage != nil {
		u := *run.Usage
		clone.Usage = &u
	}
	if run.CompletedAt != nil {
		t := *run.CompletedAt
		clone.CompletedAt = &t
	}
	return &clone
}
