// Package store persists the durable side of the runtime: session rows with
// usage aggregates, the input/output items of every response, ask_question
// records, and periodic tasks with their runs. The in-memory session package
// owns the live transcript; this package owns what survives a restart.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/relayops/relay/pkg/models"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// Item origins. Input items arrive with the request, output items are
// produced by the agent loop.
const (
	OriginInput  = "input"
	OriginOutput = "output"
)

// SessionRow is the durable record of a session. Token and cost columns are
// running totals maintained by AddSessionUsage.
type SessionRow struct {
	SessionID    string    `json:"session_id"`
	UserRef      string    `json:"user_ref"`
	Title        string    `json:"title,omitempty"`
	Cwd          string    `json:"cwd,omitempty"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	TotalTokens  int       `json:"total_tokens"`
	TotalCost    float64   `json:"total_cost"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Item is one persisted conversation item. Message items fill Role and
// Content; function calls fill CallID, Name and Arguments; function call
// outputs fill CallID and Output. Cost is the dollar cost attributed to the
// item, zero for items that carry no usage.
type Item struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	ResponseID string    `json:"response_id,omitempty"`
	Origin     string    `json:"origin"`
	Type       string    `json:"type"`
	Role       string    `json:"role,omitempty"`
	Content    string    `json:"content,omitempty"`
	CallID     string    `json:"call_id,omitempty"`
	Name       string    `json:"name,omitempty"`
	Arguments  string    `json:"arguments,omitempty"`
	Output     string    `json:"output,omitempty"`
	Cost       float64   `json:"cost,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store is the durable persistence interface. Backed by Postgres, SQLite or
// memory; all three are safe for concurrent use.
type Store interface {
	// EnsureSession creates the session row if it does not exist and links
	// it to userRef. Existing rows are left untouched.
	EnsureSession(ctx context.Context, sessionID, userRef string) error

	// GetSession returns the session row or ErrNotFound.
	GetSession(ctx context.Context, sessionID string) (*SessionRow, error)

	// SetSessionTitle sets the title. Only the first non-empty title wins;
	// later calls against a titled session are no-ops.
	SetSessionTitle(ctx context.Context, sessionID, title string) error

	// AddSessionUsage atomically increments the session's usage aggregates.
	AddSessionUsage(ctx context.Context, sessionID string, inputTokens, outputTokens, totalTokens int, cost float64) error

	// AppendItems inserts items in order, stamping them with sessionID and
	// responseID and bumping the session's updated_at, all in one
	// transaction. Items without an ID are assigned one.
	AppendItems(ctx context.Context, sessionID, responseID string, items []*Item) error

	// ListItems returns up to limit items for the session in chronological
	// order. limit <= 0 means a backend default.
	ListItems(ctx context.Context, sessionID string, limit int) ([]*Item, error)

	// CreateQuestion records an ask_question call keyed by its call id.
	CreateQuestion(ctx context.Context, q *models.Question) error

	// AnswerQuestion stores the user's answer for the question with the
	// given call id. ErrNotFound when no such question exists.
	AnswerQuestion(ctx context.Context, callID, answer string, answerType models.AnswerType) error

	// GetQuestion returns the question with the given call id or ErrNotFound.
	GetQuestion(ctx context.Context, callID string) (*models.Question, error)

	CreateTask(ctx context.Context, task *models.PeriodicTask) error
	GetTask(ctx context.Context, id string) (*models.PeriodicTask, error)

	// ListTasks returns the tasks bound to a session, newest first.
	ListTasks(ctx context.Context, sessionID string) ([]*models.PeriodicTask, error)

	// UpdateTask replaces the mutable columns of an existing task.
	UpdateTask(ctx context.Context, task *models.PeriodicTask) error

	// DueTasks returns active tasks whose next_run_at is at or before now,
	// oldest due first, up to limit.
	DueTasks(ctx context.Context, now time.Time, limit int) ([]*models.PeriodicTask, error)

	CreateRun(ctx context.Context, run *models.PeriodicTaskRun) error
	UpdateRun(ctx context.Context, run *models.PeriodicTaskRun) error

	// ListRuns returns the most recent runs for a task, newest first.
	ListRuns(ctx context.Context, taskID string, limit int) ([]*models.PeriodicTaskRun, error)

	Close() error
}
