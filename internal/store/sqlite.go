package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/relayops/relay/pkg/models"
)

// SQLite implements Store on a SQLite file for single-node deployments.
type SQLite struct {
	db *sql.DB
}

// SQLiteConfig contains configuration for the SQLite store.
type SQLiteConfig struct {
	Path string // Path to the database file, ":memory:" for ephemeral
}

// NewSQLite opens (or creates) the database file and ensures the schema.
func NewSQLite(cfg SQLiteConfig) (*SQLite, error) {
	if cfg.Path == "" {
		cfg.Path = ":memory:"
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer; one connection avoids SQLITE_BUSY
	// under concurrent turns.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}

	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLite) ensureSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_ref TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			cwd TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			total_cost REAL NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS items (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			response_id TEXT NOT NULL DEFAULT '',
			origin TEXT NOT NULL,
			item_type TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			call_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			arguments TEXT NOT NULL DEFAULT '',
			output TEXT NOT NULL DEFAULT '',
			cost REAL NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS questions (
			call_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			question TEXT NOT NULL,
			choices TEXT,
			answer TEXT NOT NULL DEFAULT '',
			answer_type TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			answered_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS periodic_tasks (
			id TEXT PRIMARY KEY,
			user_ref TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			recipe TEXT NOT NULL,
			schedule TEXT NOT NULL,
			timezone TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			next_run_at DATETIME,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			notify_on_success INTEGER NOT NULL DEFAULT 0,
			stats TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS periodic_task_runs (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL,
			output_summary TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			usage TEXT,
			iterations INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME NOT NULL,
			completed_at DATETIME
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_items_session ON items (session_id)",
		"CREATE INDEX IF NOT EXISTS idx_questions_session ON questions (session_id)",
		"CREATE INDEX IF NOT EXISTS idx_tasks_session ON periodic_tasks (session_id)",
		"CREATE INDEX IF NOT EXISTS idx_tasks_due ON periodic_tasks (status, next_run_at)",
		"CREATE INDEX IF NOT EXISTS idx_runs_task ON periodic_task_runs (task_id, started_at)",
	}
	for _, idx := range indexes {
		if _, err := s.db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) EnsureSession(ctx context.Context, sessionID, userRef string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO sessions (id, user_ref, created_at, updated_at)
		VALUES (?, ?, ?, ?)
	`, sessionID, userRef, now, now)
	if err != nil {
		return fmt.Errorf("failed to ensure session: %w", err)
	}
	return nil
}

func (s *SQLite) GetSession(ctx context.Context, sessionID string) (*SessionRow, error) {
	row := &SessionRow{}

	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_ref, title, cwd, input_tokens, output_tokens, total_tokens, total_cost, created_at, updated_at
		FROM sessions WHERE id = ?
	`, sessionID).Scan(
		&row.SessionID,
		&row.UserRef,
		&row.Title,
		&row.Cwd,
		&row.InputTokens,
		&row.OutputTokens,
		&row.TotalTokens,
		&row.TotalCost,
		&row.CreatedAt,
		&row.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return row, nil
}

func (s *SQLite) SetSessionTitle(ctx context.Context, sessionID, title string) error {
	if title == "" {
		return nil
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET title = CASE WHEN title = '' THEN ? ELSE title END, updated_at = ?
		WHERE id = ?
	`, title, time.Now(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to set session title: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *SQLite) AddSessionUsage(ctx context.Context, sessionID string, inputTokens, outputTokens, totalTokens int, cost float64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET input_tokens = input_tokens + ?,
			output_tokens = output_tokens + ?,
			total_tokens = total_tokens + ?,
			total_cost = total_cost + ?,
			updated_at = ?
		WHERE id = ?
	`, inputTokens, outputTokens, totalTokens, cost, time.Now(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to add session usage: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *SQLite) AppendItems(ctx context.Context, sessionID, responseID string, items []*Item) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO items (id, session_id, response_id, origin, item_type, role, content, call_id, name, arguments, output, cost, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, item := range items {
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		item.SessionID = sessionID
		item.ResponseID = responseID
		if item.CreatedAt.IsZero() {
			item.CreatedAt = now
		}
		_, err = stmt.ExecContext(ctx,
			item.ID,
			item.SessionID,
			item.ResponseID,
			item.Origin,
			item.Type,
			item.Role,
			item.Content,
			item.CallID,
			item.Name,
			item.Arguments,
			item.Output,
			item.Cost,
			item.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert item: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, now, sessionID); err != nil {
		return fmt.Errorf("failed to update session timestamp: %w", err)
	}

	return tx.Commit()
}

func (s *SQLite) ListItems(ctx context.Context, sessionID string, limit int) ([]*Item, error) {
	if limit <= 0 {
		limit = defaultItemLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, response_id, origin, item_type, role, content, call_id, name, arguments, output, cost, created_at
		FROM items WHERE session_id = ?
		ORDER BY rowid DESC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item := &Item{}
		err := rows.Scan(
			&item.ID,
			&item.SessionID,
			&item.ResponseID,
			&item.Origin,
			&item.Type,
			&item.Role,
			&item.Content,
			&item.CallID,
			&item.Name,
			&item.Arguments,
			&item.Output,
			&item.Cost,
			&item.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating items: %w", err)
	}

	// Reverse to get chronological order
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}

	return items, nil
}

func (s *SQLite) CreateQuestion(ctx context.Context, q *models.Question) error {
	if q.CallID == "" {
		return fmt.Errorf("question call ID is required")
	}

	choices, err := json.Marshal(q.Choices)
	if err != nil {
		return fmt.Errorf("failed to marshal choices: %w", err)
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO questions (call_id, session_id, question, choices, answer, answer_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, q.CallID, q.SessionID, q.Question, string(choices), q.Answer, string(q.AnswerType), q.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create question: %w", err)
	}

	return nil
}

func (s *SQLite) AnswerQuestion(ctx context.Context, callID, answer string, answerType models.AnswerType) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE questions SET answer = ?, answer_type = ?, answered_at = ?
		WHERE call_id = ?
	`, answer, string(answerType), time.Now(), callID)
	if err != nil {
		return fmt.Errorf("failed to answer question: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *SQLite) GetQuestion(ctx context.Context, callID string) (*models.Question, error) {
	q := &models.Question{}
	var choicesJSON sql.NullString
	var answerType string
	var answeredAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT call_id, session_id, question, choices, answer, answer_type, created_at, answered_at
		FROM questions WHERE call_id = ?
	`, callID).Scan(
		&q.CallID,
		&q.SessionID,
		&q.Question,
		&choicesJSON,
		&q.Answer,
		&answerType,
		&q.CreatedAt,
		&answeredAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get question: %w", err)
	}

	q.AnswerType = models.AnswerType(answerType)
	if choicesJSON.Valid && choicesJSON.String != "" && choicesJSON.String != "null" {
		if err := json.Unmarshal([]byte(choicesJSON.String), &q.Choices); err != nil {
			return nil, fmt.Errorf("failed to unmarshal choices: %w", err)
		}
	}
	if answeredAt.Valid {
		q.AnsweredAt = &answeredAt.Time
	}

	return q, nil
}

func (s *SQLite) CreateTask(ctx context.Context, task *models.PeriodicTask) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	task.UpdatedAt = task.CreatedAt

	recipe, schedule, stats, err := marshalTaskFields(task)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO periodic_tasks (id, user_ref, session_id, title, recipe, schedule, timezone, status, next_run_at, consecutive_failures, notify_on_success, stats, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		task.ID,
		task.UserRef,
		task.SessionID,
		task.Title,
		string(recipe),
		string(schedule),
		task.Timezone,
		string(task.Status),
		nullableTime(task.NextRunAt),
		task.ConsecutiveFailures,
		task.NotifyOnSuccess,
		string(stats),
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	return nil
}

func (s *SQLite) GetTask(ctx context.Context, id string) (*models.PeriodicTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_ref, session_id, title, recipe, schedule, timezone, status, next_run_at, consecutive_failures, notify_on_success, stats, created_at, updated_at
		FROM periodic_tasks WHERE id = ?
	`, id)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	return task, nil
}

func (s *SQLite) ListTasks(ctx context.Context, sessionID string) ([]*models.PeriodicTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_ref, session_id, title, recipe, schedule, timezone, status, next_run_at, consecutive_failures, notify_on_success, stats, created_at, updated_at
		FROM periodic_tasks WHERE session_id = ?
		ORDER BY created_at DESC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

func (s *SQLite) UpdateTask(ctx context.Context, task *models.PeriodicTask) error {
	recipe, schedule, stats, err := marshalTaskFields(task)
	if err != nil {
		return err
	}

	task.UpdatedAt = time.Now()

	result, err := s.db.ExecContext(ctx, `
		UPDATE periodic_tasks
		SET title = ?, recipe = ?, schedule = ?, timezone = ?, status = ?,
			next_run_at = ?, consecutive_failures = ?, notify_on_success = ?,
			stats = ?, updated_at = ?
		WHERE id = ?
	`,
		task.Title,
		string(recipe),
		string(schedule),
		task.Timezone,
		string(task.Status),
		nullableTime(task.NextRunAt),
		task.ConsecutiveFailures,
		task.NotifyOnSuccess,
		string(stats),
		task.UpdatedAt,
		task.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *SQLite) DueTasks(ctx context.Context, now time.Time, limit int) ([]*models.PeriodicTask, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_ref, session_id, title, recipe, schedule, timezone, status, next_run_at, consecutive_failures, notify_on_success, stats, created_at, updated_at
		FROM periodic_tasks
		WHERE status = ? AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC
		LIMIT ?
	`, string(models.TaskActive), now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

func (s *SQLite) CreateRun(ctx context.Context, run *models.PeriodicTaskRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	usage, err := marshalUsage(run.Usage)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO periodic_task_runs (id, task_id, attempt, status, output_summary, error, usage, iterations, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.TaskID,
		run.Attempt,
		string(run.Status),
		run.OutputSummary,
		run.Error,
		nullableBytes(usage),
		run.Iterations,
		run.StartedAt,
		nullableTime(run.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

func (s *SQLite) UpdateRun(ctx context.Context, run *models.PeriodicTaskRun) error {
	usage, err := marshalUsage(run.Usage)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE periodic_task_runs
		SET attempt = ?, status = ?, output_summary = ?, error = ?, usage = ?, iterations = ?, completed_at = ?
		WHERE id = ?
	`,
		run.Attempt,
		string(run.Status),
		run.OutputSummary,
		run.Error,
		nullableBytes(usage),
		run.Iterations,
		nullableTime(run.CompletedAt),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *SQLite) ListRuns(ctx context.Context, taskID string, limit int) ([]*models.PeriodicTaskRun, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, attempt, status, output_summary, error, usage, iterations, started_at, completed_at
		FROM periodic_task_runs WHERE task_id = ?
		ORDER BY started_at DESC
		LIMIT ?
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.PeriodicTaskRun
	for rows.Next() {
		run := &models.PeriodicTaskRun{}
		var status string
		var usageJSON sql.NullString
		var completedAt sql.NullTime

		err := rows.Scan(
			&run.ID,
			&run.TaskID,
			&run.Attempt,
			&status,
			&run.OutputSummary,
			&run.Error,
			&usageJSON,
			&run.Iterations,
			&run.StartedAt,
			&completedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		run.Status = models.RunStatus(status)
		if usageJSON.Valid && usageJSON.String != "" && usageJSON.String != "null" {
			if err := json.Unmarshal([]byte(usageJSON.String), &run.Usage); err != nil {
				return nil, fmt.Errorf("failed to unmarshal usage: %w", err)
			}
		}
		if completedAt.Valid {
			run.CompletedAt = &completedAt.Time
		}

		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

func nullableBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
