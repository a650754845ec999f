package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/relayops/relay/pkg/models"
)

// Postgres implements Store on PostgreSQL.
type Postgres struct {
	db *sql.DB

	// Prepared statements for the per-turn hot path
	stmtEnsureSession *sql.Stmt
	stmtGetSession    *sql.Stmt
	stmtSetTitle      *sql.Stmt
	stmtAddUsage      *sql.Stmt
	stmtInsertItem    *sql.Stmt
	stmtListItems     *sql.Stmt
	stmtDueTasks      *sql.Stmt
}

// DB exposes the underlying database connection.
func (s *Postgres) DB() *sql.DB {
	return s.db
}

// PostgresConfig holds configuration for the PostgreSQL connection.
type PostgresConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns default configuration.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		Host:            "localhost",
		Port:            5432,
		User:            "relay",
		Password:        "",
		Database:        "relay",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// NewPostgres creates a PostgreSQL-backed store, creating tables that do not
// exist yet.
func NewPostgres(config *PostgresConfig) (*Postgres, error) {
	if config == nil {
		config = DefaultPostgresConfig()
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		config.Host, config.Port, config.User, config.Password,
		config.Database, config.SSLMode, int(config.ConnectTimeout.Seconds()),
	)

	return newPostgresWithDSN(dsn, config)
}

// NewPostgresFromDSN creates a PostgreSQL-backed store from a raw DSN/URL.
func NewPostgresFromDSN(dsn string, config *PostgresConfig) (*Postgres, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	return newPostgresWithDSN(dsn, config)
}

func newPostgresWithDSN(dsn string, config *PostgresConfig) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Postgres{db: db}

	if err := store.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	return store, nil
}

// ensureSchema creates missing tables and indexes. Schema changes beyond
// that are handled operationally, not here.
func (s *Postgres) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_ref TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			cwd TEXT NOT NULL DEFAULT '',
			input_tokens BIGINT NOT NULL DEFAULT 0,
			output_tokens BIGINT NOT NULL DEFAULT 0,
			total_tokens BIGINT NOT NULL DEFAULT 0,
			total_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS items (
			seq BIGSERIAL,
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
			cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS questions (
			call_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			question TEXT NOT NULL,
			choices JSONB,
			answer TEXT NOT NULL DEFAULT '',
			answer_type TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			answered_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS periodic_tasks (
			id TEXT PRIMARY KEY,
			user_ref TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			recipe JSONB NOT NULL,
			schedule JSONB NOT NULL,
			timezone TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			next_run_at TIMESTAMPTZ,
			consecutive_failures INT NOT NULL DEFAULT 0,
			notify_on_success BOOLEAN NOT NULL DEFAULT false,
			stats JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS periodic_task_runs (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			attempt INT NOT NULL DEFAULT 1,
			status TEXT NOT NULL,
			output_summary TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			usage JSONB,
			iterations INT NOT NULL DEFAULT 0,
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_items_session ON items (session_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_questions_session ON questions (session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_session ON periodic_tasks (session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_due ON periodic_tasks (status, next_run_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_task ON periodic_task_runs (task_id, started_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// prepareStatements prepares the per-turn SQL statements for reuse.
func (s *Postgres) prepareStatements() error {
	var err error

	s.stmtEnsureSession, err = s.db.Prepare(`
		INSERT INTO sessions (id, user_ref, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare ensure session: %w", err)
	}

	s.stmtGetSession, err = s.db.Prepare(`
		SELECT id, user_ref, title, cwd, input_tokens, output_tokens, total_tokens, total_cost, created_at, updated_at
		FROM sessions WHERE id = $1
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get session: %w", err)
	}

	s.stmtSetTitle, err = s.db.Prepare(`
		UPDATE sessions
		SET title = CASE WHEN title = '' THEN $1 ELSE title END, updated_at = $2
		WHERE id = $3
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare set title: %w", err)
	}

	s.stmtAddUsage, err = s.db.Prepare(`
		UPDATE sessions
		SET input_tokens = input_tokens + $1,
			output_tokens = output_tokens + $2,
			total_tokens = total_tokens + $3,
			total_cost = total_cost + $4,
			updated_at = $5
		WHERE id = $6
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare add usage: %w", err)
	}

	s.stmtInsertItem, err = s.db.Prepare(`
		INSERT INTO items (id, session_id, response_id, origin, item_type, role, content, call_id, name, arguments, output, cost, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert item: %w", err)
	}

	s.stmtListItems, err = s.db.Prepare(`
		SELECT id, session_id, response_id, origin, item_type, role, content, call_id, name, arguments, output, cost, created_at
		FROM items WHERE session_id = $1
		ORDER BY seq DESC
		LIMIT $2
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare list items: %w", err)
	}

	s.stmtDueTasks, err = s.db.Prepare(`
		SELECT id, user_ref, session_id, title, recipe, schedule, timezone, status, next_run_at, consecutive_failures, notify_on_success, stats, created_at, updated_at
		FROM periodic_tasks
		WHERE status = $1 AND next_run_at IS NOT NULL AND next_run_at <= $2
		ORDER BY next_run_at ASC
		LIMIT $3
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare due tasks: %w", err)
	}

	return nil
}

// Close closes the database connection and prepared statements.
func (s *Postgres) Close() error {
	var errs []error

	for _, stmt := range []*sql.Stmt{
		s.stmtEnsureSession,
		s.stmtGetSession,
		s.stmtSetTitle,
		s.stmtAddUsage,
		s.stmtInsertItem,
		s.stmtListItems,
		s.stmtDueTasks,
	} {
		if stmt == nil {
			continue
		}
		if err := stmt.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing store: %v", errs)
	}

	return nil
}

func (s *Postgres) EnsureSession(ctx context.Context, sessionID, userRef string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	now := time.Now()
	if _, err := s.stmtEnsureSession.ExecContext(ctx, sessionID, userRef, now, now); err != nil {
		return fmt.Errorf("failed to ensure session: %w", err)
	}
	return nil
}

func (s *Postgres) GetSession(ctx context.Context, sessionID string) (*SessionRow, error) {
	row := &SessionRow{}

	err := s.stmtGetSession.QueryRowContext(ctx, sessionID).Scan(
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

func (s *Postgres) SetSessionTitle(ctx context.Context, sessionID, title string) error {
	if title == "" {
		return nil
	}

	result, err := s.stmtSetTitle.ExecContext(ctx, title, time.Now(), sessionID)
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

func (s *Postgres) AddSessionUsage(ctx context.Context, sessionID string, inputTokens, outputTokens, totalTokens int, cost float64) error {
	result, err := s.stmtAddUsage.ExecContext(ctx, inputTokens, outputTokens, totalTokens, cost, time.Now(), sessionID)
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

// AppendItems inserts the items and bumps the session timestamp in one
// transaction so a partial batch never becomes visible.
func (s *Postgres) AppendItems(ctx context.Context, sessionID, responseID string, items []*Item) error {
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

	now := time.Now()
	insert := tx.StmtContext(ctx, s.stmtInsertItem)
	for _, item := range items {
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		item.SessionID = sessionID
		item.ResponseID = responseID
		if item.CreatedAt.IsZero() {
			item.CreatedAt = now
		}
		_, err = insert.ExecContext(ctx,
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

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = $1 WHERE id = $2`, now, sessionID); err != nil {
		return fmt.Errorf("failed to update session timestamp: %w", err)
	}

	return tx.Commit()
}

func (s *Postgres) ListItems(ctx context.Context, sessionID string, limit int) ([]*Item, error) {
	if limit <= 0 {
		limit = defaultItemLimit
	}

	rows, err := s.stmtListItems.QueryContext(ctx, sessionID, limit)
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

func (s *Postgres) CreateQuestion(ctx context.Context, q *models.Question) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, q.CallID, q.SessionID, q.Question, choices, q.Answer, string(q.AnswerType), q.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create question: %w", err)
	}

	return nil
}

func (s *Postgres) AnswerQuestion(ctx context.Context, callID, answer string, answerType models.AnswerType) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE questions SET answer = $1, answer_type = $2, answered_at = $3
		WHERE call_id = $4
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

func (s *Postgres) GetQuestion(ctx context.Context, callID string) (*models.Question, error) {
	q := &models.Question{}
	var choicesJSON []byte
	var answerType string
	var answeredAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT call_id, session_id, question, choices, answer, answer_type, created_at, answered_at
		FROM questions WHERE call_id = $1
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
	if len(choicesJSON) > 0 && string(choicesJSON) != "null" {
		if err := json.Unmarshal(choicesJSON, &q.Choices); err != nil {
			return nil, fmt.Errorf("failed to unmarshal choices: %w", err)
		}
	}
	if answeredAt.Valid {
		q.AnsweredAt = &answeredAt.Time
	}

	return q, nil
}

func (s *Postgres) CreateTask(ctx context.Context, task *models.PeriodicTask) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = task.CreatedAt

	recipe, schedule, stats, err := marshalTaskFields(task)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO periodic_tasks (id, user_ref, session_id, title, recipe, schedule, timezone, status, next_run_at, consecutive_failures, notify_on_success, stats, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		task.ID,
		task.UserRef,
		task.SessionID,
		task.Title,
		recipe,
		schedule,
		task.Timezone,
		string(task.Status),
		nullableTime(task.NextRunAt),
		task.ConsecutiveFailures,
		task.NotifyOnSuccess,
		stats,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	return nil
}

func (s *Postgres) GetTask(ctx context.Context, id string) (*models.PeriodicTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_ref, session_id, title, recipe, schedule, timezone, status, next_run_at, consecutive_failures, notify_on_success, stats, created_at, updated_at
		FROM periodic_tasks WHERE id = $1
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

func (s *Postgres) ListTasks(ctx context.Context, sessionID string) ([]*models.PeriodicTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_ref, session_id, title, recipe, schedule, timezone, status, next_run_at, consecutive_failures, notify_on_success, stats, created_at, updated_at
		FROM periodic_tasks WHERE session_id = $1
		ORDER BY created_at DESC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

func (s *Postgres) UpdateTask(ctx context.Context, task *models.PeriodicTask) error {
	recipe, schedule, stats, err := marshalTaskFields(task)
	if err != nil {
		return err
	}

	task.UpdatedAt = time.Now()

	result, err := s.db.ExecContext(ctx, `
		UPDATE periodic_tasks
		SET title = $1, recipe = $2, schedule = $3, timezone = $4, status = $5,
			next_run_at = $6, consecutive_failures = $7, notify_on_success = $8,
			stats = $9, updated_at = $10
		WHERE id = $11
	`,
		task.Title,
		recipe,
		schedule,
		task.Timezone,
		string(task.Status),
		nullableTime(task.NextRunAt),
		task.ConsecutiveFailures,
		task.NotifyOnSuccess,
		stats,
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

func (s *Postgres) DueTasks(ctx context.Context, now time.Time, limit int) ([]*models.PeriodicTask, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.stmtDueTasks.QueryContext(ctx, string(models.TaskActive), now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

func (s *Postgres) CreateRun(ctx context.Context, run *models.PeriodicTaskRun) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		run.ID,
		run.TaskID,
		run.Attempt,
		string(run.Status),
		run.OutputSummary,
		run.Error,
		usage,
		run.Iterations,
		run.StartedAt,
		nullableTime(run.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

func (s *Postgres) UpdateRun(ctx context.Context, run *models.PeriodicTaskRun) error {
	usage, err := marshalUsage(run.Usage)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE periodic_task_runs
		SET attempt = $1, status = $2, output_summary = $3, error = $4, usage = $5, iterations = $6, completed_at = $7
		WHERE id = $8
	`,
		run.Attempt,
		string(run.Status),
		run.OutputSummary,
		run.Error,
		usage,
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

func (s *Postgres) ListRuns(ctx context.Context, taskID string, limit int) ([]*models.PeriodicTaskRun, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, attempt, status, output_summary, error, usage, iterations, started_at, completed_at
		FROM periodic_task_runs WHERE task_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.PeriodicTaskRun
	for rows.Next() {
		run := &models.PeriodicTaskRun{}
		var status string
		var usageJSON []byte
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
		if len(usageJSON) > 0 && string(usageJSON) != "null" {
			if err := json.Unmarshal(usageJSON, &run.Usage); err != nil {
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

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.PeriodicTask, error) {
	task := &models.PeriodicTask{}
	var recipeJSON, scheduleJSON, statsJSON []byte
	var status string
	var nextRunAt sql.NullTime

	err := row.Scan(
		&task.ID,
		&task.UserRef,
		&task.SessionID,
		&task.Title,
		&recipeJSON,
		&scheduleJSON,
		&task.Timezone,
		&status,
		&nextRunAt,
		&task.ConsecutiveFailures,
		&task.NotifyOnSuccess,
		&statsJSON,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Status = models.TaskStatus(status)
	if nextRunAt.Valid {
		task.NextRunAt = &nextRunAt.Time
	}
	if len(recipeJSON) > 0 {
		if err := json.Unmarshal(recipeJSON, &task.Recipe); err != nil {
			return nil, fmt.Errorf("failed to unmarshal recipe: %w", err)
		}
	}
	if len(scheduleJSON) > 0 {
		if err := json.Unmarshal(scheduleJSON, &task.Schedule); err != nil {
			return nil, fmt.Errorf("failed to unmarshal schedule: %w", err)
		}
	}
	if len(statsJSON) > 0 {
		if err := json.Unmarshal(statsJSON, &task.Stats); err != nil {
			return nil, fmt.Errorf("failed to unmarshal stats: %w", err)
		}
	}

	return task, nil
}

func collectTasks(rows *sql.Rows) ([]*models.PeriodicTask, error) {
	var tasks []*models.PeriodicTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

func marshalTaskFields(task *models.PeriodicTask) (recipe, schedule, stats []byte, err error) {
	recipe, err = json.Marshal(task.Recipe)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal recipe: %w", err)
	}
	schedule, err = json.Marshal(task.Schedule)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal schedule: %w", err)
	}
	stats, err = json.Marshal(task.Stats)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal stats: %w", err)
	}
	return recipe, schedule, stats, nil
}

func marshalUsage(usage *models.Usage) ([]byte, error) {
	if usage == nil {
		return nil, nil
	}
	data, err := json.Marshal(usage)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal usage: %w", err)
	}
	return data, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
