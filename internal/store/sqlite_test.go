package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/relayops/relay/pkg/models"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(SQLiteConfig{Path: ":memory:"})
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteSessions(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	if err := s.EnsureSession(ctx, "sess_1", "user-1"); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	// INSERT OR IGNORE keeps the original row.
	if err := s.EnsureSession(ctx, "sess_1", "someone-else"); err != nil {
		t.Fatalf("EnsureSession again: %v", err)
	}

	row, err := s.GetSession(ctx, "sess_1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if row.UserRef != "user-1" {
		t.Errorf("expected user-1, got %q", row.UserRef)
	}
	if _, err := s.GetSession(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := s.SetSessionTitle(ctx, "sess_1", "First title"); err != nil {
		t.Fatalf("SetSessionTitle: %v", err)
	}
	if err := s.SetSessionTitle(ctx, "sess_1", "Second title"); err != nil {
		t.Fatalf("SetSessionTitle again: %v", err)
	}
	if err := s.SetSessionTitle(ctx, "ghost", "Anything"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := s.AddSessionUsage(ctx, "sess_1", 100, 40, 140, 0.002); err != nil {
		t.Fatalf("AddSessionUsage: %v", err)
	}
	if err := s.AddSessionUsage(ctx, "sess_1", 50, 10, 60, 0.001); err != nil {
		t.Fatalf("AddSessionUsage: %v", err)
	}
	if err := s.AddSessionUsage(ctx, "ghost", 1, 1, 2, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	row, err = s.GetSession(ctx, "sess_1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if row.Title != "First title" {
		t.Errorf("expected %q, got %q", "First title", row.Title)
	}
	if row.InputTokens != 150 || row.OutputTokens != 50 || row.TotalTokens != 200 {
		t.Errorf("token aggregates mismatch: %d/%d/%d", row.InputTokens, row.OutputTokens, row.TotalTokens)
	}
	if row.TotalCost < 0.0029 || row.TotalCost > 0.0031 {
		t.Errorf("cost aggregate mismatch: %v", row.TotalCost)
	}
}

func TestSQLiteItems(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	if err := s.EnsureSession(ctx, "sess_1", "user-1"); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	first := []*Item{
		{Origin: OriginInput, Type: "message", Role: "user", Content: "hi"},
		{Origin: OriginOutput, Type: "function_call", CallID: "c1", Name: "bash", Arguments: `{"command":"ls"}`},
	}
	if err := s.AppendItems(ctx, "sess_1", "resp_1", first); err != nil {
		t.Fatalf("AppendItems: %v", err)
	}
	second := []*Item{
		{Origin: OriginOutput, Type: "message", Role: "assistant", Content: "done", Cost: 0.001},
	}
	if err := s.AppendItems(ctx, "sess_1", "resp_2", second); err != nil {
		t.Fatalf("AppendItems: %v", err)
	}

	for i, item := range first {
		if item.ID == "" {
			t.Errorf("item %d was not assigned an id", i)
		}
		if item.SessionID != "sess_1" || item.ResponseID != "resp_1" {
			t.Errorf("item %d not stamped: %q/%q", i, item.SessionID, item.ResponseID)
		}
	}

	items, err := s.ListItems(ctx, "sess_1", 0)
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	if items[0].Content != "hi" || items[1].CallID != "c1" || items[2].Content != "done" {
		t.Error("items out of order")
	}
	if items[1].Arguments != `{"command":"ls"}` {
		t.Errorf("arguments not persisted: %q", items[1].Arguments)
	}
	if items[2].Cost != 0.001 {
		t.Errorf("cost not persisted: %v", items[2].Cost)
	}

	// Limit keeps the newest rows but returns them chronological.
	tail, err := s.ListItems(ctx, "sess_1", 2)
	if err != nil {
		t.Fatalf("ListItems limited: %v", err)
	}
	if len(tail) != 2 {
		t.Fatalf("expected 2 items, got %d", len(tail))
	}
	if tail[0].CallID != "c1" || tail[1].Content != "done" {
		t.Error("limited listing returned the wrong window")
	}

	other, err := s.ListItems(ctx, "sess_2", 0)
	if err != nil {
		t.Fatalf("ListItems other session: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("expected no items for sess_2, got %d", len(other))
	}
}

func TestSQLiteQuestions(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	q := &models.Question{
		CallID:    "call_1",
		SessionID: "sess_1",
		Question:  "Deploy to prod?",
		Choices:   []string{"Yes", "No"},
	}
	if err := s.CreateQuestion(ctx, q); err != nil {
		t.Fatalf("CreateQuestion: %v", err)
	}

	got, err := s.GetQuestion(ctx, "call_1")
	if err != nil {
		t.Fatalf("GetQuestion: %v", err)
	}
	if len(got.Choices) != 2 || got.Choices[0] != "Yes" || got.Choices[1] != "No" {
		t.Errorf("choices did not round-trip: %v", got.Choices)
	}
	if got.AnsweredAt != nil {
		t.Error("question should start unanswered")
	}

	if err := s.AnswerQuestion(ctx, "call_1", "Yes", models.AnswerChoice); err != nil {
		t.Fatalf("AnswerQuestion: %v", err)
	}
	answered, err := s.GetQuestion(ctx, "call_1")
	if err != nil {
		t.Fatalf("GetQuestion: %v", err)
	}
	if answered.Answer != "Yes" || answered.AnswerType != models.AnswerChoice {
		t.Errorf("answer mismatch: %q/%q", answered.Answer, answered.AnswerType)
	}
	if answered.AnsweredAt == nil {
		t.Error("answered_at was not set")
	}

	// Free-form questions carry no choices; the column is NULL.
	open := &models.Question{CallID: "call_2", SessionID: "sess_1", Question: "Which region?"}
	if err := s.CreateQuestion(ctx, open); err != nil {
		t.Fatalf("CreateQuestion: %v", err)
	}
	plain, err := s.GetQuestion(ctx, "call_2")
	if err != nil {
		t.Fatalf("GetQuestion: %v", err)
	}
	if plain.Choices != nil {
		t.Errorf("expected nil choices, got %v", plain.Choices)
	}

	if err := s.AnswerQuestion(ctx, "ghost", "x", models.AnswerText); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetQuestion(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteTasks(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	nextRun := time.Now().Add(time.Hour).Truncate(time.Second)
	task := &models.PeriodicTask{
		UserRef:   "user-1",
		SessionID: "sess_1",
		Title:     "Nightly digest",
		Recipe:    models.Recipe{Objective: "Summarize the day"},
		Schedule:  models.Schedule{Type: "interval", Interval: &models.IntervalSpec{Every: 1, Unit: "days"}},
		Status:    models.TaskActive,
		NextRunAt: &nextRun,
	}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.ID == "" {
		t.Fatal("task was not assigned an id")
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Recipe.Objective != "Summarize the day" {
		t.Errorf("recipe did not round-trip: %+v", got.Recipe)
	}
	if got.Schedule.Type != "interval" || got.Schedule.Interval == nil || got.Schedule.Interval.Every != 1 {
		t.Errorf("schedule did not round-trip: %+v", got.Schedule)
	}
	if got.NextRunAt == nil || got.NextRunAt.Unix() != nextRun.Unix() {
		t.Errorf("next_run_at did not round-trip: %v", got.NextRunAt)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps were not stamped")
	}

	got.Title = "Renamed digest"
	got.Status = models.TaskPaused
	if err := s.UpdateTask(ctx, got); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	updated, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if updated.Title != "Renamed digest" || updated.Status != models.TaskPaused {
		t.Errorf("update not persisted: %q/%q", updated.Title, updated.Status)
	}
	if updated.CreatedAt.Unix() != got.CreatedAt.Unix() {
		t.Error("update must preserve created_at")
	}

	// Listing is per session, newest first.
	older := time.Now().Add(-time.Hour)
	second := &models.PeriodicTask{
		SessionID: "sess_1",
		Title:     "Older task",
		Status:    models.TaskActive,
		CreatedAt: older,
	}
	if err := s.CreateTask(ctx, second); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	foreign := &models.PeriodicTask{SessionID: "sess_2", Status: models.TaskActive}
	if err := s.CreateTask(ctx, foreign); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	listed, err := s.ListTasks(ctx, "sess_1")
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(listed))
	}
	if listed[0].ID != task.ID || listed[1].ID != second.ID {
		t.Errorf("tasks out of order: %s, %s", listed[0].ID, listed[1].ID)
	}

	missing := &models.PeriodicTask{ID: "ghost"}
	if err := s.UpdateTask(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetTask(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteDueTasks(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	now := time.Now()

	mkTask := func(id string, status models.TaskStatus, nextRun *time.Time) {
		t.Helper()
		task := &models.PeriodicTask{
			ID:        id,
			SessionID: "sess_1",
			Status:    status,
			NextRunAt: nextRun,
		}
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask %s: %v", id, err)
		}
	}

	older := now.Add(-2 * time.Hour)
	recent := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	mkTask("due-older", models.TaskActive, &older)
	mkTask("due-recent", models.TaskActive, &recent)
	mkTask("future", models.TaskActive, &future)
	mkTask("paused", models.TaskPaused, &older)
	mkTask("unscheduled", models.TaskActive, nil)

	due, err := s.DueTasks(ctx, now, 0)
	if err != nil {
		t.Fatalf("DueTasks: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due tasks, got %d", len(due))
	}
	if due[0].ID != "due-older" || due[1].ID != "due-recent" {
		t.Errorf("due tasks out of order: %s, %s", due[0].ID, due[1].ID)
	}

	limited, err := s.DueTasks(ctx, now, 1)
	if err != nil {
		t.Fatalf("DueTasks limited: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "due-older" {
		t.Errorf("limit should keep the oldest due task, got %v", limited)
	}
}

func TestSQLiteRuns(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	start := time.Now().Add(-time.Minute)
	first := &models.PeriodicTaskRun{TaskID: "task_1", Attempt: 1, Status: models.RunRunning, StartedAt: start}
	if err := s.CreateRun(ctx, first); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if first.ID == "" {
		t.Fatal("run was not assigned an id")
	}

	second := &models.PeriodicTaskRun{TaskID: "task_1", Attempt: 1, Status: models.RunRunning}
	if err := s.CreateRun(ctx, second); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if second.StartedAt.IsZero() {
		t.Error("started_at was not stamped")
	}

	completed := time.Now()
	first.Status = models.RunCompleted
	first.OutputSummary = "all good"
	first.Usage = &models.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}
	first.Iterations = 3
	first.CompletedAt = &completed
	if err := s.UpdateRun(ctx, first); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	runs, err := s.ListRuns(ctx, "task_1", 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	// Newest first.
	if runs[0].ID != second.ID || runs[1].ID != first.ID {
		t.Errorf("runs out of order: %s, %s", runs[0].ID, runs[1].ID)
	}
	done := runs[1]
	if done.Status != models.RunCompleted || done.OutputSummary != "all good" || done.Iterations != 3 {
		t.Errorf("updated run not reflected: %+v", done)
	}
	if done.Usage == nil || done.Usage.TotalTokens != 15 {
		t.Errorf("usage did not round-trip: %+v", done.Usage)
	}
	if done.CompletedAt == nil {
		t.Error("completed_at was not set")
	}
	// A running row keeps NULL usage and completion.
	if runs[0].Usage != nil || runs[0].CompletedAt != nil {
		t.Errorf("running row should stay empty: %+v", runs[0])
	}

	limited, err := s.ListRuns(ctx, "task_1", 1)
	if err != nil {
		t.Fatalf("ListRuns limited: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != second.ID {
		t.Error("limit should keep the newest run")
	}

	ghost := &models.PeriodicTaskRun{ID: "ghost", TaskID: "task_1"}
	if err := s.UpdateRun(ctx, ghost); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
