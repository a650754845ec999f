package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/relayops/relay/pkg/models"
)

func TestMemorySessions(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.EnsureSession(ctx, "sess_1", "user-1"); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	// Second ensure must not clobber the existing row.
	if err := m.EnsureSession(ctx, "sess_1", "someone-else"); err != nil {
		t.Fatalf("EnsureSession again: %v", err)
	}

	row, err := m.GetSession(ctx, "sess_1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if row.UserRef != "user-1" {
		t.Errorf("expected user-1, got %q", row.UserRef)
	}

	if _, err := m.GetSession(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemorySetSessionTitle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.EnsureSession(ctx, "sess_1", "user-1"); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	if err := m.SetSessionTitle(ctx, "sess_1", "First title"); err != nil {
		t.Fatalf("SetSessionTitle: %v", err)
	}
	// Only the first title wins.
	if err := m.SetSessionTitle(ctx, "sess_1", "Second title"); err != nil {
		t.Fatalf("SetSessionTitle again: %v", err)
	}

	row, err := m.GetSession(ctx, "sess_1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if row.Title != "First title" {
		t.Errorf("expected %q, got %q", "First title", row.Title)
	}

	if err := m.SetSessionTitle(ctx, "ghost", "Anything"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryAddSessionUsage(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.EnsureSession(ctx, "sess_1", "user-1"); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	if err := m.AddSessionUsage(ctx, "sess_1", 100, 40, 140, 0.002); err != nil {
		t.Fatalf("AddSessionUsage: %v", err)
	}
	if err := m.AddSessionUsage(ctx, "sess_1", 50, 10, 60, 0.001); err != nil {
		t.Fatalf("AddSessionUsage: %v", err)
	}

	row, err := m.GetSession(ctx, "sess_1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if row.InputTokens != 150 || row.OutputTokens != 50 || row.TotalTokens != 200 {
		t.Errorf("token aggregates mismatch: %d/%d/%d", row.InputTokens, row.OutputTokens, row.TotalTokens)
	}
	if row.TotalCost != 0.003 {
		t.Errorf("cost aggregate mismatch: %v", row.TotalCost)
	}

	if err := m.AddSessionUsage(ctx, "ghost", 1, 1, 2, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryAppendAndListItems(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.EnsureSession(ctx, "sess_1", "user-1"); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	batch := []*Item{
		{Origin: OriginInput, Type: "message", Role: "user", Content: "hi"},
		{Origin: OriginOutput, Type: "function_call", CallID: "c1", Name: "bash", Arguments: `{"command":"ls"}`},
		{Origin: OriginOutput, Type: "message", Role: "assistant", Content: "done", Cost: 0.001},
	}
	if err := m.AppendItems(ctx, "sess_1", "resp_1", batch); err != nil {
		t.Fatalf("AppendItems: %v", err)
	}
	for i, item := range batch {
		if item.ID == "" {
			t.Errorf("item %d was not assigned an id", i)
		}
		if item.SessionID != "sess_1" || item.ResponseID != "resp_1" {
			t.Errorf("item %d not stamped: %q/%q", i, item.SessionID, item.ResponseID)
		}
	}

	items, err := m.ListItems(ctx, "sess_1", 0)
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	if items[0].Content != "hi" || items[1].CallID != "c1" || items[2].Content != "done" {
		t.Error("items out of order")
	}

	// Limit returns the most recent items, still chronological.
	tail, err := m.ListItems(ctx, "sess_1", 2)
	if err != nil {
		t.Fatalf("ListItems limited: %v", err)
	}
	if len(tail) != 2 {
		t.Fatalf("expected 2 items, got %d", len(tail))
	}
	if tail[0].CallID != "c1" || tail[1].Content != "done" {
		t.Error("limited listing returned the wrong window")
	}

	if err := m.AppendItems(ctx, "ghost", "resp_2", []*Item{{Type: "message"}}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryQuestions(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	q := &models.Question{
		CallID:    "call_1",
		SessionID: "sess_1",
		Question:  "Deploy to prod?",
		Choices:   []string{"Yes", "No"},
	}
	if err := m.CreateQuestion(ctx, q); err != nil {
		t.Fatalf("CreateQuestion: %v", err)
	}

	got, err := m.GetQuestion(ctx, "call_1")
	if err != nil {
		t.Fatalf("GetQuestion: %v", err)
	}
	if got.AnsweredAt != nil {
		t.Error("question should start unanswered")
	}

	// Mutating the returned copy must not touch the stored row.
	got.Choices[0] = "mutated"
	fresh, err := m.GetQuestion(ctx, "call_1")
	if err != nil {
		t.Fatalf("GetQuestion: %v", err)
	}
	if fresh.Choices[0] != "Yes" {
		t.Error("stored question leaked mutable state")
	}

	if err := m.AnswerQuestion(ctx, "call_1", "Yes", models.AnswerChoice); err != nil {
		t.Fatalf("AnswerQuestion: %v", err)
	}
	answered, err := m.GetQuestion(ctx, "call_1")
	if err != nil {
		t.Fatalf("GetQuestion: %v", err)
	}
	if answered.Answer != "Yes" || answered.AnswerType != models.AnswerChoice {
		t.Errorf("answer mismatch: %q/%q", answered.Answer, answered.AnswerType)
	}
	if answered.AnsweredAt == nil {
		t.Error("answered_at was not set")
	}

	if err := m.AnswerQuestion(ctx, "ghost", "x", models.AnswerText); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryTasks(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	task := &models.PeriodicTask{
		UserRef:   "user-1",
		SessionID: "sess_1",
		Title:     "Nightly digest",
		Recipe:    models.Recipe{Objective: "Summarize the day"},
		Schedule:  models.Schedule{Type: "interval", Interval: &models.IntervalSpec{Every: 1, Unit: "days"}},
		Status:    models.TaskActive,
	}
	if err := m.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.ID == "" {
		t.Fatal("task was not assigned an id")
	}
	createdAt := task.CreatedAt

	task.Title = "Renamed digest"
	if err := m.UpdateTask(ctx, task); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	got, err := m.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Title != "Renamed digest" {
		t.Errorf("title not updated: %q", got.Title)
	}
	if !got.CreatedAt.Equal(createdAt) {
		t.Error("update must preserve created_at")
	}

	// The returned copy is isolated from the stored row.
	got.Recipe.Objective = "mutated"
	fresh, err := m.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if fresh.Recipe.Objective != "Summarize the day" {
		t.Error("stored task leaked mutable state")
	}

	other := &models.PeriodicTask{SessionID: "sess_2", Status: models.TaskActive}
	if err := m.CreateTask(ctx, other); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	listed, err := m.ListTasks(ctx, "sess_1")
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != task.ID {
		t.Errorf("expected only sess_1 task, got %d", len(listed))
	}

	missing := &models.PeriodicTask{ID: "ghost"}
	if err := m.UpdateTask(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := m.GetTask(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryDueTasks(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()

	mkTask := func(id string, status models.TaskStatus, nextRun *time.Time) {
		t.Helper()
		task := &models.PeriodicTask{
			ID:        id,
			SessionID: "sess_1",
			Status:    status,
			NextRunAt: nextRun,
		}
		if err := m.CreateTask(ctx, task); err != nil {
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

	due, err := m.DueTasks(ctx, now, 0)
	if err != nil {
		t.Fatalf("DueTasks: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due tasks, got %d", len(due))
	}
	if due[0].ID != "due-older" || due[1].ID != "due-recent" {
		t.Errorf("due tasks out of order: %s, %s", due[0].ID, due[1].ID)
	}

	limited, err := m.DueTasks(ctx, now, 1)
	if err != nil {
		t.Fatalf("DueTasks limited: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "due-older" {
		t.Errorf("limit should keep the oldest due task, got %v", limited)
	}
}

func TestMemoryRuns(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	first := &models.PeriodicTaskRun{TaskID: "task_1", Attempt: 1, Status: models.RunRunning}
	if err := m.CreateRun(ctx, first); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if first.ID == "" {
		t.Fatal("run was not assigned an id")
	}

	second := &models.PeriodicTaskRun{TaskID: "task_1", Attempt: 1, Status: models.RunRunning}
	if err := m.CreateRun(ctx, second); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	completed := time.Now()
	first.Status = models.RunCompleted
	first.OutputSummary = "all good"
	first.Usage = &models.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}
	first.CompletedAt = &completed
	if err := m.UpdateRun(ctx, first); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	runs, err := m.ListRuns(ctx, "task_1", 0)
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
	if runs[1].Status != models.RunCompleted || runs[1].Usage == nil || runs[1].Usage.TotalTokens != 15 {
		t.Errorf("updated run not reflected: %+v", runs[1])
	}

	limited, err := m.ListRuns(ctx, "task_1", 1)
	if err != nil {
		t.Fatalf("ListRuns limited: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != second.ID {
		t.Error("limit should keep the newest run")
	}

	ghost := &models.PeriodicTaskRun{ID: "ghost", TaskID: "task_1"}
	if err := m.UpdateRun(ctx, ghost); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
