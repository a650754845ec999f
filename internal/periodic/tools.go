package periodic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/relayops/relay/internal/store"
	"github.com/relayops/relay/internal/tools"
	"github.com/relayops/relay/pkg/models"
)

// ToolName is the agent-internal tool name.
const ToolName = "manage_periodic_task"

// Tool is the manage_periodic_task tool. Tasks created through it are
// bound to the calling session, so headless runs continue the same
// conversation.
type Tool struct {
	store store.Store
	now   func() time.Time
}

// NewTool wires the tool to the task store.
func NewTool(st store.Store) *Tool {
	return &Tool{store: st, now: time.Now}
}

func (t *Tool) Name() string { return ToolName }

func (t *Tool) Description() string {
	return "Create and manage scheduled tasks that re-run in this session without the user present. Use create when the user asks for something recurring or for a reminder, list to show existing tasks, and pause/resume to toggle them."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"action": {"type": "string", "enum": ["create", "list", "pause", "resume"], "description": "What to do"},
			"task_id": {"type": "string", "description": "Task id, required for pause and resume"},
			"title": {"type": "string", "description": "Short task name, required for create"},
			"objective": {"type": "string", "description": "What the task should accomplish, required for create"},
			"instructions": {"type": "array", "items": {"type": "string"}, "description": "Step-by-step instructions"},
			"output": {"type": "string", "description": "What the final result should look like"},
			"schedule": {
				"type": "object",
				"description": "Either {\"type\":\"cron\",\"cron\":{minute,hour,day_of_month,month,day_of_week}} or {\"type\":\"interval\",\"interval\":{\"every\":N,\"unit\":\"minutes|hours|days\"}}",
				"properties": {
					"type": {"type": "string", "enum": ["cron", "interval"]},
					"cron": {
						"type": "object",
						"properties": {
							"minute": {"type": "string"},
							"hour": {"type": "string"},
							"day_of_month": {"type": "string"},
							"month": {"type": "string"},
							"day_of_week": {"type": "string"}
						}
					},
					"interval": {
						"type": "object",
						"properties": {
							"every": {"type": "integer"},
							"unit": {"type": "string", "enum": ["minutes", "hours", "days"]}
						}
					}
				},
				"required": ["type"]
			},
			"timezone": {"type": "string", "description": "IANA timezone for cron schedules, for example Asia/Seoul"},
			"notify_on_success": {"type": "boolean", "description": "Send the user a notification after every successful run"}
		},
		"required": ["action"]
	}`)
}

type taskArgs struct {
	Action          string           `json:"action"`
	TaskID          string           `json:"task_id"`
	Title           string           `json:"title"`
	Objective       string           `json:"objective"`
	Instructions    []string         `json:"instructions"`
	Output          string           `json:"output"`
	Schedule        *models.Schedule `json:"schedule"`
	Timezone        string           `json:"timezone"`
	NotifyOnSuccess bool             `json:"notify_on_success"`
}

func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	sess := tools.SessionFromContext(ctx)
	if sess == nil {
		return nil, fmt.Errorf("no session in context")
	}

	var args taskArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return &tools.Result{Content: "invalid arguments: " + err.Error(), IsError: true}, nil
	}

	switch args.Action {
	case "create":
		return t.create(ctx, sess.ID, sess.UserRef, &args)
	case "list":
		return t.list(ctx, sess.ID)
	case "pause":
		return t.pause(ctx, sess.ID, args.TaskID)
	case "resume":
		return t.resume(ctx, sess.ID, args.TaskID)
	default:
		return &tools.Result{Content: fmt.Sprintf("unknown action %q", args.Action), IsError: true}, nil
	}
}

func (t *Tool) create(ctx context.Context, sessionID, userRef string, args *taskArgs) (*tools.Result, error) {
	switch {
	case strings.TrimSpace(args.Title) == "":
		return &tools.Result{Content: "title is required", IsError: true}, nil
	case strings.TrimSpace(args.Objective) == "":
		return &tools.Result{Content: "objective is required", IsError: true}, nil
	case args.Schedule == nil:
		return &tools.Result{Content: "schedule is required", IsError: true}, nil
	}
	if err := Validate(*args.Schedule, args.Timezone); err != nil {
		return &tools.Result{Content: "invalid schedule: " + err.Error(), IsError: true}, nil
	}

	next, err := NextRun(*args.Schedule, args.Timezone, t.now())
	if err != nil {
		return &tools.Result{Content: "invalid schedule: " + err.Error(), IsError: true}, nil
	}
	task := &models.PeriodicTask{
		UserRef:   userRef,
		SessionID: sessionID,
		Title:     args.Title,
		Recipe: models.Recipe{
			Objective:    args.Objective,
			Instructions: args.Instructions,
			Output:       args.Output,
		},
		Schedule:        *args.Schedule,
		Timezone:        args.Timezone,
		Status:          models.TaskActive,
		NextRunAt:       &next,
		NotifyOnSuccess: args.NotifyOnSuccess,
	}
	if err := t.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return &tools.Result{Content: fmt.Sprintf("Created periodic task %q (id %s). Next run at %s.",
		task.Title, task.ID, next.Format(time.RFC3339))}, nil
}

func (t *Tool) list(ctx context.Context, sessionID string) (*tools.Result, error) {
	tasks, err := t.store.ListTasks(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	if len(tasks) == 0 {
		return &tools.Result{Content: "No periodic tasks in this session."}, nil
	}
	var b strings.Builder
	b.WriteString("Periodic tasks:\n")
	for _, task := range tasks {
		next := "none"
		if task.NextRunAt != nil {
			next = task.NextRunAt.Format(time.RFC3339)
		}
		fmt.Fprintf(&b, "- %s [%s] id=%s next_run=%s\n", task.Title, task.Status, task.ID, next)
	}
	return &tools.Result{Content: b.String()}, nil
}

func (t *Tool) pause(ctx context.Context, sessionID, taskID string) (*tools.Result, error) {
	task, res, err := t.ownedTask(ctx, sessionID, taskID)
	if task == nil {
		return res, err
	}
	task.Status = models.TaskPaused
	task.NextRunAt = nil
	if err := t.store.UpdateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("pause task: %w", err)
	}
	return &tools.Result{Content: fmt.Sprintf("Paused periodic task %q.", task.Title)}, nil
}

func (t *Tool) resume(ctx context.Context, sessionID, taskID string) (*tools.Result, error) {
	task, res, err := t.ownedTask(ctx, sessionID, taskID)
	if task == nil {
		return res, err
	}
	next, err := NextRun(task.Schedule, task.Timezone, t.now())
	if err != nil {
		return &tools.Result{Content: "cannot resume: " + err.Error(), IsError: true}, nil
	}
	task.Status = models.TaskActive
	task.NextRunAt = &next
	task.ConsecutiveFailures = 0
	if err := t.store.UpdateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("resume task: %w", err)
	}
	return &tools.Result{Content: fmt.Sprintf("Resumed periodic task %q. Next run at %s.",
		task.Title, next.Format(time.RFC3339))}, nil
}

// ownedTask loads a task and checks it belongs to the calling session.
// Foreign tasks read as missing.
func (t *Tool) ownedTask(ctx context.Context, sessionID, taskID string) (*models.PeriodicTask, *tools.Result, error) {
	if taskID == "" {
		return nil, &tools.Result{Content: "task_id is required", IsError: true}, nil
	}
	task, err := t.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &tools.Result{Content: fmt.Sprintf("no task with id %q", taskID), IsError: true}, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load task: %w", err)
	}
	if task.SessionID != sessionID {
		return nil, &tools.Result{Content: fmt.Sprintf("no task with id %q", taskID), IsError: true}, nil
	}
	return task, nil, nil
}
