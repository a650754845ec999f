package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskStatus is the lifecycle state of a periodic task.
type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// RunStatus is the lifecycle state of a single task run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// PeriodicTask is a scheduled headless agent run.
type PeriodicTask struct {
	ID        string     `json:"id"`
	UserRef   string     `json:"user_ref,omitempty"`
	SessionID string     `json:"session_id"`
	Title     string     `json:"title"`
	Recipe    Recipe     `json:"recipe"`
	Schedule  Schedule   `json:"schedule"`
	Timezone  string     `json:"timezone,omitempty"`
	Status    TaskStatus `json:"status"`

	NextRunAt           *time.Time `json:"next_run_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	NotifyOnSuccess     bool       `json:"notify_on_success"`
	Stats               TaskStats  `json:"stats"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Recipe describes what a headless run should do.
type Recipe struct {
	Objective    string   `json:"objective"`
	Instructions []string `json:"instructions,omitempty"`
	Output       string   `json:"output,omitempty"`
}

// TaskStats aggregates run outcomes for a task.
type TaskStats struct {
	TotalRuns      int        `json:"total_runs"`
	TotalSuccesses int        `json:"total_successes"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
}

// PeriodicTaskRun records one attempt at executing a task.
type PeriodicTaskRun struct {
	ID            string     `json:"id"`
	TaskID        string     `json:"task_id"`
	Attempt       int        `json:"attempt"`
	Status        RunStatus  `json:"status"`
	OutputSummary string     `json:"output_summary,omitempty"`
	Error         string     `json:"error,omitempty"`
	Usage         *Usage     `json:"usage,omitempty"`
	Iterations    int        `json:"iterations,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Schedule is either a five-field cron spec or a fixed interval.
type Schedule struct {
	Type     string        `json:"type"` // "cron" or "interval"
	Cron     *CronSpec     `json:"cron,omitempty"`
	Interval *IntervalSpec `json:"interval,omitempty"`
}

// CronSpec holds the five standard cron fields. Empty fields default to "*".
type CronSpec struct {
	Minute     CronField `json:"minute,omitempty"`
	Hour       CronField `json:"hour,omitempty"`
	DayOfMonth CronField `json:"day_of_month,omitempty"`
	Month      CronField `json:"month,omitempty"`
	DayOfWeek  CronField `json:"day_of_week,omitempty"`
}

// Expression renders the spec as a standard five-field cron expression.
func (c *CronSpec) Expression() string {
	return fmt.Sprintf("%s %s %s %s %s",
		c.Minute.orStar(), c.Hour.orStar(), c.DayOfMonth.orStar(),
		c.Month.orStar(), c.DayOfWeek.orStar())
}

// CronField accepts both JSON numbers and strings ("0", 0, "*/5").
type CronField string

func (f CronField) orStar() string {
	if f == "" {
		return "*"
	}
	return string(f)
}

// UnmarshalJSON accepts a string or a bare number.
func (f *CronField) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = CronField(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*f = CronField(n.String())
		return nil
	}
	return fmt.Errorf("cron field must be a string or number, got %s", string(data))
}

// IntervalSpec repeats every N minutes, hours, or days.
type IntervalSpec struct {
	Every int    `json:"every"`
	Unit  string `json:"unit"` // "minutes", "hours", "days"
}
