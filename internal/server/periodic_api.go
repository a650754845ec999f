package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/relayops/relay/internal/periodic"
	"github.com/relayops/relay/internal/store"
	"github.com/relayops/relay/pkg/models"
)

// The periodic-task endpoints under /periodic-tasks/internal/ are
// trusted plumbing for the manage_periodic_task tool and the scheduler.
// They carry no user auth; task ownership comes from the session row
// the task is bound to.

type createTaskRequest struct {
	SessionID       string          `json:"session_id"`
	Title           string          `json:"title,omitempty"`
	Recipe          models.Recipe   `json:"recipe"`
	Schedule        models.Schedule `json:"schedule"`
	Timezone        string          `json:"timezone,omitempty"`
	NotifyOnSuccess bool            `json:"notify_on_success,omitempty"`
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, http.StatusMethodNotAllowed, "invalid_request", "method not allowed")
		return
	}
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid_request", "malformed request body: "+err.Error())
		return
	}
	if req.SessionID == "" {
		s.jsonError(w, http.StatusBadRequest, "invalid_request", "session_id is required")
		return
	}
	if req.Recipe.Objective == "" {
		s.jsonError(w, http.StatusBadRequest, "invalid_request", "recipe.objective is required")
		return
	}
	if err := periodic.Validate(req.Schedule, req.Timezone); err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	row, err := s.store.GetSession(r.Context(), req.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.jsonError(w, http.StatusNotFound, "not_found", "unknown session")
			return
		}
		s.jsonError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	next, err := periodic.NextRun(req.Schedule, req.Timezone, s.now())
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	title := req.Title
	if title == "" {
		title = titleFrom(req.Recipe.Objective)
	}
	task := &models.PeriodicTask{
		UserRef:         row.UserRef,
		SessionID:       req.SessionID,
		Title:           title,
		Recipe:          req.Recipe,
		Schedule:        req.Schedule,
		Timezone:        req.Timezone,
		Status:          models.TaskActive,
		NextRunAt:       &next,
		NotifyOnSuccess: req.NotifyOnSuccess,
	}
	if err := s.store.CreateTask(r.Context(), task); err != nil {
		s.jsonError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, task)
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, http.StatusMethodNotAllowed, "invalid_request", "method not allowed")
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		s.jsonError(w, http.StatusBadRequest, "invalid_request", "session_id is required")
		return
	}
	tasks, err := s.store.ListTasks(r.Context(), sessionID)
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	if tasks == nil {
		tasks = []*models.PeriodicTask{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// updateTaskRequest uses pointer fields so absent keys leave the task
// untouched.
type updateTaskRequest struct {
	TaskID          string           `json:"task_id"`
	Title           *string          `json:"title,omitempty"`
	Recipe          *models.Recipe   `json:"recipe,omitempty"`
	Schedule        *models.Schedule `json:"schedule,omitempty"`
	Timezone        *string          `json:"timezone,omitempty"`
	Status          *string          `json:"status,omitempty"`
	NotifyOnSuccess *bool            `json:"notify_on_success,omitempty"`
}

func (s *Server) handleTaskUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPatch {
		s.jsonError(w, http.StatusMethodNotAllowed, "invalid_request", "method not allowed")
		return
	}
	var req updateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid_request", "malformed request body: "+err.Error())
		return
	}
	if req.TaskID == "" {
		s.jsonError(w, http.StatusBadRequest, "invalid_request", "task_id is required")
		return
	}

	task, err := s.store.GetTask(r.Context(), req.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.jsonError(w, http.StatusNotFound, "not_found", "unknown task")
			return
		}
		s.jsonError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	if req.Title != nil {
		task.Title = *req.Title
	}
	if req.Recipe != nil {
		task.Recipe = *req.Recipe
	}
	if req.NotifyOnSuccess != nil {
		task.NotifyOnSuccess = *req.NotifyOnSuccess
	}
	if req.Status != nil {
		switch models.TaskStatus(*req.Status) {
		case models.TaskActive, models.TaskPaused:
			task.Status = models.TaskStatus(*req.Status)
		default:
			s.jsonError(w, http.StatusBadRequest, "invalid_request", "status must be \"active\" or \"paused\"")
			return
		}
	}

	rescheduled := false
	if req.Schedule != nil {
		task.Schedule = *req.Schedule
		rescheduled = true
	}
	if req.Timezone != nil {
		task.Timezone = *req.Timezone
		rescheduled = true
	}
	if rescheduled {
		if err := periodic.Validate(task.Schedule, task.Timezone); err != nil {
			s.jsonError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		if task.Status == models.TaskActive {
			next, err := periodic.NextRun(task.Schedule, task.Timezone, s.now())
			if err != nil {
				s.jsonError(w, http.StatusBadRequest, "invalid_request", err.Error())
				return
			}
			task.NextRunAt = &next
		}
	}
	if task.Status == models.TaskPaused {
		task.NextRunAt = nil
	}

	if err := s.store.UpdateTask(r.Context(), task); err != nil {
		s.jsonError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, task)
}

type resumeTaskRequest struct {
	TaskID string `json:"task_id"`
}

// handleTaskResume reactivates a paused or parked task: status back to
// active, failure streak cleared, next run computed from now.
func (s *Server) handleTaskResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, http.StatusMethodNotAllowed, "invalid_request", "method not allowed")
		return
	}
	var req resumeTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid_request", "malformed request body: "+err.Error())
		return
	}
	if req.TaskID == "" {
		s.jsonError(w, http.StatusBadRequest, "invalid_request", "task_id is required")
		return
	}

	task, err := s.store.GetTask(r.Context(), req.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.jsonError(w, http.StatusNotFound, "not_found", "unknown task")
			return
		}
		s.jsonError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	next, err := periodic.NextRun(task.Schedule, task.Timezone, s.now())
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	task.Status = models.TaskActive
	task.ConsecutiveFailures = 0
	task.NextRunAt = &next

	if err := s.store.UpdateTask(r.Context(), task); err != nil {
		s.jsonError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, task)
}

// handleTasksDue returns active tasks whose next run time has passed,
// owner included, for out-of-process dispatchers.
func (s *Server) handleTasksDue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, http.StatusMethodNotAllowed, "invalid_request", "method not allowed")
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.jsonError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = n
	}
	tasks, err := s.store.DueTasks(r.Context(), s.now(), limit)
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	if tasks == nil {
		tasks = []*models.PeriodicTask{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"tasks": tasks})
}
