package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/taskpilot/internal/events"
	"github.com/aristath/taskpilot/internal/report"
	"github.com/aristath/taskpilot/internal/store"
	"github.com/aristath/taskpilot/internal/task"
)

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		statusForStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type createTaskRequest struct {
	Title            string   `json:"title"`
	Description      string   `json:"description,omitempty"`
	AI               bool     `json:"ai,omitempty"`
	Agent            string   `json:"agent,omitempty"`
	HeartbeatAgentID string   `json:"heartbeatAgentId,omitempty"`
	DependsOn        []string `json:"dependsOn,omitempty"`
	ParentTaskID     string   `json:"parentTaskId,omitempty"`
	ScheduledAt      int64    `json:"scheduledAt,omitempty"` // unix millis
}

// handleCreateTask is the intake point. AI-flagged tasks start assigned and
// are routed by their fields: a future scheduledAt goes to the scheduler, a
// heartbeat claim or dependency list waits for readiness, anything else
// dispatches immediately.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	ctx := r.Context()
	t := &task.Task{
		Title:            req.Title,
		Description:      req.Description,
		Agent:            req.Agent,
		HeartbeatAgentID: req.HeartbeatAgentID,
		DependsOn:        req.DependsOn,
		ParentTaskID:     req.ParentTaskID,
		ScheduledAt:      req.ScheduledAt,
	}
	if req.AI {
		t.Status = task.StatusAssigned
		t.AIStatus = task.AIAssigned
		if t.Agent == "" {
			t.Agent = s.defaultAgent
		}
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if req.AI {
		switch {
		case req.ScheduledAt > task.Now():
			jobID, err := s.sched.Schedule(ctx, t.ID, time.UnixMilli(req.ScheduledAt))
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			t.ScheduledJobID = jobID
			s.publish(events.TopicTask, events.TaskScheduledEvent{
				ID: t.ID, JobID: jobID, FireAt: time.UnixMilli(req.ScheduledAt), Timestamp: time.Now(),
			})
		case req.HeartbeatAgentID != "" || len(req.DependsOn) > 0:
			// Stays assigned until the heartbeat or readiness path picks
			// it up.
		default:
			s.dispatchAsync(t)
		}
	}

	writeJSON(w, http.StatusCreated, t)
}

// handleRetryTask re-dispatches a failed or blocked task. The session key is
// derived from agent and task id, so the gateway resumes the same
// conversation.
func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := s.store.GetTask(ctx, chi.URLParam(r, "taskID"))
	if err != nil {
		statusForStoreError(w, err)
		return
	}
	if t.AIStatus != task.AIFailed && t.AIStatus != task.AIBlocked {
		writeError(w, http.StatusConflict, "only failed or blocked tasks can be retried")
		return
	}

	progress := 0
	note := "Retrying"
	if err := s.store.PatchTask(ctx, t.ID, store.TaskPatch{
		AIProgress:      &progress,
		AIResponseShort: &note,
		AIBlockers:      []string{},
	}); err != nil {
		statusForStoreError(w, err)
		return
	}

	s.dispatchAsync(t)
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

// handleStopTask forces a running task into failed with a fixed message.
func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := s.store.GetTask(ctx, chi.URLParam(r, "taskID"))
	if err != nil {
		statusForStoreError(w, err)
		return
	}
	if t.AIStatus != task.AIRunning {
		writeError(w, http.StatusConflict, "task is not running")
		return
	}

	failed := task.AIFailed
	reason := "Stopped by user"
	if err := s.store.PatchTask(ctx, t.ID, store.TaskPatch{
		AIStatus:        &failed,
		AIResponseShort: &reason,
	}); err != nil {
		statusForStoreError(w, err)
		return
	}
	s.publish(events.TopicTask, events.TaskFailedEvent{ID: t.ID, Reason: reason, Timestamp: time.Now()})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if s.sched != nil {
		s.sched.CancelTask(taskID)
	}
	if err := s.store.DeleteTask(r.Context(), taskID); err != nil {
		statusForStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleStandup(w http.ResponseWriter, r *http.Request) {
	out, err := report.Standup(r.Context(), s.store)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(out))
}
