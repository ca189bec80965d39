package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/aristath/taskpilot/internal/events"
	"github.com/aristath/taskpilot/internal/readiness"
	"github.com/aristath/taskpilot/internal/store"
	"github.com/aristath/taskpilot/internal/task"
)

// heartbeatOK is the sentinel agents look for when no work is pending.
const heartbeatOK = "HEARTBEAT_OK"

// handleHeartbeat hands the oldest ready task to the polling agent. Before
// resolving readiness it sweeps stale running tasks into blocked, so a task
// whose agent died does not occupy the running state forever.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	agent := r.URL.Query().Get("agent")
	if agent == "" {
		agent = s.defaultAgent
	}

	snapshot, err := s.store.ListTasks(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.sweepStale(r, snapshot)

	ready := readiness.Ready(agent, snapshot, time.Now())
	for _, t := range ready {
		claimed, err := s.store.ClaimTask(ctx, t.ID, agent)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !claimed {
			// A concurrent heartbeat won the claim; try the next one.
			continue
		}

		prompt, err := task.BuildPrompt(t.Title, t.Description)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		got, err := s.store.GetTask(ctx, t.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"hasTask": true,
			"task":    got,
			"prompt":  prompt,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"hasTask": false,
		"message": heartbeatOK,
	})
}

// sweepStale moves running tasks that started over staleRunningAfter ago into
// blocked. The in-memory snapshot is updated too so this request's readiness
// pass sees the new state.
func (s *Server) sweepStale(r *http.Request, snapshot []*task.Task) {
	cutoff := task.Now() - staleRunningAfter.Milliseconds()
	for _, t := range snapshot {
		if t.AIStatus != task.AIRunning || t.AIStartedAt == 0 || t.AIStartedAt >= cutoff {
			continue
		}
		blocked := task.AIBlocked
		note := "No heartbeat activity for over 2 hours"
		if err := s.store.PatchTask(r.Context(), t.ID, store.TaskPatch{
			AIStatus:        &blocked,
			AIBlockers:      []string{"heartbeat-timeout"},
			AIResponseShort: &note,
		}); err != nil {
			log.Printf("httpapi: stale sweep of task %s: %v", t.ID, err)
			continue
		}
		t.AIStatus = task.AIBlocked
	}
}

type progressRequest struct {
	TaskID   string `json:"taskId"`
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
}

func (s *Server) handleHeartbeatProgress(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TaskID == "" {
		writeError(w, http.StatusBadRequest, "taskId is required")
		return
	}
	if req.Progress < 0 || req.Progress > 100 {
		writeError(w, http.StatusBadRequest, "progress must be within [0,100]")
		return
	}

	t, err := s.store.GetTask(r.Context(), req.TaskID)
	if err != nil {
		statusForStoreError(w, err)
		return
	}
	if t.AIStatus != task.AIRunning {
		writeError(w, http.StatusConflict, "task is not running")
		return
	}

	patch := store.TaskPatch{AIProgress: &req.Progress}
	if req.Message != "" {
		short := task.Shorten(req.Message)
		patch.AIResponseShort = &short
	}
	if err := s.store.PatchTask(r.Context(), req.TaskID, patch); err != nil {
		statusForStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type completeRequest struct {
	TaskID   string `json:"taskId"`
	AgentID  string `json:"agentId,omitempty"`
	Response string `json:"response"`
}

// handleHeartbeatComplete records the agent's final response: the task moves
// to review with aiStatus completed, an AgentRun row is written, and any
// parent rollup is recomputed.
func (s *Server) handleHeartbeatComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TaskID == "" {
		writeError(w, http.StatusBadRequest, "taskId is required")
		return
	}

	ctx := r.Context()
	t, err := s.store.GetTask(ctx, req.TaskID)
	if err != nil {
		statusForStoreError(w, err)
		return
	}

	agent := req.AgentID
	if agent == "" {
		agent = t.HeartbeatAgentID
	}

	completed := task.AICompleted
	review := task.StatusReview
	progress := 100
	short := task.Shorten(req.Response)
	completedAt := task.Now()
	if err := s.store.PatchTask(ctx, req.TaskID, store.TaskPatch{
		AIStatus:        &completed,
		Status:          &review,
		AIProgress:      &progress,
		AIResponse:      &req.Response,
		AIResponseShort: &short,
		AICompletedAt:   &completedAt,
	}); err != nil {
		statusForStoreError(w, err)
		return
	}

	prompt, _ := task.BuildPrompt(t.Title, t.Description)
	runID, err := s.store.CreateRun(ctx, t.ID, agent, prompt)
	if err != nil {
		log.Printf("httpapi: failed to record run for task %s: %v", t.ID, err)
	} else if err := s.store.CompleteRun(ctx, runID, task.RunCompleted, req.Response, 100); err != nil {
		log.Printf("httpapi: failed to complete run %s: %v", runID, err)
	}

	s.publish(events.TopicTask, events.TaskCompletedEvent{ID: t.ID, Response: req.Response, Timestamp: time.Now()})
	s.notifyParent(ctx, t)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type webhookRequest struct {
	TaskID     string `json:"taskId,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
	Status     string `json:"status"`
	Response   string `json:"response,omitempty"`
	Error      string `json:"error,omitempty"`
}

// handleGatewayWebhook lets the gateway push an outcome instead of waiting
// for the poll loop. It is a peer writer: last write wins against the
// reconciler.
func (s *Server) handleGatewayWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.Status != "completed" && req.Status != "failed" {
		writeError(w, http.StatusBadRequest, "status must be completed or failed")
		return
	}

	ctx := r.Context()
	t, err := s.resolveWebhookTask(r, &req)
	if err != nil {
		statusForStoreError(w, err)
		return
	}

	if req.Status == "completed" {
		completed := task.AICompleted
		review := task.StatusReview
		progress := 100
		short := task.Shorten(req.Response)
		completedAt := task.Now()
		err = s.store.PatchTask(ctx, t.ID, store.TaskPatch{
			AIStatus:        &completed,
			Status:          &review,
			AIProgress:      &progress,
			AIResponse:      &req.Response,
			AIResponseShort: &short,
			AICompletedAt:   &completedAt,
		})
	} else {
		failed := task.AIFailed
		reason := req.Error
		if reason == "" {
			reason = "gateway reported failure"
		}
		short := task.Shorten(reason)
		err = s.store.PatchTask(ctx, t.ID, store.TaskPatch{
			AIStatus:        &failed,
			AIResponseShort: &short,
		})
	}
	if err != nil {
		statusForStoreError(w, err)
		return
	}

	if req.Status == "completed" {
		s.publish(events.TopicTask, events.TaskCompletedEvent{ID: t.ID, Response: req.Response, Timestamp: time.Now()})
	} else {
		s.publish(events.TopicTask, events.TaskFailedEvent{ID: t.ID, Reason: req.Error, Timestamp: time.Now()})
	}
	s.notifyParent(ctx, t)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) resolveWebhookTask(r *http.Request, req *webhookRequest) (*task.Task, error) {
	if req.TaskID != "" {
		return s.store.GetTask(r.Context(), req.TaskID)
	}
	if req.SessionKey != "" {
		tasks, err := s.store.ListTasks(r.Context())
		if err != nil {
			return nil, err
		}
		for _, t := range tasks {
			if t.SessionID == req.SessionKey {
				return t, nil
			}
		}
	}
	return nil, store.ErrNotFound
}

func statusForStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
