// Package httpapi exposes the task tracker over HTTP: task intake and
// lifecycle actions, the heartbeat protocol local agents poll, the gateway
// webhook, and the standup report.
package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/aristath/taskpilot/internal/dispatch"
	"github.com/aristath/taskpilot/internal/events"
	"github.com/aristath/taskpilot/internal/gateway"
	"github.com/aristath/taskpilot/internal/store"
	"github.com/aristath/taskpilot/internal/task"
)

// staleRunningAfter is how long a heartbeat-claimed task may sit in running
// without progress before the sweep marks it blocked.
const staleRunningAfter = 2 * time.Hour

// Dispatcher runs a task against the gateway. Implemented by
// dispatch.Coordinator.
type Dispatcher interface {
	Dispatch(ctx context.Context, t *task.Task) (*dispatch.Result, error)
}

// JobScheduler holds scheduled tasks until they are due. Schedule persists
// the returned job handle on the task row before arming the timer.
type JobScheduler interface {
	Schedule(ctx context.Context, taskID string, fireAt time.Time) (string, error)
	CancelTask(taskID string)
}

// ParentNotifier recomputes a parent task's rollup.
type ParentNotifier interface {
	SubtaskFinished(ctx context.Context, parentID string) error
}

// SessionLister exposes the gateway's live conversations. Implemented by
// gateway.MultiClient.
type SessionLister interface {
	Sessions(ctx context.Context, limit int) ([]gateway.Session, error)
}

// Server wires the HTTP handlers to the orchestration core.
type Server struct {
	store        *store.Store
	bus          *events.Bus
	sched        JobScheduler
	disp         Dispatcher
	parents      ParentNotifier
	defaultAgent string

	// Sessions, when set, backs the GET /api/sessions route.
	Sessions SessionLister
}

// NewServer builds the API server.
func NewServer(st *store.Store, bus *events.Bus, sched JobScheduler, disp Dispatcher, parents ParentNotifier, defaultAgent string) *Server {
	return &Server{
		store:        st,
		bus:          bus,
		sched:        sched,
		disp:         disp,
		parents:      parents,
		defaultAgent: defaultAgent,
	}
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)

			r.Route("/heartbeat", func(r chi.Router) {
				r.Get("/", s.handleHeartbeat)
				r.Post("/progress", s.handleHeartbeatProgress)
				r.Post("/complete", s.handleHeartbeatComplete)
			})

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Delete("/", s.handleDeleteTask)
				r.Post("/retry", s.handleRetryTask)
				r.Post("/stop", s.handleStopTask)
			})
		})
		r.Post("/webhooks/gateway", s.handleGatewayWebhook)
		r.Get("/sessions", s.handleListSessions)
		r.Get("/standup", s.handleStandup)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("httpapi: failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleListSessions surfaces the gateway's conversation list.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if s.Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "no gateway endpoint configured")
		return
	}
	sessions, err := s.Sessions.Sessions(r.Context(), 50)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if sessions == nil {
		sessions = []gateway.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// publish is nil-safe: handlers emit lifecycle events only when a bus is
// wired.
func (s *Server) publish(topic string, ev events.Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(topic, ev)
}

// notifyParent recomputes the parent rollup after a subtask transition.
func (s *Server) notifyParent(ctx context.Context, t *task.Task) {
	if s.parents == nil || t.ParentTaskID == "" {
		return
	}
	if err := s.parents.SubtaskFinished(ctx, t.ParentTaskID); err != nil {
		log.Printf("httpapi: parent rollup for %s: %v", t.ParentTaskID, err)
	}
}

// dispatchAsync runs a dispatch off the request goroutine. The coordinator
// converts its own failures into terminal task state.
func (s *Server) dispatchAsync(t *task.Task) {
	if s.disp == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()
		if _, err := s.disp.Dispatch(ctx, t); err != nil {
			log.Printf("httpapi: dispatch of task %s: %v", t.ID, err)
		}
	}()
}
