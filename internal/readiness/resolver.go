// Package readiness decides which pending tasks are eligible to run.
//
// The resolver is a pure function of a task snapshot: it takes no locks and
// causes no side effects. A dependency completed after the snapshot was taken
// becomes visible on the next query, not instantaneously.
package readiness

import (
	"sort"
	"time"

	"github.com/aristath/taskpilot/internal/task"
)

// Ready returns every task claimed by agent that is eligible to run now,
// oldest createdAt first.
//
// A task is ready when its heartbeatAgentId matches, aiStatus is assigned,
// scheduledAt is absent or due, and every id in dependsOn resolves to a task
// with aiStatus completed. An id that fails to resolve counts as unmet, not
// as an error, so a task referencing a deleted or never-created dependency is
// permanently not-ready. Dependency cycles are not detected; the tasks
// involved simply never become ready.
func Ready(agent string, snapshot []*task.Task, now time.Time) []*task.Task {
	byID := make(map[string]*task.Task, len(snapshot))
	for _, t := range snapshot {
		byID[t.ID] = t
	}

	nowMillis := now.UnixMilli()

	var ready []*task.Task
	for _, t := range snapshot {
		if t.HeartbeatAgentID != agent {
			continue
		}
		if t.AIStatus != task.AIAssigned {
			continue
		}
		if t.ScheduledAt != 0 && t.ScheduledAt > nowMillis {
			continue
		}
		if !dependenciesMet(t, byID) {
			continue
		}
		ready = append(ready, t)
	}

	sort.SliceStable(ready, func(i, j int) bool {
		return ready[i].CreatedAt < ready[j].CreatedAt
	})
	return ready
}

// dependenciesMet reports whether every dependency of t is completed.
// Fail-closed: an unresolvable id blocks the task.
func dependenciesMet(t *task.Task, byID map[string]*task.Task) bool {
	for _, depID := range t.DependsOn {
		dep, ok := byID[depID]
		if !ok || dep.AIStatus != task.AICompleted {
			return false
		}
	}
	return true
}
