// Package aggregate rolls subtask outcomes up into their parent task.
package aggregate

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/aristath/taskpilot/internal/events"
	"github.com/aristath/taskpilot/internal/store"
	"github.com/aristath/taskpilot/internal/task"
)

// Aggregator recomputes a parent task from the current snapshot of its
// subtasks. It never keeps incremental counters, so re-running it on every
// subtask transition is safe.
type Aggregator struct {
	store *store.Store
	bus   *events.Bus
}

// New builds an aggregator over the store.
func New(st *store.Store, bus *events.Bus) *Aggregator {
	return &Aggregator{store: st, bus: bus}
}

// SubtaskFinished recomputes parentID's rollup. A fetch failure leaves the
// parent unchanged; the next subtask transition retries.
func (a *Aggregator) SubtaskFinished(ctx context.Context, parentID string) error {
	subs, err := a.store.ListSubtasks(ctx, parentID)
	if err != nil {
		return fmt.Errorf("failed to fetch subtasks of %s: %w", parentID, err)
	}
	if len(subs) == 0 {
		return nil
	}

	completed := 0
	for _, s := range subs {
		if s.AIStatus == task.AICompleted {
			completed++
		}
	}
	total := len(subs)

	if completed == total {
		return a.finish(ctx, parentID, subs)
	}
	return a.progress(ctx, parentID, completed, total)
}

// finish concatenates each subtask's response under a per-subtask heading
// and marks the parent completed, queued for review.
func (a *Aggregator) finish(ctx context.Context, parentID string, subs []*task.Task) error {
	sections := make([]string, 0, len(subs))
	for _, s := range subs {
		sections = append(sections, fmt.Sprintf("## %s (%s)\n\n%s", s.Title, s.Agent, s.AIResponse))
	}
	body := strings.Join(sections, "\n\n---\n\n")

	done := task.AICompleted
	review := task.StatusReview
	progress := 100
	short := task.Shorten(body)
	completedAt := task.Now()
	if err := a.store.PatchTask(ctx, parentID, store.TaskPatch{
		AIStatus:        &done,
		Status:          &review,
		AIProgress:      &progress,
		AIResponse:      &body,
		AIResponseShort: &short,
		AICompletedAt:   &completedAt,
	}); err != nil {
		return fmt.Errorf("failed to complete parent %s: %w", parentID, err)
	}

	a.bus.Publish(events.TopicParent, events.ParentProgressEvent{
		ID: parentID, Completed: len(subs), Total: len(subs), Timestamp: time.Now(),
	})
	return nil
}

func (a *Aggregator) progress(ctx context.Context, parentID string, completed, total int) error {
	running := task.AIRunning
	pct := int(math.Round(float64(completed) / float64(total) * 100))
	short := fmt.Sprintf("%d/%d subtasks completed", completed, total)
	if err := a.store.PatchTask(ctx, parentID, store.TaskPatch{
		AIStatus:        &running,
		AIProgress:      &pct,
		AIResponseShort: &short,
	}); err != nil {
		return fmt.Errorf("failed to update parent %s progress: %w", parentID, err)
	}

	a.bus.Publish(events.TopicParent, events.ParentProgressEvent{
		ID: parentID, Completed: completed, Total: total, Timestamp: time.Now(),
	})
	return nil
}
