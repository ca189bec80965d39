package aggregate

import (
	"context"
	"strings"
	"testing"

	"github.com/aristath/taskpilot/internal/events"
	"github.com/aristath/taskpilot/internal/store"
	"github.com/aristath/taskpilot/internal/task"
)

func testAggregator(t *testing.T) (*Aggregator, *store.Store) {
	t.Helper()
	st, err := store.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	return New(st, bus), st
}

func seedParentWithSubtasks(t *testing.T, st *store.Store, subs []*task.Task) *task.Task {
	t.Helper()
	parent := &task.Task{Title: "Release checklist", Agent: "main", AIStatus: task.AIRunning}
	if err := st.CreateTask(context.Background(), parent); err != nil {
		t.Fatalf("CreateTask parent: %v", err)
	}
	for _, s := range subs {
		s.ParentTaskID = parent.ID
		if err := st.CreateTask(context.Background(), s); err != nil {
			t.Fatalf("CreateTask subtask: %v", err)
		}
	}
	return parent
}

func TestPartialCompletionUpdatesProgress(t *testing.T) {
	a, st := testAggregator(t)
	parent := seedParentWithSubtasks(t, st, []*task.Task{
		{Title: "Write changelog", Agent: "docs", AIStatus: task.AICompleted, AIResponse: "Changelog written."},
		{Title: "Tag release", Agent: "infra", AIStatus: task.AICompleted, AIResponse: "Tagged v1.2.0."},
		{Title: "Update docs site", Agent: "docs", AIStatus: task.AIRunning},
	})

	if err := a.SubtaskFinished(context.Background(), parent.ID); err != nil {
		t.Fatalf("SubtaskFinished: %v", err)
	}

	got, err := st.GetTask(context.Background(), parent.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.AIStatus != task.AIRunning {
		t.Errorf("aiStatus = %s, want running", got.AIStatus)
	}
	if got.AIProgress != 67 {
		t.Errorf("aiProgress = %d, want 67 for 2/3", got.AIProgress)
	}
	if got.AIResponseShort != "2/3 subtasks completed" {
		t.Errorf("aiResponseShort = %q", got.AIResponseShort)
	}
}

func TestAllSubtasksCompleteConcatenatesResponses(t *testing.T) {
	a, st := testAggregator(t)
	parent := seedParentWithSubtasks(t, st, []*task.Task{
		{Title: "Write changelog", Agent: "docs", AIStatus: task.AICompleted, AIResponse: "Changelog written."},
		{Title: "Tag release", Agent: "infra", AIStatus: task.AICompleted, AIResponse: "Tagged v1.2.0."},
	})

	if err := a.SubtaskFinished(context.Background(), parent.ID); err != nil {
		t.Fatalf("SubtaskFinished: %v", err)
	}

	got, err := st.GetTask(context.Background(), parent.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.AIStatus != task.AICompleted || got.AIProgress != 100 {
		t.Errorf("aiStatus=%s progress=%d, want completed/100", got.AIStatus, got.AIProgress)
	}
	if got.Status != task.StatusReview {
		t.Errorf("status = %s, want review", got.Status)
	}

	want := "## Write changelog (docs)\n\nChangelog written.\n\n---\n\n## Tag release (infra)\n\nTagged v1.2.0."
	if got.AIResponse != want {
		t.Errorf("aiResponse = %q, want %q", got.AIResponse, want)
	}
}

func TestRecomputeIsIdempotent(t *testing.T) {
	a, st := testAggregator(t)
	parent := seedParentWithSubtasks(t, st, []*task.Task{
		{Title: "A", Agent: "main", AIStatus: task.AICompleted, AIResponse: "done a"},
		{Title: "B", Agent: "main", AIStatus: task.AIFailed},
	})

	for i := 0; i < 3; i++ {
		if err := a.SubtaskFinished(context.Background(), parent.ID); err != nil {
			t.Fatalf("SubtaskFinished %d: %v", i, err)
		}
	}

	got, _ := st.GetTask(context.Background(), parent.ID)
	if got.AIProgress != 50 || got.AIResponseShort != "1/2 subtasks completed" {
		t.Errorf("progress=%d short=%q after repeated recompute", got.AIProgress, got.AIResponseShort)
	}

	// A failed subtask holds the parent below completion.
	if got.AIStatus != task.AIRunning {
		t.Errorf("aiStatus = %s, want running while a subtask is failed", got.AIStatus)
	}
}

func TestNoSubtasksLeavesParentUntouched(t *testing.T) {
	a, st := testAggregator(t)
	parent := &task.Task{Title: "Standalone", Agent: "main", AIStatus: task.AIRunning, AIProgress: 30}
	if err := st.CreateTask(context.Background(), parent); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if err := a.SubtaskFinished(context.Background(), parent.ID); err != nil {
		t.Fatalf("SubtaskFinished: %v", err)
	}

	got, _ := st.GetTask(context.Background(), parent.ID)
	if got.AIProgress != 30 || got.AIStatus != task.AIRunning {
		t.Errorf("parent changed with no subtasks: %+v", got)
	}
}

func TestCompletionHeadingsPreserveSnapshotOrder(t *testing.T) {
	a, st := testAggregator(t)
	parent := seedParentWithSubtasks(t, st, []*task.Task{
		{ID: "task-z", Title: "First created", Agent: "main", AIStatus: task.AICompleted, AIResponse: "one", CreatedAt: 1000},
		{ID: "task-a", Title: "Second created", Agent: "main", AIStatus: task.AICompleted, AIResponse: "two", CreatedAt: 2000},
	})

	if err := a.SubtaskFinished(context.Background(), parent.ID); err != nil {
		t.Fatalf("SubtaskFinished: %v", err)
	}

	got, _ := st.GetTask(context.Background(), parent.ID)
	first := strings.Index(got.AIResponse, "First created")
	second := strings.Index(got.AIResponse, "Second created")
	if first == -1 || second == -1 || first > second {
		t.Errorf("aiResponse = %q, want creation order preserved", got.AIResponse)
	}
}
