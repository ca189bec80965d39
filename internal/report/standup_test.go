package report

import (
	"context"
	"strings"
	"testing"

	"github.com/aristath/taskpilot/internal/store"
	"github.com/aristath/taskpilot/internal/task"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func mustCreate(t *testing.T, st *store.Store, tk *task.Task) {
	t.Helper()
	if err := st.CreateTask(context.Background(), tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
}

func TestStandupGroupsByStatus(t *testing.T) {
	st := testStore(t)
	mustCreate(t, st, &task.Task{Title: "Triage inbox", Status: task.StatusInbox})
	mustCreate(t, st, &task.Task{
		Title: "Migrate database", Agent: "infra",
		Status: task.StatusInProgress, AIStatus: task.AIRunning, AIProgress: 40,
	})
	mustCreate(t, st, &task.Task{
		Title: "Draft announcement", Agent: "docs",
		Status: task.StatusReview, AIStatus: task.AICompleted,
	})

	out, err := Standup(context.Background(), st)
	if err != nil {
		t.Fatalf("Standup: %v", err)
	}

	for _, want := range []string{"## in_progress", "## review", "## inbox"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing section %q:\n%s", want, out)
		}
	}
	if !strings.Contains(out, "Migrate database (infra) - 40%") {
		t.Errorf("running task line wrong:\n%s", out)
	}
}

func TestStandupFailureShowsReason(t *testing.T) {
	st := testStore(t)
	mustCreate(t, st, &task.Task{
		Title: "Sync calendars", Agent: "main", Status: task.StatusAssigned,
		AIStatus: task.AIFailed, AIResponseShort: "Session polling timed out after 40 attempts",
	})

	out, err := Standup(context.Background(), st)
	if err != nil {
		t.Fatalf("Standup: %v", err)
	}
	if !strings.Contains(out, "failed: Session polling timed out") {
		t.Errorf("failed task line missing reason:\n%s", out)
	}
}

func TestStandupDependencyOrder(t *testing.T) {
	st := testStore(t)
	// Created out of order on purpose: the dependent is older.
	mustCreate(t, st, &task.Task{ID: "task-b", Title: "Deploy", Status: task.StatusAssigned, DependsOn: []string{"task-a"}, CreatedAt: 1000})
	mustCreate(t, st, &task.Task{ID: "task-a", Title: "Build", Status: task.StatusAssigned, CreatedAt: 2000})

	out, err := Standup(context.Background(), st)
	if err != nil {
		t.Fatalf("Standup: %v", err)
	}

	build := strings.Index(out, "- Build")
	deploy := strings.Index(out, "- Deploy")
	if build == -1 || deploy == -1 || build > deploy {
		t.Errorf("want Build before Deploy:\n%s", out)
	}
	if !strings.Contains(out, "[after task-a]") {
		t.Errorf("dependency annotation missing:\n%s", out)
	}
}

func TestStandupCycleFallsBackToCreationOrder(t *testing.T) {
	st := testStore(t)
	mustCreate(t, st, &task.Task{ID: "task-x", Title: "X", Status: task.StatusAssigned, DependsOn: []string{"task-y"}, CreatedAt: 1000})
	mustCreate(t, st, &task.Task{ID: "task-y", Title: "Y", Status: task.StatusAssigned, DependsOn: []string{"task-x"}, CreatedAt: 2000})

	out, err := Standup(context.Background(), st)
	if err != nil {
		t.Fatalf("Standup: %v", err)
	}

	x := strings.Index(out, "- X")
	y := strings.Index(out, "- Y")
	if x == -1 || y == -1 || x > y {
		t.Errorf("cycle fallback should keep creation order:\n%s", out)
	}
}
