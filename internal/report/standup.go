// Package report renders a standup-style summary of the task board.
package report

import (
	"context"
	"fmt"
	"strings"

	"github.com/gammazero/toposort"

	"github.com/aristath/taskpilot/internal/store"
	"github.com/aristath/taskpilot/internal/task"
)

// Standup renders a markdown summary of every task, grouped by status, with
// AI-assigned work listed in dependency order where one exists.
func Standup(ctx context.Context, st *store.Store) (string, error) {
	tasks, err := st.ListTasks(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load tasks: %w", err)
	}

	ordered := dependencyOrder(tasks)

	groups := map[task.Status][]*task.Task{}
	for _, t := range ordered {
		groups[t.Status] = append(groups[t.Status], t)
	}

	var b strings.Builder
	b.WriteString("# Standup\n")
	for _, status := range []task.Status{
		task.StatusInProgress, task.StatusReview, task.StatusAssigned, task.StatusInbox, task.StatusDone,
	} {
		items := groups[status]
		if len(items) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n## %s\n", status)
		for _, t := range items {
			b.WriteString(line(t))
		}
	}
	return b.String(), nil
}

func line(t *task.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- %s", t.Title)
	if t.Agent != "" {
		fmt.Fprintf(&b, " (%s)", t.Agent)
	}
	switch t.AIStatus {
	case task.AIRunning:
		fmt.Fprintf(&b, " - %d%%", t.AIProgress)
	case task.AIFailed, task.AIBlocked:
		fmt.Fprintf(&b, " - %s", t.AIStatus)
		if t.AIResponseShort != "" {
			fmt.Fprintf(&b, ": %s", t.AIResponseShort)
		}
	}
	if len(t.DependsOn) > 0 {
		fmt.Fprintf(&b, " [after %s]", strings.Join(t.DependsOn, ", "))
	}
	b.WriteString("\n")
	return b.String()
}

// dependencyOrder sorts tasks so dependencies appear before their dependents.
// Cycles or dangling references fall back to creation order; the report never
// fails on a bad graph.
func dependencyOrder(tasks []*task.Task) []*task.Task {
	byID := make(map[string]*task.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	var edges []toposort.Edge
	for _, t := range tasks {
		deps := 0
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; ok {
				edges = append(edges, toposort.Edge{dep, t.ID})
				deps++
			}
		}
		if deps == 0 {
			edges = append(edges, toposort.Edge{nil, t.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return tasks
	}

	ordered := make([]*task.Task, 0, len(tasks))
	for _, id := range sorted {
		if id == nil {
			continue
		}
		if t, ok := byID[id.(string)]; ok {
			ordered = append(ordered, t)
		}
	}
	if len(ordered) != len(tasks) {
		return tasks
	}
	return ordered
}
