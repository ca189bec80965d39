package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/aristath/taskpilot/internal/task"
)

const taskColumns = `id, title, description, status, ai_status, agent, heartbeat_agent_id,
	ai_progress, ai_response, ai_response_short, ai_blockers, depends_on, parent_task_id,
	scheduled_at, scheduled_job_id, session_id, created_at, updated_at, ai_started_at, ai_completed_at`

// CreateTask inserts a new task. Fills ID and timestamps when unset.
func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	if t.ID == "" {
		t.ID = "task-" + uuid.NewString()
	}
	if t.Status == "" {
		t.Status = task.StatusInbox
	}
	if t.AIStatus == "" {
		t.AIStatus = task.AINone
	}
	now := task.Now()
	if t.CreatedAt == 0 {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Title, t.Description, t.Status, t.AIStatus, t.Agent, t.HeartbeatAgentID,
		t.AIProgress, t.AIResponse, t.AIResponseShort, joinList(t.AIBlockers), joinList(t.DependsOn), t.ParentTaskID,
		t.ScheduledAt, t.ScheduledJobID, t.SessionID, t.CreatedAt, t.UpdatedAt, t.AIStartedAt, t.AICompletedAt)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	return t, nil
}

// ListTasks returns the full task snapshot, oldest first.
func (s *Store) ListTasks(ctx context.Context) ([]*task.Task, error) {
	return s.listWhere(ctx, "", nil)
}

// ListSubtasks returns the tasks whose parent_task_id matches.
func (s *Store) ListSubtasks(ctx context.Context, parentID string) ([]*task.Task, error) {
	return s.listWhere(ctx, "WHERE parent_task_id = ?", []any{parentID})
}

// ListPollable returns tasks the reconciler watches: aiStatus running with a
// bound session.
func (s *Store) ListPollable(ctx context.Context) ([]*task.Task, error) {
	return s.listWhere(ctx, "WHERE ai_status = ? AND session_id != ''", []any{task.AIRunning})
}

func (s *Store) listWhere(ctx context.Context, where string, args []any) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// TaskPatch is a partial-field update. Nil fields are left untouched.
// The store intentionally performs no version check: last write wins.
type TaskPatch struct {
	Title            *string
	Description      *string
	Status           *task.Status
	AIStatus         *task.AIStatus
	AIProgress       *int
	AIResponse       *string
	AIResponseShort  *string
	AIBlockers       []string
	ScheduledAt      *int64
	ScheduledJobID   *string
	SessionID        *string
	HeartbeatAgentID *string
	AIStartedAt      *int64
	AICompletedAt    *int64
}

// PatchTask applies the non-nil fields of p to the task row and bumps
// updated_at.
func (s *Store) PatchTask(ctx context.Context, taskID string, p TaskPatch) error {
	sets := []string{"updated_at = ?"}
	args := []any{task.Now()}

	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if p.Title != nil {
		add("title", *p.Title)
	}
	if p.Description != nil {
		add("description", *p.Description)
	}
	if p.Status != nil {
		add("status", *p.Status)
	}
	if p.AIStatus != nil {
		add("ai_status", *p.AIStatus)
	}
	if p.AIProgress != nil {
		add("ai_progress", *p.AIProgress)
	}
	if p.AIResponse != nil {
		add("ai_response", *p.AIResponse)
	}
	if p.AIResponseShort != nil {
		add("ai_response_short", *p.AIResponseShort)
	}
	if p.AIBlockers != nil {
		add("ai_blockers", joinList(p.AIBlockers))
	}
	if p.ScheduledAt != nil {
		add("scheduled_at", *p.ScheduledAt)
	}
	if p.ScheduledJobID != nil {
		add("scheduled_job_id", *p.ScheduledJobID)
	}
	if p.SessionID != nil {
		add("session_id", *p.SessionID)
	}
	if p.HeartbeatAgentID != nil {
		add("heartbeat_agent_id", *p.HeartbeatAgentID)
	}
	if p.AIStartedAt != nil {
		add("ai_started_at", *p.AIStartedAt)
	}
	if p.AICompletedAt != nil {
		add("ai_completed_at", *p.AICompletedAt)
	}

	args = append(args, taskID)
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to patch task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	return nil
}

// ClaimTask atomically moves a task from assigned to running for the given
// agent. Returns false when another writer got there first.
func (s *Store) ClaimTask(ctx context.Context, taskID, agent string) (bool, error) {
	now := task.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET ai_status = ?, ai_progress = 5, ai_response_short = ?, ai_started_at = ?, updated_at = ?
		WHERE id = ? AND ai_status = ?
	`, task.AIRunning, "Picked up by "+agent, now, now, taskID, task.AIAssigned)
	if err != nil {
		return false, fmt.Errorf("failed to claim task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// DeleteTask removes a task row. The caller is responsible for cancelling any
// outstanding scheduled job; polling stops on its own once the row is gone.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	t := &task.Task{}
	var blockers, dependsOn string
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Status, &t.AIStatus, &t.Agent, &t.HeartbeatAgentID,
		&t.AIProgress, &t.AIResponse, &t.AIResponseShort, &blockers, &dependsOn, &t.ParentTaskID,
		&t.ScheduledAt, &t.ScheduledJobID, &t.SessionID, &t.CreatedAt, &t.UpdatedAt, &t.AIStartedAt, &t.AICompletedAt)
	if err != nil {
		return nil, err
	}
	t.AIBlockers = splitList(blockers)
	t.DependsOn = splitList(dependsOn)
	return t, nil
}

func joinList(items []string) string {
	return strings.Join(items, ",")
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
