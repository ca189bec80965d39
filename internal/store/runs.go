package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/aristath/taskpilot/internal/task"
)

// CreateRun inserts a pending agent run and returns its id.
func (s *Store) CreateRun(ctx context.Context, taskID, agent, prompt string) (string, error) {
	id := "run-" + uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_runs (id, task_id, agent, status, prompt, response, progress, started_at)
		VALUES (?, ?, ?, ?, ?, '', 0, ?)
	`, id, taskID, agent, task.RunPending, prompt, task.Now())
	if err != nil {
		return "", fmt.Errorf("failed to insert agent run: %w", err)
	}
	return id, nil
}

// CompleteRun finishes a run with a terminal status and response.
func (s *Store) CompleteRun(ctx context.Context, runID string, status task.RunStatus, response string, progress int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_runs
		SET status = ?, response = ?, progress = ?, completed_at = ?
		WHERE id = ?
	`, status, response, progress, task.Now(), runID)
	if err != nil {
		return fmt.Errorf("failed to complete agent run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	return nil
}

// GetRun retrieves a run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*task.AgentRun, error) {
	r := &task.AgentRun{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, agent, status, prompt, response, progress, started_at, completed_at
		FROM agent_runs WHERE id = ?
	`, runID).Scan(&r.ID, &r.TaskID, &r.Agent, &r.Status, &r.Prompt, &r.Response, &r.Progress, &r.StartedAt, &r.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query agent run: %w", err)
	}
	return r, nil
}

// ListRunsByTask returns all runs recorded for a task, oldest first.
func (s *Store) ListRunsByTask(ctx context.Context, taskID string) ([]*task.AgentRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, agent, status, prompt, response, progress, started_at, completed_at
		FROM agent_runs WHERE task_id = ? ORDER BY started_at
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query agent runs: %w", err)
	}
	defer rows.Close()

	var runs []*task.AgentRun
	for rows.Next() {
		r := &task.AgentRun{}
		if err := rows.Scan(&r.ID, &r.TaskID, &r.Agent, &r.Status, &r.Prompt, &r.Response, &r.Progress, &r.StartedAt, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan agent run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agent runs: %w", err)
	}
	return runs, nil
}
