package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nidhogg/sprintloop/internal/pool"
)

// ArchiveTask upserts a pool task. It implements pool.Archiver.
func (s *Store) ArchiveTask(ctx context.Context, t *pool.Task) error {
	changes, err := json.Marshal(t.Changes)
	if err != nil {
		return fmt.Errorf("marshal changes: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO pool_tasks (id, description, priority, status, agent_id, loop_id, branch, changes, error, created_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			agent_id = EXCLUDED.agent_id,
			loop_id = EXCLUDED.loop_id,
			branch = EXCLUDED.branch,
			changes = EXCLUDED.changes,
			error = EXCLUDED.error,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at`,
		t.ID, t.Description, t.Priority, string(t.Status), t.AgentID, t.LoopID, t.Branch,
		changes, t.Error, t.CreatedAt, t.StartedAt, t.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("archive task %s: %w", t.ID, err)
	}
	return nil
}

// ListTasks returns the most recent archived pool tasks.
func (s *Store) ListTasks(ctx context.Context, limit int) ([]*pool.Task, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, description, priority, status, agent_id, loop_id, branch, changes, error, created_at, started_at, completed_at
		FROM pool_tasks
		ORDER BY created_at DESC
		LIMIT $1`, limitOr(limit, 50))
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := []*pool.Task{}
	for rows.Next() {
		var t pool.Task
		var changes []byte
		if err := rows.Scan(&t.ID, &t.Description, &t.Priority, &t.Status, &t.AgentID, &t.LoopID,
			&t.Branch, &changes, &t.Error, &t.CreatedAt, &t.StartedAt, &t.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if err := json.Unmarshal(changes, &t.Changes); err != nil {
			return nil, fmt.Errorf("unmarshal changes of %s: %w", t.ID, err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}
