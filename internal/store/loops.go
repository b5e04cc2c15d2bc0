package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nidhogg/sprintloop/internal/agent"
)

// ArchiveLoop upserts a loop context. It implements agent.Archiver.
func (s *Store) ArchiveLoop(ctx context.Context, lc *agent.LoopContext) error {
	history, err := json.Marshal(lc.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO agent_loops (id, task, mode, status, progress, iterations, error, history, created_at, updated_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			progress = EXCLUDED.progress,
			iterations = EXCLUDED.iterations,
			error = EXCLUDED.error,
			history = EXCLUDED.history,
			updated_at = EXCLUDED.updated_at,
			finished_at = EXCLUDED.finished_at`,
		lc.ID, lc.Task, string(lc.Mode), string(lc.Status), lc.Progress, lc.Iterations,
		lc.Error, history, lc.CreatedAt, lc.UpdatedAt, lc.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("archive loop %s: %w", lc.ID, err)
	}
	return nil
}

const loopColumns = `id, task, mode, status, progress, iterations, error, history, created_at, updated_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanLoop(row scanner) (*agent.LoopContext, error) {
	var lc agent.LoopContext
	var history []byte
	if err := row.Scan(&lc.ID, &lc.Task, &lc.Mode, &lc.Status, &lc.Progress, &lc.Iterations,
		&lc.Error, &history, &lc.CreatedAt, &lc.UpdatedAt, &lc.FinishedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(history, &lc.History); err != nil {
		return nil, fmt.Errorf("unmarshal history of %s: %w", lc.ID, err)
	}
	return &lc, nil
}

// GetLoop retrieves an archived loop.
func (s *Store) GetLoop(ctx context.Context, id string) (*agent.LoopContext, error) {
	lc, err := scanLoop(s.db.QueryRow(ctx, `SELECT `+loopColumns+` FROM agent_loops WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "loop", id)
	}
	return lc, nil
}

// ListLoops returns the most recent archived loops.
func (s *Store) ListLoops(ctx context.Context, limit int) ([]*agent.LoopContext, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+loopColumns+` FROM agent_loops
		ORDER BY created_at DESC
		LIMIT $1`, limitOr(limit, 50))
	if err != nil {
		return nil, fmt.Errorf("list loops: %w", err)
	}
	defer rows.Close()

	out := []*agent.LoopContext{}
	for rows.Next() {
		lc, err := scanLoop(rows)
		if err != nil {
			return nil, fmt.Errorf("scan loop: %w", err)
		}
		out = append(out, lc)
	}
	return out, rows.Err()
}
