package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nidhogg/sprintloop/internal/workflow"
)

// ArchiveExecution upserts a workflow execution. It implements
// workflow.Archiver.
func (s *Store) ArchiveExecution(ctx context.Context, e *workflow.Execution) error {
	vars, err := json.Marshal(e.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	steps, err := json.Marshal(e.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	output, err := json.Marshal(e.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO workflow_executions (id, template_id, template_version, status, progress, variables, steps, output, error, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			progress = EXCLUDED.progress,
			steps = EXCLUDED.steps,
			output = EXCLUDED.output,
			error = EXCLUDED.error,
			completed_at = EXCLUDED.completed_at`,
		e.ID, e.TemplateID, e.TemplateVersion, string(e.Status), e.Progress,
		vars, steps, output, e.Error, e.StartedAt, e.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("archive execution %s: %w", e.ID, err)
	}
	return nil
}

const executionColumns = `id, template_id, template_version, status, progress, variables, steps, output, error, started_at, completed_at`

func scanExecution(row scanner) (*workflow.Execution, error) {
	var e workflow.Execution
	var vars, steps, output []byte
	if err := row.Scan(&e.ID, &e.TemplateID, &e.TemplateVersion, &e.Status, &e.Progress,
		&vars, &steps, &output, &e.Error, &e.StartedAt, &e.CompletedAt); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		raw []byte
		dst any
	}{{vars, &e.Variables}, {steps, &e.Steps}, {output, &e.Output}} {
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("unmarshal execution %s: %w", e.ID, err)
		}
	}
	e.CurrentStepIndex = completedSteps(e.Steps)
	return &e, nil
}

func completedSteps(steps []workflow.Step) int {
	n := 0
	for _, s := range steps {
		if s.Status != workflow.StepPending && s.Status != workflow.StepRunning {
			n++
		}
	}
	return n
}

// GetExecution retrieves an archived execution.
func (s *Store) GetExecution(ctx context.Context, id string) (*workflow.Execution, error) {
	e, err := scanExecution(s.db.QueryRow(ctx, `SELECT `+executionColumns+` FROM workflow_executions WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "execution", id)
	}
	return e, nil
}

// ListExecutions returns the most recent executions, optionally only
// those of one template.
func (s *Store) ListExecutions(ctx context.Context, templateID string, limit int) ([]*workflow.Execution, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+executionColumns+` FROM workflow_executions
		WHERE $1 = '' OR template_id = $1
		ORDER BY started_at DESC
		LIMIT $2`, templateID, limitOr(limit, 50))
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	out := []*workflow.Execution{}
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
