package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nidhogg/ensemble/internal/workflow"
)

// Archive persists a terminal execution with its step history and result.
// Implements workflow.Archiver.
func (s *Store) Archive(ctx context.Context, exec *workflow.Execution) error {
	stepsJSON, err := json.Marshal(exec.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	var resultJSON []byte
	if exec.Result != nil {
		if resultJSON, err = json.Marshal(exec.Result); err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO executions (id, template_id, team_id, status, degraded, fault, steps, result, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			degraded = EXCLUDED.degraded,
			fault = EXCLUDED.fault,
			steps = EXCLUDED.steps,
			result = EXCLUDED.result,
			finished_at = EXCLUDED.finished_at`,
		exec.ID, exec.TemplateID, exec.TeamID, string(exec.Status), exec.Degraded,
		exec.Fault, stepsJSON, resultJSON, exec.StartedAt, exec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("archive execution: %w", err)
	}
	return nil
}

// ArchivedExecution is a persisted execution record.
type ArchivedExecution struct {
	ID         string
	TemplateID string
	TeamID     string
	Status     workflow.ExecStatus
	Degraded   bool
	Fault      string
	Steps      map[string]*workflow.StepState
	Result     *workflow.Result
	StartedAt  time.Time
	FinishedAt *time.Time
}

// GetExecution loads an archived execution by id.
func (s *Store) GetExecution(ctx context.Context, id string) (*ArchivedExecution, error) {
	var (
		ae         ArchivedExecution
		status     string
		stepsJSON  []byte
		resultJSON []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, template_id, team_id, status, degraded, fault, steps, result, started_at, finished_at
		FROM executions WHERE id = $1`, id,
	).Scan(&ae.ID, &ae.TemplateID, &ae.TeamID, &status, &ae.Degraded, &ae.Fault,
		&stepsJSON, &resultJSON, &ae.StartedAt, &ae.FinishedAt)
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	ae.Status = workflow.ExecStatus(status)
	if len(stepsJSON) > 0 {
		if err := json.Unmarshal(stepsJSON, &ae.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &ae.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return &ae, nil
}

// ListExecutions returns archived executions for a team, newest first.
func (s *Store) ListExecutions(ctx context.Context, teamID string, limit int) ([]*ArchivedExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, template_id, team_id, status, degraded, fault, started_at, finished_at
		FROM executions
		WHERE team_id = $1
		ORDER BY started_at DESC
		LIMIT $2`, teamID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*ArchivedExecution
	for rows.Next() {
		var (
			ae     ArchivedExecution
			status string
		)
		if err := rows.Scan(&ae.ID, &ae.TemplateID, &ae.TeamID, &status, &ae.Degraded,
			&ae.Fault, &ae.StartedAt, &ae.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		ae.Status = workflow.ExecStatus(status)
		out = append(out, &ae)
	}
	return out, rows.Err()
}
