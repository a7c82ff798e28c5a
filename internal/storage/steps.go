package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lodestone-ai/lodestone/internal/model"
)

// GetStepResult returns the durable result recorded under (runID, stepName),
// or ErrNotFound when the step has never completed.
func (db *DB) GetStepResult(ctx context.Context, runID uuid.UUID, stepName string) (model.StepResult, error) {
	var (
		res       model.StepResult
		errKind   *string
		errDetail *string
	)
	err := db.pool.QueryRow(ctx,
		`SELECT run_id, step_name, status, value, error_kind, error, completed_at
		 FROM run_steps WHERE run_id = $1 AND step_name = $2`,
		runID, stepName,
	).Scan(&res.RunID, &res.StepName, &res.Status, &res.Value, &errKind, &errDetail, &res.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.StepResult{}, ErrNotFound
		}
		return model.StepResult{}, fmt.Errorf("storage: get step result: %w", err)
	}
	if errKind != nil {
		res.ErrorKind = *errKind
	}
	if errDetail != nil {
		res.Error = *errDetail
	}
	return res, nil
}

// RecordStepSuccess durably stores a step's success value. A previously
// recorded failure for the same step is overwritten; a previously
// recorded success is never touched, preserving replay determinism.
func (db *DB) RecordStepSuccess(ctx context.Context, runID uuid.UUID, stepName string, value []byte) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO run_steps (run_id, step_name, status, value, completed_at)
		 VALUES ($1, $2, 'success', $3, now())
		 ON CONFLICT (run_id, step_name) DO UPDATE
		 SET status = 'success', value = EXCLUDED.value,
		     error_kind = NULL, error = NULL, completed_at = now()
		 WHERE run_steps.status <> 'success'`,
		runID, stepName, value,
	)
	if err != nil {
		return fmt.Errorf("storage: record step success: %w", err)
	}
	return nil
}

// RecordStepFailure durably stores a step's failure classification.
// A recorded success is never downgraded to a failure.
func (db *DB) RecordStepFailure(ctx context.Context, runID uuid.UUID, stepName, kind, detail string) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO run_steps (run_id, step_name, status, error_kind, error, completed_at)
		 VALUES ($1, $2, 'failure', $3, $4, now())
		 ON CONFLICT (run_id, step_name) DO UPDATE
		 SET status = 'failure', value = NULL,
		     error_kind = EXCLUDED.error_kind, error = EXCLUDED.error, completed_at = now()
		 WHERE run_steps.status <> 'success'`,
		runID, stepName, kind, detail,
	)
	if err != nil {
		return fmt.Errorf("storage: record step failure: %w", err)
	}
	return nil
}

// ListStepResults returns every recorded step for a run, in completion order.
func (db *DB) ListStepResults(ctx context.Context, runID uuid.UUID) ([]model.StepResult, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT run_id, step_name, status, value, error_kind, error, completed_at
		 FROM run_steps WHERE run_id = $1
		 ORDER BY completed_at ASC, step_name ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list step results: %w", err)
	}
	defer rows.Close()

	var results []model.StepResult
	for rows.Next() {
		var (
			res       model.StepResult
			errKind   *string
			errDetail *string
		)
		if err := rows.Scan(&res.RunID, &res.StepName, &res.Status, &res.Value, &errKind, &errDetail, &res.CompletedAt); err != nil {
			return nil, fmt.Errorf("storage: scan step result: %w", err)
		}
		if errKind != nil {
			res.ErrorKind = *errKind
		}
		if errDetail != nil {
			res.Error = *errDetail
		}
		results = append(results, res)
	}
	return results, rows.Err()
}
