package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lodestone-ai/lodestone/internal/model"
)

// CreateRun inserts a new ingestion run in pending state and returns it.
func (db *DB) CreateRun(ctx context.Context, owner, url string) (model.Run, error) {
	now := time.Now().UTC()
	run := model.Run{
		ID:        uuid.New(),
		Owner:     owner,
		URL:       url,
		Status:    model.RunStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO runs (id, owner, url, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.Owner, run.URL, string(run.Status), run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: create run: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by id.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	var r model.Run
	err := db.pool.QueryRow(ctx,
		`SELECT id, owner, url, status, last_error, created_at, updated_at, started_at, done_at
		 FROM runs WHERE id = $1`, id,
	).Scan(&r.ID, &r.Owner, &r.URL, &r.Status, &r.LastError, &r.CreatedAt, &r.UpdatedAt, &r.StartedAt, &r.DoneAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, ErrNotFound
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return r, nil
}

// MarkRunRunning transitions a run to running. Safe to call on a run
// that is already running (a resumed run after a crash); completed and
// failed runs are never transitioned back.
func (db *DB) MarkRunRunning(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs
		 SET status = 'running',
		     started_at = COALESCE(started_at, now()),
		     updated_at = now()
		 WHERE id = $1 AND status IN ('pending', 'running')`,
		id,
	)
	if err != nil {
		return fmt.Errorf("storage: mark run running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: run %s not found or already finished", id)
	}
	return nil
}

// CompleteRun marks a run as completed or failed. The guard on the
// current status makes terminal states sticky.
func (db *DB) CompleteRun(ctx context.Context, id uuid.UUID, status model.RunStatus, lastError string) error {
	if !status.Terminal() {
		return fmt.Errorf("storage: complete run: %q is not a terminal status", status)
	}
	var errPtr *string
	if lastError != "" {
		errPtr = &lastError
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs
		 SET status = $1, last_error = $2, done_at = now(), updated_at = now()
		 WHERE id = $3 AND status IN ('pending', 'running')`,
		string(status), errPtr, id,
	)
	if err != nil {
		return fmt.Errorf("storage: complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: run %s not found or already finished", id)
	}
	return nil
}

// ListUnfinishedRuns returns all runs still in pending or running state,
// oldest first. Used by the recovery sweep after a restart: a run stuck
// in running is resumed from its durable step log, not abandoned.
func (db *DB) ListUnfinishedRuns(ctx context.Context) ([]model.Run, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, owner, url, status, last_error, created_at, updated_at, started_at, done_at
		 FROM runs
		 WHERE status IN ('pending', 'running')
		 ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list unfinished runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		if err := rows.Scan(&r.ID, &r.Owner, &r.URL, &r.Status, &r.LastError, &r.CreatedAt, &r.UpdatedAt, &r.StartedAt, &r.DoneAt); err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// CountUnfinishedRuns returns the number of runs not yet in a terminal
// state. Feeds the pending-runs gauge.
func (db *DB) CountUnfinishedRuns(ctx context.Context) (int64, error) {
	var n int64
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM runs WHERE status IN ('pending', 'running')`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count unfinished runs: %w", err)
	}
	return n, nil
}
