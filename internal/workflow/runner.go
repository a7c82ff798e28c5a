package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/metric"

	"github.com/lodestone-ai/lodestone/internal/model"
	"github.com/lodestone-ai/lodestone/internal/telemetry"
)

// RunStore is the durable run and step state the runner operates on.
// *storage.DB satisfies it.
type RunStore interface {
	StepLog

	CreateRun(ctx context.Context, owner, url string) (model.Run, error)
	MarkRunRunning(ctx context.Context, id uuid.UUID) error
	CompleteRun(ctx context.Context, id uuid.UUID, status model.RunStatus, lastError string) error
	ListUnfinishedRuns(ctx context.Context) ([]model.Run, error)
	CountUnfinishedRuns(ctx context.Context) (int64, error)
}

// Handler executes one run of a workflow. A nil return completes the
// run; any error fails it.
type Handler func(ctx context.Context, run *Run) error

// Runner accepts runs, executes them on a bounded worker pool, and
// re-dispatches unfinished runs after a restart.
type Runner struct {
	store   RunStore
	handler Handler
	policy  Policy
	logger  *slog.Logger

	pool    *ants.Pool
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	runsCompleted metric.Int64Counter
	runsFailed    metric.Int64Counter
}

// NewRunner creates a runner executing at most concurrency runs at
// once.
func NewRunner(store RunStore, handler Handler, policy Policy, concurrency int, logger *slog.Logger) (*Runner, error) {
	pool, err := ants.NewPool(concurrency)
	if err != nil {
		return nil, fmt.Errorf("workflow: create pool: %w", err)
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		store:   store,
		handler: handler,
		policy:  policy,
		logger:  logger,
		pool:    pool,
		baseCtx: baseCtx,
		cancel:  cancel,
	}
	r.registerMetrics()
	return r, nil
}

func (r *Runner) registerMetrics() {
	meter := telemetry.Meter("lodestone/workflow")

	r.runsCompleted, _ = meter.Int64Counter("lodestone.runs.completed",
		metric.WithDescription("Number of workflow runs that completed successfully"),
	)
	r.runsFailed, _ = meter.Int64Counter("lodestone.runs.failed",
		metric.WithDescription("Number of workflow runs that ended in failure"),
	)
	_, _ = meter.Int64ObservableGauge("lodestone.runs.unfinished",
		metric.WithDescription("Number of runs not yet in a terminal state"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			count, err := r.store.CountUnfinishedRuns(ctx)
			if err != nil {
				return nil // Non-fatal: just skip this observation.
			}
			o.Observe(count)
			return nil
		}),
	)
}

// Submit creates a run for the owner and URL and schedules it for
// asynchronous execution. The returned run is in the pending state;
// callers should acknowledge and move on.
func (r *Runner) Submit(ctx context.Context, owner, url string) (model.Run, error) {
	run, err := r.store.CreateRun(ctx, owner, url)
	if err != nil {
		return model.Run{}, fmt.Errorf("workflow: create run: %w", err)
	}
	r.dispatch(run)
	return run, nil
}

// Recover re-dispatches every run left in a non-terminal state by a
// previous process. Steps those runs already completed replay from the
// durable log, so recovery never repeats finished side effects.
func (r *Runner) Recover(ctx context.Context) error {
	runs, err := r.store.ListUnfinishedRuns(ctx)
	if err != nil {
		return fmt.Errorf("workflow: list unfinished runs: %w", err)
	}
	for _, run := range runs {
		r.dispatch(run)
	}
	if len(runs) > 0 {
		r.logger.Info("workflow: recovered unfinished runs", "count", len(runs))
	}
	return nil
}

func (r *Runner) dispatch(run model.Run) {
	r.wg.Add(1)
	err := r.pool.Submit(func() {
		defer r.wg.Done()
		r.execute(run)
	})
	if err != nil {
		r.wg.Done()
		r.logger.Error("workflow: dispatch run", "run_id", run.ID, "error", err)
	}
}

func (r *Runner) execute(run model.Run) {
	ctx := r.baseCtx
	if ctx.Err() != nil {
		return
	}

	if err := r.store.MarkRunRunning(ctx, run.ID); err != nil {
		r.logger.Error("workflow: mark run running", "run_id", run.ID, "error", err)
		return
	}

	wr := NewRun(run, r.store, r.policy, r.logger)
	err := r.handler(ctx, wr)
	if err == nil {
		if cerr := r.store.CompleteRun(ctx, run.ID, model.RunStatusCompleted, ""); cerr != nil {
			r.logger.Error("workflow: complete run", "run_id", run.ID, "error", cerr)
			return
		}
		r.runsCompleted.Add(ctx, 1)
		wr.logger.Info("workflow: run completed")
		return
	}

	// Shutdown interrupted the run mid-flight. Leave it unfinished so
	// the next process picks it up in the recovery sweep.
	if ctx.Err() != nil && !IsTerminal(err) {
		wr.logger.Info("workflow: run interrupted, deferred to recovery")
		return
	}

	completeCtx := context.WithoutCancel(ctx)
	if cerr := r.store.CompleteRun(completeCtx, run.ID, model.RunStatusFailed, err.Error()); cerr != nil {
		r.logger.Error("workflow: fail run", "run_id", run.ID, "error", cerr)
		return
	}
	r.runsFailed.Add(completeCtx, 1)
	wr.logger.Warn("workflow: run failed", "error", err)
}

// Close stops accepting work, waits for in-flight runs to observe
// cancellation, and releases the pool.
func (r *Runner) Close() {
	r.cancel()
	r.wg.Wait()
	r.pool.Release()
}
