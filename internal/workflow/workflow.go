// Package workflow is a durable step orchestrator.
//
// A workflow is ordinary Go code that wraps its side effects in named
// steps. Each step's outcome is written to a durable log keyed by
// (run ID, step name); when a run is re-executed after a crash or
// restart, steps that already succeeded replay their stored value
// without re-invoking the action, so the workflow resumes exactly where
// it left off. Step names are the sole idempotency key, which makes
// them part of the workflow's contract: renaming a step orphans its
// history.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lodestone-ai/lodestone/internal/model"
	"github.com/lodestone-ai/lodestone/internal/storage"
)

// StepLog is the durable record of step outcomes. *storage.DB
// satisfies it.
type StepLog interface {
	GetStepResult(ctx context.Context, runID uuid.UUID, stepName string) (model.StepResult, error)
	RecordStepSuccess(ctx context.Context, runID uuid.UUID, stepName string, value []byte) error
	RecordStepFailure(ctx context.Context, runID uuid.UUID, stepName, kind, detail string) error
}

// Policy bounds step execution.
type Policy struct {
	// StepTimeout caps a single invocation of a step action.
	StepTimeout time.Duration
	// Attempts is the maximum number of invocations per step per run
	// execution, including the first.
	Attempts int
	// BaseDelay seeds the jittered exponential backoff between
	// attempts.
	BaseDelay time.Duration
}

// Run is one execution context of a workflow. Step results recorded
// under its ID survive process restarts.
type Run struct {
	ID    uuid.UUID
	Owner string
	URL   string

	log    StepLog
	policy Policy
	logger *slog.Logger
}

// NewRun binds a run record to the step log it executes against.
func NewRun(run model.Run, log StepLog, policy Policy, logger *slog.Logger) *Run {
	return &Run{
		ID:     run.ID,
		Owner:  run.Owner,
		URL:    run.URL,
		log:    log,
		policy: policy,
		logger: logger.With("run_id", run.ID),
	}
}

// Do executes the named step, memoized against the run's durable log.
//
// A previously recorded success is replayed verbatim; fn is not
// invoked. Otherwise fn runs under the policy's per-call timeout, with
// transient failures retried under jittered exponential backoff up to
// the attempt bound. Terminal failures and exhausted retries are
// recorded in the log and returned; the caller decides whether the run
// can continue.
func Do[T any](ctx context.Context, r *Run, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	stored, err := r.log.GetStepResult(ctx, r.ID, name)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return zero, fmt.Errorf("workflow: load step %q: %w", name, err)
	}
	if err == nil && stored.Status == model.StepStatusSuccess {
		var v T
		if err := json.Unmarshal(stored.Value, &v); err != nil {
			return zero, fmt.Errorf("workflow: replay step %q: %w", name, err)
		}
		r.logger.Debug("workflow: step replayed", "step", name)
		return v, nil
	}

	v, runErr := attempt(ctx, r, name, fn)
	if runErr != nil {
		kind := ErrKindTransient
		if IsTerminal(runErr) {
			kind = ErrKindTerminal
		}
		if recErr := r.log.RecordStepFailure(ctx, r.ID, name, kind, runErr.Error()); recErr != nil {
			r.logger.Error("workflow: record step failure", "step", name, "error", recErr)
		}
		return zero, fmt.Errorf("workflow: step %q: %w", name, runErr)
	}

	value, err := json.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("workflow: encode step %q result: %w", name, err)
	}
	if err := r.log.RecordStepSuccess(ctx, r.ID, name, value); err != nil {
		return zero, fmt.Errorf("workflow: record step %q: %w", name, err)
	}
	return v, nil
}

// attempt runs fn with retry. Backoff doubles per attempt with uniform
// jitter so simultaneous failures spread out.
func attempt[T any](ctx context.Context, r *Run, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var err error
	delay := r.policy.BaseDelay

	for attempt := 1; attempt <= r.policy.Attempts; attempt++ {
		var v T
		v, err = invoke(ctx, r, fn)
		if err == nil {
			return v, nil
		}
		if IsTerminal(err) || ctx.Err() != nil {
			return zero, err
		}

		r.logger.Warn("workflow: step attempt failed",
			"step", name,
			"attempt", attempt,
			"max_attempts", r.policy.Attempts,
			"error", err,
		)

		if attempt == r.policy.Attempts {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
	return zero, err
}

func invoke[T any](ctx context.Context, r *Run, fn func(ctx context.Context) (T, error)) (T, error) {
	if r.policy.StepTimeout <= 0 {
		return fn(ctx)
	}
	stepCtx, cancel := context.WithTimeout(ctx, r.policy.StepTimeout)
	defer cancel()
	return fn(stepCtx)
}

// StepName derives a deterministic fan-out step name. The index must be
// stable across executions of the run for replay to line up.
func StepName(base string, index int) string {
	return fmt.Sprintf("%s[%d]", base, index)
}

// FanOut runs fn for indexes 0..n-1 with bounded parallelism. The first
// error cancels the remaining work; already-completed indexes keep
// their durable step results and replay on the next execution.
func FanOut(ctx context.Context, n, limit int, fn func(ctx context.Context, i int) error) error {
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i := range n {
		g.Go(func() error {
			return fn(ctx, i)
		})
	}
	return g.Wait()
}
