package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of an ingestion run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Run is one execution instance of the ingestion pipeline for a single
// (owner, url) submission. Mutated only by the orchestrator executing it.
type Run struct {
	ID        uuid.UUID  `json:"id"`
	Owner     string     `json:"owner"`
	URL       string     `json:"url"`
	Status    RunStatus  `json:"status"`
	LastError *string    `json:"last_error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	DoneAt    *time.Time `json:"done_at,omitempty"`
}

// StepStatus is the recorded outcome class of a step.
type StepStatus string

const (
	StepStatusSuccess StepStatus = "success"
	StepStatusFailure StepStatus = "failure"
)

// StepResult is the durable record of one named step within a run.
// A success result is immutable: its Value is replayed verbatim on every
// subsequent execution of the run and the step's action never runs again.
type StepResult struct {
	RunID       uuid.UUID  `json:"run_id"`
	StepName    string     `json:"step_name"`
	Status      StepStatus `json:"status"`
	Value       []byte     `json:"value,omitempty"`
	ErrorKind   string     `json:"error_kind,omitempty"`
	Error       string     `json:"error,omitempty"`
	CompletedAt time.Time  `json:"completed_at"`
}
