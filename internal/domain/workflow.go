package domain

import (
	"context"
	"time"
)

// WorkflowState is the sequencer's position in the three-step flow.
type WorkflowState string

const (
	StateStarted           WorkflowState = "started"
	StateReadingItem       WorkflowState = "reading_item"
	StateResolvingPipeline WorkflowState = "resolving_pipeline"
	StateDispatching       WorkflowState = "dispatching"
	StateCompleted         WorkflowState = "completed"
	StateFailed            WorkflowState = "failed"
)

// Terminal reports whether the state is a terminal state.
func (s WorkflowState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Step indices for WorkflowRun.CurrentStep.
const (
	StepReadItem = iota
	StepResolvePipeline
	StepDispatch
	stepCount
)

// StepCount is the number of steps in the workflow.
const StepCount = stepCount

// WorkflowRun tracks the runtime state of a single read→resolve→dispatch
// workflow instance.
//
// Fields are populated strictly in order: Description after step 1, PipelineID
// after step 2, Dispatch after step 3. A later field is never set while an
// earlier one is still empty. CurrentStep is the index of the next step to
// execute; the run is saved after every mutation so a crash mid-sequence
// resumes at the first incomplete step without repeating completed ones.
type WorkflowRun struct {
	ID            string            `json:"id"`
	WorkItemID    int               `json:"work_item_id"`
	State         WorkflowState     `json:"state"`
	CurrentStep   int               `json:"current_step"`
	Description   string            `json:"description,omitempty"`
	PipelineID    int               `json:"pipeline_id,omitempty"`
	Dispatch      *DispatchResult   `json:"dispatch,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	Steps         []StepResult      `json:"steps,omitempty"`
	Parameters    map[string]string `json:"parameters,omitempty"`
	Branch        string            `json:"branch,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

// StepResult records the outcome of executing a single step.
type StepResult struct {
	Name     string        `json:"name"`
	Status   string        `json:"status"` // "completed", "failed"
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration"`
}

// WorkflowStore persists workflow runs for resumability. The store is the
// source of truth for resumption; the sequencer never assumes in-memory state
// survives a restart.
type WorkflowStore interface {
	SaveRun(ctx context.Context, run WorkflowRun) error
	GetRun(ctx context.Context, id string) (*WorkflowRun, error)
	ListRuns(ctx context.Context, limit int) ([]WorkflowRun, error)
	DeleteRun(ctx context.Context, id string) error
}
