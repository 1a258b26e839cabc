package tool

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"opsflow/internal/domain"
	"opsflow/internal/usecase/workflow"
)

// --- compact response envelopes ---

type workflowRunEnvelope struct {
	OK            bool                   `json:"ok"`
	RunID         string                 `json:"run_id"`
	State         string                 `json:"state"`
	WorkItemID    int                    `json:"work_item_id"`
	Description   string                 `json:"description,omitempty"`
	PipelineID    int                    `json:"pipeline_id,omitempty"`
	Dispatch      *domain.DispatchResult `json:"dispatch,omitempty"`
	FailureReason string                 `json:"failure_reason,omitempty"`
}

type workflowStatusEnvelope struct {
	RunID         string                 `json:"run_id"`
	State         string                 `json:"state"`
	WorkItemID    int                    `json:"work_item_id"`
	Description   string                 `json:"description,omitempty"`
	PipelineID    int                    `json:"pipeline_id,omitempty"`
	Dispatch      *domain.DispatchResult `json:"dispatch,omitempty"`
	FailureReason string                 `json:"failure_reason,omitempty"`
	Steps         []domain.StepResult    `json:"steps,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

type workflowRunSummary struct {
	ID         string    `json:"id"`
	WorkItemID int       `json:"work_item_id"`
	State      string    `json:"state"`
	PipelineID int       `json:"pipeline_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// --- tool ---

// WorkflowRunner is the slice of the sequencer the tool consumes.
type WorkflowRunner interface {
	Start(ctx context.Context, workItemID int, opts *workflow.StartOptions) (*domain.WorkflowRun, error)
	Resume(ctx context.Context, runID string) (*domain.WorkflowRun, error)
	GetRun(ctx context.Context, runID string) (*domain.WorkflowRun, error)
	ListRuns(ctx context.Context, limit int) ([]domain.WorkflowRun, error)
}

// WorkflowTool exposes dispatch workflow operations to schema-driven callers.
type WorkflowTool struct {
	runner WorkflowRunner
	logger *slog.Logger
}

// NewWorkflowTool creates a workflow tool backed by the given runner.
func NewWorkflowTool(runner WorkflowRunner, logger *slog.Logger) *WorkflowTool {
	return &WorkflowTool{runner: runner, logger: logger}
}

func (t *WorkflowTool) Name() string { return "workflow" }
func (t *WorkflowTool) Description() string {
	return "Run, resume, list, and inspect work item dispatch workflows. A run reads the work item description, resolves it to a pipeline, and dispatches a pipeline run."
}

func (t *WorkflowTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action": {
					"type": "string",
					"enum": ["run", "resume", "list", "status"],
					"description": "The operation to perform"
				},
				"work_item_id": {
					"type": "integer",
					"description": "Work item to process (for 'run')"
				},
				"parameters": {
					"type": "object",
					"description": "Run parameters forwarded to the dispatched pipeline",
					"additionalProperties": {"type": "string"}
				},
				"branch": {
					"type": "string",
					"description": "Branch override for the dispatched pipeline (for 'run')"
				},
				"run_id": {
					"type": "string",
					"description": "Workflow run ID (for 'resume' and 'status')"
				},
				"state": {
					"type": "string",
					"enum": ["started", "reading_item", "resolving_pipeline", "dispatching", "completed", "failed"],
					"description": "Filter results by state (for 'list')"
				},
				"limit": {
					"type": "integer",
					"description": "Max results to return (for 'list', default 10)"
				}
			},
			"required": ["action"]
		}`),
	}
}

type workflowParams struct {
	Action     string            `json:"action"`
	WorkItemID int               `json:"work_item_id,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Branch     string            `json:"branch,omitempty"`
	RunID      string            `json:"run_id,omitempty"`
	State      string            `json:"state,omitempty"`
	Limit      int               `json:"limit,omitempty"`
}

func (t *WorkflowTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.workflow", t.logger, params,
		Dispatch(func(p workflowParams) string { return p.Action }, ActionMap[workflowParams]{
			"run":    t.handleRun,
			"resume": t.handleResume,
			"list":   t.handleList,
			"status": t.handleStatus,
		}),
	)
}

func (t *WorkflowTool) handleRun(ctx context.Context, p workflowParams) (any, error) {
	if err := ValidatePositive("work_item_id", p.WorkItemID); err != nil {
		return nil, err
	}

	var opts *workflow.StartOptions
	if len(p.Parameters) > 0 || p.Branch != "" {
		opts = &workflow.StartOptions{Parameters: p.Parameters, Branch: p.Branch}
	}

	run, err := t.runner.Start(ctx, p.WorkItemID, opts)
	if err != nil {
		return nil, err
	}
	return toRunEnvelope(run), nil
}

func (t *WorkflowTool) handleResume(ctx context.Context, p workflowParams) (any, error) {
	if err := RequireField("run_id", p.RunID); err != nil {
		return nil, err
	}
	run, err := t.runner.Resume(ctx, p.RunID)
	if err != nil {
		return nil, err
	}
	return toRunEnvelope(run), nil
}

func (t *WorkflowTool) handleList(ctx context.Context, p workflowParams) (any, error) {
	if err := ValidateEnum("state", p.State,
		"started", "reading_item", "resolving_pipeline", "dispatching", "completed", "failed"); err != nil {
		return nil, err
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 10
	}

	runs, err := t.runner.ListRuns(ctx, limit)
	if err != nil {
		return nil, err
	}

	summaries := make([]workflowRunSummary, 0, len(runs))
	for _, r := range runs {
		if p.State != "" && string(r.State) != p.State {
			continue
		}
		summaries = append(summaries, workflowRunSummary{
			ID:         r.ID,
			WorkItemID: r.WorkItemID,
			State:      string(r.State),
			PipelineID: r.PipelineID,
			CreatedAt:  r.CreatedAt,
		})
	}

	if len(summaries) == 0 {
		return TextResult("No workflow runs found."), nil
	}
	return summaries, nil
}

func (t *WorkflowTool) handleStatus(ctx context.Context, p workflowParams) (any, error) {
	if err := RequireField("run_id", p.RunID); err != nil {
		return nil, err
	}
	run, err := t.runner.GetRun(ctx, p.RunID)
	if err != nil {
		return nil, err
	}
	return workflowStatusEnvelope{
		RunID:         run.ID,
		State:         string(run.State),
		WorkItemID:    run.WorkItemID,
		Description:   run.Description,
		PipelineID:    run.PipelineID,
		Dispatch:      run.Dispatch,
		FailureReason: run.FailureReason,
		Steps:         run.Steps,
		CreatedAt:     run.CreatedAt,
		UpdatedAt:     run.UpdatedAt,
	}, nil
}

// --- helpers ---

func toRunEnvelope(run *domain.WorkflowRun) workflowRunEnvelope {
	return workflowRunEnvelope{
		OK:            run.State != domain.StateFailed,
		RunID:         run.ID,
		State:         string(run.State),
		WorkItemID:    run.WorkItemID,
		Description:   run.Description,
		PipelineID:    run.PipelineID,
		Dispatch:      run.Dispatch,
		FailureReason: run.FailureReason,
	}
}
