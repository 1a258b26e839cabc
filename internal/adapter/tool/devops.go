package tool

import (
	"context"
	"encoding/json"
	"log/slog"

	"golang.org/x/time/rate"

	"opsflow/internal/domain"
)

// DevOpsBackend is the slice of the Azure DevOps connector the tool consumes.
type DevOpsBackend interface {
	GetWorkItem(ctx context.Context, id int) (*domain.WorkItem, error)
	ListPipelines(ctx context.Context) ([]domain.Pipeline, error)
	QueueBuild(ctx context.Context, pipelineID int, parameters map[string]string) (*domain.DispatchResult, error)
}

// PipelineFinder resolves free-text descriptions to catalog pipelines.
// Satisfied by catalog.Resolver.
type PipelineFinder interface {
	ResolvePipeline(ctx context.Context, intentText string) (*domain.Pipeline, error)
}

// DevOpsTool exposes work item and pipeline operations to schema-driven callers.
type DevOpsTool struct {
	backend    DevOpsBackend
	reader     domain.WorkItemReader
	finder     PipelineFinder
	dispatcher domain.PipelineDispatcher
	logger     *slog.Logger
	limiter    *rate.Limiter
}

// NewDevOpsTool creates a DevOps tool. Every action hits the remote API, so
// all of them share one token bucket of maxReqPerMin calls per minute, with
// bursts up to the full per-minute quota. A non-positive limit denies every
// call.
func NewDevOpsTool(
	backend DevOpsBackend,
	reader domain.WorkItemReader,
	finder PipelineFinder,
	dispatcher domain.PipelineDispatcher,
	maxReqPerMin int,
	logger *slog.Logger,
) *DevOpsTool {
	limiter := rate.NewLimiter(0, 0)
	if maxReqPerMin > 0 {
		// maxReqPerMin spread over 60 seconds.
		limiter = rate.NewLimiter(rate.Limit(maxReqPerMin)/60.0, maxReqPerMin)
	}
	return &DevOpsTool{
		backend:    backend,
		reader:     reader,
		finder:     finder,
		dispatcher: dispatcher,
		logger:     logger,
		limiter:    limiter,
	}
}

func (t *DevOpsTool) Name() string { return "devops" }
func (t *DevOpsTool) Description() string {
	return "Inspect Azure DevOps work items and pipelines: read work item descriptions, browse the pipeline catalog, resolve a description to a pipeline, and dispatch pipeline runs."
}

func (t *DevOpsTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action": {
					"type": "string",
					"enum": ["get_work_item", "read_description", "list_pipelines", "resolve_pipeline", "dispatch", "queue_build"],
					"description": "The DevOps operation to perform"
				},
				"work_item_id": {
					"type": "integer",
					"description": "Work item ID (for 'get_work_item' and 'read_description')"
				},
				"description": {
					"type": "string",
					"description": "Free-text description to match against pipeline names (for 'resolve_pipeline')"
				},
				"pipeline_id": {
					"type": "integer",
					"description": "Pipeline ID to run (for 'dispatch' and 'queue_build')"
				},
				"parameters": {
					"type": "object",
					"description": "Run parameters passed to the pipeline",
					"additionalProperties": {"type": "string"}
				},
				"branch": {
					"type": "string",
					"description": "Branch to run against (for 'dispatch', defaults to the configured branch)"
				}
			},
			"required": ["action"]
		}`),
	}
}

type devopsParams struct {
	Action      string            `json:"action"`
	WorkItemID  int               `json:"work_item_id,omitempty"`
	Description string            `json:"description,omitempty"`
	PipelineID  int               `json:"pipeline_id,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	Branch      string            `json:"branch,omitempty"`
}

type resolvedPipeline struct {
	PipelineID   int    `json:"pipeline_id"`
	PipelineName string `json:"pipeline_name"`
	Folder       string `json:"folder,omitempty"`
}

func (t *DevOpsTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.devops", t.logger, params,
		Dispatch(func(p devopsParams) string { return p.Action }, ActionMap[devopsParams]{
			"get_work_item":    t.handleGetWorkItem,
			"read_description": t.handleReadDescription,
			"list_pipelines":   t.handleListPipelines,
			"resolve_pipeline": t.handleResolvePipeline,
			"dispatch":         t.handleDispatch,
			"queue_build":      t.handleQueueBuild,
		}),
	)
}

func (t *DevOpsTool) checkRateLimit() error {
	if !t.limiter.Allow() {
		return domain.ErrRateLimit
	}
	return nil
}

func (t *DevOpsTool) handleGetWorkItem(ctx context.Context, p devopsParams) (any, error) {
	if err := ValidatePositive("work_item_id", p.WorkItemID); err != nil {
		return nil, err
	}
	if err := t.checkRateLimit(); err != nil {
		return nil, err
	}
	return t.backend.GetWorkItem(ctx, p.WorkItemID)
}

func (t *DevOpsTool) handleReadDescription(ctx context.Context, p devopsParams) (any, error) {
	if err := ValidatePositive("work_item_id", p.WorkItemID); err != nil {
		return nil, err
	}
	if err := t.checkRateLimit(); err != nil {
		return nil, err
	}
	desc, err := t.reader.ReadDescription(ctx, p.WorkItemID)
	if err != nil {
		return nil, err
	}
	return TextResult(desc), nil
}

func (t *DevOpsTool) handleListPipelines(ctx context.Context, _ devopsParams) (any, error) {
	if err := t.checkRateLimit(); err != nil {
		return nil, err
	}
	pipelines, err := t.backend.ListPipelines(ctx)
	if err != nil {
		return nil, err
	}
	if len(pipelines) == 0 {
		return TextResult("No pipelines found."), nil
	}
	return pipelines, nil
}

func (t *DevOpsTool) handleResolvePipeline(ctx context.Context, p devopsParams) (any, error) {
	if err := RequireField("description", p.Description); err != nil {
		return nil, err
	}
	if err := t.checkRateLimit(); err != nil {
		return nil, err
	}
	pipeline, err := t.finder.ResolvePipeline(ctx, p.Description)
	if err != nil {
		return nil, err
	}
	return resolvedPipeline{
		PipelineID:   pipeline.ID,
		PipelineName: pipeline.Name,
		Folder:       pipeline.Folder,
	}, nil
}

func (t *DevOpsTool) handleDispatch(ctx context.Context, p devopsParams) (any, error) {
	if err := ValidatePositive("pipeline_id", p.PipelineID); err != nil {
		return nil, err
	}
	if err := t.checkRateLimit(); err != nil {
		return nil, err
	}
	// Dispatch never returns an error; failures come back in the result.
	result := t.dispatcher.Dispatch(ctx, domain.DispatchRequest{
		PipelineID: p.PipelineID,
		Parameters: p.Parameters,
		Branch:     p.Branch,
	})
	return result, nil
}

func (t *DevOpsTool) handleQueueBuild(ctx context.Context, p devopsParams) (any, error) {
	if err := ValidatePositive("pipeline_id", p.PipelineID); err != nil {
		return nil, err
	}
	if err := t.checkRateLimit(); err != nil {
		return nil, err
	}
	return t.backend.QueueBuild(ctx, p.PipelineID, p.Parameters)
}
