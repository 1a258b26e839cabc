package devops

import (
	"context"
	"log/slog"

	"opsflow/internal/domain"
)

// Dispatcher adapts the DevOps connector to the domain.PipelineDispatcher
// port. Each call submits exactly one run; nothing is deduplicated, so two
// calls with the same request queue two runs.
type Dispatcher struct {
	connector     Connector
	defaultBranch string
	logger        *slog.Logger
}

// NewDispatcher builds a dispatcher over the given connector. defaultBranch
// is used when the request does not name one.
func NewDispatcher(connector Connector, defaultBranch string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		connector:     connector,
		defaultBranch: defaultBranch,
		logger:        logger,
	}
}

// Dispatch implements domain.PipelineDispatcher. It never returns an error:
// submission failures fold into the result with Status DispatchFailed and
// the cause in Detail.
func (d *Dispatcher) Dispatch(ctx context.Context, req domain.DispatchRequest) domain.DispatchResult {
	if req.Branch == "" {
		req.Branch = d.defaultBranch
	}

	result, err := d.connector.RunPipeline(ctx, req)
	if err != nil {
		d.logger.Warn("pipeline dispatch failed",
			"pipeline_id", req.PipelineID,
			"error", err,
		)
		return domain.DispatchResult{
			Status: domain.DispatchFailed,
			Detail: err.Error(),
		}
	}

	d.logger.Info("pipeline run queued",
		"pipeline_id", req.PipelineID,
		"run_id", result.RunID,
		"run_url", result.RunURL,
	)
	return *result
}

var _ domain.PipelineDispatcher = (*Dispatcher)(nil)
