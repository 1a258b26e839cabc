package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"opsflow/internal/domain"
)

// Resolver matches free-text intent against the live pipeline catalog.
//
// The catalog is fetched fresh on every call; nothing is cached, so renames
// and new pipelines take effect immediately. The match policy is fixed:
// first pipeline, in catalog order, whose name contains the intent text
// case-insensitively. An empty intent therefore matches the first entry.
type Resolver struct {
	lister domain.PipelineLister
	logger *slog.Logger
}

// NewResolver builds a resolver over the given catalog source.
func NewResolver(lister domain.PipelineLister, logger *slog.Logger) *Resolver {
	return &Resolver{lister: lister, logger: logger}
}

// Resolve implements domain.PipelineResolver.
func (r *Resolver) Resolve(ctx context.Context, intentText string) (int, error) {
	p, err := r.ResolvePipeline(ctx, intentText)
	if err != nil {
		return 0, err
	}
	return p.ID, nil
}

// ResolvePipeline returns the full matched pipeline. Catalog fetch failures,
// an empty catalog, and no match all surface as ErrNotFound; the underlying
// cause is logged here.
func (r *Resolver) ResolvePipeline(ctx context.Context, intentText string) (*domain.Pipeline, error) {
	pipelines, err := r.lister.ListPipelines(ctx)
	if err != nil {
		r.logger.Warn("pipeline catalog fetch failed", "error", err)
		return nil, fmt.Errorf("%w: pipeline for %q", domain.ErrNotFound, intentText)
	}

	needle := strings.ToLower(intentText)
	for _, p := range pipelines {
		if strings.Contains(strings.ToLower(p.Name), needle) {
			r.logger.Debug("pipeline resolved",
				"intent", intentText,
				"pipeline_id", p.ID,
				"pipeline_name", p.Name,
			)
			return &p, nil
		}
	}

	r.logger.Debug("no pipeline matched",
		"intent", intentText,
		"catalog_size", len(pipelines),
	)
	return nil, fmt.Errorf("%w: pipeline for %q", domain.ErrNotFound, intentText)
}

var _ domain.PipelineResolver = (*Resolver)(nil)
