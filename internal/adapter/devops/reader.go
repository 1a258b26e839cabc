package devops

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"opsflow/internal/domain"
)

// Reader adapts the DevOps connector to the domain.WorkItemReader port.
//
// Every failure mode collapses to ErrNotFound at this seam. The underlying
// cause (auth, rate limit, transport) is logged here so operators still see
// it, while callers keep a single failure path per step.
type Reader struct {
	connector Connector
	logger    *slog.Logger
}

// NewReader builds a work item reader over the given connector.
func NewReader(connector Connector, logger *slog.Logger) *Reader {
	return &Reader{connector: connector, logger: logger}
}

// ReadDescription implements domain.WorkItemReader.
func (r *Reader) ReadDescription(ctx context.Context, workItemID int) (string, error) {
	item, err := r.connector.GetWorkItem(ctx, workItemID)
	if err != nil {
		r.logger.Warn("work item read failed",
			"work_item_id", workItemID,
			"error", err,
		)
		return "", fmt.Errorf("%w: work item %d", domain.ErrNotFound, workItemID)
	}

	desc := strings.TrimSpace(StripDivTags(item.Description))
	if desc == "" {
		r.logger.Warn("work item has no description", "work_item_id", workItemID)
		return "", fmt.Errorf("%w: work item %d has empty description", domain.ErrNotFound, workItemID)
	}
	return desc, nil
}

// StripDivTags removes the literal <div> wrapper tags the work item editor
// embeds in HTML descriptions. Only these exact tags are removed; any other
// markup passes through untouched.
func StripDivTags(s string) string {
	s = strings.ReplaceAll(s, "<div>", "")
	return strings.ReplaceAll(s, "</div>", "")
}

var _ domain.WorkItemReader = (*Reader)(nil)
