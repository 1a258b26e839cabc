package domain

import "context"

// WorkItem is a ticket record in the external work-tracking system.
// Read-only from this service's perspective; the tracking system owns it.
type WorkItem struct {
	ID          int    `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	State       string `json:"state,omitempty"`
	Tags        string `json:"tags,omitempty"`
}

// WorkItemReader reads the free-text description of a work item.
//
// ReadDescription returns the description with presentational markup already
// stripped. Every failure mode (missing ticket, empty description, transport
// or auth errors) surfaces as ErrNotFound so callers have a single failure
// path per step.
type WorkItemReader interface {
	ReadDescription(ctx context.Context, workItemID int) (string, error)
}
