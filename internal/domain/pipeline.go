package domain

import "context"

// Pipeline is a named automation job definition in the external CI system.
// Fetched fresh on every lookup; the catalog may change between calls.
type Pipeline struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Folder string `json:"folder,omitempty"`
}

// DispatchStatus is the normalized outcome of a run submission.
type DispatchStatus string

const (
	DispatchQueued DispatchStatus = "queued"
	DispatchFailed DispatchStatus = "failed"
)

// DispatchRequest describes one run submission. Constructed fresh per call,
// never persisted.
type DispatchRequest struct {
	PipelineID int               `json:"pipeline_id"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Branch     string            `json:"branch,omitempty"`
}

// DispatchResult is the normalized outcome returned to the caller.
type DispatchResult struct {
	Status DispatchStatus `json:"status"`
	RunID  string         `json:"run_id,omitempty"`
	RunURL string         `json:"run_url,omitempty"`
	Detail string         `json:"detail,omitempty"`
}

// Queued reports whether the dispatch was accepted by the CI system.
func (r DispatchResult) Queued() bool { return r.Status == DispatchQueued }

// PipelineLister fetches the full current pipeline catalog in server order.
type PipelineLister interface {
	ListPipelines(ctx context.Context) ([]Pipeline, error)
}

// PipelineResolver resolves free-text intent to a pipeline identifier.
//
// The match policy is fixed: scan the catalog in listed order and return the
// first pipeline whose name contains the intent text case-insensitively.
// Empty catalog, no match, and collaborator errors all surface as ErrNotFound.
type PipelineResolver interface {
	Resolve(ctx context.Context, intentText string) (int, error)
}

// PipelineDispatcher submits exactly one run request per call.
//
// Dispatch never returns an error: collaborator failures are folded into a
// DispatchResult with Status DispatchFailed and a human-readable Detail.
// Dispatch is NOT idempotent: each successful call queues a new run.
type PipelineDispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) DispatchResult
}
