package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"opsflow/internal/domain"
)

// --- test doubles ---

type stubBackend struct {
	workItem  *domain.WorkItem
	pipelines []domain.Pipeline
	queued    *domain.DispatchResult
	err       error

	queuedPipelineID int
	queuedParams     map[string]string
}

func (s *stubBackend) GetWorkItem(_ context.Context, id int) (*domain.WorkItem, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.workItem == nil || s.workItem.ID != id {
		return nil, fmt.Errorf("work item %d: %w", id, domain.ErrNotFound)
	}
	return s.workItem, nil
}

func (s *stubBackend) ListPipelines(_ context.Context) ([]domain.Pipeline, error) {
	return s.pipelines, s.err
}

func (s *stubBackend) QueueBuild(_ context.Context, pipelineID int, parameters map[string]string) (*domain.DispatchResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.queuedPipelineID = pipelineID
	s.queuedParams = parameters
	return s.queued, nil
}

type stubReader struct {
	description string
	err         error
}

func (s *stubReader) ReadDescription(_ context.Context, _ int) (string, error) {
	return s.description, s.err
}

type stubFinder struct {
	pipeline *domain.Pipeline
	err      error
}

func (s *stubFinder) ResolvePipeline(_ context.Context, _ string) (*domain.Pipeline, error) {
	return s.pipeline, s.err
}

type stubDispatcher struct {
	result domain.DispatchResult
	got    domain.DispatchRequest
}

func (s *stubDispatcher) Dispatch(_ context.Context, req domain.DispatchRequest) domain.DispatchResult {
	s.got = req
	return s.result
}

func newTestDevOpsTool(backend *stubBackend, reader *stubReader, finder *stubFinder, dispatcher *stubDispatcher) *DevOpsTool {
	if backend == nil {
		backend = &stubBackend{}
	}
	if reader == nil {
		reader = &stubReader{}
	}
	if finder == nil {
		finder = &stubFinder{}
	}
	if dispatcher == nil {
		dispatcher = &stubDispatcher{}
	}
	return NewDevOpsTool(backend, reader, finder, dispatcher, 100, toolTestLogger())
}

func execTool(t *testing.T, tool domain.Tool, params any) *domain.ToolResult {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	result, err := tool.Execute(context.Background(), raw)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return result
}

// --- tests ---

func TestDevOpsGetWorkItem(t *testing.T) {
	backend := &stubBackend{workItem: &domain.WorkItem{
		ID:          42,
		Title:       "Deploy auth service",
		Description: "deploy auth service to staging",
		State:       "Active",
	}}
	tool := newTestDevOpsTool(backend, nil, nil, nil)

	result := execTool(t, tool, map[string]any{"action": "get_work_item", "work_item_id": 42})
	if result.IsError {
		t.Fatalf("unexpected error: %s", result.Content)
	}

	var item domain.WorkItem
	if err := json.Unmarshal([]byte(result.Content), &item); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if item.ID != 42 || item.Title != "Deploy auth service" {
		t.Errorf("item = %+v", item)
	}
}

func TestDevOpsGetWorkItemRequiresID(t *testing.T) {
	tool := newTestDevOpsTool(nil, nil, nil, nil)

	result := execTool(t, tool, map[string]any{"action": "get_work_item"})
	if !result.IsError {
		t.Fatal("expected error result")
	}
	if result.Content != "'work_item_id' is required and must be > 0" {
		t.Errorf("content = %q", result.Content)
	}
}

func TestDevOpsGetWorkItemNotFound(t *testing.T) {
	tool := newTestDevOpsTool(&stubBackend{}, nil, nil, nil)

	result := execTool(t, tool, map[string]any{"action": "get_work_item", "work_item_id": 99})
	if !result.IsError {
		t.Fatal("expected error result")
	}
	if !strings.Contains(result.Content, "not found") {
		t.Errorf("content = %q", result.Content)
	}
	if result.IsRetryable {
		t.Error("missing work item is not retryable")
	}
}

func TestDevOpsReadDescription(t *testing.T) {
	reader := &stubReader{description: "deploy auth service to staging"}
	tool := newTestDevOpsTool(nil, reader, nil, nil)

	result := execTool(t, tool, map[string]any{"action": "read_description", "work_item_id": 42})
	if result.IsError {
		t.Fatalf("unexpected error: %s", result.Content)
	}
	if result.Content != "deploy auth service to staging" {
		t.Errorf("content = %q", result.Content)
	}
}

func TestDevOpsReadDescriptionNotFound(t *testing.T) {
	reader := &stubReader{err: fmt.Errorf("work item 42 description: %w", domain.ErrNotFound)}
	tool := newTestDevOpsTool(nil, reader, nil, nil)

	result := execTool(t, tool, map[string]any{"action": "read_description", "work_item_id": 42})
	if !result.IsError {
		t.Fatal("expected error result")
	}
	if !strings.Contains(result.Content, "not found") {
		t.Errorf("content = %q", result.Content)
	}
}

func TestDevOpsListPipelines(t *testing.T) {
	backend := &stubBackend{pipelines: []domain.Pipeline{
		{ID: 7, Name: "Deploy Auth Service", Folder: "\\services"},
		{ID: 9, Name: "Nightly Build"},
	}}
	tool := newTestDevOpsTool(backend, nil, nil, nil)

	result := execTool(t, tool, map[string]any{"action": "list_pipelines"})
	if result.IsError {
		t.Fatalf("unexpected error: %s", result.Content)
	}

	var pipelines []domain.Pipeline
	if err := json.Unmarshal([]byte(result.Content), &pipelines); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(pipelines) != 2 || pipelines[0].ID != 7 {
		t.Errorf("pipelines = %+v", pipelines)
	}
}

func TestDevOpsListPipelinesEmpty(t *testing.T) {
	tool := newTestDevOpsTool(&stubBackend{}, nil, nil, nil)

	result := execTool(t, tool, map[string]any{"action": "list_pipelines"})
	if result.IsError {
		t.Fatalf("unexpected error: %s", result.Content)
	}
	if result.Content != "No pipelines found." {
		t.Errorf("content = %q", result.Content)
	}
}

func TestDevOpsResolvePipeline(t *testing.T) {
	finder := &stubFinder{pipeline: &domain.Pipeline{ID: 7, Name: "Deploy Auth Service", Folder: "\\services"}}
	tool := newTestDevOpsTool(nil, nil, finder, nil)

	result := execTool(t, tool, map[string]any{"action": "resolve_pipeline", "description": "deploy auth service"})
	if result.IsError {
		t.Fatalf("unexpected error: %s", result.Content)
	}

	var resolved struct {
		PipelineID   int    `json:"pipeline_id"`
		PipelineName string `json:"pipeline_name"`
		Folder       string `json:"folder"`
	}
	if err := json.Unmarshal([]byte(result.Content), &resolved); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resolved.PipelineID != 7 || resolved.PipelineName != "Deploy Auth Service" {
		t.Errorf("resolved = %+v", resolved)
	}
}

func TestDevOpsResolvePipelineRequiresDescription(t *testing.T) {
	tool := newTestDevOpsTool(nil, nil, nil, nil)

	result := execTool(t, tool, map[string]any{"action": "resolve_pipeline"})
	if !result.IsError {
		t.Fatal("expected error result")
	}
	if result.Content != "'description' is required" {
		t.Errorf("content = %q", result.Content)
	}
}

func TestDevOpsResolvePipelineNoMatch(t *testing.T) {
	finder := &stubFinder{err: fmt.Errorf("resolve %q: %w", "no such thing", domain.ErrNotFound)}
	tool := newTestDevOpsTool(nil, nil, finder, nil)

	result := execTool(t, tool, map[string]any{"action": "resolve_pipeline", "description": "no such thing"})
	if !result.IsError {
		t.Fatal("expected error result")
	}
	if !strings.Contains(result.Content, "not found") {
		t.Errorf("content = %q", result.Content)
	}
}

func TestDevOpsDispatch(t *testing.T) {
	dispatcher := &stubDispatcher{result: domain.DispatchResult{
		Status: domain.DispatchQueued,
		RunID:  "556",
		RunURL: "https://dev.azure.com/org/proj/_build/results?buildId=556",
	}}
	tool := newTestDevOpsTool(nil, nil, nil, dispatcher)

	result := execTool(t, tool, map[string]any{
		"action":      "dispatch",
		"pipeline_id": 7,
		"parameters":  map[string]string{"environment": "staging"},
		"branch":      "refs/heads/release",
	})
	if result.IsError {
		t.Fatalf("unexpected error: %s", result.Content)
	}

	if dispatcher.got.PipelineID != 7 {
		t.Errorf("dispatched pipeline = %d", dispatcher.got.PipelineID)
	}
	if dispatcher.got.Parameters["environment"] != "staging" {
		t.Errorf("dispatched parameters = %v", dispatcher.got.Parameters)
	}
	if dispatcher.got.Branch != "refs/heads/release" {
		t.Errorf("dispatched branch = %q", dispatcher.got.Branch)
	}

	var dr domain.DispatchResult
	if err := json.Unmarshal([]byte(result.Content), &dr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !dr.Queued() || dr.RunID != "556" {
		t.Errorf("dispatch result = %+v", dr)
	}
}

func TestDevOpsDispatchFailureIsNotToolError(t *testing.T) {
	dispatcher := &stubDispatcher{result: domain.DispatchResult{
		Status: domain.DispatchFailed,
		Detail: "pipeline 7 rejected the request",
	}}
	tool := newTestDevOpsTool(nil, nil, nil, dispatcher)

	result := execTool(t, tool, map[string]any{"action": "dispatch", "pipeline_id": 7})
	// A failed dispatch is a normal outcome; the failure travels in the result body.
	if result.IsError {
		t.Fatalf("dispatch failure must not be a tool error: %s", result.Content)
	}

	var dr domain.DispatchResult
	if err := json.Unmarshal([]byte(result.Content), &dr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dr.Status != domain.DispatchFailed || dr.Detail != "pipeline 7 rejected the request" {
		t.Errorf("dispatch result = %+v", dr)
	}
}

func TestDevOpsDispatchRequiresPipelineID(t *testing.T) {
	tool := newTestDevOpsTool(nil, nil, nil, nil)

	result := execTool(t, tool, map[string]any{"action": "dispatch"})
	if !result.IsError {
		t.Fatal("expected error result")
	}
	if result.Content != "'pipeline_id' is required and must be > 0" {
		t.Errorf("content = %q", result.Content)
	}
}

func TestDevOpsQueueBuild(t *testing.T) {
	backend := &stubBackend{queued: &domain.DispatchResult{
		Status: domain.DispatchQueued,
		RunID:  "557",
	}}
	tool := newTestDevOpsTool(backend, nil, nil, nil)

	result := execTool(t, tool, map[string]any{
		"action":      "queue_build",
		"pipeline_id": 9,
		"parameters":  map[string]string{"configuration": "Release"},
	})
	if result.IsError {
		t.Fatalf("unexpected error: %s", result.Content)
	}

	if backend.queuedPipelineID != 9 {
		t.Errorf("queued pipeline = %d", backend.queuedPipelineID)
	}
	if backend.queuedParams["configuration"] != "Release" {
		t.Errorf("queued parameters = %v", backend.queuedParams)
	}

	var dr domain.DispatchResult
	if err := json.Unmarshal([]byte(result.Content), &dr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dr.RunID != "557" {
		t.Errorf("queue result = %+v", dr)
	}
}

func TestDevOpsRateLimited(t *testing.T) {
	backend := &stubBackend{pipelines: []domain.Pipeline{{ID: 7, Name: "Deploy Auth Service"}}}
	tool := NewDevOpsTool(backend, &stubReader{}, &stubFinder{}, &stubDispatcher{}, 1, toolTestLogger())

	first := execTool(t, tool, map[string]any{"action": "list_pipelines"})
	if first.IsError {
		t.Fatalf("first call must pass: %s", first.Content)
	}

	second := execTool(t, tool, map[string]any{"action": "list_pipelines"})
	if !second.IsError {
		t.Fatal("second call must be rate limited")
	}
	if !second.IsRetryable {
		t.Error("rate limit errors are retryable")
	}
	if !strings.Contains(second.Content, "rate limit exceeded") {
		t.Errorf("content = %q", second.Content)
	}
}

func TestDevOpsUnknownAction(t *testing.T) {
	tool := newTestDevOpsTool(nil, nil, nil, nil)

	result := execTool(t, tool, map[string]any{"action": "reboot"})
	if !result.IsError {
		t.Fatal("expected error result")
	}
	want := `unknown action "reboot" (want: dispatch, get_work_item, list_pipelines, queue_build, read_description, resolve_pipeline)`
	if result.Content != want {
		t.Errorf("content = %q", result.Content)
	}
}

func TestDevOpsSchemaCompiles(t *testing.T) {
	tool := newTestDevOpsTool(nil, nil, nil, nil)
	if _, err := WithSchemaValidation(tool); err != nil {
		t.Fatalf("schema must compile: %v", err)
	}
}
