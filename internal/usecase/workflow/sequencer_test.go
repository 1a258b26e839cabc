package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"opsflow/internal/domain"
)

// --- fakes ---

type fakeReader struct {
	descriptions map[int]string
	err          error
	delay        time.Duration
	calls        int
}

func (f *fakeReader) ReadDescription(ctx context.Context, workItemID int) (string, error) {
	f.calls++
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", fmt.Errorf("%w: work item %d: %v", domain.ErrNotFound, workItemID, ctx.Err())
		}
	}
	if f.err != nil {
		return "", f.err
	}
	desc, ok := f.descriptions[workItemID]
	if !ok || desc == "" {
		return "", fmt.Errorf("%w: work item %d", domain.ErrNotFound, workItemID)
	}
	return desc, nil
}

// fakeResolver applies the real matching policy over a fixed catalog.
type fakeResolver struct {
	catalog []domain.Pipeline
	err     error
	calls   int
}

func (f *fakeResolver) Resolve(_ context.Context, intent string) (int, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	needle := strings.ToLower(intent)
	for _, p := range f.catalog {
		if strings.Contains(strings.ToLower(p.Name), needle) {
			return p.ID, nil
		}
	}
	return 0, fmt.Errorf("%w: pipeline for %q", domain.ErrNotFound, intent)
}

type fakeDispatcher struct {
	failDetail string
	block      chan struct{} // when set, Dispatch waits for it to close
	calls      int
	lastReq    domain.DispatchRequest
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, req domain.DispatchRequest) domain.DispatchResult {
	f.calls++
	f.lastReq = req
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
		}
	}
	if f.failDetail != "" {
		return domain.DispatchResult{Status: domain.DispatchFailed, Detail: f.failDetail}
	}
	return domain.DispatchResult{
		Status: domain.DispatchQueued,
		RunID:  fmt.Sprintf("run-%d", f.calls),
		RunURL: fmt.Sprintf("https://ci.example.com/runs/%d", f.calls),
	}
}

// mockEventBus captures published events.
type mockEventBus struct {
	events []domain.Event
}

func (m *mockEventBus) Publish(_ context.Context, event domain.Event) {
	m.events = append(m.events, event)
}
func (m *mockEventBus) Subscribe(_ domain.EventType, _ domain.EventHandler) func() { return func() {} }
func (m *mockEventBus) SubscribeAll(_ domain.EventHandler) func()                  { return func() {} }
func (m *mockEventBus) Close()                                                     {}

func (m *mockEventBus) hasEvent(t domain.EventType) bool {
	for _, e := range m.events {
		if e.Type == t {
			return true
		}
	}
	return false
}

// recordingStore captures every checkpoint written through it.
type recordingStore struct {
	inner     domain.WorkflowStore
	snapshots []domain.WorkflowRun
}

func (r *recordingStore) SaveRun(ctx context.Context, run domain.WorkflowRun) error {
	r.snapshots = append(r.snapshots, run)
	return r.inner.SaveRun(ctx, run)
}
func (r *recordingStore) GetRun(ctx context.Context, id string) (*domain.WorkflowRun, error) {
	return r.inner.GetRun(ctx, id)
}
func (r *recordingStore) ListRuns(ctx context.Context, limit int) ([]domain.WorkflowRun, error) {
	return r.inner.ListRuns(ctx, limit)
}
func (r *recordingStore) DeleteRun(ctx context.Context, id string) error {
	return r.inner.DeleteRun(ctx, id)
}

type failingStore struct{}

func (failingStore) SaveRun(_ context.Context, _ domain.WorkflowRun) error {
	return errors.New("disk full")
}
func (failingStore) GetRun(_ context.Context, id string) (*domain.WorkflowRun, error) {
	return nil, domain.NewSubSystemError("workflow", "failingStore.GetRun", domain.ErrNotFound, id)
}
func (failingStore) ListRuns(_ context.Context, _ int) ([]domain.WorkflowRun, error) {
	return nil, nil
}
func (failingStore) DeleteRun(_ context.Context, _ string) error { return nil }

// --- helpers ---

func defaultCatalog() []domain.Pipeline {
	return []domain.Pipeline{
		{ID: 1, Name: "DB-Creation-Pipeline"},
		{ID: 2, Name: "VM-Provisioning-Pipeline"},
	}
}

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "runs.json"), 0)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return store
}

func newTestSequencer(store domain.WorkflowStore, reader domain.WorkItemReader, resolver domain.PipelineResolver, dispatcher domain.PipelineDispatcher, bus domain.EventBus) *Sequencer {
	return NewSequencer(store, reader, resolver, dispatcher, SequencerConfig{
		StepTimeout: 5 * time.Second,
		MaxRunning:  4,
	}, bus, slog.Default())
}

// --- tests ---

func TestSequencerAllStepsSucceed(t *testing.T) {
	reader := &fakeReader{descriptions: map[int]string{42: "VM-Provisioning"}}
	resolver := &fakeResolver{catalog: defaultCatalog()}
	dispatcher := &fakeDispatcher{}
	seq := newTestSequencer(newTestStore(t), reader, resolver, dispatcher, nil)

	run, err := seq.Start(context.Background(), 42, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if run.State != domain.StateCompleted {
		t.Fatalf("expected completed, got %s (reason: %s)", run.State, run.FailureReason)
	}
	if run.Description != "VM-Provisioning" {
		t.Errorf("description = %q", run.Description)
	}
	if run.PipelineID != 2 {
		t.Errorf("pipeline id = %d, want 2", run.PipelineID)
	}
	if run.Dispatch == nil || run.Dispatch.RunID != "run-1" {
		t.Errorf("expected dispatch run id run-1, got %+v", run.Dispatch)
	}
	if run.CompletedAt == nil {
		t.Error("CompletedAt should be set on a terminal run")
	}
	if len(run.Steps) != 3 {
		t.Fatalf("expected 3 step records, got %d", len(run.Steps))
	}
	for _, s := range run.Steps {
		if s.Status != "completed" {
			t.Errorf("step %s status = %s", s.Name, s.Status)
		}
	}
}

func TestSequencerNoDescription(t *testing.T) {
	reader := &fakeReader{descriptions: map[int]string{}}
	resolver := &fakeResolver{catalog: defaultCatalog()}
	dispatcher := &fakeDispatcher{}
	seq := newTestSequencer(newTestStore(t), reader, resolver, dispatcher, nil)

	run, err := seq.Start(context.Background(), 7, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if run.State != domain.StateFailed {
		t.Fatalf("expected failed, got %s", run.State)
	}
	if run.FailureReason != ReasonDescriptionNotFound {
		t.Errorf("reason = %q, want %q", run.FailureReason, ReasonDescriptionNotFound)
	}
	if resolver.calls != 0 {
		t.Errorf("resolver should not be invoked, got %d calls", resolver.calls)
	}
	if dispatcher.calls != 0 {
		t.Errorf("dispatcher should not be invoked, got %d calls", dispatcher.calls)
	}
	if run.Description != "" || run.PipelineID != 0 || run.Dispatch != nil {
		t.Errorf("no later field may be set after step 1 failure: %+v", run)
	}
}

func TestSequencerNoPipelineMatch(t *testing.T) {
	reader := &fakeReader{descriptions: map[int]string{42: "Unrelated-Topic"}}
	resolver := &fakeResolver{catalog: defaultCatalog()}
	dispatcher := &fakeDispatcher{}
	seq := newTestSequencer(newTestStore(t), reader, resolver, dispatcher, nil)

	run, err := seq.Start(context.Background(), 42, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if run.State != domain.StateFailed {
		t.Fatalf("expected failed, got %s", run.State)
	}
	if run.FailureReason != ReasonPipelineNotFound {
		t.Errorf("reason = %q, want %q", run.FailureReason, ReasonPipelineNotFound)
	}
	if dispatcher.calls != 0 {
		t.Errorf("dispatcher should not be invoked, got %d calls", dispatcher.calls)
	}
	if run.Description != "Unrelated-Topic" {
		t.Errorf("description should be recorded before the failing step, got %q", run.Description)
	}
	if run.PipelineID != 0 || run.Dispatch != nil {
		t.Errorf("no later field may be set after step 2 failure: %+v", run)
	}
}

func TestSequencerDispatchFailure(t *testing.T) {
	reader := &fakeReader{descriptions: map[int]string{42: "VM-Provisioning"}}
	resolver := &fakeResolver{catalog: defaultCatalog()}
	dispatcher := &fakeDispatcher{failDetail: "devops api 500: agent pool exhausted"}
	seq := newTestSequencer(newTestStore(t), reader, resolver, dispatcher, nil)

	run, err := seq.Start(context.Background(), 42, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if run.State != domain.StateFailed {
		t.Fatalf("expected failed, got %s", run.State)
	}
	if run.FailureReason != "devops api 500: agent pool exhausted" {
		t.Errorf("reason must be the dispatcher detail verbatim, got %q", run.FailureReason)
	}
	if run.Dispatch == nil || run.Dispatch.Status != domain.DispatchFailed {
		t.Errorf("failed dispatch result should be recorded, got %+v", run.Dispatch)
	}
	if dispatcher.calls != 1 {
		t.Errorf("dispatcher calls = %d, want 1", dispatcher.calls)
	}
}

func TestSequencerCheckpointInvariant(t *testing.T) {
	store := &recordingStore{inner: newTestStore(t)}
	reader := &fakeReader{descriptions: map[int]string{42: "VM-Provisioning"}}
	resolver := &fakeResolver{catalog: defaultCatalog()}
	seq := newTestSequencer(store, reader, resolver, &fakeDispatcher{}, nil)

	if _, err := seq.Start(context.Background(), 42, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if len(store.snapshots) < 4 {
		t.Fatalf("expected a checkpoint per state change, got %d", len(store.snapshots))
	}

	first := store.snapshots[0]
	if first.State != domain.StateStarted || first.CurrentStep != domain.StepReadItem {
		t.Errorf("first checkpoint = (%s, %d), want (started, 0)", first.State, first.CurrentStep)
	}
	last := store.snapshots[len(store.snapshots)-1]
	if last.State != domain.StateCompleted {
		t.Errorf("last checkpoint state = %s, want completed", last.State)
	}

	// Fields populate strictly in order in every durable snapshot.
	for i, snap := range store.snapshots {
		if snap.PipelineID != 0 && snap.Description == "" {
			t.Errorf("snapshot %d: pipeline id set before description", i)
		}
		if snap.Dispatch != nil && snap.PipelineID == 0 {
			t.Errorf("snapshot %d: dispatch result set before pipeline id", i)
		}
	}

	// Step results are durable before the next step begins.
	var sawDescriptionBeforeResolve bool
	for _, snap := range store.snapshots {
		if snap.CurrentStep == domain.StepResolvePipeline && snap.Description != "" && snap.State != domain.StateResolvingPipeline {
			sawDescriptionBeforeResolve = true
		}
	}
	if !sawDescriptionBeforeResolve {
		t.Error("description must be checkpointed before the resolve step starts")
	}
}

func TestSequencerResumeSkipsCompletedSteps(t *testing.T) {
	store := newTestStore(t)
	reader := &fakeReader{descriptions: map[int]string{42: "VM-Provisioning"}}
	resolver := &fakeResolver{catalog: defaultCatalog()}
	dispatcher := &fakeDispatcher{}
	seq := newTestSequencer(store, reader, resolver, dispatcher, nil)

	// A run checkpointed right after step 1 completed: description recorded,
	// CurrentStep already advanced past the read step.
	now := time.Now()
	checkpointed := domain.WorkflowRun{
		ID:          "01J94RESUME0000000000000000",
		WorkItemID:  42,
		State:       domain.StateReadingItem,
		CurrentStep: domain.StepResolvePipeline,
		Description: "VM-Provisioning",
		Steps:       []domain.StepResult{{Name: "read_item", Status: "completed"}},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := store.SaveRun(context.Background(), checkpointed); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	run, err := seq.Resume(context.Background(), checkpointed.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}

	if reader.calls != 0 {
		t.Errorf("completed step was re-invoked: reader calls = %d", reader.calls)
	}
	if resolver.calls != 1 || dispatcher.calls != 1 {
		t.Errorf("remaining steps should run once: resolver=%d dispatcher=%d", resolver.calls, dispatcher.calls)
	}
	if run.State != domain.StateCompleted {
		t.Fatalf("expected completed, got %s (reason: %s)", run.State, run.FailureReason)
	}
	if run.PipelineID != 2 {
		t.Errorf("pipeline id = %d, want 2", run.PipelineID)
	}
}

func TestSequencerResumeAtDispatchStep(t *testing.T) {
	store := newTestStore(t)
	reader := &fakeReader{}
	resolver := &fakeResolver{}
	dispatcher := &fakeDispatcher{}
	seq := newTestSequencer(store, reader, resolver, dispatcher, nil)

	now := time.Now()
	checkpointed := domain.WorkflowRun{
		ID:          "01J94RESUME0000000000000001",
		WorkItemID:  42,
		State:       domain.StateResolvingPipeline,
		CurrentStep: domain.StepDispatch,
		Description: "VM-Provisioning",
		PipelineID:  2,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := store.SaveRun(context.Background(), checkpointed); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	run, err := seq.Resume(context.Background(), checkpointed.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}

	if reader.calls != 0 || resolver.calls != 0 {
		t.Errorf("earlier steps re-invoked: reader=%d resolver=%d", reader.calls, resolver.calls)
	}
	if dispatcher.calls != 1 {
		t.Errorf("dispatcher calls = %d, want 1", dispatcher.calls)
	}
	if run.State != domain.StateCompleted {
		t.Fatalf("expected completed, got %s", run.State)
	}
	if dispatcher.lastReq.PipelineID != 2 {
		t.Errorf("dispatch used pipeline %d, want checkpointed 2", dispatcher.lastReq.PipelineID)
	}
}

func TestSequencerResumeTerminalRunIsNoOp(t *testing.T) {
	store := newTestStore(t)
	reader := &fakeReader{}
	resolver := &fakeResolver{}
	dispatcher := &fakeDispatcher{}
	seq := newTestSequencer(store, reader, resolver, dispatcher, nil)

	now := time.Now()
	done := domain.WorkflowRun{
		ID:            "01J94RESUME0000000000000002",
		WorkItemID:    42,
		State:         domain.StateFailed,
		CurrentStep:   domain.StepResolvePipeline,
		Description:   "whatever",
		FailureReason: ReasonPipelineNotFound,
		CreatedAt:     now,
		UpdatedAt:     now,
		CompletedAt:   &now,
	}
	if err := store.SaveRun(context.Background(), done); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	run, err := seq.Resume(context.Background(), done.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}

	if run.State != domain.StateFailed || run.FailureReason != ReasonPipelineNotFound {
		t.Errorf("terminal run should be returned unchanged, got %+v", run)
	}
	if reader.calls+resolver.calls+dispatcher.calls != 0 {
		t.Error("no collaborator may be invoked for a terminal run")
	}
}

func TestSequencerResumeUnknownRun(t *testing.T) {
	seq := newTestSequencer(newTestStore(t), &fakeReader{}, &fakeResolver{}, &fakeDispatcher{}, nil)

	_, err := seq.Resume(context.Background(), "no-such-run")
	if err == nil {
		t.Fatal("expected error for unknown run")
	}
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSequencerDispatchNotDeduplicated(t *testing.T) {
	reader := &fakeReader{descriptions: map[int]string{42: "VM-Provisioning"}}
	resolver := &fakeResolver{catalog: defaultCatalog()}
	dispatcher := &fakeDispatcher{}
	seq := newTestSequencer(newTestStore(t), reader, resolver, dispatcher, nil)

	first, err := seq.Start(context.Background(), 42, nil)
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	second, err := seq.Start(context.Background(), 42, nil)
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}

	if dispatcher.calls != 2 {
		t.Fatalf("dispatcher calls = %d, want 2", dispatcher.calls)
	}
	if first.Dispatch.RunID == second.Dispatch.RunID {
		t.Errorf("two dispatches must produce distinct run ids, both %q", first.Dispatch.RunID)
	}
	if first.ID == second.ID {
		t.Error("two workflow runs must have distinct ids")
	}
}

func TestSequencerParametersAndBranchFlowThrough(t *testing.T) {
	reader := &fakeReader{descriptions: map[int]string{42: "DB-Creation"}}
	resolver := &fakeResolver{catalog: defaultCatalog()}
	dispatcher := &fakeDispatcher{}
	seq := newTestSequencer(newTestStore(t), reader, resolver, dispatcher, nil)

	run, err := seq.Start(context.Background(), 42, &StartOptions{
		Parameters: map[string]string{"topic": "db-create"},
		Branch:     "release/2026.08",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if run.State != domain.StateCompleted {
		t.Fatalf("expected completed, got %s", run.State)
	}
	if dispatcher.lastReq.PipelineID != 1 {
		t.Errorf("pipeline id = %d, want 1", dispatcher.lastReq.PipelineID)
	}
	if dispatcher.lastReq.Parameters["topic"] != "db-create" {
		t.Errorf("parameters not passed through: %+v", dispatcher.lastReq.Parameters)
	}
	if dispatcher.lastReq.Branch != "release/2026.08" {
		t.Errorf("branch = %q", dispatcher.lastReq.Branch)
	}
}

func TestSequencerStepTimeout(t *testing.T) {
	store := newTestStore(t)
	reader := &fakeReader{
		descriptions: map[int]string{42: "VM-Provisioning"},
		delay:        2 * time.Second,
	}
	seq := NewSequencer(store, reader, &fakeResolver{catalog: defaultCatalog()}, &fakeDispatcher{}, SequencerConfig{
		StepTimeout: 50 * time.Millisecond,
		MaxRunning:  4,
	}, nil, slog.Default())

	start := time.Now()
	run, err := seq.Start(context.Background(), 42, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if run.State != domain.StateFailed {
		t.Fatalf("expected failed, got %s", run.State)
	}
	if run.FailureReason != ReasonDescriptionNotFound {
		t.Errorf("timeout is a normal step failure, reason = %q", run.FailureReason)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("step should be cut off by its timeout, took %v", elapsed)
	}
}

func TestSequencerMaxRunningClamp(t *testing.T) {
	store := newTestStore(t)
	release := make(chan struct{})
	dispatcher := &fakeDispatcher{block: release}
	reader := &fakeReader{descriptions: map[int]string{42: "VM-Provisioning", 43: "DB-Creation"}}
	resolver := &fakeResolver{catalog: defaultCatalog()}
	seq := NewSequencer(store, reader, resolver, dispatcher, SequencerConfig{
		StepTimeout: 5 * time.Second,
		MaxRunning:  1,
	}, nil, slog.Default())

	first, err := seq.StartAsync(context.Background(), 42, nil)
	if err != nil {
		t.Fatalf("StartAsync: %v", err)
	}

	_, err = seq.Start(context.Background(), 43, nil)
	if !errors.Is(err, domain.ErrLimitReached) {
		t.Fatalf("expected ErrLimitReached while a run is in flight, got %v", err)
	}

	close(release)

	deadline := time.Now().Add(5 * time.Second)
	for {
		run, err := seq.GetRun(context.Background(), first.ID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if run.State.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run did not finish, state %s", run.State)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := seq.Start(context.Background(), 43, nil); err != nil {
		t.Fatalf("Start after slot freed: %v", err)
	}
}

func TestSequencerStartAsyncReturnsBeforeTerminal(t *testing.T) {
	store := newTestStore(t)
	release := make(chan struct{})
	dispatcher := &fakeDispatcher{block: release}
	reader := &fakeReader{descriptions: map[int]string{42: "VM-Provisioning"}}
	seq := newTestSequencer(store, reader, &fakeResolver{catalog: defaultCatalog()}, dispatcher, nil)

	snapshot, err := seq.StartAsync(context.Background(), 42, nil)
	if err != nil {
		t.Fatalf("StartAsync: %v", err)
	}
	if snapshot.State.Terminal() {
		t.Errorf("snapshot should predate execution, state = %s", snapshot.State)
	}
	if snapshot.ID == "" {
		t.Error("snapshot must carry the run id for polling")
	}

	close(release)

	deadline := time.Now().Add(5 * time.Second)
	for {
		run, err := seq.GetRun(context.Background(), snapshot.ID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if run.State.Terminal() {
			if run.State != domain.StateCompleted {
				t.Errorf("expected completed, got %s (reason %s)", run.State, run.FailureReason)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("run did not finish, state %s", run.State)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSequencerEventsPublished(t *testing.T) {
	bus := &mockEventBus{}
	reader := &fakeReader{descriptions: map[int]string{42: "VM-Provisioning"}}
	seq := newTestSequencer(newTestStore(t), reader, &fakeResolver{catalog: defaultCatalog()}, &fakeDispatcher{}, bus)

	if _, err := seq.Start(context.Background(), 42, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for _, want := range []domain.EventType{
		domain.EventWorkflowStarted,
		domain.EventWorkflowStep,
		domain.EventDispatchQueued,
		domain.EventWorkflowCompleted,
	} {
		if !bus.hasEvent(want) {
			t.Errorf("missing event %s", want)
		}
	}
	if bus.hasEvent(domain.EventWorkflowFailed) {
		t.Error("failed event published for a successful run")
	}
}

func TestSequencerFailureEventPublished(t *testing.T) {
	bus := &mockEventBus{}
	reader := &fakeReader{}
	seq := newTestSequencer(newTestStore(t), reader, &fakeResolver{}, &fakeDispatcher{}, bus)

	if _, err := seq.Start(context.Background(), 7, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !bus.hasEvent(domain.EventWorkflowFailed) {
		t.Error("missing workflow.failed event")
	}
	if bus.hasEvent(domain.EventWorkflowCompleted) {
		t.Error("completed event published for a failed run")
	}
}

func TestSequencerStartFailsWhenInitialCheckpointFails(t *testing.T) {
	reader := &fakeReader{descriptions: map[int]string{42: "VM-Provisioning"}}
	dispatcher := &fakeDispatcher{}
	seq := newTestSequencer(failingStore{}, reader, &fakeResolver{catalog: defaultCatalog()}, dispatcher, nil)

	_, err := seq.Start(context.Background(), 42, nil)
	if !errors.Is(err, domain.ErrStoreFailure) {
		t.Fatalf("expected ErrStoreFailure, got %v", err)
	}
	if reader.calls != 0 || dispatcher.calls != 0 {
		t.Error("no step may run without a durable initial checkpoint")
	}
}

func TestSequencerRunIDsAreULIDs(t *testing.T) {
	seq := newTestSequencer(newTestStore(t), &fakeReader{descriptions: map[int]string{42: "VM-Provisioning"}}, &fakeResolver{catalog: defaultCatalog()}, &fakeDispatcher{}, nil)

	run, err := seq.Start(context.Background(), 42, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(run.ID) != 26 {
		t.Errorf("run id %q is not a ULID", run.ID)
	}
}
