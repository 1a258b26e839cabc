package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"opsflow/internal/domain"
)

// Terminal failure reasons. Callers and notifiers rely on these exact strings.
const (
	ReasonDescriptionNotFound = "work item description not found"
	ReasonPipelineNotFound    = "pipeline not found for description"
)

// Step names recorded in the run's step log.
const (
	stepNameReadItem        = "read_item"
	stepNameResolvePipeline = "resolve_pipeline"
	stepNameDispatch        = "dispatch"
)

// SequencerConfig holds execution settings for the sequencer.
type SequencerConfig struct {
	// StepTimeout bounds each collaborator call. Expiry is a normal step
	// failure, not a special case. Zero disables the bound.
	StepTimeout time.Duration
	// MaxRunning caps concurrently executing workflow instances.
	MaxRunning int
}

// StartOptions holds per-run overrides.
type StartOptions struct {
	Parameters map[string]string
	Branch     string
}

// Sequencer drives the three-step workflow: read the work item description,
// resolve it to a pipeline, dispatch a run. Steps are strictly sequential and
// each executes at most once per run: the run is checkpointed to the store
// after every state change, and CurrentStep only advances once a step's
// result is recorded, so a resume after a crash continues at the first
// incomplete step without repeating completed ones.
//
// Instances share no mutable state between runs; each run owns its
// WorkflowRun and the store is the source of truth for resumption.
type Sequencer struct {
	store      domain.WorkflowStore
	reader     domain.WorkItemReader
	resolver   domain.PipelineResolver
	dispatcher domain.PipelineDispatcher
	cfg        SequencerConfig
	bus        domain.EventBus
	logger     *slog.Logger

	running atomic.Int32
}

// NewSequencer builds a sequencer. bus may be nil when no event fan-out is
// wanted.
func NewSequencer(
	store domain.WorkflowStore,
	reader domain.WorkItemReader,
	resolver domain.PipelineResolver,
	dispatcher domain.PipelineDispatcher,
	cfg SequencerConfig,
	bus domain.EventBus,
	logger *slog.Logger,
) *Sequencer {
	return &Sequencer{
		store:      store,
		reader:     reader,
		resolver:   resolver,
		dispatcher: dispatcher,
		cfg:        cfg,
		bus:        bus,
		logger:     logger,
	}
}

// Start creates a run for the given work item and executes it to a terminal
// state. The run is checkpointed before the first step so it is resumable
// from the moment Start returns a run ID.
func (s *Sequencer) Start(ctx context.Context, workItemID int, opts *StartOptions) (*domain.WorkflowRun, error) {
	run, err := s.begin(ctx, workItemID, opts)
	if err != nil {
		return nil, err
	}
	defer s.running.Add(-1)
	return s.advance(ctx, run), nil
}

// StartAsync creates and checkpoints a run, then executes it in the
// background. The returned snapshot reflects the run before any step has
// executed; callers poll GetRun for progress. Execution is detached from the
// caller's context: abandoning a workflow takes no compensating action, so a
// disconnecting client must not cancel a dispatch already under way.
func (s *Sequencer) StartAsync(ctx context.Context, workItemID int, opts *StartOptions) (*domain.WorkflowRun, error) {
	run, err := s.begin(ctx, workItemID, opts)
	if err != nil {
		return nil, err
	}

	snapshot := *run
	go func() {
		defer s.running.Add(-1)
		s.advance(context.WithoutCancel(ctx), run)
	}()
	return &snapshot, nil
}

// begin clamps concurrency, creates the run record, and checkpoints it.
// On success the running counter is held; the caller releases it.
func (s *Sequencer) begin(ctx context.Context, workItemID int, opts *StartOptions) (*domain.WorkflowRun, error) {
	if max := s.cfg.MaxRunning; max > 0 && int(s.running.Load()) >= max {
		return nil, domain.NewSubSystemError("workflow", "Sequencer.Start", domain.ErrLimitReached,
			fmt.Sprintf("%d/%d runs in flight", s.running.Load(), max))
	}
	s.running.Add(1)

	now := time.Now()
	run := &domain.WorkflowRun{
		ID:          generateRunID(now),
		WorkItemID:  workItemID,
		State:       domain.StateStarted,
		CurrentStep: domain.StepReadItem,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts != nil {
		run.Parameters = opts.Parameters
		run.Branch = opts.Branch
	}

	if err := s.store.SaveRun(ctx, *run); err != nil {
		s.running.Add(-1)
		return nil, domain.NewSubSystemError("workflow", "Sequencer.Start", domain.ErrStoreFailure, err.Error())
	}

	s.logger.Info("workflow started", "run_id", run.ID, "work_item_id", workItemID)
	s.emit(ctx, domain.EventWorkflowStarted, run.ID, map[string]any{
		"work_item_id": workItemID,
	})
	return run, nil
}

// Resume continues a previously checkpointed run from its first incomplete
// step. Terminal runs are returned unchanged.
func (s *Sequencer) Resume(ctx context.Context, runID string) (*domain.WorkflowRun, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.State.Terminal() {
		return run, nil
	}

	if max := s.cfg.MaxRunning; max > 0 && int(s.running.Load()) >= max {
		return nil, domain.NewSubSystemError("workflow", "Sequencer.Resume", domain.ErrLimitReached,
			fmt.Sprintf("%d/%d runs in flight", s.running.Load(), max))
	}
	s.running.Add(1)
	defer s.running.Add(-1)

	s.logger.Info("workflow resumed", "run_id", run.ID, "step", run.CurrentStep)
	return s.advance(ctx, run), nil
}

// GetRun returns a workflow run by ID.
func (s *Sequencer) GetRun(ctx context.Context, runID string) (*domain.WorkflowRun, error) {
	return s.store.GetRun(ctx, runID)
}

// ListRuns returns recent workflow runs, newest first.
func (s *Sequencer) ListRuns(ctx context.Context, limit int) ([]domain.WorkflowRun, error) {
	return s.store.ListRuns(ctx, limit)
}

// Running returns the number of workflow instances currently executing.
func (s *Sequencer) Running() int {
	return int(s.running.Load())
}

// --- step execution ---

func (s *Sequencer) advance(ctx context.Context, run *domain.WorkflowRun) *domain.WorkflowRun {
	for run.CurrentStep < domain.StepCount && !run.State.Terminal() {
		switch run.CurrentStep {
		case domain.StepReadItem:
			s.stepReadItem(ctx, run)
		case domain.StepResolvePipeline:
			s.stepResolvePipeline(ctx, run)
		case domain.StepDispatch:
			s.stepDispatch(ctx, run)
		}
	}

	if !run.State.Terminal() {
		s.finish(ctx, run, domain.StateCompleted, "")
	}
	return run
}

func (s *Sequencer) stepReadItem(ctx context.Context, run *domain.WorkflowRun) {
	s.enterStep(ctx, run, domain.StateReadingItem)

	stepCtx, cancel := s.stepContext(ctx)
	defer cancel()

	start := time.Now()
	desc, err := s.reader.ReadDescription(stepCtx, run.WorkItemID)
	if err != nil {
		s.recordStep(run, stepNameReadItem, "failed", err.Error(), start)
		s.finish(ctx, run, domain.StateFailed, ReasonDescriptionNotFound)
		return
	}

	run.Description = desc
	s.recordStep(run, stepNameReadItem, "completed", "", start)
	s.completeStep(ctx, run, stepNameReadItem)
}

func (s *Sequencer) stepResolvePipeline(ctx context.Context, run *domain.WorkflowRun) {
	s.enterStep(ctx, run, domain.StateResolvingPipeline)

	stepCtx, cancel := s.stepContext(ctx)
	defer cancel()

	start := time.Now()
	pipelineID, err := s.resolver.Resolve(stepCtx, run.Description)
	if err != nil {
		s.recordStep(run, stepNameResolvePipeline, "failed", err.Error(), start)
		s.finish(ctx, run, domain.StateFailed, ReasonPipelineNotFound)
		return
	}

	run.PipelineID = pipelineID
	s.recordStep(run, stepNameResolvePipeline, "completed", fmt.Sprintf("pipeline %d", pipelineID), start)
	s.completeStep(ctx, run, stepNameResolvePipeline)
}

func (s *Sequencer) stepDispatch(ctx context.Context, run *domain.WorkflowRun) {
	s.enterStep(ctx, run, domain.StateDispatching)

	stepCtx, cancel := s.stepContext(ctx)
	defer cancel()

	start := time.Now()
	result := s.dispatcher.Dispatch(stepCtx, domain.DispatchRequest{
		PipelineID: run.PipelineID,
		Parameters: run.Parameters,
		Branch:     run.Branch,
	})
	run.Dispatch = &result

	if !result.Queued() {
		s.recordStep(run, stepNameDispatch, "failed", result.Detail, start)
		s.finish(ctx, run, domain.StateFailed, result.Detail)
		return
	}

	s.recordStep(run, stepNameDispatch, "completed", result.RunID, start)
	s.emit(ctx, domain.EventDispatchQueued, run.ID, map[string]any{
		"pipeline_id":     run.PipelineID,
		"dispatch_run_id": result.RunID,
		"run_url":         result.RunURL,
	})
	s.completeStep(ctx, run, stepNameDispatch)
}

// enterStep marks the run as executing a step and checkpoints, so a crash
// mid-step resumes into the same step rather than skipping it.
func (s *Sequencer) enterStep(ctx context.Context, run *domain.WorkflowRun, state domain.WorkflowState) {
	run.State = state
	s.checkpoint(ctx, run)
}

// completeStep advances CurrentStep past a finished step and checkpoints.
// After this returns, a resume will not re-invoke the step.
func (s *Sequencer) completeStep(ctx context.Context, run *domain.WorkflowRun, name string) {
	run.CurrentStep++
	s.checkpoint(ctx, run)
	s.emit(ctx, domain.EventWorkflowStep, run.ID, map[string]any{
		"step":  name,
		"state": string(run.State),
	})
}

func (s *Sequencer) recordStep(run *domain.WorkflowRun, name, status, detail string, start time.Time) {
	run.Steps = append(run.Steps, domain.StepResult{
		Name:     name,
		Status:   status,
		Detail:   detail,
		Duration: time.Since(start),
	})
}

func (s *Sequencer) finish(ctx context.Context, run *domain.WorkflowRun, state domain.WorkflowState, reason string) {
	now := time.Now()
	run.State = state
	run.FailureReason = reason
	run.CompletedAt = &now
	s.checkpoint(ctx, run)

	if state == domain.StateFailed {
		s.logger.Warn("workflow failed", "run_id", run.ID, "reason", reason)
		s.emit(ctx, domain.EventWorkflowFailed, run.ID, map[string]any{
			"reason": reason,
		})
		return
	}

	s.logger.Info("workflow completed",
		"run_id", run.ID,
		"pipeline_id", run.PipelineID,
		"dispatch_run_id", run.Dispatch.RunID,
	)
	s.emit(ctx, domain.EventWorkflowCompleted, run.ID, map[string]any{
		"pipeline_id":     run.PipelineID,
		"dispatch_run_id": run.Dispatch.RunID,
	})
}

func (s *Sequencer) stepContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.StepTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.StepTimeout)
}

func (s *Sequencer) checkpoint(ctx context.Context, run *domain.WorkflowRun) {
	run.UpdatedAt = time.Now()
	if err := s.store.SaveRun(ctx, *run); err != nil {
		s.logger.Warn("checkpoint save failed", "run_id", run.ID, "error", err)
	}
}

func (s *Sequencer) emit(ctx context.Context, eventType domain.EventType, runID string, payload any) {
	if s.bus == nil {
		return
	}
	data, _ := json.Marshal(payload)
	s.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     runID,
		Payload:   data,
	})
}

func generateRunID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
