package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"opsflow/internal/domain"
	"opsflow/internal/infra/config"
	"opsflow/internal/usecase/scheduling"
	"opsflow/internal/usecase/workflow"
)

// WorkItemQuerier finds work item ids matching a WIQL query.
type WorkItemQuerier interface {
	QueryWorkItemIDs(ctx context.Context, wiql string, limit int) ([]int, error)
}

// RunFinder reports existing runs for a work item.
type RunFinder interface {
	FindRunsByWorkItem(ctx context.Context, workItemID int) ([]domain.WorkflowRun, error)
}

// WorkflowStarter launches workflow runs. Satisfied by workflow.Sequencer.
type WorkflowStarter interface {
	Start(ctx context.Context, workItemID int, opts *workflow.StartOptions) (*domain.WorkflowRun, error)
}

const defaultBatchLimit = 10

// Poller periodically queries Azure DevOps for work items awaiting dispatch
// and starts a workflow for each one that has no run yet. Work items that
// already have a run, in any state, are left alone; the dedupe is what keeps
// a recurring poll from dispatching the same ticket on every cycle.
type Poller struct {
	querier WorkItemQuerier
	finder  RunFinder
	starter WorkflowStarter
	cfg     config.PollerConfig
	bus     domain.EventBus
	logger  *slog.Logger
}

// New creates a poller. The bus may be nil.
func New(querier WorkItemQuerier, finder RunFinder, starter WorkflowStarter, cfg config.PollerConfig, bus domain.EventBus, logger *slog.Logger) *Poller {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = defaultBatchLimit
	}
	return &Poller{
		querier: querier,
		finder:  finder,
		starter: starter,
		cfg:     cfg,
		bus:     bus,
		logger:  logger,
	}
}

// Register wires the poll cycle into the scheduler.
func (p *Poller) Register(s *scheduling.Scheduler) error {
	s.RegisterAction(scheduling.ActionPollWorkItems, p.Poll)
	return s.AddTask(scheduling.ScheduledTask{
		Name:     "devops-poll",
		Schedule: p.cfg.Schedule,
		Action:   scheduling.ActionPollWorkItems,
		Timeout:  p.cfg.TaskTimeout,
	})
}

// Poll runs one cycle: query matching work items, start a workflow for each
// new one. Per-item failures are logged and skipped; only a failed query
// fails the cycle.
func (p *Poller) Poll(ctx context.Context) error {
	ids, err := p.querier.QueryWorkItemIDs(ctx, p.cfg.WIQL, p.cfg.BatchLimit)
	if err != nil {
		return fmt.Errorf("poll work items: %w", err)
	}

	p.emit(ctx, domain.EventPollerTick, "", map[string]any{"matched": len(ids)})

	started := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		runs, err := p.finder.FindRunsByWorkItem(ctx, id)
		if err != nil {
			p.logger.Warn("run lookup failed, skipping work item", "work_item_id", id, "error", err)
			continue
		}
		if len(runs) > 0 {
			p.logger.Debug("work item already has a run, skipping", "work_item_id", id, "run_id", runs[0].ID)
			continue
		}

		run, err := p.starter.Start(ctx, id, nil)
		if err != nil {
			if errors.Is(err, domain.ErrLimitReached) {
				// Remaining items are picked up on the next cycle.
				p.logger.Warn("run limit reached, deferring remaining work items", "deferred_after", id)
				return nil
			}
			p.logger.Warn("failed to start workflow for work item", "work_item_id", id, "error", err)
			continue
		}

		started++
		p.emit(ctx, domain.EventPollerMatched, run.ID, map[string]any{
			"work_item_id":    id,
			"workflow_run_id": run.ID,
		})
	}

	if started > 0 {
		p.logger.Info("poll cycle started workflows", "matched", len(ids), "started", started)
	}
	return nil
}

func (p *Poller) emit(ctx context.Context, eventType domain.EventType, runID string, payload any) {
	if p.bus == nil {
		return
	}
	data, _ := json.Marshal(payload)
	p.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     runID,
		Payload:   data,
	})
}
