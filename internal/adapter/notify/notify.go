// Package notify announces terminal workflow runs to chat destinations.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"opsflow/internal/domain"
)

const deliveryTimeout = 10 * time.Second

// Announcement is a terminal-run summary handed to each notifier.
type Announcement struct {
	RunID  string
	Failed bool
	Text   string
}

// Notifier delivers an announcement to one destination.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, a Announcement) error
}

// RunGetter loads run details for announcements.
// Satisfied by the workflow stores.
type RunGetter interface {
	GetRun(ctx context.Context, id string) (*domain.WorkflowRun, error)
}

// Manager subscribes to terminal run events and fans announcements out to
// the configured notifiers. Delivery failures are logged and never affect
// the run outcome.
type Manager struct {
	bus       domain.EventBus
	store     RunGetter
	notifiers []Notifier
	logger    *slog.Logger
	unsubs    []func()
}

// NewManager creates a notification manager. Call Start to begin listening.
func NewManager(bus domain.EventBus, store RunGetter, logger *slog.Logger, notifiers ...Notifier) *Manager {
	return &Manager{
		bus:       bus,
		store:     store,
		notifiers: notifiers,
		logger:    logger,
	}
}

// Start subscribes to workflow completion and failure events.
func (m *Manager) Start() {
	m.unsubs = append(m.unsubs,
		m.bus.Subscribe(domain.EventWorkflowCompleted, m.onTerminal),
		m.bus.Subscribe(domain.EventWorkflowFailed, m.onTerminal),
	)
	names := make([]string, len(m.notifiers))
	for i, n := range m.notifiers {
		names[i] = n.Name()
	}
	m.logger.Info("notifications started", "notifiers", names)
}

// Stop unsubscribes from the bus.
func (m *Manager) Stop() {
	for _, unsub := range m.unsubs {
		unsub()
	}
	m.unsubs = nil
}

func (m *Manager) onTerminal(ctx context.Context, event domain.Event) {
	run, err := m.store.GetRun(ctx, event.RunID)
	if err != nil {
		m.logger.Warn("notify: run lookup failed", "run_id", event.RunID, "error", err)
		return
	}
	a := formatRun(run)

	// Deliveries outlive the publishing request; bound them with our own
	// timeout instead.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
	defer cancel()

	for _, n := range m.notifiers {
		if err := n.Notify(ctx, a); err != nil {
			m.logger.Warn("notify delivery failed", "notifier", n.Name(), "run_id", run.ID, "error", err)
		}
	}
}

func formatRun(run *domain.WorkflowRun) Announcement {
	a := Announcement{RunID: run.ID, Failed: run.State == domain.StateFailed}
	if a.Failed {
		a.Text = fmt.Sprintf("workflow %s: work item #%d failed: %s", run.ID, run.WorkItemID, run.FailureReason)
		return a
	}
	a.Text = fmt.Sprintf("workflow %s: work item #%d dispatched to pipeline %d", run.ID, run.WorkItemID, run.PipelineID)
	if run.Dispatch != nil {
		if run.Dispatch.RunID != "" {
			a.Text += ", build " + run.Dispatch.RunID
		}
		if run.Dispatch.RunURL != "" {
			a.Text += " (" + run.Dispatch.RunURL + ")"
		}
	}
	return a
}
