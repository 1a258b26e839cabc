// Package dashboard implements a Bubble Tea terminal dashboard showing
// workflow runs from the store, refreshed on a polling tick.
package dashboard

import (
	"time"

	"opsflow/internal/domain"
)

// runsMsg carries the result of a store poll.
type runsMsg struct {
	Runs []domain.WorkflowRun
	Err  error
}

// tickMsg fires on the refresh interval.
type tickMsg time.Time
