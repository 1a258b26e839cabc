package dashboard

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// fetchRunsCmd polls the store asynchronously.
func fetchRunsCmd(source RunSource, limit int) tea.Cmd {
	return func() tea.Msg {
		runs, err := source.ListRuns(context.Background(), limit)
		return runsMsg{Runs: runs, Err: err}
	}
}

// tickCmd schedules the next refresh.
func tickCmd(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}
