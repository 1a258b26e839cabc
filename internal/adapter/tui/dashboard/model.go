package dashboard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"opsflow/internal/adapter/tui/theme"
	"opsflow/internal/domain"
)

const (
	defaultRefreshInterval = 2 * time.Second
	defaultRunLimit        = 50
)

// Ensure *Model satisfies tea.Model.
var _ tea.Model = (*Model)(nil)

// RunSource is the slice of the workflow store the dashboard reads.
type RunSource interface {
	ListRuns(ctx context.Context, limit int) ([]domain.WorkflowRun, error)
}

// Model is the root Bubble Tea model for the runs dashboard.
type Model struct {
	source   RunSource
	interval time.Duration
	limit    int

	table   table.Model
	runs    []domain.WorkflowRun
	lastErr string
	fetched time.Time

	width  int
	height int
	ready  bool
}

// New creates the dashboard model polling the given source.
func New(source RunSource) *Model {
	return &Model{
		source:   source,
		interval: defaultRefreshInterval,
		limit:    defaultRunLimit,
	}
}

// Init fires the first poll and starts the refresh ticker.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(fetchRunsCmd(m.source, m.limit), tickCmd(m.interval))
}

// Update handles messages.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true
		m.rebuildTable()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return m, tea.Quit
		case tea.KeyRunes:
			switch string(msg.Runes) {
			case "q":
				return m, tea.Quit
			case "r":
				return m, fetchRunsCmd(m.source, m.limit)
			}
		}

	case tickMsg:
		return m, tea.Batch(fetchRunsCmd(m.source, m.limit), tickCmd(m.interval))

	case runsMsg:
		if msg.Err != nil {
			// Keep showing the last good table; surface the error below it.
			m.lastErr = msg.Err.Error()
			return m, nil
		}
		m.lastErr = ""
		m.runs = msg.Runs
		m.fetched = time.Now()
		m.rebuildTable()
		return m, nil
	}

	// Delegate navigation keys to the table.
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// View renders the dashboard.
func (m *Model) View() string {
	if !m.ready {
		return "  Initializing..."
	}

	sections := []string{
		theme.Title.Render("opsflow runs"),
		m.summaryLine(),
		theme.BorderNormal.Render(m.table.View()),
	}
	if m.lastErr != "" {
		sections = append(sections, theme.TextError.Render("  "+theme.SymbolError+" "+m.lastErr))
	}
	sections = append(sections, m.statusBar())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// SelectedRunID returns the run ID of the highlighted row, or "".
func (m *Model) SelectedRunID() string {
	row := m.table.SelectedRow()
	if len(row) == 0 {
		return ""
	}
	return row[0]
}

func (m *Model) summaryLine() string {
	var completed, failed, inFlight int
	for _, r := range m.runs {
		switch r.State {
		case domain.StateCompleted:
			completed++
		case domain.StateFailed:
			failed++
		default:
			inFlight++
		}
	}

	sep := " " + theme.SymbolBullet + " "
	parts := []string{
		fmt.Sprintf("%d runs", len(m.runs)),
		theme.TextSuccess.Render(fmt.Sprintf("%d completed", completed)),
		theme.TextError.Render(fmt.Sprintf("%d failed", failed)),
		theme.TextInfo.Render(fmt.Sprintf("%d in flight", inFlight)),
	}
	return theme.TextMuted.Render("  ") + strings.Join(parts, theme.TextMuted.Render(sep))
}

func (m *Model) statusBar() string {
	hints := []struct{ key, desc string }{
		{"r", "Refresh"},
		{"j/k", "Move"},
		{"q", "Quit"},
	}
	var left []string
	for _, h := range hints {
		left = append(left, theme.StatusKey.Render(h.key)+": "+h.desc)
	}
	leftView := strings.Join(left, "  "+theme.Dim.Render("|")+"  ")

	var right string
	if !m.fetched.IsZero() {
		right = theme.TextMuted.Render("updated " + m.fetched.Format("15:04:05"))
	}

	gap := m.width - lipgloss.Width(leftView) - lipgloss.Width(right)
	if gap < 1 {
		gap = 1
	}
	return theme.StatusBar.Width(m.width).Render(leftView + strings.Repeat(" ", gap) + right)
}

func (m *Model) rebuildTable() {
	if !m.ready {
		return
	}

	const (
		idW       = 26
		itemW     = 7
		pipelineW = 9
		ageW      = 13
	)
	stateW := theme.Clamp(m.width-idW-itemW-pipelineW-ageW-12, 12, 24)

	columns := []table.Column{
		{Title: "Run ID", Width: idW},
		{Title: "Item", Width: itemW},
		{Title: "State", Width: stateW},
		{Title: "Pipeline", Width: pipelineW},
		{Title: "Age", Width: ageW},
	}

	rows := make([]table.Row, 0, len(m.runs))
	for _, r := range m.runs {
		pipeline := "-"
		if r.PipelineID != 0 {
			pipeline = fmt.Sprintf("#%d", r.PipelineID)
		}
		rows = append(rows, table.Row{
			r.ID,
			fmt.Sprintf("#%d", r.WorkItemID),
			stateBadge(r.State),
			pipeline,
			relativeAge(r.CreatedAt),
		})
	}

	tableH := theme.Clamp(m.height-7, 3, 40)

	t := table.New(
		table.WithColumns(columns),
		table.WithRows(rows),
		table.WithFocused(true),
		table.WithHeight(tableH),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(theme.ColorBorder).
		BorderBottom(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57"))
	t.SetStyles(s)

	m.table = t
}

// stateBadge renders a state with its symbol and color.
func stateBadge(state domain.WorkflowState) string {
	switch state {
	case domain.StateCompleted:
		return theme.TextSuccess.Render(theme.SymbolSuccess + " completed")
	case domain.StateFailed:
		return theme.TextError.Render(theme.SymbolError + " failed")
	default:
		return theme.TextInfo.Render(theme.SymbolRunning + " " + string(state))
	}
}

// relativeAge formats how long ago t was, switching to an absolute
// timestamp past one day.
func relativeAge(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2 15:04")
	}
}
