// Package tui implements `threadclaw top`, a live view of the task store.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/threadclaw/internal/persistence"
)

const recentTasks = 50

type Snapshot struct {
	DBOK             bool
	Counts           map[persistence.TaskStatus]int
	Locks            []persistence.Lock
	PendingApprovals int
	Tasks            []persistence.Task
	LastError        string
	TakenAt          time.Time
}

type StatusProvider func(ctx context.Context) Snapshot

// StoreProvider reads a snapshot straight from the store, so top works
// whether or not a daemon is running against the same database.
func StoreProvider(store *persistence.Store) StatusProvider {
	return func(ctx context.Context) Snapshot {
		snap := Snapshot{TakenAt: time.Now()}
		fail := func(err error) Snapshot {
			snap.LastError = err.Error()
			return snap
		}
		if err := store.Ping(ctx); err != nil {
			return fail(err)
		}
		snap.DBOK = true
		var err error
		if snap.Counts, err = store.StatusCounts(ctx); err != nil {
			return fail(err)
		}
		if snap.Locks, err = store.ListLocks(ctx); err != nil {
			return fail(err)
		}
		pending, err := store.ListPendingApprovals(ctx)
		if err != nil {
			return fail(err)
		}
		snap.PendingApprovals = len(pending)
		if snap.Tasks, _, err = store.ListTasks(ctx, "", recentTasks, 0); err != nil {
			return fail(err)
		}
		return snap
	}
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	countStyle = lipgloss.NewStyle().Padding(0, 1)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	statusColors = map[persistence.TaskStatus]lipgloss.Color{
		persistence.TaskStatusWaitingApproval:  "214",
		persistence.TaskStatusPending:          "39",
		persistence.TaskStatusRunning:          "45",
		persistence.TaskStatusSucceeded:        "42",
		persistence.TaskStatusFailed:           "196",
		persistence.TaskStatusRejected:         "241",
		persistence.TaskStatusAbortedOnRestart: "202",
	}
)

func taskColumns() []table.Column {
	return []table.Column{
		{Title: "ID", Width: 28},
		{Title: "Status", Width: 18},
		{Title: "Kind", Width: 8},
		{Title: "Lock", Width: 16},
		{Title: "Age", Width: 8},
	}
}

type model struct {
	ctx      context.Context
	provider StatusProvider
	snap     Snapshot
	table    table.Model
}

func newModel(ctx context.Context, provider StatusProvider) model {
	t := table.New(
		table.WithColumns(taskColumns()),
		table.WithFocused(true),
		table.WithHeight(15),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true)
	t.SetStyles(styles)
	m := model{ctx: ctx, provider: provider, table: t}
	m.apply(provider(ctx))
	return m
}

func (m *model) apply(snap Snapshot) {
	m.snap = snap
	m.table.SetRows(taskRows(snap.Tasks, snap.TakenAt))
}

func taskRows(tasks []persistence.Task, now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, table.Row{
			t.ID,
			string(t.Status),
			string(t.Kind),
			t.LockKey,
			formatAge(now.Sub(t.CreatedAt)),
		})
	}
	return rows
}

func formatAge(d time.Duration) string {
	switch {
	case d < 0:
		return "0s"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		m.apply(m.provider(m.ctx))
		return m, tickCmd()
	}
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("threadclaw top"))
	b.WriteString("\n\n")
	b.WriteString(m.header())
	b.WriteString("\n\n")
	b.WriteString(m.table.View())
	b.WriteString("\n")
	if m.snap.LastError != "" {
		b.WriteString(errStyle.Render("error: " + m.snap.LastError))
		b.WriteString("\n")
	}
	b.WriteString(dimStyle.Render("↑/↓ scroll • q quit"))
	b.WriteString("\n")
	return b.String()
}

func (m model) header() string {
	parts := make([]string, 0, len(persistence.AllStatuses))
	for _, st := range persistence.AllStatuses {
		style := countStyle.Foreground(statusColors[st])
		parts = append(parts, style.Render(fmt.Sprintf("%s %d", st, m.snap.Counts[st])))
	}
	counts := lipgloss.JoinHorizontal(lipgloss.Top, parts...)

	db := "ok"
	if !m.snap.DBOK {
		db = "down"
	}
	locks := "none"
	if len(m.snap.Locks) > 0 {
		held := make([]string, 0, len(m.snap.Locks))
		for _, l := range m.snap.Locks {
			held = append(held, l.Key+"→"+l.TaskID)
		}
		sort.Strings(held)
		locks = strings.Join(held, ", ")
	}
	meta := dimStyle.Render(fmt.Sprintf("db %s • approvals waiting %d • locks %s", db, m.snap.PendingApprovals, locks))
	return lipgloss.JoinVertical(lipgloss.Left, counts, meta)
}

func Run(ctx context.Context, provider StatusProvider) error {
	defer restoreTerminal()

	p := tea.NewProgram(newModel(ctx, provider), tea.WithAltScreen())

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}
}
