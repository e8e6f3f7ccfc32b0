// Package tui is the interactive terminal reviewer for pending approval
// requests.
package tui

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/atlasgw/atlas/sdk"
)

// Backend is the reviewer's view of a gateway. *sdk.Client implements it.
type Backend interface {
	ListPending(ctx context.Context) ([]sdk.Request, error)
	Approve(ctx context.Context, id string) (*sdk.Result, error)
	Deny(ctx context.Context, id string) (*sdk.Result, error)
}

const refreshInterval = 2 * time.Second

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212")).MarginBottom(1)
	statusStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	confirmStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type keyMap struct {
	Approve key.Binding
	Deny    key.Binding
	Refresh key.Binding
	Quit    key.Binding
}

func defaultKeys() keyMap {
	return keyMap{
		Approve: key.NewBinding(key.WithKeys("a"), key.WithHelp("a", "approve")),
		Deny:    key.NewBinding(key.WithKeys("d"), key.WithHelp("d", "deny")),
		Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
		Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

func (k keyMap) ShortHelp() []key.Binding { return []key.Binding{k.Approve, k.Deny, k.Refresh, k.Quit} }

func (k keyMap) FullHelp() [][]key.Binding { return [][]key.Binding{k.ShortHelp()} }

type pendingMsg struct {
	items []sdk.Request
	err   error
}

type decidedMsg struct {
	id      string
	outcome string
	res     *sdk.Result
	err     error
}

type tickMsg time.Time

type action struct {
	id      string
	outcome string
	command string
}

// Model is the bubbletea model of the reviewer.
type Model struct {
	ctx     context.Context
	backend Backend
	table   table.Model
	keys    keyMap
	help    help.Model
	items   []sdk.Request
	confirm *action
	status  string
	err     error
	now     func() time.Time
}

// New returns a reviewer model over backend.
func New(ctx context.Context, backend Backend) Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ID", Width: 10},
			{Title: "Tier", Width: 10},
			{Title: "Requester", Width: 14},
			{Title: "Expires", Width: 8},
			{Title: "Command", Width: 60},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).Bold(true)
	styles.Selected = styles.Selected.Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57"))
	t.SetStyles(styles)

	return Model{
		ctx:     ctx,
		backend: backend,
		table:   t,
		keys:    defaultKeys(),
		help:    help.New(),
		now:     time.Now,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) fetch() tea.Cmd {
	return func() tea.Msg {
		items, err := m.backend.ListPending(m.ctx)
		return pendingMsg{items: items, err: err}
	}
}

func (m Model) decide(a action) tea.Cmd {
	return func() tea.Msg {
		var res *sdk.Result
		var err error
		if a.outcome == "approve" {
			res, err = m.backend.Approve(m.ctx, a.id)
		} else {
			res, err = m.backend.Deny(m.ctx, a.id)
		}
		return decidedMsg{id: a.id, outcome: a.outcome, res: res, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.table.SetHeight(max(msg.Height-8, 3))
		m.help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		if m.confirm != nil {
			a := *m.confirm
			m.confirm = nil
			if msg.String() == "y" {
				m.status = fmt.Sprintf("sending %s for %s...", a.outcome, shortID(a.id))
				return m, m.decide(a)
			}
			m.status = "cancelled"
			return m, nil
		}
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Refresh):
			return m, m.fetch()
		case key.Matches(msg, m.keys.Approve):
			m.confirm = m.selected("approve")
			return m, nil
		case key.Matches(msg, m.keys.Deny):
			m.confirm = m.selected("deny")
			return m, nil
		}

	case pendingMsg:
		m.err = msg.err
		if msg.err == nil {
			m.items = msg.items
			m.table.SetRows(m.rows())
		}
		return m, nil

	case decidedMsg:
		m.status, m.err = describeDecision(msg), nil
		if msg.err != nil && !isOutcomeError(msg.err) {
			m.err = msg.err
			m.status = ""
		}
		return m, m.fetch()

	case tickMsg:
		return m, tea.Batch(m.fetch(), tick())
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("Atlas Gateway: %d pending", len(m.items))))
	b.WriteString("\n")
	if len(m.items) == 0 {
		b.WriteString(dimStyle.Render("No pending approval requests."))
	} else {
		b.WriteString(m.table.View())
	}
	b.WriteString("\n\n")

	switch {
	case m.confirm != nil:
		b.WriteString(confirmStyle.Render(fmt.Sprintf("%s %s: %s ? (y/n)",
			capitalize(m.confirm.outcome), shortID(m.confirm.id), truncate(m.confirm.command, 80))))
	case m.err != nil:
		b.WriteString(errorStyle.Render("error: " + m.err.Error()))
	case m.status != "":
		b.WriteString(statusStyle.Render(m.status))
	}
	b.WriteString("\n")
	b.WriteString(m.help.View(m.keys))
	return b.String()
}

func (m Model) selected(outcome string) *action {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.items) {
		return nil
	}
	r := m.items[i]
	return &action{id: r.ID, outcome: outcome, command: r.Command}
}

func (m Model) rows() []table.Row {
	rows := make([]table.Row, len(m.items))
	for i, r := range m.items {
		left := r.ExpiresAt.Sub(m.now()).Round(time.Second)
		if left < 0 {
			left = 0
		}
		rows[i] = table.Row{shortID(r.ID), r.Tier, r.RequestedBy, left.String(), truncate(r.Command, 60)}
	}
	return rows
}

// describeDecision renders the result of a decision for the status line.
// Output validation and sandbox failures still report the decision.
func describeDecision(msg decidedMsg) string {
	id := shortID(msg.id)
	var apiErr *sdk.APIError
	switch {
	case msg.err == nil:
		s := fmt.Sprintf("%s: %s", id, msg.res.Request.Status)
		if e := msg.res.Execution; e != nil {
			s += fmt.Sprintf(", exit %d in %s", e.ExitCode, e.Duration.Round(time.Millisecond))
		}
		return s
	case errors.Is(msg.err, sdk.ErrOutputWithheld):
		return fmt.Sprintf("%s: approved, output withheld by validation", id)
	case errors.Is(msg.err, sdk.ErrApprovalTimeout):
		return fmt.Sprintf("%s: expired before the decision arrived", id)
	case errors.Is(msg.err, sdk.ErrNotPending) && errors.As(msg.err, &apiErr):
		return fmt.Sprintf("%s: already decided (%s)", id, apiErr.Message)
	case errors.Is(msg.err, sdk.ErrSandboxUnavailable):
		return fmt.Sprintf("%s: approved, sandbox unavailable", id)
	}
	return ""
}

func isOutcomeError(err error) bool {
	return errors.Is(err, sdk.ErrOutputWithheld) || errors.Is(err, sdk.ErrNotPending) ||
		errors.Is(err, sdk.ErrSandboxUnavailable)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Run starts the reviewer on the alternate screen and blocks until the user
// quits or ctx is cancelled.
func Run(ctx context.Context, backend Backend) error {
	p := tea.NewProgram(New(ctx, backend), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
