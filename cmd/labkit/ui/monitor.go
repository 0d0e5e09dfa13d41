package ui

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
)

// resizeSettleDelay coalesces bursts of window resize events.
const resizeSettleDelay = 150 * time.Millisecond

// PollFunc drains buffered updates, keyed by absolute node path.
type PollFunc func(ctx context.Context) (map[string][]Update, error)

// Update is one polled node value, already rendered for display.
type Update struct {
	Path      string
	Type      string
	Value     string
	Timestamp int64
}

// MonitorOptions configures the live monitor.
type MonitorOptions struct {
	Paths   []string
	Refresh time.Duration
	MaxRows int
	Poll    PollFunc
}

type rowState struct {
	typ     string
	value   string
	updates int
	last    time.Time
}

// Monitor is the bubbletea model of the live node monitor.
type Monitor struct {
	opts   MonitorOptions
	styles Styles

	table table.Model
	spin  spinner.Model
	rows  map[string]*rowState

	polls int
	err   error

	width, height      int
	pendingW, pendingH int
	resizeSeq          int
}

type (
	polledMsg        map[string][]Update
	pollErrMsg       struct{ err error }
	resizeSettledMsg struct{ seq int }
)

// NewMonitor builds the monitor model.
func NewMonitor(opts MonitorOptions) Monitor {
	t := table.New(
		table.WithColumns(monitorColumns(80)),
		table.WithFocused(true),
		table.WithHeight(opts.MaxRows),
	)
	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return Monitor{
		opts:   opts,
		styles: DefaultStyles(),
		table:  t,
		spin:   sp,
		rows:   make(map[string]*rowState),
	}
}

func monitorColumns(width int) []table.Column {
	pathWidth := width - 14 - 36 - 10 - 6
	if pathWidth < 20 {
		pathWidth = 20
	}
	return []table.Column{
		{Title: "Path", Width: pathWidth},
		{Title: "Type", Width: 14},
		{Title: "Value", Width: 36},
		{Title: "Updates", Width: 10},
	}
}

// Init starts the spinner and the first poll.
func (m Monitor) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, m.pollCmd())
}

func (m Monitor) pollCmd() tea.Cmd {
	return func() tea.Msg {
		polled, err := m.opts.Poll(context.Background())
		if err != nil {
			return pollErrMsg{err: err}
		}
		return polledMsg(polled)
	}
}

// Update handles messages.
func (m Monitor) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		// Resizes arrive in bursts while the terminal is dragged; apply
		// only once they settle.
		m.pendingW, m.pendingH = msg.Width, msg.Height
		m.resizeSeq++
		seq := m.resizeSeq
		return m, tea.Tick(resizeSettleDelay, func(time.Time) tea.Msg {
			return resizeSettledMsg{seq: seq}
		})

	case resizeSettledMsg:
		if msg.seq != m.resizeSeq {
			return m, nil
		}
		m.width, m.height = m.pendingW, m.pendingH
		m.table.SetColumns(monitorColumns(m.width - 4))
		height := m.height - 5
		if height > m.opts.MaxRows {
			height = m.opts.MaxRows
		}
		if height < 3 {
			height = 3
		}
		m.table.SetHeight(height)
		return m, nil

	case polledMsg:
		m.polls++
		m.err = nil
		m.merge(msg)
		return m, m.pollCmd()

	case pollErrMsg:
		m.err = msg.err
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *Monitor) merge(polled map[string][]Update) {
	for path, updates := range polled {
		if len(updates) == 0 {
			continue
		}
		state, ok := m.rows[path]
		if !ok {
			state = &rowState{}
			m.rows[path] = state
		}
		last := updates[len(updates)-1]
		state.typ = last.Type
		state.value = last.Value
		state.updates += len(updates)
		state.last = time.Now()
	}

	paths := make([]string, 0, len(m.rows))
	for path := range m.rows {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	rows := make([]table.Row, 0, len(paths))
	for _, path := range paths {
		state := m.rows[path]
		rows = append(rows, table.Row{
			path,
			state.typ,
			state.value,
			fmt.Sprintf("%d", state.updates),
		})
	}
	m.table.SetRows(rows)
}

// View renders the monitor.
func (m Monitor) View() string {
	header := m.styles.Header.Render(" labkit monitor ")
	status := m.styles.Muted.Render(fmt.Sprintf("%s %d paths, %d polls", m.spin.View(), len(m.opts.Paths), m.polls))
	footer := m.styles.Muted.Render(" [q] quit ")

	body := m.styles.Content.Render(m.table.View())
	if m.err != nil {
		body = m.styles.Error.Render("poll failed: " + m.err.Error())
	}
	return header + " " + status + "\n" + body + "\n" + footer
}

// Run drives the monitor until the user quits or ctx is cancelled.
func Run(ctx context.Context, opts MonitorOptions) error {
	p := tea.NewProgram(NewMonitor(opts), tea.WithContext(ctx), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
