package debugview

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// State is the connection state shown in the status bar.
type State int

const (
	StateLoading State = iota
	StateLive
	StateError
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "LOADING"
	case StateLive:
		return "LIVE"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

type (
	// pollMsg schedules the next fetch.
	pollMsg struct{}

	// snapshotMsg carries one fetch of readings and closest place.
	snapshotMsg struct {
		readings []Reading
		closest  *ClosestPlace
		err      error
		manual   bool
		at       time.Time
	}

	// resetDoneMsg reports the outcome of a closest-place reset.
	resetDoneMsg struct {
		err error
	}
)

type keyMap struct {
	Refresh key.Binding
	Reset   key.Binding
	Quit    key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		Refresh: key.NewBinding(
			key.WithKeys("f"),
			key.WithHelp("f", "refresh"),
		),
		Reset: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "reset closest place"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Refresh, k.Reset, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

// Model is the live ranging debug screen for a single device.
type Model struct {
	source   Source
	deviceID string
	interval time.Duration
	now      func() time.Time

	readings   []Reading
	closest    *ClosestPlace
	state      State
	err        error
	notice     string
	lastUpdate time.Time

	table   table.Model
	spinner spinner.Model
	help    help.Model
	keys    keyMap
	width   int
	height  int
}

// NewModel creates a debug screen polling source every interval.
func NewModel(source Source, deviceID string, interval time.Duration) Model {
	if interval <= 0 {
		interval = time.Second
	}

	columns := []table.Column{
		{Title: "UUID", Width: 38},
		{Title: "Major", Width: 6},
		{Title: "Minor", Width: 6},
		{Title: "Distance", Width: 10},
		{Title: "Place", Width: 22},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(colorBorder).
		BorderBottom(true).
		Bold(true).
		Foreground(colorSecondary)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(colorPrimary).
		Bold(true)
	t.SetStyles(s)

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(colorPrimary)

	return Model{
		source:   source,
		deviceID: deviceID,
		interval: interval,
		now:      time.Now,
		state:    StateLoading,
		table:    t,
		spinner:  sp,
		help:     help.New(),
		keys:     defaultKeyMap(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetch(false))
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		if h := m.height - 14; h > 3 {
			m.table.SetHeight(h)
		}
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Refresh):
			return m, m.fetch(true)
		case key.Matches(msg, m.keys.Reset):
			m.notice = "resetting closest place..."
			return m, m.reset()
		}

	case pollMsg:
		return m, m.fetch(false)

	case snapshotMsg:
		var next tea.Cmd
		if !msg.manual {
			next = m.poll()
		}
		if msg.err != nil {
			m.state = StateError
			m.err = msg.err
			return m, next
		}
		m.state = StateLive
		m.err = nil
		m.readings = msg.readings
		m.closest = msg.closest
		m.lastUpdate = msg.at
		m.updateTable()
		return m, next

	case resetDoneMsg:
		if msg.err != nil {
			m.notice = "reset failed: " + msg.err.Error()
			return m, nil
		}
		m.notice = "closest place reset"
		m.closest = nil
		return m, m.fetch(true)

	case spinner.TickMsg:
		if m.state == StateLoading {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Beacon ranging"))
	b.WriteString("\n")
	b.WriteString(subtitleStyle.Render("Device " + m.deviceID))
	b.WriteString("\n\n")
	b.WriteString(m.renderStatus())
	b.WriteString("\n\n")

	switch m.state {
	case StateLoading:
		b.WriteString(m.spinner.View() + " Waiting for the server...")
	case StateError:
		b.WriteString(errorStyle.Render("Error: " + m.err.Error()))
		b.WriteString("\n\n")
		b.WriteString(mutedStyle.Render("Retrying every " + m.interval.String()))
	case StateLive:
		b.WriteString(panelStyle.Render(m.renderClosest()))
		b.WriteString("\n\n")
		if len(m.readings) == 0 {
			b.WriteString(mutedStyle.Render("No beacons in the last batch."))
		} else {
			b.WriteString(m.table.View())
		}
	}

	if m.notice != "" {
		b.WriteString("\n\n")
		b.WriteString(warningStyle.Render(m.notice))
	}

	b.WriteString("\n\n")
	b.WriteString(m.help.View(m.keys))
	return b.String()
}

func (m Model) renderStatus() string {
	stateStyle := badgeStyle.Bold(true)
	switch m.state {
	case StateLive:
		stateStyle = stateStyle.Background(colorPrimary)
	case StateError:
		stateStyle = stateStyle.Background(colorError)
	}

	parts := []string{
		stateStyle.Render(m.state.String()),
		badgeStyle.Render(fmt.Sprintf("Beacons: %d", len(m.readings))),
	}
	if !m.lastUpdate.IsZero() {
		parts = append(parts, badgeStyle.Render("Updated "+m.lastUpdate.Format("15:04:05")))
	}
	return strings.Join(parts, "  ")
}

func (m Model) renderClosest() string {
	if m.closest == nil {
		return mutedStyle.Render("Closest place: none yet")
	}

	name := m.closest.ID
	if m.closest.Title != "" {
		name = fmt.Sprintf("%s (%s)", m.closest.Title, m.closest.ID)
	}

	lines := []string{
		"Closest place: " + successStyle.Render(name),
		"Detected:      " + m.closest.DetectedAt.Local().Format("15:04:05"),
		"Notify again:  " + eligibility(m.closest.NotifyEligibleAt, m.now()),
	}
	return strings.Join(lines, "\n")
}

// eligibility describes when a repeat arrival at the same place will notify.
func eligibility(at, now time.Time) string {
	if at.IsZero() {
		return "unknown"
	}
	if !now.Before(at) {
		return "now"
	}
	return "in " + at.Sub(now).Round(time.Second).String()
}

func (m *Model) updateTable() {
	rows := make([]table.Row, len(m.readings))
	for i, r := range m.readings {
		uuid := "-"
		if r.UUID != nil {
			uuid = *r.UUID
		}
		distance := r.DistanceLabel
		if distance == "" {
			distance = "N/A"
		}
		place := r.PlaceID
		if place == "" {
			place = "-"
		}
		rows[i] = table.Row{uuid, optInt(r.Major), optInt(r.Minor), distance, place}
	}
	m.table.SetRows(rows)
}

func optInt(v *int) string {
	if v == nil {
		return "-"
	}
	return strconv.Itoa(*v)
}

func (m Model) poll() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg {
		return pollMsg{}
	})
}

func (m Model) fetch(manual bool) tea.Cmd {
	source, deviceID, now := m.source, m.deviceID, m.now
	timeout := m.interval * 3
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		readings, err := source.Readings(ctx, deviceID)
		if err != nil {
			return snapshotMsg{err: err, manual: manual}
		}

		msg := snapshotMsg{readings: readings, manual: manual, at: now()}
		cp, err := source.ClosestPlace(ctx, deviceID)
		switch {
		case errors.Is(err, ErrNoClosestPlace):
		case err != nil:
			return snapshotMsg{err: err, manual: manual}
		default:
			msg.closest = &cp
		}
		return msg
	}
}

func (m Model) reset() tea.Cmd {
	source, deviceID := m.source, m.deviceID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return resetDoneMsg{err: source.ResetClosestPlace(ctx, deviceID)}
	}
}
