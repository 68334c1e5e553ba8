package watch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/toolbridge/internal/events"
)

const (
	workersEvery = 2 // ticks between /v1/workers polls
	healthEvery  = 5 // ticks between /healthz polls
	maxEventLog  = 50
)

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	client *client

	width  int
	height int

	// State
	health   HealthState
	workers  []WorkerRow
	eventLog []events.Event
	ticks    int

	// Live indicators
	liveness spinner.Model
	activity activity

	// UI state
	theme Theme
	table table.Model

	// Communication
	hubEvents chan events.Event

	// Error display
	lastError string
}

// New creates a new watch TUI model. token may be empty.
func New(apiURL, token string) *Model {
	theme := NewDefaultTheme()
	return &Model{
		client:    newClient(apiURL, token),
		eventLog:  make([]events.Event, 0),
		hubEvents: make(chan events.Event, 100),
		liveness:  newLiveness(theme),
		activity:  newActivity(10 * time.Second),
		theme:     theme,
		table:     newWorkerTable(theme),
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.client.subscribeToEvents(m.hubEvents),
		receiveNextEvent(m.hubEvents),
		m.client.fetchHealth,
		m.client.fetchWorkers,
		tick(),
		m.liveness.Tick,
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			if row := m.table.SelectedRow(); len(row) > 0 {
				return m, m.client.resetWorker(row[0])
			}
			return m, nil
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.liveness, cmd = m.liveness.Update(msg)
		return m, cmd

	case tickMsg:
		m.activity.prune(time.Time(msg))
		m.ticks++
		cmds := []tea.Cmd{tick()}
		if m.ticks%workersEvery == 0 {
			cmds = append(cmds, m.client.fetchWorkers)
		}
		if m.ticks%healthEvery == 0 {
			cmds = append(cmds, m.client.fetchHealth)
		}
		return m, tea.Batch(cmds...)

	case eventMsg:
		e := events.Event(msg)

		// newest first
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}
		m.activity.observe(time.Now())
		m.applyEvent(e)
		m.health.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.Workers = msg.Workers
		m.health.WorkersReady = msg.WorkersReady
		m.health.WorkersDown = msg.WorkersDown
		m.health.WorkersRunning = msg.WorkersRunning
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.lastError = ""

	case workersMsg:
		m.setWorkers(msg)

	case resetDoneMsg:
		m.lastError = ""
		return m, m.client.fetchWorkers

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "SSE disconnected, reconnecting..."
		// The pending receiveNextEvent keeps waiting on the same channel.
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, m.client.subscribeToEvents(m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
	}

	return m, nil
}

func (m *Model) setWorkers(rows []WorkerRow) {
	m.workers = rows
	m.table.SetRows(workerTableRows(rows))
}

// applyEvent patches the worker table from state transitions between polls.
func (m *Model) applyEvent(e events.Event) {
	if e.Type != events.TypeWorkerState {
		return
	}
	var tr events.WorkerTransition
	if err := json.Unmarshal(e.Data, &tr); err != nil {
		return
	}
	for i := range m.workers {
		if m.workers[i].ID == tr.WorkerID {
			m.workers[i].State = tr.To
			m.table.SetRows(workerTableRows(m.workers))
			return
		}
	}
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing toolbridge watch..."
	}

	header := renderHeader(m.health, m.liveness.View(), m.activity, m.theme, m.width)
	workers := renderWorkers(m.table, m.workers, m.theme, m.width)
	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	parts := []string{header, workers, eventStream}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Select worker • [r] Reset worker"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
