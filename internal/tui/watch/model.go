package watch

import (
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/joai-gw/internal/events"
)

const (
	maxEventLog     = 50
	healthInterval  = 5 * time.Second
	reconnectDelay  = 3 * time.Second
	eventBufferSize = 100
)

// Model is the bubbletea model behind `joai-gw system watch`.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	health    gatewayHealth
	triggers  map[string]*TriggerState
	eventLog  []events.Event
	lastID    int64
	lastEvent time.Time
	drift     int

	theme   Theme
	keys    keyMap
	help    help.Model
	spinner spinner.Model
	table   table.Model

	hubEvents chan events.Event
	lastError string
}

// New creates a watch model for the API at apiURL.
func New(apiURL, apiKey string) *Model {
	theme := NewDefaultTheme()
	return &Model{
		apiURL:    apiURL,
		apiKey:    apiKey,
		triggers:  make(map[string]*TriggerState),
		theme:     theme,
		keys:      defaultKeyMap(),
		help:      help.New(),
		spinner:   spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(theme.Spinner)),
		table:     newTriggerTable(),
		hubEvents: make(chan events.Event, eventBufferSize),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.apiKey, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		m.pollHealth(0),
		m.refreshTriggers(),
		m.spinner.Tick,
		tea.EnterAltScreen,
	)
}

func (m Model) pollHealth(after time.Duration) tea.Cmd {
	fetch := func() tea.Msg { return fetchHealth(m.apiURL, m.apiKey) }
	if after == 0 {
		return fetch
	}
	return tea.Tick(after, func(time.Time) tea.Msg { return fetch() })
}

func (m Model) refreshTriggers() tea.Cmd {
	return func() tea.Msg { return fetchTriggers(m.apiURL, m.apiKey) }
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Refresh):
			return m, m.refreshTriggers()
		case key.Matches(msg, m.keys.Clear):
			m.eventLog = nil
			return m, nil
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.help.Width = msg.Width

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case eventMsg:
		m.applyEvent(events.Event(msg))
		return m, receiveNextEvent(m.hubEvents)

	case triggersMsg:
		applyStatuses(m.triggers, msg)
		m.table.SetRows(triggerRows(m.triggers, m.theme))

	case healthMsg:
		m.health = gatewayHealth{
			Status:        msg.Status,
			UptimeSeconds: msg.UptimeSeconds,
			QueueDepth:    msg.QueueDepth,
			Triggers:      msg.Triggers,
			Connected:     true,
			LastCheck:     time.Now(),
		}
		m.lastError = ""
		return m, m.pollHealth(healthInterval)

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting"
		// The pending receiveNextEvent still reads hubEvents; only the
		// subscription is restarted.
		return m, tea.Tick(reconnectDelay, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.apiKey, m.lastID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, m.pollHealth(healthInterval)
	}

	return m, nil
}

// applyEvent folds one hub event into the model.
func (m *Model) applyEvent(e events.Event) {
	if e.ID > m.lastID {
		m.lastID = e.ID
	}
	m.health.Connected = true
	m.lastError = ""

	if e.Type == events.SchedulerTick {
		return
	}
	if e.Type == events.TriggerDrift {
		m.drift++
	}

	m.lastEvent = e.At
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > maxEventLog {
		m.eventLog = m.eventLog[:maxEventLog]
	}

	updateTriggerState(m.triggers, e)
	m.table.SetRows(triggerRows(m.triggers, m.theme))
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to joai-gw..."
	}

	parts := []string{
		renderSummary(m),
		renderTriggers(m.table, m.theme, m.width),
		renderEventStream(m.eventLog, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ! "+m.lastError))
	}
	parts = append(parts, " "+m.help.View(m.keys))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}
