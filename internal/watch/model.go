// Package watch is a terminal view of the live dashboard feed. It renders
// whatever the reconnecting client receives and never talks to the socket
// directly.
package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/zerotrust-dash/ztdash/internal/client"
	"github.com/zerotrust-dash/ztdash/internal/protocol"
	"github.com/zerotrust-dash/ztdash/internal/telemetry"
)

const maxAlerts = 8

// Requester is the part of the client the view drives.
type Requester interface {
	RequestSnapshot() error
}

// StateMsg reports a client connection state change.
type StateMsg struct{ State client.State }

// FrameMsg delivers one server frame.
type FrameMsg struct{ Msg client.Message }

type errMsg struct{ err error }

// Attach routes the client's callbacks into a Bubble Tea program.
func Attach(opts *client.Options, send func(tea.Msg)) {
	opts.OnStateChange = func(s client.State) { send(StateMsg{State: s}) }
	opts.OnMessage = func(m client.Message) { send(FrameMsg{Msg: m}) }
}

type Model struct {
	client  Requester
	keys    KeyMap
	spinner spinner.Model
	width   int

	state    client.State
	clientID string
	updated  time.Time
	err      error

	alerts  []telemetry.Alert
	metrics *telemetry.Metrics
	network *telemetry.NetworkStatus
	threats []telemetry.Threat
}

func New(c Requester) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(colorAccent)
	return Model{
		client:  c,
		keys:    DefaultKeyMap(),
		spinner: s,
	}
}

func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Refresh):
			c := m.client
			return m, func() tea.Msg {
				if err := c.RequestSnapshot(); err != nil {
					return errMsg{err}
				}
				return nil
			}
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case StateMsg:
		m.state = msg.State
		if msg.State == client.Connected {
			m.err = nil
		}
		return m, nil

	case FrameMsg:
		if err := m.apply(msg.Msg); err != nil {
			m.err = err
		}
		return m, nil

	case errMsg:
		m.err = msg.err
		return m, nil
	}
	return m, nil
}

func (m *Model) apply(msg client.Message) error {
	switch msg.Type {
	case protocol.MsgConnectionEstablished:
		var f protocol.ConnectionEstablished
		if err := msg.Decode(&f); err != nil {
			return err
		}
		m.clientID = f.ClientID
		m.applySnapshot(f.InitialData)
	case protocol.MsgDataSnapshot:
		var f protocol.DataSnapshot
		if err := msg.Decode(&f); err != nil {
			return err
		}
		m.applySnapshot(f.Data)
	case protocol.MsgNewAlert:
		var f protocol.NewAlert
		if err := msg.Decode(&f); err != nil {
			return err
		}
		m.alerts = append([]telemetry.Alert{f.Alert}, m.alerts...)
		if len(m.alerts) > maxAlerts {
			m.alerts = m.alerts[:maxAlerts]
		}
	case protocol.MsgMetricsUpdate:
		var f protocol.MetricsUpdate
		if err := msg.Decode(&f); err != nil {
			return err
		}
		m.metrics = &f.Metrics
	case protocol.MsgNetworkUpdate:
		var f protocol.NetworkUpdate
		if err := msg.Decode(&f); err != nil {
			return err
		}
		m.network = &f.NetworkStatus
	case protocol.MsgThreatUpdate:
		var f protocol.ThreatUpdate
		if err := msg.Decode(&f); err != nil {
			return err
		}
		m.threats = f.Threats
	default:
		return nil
	}
	m.updated = msg.ReceivedAt
	return nil
}

// applySnapshot replaces every panel. Categories the server has not produced
// yet arrive as empty objects and leave the panel blank.
func (m *Model) applySnapshot(s telemetry.Snapshot) {
	m.alerts = s.Alerts
	if len(m.alerts) > maxAlerts {
		m.alerts = m.alerts[:maxAlerts]
	}
	m.metrics = nil
	if s.Metrics != nil && !s.Metrics.Timestamp.IsZero() {
		m.metrics = s.Metrics
	}
	m.network = nil
	if s.NetworkStatus != nil && !s.NetworkStatus.Timestamp.IsZero() {
		m.network = s.NetworkStatus
	}
	m.threats = s.Threats
}

func (m Model) View() string {
	width := m.width
	if width < 60 {
		width = 60
	}

	sections := []string{
		m.statusView(width),
		m.metricsView(),
		m.networkView(),
		m.alertsView(),
		m.threatsView(),
		dimStyle.Render(m.keys.Refresh.Help().Key + " " + m.keys.Refresh.Help().Desc + "  " +
			m.keys.Quit.Help().Key + " " + m.keys.Quit.Help().Desc),
	}
	return strings.Join(sections, "\n")
}

func (m Model) statusView(width int) string {
	var conn string
	switch m.state {
	case client.Connected:
		conn = lipgloss.NewStyle().Foreground(colorHealthy).Render("● Connected")
	case client.Connecting:
		conn = m.spinner.View() + lipgloss.NewStyle().Foreground(colorWarning).Render(" Connecting...")
	case client.Error:
		conn = lipgloss.NewStyle().Foreground(colorDanger).Render("✖ Error")
	default:
		conn = lipgloss.NewStyle().Foreground(colorDanger).Render("○ Disconnected")
	}

	sep := lipgloss.NewStyle().Foreground(colorBorder).Render(" | ")
	content := titleStyle.Render("Zero Trust") + sep + conn
	if m.clientID != "" {
		content += sep + labelStyle.Render("client "+shortID(m.clientID))
	}
	if !m.updated.IsZero() {
		content += sep + labelStyle.Render("updated "+m.updated.Format("15:04:05"))
	}
	if m.err != nil {
		content += sep + lipgloss.NewStyle().Foreground(colorDanger).Render(m.err.Error())
	}

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(colorBorder).
		Render(content)
}

func (m Model) metricsView() string {
	if m.metrics == nil {
		return panelStyle.Render(titleStyle.Render("Metrics") + "\n" + dimStyle.Render("waiting for data"))
	}
	mt := m.metrics
	gauge := func(label string, pct float64) string {
		return labelStyle.Render(label+" ") +
			lipgloss.NewStyle().Foreground(usageColor(pct)).Render(fmt.Sprintf("%5.1f%%", pct))
	}
	lines := []string{
		titleStyle.Render("Metrics"),
		gauge("cpu", mt.CPUUsage) + "   " + gauge("mem", mt.MemoryUsage),
		fmt.Sprintf("%s %d   %s %d",
			labelStyle.Render("threats blocked"), mt.ThreatsBlocked,
			labelStyle.Render("connections"), mt.ActiveConnections),
		fmt.Sprintf("%s %d Mbps   %s %dms",
			labelStyle.Render("throughput"), mt.NetworkThroughput,
			labelStyle.Render("response"), mt.ResponseTime),
	}
	return panelStyle.Render(strings.Join(lines, "\n"))
}

func (m Model) networkView() string {
	if m.network == nil {
		return panelStyle.Render(titleStyle.Render("Network") + "\n" + dimStyle.Render("waiting for data"))
	}
	lines := []string{titleStyle.Render(fmt.Sprintf("Network  %d/%d nodes active", m.network.ActiveNodes, m.network.TotalNodes))}
	for _, svc := range m.network.Services {
		status := lipgloss.NewStyle().Foreground(healthColor(svc.Status)).Render(fmt.Sprintf("%-8s", svc.Status))
		lines = append(lines, fmt.Sprintf("%-14s %s %4dms  %.2f%%", svc.Name, status, svc.ResponseTime, svc.Uptime))
	}
	return panelStyle.Render(strings.Join(lines, "\n"))
}

func (m Model) alertsView() string {
	lines := []string{titleStyle.Render("Alerts")}
	if len(m.alerts) == 0 {
		lines = append(lines, dimStyle.Render("no alerts"))
	}
	for _, a := range m.alerts {
		sev := lipgloss.NewStyle().Foreground(severityColor(a.Type)).Bold(true).Render(fmt.Sprintf("%-8s", strings.ToUpper(a.Type.String())))
		lines = append(lines, fmt.Sprintf("%s %s %s  %s",
			a.Timestamp.Format("15:04:05"), sev, a.Title, labelStyle.Render(a.Source)))
	}
	return panelStyle.Render(strings.Join(lines, "\n"))
}

func (m Model) threatsView() string {
	lines := []string{titleStyle.Render("Threats")}
	if len(m.threats) == 0 {
		lines = append(lines, dimStyle.Render("no threats"))
	}
	for _, th := range m.threats {
		outcome := lipgloss.NewStyle().Foreground(colorDanger).Render("passed")
		if th.Blocked {
			outcome = lipgloss.NewStyle().Foreground(colorHealthy).Render("blocked")
		}
		sev := lipgloss.NewStyle().Foreground(severityColor(th.Severity)).Render(th.Severity.String())
		lines = append(lines, fmt.Sprintf("%-12s %-15s -> %-12s %s %s", th.Type, th.Source, th.Target, sev, outcome))
	}
	return panelStyle.Render(strings.Join(lines, "\n"))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
