package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	pollInterval    = 2 * time.Second
	maxRecentEvents = 6
)

// notification mirrors internal/eventbus.Notification without importing
// the server package into the ctl binary.
type notification struct {
	Kind      string `json:"Kind"`
	SessionID string `json:"SessionID"`
	Role      string `json:"Role"`
	Peer      string `json:"Peer"`
	Topic     string `json:"Topic"`
}

// status mirrors internal/admin.Status without importing the server
// package into the ctl binary.
type status struct {
	ProducerSessions int           `json:"producer_sessions"`
	ConsumerSessions int           `json:"consumer_sessions"`
	Peers            []peerAddress `json:"peers"`
	Host             hostStats     `json:"host"`
	Timestamp        time.Time     `json:"timestamp"`
}

type peerAddress struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type hostStats struct {
	CPUUserPercent float64 `json:"cpu_user_percent"`
	MemUsedBytes   uint64  `json:"mem_used_bytes"`
	MemTotalBytes  uint64  `json:"mem_total_bytes"`
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00D4AA")).
			MarginBottom(1)

	subtitleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B")).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00D4AA")).
			Bold(true)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#00D4AA")).
			Padding(1, 2)
)

type model struct {
	addr   string
	client *http.Client

	status       status
	err          error
	recentEvents []notification
	eventCh      chan notification
}

func newModel(addr string) model {
	return model{
		addr:    addr,
		client:  &http.Client{Timeout: 3 * time.Second},
		eventCh: make(chan notification, 32),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.poll(), m.streamEvents(), waitForEvent(m.eventCh))
}

type statusMsg status
type errMsg error
type eventMsg notification

// streamEvents dials the admin /events endpoint and pushes each decoded
// NDJSON line onto eventCh for waitForEvent to pick up. It runs for the
// lifetime of the program; a dropped connection is not retried here since
// losing the live feed just means the dashboard falls back to /status
// polling for session counts.
func (m model) streamEvents() tea.Cmd {
	return func() tea.Msg {
		go func() {
			// A long-lived stream can't share m.client's short request
			// timeout, which is sized for the polled /status calls.
			streamClient := &http.Client{}
			resp, err := streamClient.Get(m.addr + "/events")
			if err != nil {
				return
			}
			defer resp.Body.Close()

			scanner := bufio.NewScanner(resp.Body)
			for scanner.Scan() {
				var n notification
				if err := json.Unmarshal(scanner.Bytes(), &n); err != nil {
					continue
				}
				m.eventCh <- n
			}
		}()
		return nil
	}
}

// waitForEvent blocks on ch and resubmits itself, the standard bubbletea
// pattern for turning a background channel into a stream of Msgs.
func waitForEvent(ch chan notification) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func (m model) poll() tea.Cmd {
	return func() tea.Msg {
		resp, err := m.client.Get(m.addr + "/status")
		if err != nil {
			return errMsg(err)
		}
		defer resp.Body.Close()

		var s status
		if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
			return errMsg(err)
		}
		return statusMsg(s)
	}
}

func tick() tea.Cmd {
	return tea.Tick(pollInterval, func(time.Time) tea.Msg { return tickMsg{} })
}

type tickMsg struct{}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case statusMsg:
		m.status = status(msg)
		m.err = nil
		return m, tick()
	case errMsg:
		m.err = msg
		return m, tick()
	case tickMsg:
		return m, m.poll()
	case eventMsg:
		m.recentEvents = append(m.recentEvents, notification(msg))
		if len(m.recentEvents) > maxRecentEvents {
			m.recentEvents = m.recentEvents[len(m.recentEvents)-maxRecentEvents:]
		}
		return m, waitForEvent(m.eventCh)
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("pubsubclub federation node"))
	b.WriteString("\n")
	b.WriteString(subtitleStyle.Render(m.addr))
	b.WriteString("\n\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render(fmt.Sprintf("status unavailable: %v", m.err)))
		b.WriteString("\n\n")
		b.WriteString(subtitleStyle.Render("press q to quit"))
		return b.String()
	}

	sessions := fmt.Sprintf("%s %s    %s %s",
		labelStyle.Render("producer sessions:"), valueStyle.Render(fmt.Sprint(m.status.ProducerSessions)),
		labelStyle.Render("consumer sessions:"), valueStyle.Render(fmt.Sprint(m.status.ConsumerSessions)),
	)

	host := fmt.Sprintf("%s %s    %s %s",
		labelStyle.Render("cpu:"), valueStyle.Render(fmt.Sprintf("%.1f%%", m.status.Host.CPUUserPercent)),
		labelStyle.Render("mem:"), valueStyle.Render(fmt.Sprintf("%s / %s", formatBytes(m.status.Host.MemUsedBytes), formatBytes(m.status.Host.MemTotalBytes))),
	)

	var peers strings.Builder
	if len(m.status.Peers) == 0 {
		peers.WriteString(labelStyle.Render("(no peers)"))
	} else {
		for _, p := range m.status.Peers {
			peers.WriteString(fmt.Sprintf("  %s:%d\n", p.Host, p.Port))
		}
	}

	var events strings.Builder
	if len(m.recentEvents) == 0 {
		events.WriteString(labelStyle.Render("(no events yet)"))
	} else {
		for i := len(m.recentEvents) - 1; i >= 0; i-- {
			events.WriteString(formatEvent(m.recentEvents[i]))
			events.WriteString("\n")
		}
	}

	body := sessions + "\n\n" + host + "\n\n" + labelStyle.Render("peers:") + "\n" + peers.String() +
		"\n" + labelStyle.Render("recent events:") + "\n" + events.String()
	b.WriteString(boxStyle.Render(body))
	b.WriteString("\n\n")
	b.WriteString(subtitleStyle.Render(fmt.Sprintf("updated %s · press q to quit", m.status.Timestamp.Format(time.Kitchen))))
	return b.String()
}

func formatEvent(n notification) string {
	switch {
	case n.Peer != "":
		return fmt.Sprintf("  %s %s", valueStyle.Render(n.Kind), labelStyle.Render(n.Peer))
	case n.Topic != "":
		return fmt.Sprintf("  %s %s", valueStyle.Render(n.Kind), labelStyle.Render(n.Topic))
	default:
		return fmt.Sprintf("  %s", valueStyle.Render(n.Kind))
	}
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
