// Package dashboard renders the llp watch TUI over the run status
// feed, either in-process or connected to a status server.
package dashboard

import (
	"fmt"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"

	"github.com/alekspetrov/llp/internal/banner"
	"github.com/alekspetrov/llp/internal/status"
	"github.com/alekspetrov/llp/internal/worker"
)

// Panel width (all panels same width)
const (
	panelTotalWidth = 69 // Total visual width including borders
	panelInnerWidth = 65 // panelTotalWidth - 4 (2 borders + 2 padding spaces)
)

// spinnerFrames animate active worker rows.
var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Styles (muted terminal aesthetic)
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7eb8da")) // steel blue

	borderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#3d4450")) // slate

	statusRunningStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#7eb8da")) // steel blue

	statusPendingStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#6e7681"))

	statusFailedStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#d48a8a")) // dusty rose

	statusCompletedStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#7ec699")) // sage green

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8b949e"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8b949e"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#c9d1d9"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#d4a054")) // amber
)

// Event is one feed update or a transport failure.
type Event struct {
	Snapshot status.Snapshot
	Err      error
}

// Attach subscribes to an in-process feed, returning the event channel
// and an idempotent release function.
func Attach(feed *status.Feed) (<-chan Event, func()) {
	sub := feed.Subscribe()
	events := make(chan Event, 1)
	done := make(chan struct{})

	go func() {
		defer close(events)
		for {
			select {
			case snap := <-sub:
				select {
				case events <- Event{Snapshot: snap}:
				case <-done:
					return
				}
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return events, func() {
		once.Do(func() {
			close(done)
			feed.Unsubscribe(sub)
		})
	}
}

// Connect dials a status server and pumps its websocket snapshots.
func Connect(addr string) (<-chan Event, func(), error) {
	url := fmt.Sprintf("ws://%s/ws", addr)
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to status server at %s: %w", addr, err)
	}

	events := make(chan Event, 1)
	done := make(chan struct{})

	go func() {
		defer close(events)
		for {
			var snap status.Snapshot
			if err := conn.ReadJSON(&snap); err != nil {
				select {
				case events <- Event{Err: err}:
				case <-done:
				}
				return
			}
			select {
			case events <- Event{Snapshot: snap}:
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return events, func() {
		once.Do(func() {
			close(done)
			_ = conn.Close()
		})
	}, nil
}

// Model is the TUI model
type Model struct {
	version  string
	source   string // "embedded" or the server address
	events   <-chan Event
	snap     status.Snapshot
	haveSnap bool
	connErr  string
	frame    int
	width    int
	height   int
	showLogs bool
	quitting bool
}

// NewModel creates a watch model reading from events.
func NewModel(version, source string, events <-chan Event) Model {
	return Model{
		version:  version,
		source:   source,
		events:   events,
		showLogs: true,
	}
}

// tickMsg advances the spinner
type tickMsg time.Time

// eventMsg delivers one feed event
type eventMsg Event

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		waitForEvent(m.events),
		tea.EnterAltScreen,
	)
}

// tickCmd creates a tick command
func tickCmd() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// waitForEvent blocks on the next feed event.
func waitForEvent(events <-chan Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return nil
		}
		return eventMsg(ev)
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "l":
			m.showLogs = !m.showLogs
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.frame++
		return m, tickCmd()

	case eventMsg:
		if msg.Err != nil {
			m.connErr = msg.Err.Error()
			return m, nil
		}
		m.snap = msg.Snapshot
		m.haveSnap = true
		m.connErr = ""
		return m, waitForEvent(m.events)
	}

	return m, nil
}

// View renders the TUI
func (m Model) View() string {
	if m.quitting {
		return "Watch closed.\n"
	}

	var b strings.Builder

	b.WriteString("\n")
	logo := strings.TrimPrefix(banner.Logo, "\n")
	b.WriteString(titleStyle.Render(logo))
	b.WriteString(titleStyle.Render(fmt.Sprintf("   llp %s", m.version)))
	b.WriteString(dimStyle.Render(fmt.Sprintf("  ·  %s", m.source)))
	b.WriteString("\n\n")

	b.WriteString(m.renderWorkers())
	b.WriteString("\n")

	b.WriteString(m.renderRun())
	b.WriteString("\n")

	if m.showLogs && len(m.snap.Log) > 0 {
		b.WriteString(m.renderLog())
		b.WriteString("\n")
	}

	b.WriteString(helpStyle.Render("q: quit  l: logs"))

	return b.String()
}

// renderWorkers builds the active worker table.
func (m Model) renderWorkers() string {
	var content strings.Builder

	if !m.haveSnap {
		content.WriteString(dimStyle.Render("  Waiting for status feed..."))
		return renderPanel("WORKERS", content.String())
	}
	if len(m.snap.Workers) == 0 {
		content.WriteString(dimStyle.Render("  No active workers"))
		return renderPanel("WORKERS", content.String())
	}

	spin := spinnerFrames[m.frame%len(spinnerFrames)]
	for i, w := range m.snap.Workers {
		style := stageStyle(w.Stage)
		line := fmt.Sprintf("  %s %-12s %s %s",
			style.Render(spin),
			w.IssueID,
			style.Render(fmt.Sprintf("%-12s", stageLabel(w.Stage))),
			truncateVisual(w.Title, 24),
		)
		elapsed := dimStyle.Render(formatElapsed(time.Since(w.Since)))
		line += strings.Repeat(" ", max(1, panelInnerWidth-lipgloss.Width(line)-lipgloss.Width(elapsed)))
		line += elapsed
		content.WriteString(line)
		if i < len(m.snap.Workers)-1 {
			content.WriteString("\n")
		}
	}
	return renderPanel("WORKERS", content.String())
}

// renderRun builds the run counters panel.
func (m Model) renderRun() string {
	var content strings.Builder
	w := panelInnerWidth

	if id := m.snap.RunID; id != "" {
		short := id
		if len(short) > 8 {
			short = short[:8]
		}
		content.WriteString(dotLeader("Run", short, w))
		content.WriteString("\n")
	}
	if m.snap.Wave != "" {
		content.WriteString(dotLeader("Wave", m.snap.Wave, w))
		content.WriteString("\n")
	}
	content.WriteString(dotLeader("Queued", fmt.Sprintf("%d", m.snap.QueueDepth), w))
	content.WriteString("\n")
	content.WriteString(dotLeaderStyled("Completed", fmt.Sprintf("%d", m.snap.Completed), statusCompletedStyle, w))
	content.WriteString("\n")
	failedStyle := statusPendingStyle
	if m.snap.Failed > 0 {
		failedStyle = statusFailedStyle
	}
	content.WriteString(dotLeaderStyled("Failed", fmt.Sprintf("%d", m.snap.Failed), failedStyle, w))
	content.WriteString("\n")
	content.WriteString(dotLeader("Pending merge", fmt.Sprintf("%d", m.snap.PendingMerge), w))

	if m.snap.Done {
		content.WriteString("\n\n")
		content.WriteString("  " + statusCompletedStyle.Render("✓ Run complete"))
	}
	if m.connErr != "" {
		content.WriteString("\n\n")
		content.WriteString("  " + warningStyle.Render("Feed lost: "+truncateVisual(m.connErr, 45)))
	}

	return renderPanel("RUN", content.String())
}

// renderLog builds the recent log panel.
func (m Model) renderLog() string {
	var content strings.Builder
	for i, line := range m.snap.Log {
		content.WriteString("  " + dimStyle.Render(truncateVisual(line, panelInnerWidth-2)))
		if i < len(m.snap.Log)-1 {
			content.WriteString("\n")
		}
	}
	return renderPanel("LOG", content.String())
}

// stageStyle maps a pipeline stage to its display style.
func stageStyle(stage string) lipgloss.Style {
	switch stage {
	case string(worker.StageSetup):
		return statusPendingStyle
	case string(worker.StageCompleted):
		return statusCompletedStyle
	case string(worker.StageFailed), string(worker.StageInterrupted):
		return statusFailedStyle
	default:
		return statusRunningStyle
	}
}

// stageLabel renders a stage name for the worker table.
func stageLabel(stage string) string {
	switch stage {
	case string(worker.StageSetup):
		return "setup"
	case string(worker.StageValidating):
		return "validating"
	case string(worker.StageImplementing):
		return "implementing"
	case string(worker.StageVerifying):
		return "verifying"
	case string(worker.StageMerging):
		return "merging"
	case string(worker.StageCompleted):
		return "completed"
	case string(worker.StageFailed):
		return "failed"
	case string(worker.StageInterrupted):
		return "interrupted"
	default:
		return strings.ToLower(stage)
	}
}

// formatElapsed formats a duration for display (e.g., "45s", "1h30m").
func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	hours := int(d.Hours())
	mins := int(d.Minutes()) % 60
	if mins == 0 {
		return fmt.Sprintf("%dh", hours)
	}
	return fmt.Sprintf("%dh%dm", hours, mins)
}

// renderPanel builds a panel manually with guaranteed width
// Total width: panelTotalWidth (69 chars)
// Structure: ╭─ TITLE ─...─╮ / │ (space) content (space) │ / ╰─...─╯
func renderPanel(title string, content string) string {
	var lines []string

	lines = append(lines, buildTopBorder(title))
	lines = append(lines, buildEmptyLine())
	for _, line := range strings.Split(content, "\n") {
		lines = append(lines, buildContentLine(line))
	}
	lines = append(lines, buildEmptyLine())
	lines = append(lines, buildBottomBorder())

	return strings.Join(lines, "\n")
}

// buildTopBorder creates: ╭─ TITLE ─────...─────╮ with exact panelTotalWidth
func buildTopBorder(title string) string {
	titleUpper := strings.ToUpper(title)
	prefix := "╭─ "
	prefixWidth := lipgloss.Width(prefix + titleUpper + " ")

	dashCount := panelTotalWidth - prefixWidth - 1 // -1 for ╮
	if dashCount < 0 {
		dashCount = 0
	}

	return borderStyle.Render(prefix) + labelStyle.Render(titleUpper) + borderStyle.Render(" "+strings.Repeat("─", dashCount)+"╮")
}

// buildBottomBorder creates: ╰─────────────────────────────────────────────────╯
func buildBottomBorder() string {
	dashCount := panelTotalWidth - 2
	line := "╰" + strings.Repeat("─", dashCount) + "╯"
	return borderStyle.Render(line)
}

// buildEmptyLine creates: │                                                                 │
func buildEmptyLine() string {
	spaceCount := panelTotalWidth - 2
	border := borderStyle.Render("│")
	return border + strings.Repeat(" ", spaceCount) + border
}

// buildContentLine creates: │ (space) content padded/truncated (space) │
func buildContentLine(content string) string {
	contentWidth := panelTotalWidth - 4

	adjusted := padOrTruncate(content, contentWidth)

	border := borderStyle.Render("│")
	return border + " " + adjusted + " " + border
}

// padOrTruncate ensures content is exactly targetWidth visual chars
func padOrTruncate(s string, targetWidth int) string {
	visualWidth := lipgloss.Width(s)

	if visualWidth == targetWidth {
		return s
	}

	if visualWidth > targetWidth {
		return truncateVisual(s, targetWidth)
	}

	return s + strings.Repeat(" ", targetWidth-visualWidth)
}

// truncateVisual truncates string to targetWidth visual chars, adding "..." only if needed
func truncateVisual(s string, targetWidth int) string {
	visualWidth := lipgloss.Width(s)

	if visualWidth <= targetWidth {
		return s
	}

	if targetWidth <= 3 {
		return strings.Repeat(".", targetWidth)
	}

	result := ""
	width := 0
	for _, r := range s {
		runeWidth := lipgloss.Width(string(r))
		if width+runeWidth > targetWidth-3 {
			break
		}
		result += string(r)
		width += runeWidth
	}

	for width < targetWidth-3 {
		result += " "
		width++
	}

	return result + "..."
}

// dotLeader creates a dot-leader line: "  Label .............. Value"
func dotLeader(label string, value string, totalWidth int) string {
	prefix := "  " + label + " "
	suffix := " " + value
	prefixWidth := lipgloss.Width(prefix)
	suffixWidth := lipgloss.Width(suffix)
	dotsNeeded := totalWidth - prefixWidth - suffixWidth
	if dotsNeeded < 3 {
		dotsNeeded = 3
	}
	return prefix + strings.Repeat(".", dotsNeeded) + suffix
}

// dotLeaderStyled creates a dot-leader with styled value
func dotLeaderStyled(label string, value string, style lipgloss.Style, totalWidth int) string {
	prefix := "  " + label + " "
	suffix := " " + value
	prefixWidth := lipgloss.Width(prefix)
	suffixWidth := lipgloss.Width(suffix)
	dotsNeeded := totalWidth - prefixWidth - suffixWidth
	if dotsNeeded < 3 {
		dotsNeeded = 3
	}
	return prefix + strings.Repeat(".", dotsNeeded) + " " + style.Render(value)
}
