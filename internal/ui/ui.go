// Package ui provides a terminal UI for monitoring dispatch runs.
// Uses Bubbletea for interactive display of task progress and events.
package ui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/marcus/dispatch/internal/backlog"
	"github.com/marcus/dispatch/internal/lifecycle"
)

// Panel represents which panel is currently focused.
type Panel int

const (
	PanelRun Panel = iota
	PanelTasks
	PanelEvents
)

// RunState represents the orchestration run's current state.
type RunState int

const (
	RunIdle RunState = iota
	RunActive
	RunDone
)

func (s RunState) String() string {
	switch s {
	case RunIdle:
		return "Idle"
	case RunActive:
		return "Running"
	case RunDone:
		return "Finished"
	default:
		return "Unknown"
	}
}

// TaskItem represents a task in the task list.
type TaskItem struct {
	ID          string
	Description string
	Status      backlog.Status
	Worker      string
	Attempt     int
}

// EventLine represents one rendered controller event.
type EventLine struct {
	Time    time.Time
	Level   string
	Message string
}

// EventMsg delivers a controller event into the Bubbletea loop. Send it
// with Program.Send from the controller's event handler goroutine.
type EventMsg lifecycle.Event

// Model holds the TUI state.
type Model struct {
	width       int
	height      int
	activePanel Panel
	quitting    bool

	// Run panel
	runID     string
	runState  RunState
	started   time.Time
	completed int
	failed    int
	blocked   int

	// Task list
	tasks        []TaskItem
	taskScroll   int
	selectedTask int

	// Events
	events      []EventLine
	eventScroll int

	progressTick int

	styles *Styles
}

// Styles holds lipgloss styles for the UI.
type Styles struct {
	ActiveBorder   lipgloss.Style
	InactiveBorder lipgloss.Style

	Title     lipgloss.Style
	Label     lipgloss.Style
	Value     lipgloss.Style
	Highlight lipgloss.Style
	Muted     lipgloss.Style

	StatusOK      lipgloss.Style
	StatusWarn    lipgloss.Style
	StatusError   lipgloss.Style
	StatusRunning lipgloss.Style

	TaskSelected lipgloss.Style

	HelpKey  lipgloss.Style
	HelpText lipgloss.Style
}

// NewStyles creates the default style set. Shared with the status command
// so plain output and the monitor look alike.
func NewStyles() *Styles {
	subtle := lipgloss.AdaptiveColor{Light: "#666", Dark: "#888"}
	highlight := lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	green := lipgloss.AdaptiveColor{Light: "#22863a", Dark: "#3fb950"}
	yellow := lipgloss.AdaptiveColor{Light: "#b08800", Dark: "#d29922"}
	red := lipgloss.AdaptiveColor{Light: "#cb2431", Dark: "#f85149"}
	blue := lipgloss.AdaptiveColor{Light: "#0366d6", Dark: "#58a6ff"}

	return &Styles{
		ActiveBorder: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(highlight),

		InactiveBorder: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(subtle),

		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(highlight).
			MarginBottom(1),

		Label: lipgloss.NewStyle().
			Foreground(subtle),

		Value: lipgloss.NewStyle().
			Bold(true),

		Highlight: lipgloss.NewStyle().
			Foreground(highlight).
			Bold(true),

		Muted: lipgloss.NewStyle().
			Foreground(subtle),

		StatusOK: lipgloss.NewStyle().
			Foreground(green).
			Bold(true),

		StatusWarn: lipgloss.NewStyle().
			Foreground(yellow).
			Bold(true),

		StatusError: lipgloss.NewStyle().
			Foreground(red).
			Bold(true),

		StatusRunning: lipgloss.NewStyle().
			Foreground(blue).
			Bold(true),

		TaskSelected: lipgloss.NewStyle().
			Background(highlight).
			Foreground(lipgloss.Color("#fff")).
			Bold(true),

		HelpKey: lipgloss.NewStyle().
			Foreground(highlight).
			Bold(true),

		HelpText: lipgloss.NewStyle().
			Foreground(subtle),
	}
}

// tickMsg is sent periodically to update the UI.
type tickMsg time.Time

// New creates a new TUI model.
func New(runID string) *Model {
	return &Model{
		width:       80,
		height:      24,
		activePanel: PanelRun,
		runID:       runID,
		runState:    RunIdle,
		tasks:       make([]TaskItem, 0),
		events:      make([]EventLine, 0),
		styles:      NewStyles(),
	}
}

// SetTasks seeds the task list from the backlog before the run starts.
func (m *Model) SetTasks(tasks []backlog.Task) {
	m.tasks = m.tasks[:0]
	for _, t := range tasks {
		m.tasks = append(m.tasks, TaskItem{
			ID:          t.ID,
			Description: t.Description,
			Status:      t.Status,
			Worker:      t.AssignedWorker,
			Attempt:     t.RetryCount,
		})
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		tea.EnterAltScreen,
	)
}

// tickCmd returns a command that ticks every second.
func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		m.progressTick++
		return m, tickCmd()

	case EventMsg:
		return m.applyEvent(lifecycle.Event(msg)), nil
	}

	return m, nil
}

// applyEvent folds a controller event into the display state.
func (m Model) applyEvent(e lifecycle.Event) Model {
	switch e.Type {
	case lifecycle.EventRunStart:
		m.runState = RunActive
		m.started = e.Time
		m.addEvent("info", "run started")

	case lifecycle.EventRunEnd:
		m.runState = RunDone
		m.addEvent("info", fmt.Sprintf("run finished in %s", formatDuration(e.Duration)))

	case lifecycle.EventTransition:
		m.updateTask(e.TaskID, e.To, e.WorkerID)
		switch e.To {
		case backlog.StatusCompleted:
			m.completed++
			m.addEvent("info", fmt.Sprintf("%s completed", e.TaskID))
		case backlog.StatusFailed:
			m.failed++
			m.addEvent("error", fmt.Sprintf("%s failed", e.TaskID))
		case backlog.StatusBlocked:
			m.blocked++
			m.addEvent("warn", fmt.Sprintf("%s blocked", e.TaskID))
		case backlog.StatusScheduled:
			m.addEvent("info", fmt.Sprintf("%s -> %s (score %.0f)", e.TaskID, e.WorkerID, e.Score))
		}

	case lifecycle.EventRetry:
		m.bumpAttempt(e.TaskID, e.Attempt)
		m.addEvent("warn", fmt.Sprintf("%s retry %d (%s, backoff %s)", e.TaskID, e.Attempt, e.Class, formatDuration(e.Delay)))

	case lifecycle.EventRotate:
		m.addEvent("warn", fmt.Sprintf("%s rotating away from %s (%s)", e.TaskID, e.WorkerID, e.Class))

	case lifecycle.EventEscalate:
		m.addEvent("error", fmt.Sprintf("%s escalated: %s", e.TaskID, e.Error))

	case lifecycle.EventProgress:
		if e.Message != "" {
			m.addEvent("debug", fmt.Sprintf("%s: %s", e.TaskID, e.Message))
		}
	}
	return m
}

func (m *Model) updateTask(id string, status backlog.Status, workerID string) {
	for i := range m.tasks {
		if m.tasks[i].ID == id {
			m.tasks[i].Status = status
			if workerID != "" {
				m.tasks[i].Worker = workerID
			}
			return
		}
	}
	m.tasks = append(m.tasks, TaskItem{ID: id, Status: status, Worker: workerID})
}

func (m *Model) bumpAttempt(id string, attempt int) {
	for i := range m.tasks {
		if m.tasks[i].ID == id {
			m.tasks[i].Attempt = attempt
			return
		}
	}
}

func (m *Model) addEvent(level, message string) {
	m.events = append(m.events, EventLine{Time: time.Now(), Level: level, Message: message})
	// Auto-scroll to bottom if not actively scrolling
	if m.eventScroll == len(m.events)-2 || len(m.events) == 1 {
		m.eventScroll = len(m.events) - 1
	}
}

// handleKey processes keyboard input.
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "tab", "right", "l":
		m.activePanel = (m.activePanel + 1) % 3
		return m, nil

	case "shift+tab", "left", "h":
		m.activePanel = (m.activePanel + 2) % 3
		return m, nil

	case "up", "k":
		return m.handleUp(), nil

	case "down", "j":
		return m.handleDown(), nil

	case "home", "g":
		return m.handleHome(), nil

	case "end", "G":
		return m.handleEnd(), nil
	}

	return m, nil
}

func (m Model) handleUp() Model {
	switch m.activePanel {
	case PanelTasks:
		if m.selectedTask > 0 {
			m.selectedTask--
		}
	case PanelEvents:
		if m.eventScroll > 0 {
			m.eventScroll--
		}
	}
	return m
}

func (m Model) handleDown() Model {
	switch m.activePanel {
	case PanelTasks:
		if m.selectedTask < len(m.tasks)-1 {
			m.selectedTask++
		}
	case PanelEvents:
		if m.eventScroll < len(m.events)-1 {
			m.eventScroll++
		}
	}
	return m
}

func (m Model) handleHome() Model {
	switch m.activePanel {
	case PanelTasks:
		m.selectedTask = 0
	case PanelEvents:
		m.eventScroll = 0
	}
	return m
}

func (m Model) handleEnd() Model {
	switch m.activePanel {
	case PanelTasks:
		if len(m.tasks) > 0 {
			m.selectedTask = len(m.tasks) - 1
		}
	case PanelEvents:
		if len(m.events) > 0 {
			m.eventScroll = len(m.events) - 1
		}
	}
	return m
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	topHeight := m.height / 2
	bottomHeight := m.height - topHeight - 3
	leftWidth := m.width / 2
	rightWidth := m.width - leftWidth

	runPanel := m.renderRunPanel()
	taskPanel := m.renderTaskPanel(topHeight - 2)
	eventPanel := m.renderEventPanel(m.width-2, bottomHeight-2)

	runBorder := m.getBorder(PanelRun).Width(leftWidth - 2).Height(topHeight - 2)
	taskBorder := m.getBorder(PanelTasks).Width(rightWidth - 2).Height(topHeight - 2)
	eventBorder := m.getBorder(PanelEvents).Width(m.width - 2).Height(bottomHeight - 2)

	topRow := lipgloss.JoinHorizontal(
		lipgloss.Top,
		runBorder.Render(runPanel),
		taskBorder.Render(taskPanel),
	)

	return lipgloss.JoinVertical(
		lipgloss.Left,
		topRow,
		eventBorder.Render(eventPanel),
		m.renderHelpBar(),
	)
}

func (m Model) getBorder(panel Panel) lipgloss.Style {
	if m.activePanel == panel {
		return m.styles.ActiveBorder
	}
	return m.styles.InactiveBorder
}

func (m Model) renderRunPanel() string {
	var b strings.Builder

	b.WriteString(m.styles.Title.Render("Dispatch Run"))
	b.WriteString("\n\n")

	b.WriteString(m.styles.Label.Render("Run: "))
	b.WriteString(m.styles.Value.Render(m.runID))
	b.WriteString("\n\n")

	stateStyle := m.styles.StatusWarn
	switch m.runState {
	case RunActive:
		stateStyle = m.styles.StatusRunning
	case RunDone:
		stateStyle = m.styles.StatusOK
	}
	b.WriteString(m.styles.Label.Render("State: "))
	b.WriteString(stateStyle.Render(m.runState.String()))
	b.WriteString("\n\n")

	b.WriteString(m.styles.Label.Render("Elapsed: "))
	if !m.started.IsZero() {
		b.WriteString(m.styles.Value.Render(formatDuration(time.Since(m.started))))
	} else {
		b.WriteString(m.styles.Muted.Render("-"))
	}
	b.WriteString("\n\n")

	b.WriteString(m.styles.Label.Render("Completed: "))
	b.WriteString(m.styles.StatusOK.Render(fmt.Sprintf("%d", m.completed)))
	b.WriteString("  ")
	b.WriteString(m.styles.Label.Render("Failed: "))
	b.WriteString(m.styles.StatusError.Render(fmt.Sprintf("%d", m.failed)))
	b.WriteString("  ")
	b.WriteString(m.styles.Label.Render("Blocked: "))
	b.WriteString(m.styles.StatusWarn.Render(fmt.Sprintf("%d", m.blocked)))

	return b.String()
}

func (m Model) renderTaskPanel(height int) string {
	var b strings.Builder

	b.WriteString(m.styles.Title.Render("Tasks"))
	b.WriteString("\n\n")

	if len(m.tasks) == 0 {
		b.WriteString(m.styles.Muted.Render("Backlog empty"))
		return b.String()
	}

	visible := height - 4
	if visible < 1 {
		visible = 1
	}
	if m.selectedTask < m.taskScroll {
		m.taskScroll = m.selectedTask
	} else if m.selectedTask >= m.taskScroll+visible {
		m.taskScroll = m.selectedTask - visible + 1
	}

	for i := m.taskScroll; i < len(m.tasks) && i < m.taskScroll+visible; i++ {
		task := m.tasks[i]
		icon, style := m.statusIcon(task.Status)

		line := fmt.Sprintf(" %s %s %s", style.Render(icon), m.styles.Value.Render(task.ID), task.Description)
		if task.Worker != "" {
			line += m.styles.Muted.Render(" @" + task.Worker)
		}
		if task.Attempt > 0 {
			line += m.styles.Muted.Render(fmt.Sprintf(" (retry %d)", task.Attempt))
		}
		if i == m.selectedTask && m.activePanel == PanelTasks {
			line = m.styles.TaskSelected.Render(line)
		}

		b.WriteString(line)
		b.WriteString("\n")
	}

	if len(m.tasks) > visible {
		b.WriteString(m.styles.Muted.Render(fmt.Sprintf(" [%d/%d]", m.taskScroll+1, len(m.tasks))))
	}

	return b.String()
}

func (m Model) statusIcon(status backlog.Status) (string, lipgloss.Style) {
	switch status {
	case backlog.StatusPending:
		return "o", m.styles.Muted
	case backlog.StatusAnalyzing, backlog.StatusScheduled, backlog.StatusDelegated, backlog.StatusExecuting:
		return m.spinner(), m.styles.StatusRunning
	case backlog.StatusCompleted:
		return "*", m.styles.StatusOK
	case backlog.StatusFailed:
		return "x", m.styles.StatusError
	case backlog.StatusBlocked:
		return "!", m.styles.StatusWarn
	default:
		return "?", m.styles.Muted
	}
}

// spinner returns a spinner character based on the current tick.
func (m Model) spinner() string {
	frames := []string{"|", "/", "-", "\\"}
	return frames[m.progressTick%len(frames)]
}

func (m Model) renderEventPanel(width, height int) string {
	var b strings.Builder

	b.WriteString(m.styles.Title.Render("Events"))
	b.WriteString("\n\n")

	if len(m.events) == 0 {
		b.WriteString(m.styles.Muted.Render("No events yet"))
		return b.String()
	}

	visible := height - 4
	if visible < 1 {
		visible = 1
	}
	start := m.eventScroll
	if start+visible > len(m.events) {
		start = len(m.events) - visible
		if start < 0 {
			start = 0
		}
	}

	for i := start; i < len(m.events) && i < start+visible; i++ {
		entry := m.events[i]

		var levelStyle lipgloss.Style
		switch entry.Level {
		case "debug":
			levelStyle = m.styles.Muted
		case "info":
			levelStyle = m.styles.StatusRunning
		case "warn":
			levelStyle = m.styles.StatusWarn
		case "error":
			levelStyle = m.styles.StatusError
		default:
			levelStyle = m.styles.Muted
		}

		maxMsgLen := width - 20
		msg := entry.Message
		if len(msg) > maxMsgLen && maxMsgLen > 3 {
			msg = msg[:maxMsgLen-3] + "..."
		}

		b.WriteString(fmt.Sprintf("%s %s %s",
			m.styles.Muted.Render(entry.Time.Format("15:04:05")),
			levelStyle.Render(fmt.Sprintf("[%-5s]", entry.Level)),
			msg,
		))
		b.WriteString("\n")
	}

	if len(m.events) > visible {
		b.WriteString(m.styles.Muted.Render(fmt.Sprintf(" [%d/%d]", m.eventScroll+1, len(m.events))))
	}

	return b.String()
}

func (m Model) renderHelpBar() string {
	helpItems := []struct {
		key  string
		desc string
	}{
		{"tab", "switch panel"},
		{"j/k", "up/down"},
		{"q", "quit"},
	}

	var parts []string
	for _, item := range helpItems {
		parts = append(parts, fmt.Sprintf("%s %s",
			m.styles.HelpKey.Render(item.key),
			m.styles.HelpText.Render(item.desc),
		))
	}

	return "  " + strings.Join(parts, "  |  ")
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	} else if d < 24*time.Hour {
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}

// RunWithProgram starts the TUI and returns the program so the controller's
// event handler can feed it with Send.
func (m *Model) RunWithProgram() *tea.Program {
	p := tea.NewProgram(*m, tea.WithAltScreen())
	go func() {
		_, _ = p.Run()
	}()
	return p
}
