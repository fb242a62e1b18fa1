// Package tui is a terminal monitor for a running orchestrator. It renders
// the events published on the event bus and never mutates task state.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskpilot/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneActivity
	PaneDAG
)

// maxActivity caps the activity log.
const maxActivity = 500

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	taskPane    TaskPaneModel
	dagPane     DAGPaneModel
	activity    []string
	activityVP  viewport.Model
	focusedPane PaneID
	bus         *events.EventBus
	eventSub    <-chan events.Event
	width       int
	height      int
	quitting    bool
}

// New creates a new TUI model.
// It subscribes to all events from the event bus using SubscribeAll.
func New(eventBus *events.EventBus) Model {
	return Model{
		taskPane:    NewTaskPaneModel(),
		dagPane:     NewDAGPaneModel(),
		activityVP:  viewport.New(0, 0),
		focusedPane: PaneTasks,
		bus:         eventBus,
		eventSub:    eventBus.SubscribeAll(1024),
	}
}

// Close ends the model's subscription.
func (m Model) Close() {
	m.bus.Unsubscribe(m.eventSub)
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % 3
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + 2) % 3
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneActivity
			m.updateFocusStates()

		case KeyPane3:
			m.focusedPane = PaneDAG
			m.updateFocusStates()

		default:
			// Delegate to focused pane
			var cmd tea.Cmd
			switch m.focusedPane {
			case PaneTasks:
				m.taskPane, cmd = m.taskPane.Update(msg)
			case PaneActivity:
				m.activityVP, cmd = m.activityVP.Update(msg)
			case PaneDAG:
				m.dagPane, cmd = m.dagPane.Update(msg)
			}
			cmds = append(cmds, cmd)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case tickMsg:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)

	case events.StatusChangedEvent, events.ProgressEvent, events.ExecutionCompletedEvent, events.ExecutionFailedEvent:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)
		m.logActivity(msg.(events.Event))
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.ExecutionRequeuedEvent:
		m.logActivity(msg)
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.GraphProgressEvent:
		var cmd tea.Cmd
		m.dagPane, cmd = m.dagPane.Update(msg)
		cmds = append(cmds, cmd)
		cmds = append(cmds, waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

// logActivity appends a one-line summary of ev. Streamed deltas are shown in
// the task pane only.
func (m *Model) logActivity(ev events.Event) {
	line := describe(ev)
	if line == "" {
		return
	}
	m.activity = append(m.activity, line)
	if len(m.activity) > maxActivity {
		m.activity = m.activity[len(m.activity)-maxActivity:]
	}
	m.activityVP.SetContent(strings.Join(m.activity, "\n"))
	m.activityVP.GotoBottom()
}

func describe(ev events.Event) string {
	switch e := ev.(type) {
	case events.StatusChangedEvent:
		from := string(e.OldStatus)
		if from == "" {
			from = "new"
		}
		line := fmt.Sprintf("%s %s %s: %s -> %s", e.Timestamp.Format("15:04:05"), e.Key, e.Title, from, e.NewStatus)
		if e.Reason != "" {
			line += " (" + e.Reason + ")"
		}
		return line
	case events.ExecutionCompletedEvent:
		r := e.Record
		return fmt.Sprintf("%s %s %s via %s: %d attempt(s), %d tokens, $%.4f",
			e.Timestamp.Format("15:04:05"), r.Key, r.Outcome, r.Provider, r.Attempts, r.TokensUsed(), r.Cost)
	case events.ExecutionFailedEvent:
		return StyleStatusFailed.Render(fmt.Sprintf("%s %s %s via %s: %v",
			e.Timestamp.Format("15:04:05"), e.Record.Key, e.Record.Outcome, e.Record.Provider, e.Err))
	case events.ExecutionRequeuedEvent:
		return StyleStatusWaiting.Render(fmt.Sprintf("%s %s requeued: %s unavailable for %s",
			e.Timestamp.Format("15:04:05"), e.Key, e.Provider, e.RetryAfter))
	}
	return ""
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}

	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	leftWidth := (m.width * 45) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1 // Help bar
	rightTopHeight := (availableHeight * 60) / 100

	leftPane := m.taskPane.View()

	activityStyle := StyleUnfocusedBorder
	if m.focusedPane == PaneActivity {
		activityStyle = StyleFocusedBorder
	}
	rightTop := activityStyle.
		Width(rightWidth - 2).
		Height(rightTopHeight - 2).
		Render(StyleTitle.Render(m.activityTitle()) + "\n" + m.activityVP.View())

	rightBottom := m.dagPane.View()

	rightPane := lipgloss.JoinVertical(lipgloss.Left, rightTop, rightBottom)
	mainContent := lipgloss.JoinHorizontal(lipgloss.Top, leftPane, rightPane)

	return lipgloss.JoinVertical(lipgloss.Left, mainContent, HelpView())
}

// activityTitle reports bus deliveries lost to full subscribers, so a
// gap in the log is visible.
func (m Model) activityTitle() string {
	if n := m.bus.Dropped(); n > 0 {
		return fmt.Sprintf("Activity (%d events dropped)", n)
	}
	return "Activity"
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 45) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1
	rightTopHeight := (availableHeight * 60) / 100
	rightBottomHeight := availableHeight - rightTopHeight

	m.taskPane.SetSize(leftWidth, availableHeight)
	m.activityVP.Width = max(rightWidth-4, 10)
	m.activityVP.Height = max(rightTopHeight-3, 3)
	m.dagPane.SetSize(rightWidth, rightBottomHeight)

	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.dagPane.SetFocused(m.focusedPane == PaneDAG)
}
