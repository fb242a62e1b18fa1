package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskpilot/internal/events"
	"github.com/aristath/taskpilot/internal/scheduler"
)

// TaskState is what the monitor knows about one task.
type TaskState struct {
	Key       scheduler.Key
	Title     string
	Status    scheduler.TaskStatus
	Reason    string // Last error or approval reason
	Output    strings.Builder
	Attempts  int
	UpdatedAt time.Time
}

// TaskPaneModel is the task list with a viewport over the selected task's
// streamed output.
type TaskPaneModel struct {
	tasks       map[scheduler.Key]*TaskState
	order       []scheduler.Key // First-seen order
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int // Debounces viewport refreshes
}

// NewTaskPaneModel creates an empty task pane.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks:    make(map[scheduler.Key]*TaskState),
		viewport: viewport.New(0, 0),
	}
}

type tickMsg struct {
	tag int
}

func (m *TaskPaneModel) state(key scheduler.Key) *TaskState {
	if st, ok := m.tasks[key]; ok {
		return st
	}
	st := &TaskState{Key: key, Status: scheduler.StatusTodo}
	m.tasks[key] = st
	m.order = append(m.order, key)
	if len(m.order) == 1 {
		m.selectedIdx = 0
		m.updateViewportContent()
	}
	return st
}

// Update handles key presses and task events.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.StatusChangedEvent:
		st := m.state(msg.Key)
		if msg.Title != "" {
			st.Title = msg.Title
		}
		if msg.NewStatus == scheduler.StatusInProgress && msg.OldStatus != scheduler.StatusNeedsApproval {
			st.Output.Reset()
		}
		st.Status = msg.NewStatus
		st.Reason = msg.Reason
		st.UpdatedAt = msg.Timestamp
		if m.selectedKey() == msg.Key {
			m.updateViewportContent()
		}

	case events.ProgressEvent:
		st := m.state(msg.Key)
		st.Output.WriteString(msg.ContentDelta)
		st.UpdatedAt = msg.Timestamp
		if m.selectedKey() == msg.Key {
			m.updateTag++
			tag := m.updateTag
			return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
				return tickMsg{tag: tag}
			})
		}

	case events.ExecutionCompletedEvent:
		st := m.state(msg.Record.Key)
		st.Attempts = msg.Record.Attempts
		if m.selectedKey() == msg.Record.Key {
			m.updateViewportContent()
		}

	case events.ExecutionFailedEvent:
		st := m.state(msg.Record.Key)
		st.Attempts = msg.Record.Attempts
		if msg.Err != nil {
			st.Reason = msg.Err.Error()
		}
		if m.selectedKey() == msg.Record.Key {
			m.updateViewportContent()
		}

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

// View renders the pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := 28
	viewportWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m TaskPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, key := range m.order {
		st := m.tasks[key]
		name := fmt.Sprintf("%d %s", key.Sequence, st.Title)
		if len(name) > width-4 {
			name = name[:width-7] + "..."
		}

		line := fmt.Sprintf("%s %s", StatusIcon(st.Status), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled indicator for a task status.
func StatusIcon(status scheduler.TaskStatus) string {
	switch status {
	case scheduler.StatusInProgress:
		return StyleStatusRunning.Render("●")
	case scheduler.StatusDone:
		return StyleStatusComplete.Render("✓")
	case scheduler.StatusBlocked:
		return StyleStatusFailed.Render("✗")
	case scheduler.StatusNeedsApproval, scheduler.StatusInReview:
		return StyleStatusWaiting.Render("?")
	default:
		return StyleStatusPending.Render("○")
	}
}

func (m TaskPaneModel) selectedKey() scheduler.Key {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return scheduler.Key{}
}

// Selected returns the state of the selected task, if any.
func (m TaskPaneModel) Selected() (*TaskState, bool) {
	st, ok := m.tasks[m.selectedKey()]
	return st, ok
}

func (m *TaskPaneModel) updateViewportContent() {
	st, ok := m.tasks[m.selectedKey()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s  [%s]", st.Title, st.Status)
	if st.Attempts > 1 {
		fmt.Fprintf(&b, "  %d attempts", st.Attempts)
	}
	b.WriteString("\n")
	if st.Reason != "" {
		b.WriteString(StyleStatusWaiting.Render(st.Reason))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(st.Output.String())

	m.viewport.SetContent(b.String())
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-28-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
