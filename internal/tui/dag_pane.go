package tui

import (
	"fmt"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskpilot/internal/events"
)

// DAGPaneModel shows per-project graph progress.
type DAGPaneModel struct {
	projects map[int64]events.GraphProgressEvent
	width    int
	height   int
	focused  bool
}

// NewDAGPaneModel creates a new DAG pane model.
func NewDAGPaneModel() DAGPaneModel {
	return DAGPaneModel{projects: make(map[int64]events.GraphProgressEvent)}
}

// Update handles messages for the DAG pane.
func (m DAGPaneModel) Update(msg tea.Msg) (DAGPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case events.GraphProgressEvent:
		m.projects[msg.ProjectID] = msg
	}

	return m, nil
}

// Progress returns the last progress seen for a project.
func (m DAGPaneModel) Progress(projectID int64) (events.GraphProgressEvent, bool) {
	p, ok := m.projects[projectID]
	return p, ok
}

// View renders the DAG pane.
func (m DAGPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Graph Progress")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	ids := make([]int64, 0, len(m.projects))
	for id := range m.projects {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if len(ids) == 0 {
		b.WriteString(StyleStatusPending.Render("No open projects"))
	}
	for _, id := range ids {
		p := m.projects[id]
		fmt.Fprintf(&b, "Project %d  %s done  %s running  %s waiting  %s blocked  %s todo\n",
			id,
			StyleStatusComplete.Render(fmt.Sprint(p.Done)),
			StyleStatusRunning.Render(fmt.Sprint(p.InProgress)),
			StyleStatusWaiting.Render(fmt.Sprint(p.Waiting)),
			StyleStatusFailed.Render(fmt.Sprint(p.Blocked)),
			StyleStatusPending.Render(fmt.Sprint(p.Todo)),
		)
		if p.Total > 0 {
			b.WriteString(progressBar(p, min(m.width-4, 40)))
			b.WriteString("\n")
		}
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

func progressBar(p events.GraphProgressEvent, barWidth int) string {
	doneWidth := (p.Done * barWidth) / p.Total
	blockedWidth := (p.Blocked * barWidth) / p.Total
	runningWidth := (p.InProgress * barWidth) / p.Total
	waitingWidth := (p.Waiting * barWidth) / p.Total
	todoWidth := barWidth - doneWidth - blockedWidth - runningWidth - waitingWidth

	bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, doneWidth)))
	bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, blockedWidth)))
	bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
	bar += StyleStatusWaiting.Render(strings.Repeat("?", max(0, waitingWidth)))
	bar += StyleStatusPending.Render(strings.Repeat(".", max(0, todoWidth)))

	return fmt.Sprintf("[%s]  %d/%d", bar, p.Done, p.Total)
}

// SetSize updates the pane dimensions.
func (m *DAGPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *DAGPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
