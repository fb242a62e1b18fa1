// Package subdivide proposes decompositions of a task into child tasks.
package subdivide

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aristath/taskpilot/internal/scheduler"
)

// MaxSubtasks caps the number of subtasks requested from the model.
const MaxSubtasks = 8

// Subtask is one proposed child task.
type Subtask struct {
	Title            string   `json:"title"`
	Description      string   `json:"description"`
	Priority         int      `json:"priority"`
	Tags             []string `json:"tags,omitempty"`
	EstimatedMinutes int      `json:"estimatedMinutes"`
}

// Suggestion is a proposed decomposition.
type Suggestion struct {
	Reasoning string    `json:"reasoning"`
	Subtasks  []Subtask `json:"subtasks"`
}

// ErrNoSubtasks is returned when a reply contains no usable subtasks.
var ErrNoSubtasks = errors.New("no subtasks in reply")

// Prompt builds the request sent to the provider for task.
func Prompt(project scheduler.Project, task *scheduler.Task) string {
	guidelines := strings.TrimSpace(project.Guidelines)
	if guidelines == "" {
		guidelines = "(none)"
	}
	description := strings.TrimSpace(task.Description)
	if description == "" {
		description = task.Title
	}
	return fmt.Sprintf(suggestionPrompt, project.Name, guidelines, task.Title, description, MaxSubtasks)
}

// Parse extracts a Suggestion from a model reply. The JSON object may be
// surrounded by prose or a code fence. A bare JSON array is accepted as the
// subtask list.
func Parse(reply string) (*Suggestion, error) {
	var s Suggestion

	objStart := strings.Index(reply, "{")
	objEnd := strings.LastIndex(reply, "}")
	arrStart := strings.Index(reply, "[")

	switch {
	case objStart != -1 && objEnd > objStart && (arrStart == -1 || objStart < arrStart):
		if err := json.Unmarshal([]byte(reply[objStart:objEnd+1]), &s); err != nil {
			return nil, fmt.Errorf("unmarshal suggestion: %w", err)
		}
	case arrStart != -1:
		arrEnd := strings.LastIndex(reply, "]")
		if arrEnd <= arrStart {
			return nil, fmt.Errorf("no valid JSON found in reply: %q", preview(reply))
		}
		if err := json.Unmarshal([]byte(reply[arrStart:arrEnd+1]), &s.Subtasks); err != nil {
			return nil, fmt.Errorf("unmarshal subtasks: %w", err)
		}
	default:
		return nil, fmt.Errorf("no valid JSON found in reply: %q", preview(reply))
	}

	subtasks := s.Subtasks[:0]
	for _, st := range s.Subtasks {
		st.Title = strings.TrimSpace(st.Title)
		if st.Title == "" {
			continue
		}
		if st.EstimatedMinutes < 0 {
			st.EstimatedMinutes = 0
		}
		subtasks = append(subtasks, st)
	}
	if len(subtasks) == 0 {
		return nil, ErrNoSubtasks
	}
	if len(subtasks) > MaxSubtasks {
		subtasks = subtasks[:MaxSubtasks]
	}
	s.Subtasks = subtasks
	s.Reasoning = strings.TrimSpace(s.Reasoning)
	return &s, nil
}

// Children converts subtasks into child tasks of parent. Sequences are left
// zero for the store to assign; children do not depend on each other.
func Children(parent *scheduler.Task, subtasks []Subtask) []*scheduler.Task {
	seq := parent.Sequence
	children := make([]*scheduler.Task, 0, len(subtasks))
	for i, st := range subtasks {
		p := seq
		children = append(children, &scheduler.Task{
			ProjectID:        parent.ProjectID,
			Title:            st.Title,
			Description:      st.Description,
			Status:           scheduler.StatusTodo,
			Priority:         st.Priority,
			Type:             scheduler.TypeAI,
			AssignedProvider: parent.AssignedProvider,
			ParentTaskID:     &p,
			ReviewRequired:   parent.ReviewRequired,
			Order:            parent.Order*100 + i + 1,
			Tags:             append([]string(nil), st.Tags...),
			EstimatedMinutes: st.EstimatedMinutes,
		})
	}
	return children
}

func preview(s string) string {
	if len(s) > 200 {
		return s[:200] + "... (truncated)"
	}
	return s
}
