package macro

import (
	"errors"
	"strings"
	"testing"

	"github.com/aristath/taskpilot/internal/scheduler"
)

func fixture() map[int]*scheduler.Task {
	return map[int]*scheduler.Task{
		1: {Sequence: 1, Title: "Research", Description: "Collect sources", Status: scheduler.StatusDone, Result: &scheduler.Result{Content: "three papers"}},
		2: {Sequence: 2, Title: "Outline", Status: scheduler.StatusDone, Result: &scheduler.Result{Content: "intro, body, end"}},
		3: {Sequence: 3, Title: "Draft", Status: scheduler.StatusDone, Result: &scheduler.Result{Content: "the draft text"}},
		4: {Sequence: 4, Title: "Review", Status: scheduler.StatusTodo},
	}
}

func newResolver(tasks map[int]*scheduler.Task) *Resolver {
	project := scheduler.Project{ID: 1, Name: "Book", Guidelines: "Be concise", BaseFolder: "/srv/book"}
	return NewResolver(project, func(seq int) (*scheduler.Task, bool) {
		t, ok := tasks[seq]
		return t, ok
	})
}

func TestExpandTaskOutput(t *testing.T) {
	r := newResolver(fixture())

	got, err := r.Expand("{{task:3.output}}", nil)
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}
	if got != "the draft text" {
		t.Errorf("Expand() = %q, want exactly the stored result", got)
	}
}

func TestExpandTaskOutputNotDone(t *testing.T) {
	tasks := fixture()
	tasks[3].Status = scheduler.StatusInProgress
	r := newResolver(tasks)

	_, err := r.Expand("Use {{task:3.output}}", nil)
	var resErr *ResolutionError
	if !errors.As(err, &resErr) {
		t.Fatalf("expected ResolutionError, got %v", err)
	}
	if resErr.Macro != "{{task:3.output}}" {
		t.Errorf("Macro = %q", resErr.Macro)
	}
}

func TestExpand(t *testing.T) {
	owner := &scheduler.Task{Sequence: 5, Dependencies: []int{1, 2}}
	passing := &scheduler.Task{Sequence: 6, Dependencies: []int{1, 2}, Trigger: &scheduler.TriggerConfig{
		DependsOn: scheduler.DependsOn{TaskIDs: []int{1, 2}, Operator: scheduler.OperatorAll, PassResultsFrom: []int{2, 1}},
	}}

	tests := []struct {
		name    string
		text    string
		owner   *scheduler.Task
		want    string
		wantErr bool
	}{
		{name: "plain text", text: "no macros {here}", want: "no macros {here}"},
		{name: "task reference", text: "See {{task:1}}.", want: "See Research\nCollect sources."},
		{name: "title only", text: "{{task:2}}", want: "Outline"},
		{name: "project fields", text: "{{project.name}} in {{ project.folder }}: {{project.guidelines}}", want: "Book in /srv/book: Be concise"},
		{name: "prev uses last dependency", text: "{{prev}}", owner: owner, want: "intro, body, end"},
		{name: "prev uses passResultsFrom order", text: "{{prev}}", owner: passing, want: "three papers"},
		{name: "prev without dependencies", text: "{{prev}}", owner: &scheduler.Task{Sequence: 7}, wantErr: true},
		{name: "missing task", text: "{{task:99}}", wantErr: true},
		{name: "unknown project field", text: "{{project.owner}}", wantErr: true},
		{name: "pending output", text: "{{task:4.output}}", wantErr: true},
	}

	r := newResolver(fixture())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Expand(tt.text, tt.owner)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expand() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("Expand() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPromptAppendsPassedResults(t *testing.T) {
	r := newResolver(fixture())
	task := &scheduler.Task{
		Sequence:     5,
		Title:        "Summarise",
		Description:  "Summarise for {{project.name}}",
		Dependencies: []int{1, 3},
		Trigger: &scheduler.TriggerConfig{DependsOn: scheduler.DependsOn{
			TaskIDs:         []int{1, 3},
			Operator:        scheduler.OperatorAll,
			PassResultsFrom: []int{3},
		}},
	}

	got, err := r.Prompt(task)
	if err != nil {
		t.Fatalf("Prompt failed: %v", err)
	}
	if !strings.HasPrefix(got, "Summarise for Book") {
		t.Errorf("prompt body not expanded: %q", got)
	}
	if !strings.Contains(got, "## Result of task 3: Draft\n\nthe draft text") {
		t.Errorf("passed result missing: %q", got)
	}
	if strings.Contains(got, "three papers") {
		t.Errorf("result of a task not in passResultsFrom was included: %q", got)
	}
}

func TestPromptAnyPassesFinishedResults(t *testing.T) {
	r := newResolver(fixture())
	trigger := func(op scheduler.Operator) *scheduler.TriggerConfig {
		return &scheduler.TriggerConfig{DependsOn: scheduler.DependsOn{
			TaskIDs:         []int{2, 4},
			Operator:        op,
			PassResultsFrom: []int{2, 4},
		}}
	}
	task := &scheduler.Task{
		Sequence:     6,
		Title:        "React",
		Description:  "Respond to {{prev}}",
		Dependencies: []int{2, 4},
		Trigger:      trigger(scheduler.OperatorAny),
	}

	got, err := r.Prompt(task)
	if err != nil {
		t.Fatalf("Prompt failed: %v", err)
	}
	if !strings.HasPrefix(got, "Respond to intro, body, end") {
		t.Errorf("{{prev}} not the finished task: %q", got)
	}
	if !strings.Contains(got, "## Result of task 2: Outline") || strings.Contains(got, "task 4") {
		t.Errorf("unexpected passed results: %q", got)
	}

	// ALL still requires every passed result
	task.Trigger = trigger(scheduler.OperatorAll)
	var rerr *ResolutionError
	if _, err := r.Prompt(task); !errors.As(err, &rerr) {
		t.Errorf("expected ResolutionError under ALL, got %v", err)
	}
}

func TestPromptFallsBackToTitle(t *testing.T) {
	r := newResolver(fixture())
	got, err := r.Prompt(&scheduler.Task{Sequence: 8, Title: "Write tests"})
	if err != nil {
		t.Fatalf("Prompt failed: %v", err)
	}
	if got != "Write tests" {
		t.Errorf("Prompt() = %q, want title", got)
	}
}
