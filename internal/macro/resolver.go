// Package macro expands task and project references in prompt text.
//
// Supported references:
//
//	{{task:N}}          title and description of task N
//	{{task:N.output}}   stored result of task N, which must be done
//	{{prev}}            result of the last passResultsFrom task, or of the
//	                    last dependency when none are passed
//
// Under an ANY trigger only the passResultsFrom tasks that are already done
// are passed; the task may fire before the others finish.
//	{{project.name}}    also .guidelines and .folder
//
// Resolution runs at execution time so upstream edits are picked up on retry.
package macro

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/aristath/taskpilot/internal/scheduler"
)

var macroPattern = regexp.MustCompile(`\{\{\s*(?:task:(\d+)(\.output)?|(prev)|project\.([a-z]+))\s*\}\}`)

// ResolutionError reports a reference that cannot be expanded.
type ResolutionError struct {
	Macro  string
	Reason string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve %s: %s", e.Macro, e.Reason)
}

// Lookup returns a sibling task by sequence.
type Lookup func(seq int) (*scheduler.Task, bool)

// Resolver expands macros against one project.
type Resolver struct {
	project scheduler.Project
	lookup  Lookup
}

// NewResolver creates a resolver for a project's tasks.
func NewResolver(project scheduler.Project, lookup Lookup) *Resolver {
	return &Resolver{project: project, lookup: lookup}
}

// Prompt builds the final prompt for task: its description with every macro
// expanded, followed by the results of its passResultsFrom tasks.
func (r *Resolver) Prompt(task *scheduler.Task) (string, error) {
	body := task.Description
	if strings.TrimSpace(body) == "" {
		body = task.Title
	}

	out, err := r.Expand(body, task)
	if err != nil {
		return "", err
	}

	passed := r.passed(task)
	if len(passed) == 0 {
		return out, nil
	}

	var b strings.Builder
	b.WriteString(out)
	for _, seq := range passed {
		dep, err := r.output(seq, fmt.Sprintf("passResultsFrom %d", seq))
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "\n\n## Result of task %d: %s\n\n%s", seq, dep.Title, dep.Result.Content)
	}
	return b.String(), nil
}

// Expand replaces every macro in text. owner is the task the text belongs to
// and anchors {{prev}}.
func (r *Resolver) Expand(text string, owner *scheduler.Task) (string, error) {
	matches := macroPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text, nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(text[last:m[0]])
		value, err := r.expandOne(text, m, owner)
		if err != nil {
			return "", err
		}
		b.WriteString(value)
		last = m[1]
	}
	b.WriteString(text[last:])
	return b.String(), nil
}

func (r *Resolver) expandOne(text string, m []int, owner *scheduler.Task) (string, error) {
	whole := text[m[0]:m[1]]
	group := func(i int) string {
		if m[2*i] < 0 {
			return ""
		}
		return text[m[2*i]:m[2*i+1]]
	}

	switch {
	case group(1) != "":
		seq, err := strconv.Atoi(group(1))
		if err != nil {
			return "", &ResolutionError{Macro: whole, Reason: "bad task number"}
		}
		if group(2) != "" {
			dep, err := r.output(seq, whole)
			if err != nil {
				return "", err
			}
			return dep.Result.Content, nil
		}
		dep, ok := r.lookup(seq)
		if !ok {
			return "", &ResolutionError{Macro: whole, Reason: fmt.Sprintf("task %d does not exist", seq)}
		}
		if dep.Description == "" {
			return dep.Title, nil
		}
		return dep.Title + "\n" + dep.Description, nil

	case group(3) != "":
		seq, ok := r.previous(owner)
		if !ok {
			return "", &ResolutionError{Macro: whole, Reason: "task has no preceding dependency"}
		}
		dep, err := r.output(seq, whole)
		if err != nil {
			return "", err
		}
		return dep.Result.Content, nil

	default:
		switch field := group(4); field {
		case "name":
			return r.project.Name, nil
		case "guidelines":
			return r.project.Guidelines, nil
		case "folder":
			return r.project.BaseFolder, nil
		default:
			return "", &ResolutionError{Macro: whole, Reason: fmt.Sprintf("unknown project field %q", field)}
		}
	}
}

// output returns a task that is done with a stored result.
func (r *Resolver) output(seq int, macro string) (*scheduler.Task, error) {
	dep, ok := r.lookup(seq)
	if !ok {
		return nil, &ResolutionError{Macro: macro, Reason: fmt.Sprintf("task %d does not exist", seq)}
	}
	if dep.Status != scheduler.StatusDone || !dep.HasResult() {
		return nil, &ResolutionError{Macro: macro, Reason: fmt.Sprintf("task %d has no result yet (status %s)", seq, dep.Status)}
	}
	return dep, nil
}

// passed returns the passResultsFrom tasks whose results go into the prompt.
func (r *Resolver) passed(task *scheduler.Task) []int {
	d := task.EffectiveTrigger().DependsOn
	if d.Operator != scheduler.OperatorAny {
		return d.PassResultsFrom
	}
	var ready []int
	for _, seq := range d.PassResultsFrom {
		if dep, ok := r.lookup(seq); ok && dep.Status == scheduler.StatusDone && dep.HasResult() {
			ready = append(ready, seq)
		}
	}
	return ready
}

func (r *Resolver) previous(owner *scheduler.Task) (int, bool) {
	if owner == nil {
		return 0, false
	}
	if passed := r.passed(owner); len(passed) > 0 {
		return passed[len(passed)-1], true
	}
	if len(owner.Dependencies) > 0 {
		return owner.Dependencies[len(owner.Dependencies)-1], true
	}
	return 0, false
}
