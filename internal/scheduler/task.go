package scheduler

import (
	"fmt"
	"slices"
	"time"
)

// Key identifies a task by its project and per-project sequence number.
// Sequences are assigned at creation and never reused within a project.
type Key struct {
	ProjectID int64
	Sequence  int
}

func (k Key) String() string {
	return fmt.Sprintf("%d#%d", k.ProjectID, k.Sequence)
}

// TaskStatus represents the logical state of a task.
type TaskStatus string

const (
	StatusTodo          TaskStatus = "todo"           // Waiting for its trigger or a user action
	StatusInProgress    TaskStatus = "in_progress"    // Owned by the scheduler
	StatusNeedsApproval TaskStatus = "needs_approval" // Execution asked for manual confirmation
	StatusInReview      TaskStatus = "in_review"      // Result stored, waiting for acceptance
	StatusDone          TaskStatus = "done"           // Result stored and accepted
	StatusBlocked       TaskStatus = "blocked"        // Retries exhausted or permanent error
)

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusNeedsApproval, StatusInReview, StatusDone, StatusBlocked:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal status.
func (s TaskStatus) Terminal() bool {
	return s == StatusDone
}

// TaskType selects how a task is executed.
type TaskType string

const (
	TypeAI     TaskType = "ai"     // Prompt sent to an execution provider
	TypeScript TaskType = "script" // Description runs as a shell script
	TypeInput  TaskType = "input"  // Completed by user-supplied input
	TypeOutput TaskType = "output" // Resolved prompt becomes the result
)

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	switch t {
	case TypeAI, TypeScript, TypeInput, TypeOutput:
		return true
	}
	return false
}

// Operator combines dependency states in a trigger.
type Operator string

const (
	OperatorAll Operator = "ALL"
	OperatorAny Operator = "ANY"
)

// ExecutionPolicy controls how often a trigger may fire.
type ExecutionPolicy string

const (
	PolicyOnce   ExecutionPolicy = "ONCE"
	PolicyRepeat ExecutionPolicy = "REPEAT"
)

// DependsOn is the declarative gate of a trigger.
type DependsOn struct {
	TaskIDs         []int           `json:"taskIds"`
	Operator        Operator        `json:"operator"`
	PassResultsFrom []int           `json:"passResultsFrom,omitempty"`
	ExecutionPolicy ExecutionPolicy `json:"executionPolicy"`
}

// TriggerConfig decides when a task becomes eligible to run.
type TriggerConfig struct {
	DependsOn DependsOn `json:"dependsOn"`
	// Schedule is an optional cron expression. Only valid with PolicyRepeat; each tick
	// counts as a satisfaction event.
	Schedule string `json:"schedule,omitempty"`
}

// Result is the opaque payload produced by an execution.
type Result struct {
	Content     string `json:"content"`
	ContentType string `json:"contentType"`
}

// Task represents a node in a project's dependency graph.
type Task struct {
	ProjectID        int64
	Sequence         int
	Title            string
	Description      string // Prompt body
	Status           TaskStatus
	Priority         int
	Type             TaskType
	Dependencies     []int // Ordered set of sequence numbers
	Trigger          *TriggerConfig
	AssignedProvider string
	ParentTaskID     *int // Sequence of the parent, set by subdivision
	IsSubdivided     bool
	IsPaused         bool
	ReviewRequired   bool
	Order            int
	Tags             []string
	EstimatedMinutes int
	Result           *Result
	Error            string // Last recorded execution error
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Key returns the composite identity of the task.
func (t *Task) Key() Key {
	return Key{ProjectID: t.ProjectID, Sequence: t.Sequence}
}

// HasResult reports whether a non-nil result is stored.
func (t *Task) HasResult() bool {
	return t.Result != nil
}

// EffectiveTrigger returns the trigger that gates the task. Tasks without an
// explicit trigger wait for ALL of their dependencies, once.
func (t *Task) EffectiveTrigger() TriggerConfig {
	if t.Trigger != nil {
		return *t.Trigger
	}
	return TriggerConfig{
		DependsOn: DependsOn{
			TaskIDs:         slices.Clone(t.Dependencies),
			Operator:        OperatorAll,
			ExecutionPolicy: PolicyOnce,
		},
	}
}

// Validate checks structural invariants that do not depend on other tasks.
func (t *Task) Validate() error {
	if t.Title == "" {
		return &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if !t.Type.Valid() {
		return &ValidationError{Field: "taskType", Reason: fmt.Sprintf("unknown task type %q", t.Type)}
	}
	if t.Status != "" && !t.Status.Valid() {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", t.Status)}
	}
	seen := make(map[int]bool, len(t.Dependencies))
	for _, dep := range t.Dependencies {
		if dep == t.Sequence && t.Sequence != 0 {
			return &ValidationError{Field: "dependencies", Reason: "task cannot depend on itself"}
		}
		if seen[dep] {
			return &ValidationError{Field: "dependencies", Reason: fmt.Sprintf("duplicate dependency %d", dep)}
		}
		seen[dep] = true
	}
	if t.Trigger != nil {
		return ValidateTrigger(t.Trigger, t.Dependencies)
	}
	return nil
}

// ValidateTrigger checks a trigger against the owning task's dependencies.
// Trigger task IDs must be dependencies, and passed results must come from
// trigger task IDs.
func ValidateTrigger(tc *TriggerConfig, deps []int) error {
	d := tc.DependsOn
	switch d.Operator {
	case OperatorAll, OperatorAny:
	default:
		return &ValidationError{Field: "triggerConfig.operator", Reason: fmt.Sprintf("unknown operator %q", d.Operator)}
	}
	switch d.ExecutionPolicy {
	case PolicyOnce, PolicyRepeat:
	default:
		return &ValidationError{Field: "triggerConfig.executionPolicy", Reason: fmt.Sprintf("unknown policy %q", d.ExecutionPolicy)}
	}
	for _, id := range d.TaskIDs {
		if !slices.Contains(deps, id) {
			return &ValidationError{Field: "triggerConfig.taskIds", Reason: fmt.Sprintf("task %d is not a dependency", id)}
		}
	}
	for _, id := range d.PassResultsFrom {
		if !slices.Contains(d.TaskIDs, id) {
			return &ValidationError{Field: "triggerConfig.passResultsFrom", Reason: fmt.Sprintf("task %d is not a trigger task", id)}
		}
	}
	if tc.Schedule != "" && d.ExecutionPolicy != PolicyRepeat {
		return &ValidationError{Field: "triggerConfig.schedule", Reason: "schedule requires REPEAT policy"}
	}
	return nil
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}

	cp := *t
	cp.Dependencies = slices.Clone(t.Dependencies)
	cp.Tags = slices.Clone(t.Tags)
	if t.Trigger != nil {
		tc := *t.Trigger
		tc.DependsOn.TaskIDs = slices.Clone(t.Trigger.DependsOn.TaskIDs)
		tc.DependsOn.PassResultsFrom = slices.Clone(t.Trigger.DependsOn.PassResultsFrom)
		cp.Trigger = &tc
	}
	if t.ParentTaskID != nil {
		p := *t.ParentTaskID
		cp.ParentTaskID = &p
	}
	if t.Result != nil {
		r := *t.Result
		cp.Result = &r
	}
	return &cp
}
