package scheduler

import (
	"sort"
	"strconv"
	"strings"
	"sync"
)

// RepeatMode selects what counts as a re-fire event for REPEAT triggers.
type RepeatMode string

const (
	// RepeatOnCompletion re-fires once per upstream completion.
	RepeatOnCompletion RepeatMode = "completion"
	// RepeatOnMutation also re-fires when an upstream result or description is edited.
	RepeatOnMutation RepeatMode = "mutation"
)

// Satisfied reports whether the task's trigger is satisfied given a status
// lookup for sibling tasks. Tasks without trigger dependencies are satisfied.
func Satisfied(task *Task, status func(seq int) (TaskStatus, bool)) bool {
	d := task.EffectiveTrigger().DependsOn
	if len(d.TaskIDs) == 0 {
		return true
	}

	done := 0
	for _, id := range d.TaskIDs {
		if s, ok := status(id); ok && s == StatusDone {
			done++
		}
	}
	if d.Operator == OperatorAny {
		return done > 0
	}
	return done == len(d.TaskIDs)
}

// GraphStatus adapts a graph into the lookup used by Satisfied.
func GraphStatus(g *Graph) func(int) (TaskStatus, bool) {
	return func(seq int) (TaskStatus, bool) {
		t, ok := g.Get(seq)
		if !ok {
			return "", false
		}
		return t.Status, true
	}
}

// Evaluator decides which tasks are newly eligible to run. It remembers the
// satisfaction event each task last fired on, so ONCE triggers fire at most
// once and REPEAT triggers fire once per upstream event.
type Evaluator struct {
	mu          sync.Mutex
	mode        RepeatMode
	generations map[Key]uint64 // Upstream events per task key
	ticks       map[Key]uint64 // Cron ticks per scheduled task
	fired       map[Key]string // Signature each task last fired on
	held        map[Key]string // Upstream state a task could not start on
}

// NewEvaluator creates an evaluator. An empty mode means RepeatOnCompletion.
func NewEvaluator(mode RepeatMode) *Evaluator {
	if mode == "" {
		mode = RepeatOnCompletion
	}
	return &Evaluator{
		mode:        mode,
		generations: make(map[Key]uint64),
		ticks:       make(map[Key]uint64),
		fired:       make(map[Key]string),
		held:        make(map[Key]string),
	}
}

// Mode returns the configured repeat mode.
func (e *Evaluator) Mode() RepeatMode {
	return e.mode
}

// Completed records that key reached done with a stored result.
func (e *Evaluator) Completed(key Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.generations[key]++
}

// Mutated records an edit to key's result or description. It only counts as
// an event in RepeatOnMutation mode.
func (e *Evaluator) Mutated(key Key) {
	if e.mode != RepeatOnMutation {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.generations[key]++
}

// Tick records a cron tick for a scheduled task.
func (e *Evaluator) Tick(key Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ticks[key]++
}

// Fire marks the task as fired on its current satisfaction event.
func (e *Evaluator) Fire(task *Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fired[task.Key()] = e.signatureLocked(task)
	delete(e.held, task.Key())
}

// Hold keeps a task whose execution could not start from firing again
// until one of its trigger tasks completes anew or a cron tick arrives,
// whatever its execution policy.
func (e *Evaluator) Hold(task *Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.held[task.Key()] = e.upstreamLocked(task)
}

// Held reports whether key is waiting on new upstream output.
func (e *Evaluator) Held(key Key) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.held[key]
	return ok
}

// Rearm forgets the last firing so the task may fire again on the current
// event. Used when a dispatch is deferred or the user resets the task.
func (e *Evaluator) Rearm(key Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.fired, key)
	delete(e.held, key)
}

// Release lets a held task fire again after it was edited.
func (e *Evaluator) Release(key Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.held, key)
}

// ReleaseHeld lets every held task fire again, e.g. after the provider set
// changed.
func (e *Evaluator) ReleaseHeld() {
	e.mu.Lock()
	defer e.mu.Unlock()
	clear(e.held)
}

// Forget drops all state for a deleted task.
func (e *Evaluator) Forget(key Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.generations, key)
	delete(e.ticks, key)
	delete(e.fired, key)
	delete(e.held, key)
}

// signatureLocked identifies the satisfaction event a task currently sees.
func (e *Evaluator) signatureLocked(task *Task) string {
	if task.EffectiveTrigger().DependsOn.ExecutionPolicy != PolicyRepeat {
		return "once"
	}
	return e.upstreamLocked(task)
}

// upstreamLocked identifies the completions and ticks a task has seen.
func (e *Evaluator) upstreamLocked(task *Task) string {
	tc := task.EffectiveTrigger()
	ids := append([]int(nil), tc.DependsOn.TaskIDs...)
	sort.Ints(ids)
	var b strings.Builder
	for _, id := range ids {
		gen := e.generations[Key{ProjectID: task.ProjectID, Sequence: id}]
		b.WriteString(strconv.Itoa(id))
		b.WriteByte(':')
		b.WriteString(strconv.FormatUint(gen, 10))
		b.WriteByte(',')
	}
	if tc.Schedule != "" {
		b.WriteString("tick:")
		b.WriteString(strconv.FormatUint(e.ticks[task.Key()], 10))
	}
	return b.String()
}

// ShouldFire reports whether the task is newly eligible: its trigger is
// satisfied and it has not yet fired on the current event.
func (e *Evaluator) ShouldFire(task *Task, status func(int) (TaskStatus, bool)) bool {
	if task.IsPaused || task.Type == TypeInput {
		return false
	}

	tc := task.EffectiveTrigger()
	repeat := tc.DependsOn.ExecutionPolicy == PolicyRepeat
	switch task.Status {
	case StatusTodo:
	case StatusDone:
		if !repeat {
			return false
		}
	default:
		return false
	}

	if !Satisfied(task, status) {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if tc.Schedule != "" && e.ticks[task.Key()] == 0 {
		return false
	}
	if held, ok := e.held[task.Key()]; ok {
		return held != e.upstreamLocked(task)
	}
	last, fired := e.fired[task.Key()]
	if !fired {
		return true
	}
	return repeat && last != e.signatureLocked(task)
}

// Eligible returns the graph's newly eligible tasks ordered by priority
// (highest first), then display order, then sequence. A subdivided task
// waits until all of its children are done.
func (e *Evaluator) Eligible(g *Graph) []*Task {
	status := GraphStatus(g)

	var out []*Task
	for _, task := range g.Tasks() {
		if task.IsSubdivided && !g.ChildrenDone(task.Sequence) {
			continue
		}
		if e.ShouldFire(task, status) {
			out = append(out, task)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out
}
