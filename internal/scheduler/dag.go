package scheduler

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/gammazero/toposort"
)

// Graph is the acyclic dependency graph of one project's tasks.
// An edge from -> to means "to depends on from".
type Graph struct {
	mu         sync.RWMutex
	projectID  int64
	tasks      map[int]*Task // All tasks indexed by sequence
	dependents map[int][]int // Maps sequence -> sequences that depend on it
}

// NewGraph creates an empty graph for a project.
func NewGraph(projectID int64) *Graph {
	return &Graph{
		projectID:  projectID,
		tasks:      make(map[int]*Task),
		dependents: make(map[int][]int),
	}
}

// ProjectID returns the project the graph belongs to.
func (g *Graph) ProjectID() int64 {
	return g.projectID
}

// AddTask inserts a task node. Every dependency must already be present, so a
// new node can never close a cycle.
func (g *Graph) AddTask(task *Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if task.ProjectID != g.projectID {
		return &ValidationError{Field: "projectId", Reason: fmt.Sprintf("task belongs to project %d, graph to %d", task.ProjectID, g.projectID)}
	}
	if _, exists := g.tasks[task.Sequence]; exists {
		return fmt.Errorf("task %d already exists", task.Sequence)
	}
	for _, dep := range task.Dependencies {
		if dep == task.Sequence {
			return &CycleDetectedError{From: dep, To: task.Sequence}
		}
		if _, ok := g.tasks[dep]; !ok {
			return &ValidationError{Field: "dependencies", Reason: fmt.Sprintf("task %d depends on non-existent task %d", task.Sequence, dep)}
		}
	}
	if task.ParentTaskID != nil {
		if _, ok := g.tasks[*task.ParentTaskID]; !ok {
			return &ValidationError{Field: "parentTaskId", Reason: fmt.Sprintf("parent task %d not in project", *task.ParentTaskID)}
		}
	}

	g.tasks[task.Sequence] = task.Clone()
	for _, dep := range task.Dependencies {
		g.dependents[dep] = append(g.dependents[dep], task.Sequence)
	}
	return nil
}

// UpdateTask replaces the stored copy of a task. Dependencies must be edited
// through AddEdge and RemoveEdge.
func (g *Graph) UpdateTask(task *Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	current, ok := g.tasks[task.Sequence]
	if !ok {
		return fmt.Errorf("task %d: %w", task.Sequence, ErrTaskNotFound)
	}
	if !slices.Equal(current.Dependencies, task.Dependencies) {
		return &ValidationError{Field: "dependencies", Reason: "must be changed through dependency edits"}
	}
	g.tasks[task.Sequence] = task.Clone()
	return nil
}

// WouldCreateCycle reports whether adding from -> to would close a cycle, i.e.
// whether from is reachable from to along dependent edges. O(V+E).
func (g *Graph) WouldCreateCycle(from, to int) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.reachableLocked(to, from)
}

// reachableLocked runs a BFS from start along dependent edges looking for target.
func (g *Graph) reachableLocked(start, target int) bool {
	if start == target {
		return true
	}
	visited := map[int]bool{start: true}
	queue := []int{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range g.dependents[cur] {
			if next == target {
				return true
			}
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// AddEdge makes to depend on from. The updated dependent is handed to persist
// before the graph is mutated; if persist fails the graph is left unchanged.
// A nil persist only mutates the graph.
func (g *Graph) AddEdge(from, to int, persist func(*Task) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.tasks[from]; !ok {
		return fmt.Errorf("task %d: %w", from, ErrTaskNotFound)
	}
	dependent, ok := g.tasks[to]
	if !ok {
		return fmt.Errorf("task %d: %w", to, ErrTaskNotFound)
	}
	if slices.Contains(dependent.Dependencies, from) {
		return nil
	}
	if g.reachableLocked(to, from) {
		return &CycleDetectedError{From: from, To: to}
	}

	updated := dependent.Clone()
	updated.Dependencies = append(updated.Dependencies, from)
	if updated.Trigger != nil {
		updated.Trigger.DependsOn.TaskIDs = append(updated.Trigger.DependsOn.TaskIDs, from)
	}
	if persist != nil {
		if err := persist(updated); err != nil {
			return err
		}
	}

	g.tasks[to] = updated.Clone()
	g.dependents[from] = append(g.dependents[from], to)
	return nil
}

// RemoveEdge drops the dependency of to on from, including any trigger
// references to it. Persistence semantics match AddEdge.
func (g *Graph) RemoveEdge(from, to int, persist func(*Task) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	dependent, ok := g.tasks[to]
	if !ok {
		return fmt.Errorf("task %d: %w", to, ErrTaskNotFound)
	}
	if !slices.Contains(dependent.Dependencies, from) {
		return nil
	}

	updated := severDependency(dependent, from)
	if persist != nil {
		if err := persist(updated); err != nil {
			return err
		}
	}

	g.tasks[to] = updated.Clone()
	g.dependents[from] = slices.DeleteFunc(g.dependents[from], func(s int) bool { return s == to })
	return nil
}

// Severed returns copies of every dependent of seq with seq removed from
// their dependency and trigger sets. The graph is not modified.
func (g *Graph) Severed(seq int) []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []*Task
	for _, dep := range g.dependents[seq] {
		if t, ok := g.tasks[dep]; ok {
			out = append(out, severDependency(t, seq))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// RemoveTask deletes a node and severs it from all dependents.
func (g *Graph) RemoveTask(seq int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, ok := g.tasks[seq]
	if !ok {
		return fmt.Errorf("task %d: %w", seq, ErrTaskNotFound)
	}
	for _, dep := range g.dependents[seq] {
		if t, ok := g.tasks[dep]; ok {
			g.tasks[dep] = severDependency(t, seq)
		}
	}
	for _, dep := range task.Dependencies {
		g.dependents[dep] = slices.DeleteFunc(g.dependents[dep], func(s int) bool { return s == seq })
	}
	delete(g.dependents, seq)
	delete(g.tasks, seq)
	return nil
}

func severDependency(t *Task, seq int) *Task {
	cp := t.Clone()
	drop := func(s int) bool { return s == seq }
	cp.Dependencies = slices.DeleteFunc(cp.Dependencies, drop)
	if cp.Trigger != nil {
		cp.Trigger.DependsOn.TaskIDs = slices.DeleteFunc(cp.Trigger.DependsOn.TaskIDs, drop)
		cp.Trigger.DependsOn.PassResultsFrom = slices.DeleteFunc(cp.Trigger.DependsOn.PassResultsFrom, drop)
	}
	return cp
}

// Order returns the task sequences in topological order using
// gammazero/toposort. Independent tasks keep ascending sequence order.
func (g *Graph) Order() ([]int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.orderLocked()
}

func (g *Graph) orderLocked() ([]int, error) {
	seqs := make([]int, 0, len(g.tasks))
	for seq := range g.tasks {
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)

	var edges []toposort.Edge
	for _, seq := range seqs {
		task := g.tasks[seq]
		if len(task.Dependencies) == 0 {
			// Edge from nil keeps isolated tasks in the result
			edges = append(edges, toposort.Edge{nil, seq})
			continue
		}
		for _, dep := range task.Dependencies {
			edges = append(edges, toposort.Edge{dep, seq})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("graph contains cycle: %w", err)
	}

	order := make([]int, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(int))
		}
	}
	if len(order) != len(g.tasks) {
		return nil, fmt.Errorf("topological sort lost %d tasks", len(g.tasks)-len(order))
	}
	return order, nil
}

// TopologicalReady returns, in topological order, the todo tasks whose
// dependencies are all done. statuses overrides stored statuses where present.
func (g *Graph) TopologicalReady(statuses map[int]TaskStatus) ([]int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	order, err := g.orderLocked()
	if err != nil {
		return nil, err
	}

	status := func(seq int) TaskStatus {
		if s, ok := statuses[seq]; ok {
			return s
		}
		if t, ok := g.tasks[seq]; ok {
			return t.Status
		}
		return ""
	}

	var ready []int
	for _, seq := range order {
		if status(seq) != StatusTodo {
			continue
		}
		allDone := true
		for _, dep := range g.tasks[seq].Dependencies {
			if status(dep) != StatusDone {
				allDone = false
				break
			}
		}
		if allDone {
			ready = append(ready, seq)
		}
	}
	return ready, nil
}

// Get returns a copy of the task with the given sequence.
func (g *Graph) Get(seq int) (*Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	task, ok := g.tasks[seq]
	if !ok {
		return nil, false
	}
	return task.Clone(), true
}

// Tasks returns copies of all tasks ordered by sequence.
func (g *Graph) Tasks() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	tasks := make([]*Task, 0, len(g.tasks))
	for _, task := range g.tasks {
		tasks = append(tasks, task.Clone())
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Sequence < tasks[j].Sequence })
	return tasks
}

// Dependents returns the sequences that directly depend on seq.
func (g *Graph) Dependents(seq int) []int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := slices.Clone(g.dependents[seq])
	sort.Ints(out)
	return out
}

// ChildrenDone reports whether every task created by subdividing seq is done.
func (g *Graph) ChildrenDone(seq int) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, t := range g.tasks {
		if t.ParentTaskID != nil && *t.ParentTaskID == seq && t.Status != StatusDone {
			return false
		}
	}
	return true
}

// Len returns the number of tasks.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks)
}
