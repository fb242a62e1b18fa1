// Package orchestrator owns the task state machine: it keeps one dependency
// graph per open project, dispatches eligible tasks to execution providers
// and publishes typed events for monitors.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aristath/taskpilot/internal/backend"
	"github.com/aristath/taskpilot/internal/config"
	"github.com/aristath/taskpilot/internal/events"
	"github.com/aristath/taskpilot/internal/persistence"
	"github.com/aristath/taskpilot/internal/ratelimit"
	"github.com/aristath/taskpilot/internal/scheduler"
)

// ErrProjectNotOpen is returned for keys whose project was never opened.
var ErrProjectNotOpen = errors.New("project not open")

// ErrNotInFlight is returned by Stop when the task has no running execution.
var ErrNotInFlight = errors.New("no execution in flight")

// Options configures a Service.
type Options struct {
	Store      persistence.Store // Required
	Bus        *events.EventBus  // Created when nil
	Providers  []Provider
	Retry      RetryConfig
	Breaker    BreakerConfig
	Workers    int                  // Concurrent executions (default 4)
	RepeatMode scheduler.RepeatMode // Default RepeatOnCompletion

	EstimatedTokens int           // Output token estimate used for cost ranking
	MaxCost         float64       // 0 means unbounded
	MaxLatency      time.Duration // 0 means unbounded

	ProcessManager *backend.ProcessManager // Tracks script and CLI subprocesses
	Clock          ratelimit.Clock         // Defaults to time.Now
}

// OptionsFromConfig maps loaded configuration onto service options.
func OptionsFromConfig(cfg *config.TaskpilotConfig, store persistence.Store, pm *backend.ProcessManager) Options {
	sc := cfg.Scheduler
	return Options{
		Store:     store,
		Providers: ProvidersFromConfig(cfg.Providers, pm),
		Retry: RetryConfig{
			MaxAttempts:         sc.MaxAttempts,
			InitialInterval:     sc.InitialInterval.Std(),
			MaxInterval:         sc.MaxInterval.Std(),
			Multiplier:          sc.Multiplier,
			RandomizationFactor: sc.RandomizationFactor,
		},
		Breaker: BreakerConfig{
			Failures: sc.BreakerFailures,
			Timeout:  sc.BreakerTimeout.Std(),
		},
		Workers:         sc.Workers,
		RepeatMode:      scheduler.RepeatMode(sc.RepeatMode),
		EstimatedTokens: sc.EstimatedTokens,
		MaxCost:         sc.MaxCost,
		MaxLatency:      sc.MaxLatency.Std(),
		ProcessManager:  pm,
	}
}

// execution is a running unit and the channel closed once it has finished.
type execution struct {
	unit *scheduler.Unit
	done chan struct{}
}

// Service is the orchestrator. All mutations of task state go through it.
type Service struct {
	store   persistence.Store
	bus     *events.EventBus
	ownsBus bool

	mu        sync.RWMutex // Guards providers, graphs and projects
	providers map[string]*provider
	graphs    map[int64]*scheduler.Graph
	projects  map[int64]scheduler.Project

	writeMu sync.Mutex // Serialises read-modify-write of tasks

	runMu    sync.Mutex
	running  map[scheduler.Key]*execution
	deferred map[scheduler.Key]struct{} // Requeued keys waiting out a retry-after

	limits    *ratelimit.Registry
	breakers  *CircuitBreakerRegistry
	retry     RetryConfig
	evaluator *scheduler.Evaluator
	locks     *scheduler.InFlightLocks
	script    backend.Backend
	recurring *recurring
	clock     ratelimit.Clock

	workers         int
	estimatedTokens int
	maxCost         float64
	maxLatency      time.Duration

	wake    chan struct{}
	active  atomic.Int64 // Units started by the runner
	pending atomic.Int64 // Requeue timers not yet fired
}

// New creates a service. Projects must be opened before their tasks can be
// used.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("orchestrator: store is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Retry == (RetryConfig{}) {
		opts.Retry = DefaultRetryConfig()
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = 1
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	switch opts.RepeatMode {
	case "", scheduler.RepeatOnCompletion, scheduler.RepeatOnMutation:
	default:
		return nil, fmt.Errorf("orchestrator: unknown repeat mode %q", opts.RepeatMode)
	}

	s := &Service{
		store:           opts.Store,
		bus:             opts.Bus,
		providers:       make(map[string]*provider),
		graphs:          make(map[int64]*scheduler.Graph),
		projects:        make(map[int64]scheduler.Project),
		running:         make(map[scheduler.Key]*execution),
		deferred:        make(map[scheduler.Key]struct{}),
		limits:          ratelimit.NewRegistry(),
		breakers:        NewCircuitBreakerRegistry(opts.Breaker),
		retry:           opts.Retry,
		evaluator:       scheduler.NewEvaluator(opts.RepeatMode),
		locks:           scheduler.NewInFlightLocks(),
		script:          backend.NewScriptBackend(backend.Config{Name: scriptProvider}, opts.ProcessManager),
		clock:           opts.Clock,
		workers:         opts.Workers,
		estimatedTokens: opts.EstimatedTokens,
		maxCost:         opts.MaxCost,
		maxLatency:      opts.MaxLatency,
		wake:            make(chan struct{}, 1),
	}
	if s.bus == nil {
		s.bus = events.NewEventBus()
		s.ownsBus = true
	}
	s.recurring = newRecurring(s.tick)

	if err := s.SetProviders(opts.Providers); err != nil {
		return nil, err
	}
	return s, nil
}

// Bus returns the event bus the service publishes on.
func (s *Service) Bus() *events.EventBus {
	return s.bus
}

// Close stops the cron scheduler, closes provider backends and, if the
// service created it, the event bus. Running executions are not waited for.
func (s *Service) Close() error {
	s.recurring.stop()

	s.mu.Lock()
	providers := s.providers
	s.providers = make(map[string]*provider)
	s.mu.Unlock()

	var errs []error
	for id, p := range providers {
		s.limits.Set(id, nil, 0)
		if p.Backend != nil {
			if err := p.Backend.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close provider %s: %w", id, err))
			}
		}
	}
	if s.ownsBus {
		s.bus.Close()
	}
	return errors.Join(errs...)
}

// Open loads a project's tasks into a graph. Tasks left in_progress by a
// previous process are reset to todo. Opening an open project is a no-op.
func (s *Service) Open(ctx context.Context, projectID int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	_, open := s.graphs[projectID]
	s.mu.RUnlock()
	if open {
		return nil
	}

	project, err := s.store.Project(ctx, projectID)
	if err != nil {
		return fmt.Errorf("open project %d: %w", projectID, err)
	}
	tasks, err := s.store.Load(ctx, projectID)
	if err != nil {
		return fmt.Errorf("open project %d: %w", projectID, err)
	}

	g := scheduler.NewGraph(projectID)
	if err := buildGraph(g, tasks); err != nil {
		return fmt.Errorf("open project %d: %w", projectID, err)
	}

	for _, task := range g.Tasks() {
		switch task.Status {
		case scheduler.StatusInProgress:
			log.Printf("WARNING: task %s was in progress at shutdown, resetting to todo", task.Key())
			task.Status = scheduler.StatusTodo
			saved, err := s.store.Save(ctx, task)
			if err != nil {
				return fmt.Errorf("open project %d: reset task %d: %w", projectID, task.Sequence, err)
			}
			if err := g.UpdateTask(saved); err != nil {
				return err
			}
		case scheduler.StatusDone:
			// Already ran on the event it currently sees
			s.evaluator.Fire(task)
		}
	}

	s.mu.Lock()
	s.graphs[projectID] = g
	s.projects[projectID] = *project
	s.mu.Unlock()

	for _, task := range g.Tasks() {
		s.reschedule(task)
	}
	s.publishProgress(projectID)
	s.Wake()
	return nil
}

// buildGraph inserts tasks so every dependency is present before its
// dependents, whatever order the store returned them in.
func buildGraph(g *scheduler.Graph, tasks []*scheduler.Task) error {
	pending := tasks
	for len(pending) > 0 {
		var next []*scheduler.Task
		for _, task := range pending {
			if !resolvable(g, task) {
				next = append(next, task)
				continue
			}
			if err := g.AddTask(task); err != nil {
				return err
			}
		}
		if len(next) == len(pending) {
			return fmt.Errorf("%d tasks have missing or cyclic dependencies", len(next))
		}
		pending = next
	}
	return nil
}

func resolvable(g *scheduler.Graph, task *scheduler.Task) bool {
	for _, dep := range task.Dependencies {
		if _, ok := g.Get(dep); !ok {
			return false
		}
	}
	if task.ParentTaskID != nil {
		if _, ok := g.Get(*task.ParentTaskID); !ok {
			return false
		}
	}
	return true
}

// Wake asks the runner loop to re-evaluate eligibility.
func (s *Service) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) now() time.Time {
	return s.clock()
}

func (s *Service) graph(projectID int64) (*scheduler.Graph, scheduler.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.graphs[projectID]
	if !ok {
		return nil, scheduler.Project{}, fmt.Errorf("project %d: %w", projectID, ErrProjectNotOpen)
	}
	return g, s.projects[projectID], nil
}

func (s *Service) openGraphs() []*scheduler.Graph {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*scheduler.Graph, 0, len(s.graphs))
	for _, g := range s.graphs {
		out = append(out, g)
	}
	return out
}

// lookup returns the graph and a copy of the task for key.
func (s *Service) lookup(key scheduler.Key) (*scheduler.Graph, *scheduler.Task, error) {
	g, _, err := s.graph(key.ProjectID)
	if err != nil {
		return nil, nil, err
	}
	task, ok := g.Get(key.Sequence)
	if !ok {
		return nil, nil, fmt.Errorf("task %s: %w", key, scheduler.ErrTaskNotFound)
	}
	return g, task, nil
}

// mutate applies fn to a copy of the task, persists it and then updates the
// graph. A failing fn or store write leaves both untouched. A status change
// is published with reason.
func (s *Service) mutate(ctx context.Context, key scheduler.Key, reason string, fn func(t *scheduler.Task) error) (*scheduler.Task, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	g, task, err := s.lookup(key)
	if err != nil {
		return nil, err
	}
	old := task.Status
	if err := fn(task); err != nil {
		return nil, err
	}

	saved, err := s.store.Save(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("save task %s: %w", key, err)
	}
	if err := g.UpdateTask(saved); err != nil {
		return nil, err
	}

	if saved.Status != old {
		s.publishStatus(saved, old, reason)
		s.publishProgress(key.ProjectID)
	}
	return saved, nil
}

// completed runs downstream trigger evaluation after key's done write is durable.
func (s *Service) completed(key scheduler.Key) {
	s.evaluator.Completed(key)
	s.Wake()
}

func (s *Service) publishStatus(task *scheduler.Task, old scheduler.TaskStatus, reason string) {
	s.bus.Publish(events.TopicTask, events.StatusChangedEvent{
		Key:       task.Key(),
		Title:     task.Title,
		OldStatus: old,
		NewStatus: task.Status,
		Reason:    reason,
		Timestamp: s.now(),
	})
}

func (s *Service) publishProgress(projectID int64) {
	g, _, err := s.graph(projectID)
	if err != nil {
		return
	}

	ev := events.GraphProgressEvent{ProjectID: projectID, Timestamp: s.now()}
	for _, task := range g.Tasks() {
		ev.Total++
		switch task.Status {
		case scheduler.StatusTodo:
			ev.Todo++
		case scheduler.StatusInProgress:
			ev.InProgress++
		case scheduler.StatusNeedsApproval, scheduler.StatusInReview:
			ev.Waiting++
		case scheduler.StatusDone:
			ev.Done++
		case scheduler.StatusBlocked:
			ev.Blocked++
		}
	}
	s.bus.Publish(events.TopicGraph, ev)
}

// Task returns a copy of the task for key.
func (s *Service) Task(key scheduler.Key) (*scheduler.Task, error) {
	_, task, err := s.lookup(key)
	return task, err
}

// IsReady reports whether the task's trigger is satisfied and it could be
// executed now.
func (s *Service) IsReady(key scheduler.Key) (bool, error) {
	g, task, err := s.lookup(key)
	if err != nil {
		return false, err
	}
	if s.locks.Held(key) || task.IsPaused || task.Type == scheduler.TypeInput {
		return false, nil
	}
	if !runnableStatus(task) || (task.IsSubdivided && !g.ChildrenDone(task.Sequence)) {
		return false, nil
	}
	return scheduler.Satisfied(task, scheduler.GraphStatus(g)), nil
}

// GraphOf returns copies of a project's tasks in topological order.
func (s *Service) GraphOf(projectID int64) ([]*scheduler.Task, error) {
	g, _, err := s.graph(projectID)
	if err != nil {
		return nil, err
	}
	order, err := g.Order()
	if err != nil {
		return nil, err
	}

	tasks := make([]*scheduler.Task, 0, len(order))
	for _, seq := range order {
		if task, ok := g.Get(seq); ok {
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

// InFlight reports whether key has an execution running.
func (s *Service) InFlight(key scheduler.Key) bool {
	return s.locks.Held(key)
}

// Executions returns the recorded executions of a task, oldest first.
func (s *Service) Executions(ctx context.Context, key scheduler.Key) ([]scheduler.ExecutionRecord, error) {
	return s.store.Executions(ctx, key)
}
