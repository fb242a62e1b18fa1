package orchestrator

import (
	"context"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskpilot/internal/scheduler"
)

// Run dispatches eligible tasks of every open project, at most Workers at a
// time, until ctx is cancelled. Cron schedules tick only while Run is active.
// On return every started execution has finished.
func (s *Service) Run(ctx context.Context) error {
	s.recurring.start()
	defer s.recurring.stop()
	return s.loop(ctx, false)
}

// RunUntilIdle dispatches like Run but returns once nothing is eligible,
// running or waiting on a requeue.
func (s *Service) RunUntilIdle(ctx context.Context) error {
	return s.loop(ctx, true)
}

func (s *Service) loop(ctx context.Context, untilIdle bool) error {
	var g errgroup.Group
	g.SetLimit(s.workers)
	defer g.Wait()

	for {
		// Check for context cancellation
		if err := ctx.Err(); err != nil {
			return err
		}

		dispatched := s.dispatch(ctx, &g)
		if untilIdle && dispatched == 0 && s.idle() {
			return nil
		}

		// Wait for a finished unit, a requeue timer or a command
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		}
	}
}

// dispatch starts every newly eligible task the pool has room for and
// returns how many were started.
func (s *Service) dispatch(ctx context.Context, g *errgroup.Group) int {
	started := 0
	for _, graph := range s.openGraphs() {
		for _, task := range s.evaluator.Eligible(graph) {
			key := task.Key()
			if s.isDeferred(key) || s.locks.Held(key) {
				continue
			}

			s.evaluator.Fire(task)
			s.active.Add(1)
			ok := g.TryGo(func() error {
				defer func() {
					s.active.Add(-1)
					s.Wake()
				}()
				if err := s.Execute(ctx, key); err != nil {
					log.Printf("ERROR: task %s: %v", key, err)
				}
				// Task errors are recorded on the task, not returned here
				return nil
			})
			if !ok {
				// Pool is full; try again when a unit finishes
				s.evaluator.Rearm(key)
				s.active.Add(-1)
				return started
			}
			started++
		}
	}
	return started
}

func (s *Service) idle() bool {
	return s.active.Load() == 0 && s.pending.Load() == 0 && len(s.locks.Keys()) == 0
}

// Dispatchable returns the keys the runner would start now, in dispatch
// order, without starting them.
func (s *Service) Dispatchable(projectID int64) ([]scheduler.Key, error) {
	g, _, err := s.graph(projectID)
	if err != nil {
		return nil, err
	}
	var keys []scheduler.Key
	for _, task := range s.evaluator.Eligible(g) {
		if key := task.Key(); !s.isDeferred(key) && !s.locks.Held(key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}
