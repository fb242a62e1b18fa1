package orchestrator

import (
	"log"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/aristath/taskpilot/internal/scheduler"
)

// scheduleParser accepts standard five-field expressions, an optional leading
// seconds field and descriptors such as "@hourly" or "@every 10m".
var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule checks a trigger's cron expression.
func ValidateSchedule(expr string) error {
	if _, err := scheduleParser.Parse(expr); err != nil {
		return &scheduler.ValidationError{Field: "triggerConfig.schedule", Reason: err.Error()}
	}
	return nil
}

// recurring turns cron ticks of scheduled REPEAT tasks into trigger events.
type recurring struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entries map[scheduler.Key]cron.EntryID
	onTick  func(scheduler.Key)
}

func newRecurring(onTick func(scheduler.Key)) *recurring {
	return &recurring{
		cron:    cron.New(cron.WithParser(scheduleParser)),
		entries: make(map[scheduler.Key]cron.EntryID),
		onTick:  onTick,
	}
}

// schedule registers key with the cron expression expr, replacing any earlier entry.
func (r *recurring) schedule(key scheduler.Key, expr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.entries[key]; ok {
		r.cron.Remove(id)
		delete(r.entries, key)
	}
	id, err := r.cron.AddFunc(expr, func() { r.onTick(key) })
	if err != nil {
		return err
	}
	r.entries[key] = id
	return nil
}

func (r *recurring) remove(key scheduler.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.entries[key]; ok {
		r.cron.Remove(id)
		delete(r.entries, key)
	}
}

// scheduled reports whether key has a registered entry.
func (r *recurring) scheduled(key scheduler.Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[key]
	return ok
}

func (r *recurring) start() {
	r.cron.Start()
}

func (r *recurring) stop() {
	<-r.cron.Stop().Done()
}

// reschedule brings the cron entry of task in line with its trigger.
func (s *Service) reschedule(task *scheduler.Task) {
	key := task.Key()
	if task.Trigger == nil || task.Trigger.Schedule == "" {
		s.recurring.remove(key)
		return
	}
	if err := s.recurring.schedule(key, task.Trigger.Schedule); err != nil {
		log.Printf("WARNING: task %s: schedule %q not registered: %v", key, task.Trigger.Schedule, err)
	}
}

// tick records a cron tick as a satisfaction event for key.
func (s *Service) tick(key scheduler.Key) {
	s.evaluator.Tick(key)
	s.Wake()
}
