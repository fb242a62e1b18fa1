package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aristath/taskpilot/internal/backend"
	"github.com/aristath/taskpilot/internal/events"
	"github.com/aristath/taskpilot/internal/scheduler"
	"github.com/aristath/taskpilot/internal/subdivide"
)

func needsApproval(content, reason string) fakeStep {
	return fakeStep{done: &backend.Completion{Content: content, NeedsApproval: true, ApprovalReason: reason}}
}

func TestReject_FeedbackReachesNextAttempt(t *testing.T) {
	fb := newFakeBackend("fake", needsApproval("I will rewrite the module", "rewrite module?"), completes("done properly"))
	h := newHarness(t, []Provider{fakeProvider(fb)}, nil)
	ctx := context.Background()

	a := h.add(&scheduler.Task{Title: "Refactor", Description: "Refactor the parser"})
	h.runUntilIdle()

	if got := h.task(a.Key()); got.Status != scheduler.StatusNeedsApproval {
		t.Fatalf("status = %s, want needs_approval", got.Status)
	}
	if partial, _ := h.store.Partial(ctx, a.Key()); partial != "I will rewrite the module" {
		t.Errorf("partial = %q", partial)
	}
	var reason string
	for _, ev := range h.drain() {
		if sc, ok := ev.(events.StatusChangedEvent); ok && sc.NewStatus == scheduler.StatusNeedsApproval {
			reason = sc.Reason
		}
	}
	if reason != "rewrite module?" {
		t.Errorf("approval reason = %q", reason)
	}

	if err := h.svc.Reject(ctx, a.Key(), "missing context"); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	got := h.task(a.Key())
	if got.Status != scheduler.StatusTodo {
		t.Fatalf("status after reject = %s, want todo", got.Status)
	}
	if !strings.Contains(got.Description, "missing context") {
		t.Errorf("description = %q", got.Description)
	}
	if partial, _ := h.store.Partial(ctx, a.Key()); partial != "" {
		t.Errorf("partial not cleared: %q", partial)
	}

	h.runUntilIdle()
	if !strings.Contains(fb.Prompt(1), "Rejection feedback: missing context") {
		t.Errorf("second prompt = %q", fb.Prompt(1))
	}
	if got := h.task(a.Key()); got.Status != scheduler.StatusDone {
		t.Errorf("status = %s, want done", got.Status)
	}

	if err := h.svc.Reject(ctx, a.Key(), "too late"); err == nil {
		t.Error("expected reject of a done task to fail")
	}
}

func TestApprove_ContinuesFromPartialOutput(t *testing.T) {
	fb := newFakeBackend("fake", needsApproval("Plan: drop table users", "drop table?"), completes("table dropped"))
	h := newHarness(t, []Provider{fakeProvider(fb)}, nil)
	ctx := context.Background()

	a := h.add(&scheduler.Task{Title: "Migrate"})
	b := h.add(&scheduler.Task{Title: "Verify", Dependencies: []int{a.Sequence}})
	h.runUntilIdle()

	if err := h.svc.Approve(ctx, b.Key()); err == nil {
		t.Error("expected approve of a todo task to fail")
	}
	if err := h.svc.Approve(ctx, a.Key()); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}

	prompt := fb.Prompt(1)
	if !strings.Contains(prompt, "Plan: drop table users") || !strings.Contains(prompt, "approved") {
		t.Errorf("continuation prompt = %q", prompt)
	}
	if got := h.task(a.Key()); got.Status != scheduler.StatusDone || got.Result.Content != "table dropped" {
		t.Fatalf("A = %s %+v", got.Status, got.Result)
	}

	recs, _ := h.svc.Executions(ctx, a.Key())
	if len(recs) != 2 || recs[0].Outcome != scheduler.OutcomeNeedsApproval || recs[1].Outcome != scheduler.OutcomeSucceeded {
		t.Errorf("records = %+v", recs)
	}

	// Completion of A releases its dependent
	h.runUntilIdle()
	if got := h.task(b.Key()); got.Status != scheduler.StatusDone {
		t.Errorf("B = %s, want done", got.Status)
	}
}

func TestReviewGate_AcceptReleasesDependents(t *testing.T) {
	fb := newFakeBackend("fake", completes("draft"), completes("published"))
	h := newHarness(t, []Provider{fakeProvider(fb)}, nil)
	ctx := context.Background()

	a := h.add(&scheduler.Task{Title: "Draft", ReviewRequired: true})
	b := h.add(&scheduler.Task{Title: "Publish", Dependencies: []int{a.Sequence}})
	h.runUntilIdle()

	got := h.task(a.Key())
	if got.Status != scheduler.StatusInReview || got.Result == nil || got.Result.Content != "draft" {
		t.Fatalf("A = %s %+v, want in_review with result", got.Status, got.Result)
	}
	if fb.CallCount() != 1 {
		t.Fatalf("dependent ran before review: %d calls", fb.CallCount())
	}

	if err := h.svc.Accept(ctx, b.Key()); err == nil {
		t.Error("expected accept of a todo task to fail")
	}
	if err := h.svc.Accept(ctx, a.Key()); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	h.runUntilIdle()

	if got := h.task(b.Key()); got.Status != scheduler.StatusDone {
		t.Errorf("B = %s, want done", got.Status)
	}
}

func TestStop_KeepsPartialOutput(t *testing.T) {
	fb := newFakeBackend("fake", fakeStep{deltas: []string{"first half "}, block: true}, completes("whole"))
	h := newHarness(t, []Provider{fakeProvider(fb)}, nil)
	ctx := context.Background()
	a := h.add(&scheduler.Task{Title: "Long job"})

	errc := make(chan error, 1)
	go func() { errc <- h.svc.Execute(ctx, a.Key()) }()

	waitFor(t, "streamed content", func() bool {
		exec, ok := h.svc.inflight(a.Key())
		return ok && exec.unit.Partial() == "first half "
	})

	// A second execution of the same task is a no-op
	if err := h.svc.Execute(ctx, a.Key()); err != nil {
		t.Errorf("concurrent Execute = %v, want nil", err)
	}
	if fb.CallCount() != 1 {
		t.Errorf("calls = %d, want 1", fb.CallCount())
	}

	if err := h.svc.Stop(ctx, a.Key()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := <-errc; err != nil {
		t.Errorf("stopped Execute returned %v", err)
	}
	if h.svc.InFlight(a.Key()) {
		t.Error("lock still held after Stop")
	}
	if partial, _ := h.store.Partial(ctx, a.Key()); partial != "first half " {
		t.Errorf("partial = %q", partial)
	}
	recs, _ := h.svc.Executions(ctx, a.Key())
	if len(recs) != 1 || recs[0].Outcome != scheduler.OutcomeStopped {
		t.Errorf("records = %+v", recs)
	}
	if err := h.svc.Stop(ctx, a.Key()); !errors.Is(err, ErrNotInFlight) {
		t.Errorf("second Stop = %v, want ErrNotInFlight", err)
	}

	if err := h.svc.Reset(ctx, a.Key()); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if got := h.task(a.Key()); got.Status != scheduler.StatusTodo {
		t.Errorf("status after reset = %s", got.Status)
	}
	if partial, _ := h.store.Partial(ctx, a.Key()); partial != "" {
		t.Errorf("partial after reset = %q", partial)
	}

	h.runUntilIdle()
	if got := h.task(a.Key()); got.Status != scheduler.StatusDone {
		t.Errorf("status = %s, want done", got.Status)
	}
	if err := h.svc.Reset(ctx, a.Key()); err == nil {
		t.Error("expected reset of a done task to fail")
	}
}

func TestPause_SuspendsRunningExecution(t *testing.T) {
	fb := newFakeBackend("fake", fakeStep{deltas: []string{"a", "b"}, done: &backend.Completion{Content: "ab"}})
	h := newHarness(t, []Provider{fakeProvider(fb)}, nil)
	ctx := context.Background()
	a := h.add(&scheduler.Task{Title: "A"})

	if err := h.svc.Pause(ctx, a.Key()); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	// An explicit execution of a paused task waits for resume
	errc := make(chan error, 1)
	go func() { errc <- h.svc.Execute(ctx, a.Key()) }()
	waitFor(t, "paused execution", func() bool {
		exec, ok := h.svc.inflight(a.Key())
		return ok && exec.unit.Paused()
	})

	select {
	case err := <-errc:
		t.Fatalf("paused execution finished early: %v", err)
	case <-time.After(30 * time.Millisecond):
	}
	if fb.CallCount() != 0 {
		t.Errorf("provider called while paused")
	}

	if err := h.svc.Resume(ctx, a.Key()); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got := h.task(a.Key()); got.Status != scheduler.StatusDone || got.Result.Content != "ab" {
		t.Errorf("A = %s %+v", got.Status, got.Result)
	}
}

func TestRetry_AppendsFeedback(t *testing.T) {
	fb := newFakeBackend("fake",
		fakeStep{err: &backend.PermanentError{Provider: "fake", Err: errors.New("refused")}},
		completes("shorter answer"),
	)
	h := newHarness(t, []Provider{fakeProvider(fb)}, nil)
	ctx := context.Background()
	a := h.add(&scheduler.Task{Title: "Answer", Description: "Answer the question"})

	if err := h.svc.Execute(ctx, a.Key()); err == nil {
		t.Fatal("expected first execution to fail")
	}
	if got := h.task(a.Key()); got.Status != scheduler.StatusBlocked {
		t.Fatalf("status = %s, want blocked", got.Status)
	}

	if err := h.svc.Retry(ctx, a.Key(), "use fewer words"); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if !strings.Contains(fb.Prompt(1), "Feedback: use fewer words") {
		t.Errorf("retry prompt = %q", fb.Prompt(1))
	}
	got := h.task(a.Key())
	if got.Status != scheduler.StatusDone || got.Error != "" {
		t.Errorf("A = %s %q, want done without error", got.Status, got.Error)
	}
}

func TestSubdivision_CreatesChildren(t *testing.T) {
	reply := "Here is a plan:\n```json\n" + `{"reasoning":"three parts","subtasks":[` +
		`{"title":"Design","priority":2,"estimatedMinutes":30},` +
		`{"title":"Build","description":"write the code"},` +
		`{"title":"Test"}]}` + "\n```"
	fb := newFakeBackend("fake", completes(reply))
	h := newHarness(t, []Provider{fakeProvider(fb)}, nil)
	ctx := context.Background()

	parent := h.add(&scheduler.Task{Title: "Ship feature", Description: "Ship the export feature"})

	suggestion, err := h.svc.SuggestSubdivision(ctx, parent.Key())
	if err != nil {
		t.Fatalf("SuggestSubdivision failed: %v", err)
	}
	if suggestion.Reasoning != "three parts" || len(suggestion.Subtasks) != 3 {
		t.Fatalf("suggestion = %+v", suggestion)
	}
	if !strings.Contains(fb.Prompt(0), "Ship the export feature") {
		t.Errorf("subdivision prompt = %q", fb.Prompt(0))
	}
	if n, _ := h.svc.GraphOf(h.project.ID); len(n) != 1 {
		t.Fatalf("suggestion changed the graph: %d tasks", len(n))
	}

	children, err := h.svc.ConfirmSubdivision(ctx, parent.Key(), suggestion.Subtasks)
	if err != nil {
		t.Fatalf("ConfirmSubdivision failed: %v", err)
	}
	if len(children) != 3 {
		t.Fatalf("children = %d, want 3", len(children))
	}
	for _, c := range children {
		if c.ParentTaskID == nil || *c.ParentTaskID != parent.Sequence {
			t.Errorf("child %d parent = %v", c.Sequence, c.ParentTaskID)
		}
		if len(c.Dependencies) != 0 || c.Status != scheduler.StatusTodo {
			t.Errorf("child %d = %s deps %v", c.Sequence, c.Status, c.Dependencies)
		}
	}
	if !h.task(parent.Key()).IsSubdivided {
		t.Error("parent not marked subdivided")
	}

	_, err = h.svc.ConfirmSubdivision(ctx, parent.Key(), suggestion.Subtasks)
	var verr *scheduler.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("second ConfirmSubdivision = %v, want ValidationError", err)
	}

	other := h.add(&scheduler.Task{Title: "Other"})
	if _, err := h.svc.ConfirmSubdivision(ctx, other.Key(), nil); !errors.Is(err, subdivide.ErrNoSubtasks) {
		t.Errorf("empty ConfirmSubdivision = %v, want ErrNoSubtasks", err)
	}
}
