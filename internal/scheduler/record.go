package scheduler

import "time"

// Outcome summarises how an execution ended.
type Outcome string

const (
	OutcomeSucceeded     Outcome = "succeeded"
	OutcomeNeedsApproval Outcome = "needs_approval"
	OutcomeBlocked       Outcome = "blocked"
	OutcomeStopped       Outcome = "stopped"
	OutcomeNotStarted    Outcome = "not_started"
)

// ExecutionRecord is emitted for every finished execution unit.
type ExecutionRecord struct {
	ID           string
	Key          Key
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	Cost         float64
	Duration     time.Duration
	Outcome      Outcome
	Attempts     int
	Error        string
	StartedAt    time.Time
}

// TokensUsed returns the total tokens consumed by the execution.
func (r ExecutionRecord) TokensUsed() int {
	return r.InputTokens + r.OutputTokens
}
