package backend

import (
	"context"
	"fmt"
	"time"
)

const defaultMaxTokens = 4096

// Backend defines the interface that all execution providers implement.
type Backend interface {
	// Name returns the provider ID.
	Name() string

	// Execute starts a call and streams its output. The channel is closed
	// after a final Chunk carrying Done or Err. Cancelling ctx aborts the call.
	Execute(ctx context.Context, req Request) (<-chan Chunk, error)

	// Close releases backend resources.
	Close() error
}

// New creates a backend from its configuration.
func New(cfg Config, pm *ProcessManager) (Backend, error) {
	if cfg.Name == "" {
		cfg.Name = cfg.Type
	}
	switch cfg.Type {
	case "anthropic":
		return NewAnthropicBackend(cfg)
	case "openai":
		return NewOpenAIBackend(cfg)
	case "claude":
		return NewClaudeAdapter(cfg, pm)
	case "codex":
		return NewCodexAdapter(cfg, pm)
	case "goose":
		return NewGooseAdapter(cfg, pm)
	case "script":
		return NewScriptBackend(cfg, pm), nil
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}

// stream runs fn in a goroutine and adapts it to a Chunk channel. fn calls
// emit for every delta and returns the completion. Duration, cost and the
// approval marker are filled in here.
func stream(ctx context.Context, cfg Config, fn func(emit func(string) error) (*Completion, error)) <-chan Chunk {
	out := make(chan Chunk, 16)

	go func() {
		defer close(out)
		start := time.Now()

		emit := func(delta string) error {
			select {
			case out <- Chunk{Delta: delta}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		// The final chunk is dropped only if nobody is left to read it
		final := func(c Chunk) {
			select {
			case out <- c:
			case <-ctx.Done():
			}
		}

		done, err := fn(emit)
		if err != nil {
			final(Chunk{Err: Classify(cfg.Name, err)})
			return
		}

		done.Duration = time.Since(start)
		if done.Cost == 0 {
			done.Cost = cfg.cost(done.InputTokens, done.OutputTokens)
		}
		if reason, ok := ParseApproval(done.Content); ok {
			done.NeedsApproval = true
			done.ApprovalReason = reason
		}
		final(Chunk{Done: done})
	}()

	return out
}

// Collect drains a stream, returning the completion or the stream's error.
func Collect(ch <-chan Chunk) (*Completion, error) {
	var done *Completion
	var err error
	for c := range ch {
		switch {
		case c.Err != nil:
			err = c.Err
		case c.Done != nil:
			done = c.Done
		}
	}
	if err != nil {
		return nil, err
	}
	if done == nil {
		return nil, fmt.Errorf("stream ended without completion")
	}
	return done, nil
}
