package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// CodexAdapter runs prompts through `codex exec --json`. Every agent message
// in the JSONL event stream is emitted as a delta as soon as it arrives.
type CodexAdapter struct {
	cfg     Config
	command string
	procMgr *ProcessManager
}

// codexEvent is one line of the codex JSONL stream. Only the fields used
// here are decoded.
type codexEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	Item     struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"item"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// codexTurn accumulates one codex run.
type codexTurn struct {
	messages []string
	done     Completion
	failure  string
}

// add folds one event line into the turn and returns the text to emit.
func (t *codexTurn) add(line string) (string, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", nil
	}
	var evt codexEvent
	if err := json.Unmarshal([]byte(line), &evt); err != nil {
		return "", fmt.Errorf("failed to parse codex event: %w", err)
	}

	switch evt.Type {
	case "item.completed":
		if evt.Item.Type != "agent_message" || evt.Item.Text == "" {
			return "", nil
		}
		delta := evt.Item.Text
		if len(t.messages) > 0 {
			delta = "\n" + delta
		}
		t.messages = append(t.messages, evt.Item.Text)
		return delta, nil
	case "turn.completed":
		t.done.InputTokens += evt.Usage.InputTokens
		t.done.OutputTokens += evt.Usage.OutputTokens
	case "turn.failed", "error":
		t.failure = evt.Error.Message
	}
	return "", nil
}

func (t *codexTurn) completion() (*Completion, error) {
	if t.failure != "" {
		return nil, fmt.Errorf("codex reported an error: %s", t.failure)
	}
	done := t.done
	done.Content = strings.Join(t.messages, "\n")
	return &done, nil
}

// NewCodexAdapter creates a codex CLI backend. The ProcessManager is optional.
func NewCodexAdapter(cfg Config, procMgr *ProcessManager) (*CodexAdapter, error) {
	command := cfg.Command
	if command == "" {
		command = "codex"
	}
	return &CodexAdapter{cfg: cfg, command: command, procMgr: procMgr}, nil
}

// Name returns the provider ID.
func (c *CodexAdapter) Name() string {
	return c.cfg.Name
}

// Execute runs one non-interactive codex invocation.
func (c *CodexAdapter) Execute(ctx context.Context, req Request) (<-chan Chunk, error) {
	args := c.buildArgs(req)
	workDir := c.cfg.WorkDir
	if req.WorkDir != "" {
		workDir = req.WorkDir
	}

	return stream(ctx, c.cfg, func(emit func(string) error) (*Completion, error) {
		cmd := newCommand(ctx, c.command, args...)
		cmd.Dir = workDir

		var turn codexTurn
		var parseErr error
		_, _, err := executeCommand(ctx, cmd, c.procMgr, func(line string) error {
			delta, err := turn.add(line)
			if err != nil {
				// Non-JSON lines are banners; keep reading
				parseErr = err
				return nil
			}
			if delta == "" {
				return nil
			}
			return emit(delta)
		})
		if err != nil {
			return nil, err
		}

		done, err := turn.completion()
		if err != nil {
			return nil, &PermanentError{Provider: c.cfg.Name, Err: err}
		}
		if done.Content == "" && parseErr != nil {
			return nil, &PermanentError{Provider: c.cfg.Name, Err: parseErr}
		}
		return done, nil
	}), nil
}

// Close is a no-op (subprocess-per-invocation model).
func (c *CodexAdapter) Close() error {
	return nil
}

// buildArgs constructs the command-line arguments for codex exec.
func (c *CodexAdapter) buildArgs(req Request) []string {
	args := []string{"exec", "--json", "--skip-git-repo-check"}

	model := c.cfg.Model
	if req.Model != "" {
		model = req.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}

	// codex has no system prompt flag
	prompt := req.Prompt
	if system := joinSystem(c.cfg.SystemPrompt, req.System); system != "" {
		prompt = system + "\n\n" + prompt
	}
	return append(args, prompt)
}
