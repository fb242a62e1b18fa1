package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// ClaudeAdapter runs prompts through the Claude Code CLI. The CLI is not
// streamed; its whole answer is delivered as a single delta.
type ClaudeAdapter struct {
	cfg     Config
	command string
	workDir string
	procMgr *ProcessManager
}

// claudeResponse is the JSON printed by `claude -p --output-format json`.
type claudeResponse struct {
	Result       string  `json:"result"`
	IsError      bool    `json:"is_error"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	Usage        struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// NewClaudeAdapter creates a CLI backend. The ProcessManager is optional.
func NewClaudeAdapter(cfg Config, procMgr *ProcessManager) (*ClaudeAdapter, error) {
	workDir := cfg.WorkDir
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
	}
	command := cfg.Command
	if command == "" {
		command = "claude"
	}

	return &ClaudeAdapter{
		cfg:     cfg,
		command: command,
		workDir: workDir,
		procMgr: procMgr,
	}, nil
}

// Name returns the provider ID.
func (a *ClaudeAdapter) Name() string {
	return a.cfg.Name
}

// Execute runs one CLI invocation.
func (a *ClaudeAdapter) Execute(ctx context.Context, req Request) (<-chan Chunk, error) {
	args := a.buildArgs(req)
	workDir := a.workDir
	if req.WorkDir != "" {
		workDir = req.WorkDir
	}

	return stream(ctx, a.cfg, func(emit func(string) error) (*Completion, error) {
		cmd := newCommand(ctx, a.command, args...)
		cmd.Dir = workDir

		stdout, _, err := executeCommand(ctx, cmd, a.procMgr, nil)
		if err != nil {
			return nil, err
		}

		done, err := parseClaudeResponse(stdout)
		if err != nil {
			return nil, &PermanentError{Provider: a.cfg.Name, Err: err}
		}
		if err := emit(done.Content); err != nil {
			return nil, err
		}
		return done, nil
	}), nil
}

// Close is a no-op (subprocess-per-invocation model).
func (a *ClaudeAdapter) Close() error {
	return nil
}

// buildArgs constructs the command-line arguments for the claude CLI.
func (a *ClaudeAdapter) buildArgs(req Request) []string {
	args := []string{"-p", req.Prompt, "--output-format", "json"}

	model := a.cfg.Model
	if req.Model != "" {
		model = req.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if system := joinSystem(a.cfg.SystemPrompt, req.System); system != "" {
		args = append(args, "--append-system-prompt", system)
	}
	return args
}

// parseClaudeResponse extracts the answer and usage from CLI output.
func parseClaudeResponse(data []byte) (*Completion, error) {
	var cr claudeResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	if cr.IsError {
		return nil, fmt.Errorf("claude reported an error: %s", cr.Result)
	}

	return &Completion{
		Content:      cr.Result,
		InputTokens:  cr.Usage.InputTokens,
		OutputTokens: cr.Usage.OutputTokens,
		Cost:         cr.TotalCostUSD,
	}, nil
}
