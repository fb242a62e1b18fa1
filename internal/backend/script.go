package backend

import (
	"context"
	"errors"
	"os/exec"
	"strings"
)

// ScriptBackend runs a prompt as a bash script and streams its stdout line
// by line. A non-zero exit is a permanent failure.
type ScriptBackend struct {
	cfg     Config
	procMgr *ProcessManager
}

// NewScriptBackend creates a script backend. The ProcessManager is optional.
func NewScriptBackend(cfg Config, procMgr *ProcessManager) *ScriptBackend {
	if cfg.Name == "" {
		cfg.Name = "script"
	}
	return &ScriptBackend{cfg: cfg, procMgr: procMgr}
}

// Name returns the provider ID.
func (b *ScriptBackend) Name() string {
	return b.cfg.Name
}

// Execute runs req.Prompt with bash -c in req.WorkDir.
func (b *ScriptBackend) Execute(ctx context.Context, req Request) (<-chan Chunk, error) {
	workDir := req.WorkDir
	if workDir == "" {
		workDir = b.cfg.WorkDir
	}

	return stream(ctx, b.cfg, func(emit func(string) error) (*Completion, error) {
		cmd := newCommand(ctx, "bash", "-c", req.Prompt)
		cmd.Dir = workDir

		stdout, _, err := executeCommand(ctx, cmd, b.procMgr, emit)
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return nil, &PermanentError{Provider: b.cfg.Name, Err: err}
			}
			return nil, err
		}
		return &Completion{Content: strings.TrimRight(string(stdout), "\n")}, nil
	}), nil
}

// Close is a no-op.
func (b *ScriptBackend) Close() error {
	return nil
}
