package backend

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// GooseAdapter runs prompts through the goose CLI, which fronts local model
// servers (Ollama, LM Studio, llama.cpp) selected by Config.Upstream.
type GooseAdapter struct {
	cfg     Config
	command string
	procMgr *ProcessManager
}

// gooseResponse is the JSON printed by `goose run --output-format json`.
type gooseResponse struct {
	Content  string         `json:"content"`
	Messages []gooseMessage `json:"messages"`
	Metadata gooseMetadata  `json:"metadata"`
}

type gooseMessage struct {
	Role    string      `json:"role"`
	Content []goosePart `json:"content"`
}

type goosePart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type gooseMetadata struct {
	TotalTokens int `json:"total_tokens"`
}

// NewGooseAdapter creates a goose CLI backend. The ProcessManager is optional.
func NewGooseAdapter(cfg Config, procMgr *ProcessManager) (*GooseAdapter, error) {
	command := cfg.Command
	if command == "" {
		command = "goose"
	}
	return &GooseAdapter{cfg: cfg, command: command, procMgr: procMgr}, nil
}

// Name returns the provider ID.
func (g *GooseAdapter) Name() string {
	return g.cfg.Name
}

// Execute runs one goose session. Each execution gets its own session name.
func (g *GooseAdapter) Execute(ctx context.Context, req Request) (<-chan Chunk, error) {
	args := g.buildArgs(req, "taskpilot-"+uuid.NewString()[:8])
	workDir := g.cfg.WorkDir
	if req.WorkDir != "" {
		workDir = req.WorkDir
	}

	return stream(ctx, g.cfg, func(emit func(string) error) (*Completion, error) {
		cmd := newCommand(ctx, g.command, args...)
		cmd.Dir = workDir

		stdout, _, err := executeCommand(ctx, cmd, g.procMgr, nil)
		if err != nil {
			return nil, err
		}

		done := parseGooseResponse(stdout)
		if err := emit(done.Content); err != nil {
			return nil, err
		}
		return done, nil
	}), nil
}

// Close is a no-op (subprocess-per-invocation model).
func (g *GooseAdapter) Close() error {
	return nil
}

// buildArgs constructs the command-line arguments for goose run.
func (g *GooseAdapter) buildArgs(req Request, session string) []string {
	args := []string{"run", "--text", req.Prompt, "--output-format", "json", "--name", session}

	if g.cfg.Upstream != "" {
		args = append(args, "--provider", g.cfg.Upstream)
	}
	model := g.cfg.Model
	if req.Model != "" {
		model = req.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if system := joinSystem(g.cfg.SystemPrompt, req.System); system != "" {
		args = append(args, "--system", system)
	}
	return args
}

// parseGooseResponse extracts the answer from goose output. It accepts a
// single JSON document, newline-delimited JSON, and falls back to the raw
// text for builds without JSON output.
func parseGooseResponse(data []byte) *Completion {
	if resp, ok := decodeGoose(data); ok {
		return resp
	}

	var contents []string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if resp, ok := decodeGoose([]byte(line)); ok && resp.Content != "" {
			contents = append(contents, resp.Content)
		}
	}
	if len(contents) > 0 {
		return &Completion{Content: strings.Join(contents, "\n")}
	}
	return &Completion{Content: strings.TrimSpace(string(data))}
}

func decodeGoose(data []byte) (*Completion, bool) {
	var resp gooseResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false
	}

	content := resp.Content
	if content == "" {
		// Last assistant message of the transcript
		for i := len(resp.Messages) - 1; i >= 0 && content == ""; i-- {
			if resp.Messages[i].Role != "assistant" {
				continue
			}
			var b strings.Builder
			for _, part := range resp.Messages[i].Content {
				if part.Type == "text" {
					b.WriteString(part.Text)
				}
			}
			content = b.String()
		}
	}
	if content == "" {
		return nil, false
	}
	// goose reports a single total; it is booked as output
	return &Completion{Content: content, OutputTokens: resp.Metadata.TotalTokens}, true
}

