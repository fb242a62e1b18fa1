package backend

import "time"

// Request is one prompt sent to an execution provider.
type Request struct {
	Prompt    string
	System    string
	Model     string // Overrides the configured model when set
	MaxTokens int
	WorkDir   string // Working directory for CLI and script backends
}

// Chunk is one element of an execution stream. Exactly one field is set;
// a Chunk carrying Done or Err is always the last one on the channel.
type Chunk struct {
	Delta string
	Done  *Completion
	Err   error
}

// Completion is the final summary of a successful execution.
type Completion struct {
	Content        string
	InputTokens    int
	OutputTokens   int
	Cost           float64
	Duration       time.Duration
	NeedsApproval  bool
	ApprovalReason string
}

// Config defines the configuration for a backend.
type Config struct {
	Name               string // Provider ID
	Type               string // "anthropic", "openai", "claude", "codex", "goose" or "script"
	Model              string
	APIKey             string
	BaseURL            string
	Command            string // Executable for CLI backends
	Upstream           string // Model server behind the goose CLI
	WorkDir            string
	SystemPrompt       string
	MaxTokens          int
	InputCostPerToken  float64
	OutputCostPerToken float64
}

func (c Config) cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)*c.InputCostPerToken + float64(outputTokens)*c.OutputCostPerToken
}
