package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string ("30s", "1m")
// in both JSON and YAML.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Plain numbers are nanoseconds
		var n int64
		if nerr := json.Unmarshal(data, &n); nerr != nil {
			return fmt.Errorf("duration must be a string like \"30s\": %w", err)
		}
		*d = Duration(n)
		return nil
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// RateLimitConfig selects a provider's admission strategy.
type RateLimitConfig struct {
	Strategy        string   `json:"strategy" yaml:"strategy"`                                       // "sliding_window" or "token_bucket"
	Requests        int      `json:"requests,omitempty" yaml:"requests,omitempty"`                   // Sliding window: max requests per window
	Window          Duration `json:"window,omitempty" yaml:"window,omitempty"`                       // Sliding window length
	Capacity        int      `json:"capacity,omitempty" yaml:"capacity,omitempty"`                   // Token bucket size
	RefillPerSecond float64  `json:"refill_per_second,omitempty" yaml:"refill_per_second,omitempty"` // Token bucket refill rate
}

// ProviderConfig describes one execution provider: how to reach it and the
// profile the selector ranks it by.
type ProviderConfig struct {
	Type               string           `json:"type" yaml:"type"` // "anthropic", "openai", "claude", "codex" or "goose"
	Model              string           `json:"model,omitempty" yaml:"model,omitempty"`
	APIKeyEnv          string           `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`
	BaseURL            string           `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Command            string           `json:"command,omitempty" yaml:"command,omitempty"`   // CLI binary for claude, codex and goose
	Upstream           string           `json:"upstream,omitempty" yaml:"upstream,omitempty"` // goose --provider, e.g. "ollama"
	Enabled            *bool            `json:"enabled,omitempty" yaml:"enabled,omitempty"`   // Defaults to true
	SystemPrompt       string           `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	MaxTokens          int              `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	InputCostPerToken  float64          `json:"input_cost_per_token,omitempty" yaml:"input_cost_per_token,omitempty"`
	OutputCostPerToken float64          `json:"output_cost_per_token,omitempty" yaml:"output_cost_per_token,omitempty"`
	AvgLatency         Duration         `json:"avg_latency,omitempty" yaml:"avg_latency,omitempty"`
	Capabilities       []string         `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	MaxConcurrent      int              `json:"max_concurrent,omitempty" yaml:"max_concurrent,omitempty"`
	Timeout            Duration         `json:"timeout,omitempty" yaml:"timeout,omitempty"` // Per-attempt deadline
	RateLimit          *RateLimitConfig `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
}

// IsEnabled reports whether the provider takes part in selection.
func (p ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// APIKey resolves the key from the configured environment variable.
func (p ProviderConfig) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}

// SchedulerConfig tunes the execution scheduler.
type SchedulerConfig struct {
	Workers             int      `json:"workers,omitempty" yaml:"workers,omitempty"`           // Worker ceiling
	MaxAttempts         int      `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"` // Per execution, first try included
	InitialInterval     Duration `json:"initial_interval,omitempty" yaml:"initial_interval,omitempty"`
	MaxInterval         Duration `json:"max_interval,omitempty" yaml:"max_interval,omitempty"`
	Multiplier          float64  `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
	RandomizationFactor float64  `json:"randomization_factor,omitempty" yaml:"randomization_factor,omitempty"`
	RepeatMode          string   `json:"repeat_mode,omitempty" yaml:"repeat_mode,omitempty"` // "completion" or "mutation"
	BreakerFailures     uint32   `json:"breaker_failures,omitempty" yaml:"breaker_failures,omitempty"`
	BreakerTimeout      Duration `json:"breaker_timeout,omitempty" yaml:"breaker_timeout,omitempty"`
	EstimatedTokens     int      `json:"estimated_tokens,omitempty" yaml:"estimated_tokens,omitempty"` // Output estimate used for cost ranking
	MaxCost             float64  `json:"max_cost,omitempty" yaml:"max_cost,omitempty"`                 // 0 means unbounded
	MaxLatency          Duration `json:"max_latency,omitempty" yaml:"max_latency,omitempty"`           // 0 means unbounded
}

// TaskpilotConfig is the top-level configuration.
type TaskpilotConfig struct {
	Providers map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Scheduler SchedulerConfig           `json:"scheduler" yaml:"scheduler"`
	Database  string                    `json:"database,omitempty" yaml:"database,omitempty"`
}
