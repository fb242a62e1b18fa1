package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed files and invalid values return an error.
func Load(globalPath, projectPath string) (*TaskpilotConfig, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	// Project config has the highest precedence
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Paths returns the conventional config locations.
// Global: ~/.taskpilot/config.json
// Project: .taskpilot/config.json (relative to cwd)
func Paths() (globalPath, projectPath string, err error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".taskpilot", "config.json"), filepath.Join(".taskpilot", "config.json"), nil
}

// LoadDefault loads configuration from the conventional paths and fills in
// the default database location.
func LoadDefault() (*TaskpilotConfig, error) {
	globalPath, projectPath, err := Paths()
	if err != nil {
		return nil, err
	}
	cfg, err := Load(globalPath, projectPath)
	if err != nil {
		return nil, err
	}
	if cfg.Database == "" {
		cfg.Database = filepath.Join(filepath.Dir(globalPath), "taskpilot.db")
	}
	return cfg, nil
}

// decode parses data as YAML for .yaml/.yml paths and as JSON otherwise.
func decode(path string, data []byte, v interface{}) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, v)
	default:
		return json.Unmarshal(data, v)
	}
}

// mergeConfigFile reads a config file and merges it into the base config.
// Missing files are silently skipped.
func mergeConfigFile(base *TaskpilotConfig, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded TaskpilotConfig
	if err := decode(path, data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	// Providers are replaced whole, keyed by ID
	for key, provider := range loaded.Providers {
		base.Providers[key] = provider
	}
	mergeScheduler(&base.Scheduler, loaded.Scheduler)
	if loaded.Database != "" {
		base.Database = loaded.Database
	}

	return nil
}

// mergeScheduler overlays the non-zero fields of over onto base.
func mergeScheduler(base *SchedulerConfig, over SchedulerConfig) {
	if over.Workers != 0 {
		base.Workers = over.Workers
	}
	if over.MaxAttempts != 0 {
		base.MaxAttempts = over.MaxAttempts
	}
	if over.InitialInterval != 0 {
		base.InitialInterval = over.InitialInterval
	}
	if over.MaxInterval != 0 {
		base.MaxInterval = over.MaxInterval
	}
	if over.Multiplier != 0 {
		base.Multiplier = over.Multiplier
	}
	if over.RandomizationFactor != 0 {
		base.RandomizationFactor = over.RandomizationFactor
	}
	if over.RepeatMode != "" {
		base.RepeatMode = over.RepeatMode
	}
	if over.BreakerFailures != 0 {
		base.BreakerFailures = over.BreakerFailures
	}
	if over.BreakerTimeout != 0 {
		base.BreakerTimeout = over.BreakerTimeout
	}
	if over.EstimatedTokens != 0 {
		base.EstimatedTokens = over.EstimatedTokens
	}
	if over.MaxCost != 0 {
		base.MaxCost = over.MaxCost
	}
	if over.MaxLatency != 0 {
		base.MaxLatency = over.MaxLatency
	}
}

// Validate checks provider types, rate limit settings and scheduler values.
func (c *TaskpilotConfig) Validate() error {
	for id, p := range c.Providers {
		switch p.Type {
		case "anthropic", "openai", "claude", "codex", "goose":
		default:
			return fmt.Errorf("provider %s: unknown type %q", id, p.Type)
		}
		if (p.Type == "anthropic" || p.Type == "openai") && p.Model == "" {
			return fmt.Errorf("provider %s: model is required", id)
		}
		if p.MaxConcurrent < 0 {
			return fmt.Errorf("provider %s: max_concurrent must not be negative", id)
		}
		if rl := p.RateLimit; rl != nil {
			switch rl.Strategy {
			case "sliding_window":
				if rl.Requests <= 0 || rl.Window <= 0 {
					return fmt.Errorf("provider %s: sliding_window needs requests and window", id)
				}
			case "token_bucket":
				if rl.Capacity <= 0 || rl.RefillPerSecond <= 0 {
					return fmt.Errorf("provider %s: token_bucket needs capacity and refill_per_second", id)
				}
			default:
				return fmt.Errorf("provider %s: unknown rate limit strategy %q", id, rl.Strategy)
			}
		}
	}

	s := c.Scheduler
	switch s.RepeatMode {
	case "", "completion", "mutation":
	default:
		return fmt.Errorf("scheduler: unknown repeat_mode %q", s.RepeatMode)
	}
	if s.Workers < 0 || s.MaxAttempts < 0 {
		return fmt.Errorf("scheduler: workers and max_attempts must not be negative")
	}
	if s.RandomizationFactor < 0 || s.RandomizationFactor > 1 {
		return fmt.Errorf("scheduler: randomization_factor must be within [0, 1]")
	}
	return nil
}
