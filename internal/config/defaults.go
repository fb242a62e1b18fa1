package config

import (
	"time"
)

func enabled(v bool) *bool { return &v }

// DefaultConfig returns the default configuration with the built-in providers
// and scheduler tuning.
func DefaultConfig() *TaskpilotConfig {
	return &TaskpilotConfig{
		Providers: map[string]ProviderConfig{
			"anthropic": {
				Type:               "anthropic",
				Model:              "claude-sonnet-4-5",
				APIKeyEnv:          "ANTHROPIC_API_KEY",
				InputCostPerToken:  0.000003,
				OutputCostPerToken: 0.000015,
				AvgLatency:         Duration(8 * time.Second),
				Capabilities:       []string{"text", "code", "reasoning"},
				MaxConcurrent:      4,
				Timeout:            Duration(2 * time.Minute),
				RateLimit: &RateLimitConfig{
					Strategy:        "token_bucket",
					Capacity:        50,
					RefillPerSecond: 0.8,
				},
			},
			"openai": {
				Type:               "openai",
				Model:              "gpt-4o-mini",
				APIKeyEnv:          "OPENAI_API_KEY",
				InputCostPerToken:  0.00000015,
				OutputCostPerToken: 0.0000006,
				AvgLatency:         Duration(5 * time.Second),
				Capabilities:       []string{"text", "code"},
				MaxConcurrent:      4,
				Timeout:            Duration(2 * time.Minute),
				RateLimit: &RateLimitConfig{
					Strategy: "sliding_window",
					Requests: 60,
					Window:   Duration(time.Minute),
				},
			},
			"claude-cli": {
				Type:          "claude",
				Command:       "claude",
				Enabled:       enabled(false),
				AvgLatency:    Duration(30 * time.Second),
				Capabilities:  []string{"text", "code", "tools"},
				MaxConcurrent: 2,
				Timeout:       Duration(10 * time.Minute),
			},
		},
		Scheduler: SchedulerConfig{
			Workers:             4,
			MaxAttempts:         3,
			InitialInterval:     Duration(time.Second),
			MaxInterval:         Duration(30 * time.Second),
			Multiplier:          2,
			RandomizationFactor: 0.5,
			RepeatMode:          "completion",
			BreakerFailures:     5,
			BreakerTimeout:      Duration(time.Minute),
			EstimatedTokens:     1000,
		},
	}
}
