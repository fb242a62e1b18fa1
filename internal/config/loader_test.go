package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path string, cfg *TaskpilotConfig) {
	t.Helper()
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshaling config: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name            string
		globalConfig    *TaskpilotConfig
		projectConfig   *TaskpilotConfig
		expectProviders int
		checkProvider   string
		expectModel     string
		expectWorkers   int
		expectAttempts  int
	}{
		{
			name:            "No config files - returns defaults",
			expectProviders: 3,
			expectWorkers:   4,
			expectAttempts:  3,
		},
		{
			name: "Global only - adds new provider",
			globalConfig: &TaskpilotConfig{
				Providers: map[string]ProviderConfig{
					"local": {Type: "openai", Model: "llama3", BaseURL: "http://localhost:11434/v1/"},
				},
			},
			expectProviders: 4,
			checkProvider:   "local",
			expectModel:     "llama3",
			expectWorkers:   4,
			expectAttempts:  3,
		},
		{
			name: "Global only - CLI providers need no model",
			globalConfig: &TaskpilotConfig{
				Providers: map[string]ProviderConfig{
					"codex": {Type: "codex"},
					"local": {Type: "goose", Upstream: "ollama", Model: "qwen3"},
				},
			},
			expectProviders: 5,
			checkProvider:   "local",
			expectModel:     "qwen3",
			expectWorkers:   4,
			expectAttempts:  3,
		},
		{
			name: "Project only - overrides scheduler fields it sets",
			projectConfig: &TaskpilotConfig{
				Scheduler: SchedulerConfig{Workers: 8},
			},
			expectProviders: 3,
			expectWorkers:   8,
			expectAttempts:  3,
		},
		{
			name: "Project overrides global - project wins",
			globalConfig: &TaskpilotConfig{
				Providers: map[string]ProviderConfig{
					"openai": {Type: "openai", Model: "model-x"},
				},
				Scheduler: SchedulerConfig{Workers: 2, MaxAttempts: 5},
			},
			projectConfig: &TaskpilotConfig{
				Providers: map[string]ProviderConfig{
					"openai": {Type: "openai", Model: "model-y"},
				},
				Scheduler: SchedulerConfig{Workers: 6},
			},
			expectProviders: 3,
			checkProvider:   "openai",
			expectModel:     "model-y",
			expectWorkers:   6,
			expectAttempts:  5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()

			globalPath := ""
			if tt.globalConfig != nil {
				globalPath = filepath.Join(tmpDir, "global.json")
				writeConfig(t, globalPath, tt.globalConfig)
			}
			projectPath := ""
			if tt.projectConfig != nil {
				projectPath = filepath.Join(tmpDir, "project.json")
				writeConfig(t, projectPath, tt.projectConfig)
			}

			cfg, err := Load(globalPath, projectPath)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if got := len(cfg.Providers); got != tt.expectProviders {
				t.Errorf("providers count = %d, want %d", got, tt.expectProviders)
			}
			if cfg.Scheduler.Workers != tt.expectWorkers {
				t.Errorf("workers = %d, want %d", cfg.Scheduler.Workers, tt.expectWorkers)
			}
			if cfg.Scheduler.MaxAttempts != tt.expectAttempts {
				t.Errorf("max attempts = %d, want %d", cfg.Scheduler.MaxAttempts, tt.expectAttempts)
			}
			if tt.checkProvider != "" {
				p, ok := cfg.Providers[tt.checkProvider]
				if !ok {
					t.Fatalf("expected provider %q not found", tt.checkProvider)
				}
				if p.Model != tt.expectModel {
					t.Errorf("provider %q model = %q, want %q", tt.checkProvider, p.Model, tt.expectModel)
				}
			}
		})
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlConfig := `
providers:
  fast:
    type: openai
    model: gpt-fast
    avg_latency: 750ms
    capabilities: [text]
    rate_limit:
      strategy: sliding_window
      requests: 10
      window: 1m
scheduler:
  repeat_mode: mutation
  initial_interval: 250ms
database: /var/lib/taskpilot.db
`
	if err := os.WriteFile(path, []byte(yamlConfig), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load("", path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	fast := cfg.Providers["fast"]
	if fast.Model != "gpt-fast" || fast.AvgLatency.Std() != 750*time.Millisecond {
		t.Errorf("fast provider = %+v", fast)
	}
	if fast.RateLimit == nil || fast.RateLimit.Window.Std() != time.Minute || fast.RateLimit.Requests != 10 {
		t.Errorf("rate limit = %+v", fast.RateLimit)
	}
	if !fast.IsEnabled() {
		t.Error("providers default to enabled")
	}
	if cfg.Scheduler.RepeatMode != "mutation" || cfg.Scheduler.InitialInterval.Std() != 250*time.Millisecond {
		t.Errorf("scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Scheduler.MaxAttempts != 3 {
		t.Errorf("unset scheduler fields should keep defaults, got max attempts %d", cfg.Scheduler.MaxAttempts)
	}
	if cfg.Database != "/var/lib/taskpilot.db" {
		t.Errorf("database = %q", cfg.Database)
	}
}

func TestLoadMissingFiles(t *testing.T) {
	tmpDir := t.TempDir()
	cfg, err := Load(filepath.Join(tmpDir, "nope.json"), filepath.Join(tmpDir, "nada.yaml"))
	if err != nil {
		t.Fatalf("missing files should not be an error: %v", err)
	}
	if len(cfg.Providers) != 3 {
		t.Errorf("expected defaults, got %d providers", len(cfg.Providers))
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"malformed JSON", `{"providers": {`},
		{"unknown provider type", `{"providers": {"x": {"type": "carrier-pigeon", "model": "m"}}}`},
		{"missing model", `{"providers": {"x": {"type": "anthropic"}}}`},
		{"bad strategy", `{"providers": {"x": {"type": "openai", "model": "m", "rate_limit": {"strategy": "leaky"}}}}`},
		{"incomplete token bucket", `{"providers": {"x": {"type": "openai", "model": "m", "rate_limit": {"strategy": "token_bucket", "capacity": 5}}}}`},
		{"bad repeat mode", `{"scheduler": {"repeat_mode": "always"}}`},
		{"bad duration", `{"scheduler": {"max_interval": "soon"}}`},
		{"randomization out of range", `{"scheduler": {"randomization_factor": 2}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatalf("writing config: %v", err)
			}
			if _, err := Load("", path); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestDurationJSON(t *testing.T) {
	var cfg SchedulerConfig
	if err := json.Unmarshal([]byte(`{"max_interval": "1m30s", "breaker_timeout": 1000000000}`), &cfg); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if cfg.MaxInterval.Std() != 90*time.Second {
		t.Errorf("max interval = %v", cfg.MaxInterval.Std())
	}
	if cfg.BreakerTimeout.Std() != time.Second {
		t.Errorf("numeric durations are nanoseconds, got %v", cfg.BreakerTimeout.Std())
	}

	data, err := json.Marshal(SchedulerConfig{MaxInterval: Duration(90 * time.Second)})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(data) != `{"max_interval":"1m30s"}` {
		t.Errorf("marshaled = %s", data)
	}
}

func TestAPIKey(t *testing.T) {
	t.Setenv("TASKPILOT_TEST_KEY", "secret")
	if got := (ProviderConfig{APIKeyEnv: "TASKPILOT_TEST_KEY"}).APIKey(); got != "secret" {
		t.Errorf("APIKey() = %q", got)
	}
	if got := (ProviderConfig{}).APIKey(); got != "" {
		t.Errorf("APIKey() without env = %q", got)
	}
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	projectPath := filepath.Join(dir, "config.json")
	writeConfig(t, projectPath, &TaskpilotConfig{Scheduler: SchedulerConfig{Workers: 2}})

	changes := make(chan *TaskpilotConfig, 4)
	w, err := Watch("", projectPath, func(cfg *TaskpilotConfig) { changes <- cfg })
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer w.Close()

	disabled := false
	update := DefaultConfig()
	update.Scheduler.Workers = 9
	anthropic := update.Providers["anthropic"]
	anthropic.Enabled = &disabled
	update.Providers["anthropic"] = anthropic
	if err := Save(update, projectPath); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case cfg := <-changes:
			if cfg.Scheduler.Workers == 9 {
				if cfg.Providers["anthropic"].IsEnabled() {
					t.Error("reloaded config should disable anthropic")
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		}
	}
}

func TestWatchCloseIdempotent(t *testing.T) {
	w, err := Watch(filepath.Join(t.TempDir(), "missing", "config.json"), "", nil)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
