package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseFullConfig(t *testing.T) {
	t.Setenv("TEST_ANTHROPIC_KEY", "sk-ant-expanded")

	cfg, err := Parse([]byte(`
providers:
  default: anthropic
  anthropic:
    api_key: ${TEST_ANTHROPIC_KEY}
    model: claude-sonnet-4-20250514
  openai:
    base_url: https://llm.internal/v1
    model: gpt-4o
agent:
  system_prompt: You are helpful
  max_iterations: 50
  context_window: 100000
  summarize_threshold: 0.75
tools:
  timeout: 30s
storage:
  driver: sqlite
  path: /tmp/loom.db
scheduler:
  enabled: true
  jobs:
    - id: daily-report
      cron: "0 9 * * *"
      message: produce the daily report
logging:
  level: debug
  format: json
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.Providers.Anthropic.APIKey != "sk-ant-expanded" {
		t.Fatalf("env expansion failed: %q", cfg.Providers.Anthropic.APIKey)
	}
	if cfg.Providers.OpenAI.BaseURL != "https://llm.internal/v1" {
		t.Fatalf("base url lost: %q", cfg.Providers.OpenAI.BaseURL)
	}
	if cfg.Agent.MaxIterations != 50 || cfg.Agent.SummarizeThreshold != 0.75 {
		t.Fatalf("agent section wrong: %+v", cfg.Agent)
	}
	if cfg.Tools.Timeout != 30*time.Second {
		t.Fatalf("timeout wrong: %v", cfg.Tools.Timeout)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.Path != "/tmp/loom.db" {
		t.Fatalf("storage section wrong: %+v", cfg.Storage)
	}
	if len(cfg.Scheduler.Jobs) != 1 || cfg.Scheduler.Jobs[0].Cron != "0 9 * * *" {
		t.Fatalf("scheduler section wrong: %+v", cfg.Scheduler)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Fatalf("logging section wrong: %+v", cfg.Logging)
	}
}

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
providers:
  default: openai
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Agent.MaxIterations != 200 {
		t.Fatalf("default max iterations missing: %d", cfg.Agent.MaxIterations)
	}
	if cfg.Agent.ContextWindow != 200_000 {
		t.Fatalf("default context window missing: %d", cfg.Agent.ContextWindow)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("default storage driver missing: %q", cfg.Storage.Driver)
	}
	if cfg.Tools.Timeout != 120*time.Second {
		t.Fatalf("default tool timeout missing: %v", cfg.Tools.Timeout)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte(`
agent:
  max_iteratons: 10
`))
	if err == nil {
		t.Fatal("typo should be rejected")
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown provider",
			yaml: "providers:\n  default: cohere\n",
			want: "unknown default provider",
		},
		{
			name: "sqlite without path",
			yaml: "storage:\n  driver: sqlite\n",
			want: "storage.path",
		},
		{
			name: "unknown driver",
			yaml: "storage:\n  driver: postgres\n  path: x\n",
			want: "unknown storage driver",
		},
		{
			name: "threshold too high",
			yaml: "agent:\n  summarize_threshold: 1.5\n",
			want: "summarize_threshold",
		},
		{
			name: "job without schedule",
			yaml: "scheduler:\n  jobs:\n    - id: j1\n      message: hi\n",
			want: "exactly one of",
		},
		{
			name: "job with two schedules",
			yaml: "scheduler:\n  jobs:\n    - id: j1\n      cron: \"* * * * *\"\n      every: 5m\n      message: hi\n",
			want: "exactly one of",
		},
		{
			name: "duplicate job ids",
			yaml: "scheduler:\n  jobs:\n    - id: j1\n      every: 5m\n      message: a\n    - id: j1\n      every: 10m\n      message: b\n",
			want: "duplicate",
		},
		{
			name: "job without message",
			yaml: "scheduler:\n  jobs:\n    - id: j1\n      every: 5m\n",
			want: "no message",
		},
		{
			name: "bad log level",
			yaml: "logging:\n  level: verbose\n",
			want: "log level",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Providers.Default != "anthropic" || cfg.Storage.Driver != "memory" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestJobConfigHelpers(t *testing.T) {
	job := JobConfig{ID: "j1"}
	if !job.IsEnabled() {
		t.Fatal("jobs default to enabled")
	}
	off := false
	job.Enabled = &off
	if job.IsEnabled() {
		t.Fatal("disabled job reported enabled")
	}

	if got := (JobConfig{ID: "j1"}).ConversationID(); got != "job:j1" {
		t.Fatalf("derived conversation id wrong: %q", got)
	}
	if got := (JobConfig{ID: "j1", Conversation: "conv-7"}).ConversationID(); got != "conv-7" {
		t.Fatalf("explicit conversation id wrong: %q", got)
	}
}
