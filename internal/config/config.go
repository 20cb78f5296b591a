// Package config loads and validates the runtime configuration from YAML
// with environment-variable expansion.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration.
type Config struct {
	Providers ProvidersConfig `yaml:"providers"`
	Agent     AgentConfig     `yaml:"agent"`
	Tools     ToolsConfig     `yaml:"tools"`
	Storage   StorageConfig   `yaml:"storage"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ProvidersConfig selects and parameterizes the LLM adapters.
type ProvidersConfig struct {
	// Default names the provider used when a request does not specify one:
	// anthropic, openai, or google.
	Default string `yaml:"default"`

	Anthropic ProviderConfig `yaml:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai"`
	Google    ProviderConfig `yaml:"google"`
}

// ProviderConfig parameterizes one adapter. APIKey may be a literal,
// an expanded environment variable, or empty to fall back to the vault
// under SecretName.
type ProviderConfig struct {
	APIKey     string `yaml:"api_key"`
	SecretName string `yaml:"secret_name"`
	Model      string `yaml:"model"`

	// BaseURL points the OpenAI adapter at a compatible endpoint. Ignored
	// by the other adapters.
	BaseURL string `yaml:"base_url"`
}

// AgentConfig sets loop and coordinator defaults.
type AgentConfig struct {
	SystemPrompt       string  `yaml:"system_prompt"`
	MaxIterations      int     `yaml:"max_iterations"`
	ContextWindow      int     `yaml:"context_window"`
	SummarizeThreshold float64 `yaml:"summarize_threshold"`
	Temperature        float64 `yaml:"temperature"`
}

// ToolsConfig sets tool execution defaults.
type ToolsConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// StorageConfig selects the conversation store.
type StorageConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `yaml:"driver"`
	// Path is the SQLite database file; ignored for memory.
	Path string `yaml:"path"`
}

// SchedulerConfig declares scheduled agent jobs.
type SchedulerConfig struct {
	Enabled bool        `yaml:"enabled"`
	Jobs    []JobConfig `yaml:"jobs"`
}

// JobConfig declares one scheduled job. Exactly one of Cron, Every, or At
// must be set.
type JobConfig struct {
	ID       string        `yaml:"id"`
	Cron     string        `yaml:"cron"`
	Every    time.Duration `yaml:"every"`
	At       string        `yaml:"at"`
	Timezone string        `yaml:"timezone"`

	// Message is the user message the job sends to its conversation.
	Message string `yaml:"message"`
	// Conversation overrides the job's conversation id; defaults to the
	// job id.
	Conversation string `yaml:"conversation"`
	Model        string `yaml:"model"`
	Enabled      *bool  `yaml:"enabled"`
}

// IsEnabled reports whether the job should run; jobs default to enabled.
func (j JobConfig) IsEnabled() bool {
	return j.Enabled == nil || *j.Enabled
}

// ConversationID resolves the job's conversation id.
func (j JobConfig) ConversationID() string {
	if j.Conversation != "" {
		return j.Conversation
	}
	return "job:" + j.ID
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	Output    string `yaml:"output"`
	AddSource bool   `yaml:"add_source"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Providers: ProvidersConfig{Default: "anthropic"},
		Agent: AgentConfig{
			MaxIterations:      200,
			ContextWindow:      200_000,
			SummarizeThreshold: 0.8,
		},
		Tools:   ToolsConfig{Timeout: 120 * time.Second},
		Storage: StorageConfig{Driver: "memory"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// applyDefaults fills zero values with the defaults.
func (c *Config) applyDefaults() {
	def := Default()
	if c.Providers.Default == "" {
		c.Providers.Default = def.Providers.Default
	}
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = def.Agent.MaxIterations
	}
	if c.Agent.ContextWindow <= 0 {
		c.Agent.ContextWindow = def.Agent.ContextWindow
	}
	if c.Agent.SummarizeThreshold <= 0 {
		c.Agent.SummarizeThreshold = def.Agent.SummarizeThreshold
	}
	if c.Tools.Timeout <= 0 {
		c.Tools.Timeout = def.Tools.Timeout
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = def.Storage.Driver
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = def.Logging.Format
	}
}

// Validate rejects configurations the runtime cannot honor.
func (c *Config) Validate() error {
	switch c.Providers.Default {
	case "anthropic", "openai", "google":
	default:
		return fmt.Errorf("config: unknown default provider %q", c.Providers.Default)
	}

	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("config: storage.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}

	if c.Agent.SummarizeThreshold >= 1 {
		return fmt.Errorf("config: agent.summarize_threshold must be below 1.0")
	}

	seen := make(map[string]struct{})
	for _, job := range c.Scheduler.Jobs {
		if strings.TrimSpace(job.ID) == "" {
			return fmt.Errorf("config: scheduler job without an id")
		}
		if _, dup := seen[job.ID]; dup {
			return fmt.Errorf("config: duplicate scheduler job id %q", job.ID)
		}
		seen[job.ID] = struct{}{}

		set := 0
		if strings.TrimSpace(job.Cron) != "" {
			set++
		}
		if job.Every > 0 {
			set++
		}
		if strings.TrimSpace(job.At) != "" {
			set++
		}
		if set != 1 {
			return fmt.Errorf("config: job %q must set exactly one of cron, every, at", job.ID)
		}
		if strings.TrimSpace(job.Message) == "" {
			return fmt.Errorf("config: job %q has no message", job.ID)
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Logging.Level)
	}

	return nil
}
