package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/loom/internal/agent"
	"github.com/haasonsaas/loom/internal/agent/providers"
	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/schedule"
	"github.com/haasonsaas/loom/internal/secrets"
	"github.com/haasonsaas/loom/internal/storage"
)

// runtime is the wired application: everything a command needs to serve
// a conversation.
type runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     storage.Store
	registry  *agent.Registry
	manager   *agent.Manager
	scheduler *schedule.Scheduler

	close func() error
}

// defaultConfigPath resolves the config file location: flag value,
// LOOM_CONFIG, then ~/.loom/loom.yaml.
func defaultConfigPath() string {
	if env := os.Getenv("LOOM_CONFIG"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "loom.yaml"
	}
	return filepath.Join(home, ".loom", "loom.yaml")
}

// resolveLogOutput maps the config `output` string to a writer:
// "stderr" or empty selects os.Stderr, "stdout" selects os.Stdout, and
// anything else is opened as a file in append mode.
func resolveLogOutput(output string) (io.Writer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log output %q: %w", output, err)
		}
		return f, nil
	}
}

func buildRuntime(ctx context.Context, configPath string, debug bool) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logOutput, err := resolveLogOutput(cfg.Logging.Output)
	if err != nil {
		return nil, err
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Output:    logOutput,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(logger)

	vault, err := buildVault()
	if err != nil {
		return nil, err
	}

	client, err := buildClient(ctx, cfg, vault)
	if err != nil {
		return nil, err
	}

	store, closeStore, err := buildStore(cfg)
	if err != nil {
		return nil, err
	}

	registry := agent.NewRegistry()
	manager := agent.NewManager(agent.ManagerConfig{
		Client:             client,
		Registry:           registry,
		Store:              store,
		Logger:             logger,
		ContextWindow:      cfg.Agent.ContextWindow,
		SummarizeThreshold: cfg.Agent.SummarizeThreshold,
	})

	rt := &runtime{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		registry: registry,
		manager:  manager,
		close:    closeStore,
	}
	if cfg.Scheduler.Enabled {
		rt.scheduler = schedule.NewScheduler(cfg.Scheduler, manager,
			schedule.WithLogger(logger),
			schedule.WithSystemPrompt(cfg.Agent.SystemPrompt))
	}
	return rt, nil
}

func buildVault() (secrets.Vault, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return secrets.EnvVault{}, nil
	}
	dir := filepath.Join(home, ".loom")
	file, err := secrets.NewFileVault(
		filepath.Join(dir, "vault.key"),
		filepath.Join(dir, "vault.json"))
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	return secrets.Chain{file, secrets.EnvVault{}}, nil
}

// resolveKey returns the provider API key: config literal first, then
// the vault under the configured or conventional secret name.
func resolveKey(vault secrets.Vault, pc config.ProviderConfig, fallbackName string) (string, error) {
	if pc.APIKey != "" {
		return pc.APIKey, nil
	}
	name := pc.SecretName
	if name == "" {
		name = fallbackName
	}
	key, err := vault.GetSecret(name)
	if err != nil {
		return "", fmt.Errorf("no API key configured and %s not found in vault or environment", strings.ToUpper(name))
	}
	return key, nil
}

func buildClient(ctx context.Context, cfg *config.Config, vault secrets.Vault) (agent.Client, error) {
	switch cfg.Providers.Default {
	case "anthropic":
		key, err := resolveKey(vault, cfg.Providers.Anthropic, "anthropic_api_key")
		if err != nil {
			return nil, err
		}
		var opts []providers.AnthropicOption
		if cfg.Providers.Anthropic.Model != "" {
			opts = append(opts, providers.WithAnthropicModel(cfg.Providers.Anthropic.Model))
		}
		return providers.NewAnthropicClient(key, opts...), nil

	case "openai":
		key, err := resolveKey(vault, cfg.Providers.OpenAI, "openai_api_key")
		if err != nil {
			return nil, err
		}
		var opts []providers.OpenAIOption
		if cfg.Providers.OpenAI.Model != "" {
			opts = append(opts, providers.WithOpenAIModel(cfg.Providers.OpenAI.Model))
		}
		if cfg.Providers.OpenAI.BaseURL != "" {
			opts = append(opts, providers.WithOpenAIBaseURL(key, cfg.Providers.OpenAI.BaseURL))
		}
		return providers.NewOpenAIClient(key, opts...), nil

	case "google":
		key, err := resolveKey(vault, cfg.Providers.Google, "gemini_api_key")
		if err != nil {
			return nil, err
		}
		var opts []providers.GoogleOption
		if cfg.Providers.Google.Model != "" {
			opts = append(opts, providers.WithGoogleModel(cfg.Providers.Google.Model))
		}
		return providers.NewGoogleClient(ctx, key, opts...)

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Providers.Default)
	}
}

func buildStore(cfg *config.Config) (storage.Store, func() error, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		store, err := storage.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, store.Close, nil
	default:
		return storage.NewMemoryStore(), func() error { return nil }, nil
	}
}
