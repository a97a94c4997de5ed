// ABOUTME: Worker runtime configuration loading from TOML files.
// ABOUTME: Environment variables with the LOOM_ prefix override file values.

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// Worker represents the complete loom-worker configuration.
type Worker struct {
	Gateway   GatewayClientConfig `toml:"gateway"`
	Database  DatabaseConfig      `toml:"database"`
	Inference InferenceConfig     `toml:"inference"`
	Sandbox   SandboxConfig       `toml:"sandbox"`
	GitHub    GitHubConfig        `toml:"github"`
	Logging   WorkerLogging       `toml:"logging"`
}

// GatewayClientConfig describes how the worker reaches its gateway.
type GatewayClientConfig struct {
	Addr       string `toml:"addr" env:"LOOM_GATEWAY_ADDR"`
	WorkerID   string `toml:"worker_id" env:"LOOM_WORKER_ID"`
	RootCAFile string `toml:"root_ca_file" env:"LOOM_ROOT_CA_FILE"`
	ServerName string `toml:"server_name" env:"LOOM_SERVER_NAME"`
	Token      string `toml:"token" env:"LOOM_GATEWAY_TOKEN"`
}

// DatabaseConfig holds the agent state database location.
type DatabaseConfig struct {
	Path string `toml:"path" env:"LOOM_DB_PATH"`
}

// InferenceConfig holds model provider settings for persona agents.
type InferenceConfig struct {
	APIKey  string `toml:"api_key" env:"LOOM_OPENAI_API_KEY"`
	BaseURL string `toml:"base_url" env:"LOOM_OPENAI_BASE_URL"`
	Model   string `toml:"model" env:"LOOM_OPENAI_MODEL"`
}

// SandboxConfig holds container sandbox settings for code runs.
type SandboxConfig struct {
	Image       string   `toml:"image" env:"LOOM_SANDBOX_IMAGE"`
	OutputDir   string   `toml:"output_dir" env:"LOOM_SANDBOX_OUTPUT_DIR"`
	PollEvery   duration `toml:"poll_every"`
	PollSeconds int      `toml:"-" env:"LOOM_SANDBOX_POLL_SECONDS"`
}

// GitHubConfig holds repository integration settings.
type GitHubConfig struct {
	DryRun bool `toml:"dry_run" env:"LOOM_GITHUB_DRY_RUN"`
}

// WorkerLogging holds logging configuration for the worker process.
type WorkerLogging struct {
	Level  string `toml:"level" env:"LOOM_LOG_LEVEL"`
	Format string `toml:"format" env:"LOOM_LOG_FORMAT"`
}

// duration wraps time.Duration for TOML string decoding ("30s", "1m").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

// LoadWorker reads a worker configuration file and applies environment
// overrides. A missing file is not an error when path is empty; defaults
// plus environment values are used instead.
func LoadWorker(path string) (*Worker, error) {
	cfg := DefaultWorker()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}
	if cfg.Sandbox.PollSeconds > 0 {
		cfg.Sandbox.PollEvery.Duration = time.Duration(cfg.Sandbox.PollSeconds) * time.Second
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// DefaultWorker returns a worker configuration suitable for local development.
func DefaultWorker() *Worker {
	return &Worker{
		Gateway: GatewayClientConfig{
			Addr: "localhost:50051",
		},
		Database: DatabaseConfig{
			Path: "loom-worker.db",
		},
		Inference: InferenceConfig{
			Model: "gpt-4o-mini",
		},
		Sandbox: SandboxConfig{
			Image:     "mcr.microsoft.com/dotnet/sdk:7.0",
			OutputDir: "output",
			PollEvery: duration{time.Minute},
		},
		GitHub: GitHubConfig{
			DryRun: true,
		},
		Logging: WorkerLogging{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks that all required worker configuration fields are present.
func (c *Worker) Validate() error {
	if c.Gateway.Addr == "" {
		return fmt.Errorf("gateway.addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Gateway.RootCAFile != "" && c.Gateway.ServerName == "" {
		return fmt.Errorf("gateway.server_name is required when gateway.root_ca_file is set")
	}
	return nil
}
