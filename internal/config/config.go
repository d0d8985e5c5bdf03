package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Dataset   string `yaml:"dataset"`
	Workspace string `yaml:"workspace"`

	MaxTrials        int `yaml:"max_trials"`
	MaxStepsSetup    int `yaml:"max_steps_setup"`
	MaxStepsVerify   int `yaml:"max_steps_verify"`
	MaxStepsOrganize int `yaml:"max_steps_organize"`

	// TimeoutMinutes bounds one phase round (setup, verify or organize).
	// CommandTimeoutMinutes bounds a single command inside the container.
	TimeoutMinutes        int `yaml:"timeout_minutes"`
	CommandTimeoutMinutes int `yaml:"command_timeout_minutes"`

	MaxWorkers int  `yaml:"max_workers"`
	Overwrite  bool `yaml:"overwrite"`
	FirstN     int  `yaml:"first_n"`

	Mode Mode `yaml:"mode"`

	OS          string `yaml:"os"`
	ImagePrefix string `yaml:"image_prefix"`

	Model          string `yaml:"model"`
	SecretsEnvFile string `yaml:"secrets_env_file"`

	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

type Mode struct {
	Setup    bool `yaml:"setup"`
	Organize bool `yaml:"organize"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg := &Config{Mode: Mode{Setup: true}, FirstN: -1}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Dataset == "" {
		return fmt.Errorf("dataset is required")
	}
	if cfg.Workspace == "" {
		return fmt.Errorf("workspace is required")
	}
	if cfg.MaxTrials < 1 {
		cfg.MaxTrials = 3
	}
	if cfg.MaxStepsSetup < 1 {
		cfg.MaxStepsSetup = 20
	}
	if cfg.MaxStepsVerify < 1 {
		cfg.MaxStepsVerify = 20
	}
	if cfg.MaxStepsOrganize < 1 {
		cfg.MaxStepsOrganize = 20
	}
	if cfg.TimeoutMinutes < 1 {
		cfg.TimeoutMinutes = 30
	}
	if cfg.CommandTimeoutMinutes < 1 {
		cfg.CommandTimeoutMinutes = 10
	}
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 5
	}
	if cfg.OS == "" {
		cfg.OS = "linux"
	}
	if cfg.OS != "linux" {
		return fmt.Errorf("unsupported os %q (only linux containers are supported)", cfg.OS)
	}
	if cfg.ImagePrefix == "" {
		cfg.ImagePrefix = "repodock/dev"
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}
	if !cfg.Mode.Setup && !cfg.Mode.Organize {
		return fmt.Errorf("mode: at least one of setup or organize must be enabled")
	}
	return nil
}

// PhaseTimeout is the wall-clock budget for one setup/verify/organize round.
func (c *Config) PhaseTimeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

// CommandTimeout bounds a single container command so a hung process
// surfaces as a command failure instead of a stuck worker.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutMinutes) * time.Minute
}

// APIKey resolves the model API key from the secrets env file, falling back
// to the process environment.
func (c *Config) APIKey() (string, error) {
	if c.SecretsEnvFile != "" {
		env, err := godotenv.Read(c.SecretsEnvFile)
		if err != nil {
			return "", fmt.Errorf("reading secrets file %s: %w", c.SecretsEnvFile, err)
		}
		if key := env["ANTHROPIC_API_KEY"]; key != "" {
			return key, nil
		}
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return key, nil
	}
	return "", fmt.Errorf("ANTHROPIC_API_KEY not set (checked secrets file and environment)")
}
