// Package config loads foreman configuration from YAML with sane
// defaults, so a bare `foreman` invocation works without any file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML fields like "90s" or "1h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std converts back to time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// StoreConfig selects and parameterizes the graph store backend.
type StoreConfig struct {
	// Backend is "memory", "sqlite", or "mysql".
	Backend string `yaml:"backend"`

	// Path is the database file for the sqlite backend.
	Path string `yaml:"path"`

	// DSN is the connection string for the mysql backend.
	DSN string `yaml:"dsn"`
}

// ExecutorConfig parameterizes the external agent subprocess.
type ExecutorConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	WorkDir string   `yaml:"workdir"`
}

// RecoveryConfig tunes the execution controller's retry behavior.
type RecoveryConfig struct {
	// Schedule lists the wait before each recovery attempt; its length is
	// the recovery budget.
	Schedule []Duration `yaml:"schedule"`

	// OverflowRetries caps fresh-session restarts after context overflow.
	OverflowRetries int `yaml:"overflow_retries"`
}

// ReviewerConfig is one reviewer in the chain.
type ReviewerConfig struct {
	Kind      string `yaml:"kind"`
	Agent     string `yaml:"agent"`
	Mandatory bool   `yaml:"mandatory"`
}

// ReviewConfig tunes the review orchestrator.
type ReviewConfig struct {
	MaxIterations   int              `yaml:"max_iterations"`
	ReviewerRetries uint64           `yaml:"reviewer_retries"`
	RetryDelay      Duration         `yaml:"retry_delay"`
	Policy          string           `yaml:"policy"`
	Reviewers       []ReviewerConfig `yaml:"reviewers"`
}

// NotifyConfig selects the notification channel. An empty Command falls
// back to log-based notifications.
type NotifyConfig struct {
	// Command is an argv with {title} and {message} placeholders.
	Command []string `yaml:"command"`
}

// MetricsConfig controls the Prometheus scrape endpoint.
type MetricsConfig struct {
	// Listen is the scrape listen address, e.g. ":9090". Empty disables
	// the endpoint.
	Listen string `yaml:"listen"`
}

// LogConfig controls event emission.
type LogConfig struct {
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// Config is the root configuration document.
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Executor ExecutorConfig `yaml:"executor"`
	Recovery RecoveryConfig `yaml:"recovery"`
	Review   ReviewConfig   `yaml:"review"`
	Notify   NotifyConfig   `yaml:"notify"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

// Default returns the configuration used when no file is present:
// sqlite in the working directory, the stock agent command, the standard
// recovery schedule and review chain.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Backend: "sqlite",
			Path:    "foreman.db",
		},
		Executor: ExecutorConfig{
			Command: "claude",
		},
		Recovery: RecoveryConfig{
			Schedule:        []Duration{Duration(time.Hour), Duration(2 * time.Hour), Duration(3 * time.Hour)},
			OverflowRetries: 1,
		},
		Review: ReviewConfig{
			MaxIterations:   3,
			ReviewerRetries: 1,
			RetryDelay:      Duration(5 * time.Second),
			Policy:          "narrow",
		},
		Log: LogConfig{Format: "text"},
	}
}

// Load reads path and overlays it on Default. A missing file is not an
// error: the defaults are returned as-is.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Store.Backend {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("sqlite backend requires store.path")
		}
	case "mysql":
		if c.Store.DSN == "" {
			return fmt.Errorf("mysql backend requires store.dsn")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	switch c.Review.Policy {
	case "", "narrow", "full":
	default:
		return fmt.Errorf("unknown review policy %q", c.Review.Policy)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}
