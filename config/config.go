// Package config loads runtime configuration for the orchestration
// core: a YAML file with CONCIERGE_* environment overrides layered on
// top. Every knob has a default, so a zero-config start works.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full runtime configuration.
type Config struct {
	// ListenAddr is the websocket gateway's bind address.
	ListenAddr string `yaml:"listen_addr"`

	// DatabasePath is the SQLite database file. Empty selects the
	// in-memory store.
	DatabasePath string `yaml:"database_path"`

	// AnthropicAPIKey enables the model-backed classifier when set.
	// Usually supplied via CONCIERGE_ANTHROPIC_API_KEY, not the file.
	AnthropicAPIKey string `yaml:"anthropic_api_key"`

	// ClassifierModel overrides the default classification model.
	ClassifierModel string `yaml:"classifier_model"`

	// ConfidenceThreshold is the minimum classification confidence for
	// intent routing; below it the fallback agent handles the message.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`

	// AgentTimeout bounds one agent invocation.
	AgentTimeout Duration `yaml:"agent_timeout"`

	// TickInterval is the reminder scheduler's polling period.
	TickInterval Duration `yaml:"tick_interval"`

	// MaxDeliveryAttempts is the reminder dead-letter bound.
	MaxDeliveryAttempts int `yaml:"max_delivery_attempts"`

	// HistoryWindow is how many recent messages agents see.
	HistoryWindow int `yaml:"history_window"`

	// EmbeddingDimensions sizes the local embedder's vectors.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`
}

// Default returns the configuration used when no file or overrides are
// present.
func Default() *Config {
	return &Config{
		ListenAddr:          ":8700",
		DatabasePath:        "concierge.db",
		ConfidenceThreshold: 0.6,
		AgentTimeout:        Duration(5 * time.Second),
		TickInterval:        Duration(30 * time.Second),
		MaxDeliveryAttempts: 5,
		HistoryWindow:       20,
		EmbeddingDimensions: 384,
	}
}

// Load reads the config file at path (skipped when path is empty or
// the file does not exist) and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults plus env only.
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("CONCIERGE_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("CONCIERGE_DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("CONCIERGE_ANTHROPIC_API_KEY"); v != "" {
		c.AnthropicAPIKey = v
	}
	if v := os.Getenv("CONCIERGE_CLASSIFIER_MODEL"); v != "" {
		c.ClassifierModel = v
	}
	if v := os.Getenv("CONCIERGE_CONFIDENCE_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("CONCIERGE_CONFIDENCE_THRESHOLD: %w", err)
		}
		c.ConfidenceThreshold = f
	}
	if v := os.Getenv("CONCIERGE_AGENT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CONCIERGE_AGENT_TIMEOUT: %w", err)
		}
		c.AgentTimeout = Duration(d)
	}
	if v := os.Getenv("CONCIERGE_TICK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CONCIERGE_TICK_INTERVAL: %w", err)
		}
		c.TickInterval = Duration(d)
	}
	if v := os.Getenv("CONCIERGE_MAX_DELIVERY_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CONCIERGE_MAX_DELIVERY_ATTEMPTS: %w", err)
		}
		c.MaxDeliveryAttempts = n
	}
	if v := os.Getenv("CONCIERGE_HISTORY_WINDOW"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CONCIERGE_HISTORY_WINDOW: %w", err)
		}
		c.HistoryWindow = n
	}
	return nil
}

func (c *Config) validate() error {
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold %v outside [0,1]", c.ConfidenceThreshold)
	}
	if c.AgentTimeout <= 0 {
		return fmt.Errorf("agent_timeout must be positive")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive")
	}
	if c.MaxDeliveryAttempts < 1 {
		return fmt.Errorf("max_delivery_attempts must be at least 1")
	}
	if c.HistoryWindow < 1 {
		return fmt.Errorf("history_window must be at least 1")
	}
	return nil
}
