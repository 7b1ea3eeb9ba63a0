// Package config provides YAML configuration loading and validation for the
// agent daemon.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the agent.
type Config struct {
	// QueueDir is the spool directory holding one file per queued event.
	// Required; must exist and be readable/writable by the agent.
	QueueDir string `yaml:"queue_dir"`

	// StateDir is the directory holding agent state (backoff history,
	// agent ID). Required; must exist and be readable/writable.
	StateDir string `yaml:"state_dir"`

	// EventsAPIURL is the endpoint queued events are POSTed to. Required.
	EventsAPIURL string `yaml:"events_api_url"`

	// PhoneHomeURL is the heartbeat endpoint. Optional; when empty the
	// phone-home reporter is disabled.
	PhoneHomeURL string `yaml:"phone_home_url"`

	// AuthSecret, when set, is the HS256 secret used to sign the bearer
	// token attached to outgoing API requests. Optional.
	AuthSecret string `yaml:"auth_secret"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// StatusAddr is the listen address for the /healthz and /status HTTP
	// server. Defaults to "127.0.0.1:9100" when omitted.
	StatusAddr string `yaml:"status_addr"`

	// AgentVersion is an optional human-readable version string included
	// in phone-home reports (e.g. "v0.1.0").
	AgentVersion string `yaml:"agent_version"`

	// SendIntervalSec is how often the queue is flushed to the events
	// API. Defaults to 10.
	SendIntervalSec int `yaml:"send_interval_sec"`

	// CleanupIntervalSec is how often aged err_/tmp_ files are swept.
	// Defaults to 3600.
	CleanupIntervalSec int `yaml:"cleanup_interval_sec"`

	// CleanupThresholdSec is the age past which err_/tmp_ files are
	// removed. Defaults to 86400.
	CleanupThresholdSec int `yaml:"cleanup_threshold_sec"`

	// HeartbeatIntervalSec is how often the phone-home reporter runs.
	// Defaults to 1800.
	HeartbeatIntervalSec int `yaml:"heartbeat_interval_sec"`

	// Backoff configures per-service-key retry throttling.
	Backoff BackoffConfig `yaml:"backoff"`
}

// BackoffConfig is the exponential backoff schedule applied to failing
// service keys.
type BackoffConfig struct {
	// InitialDelaySec is the first retry delay in seconds. Defaults to 60.
	InitialDelaySec int `yaml:"initial_delay_sec"`

	// Factor multiplies the delay on each consecutive failure. Defaults
	// to 2.
	Factor int `yaml:"factor"`

	// MaxAttempts is the attempt count at which a bad-entry failure is
	// quarantined. Defaults to 6.
	MaxAttempts int `yaml:"max_attempts"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. A validation error lists
// every failing field, joined with errors.Join.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.StatusAddr == "" {
		cfg.StatusAddr = "127.0.0.1:9100"
	}
	if cfg.SendIntervalSec == 0 {
		cfg.SendIntervalSec = 10
	}
	if cfg.CleanupIntervalSec == 0 {
		cfg.CleanupIntervalSec = 3600
	}
	if cfg.CleanupThresholdSec == 0 {
		cfg.CleanupThresholdSec = 86400
	}
	if cfg.HeartbeatIntervalSec == 0 {
		cfg.HeartbeatIntervalSec = 1800
	}
	if cfg.Backoff.InitialDelaySec == 0 {
		cfg.Backoff.InitialDelaySec = 60
	}
	if cfg.Backoff.Factor == 0 {
		cfg.Backoff.Factor = 2
	}
	if cfg.Backoff.MaxAttempts == 0 {
		cfg.Backoff.MaxAttempts = 6
	}
}

// validate checks that all required fields are populated and that enumerated
// and numeric fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.QueueDir == "" {
		errs = append(errs, errors.New("queue_dir is required"))
	}
	if cfg.StateDir == "" {
		errs = append(errs, errors.New("state_dir is required"))
	}
	if cfg.EventsAPIURL == "" {
		errs = append(errs, errors.New("events_api_url is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.SendIntervalSec < 1 {
		errs = append(errs, fmt.Errorf("send_interval_sec %d must be positive", cfg.SendIntervalSec))
	}
	if cfg.CleanupIntervalSec < 1 {
		errs = append(errs, fmt.Errorf("cleanup_interval_sec %d must be positive", cfg.CleanupIntervalSec))
	}
	if cfg.CleanupThresholdSec < 1 {
		errs = append(errs, fmt.Errorf("cleanup_threshold_sec %d must be positive", cfg.CleanupThresholdSec))
	}
	if cfg.HeartbeatIntervalSec < 1 {
		errs = append(errs, fmt.Errorf("heartbeat_interval_sec %d must be positive", cfg.HeartbeatIntervalSec))
	}
	if cfg.Backoff.InitialDelaySec < 1 {
		errs = append(errs, fmt.Errorf("backoff.initial_delay_sec %d must be positive", cfg.Backoff.InitialDelaySec))
	}
	if cfg.Backoff.Factor < 1 {
		errs = append(errs, fmt.Errorf("backoff.factor %d must be at least 1", cfg.Backoff.Factor))
	}
	if cfg.Backoff.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("backoff.max_attempts %d must be at least 1", cfg.Backoff.MaxAttempts))
	}

	return errors.Join(errs...)
}
