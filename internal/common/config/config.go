// Package config provides configuration management for Tandem.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Tandem.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Sidecar     SidecarConfig     `mapstructure:"sidecar"`
	Events      EventsConfig      `mapstructure:"events"`
	Runs        RunsConfig        `mapstructure:"runs"`
	Permissions PermissionsConfig `mapstructure:"permissions"`
	Staging     StagingConfig     `mapstructure:"staging"`
	Journal     JournalConfig     `mapstructure:"journal"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// SidecarConfig holds the supervised sidecar process configuration.
type SidecarConfig struct {
	// Command is the full sidecar command line (split on whitespace).
	Command string `mapstructure:"command"`

	// Host the sidecar binds to; the port is allocated from the range below.
	Host     string `mapstructure:"host"`
	PortBase int    `mapstructure:"portBase"`
	PortMax  int    `mapstructure:"portMax"`

	// Health polling during startup.
	HealthIntervalMs int `mapstructure:"healthIntervalMs"`
	StartupTimeout   int `mapstructure:"startupTimeout"` // in seconds

	// Circuit breaker for start attempts.
	FailureThreshold int `mapstructure:"failureThreshold"`
	BreakerCooldown  int `mapstructure:"breakerCooldown"` // in seconds

	// Restart backoff after a crash.
	RestartBackoffMs    int `mapstructure:"restartBackoffMs"`
	RestartBackoffMaxMs int `mapstructure:"restartBackoffMaxMs"`

	// Per-stream ring log capacity in lines.
	LogBufferLines int `mapstructure:"logBufferLines"`
}

// EventsConfig holds event bus configuration.
// An empty NATS URL selects the in-memory bus.
type EventsConfig struct {
	NATSURL        string `mapstructure:"natsUrl"`
	ClientID       string `mapstructure:"clientId"`
	MaxReconnects  int    `mapstructure:"maxReconnects"`
	SubscriberBuf  int    `mapstructure:"subscriberBuf"`
	SubjectPrefix  string `mapstructure:"subjectPrefix"`
}

// RunsConfig holds session-run registry configuration.
type RunsConfig struct {
	ReapInterval   int `mapstructure:"reapInterval"`   // in seconds
	StaleThreshold int `mapstructure:"staleThreshold"` // in seconds, clamped to [30s, 1h]
	RetryAfterMs   int `mapstructure:"retryAfterMs"`   // hint returned on run conflicts
}

// PermissionsConfig holds the tool permission proxy configuration.
type PermissionsConfig struct {
	// WorkspaceRoot is the hard sandbox boundary for all tool calls.
	WorkspaceRoot string `mapstructure:"workspaceRoot"`

	// PolicyPath is the YAML policy file; it is the only state that
	// survives restarts besides the workspace root itself.
	PolicyPath string `mapstructure:"policyPath"`

	// ReviewMode selects how "ask" decisions are handled: "immediate" or "plan".
	ReviewMode string `mapstructure:"reviewMode"`

	// ApprovalExpiry bounds how long a pending immediate-mode approval is held.
	ApprovalExpiry int `mapstructure:"approvalExpiry"` // in seconds

	// WatchPolicy enables fsnotify-based hot reload of the policy file.
	WatchPolicy bool `mapstructure:"watchPolicy"`
}

// StagingConfig holds staging-area configuration.
type StagingConfig struct {
	CommandTimeout int `mapstructure:"commandTimeout"` // per-operation, in seconds
	MaxPending     int `mapstructure:"maxPending"`
}

// JournalConfig holds execution journal retention configuration.
type JournalConfig struct {
	MaxEntries int `mapstructure:"maxEntries"`
	MaxAge     int `mapstructure:"maxAge"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// HealthInterval returns the health poll interval as a time.Duration.
func (s *SidecarConfig) HealthInterval() time.Duration {
	return time.Duration(s.HealthIntervalMs) * time.Millisecond
}

// StartupTimeoutDuration returns the total startup wait as a time.Duration.
func (s *SidecarConfig) StartupTimeoutDuration() time.Duration {
	return time.Duration(s.StartupTimeout) * time.Second
}

// BreakerCooldownDuration returns the circuit breaker cooldown as a time.Duration.
func (s *SidecarConfig) BreakerCooldownDuration() time.Duration {
	return time.Duration(s.BreakerCooldown) * time.Second
}

// RestartBackoff returns the initial restart backoff as a time.Duration.
func (s *SidecarConfig) RestartBackoff() time.Duration {
	return time.Duration(s.RestartBackoffMs) * time.Millisecond
}

// RestartBackoffMax returns the restart backoff cap as a time.Duration.
func (s *SidecarConfig) RestartBackoffMax() time.Duration {
	return time.Duration(s.RestartBackoffMaxMs) * time.Millisecond
}

// Args splits the sidecar command line into argv.
func (s *SidecarConfig) Args() []string {
	return strings.Fields(s.Command)
}

// ReapIntervalDuration returns the reaper sweep interval as a time.Duration.
func (r *RunsConfig) ReapIntervalDuration() time.Duration {
	return time.Duration(r.ReapInterval) * time.Second
}

// StaleThresholdDuration returns the stale-run threshold clamped to a safe range.
func (r *RunsConfig) StaleThresholdDuration() time.Duration {
	d := time.Duration(r.StaleThreshold) * time.Second
	if d < 30*time.Second {
		return 30 * time.Second
	}
	if d > time.Hour {
		return time.Hour
	}
	return d
}

// ApprovalExpiryDuration returns the pending-approval expiry as a time.Duration.
func (p *PermissionsConfig) ApprovalExpiryDuration() time.Duration {
	return time.Duration(p.ApprovalExpiry) * time.Second
}

// CommandTimeoutDuration returns the staged-command timeout as a time.Duration.
func (s *StagingConfig) CommandTimeoutDuration() time.Duration {
	return time.Duration(s.CommandTimeout) * time.Second
}

// MaxAgeDuration returns the journal retention age as a time.Duration.
func (j *JournalConfig) MaxAgeDuration() time.Duration {
	return time.Duration(j.MaxAge) * time.Second
}

// detectDefaultLogFormat returns "json" for production-like environments
// and "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if env := os.Getenv("TANDEM_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7712)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Sidecar defaults
	v.SetDefault("sidecar.command", "")
	v.SetDefault("sidecar.host", "127.0.0.1")
	v.SetDefault("sidecar.portBase", 7720)
	v.SetDefault("sidecar.portMax", 7770)
	v.SetDefault("sidecar.healthIntervalMs", 500)
	v.SetDefault("sidecar.startupTimeout", 60)
	v.SetDefault("sidecar.failureThreshold", 3)
	v.SetDefault("sidecar.breakerCooldown", 30)
	v.SetDefault("sidecar.restartBackoffMs", 500)
	v.SetDefault("sidecar.restartBackoffMaxMs", 15000)
	v.SetDefault("sidecar.logBufferLines", 2000)

	// Events defaults - empty URL means in-memory event bus
	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.clientId", "tandem")
	v.SetDefault("events.maxReconnects", 10)
	v.SetDefault("events.subscriberBuf", 128)
	v.SetDefault("events.subjectPrefix", "tandem.events")

	// Runs defaults
	v.SetDefault("runs.reapInterval", 15)
	v.SetDefault("runs.staleThreshold", 120)
	v.SetDefault("runs.retryAfterMs", 2000)

	// Permissions defaults
	v.SetDefault("permissions.workspaceRoot", ".")
	v.SetDefault("permissions.policyPath", "policy.yaml")
	v.SetDefault("permissions.reviewMode", "immediate")
	v.SetDefault("permissions.approvalExpiry", 300)
	v.SetDefault("permissions.watchPolicy", true)

	// Staging defaults
	v.SetDefault("staging.commandTimeout", 300)
	v.SetDefault("staging.maxPending", 200)

	// Journal defaults
	v.SetDefault("journal.maxEntries", 500)
	v.SetDefault("journal.maxAge", 86400)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TANDEM_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/tandem/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TANDEM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for keys whose env naming differs from the config key.
	_ = v.BindEnv("sidecar.command", "TANDEM_SIDECAR_COMMAND")
	_ = v.BindEnv("permissions.workspaceRoot", "TANDEM_WORKSPACE_ROOT", "TANDEM_PERMISSIONS_WORKSPACE_ROOT")
	_ = v.BindEnv("permissions.policyPath", "TANDEM_POLICY_PATH", "TANDEM_PERMISSIONS_POLICY_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/tandem/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Sidecar.PortBase <= 0 || cfg.Sidecar.PortMax > 65535 || cfg.Sidecar.PortBase > cfg.Sidecar.PortMax {
		errs = append(errs, "sidecar.portBase/portMax must form a valid port range")
	}
	if cfg.Sidecar.FailureThreshold <= 0 {
		errs = append(errs, "sidecar.failureThreshold must be positive")
	}
	if cfg.Sidecar.LogBufferLines <= 0 {
		errs = append(errs, "sidecar.logBufferLines must be positive")
	}

	if cfg.Runs.ReapInterval <= 0 {
		errs = append(errs, "runs.reapInterval must be positive")
	}

	switch strings.ToLower(cfg.Permissions.ReviewMode) {
	case "immediate", "plan":
	default:
		errs = append(errs, "permissions.reviewMode must be one of: immediate, plan")
	}
	if cfg.Permissions.WorkspaceRoot == "" {
		errs = append(errs, "permissions.workspaceRoot is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
