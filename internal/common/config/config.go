// Package config provides configuration management for the companion server.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the companion server.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Sessions    SessionsConfig    `mapstructure:"sessions"`
	Connections ConnectionsConfig `mapstructure:"connections"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Security    SecurityConfig    `mapstructure:"security"`
	Assistant   AssistantConfig   `mapstructure:"assistant"`
	Events      EventsConfig      `mapstructure:"events"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// SessionsConfig holds session lifecycle configuration.
type SessionsConfig struct {
	MaxSessions                int           `mapstructure:"maxSessions"`
	MaxConcurrentSessions      int           `mapstructure:"maxConcurrentSessions"`
	MaxMemoryPerSession        int64         `mapstructure:"maxMemoryPerSession"` // bytes
	MaxTotalMemory             int64         `mapstructure:"maxTotalMemory"`      // bytes
	SessionTimeout             time.Duration `mapstructure:"sessionTimeout"`
	BackgroundedSessionTimeout time.Duration `mapstructure:"backgroundedSessionTimeout"`
	SessionWarningTime         time.Duration `mapstructure:"sessionWarningTime"`
	MinTimeoutCheckInterval    time.Duration `mapstructure:"minTimeoutCheckInterval"`
	SafeRootDirectory          string        `mapstructure:"safeRootDirectory"`
}

// ConnectionsConfig holds WebSocket client configuration.
type ConnectionsConfig struct {
	HealthCheckInterval time.Duration `mapstructure:"healthCheckInterval"`
	ReconnectionWindow  time.Duration `mapstructure:"reconnectionWindow"`
}

// QueueConfig holds per-session message queue limits.
type QueueConfig struct {
	MaxQueueLength int           `mapstructure:"maxQueueLength"`
	MaxQueueAge    time.Duration `mapstructure:"maxQueueAge"`
}

// SecurityConfig holds command security policy configuration.
type SecurityConfig struct {
	Preset              string   `mapstructure:"preset"` // unrestricted, standard, restricted
	BlockedCommands     []string `mapstructure:"blockedCommands"`
	SafeDirectories     []string `mapstructure:"safeDirectories"`
	RequireConfirmation bool     `mapstructure:"requireConfirmation"`
	ReadOnlyMode        bool     `mapstructure:"readOnlyMode"`
	EnableAudit         bool     `mapstructure:"enableAudit"`
	MaxFileSize         int64    `mapstructure:"maxFileSize"` // bytes
	PolicyFile          string   `mapstructure:"policyFile"`  // optional yaml policy document
}

// AssistantConfig holds configuration for spawning the assistant CLI.
type AssistantConfig struct {
	Binary          string   `mapstructure:"binary"`
	PermissionMode  string   `mapstructure:"permissionMode"`
	AllowedTools    []string `mapstructure:"allowedTools"`
	DisallowedTools []string `mapstructure:"disallowedTools"`
	SkipPermissions bool     `mapstructure:"skipPermissions"`
}

// EventsConfig holds event bus configuration.
// An empty NATS URL selects the in-memory bus.
type EventsConfig struct {
	NatsURL       string `mapstructure:"natsUrl"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// PersistenceConfig holds the sqlite cache configuration.
// The store caches connection history and session routing only;
// it is never the source of truth for conversation content.
type PersistenceConfig struct {
	Path string `mapstructure:"path"` // empty disables persistence
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"` // OTLP/HTTP endpoint, empty = stdout-less no-op
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

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("COMPANION_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Session defaults
	v.SetDefault("sessions.maxSessions", 10)
	v.SetDefault("sessions.maxConcurrentSessions", 5)
	v.SetDefault("sessions.maxMemoryPerSession", int64(256*1024*1024))
	v.SetDefault("sessions.maxTotalMemory", int64(1024*1024*1024))
	v.SetDefault("sessions.sessionTimeout", 24*time.Hour)
	v.SetDefault("sessions.backgroundedSessionTimeout", 4*time.Hour)
	v.SetDefault("sessions.sessionWarningTime", 23*time.Hour)
	v.SetDefault("sessions.minTimeoutCheckInterval", time.Minute)
	v.SetDefault("sessions.safeRootDirectory", "")

	// Connection defaults
	v.SetDefault("connections.healthCheckInterval", 30*time.Second)
	v.SetDefault("connections.reconnectionWindow", 5*time.Minute)

	// Queue defaults
	v.SetDefault("queue.maxQueueLength", 100)
	v.SetDefault("queue.maxQueueAge", time.Hour)

	// Security defaults
	v.SetDefault("security.preset", "standard")
	v.SetDefault("security.blockedCommands", []string{})
	v.SetDefault("security.safeDirectories", []string{})
	v.SetDefault("security.requireConfirmation", true)
	v.SetDefault("security.readOnlyMode", false)
	v.SetDefault("security.enableAudit", true)
	v.SetDefault("security.maxFileSize", int64(10*1024*1024))
	v.SetDefault("security.policyFile", "")

	// Assistant defaults
	v.SetDefault("assistant.binary", "claude")
	v.SetDefault("assistant.permissionMode", "default")
	v.SetDefault("assistant.allowedTools", []string{"Read", "Write", "Edit"})
	v.SetDefault("assistant.disallowedTools", []string{})
	v.SetDefault("assistant.skipPermissions", false)

	// Event bus defaults - empty URL means use in-memory event bus
	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.clientId", "companion")
	v.SetDefault("events.maxReconnects", 10)

	// Persistence defaults - empty path disables the sqlite cache
	v.SetDefault("persistence.path", "")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix COMPANION_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/companion/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("COMPANION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("sessions.maxSessions", "COMPANION_SESSIONS_MAX_SESSIONS")
	_ = v.BindEnv("sessions.safeRootDirectory", "COMPANION_SESSIONS_SAFE_ROOT_DIRECTORY")
	_ = v.BindEnv("security.preset", "COMPANION_SECURITY_PRESET")
	_ = v.BindEnv("assistant.binary", "COMPANION_ASSISTANT_BINARY")
	_ = v.BindEnv("events.natsUrl", "COMPANION_EVENTS_NATS_URL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/companion/")

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

	if cfg.Sessions.MaxSessions <= 0 {
		errs = append(errs, "sessions.maxSessions must be positive")
	}
	if cfg.Sessions.SessionTimeout <= 0 {
		errs = append(errs, "sessions.sessionTimeout must be positive")
	}
	if cfg.Sessions.MinTimeoutCheckInterval <= 0 {
		errs = append(errs, "sessions.minTimeoutCheckInterval must be positive")
	}

	switch cfg.Security.Preset {
	case "unrestricted", "standard", "restricted":
	default:
		errs = append(errs, "security.preset must be one of: unrestricted, standard, restricted")
	}

	if cfg.Assistant.Binary == "" {
		errs = append(errs, "assistant.binary is required")
	}

	if cfg.Queue.MaxQueueLength <= 0 {
		errs = append(errs, "queue.maxQueueLength must be positive")
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
