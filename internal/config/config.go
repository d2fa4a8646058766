// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppConfig holds all application configuration.
// It is instantiated by NewConfig() and passed to components that need it (dependency injection).
type AppConfig struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Server    ServerConfig    `mapstructure:"server"`
	Container ContainerConfig `mapstructure:"container"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Debug     DebugConfig     `mapstructure:"debug"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// DatabaseConfig holds all database configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	URL      string `mapstructure:"url"` // Full DSN; overrides the individual fields when set
}

// LogConfig holds comprehensive logging configuration
type LogConfig struct {
	Level   string            `mapstructure:"level"`
	Format  string            `mapstructure:"format"`
	Output  []LogOutputConfig `mapstructure:"output"`
	Levels  map[string]string `mapstructure:"levels"`
	Context LogContextConfig  `mapstructure:"context"`
}

// LogOutputConfig defines where logs are written
type LogOutputConfig struct {
	Type    string          `mapstructure:"type"` // "file", "console"
	Enabled bool            `mapstructure:"enabled"`
	Path    string          `mapstructure:"path"`   // For file output
	Rotate  LogRotateConfig `mapstructure:"rotate"` // For file output
}

// LogRotateConfig defines log rotation settings
type LogRotateConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// LogContextConfig defines what context to include in logs
type LogContextConfig struct {
	IncludeCaller     bool   `mapstructure:"include_caller"`
	IncludeTimestamp  bool   `mapstructure:"include_timestamp"`
	IncludeLevel      bool   `mapstructure:"include_level"`
	IncludeStackTrace string `mapstructure:"include_stack_trace"` // Level at which to include stack trace
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"` // Empty = allow all (development); set for production
	// BackendURL is the URL step containers and runners use to reach this
	// server. Defaults to http://<host>:<port> when empty.
	BackendURL string `mapstructure:"backend_url"`
}

// ContainerConfig holds container runtime configuration.
type ContainerConfig struct {
	DockerHost     string         `mapstructure:"docker_host"`
	NetworkMode    string         `mapstructure:"network_mode"`
	BaseImage      string         `mapstructure:"base_image"`   // Image for script steps
	ClaudeImage    string         `mapstructure:"claude_image"` // Image for claude-code agent steps
	GeminiImage    string         `mapstructure:"gemini_image"` // Image for gemini agent steps
	WorkspaceDir   string         `mapstructure:"workspace_dir"`
	ResourceLimits ResourceLimits `mapstructure:"resource_limits"`
	StopTimeout    time.Duration  `mapstructure:"stop_timeout"`
}

// ResourceLimits defines container resource limits.
type ResourceLimits struct {
	CPUCount int64 `mapstructure:"cpu_count"`
	MemoryMB int64 `mapstructure:"memory_mb"`
}

// EngineConfig holds pipeline execution engine options.
type EngineConfig struct {
	DefaultRunnerType    string        `mapstructure:"default_runner_type"` // any, claude-code, gemini
	UseLocalExecutor     bool          `mapstructure:"use_local_executor"`
	ForceRemote          bool          `mapstructure:"force_remote"`
	AllowLocalAgents     bool          `mapstructure:"allow_local_agents"` // Let the local executor run agent steps
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	RegistrationTimeout  time.Duration `mapstructure:"registration_timeout"`
	AckTimeout           time.Duration `mapstructure:"ack_timeout"`
	RunnerDeathTimeout   time.Duration `mapstructure:"runner_death_timeout"`
	DefaultStepTimeout   time.Duration `mapstructure:"default_step_timeout"`
	TriggerDedupWindow   time.Duration `mapstructure:"trigger_dedup_window"` // 0 disables dedup
	OrphanGrace          time.Duration `mapstructure:"orphan_grace"`
	ExecRetention        time.Duration `mapstructure:"completed_exec_retention"`
	StepTokenSecret      string        `mapstructure:"step_token_secret"`
	StepTokenTTL         time.Duration `mapstructure:"step_token_ttl"`
	RunnerReconnectGrace time.Duration `mapstructure:"runner_reconnect_grace"` // Window in which a dead runner's remote step is requeued rather than failed
}

// DebugConfig holds debug session options.
type DebugConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	MaxTimeout     time.Duration `mapstructure:"max_timeout"`
}

// TelemetryConfig holds OpenTelemetry export options.
type TelemetryConfig struct {
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"` // Empty disables export
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
	Insecure       bool   `mapstructure:"insecure"`
}

// NewConfig creates a new AppConfig by reading from a file, environment variables,
// and applying defaults.
func NewConfig(configPath string) (*AppConfig, error) {
	cfg := defaultConfig()

	v := viper.New()

	// Set config file if provided, otherwise search in standard locations
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/lazyaf/")
		v.AddConfigPath("$HOME/.lazyaf")
	}

	v.SetEnvPrefix("LAZYAF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read the config file. It's okay if it doesn't exist.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.expandPaths()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// defaultConfig returns an AppConfig with default values.
// This is more type-safe than using viper.SetDefault().
func defaultConfig() AppConfig {
	return AppConfig{
		Database: DatabaseConfig{
			Driver:   "sqlite",
			Database: "lazyaf.db",
			Host:     "localhost",
			Port:     5432,
			SSLMode:  "disable",
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "console",
			Output: []LogOutputConfig{
				{
					Type:    "file",
					Enabled: true,
					Path:    "./logs/lazyaf.log",
					Rotate: LogRotateConfig{
						MaxSizeMB:  100,
						MaxBackups: 7,
						MaxAgeDays: 30,
						Compress:   true,
					},
				},
				{
					Type:    "console",
					Enabled: true,
				},
			},
			Levels: map[string]string{
				"engine":    "INFO",
				"scheduler": "INFO",
				"runner":    "INFO",
				"workspace": "INFO",
				"container": "INFO",
				"database":  "INFO",
				"api":       "INFO",
				"debug":     "INFO",
				"control":   "INFO",
			},
			Context: LogContextConfig{
				IncludeCaller:     true,
				IncludeTimestamp:  true,
				IncludeLevel:      true,
				IncludeStackTrace: "ERROR",
			},
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Container: ContainerConfig{
			DockerHost:   "unix:///var/run/docker.sock",
			NetworkMode:  "bridge",
			BaseImage:    "lazyaf-base",
			ClaudeImage:  "lazyaf-claude",
			GeminiImage:  "lazyaf-gemini",
			WorkspaceDir: "/workspace",
			ResourceLimits: ResourceLimits{
				CPUCount: 2,
				MemoryMB: 2048,
			},
			StopTimeout: 10 * time.Second,
		},
		Engine: EngineConfig{
			DefaultRunnerType:    "any",
			UseLocalExecutor:     true,
			ForceRemote:          false,
			AllowLocalAgents:     false,
			HeartbeatInterval:    10 * time.Second,
			RegistrationTimeout:  10 * time.Second,
			AckTimeout:           5 * time.Second,
			RunnerDeathTimeout:   30 * time.Second,
			DefaultStepTimeout:   time.Hour,
			TriggerDedupWindow:   time.Hour,
			OrphanGrace:          5 * time.Minute,
			ExecRetention:        30 * 24 * time.Hour,
			StepTokenTTL:         24 * time.Hour,
			RunnerReconnectGrace: 2 * time.Minute,
		},
		Debug: DebugConfig{
			DefaultTimeout: time.Hour,
			MaxTimeout:     4 * time.Hour,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "lazyaf-engine",
		},
	}
}

// expandPaths expands ~ and environment variables in path configuration values
func (c *AppConfig) expandPaths() {
	if c.Container.DockerHost != "" {
		c.Container.DockerHost = expandPath(c.Container.DockerHost)
	}
	for i := range c.Log.Output {
		if c.Log.Output[i].Path != "" {
			c.Log.Output[i].Path = expandPath(c.Log.Output[i].Path)
		}
	}
}

// expandPath expands ~ to home directory and environment variables
func expandPath(path string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[1:])
		}
	}

	return os.ExpandEnv(path)
}

// validate checks if the configuration is valid.
func (c *AppConfig) validate() error {
	if c.Database.Driver == "" {
		return errors.New("database driver is required")
	}

	validLogLevels := map[string]bool{
		"DEBUG": true, "INFO": true, "WARN": true, "ERROR": true, "FATAL": true, "PANIC": true,
	}
	if !validLogLevels[strings.ToUpper(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Container.BaseImage == "" {
		return errors.New("container base_image is required")
	}

	switch c.Engine.DefaultRunnerType {
	case "any", "claude-code", "gemini":
	default:
		return fmt.Errorf("engine.default_runner_type must be any, claude-code, or gemini, got: %s", c.Engine.DefaultRunnerType)
	}

	if c.Engine.HeartbeatInterval <= 0 {
		return errors.New("engine.heartbeat_interval must be positive")
	}
	if c.Engine.AckTimeout <= 0 {
		return errors.New("engine.ack_timeout must be positive")
	}
	if c.Engine.RunnerDeathTimeout < c.Engine.HeartbeatInterval {
		return errors.New("engine.runner_death_timeout must be at least engine.heartbeat_interval")
	}
	if c.Debug.MaxTimeout < c.Debug.DefaultTimeout {
		return errors.New("debug.max_timeout must be at least debug.default_timeout")
	}

	return nil
}

// GetBackendURL returns the URL step containers use to reach the control plane.
func (sc *ServerConfig) GetBackendURL() string {
	if sc.BackendURL != "" {
		return sc.BackendURL
	}
	return fmt.Sprintf("http://%s:%d", sc.Host, sc.Port)
}

// GetDSN returns the database connection string.
func (dc *DatabaseConfig) GetDSN() string {
	if dc.URL != "" {
		return dc.URL
	}
	switch dc.Driver {
	case "sqlite":
		dsn := dc.Database
		if dsn == ":memory:" {
			dsn = "file::memory:?cache=shared"
		}
		return dsn
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			dc.Host, dc.Port, dc.Username, dc.Password, dc.Database, dc.SSLMode)
	default:
		// Fallback for other drivers that might just use a connection string directly
		return dc.Database
	}
}
