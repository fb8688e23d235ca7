// Package config provides configuration management for the KI-Agent server.
// It supports loading configuration from environment variables, a config
// file, and defaults. Configuration is read once at startup and never
// reloaded.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the server.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Budget   BudgetConfig   `mapstructure:"budget"`
	MCP      MCPConfig      `mapstructure:"mcp"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Approval ApprovalConfig `mapstructure:"approval"`
}

// ServerConfig holds HTTP/WebSocket server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// BudgetConfig holds the monetary caps enforced by the credit tracker and
// the per-session workflow budget. All values are USD.
type BudgetConfig struct {
	MaxPerSession     float64 `mapstructure:"maxPerSession"`
	MaxPerHour        float64 `mapstructure:"maxPerHour"`
	MaxPerDay         float64 `mapstructure:"maxPerDay"`
	EmergencyShutdown float64 `mapstructure:"emergencyShutdown"`
	MaxCallsPerMinute int     `mapstructure:"maxCallsPerMinute"`
	// LockTimeout is the default bounded wait for the code-generator LLM
	// lock, in seconds.
	LockTimeout int `mapstructure:"lockTimeout"`
}

// MCPConfig holds MCP client configuration.
type MCPConfig struct {
	// Servers overrides the default server set (name -> script path).
	// Empty means use the built-in set resolved relative to the repo root.
	Servers map[string]string `mapstructure:"servers"`
	// CallTimeout is the default global timeout for a tool call, in seconds.
	CallTimeout int `mapstructure:"callTimeout"`
	// AutoReconnect enables the single respawn-and-retry on connection errors.
	AutoReconnect bool `mapstructure:"autoReconnect"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// StorageConfig holds the execution archive configuration.
type StorageConfig struct {
	// DBPath is the sqlite file for the workflow execution archive.
	DBPath string `mapstructure:"dbPath"`
	// HistoryLimit bounds the in-memory completed-execution history.
	HistoryLimit int `mapstructure:"historyLimit"`
}

// ApprovalConfig holds approval-protocol settings.
type ApprovalConfig struct {
	// Timeout is the bounded wait for an approval_response, in seconds.
	// On timeout the step is denied.
	Timeout int `mapstructure:"timeout"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// CallTimeoutDuration returns the MCP call timeout as a time.Duration.
func (m *MCPConfig) CallTimeoutDuration() time.Duration {
	return time.Duration(m.CallTimeout) * time.Second
}

// TimeoutDuration returns the approval timeout as a time.Duration.
func (a *ApprovalConfig) TimeoutDuration() time.Duration {
	return time.Duration(a.Timeout) * time.Second
}

// LockTimeoutDuration returns the LLM lock timeout as a time.Duration.
func (b *BudgetConfig) LockTimeoutDuration() time.Duration {
	return time.Duration(b.LockTimeout) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8765)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("budget.maxPerSession", 10.0)
	v.SetDefault("budget.maxPerHour", 20.0)
	v.SetDefault("budget.maxPerDay", 100.0)
	v.SetDefault("budget.emergencyShutdown", 150.0)
	v.SetDefault("budget.maxCallsPerMinute", 30)
	v.SetDefault("budget.lockTimeout", 30)

	v.SetDefault("mcp.callTimeout", 30)
	v.SetDefault("mcp.autoReconnect", true)

	// Empty URL means use the in-memory event bus.
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "kiagent")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("storage.dbPath", "./kiagent.db")
	v.SetDefault("storage.historyLimit", 100)

	v.SetDefault("approval.timeout", 300)
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix KIAGENT_ with underscores.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("KIAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The budget caps are documented as flat env vars, so bind them
	// explicitly alongside the structured names.
	_ = v.BindEnv("budget.maxPerSession", "MAX_BUDGET_USD", "KIAGENT_BUDGET_MAX_PER_SESSION")
	_ = v.BindEnv("budget.maxPerHour", "MAX_COST_PER_HOUR_USD", "KIAGENT_BUDGET_MAX_PER_HOUR")
	_ = v.BindEnv("budget.maxPerDay", "MAX_COST_PER_DAY_USD", "KIAGENT_BUDGET_MAX_PER_DAY")
	_ = v.BindEnv("budget.emergencyShutdown", "EMERGENCY_SHUTDOWN_USD", "KIAGENT_BUDGET_EMERGENCY_SHUTDOWN")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/kiagent/")

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

// validate checks that all required configuration fields are sane.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if cfg.Budget.MaxPerSession <= 0 {
		errs = append(errs, "budget.maxPerSession must be positive")
	}
	if cfg.Budget.MaxPerHour < cfg.Budget.MaxPerSession {
		errs = append(errs, "budget.maxPerHour must be >= budget.maxPerSession")
	}
	if cfg.Budget.MaxPerDay < cfg.Budget.MaxPerHour {
		errs = append(errs, "budget.maxPerDay must be >= budget.maxPerHour")
	}
	if cfg.Budget.EmergencyShutdown < cfg.Budget.MaxPerDay {
		errs = append(errs, "budget.emergencyShutdown must be >= budget.maxPerDay")
	}

	if cfg.MCP.CallTimeout <= 0 {
		errs = append(errs, "mcp.callTimeout must be positive")
	}
	if cfg.Storage.HistoryLimit <= 0 {
		errs = append(errs, "storage.historyLimit must be positive")
	}
	if cfg.Approval.Timeout <= 0 {
		errs = append(errs, "approval.timeout must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
