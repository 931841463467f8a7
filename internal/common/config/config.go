// Package config provides configuration management for the orchestration
// core. It supports loading configuration from environment variables,
// config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestration core.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Bus          BusConfig          `mapstructure:"bus"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Balancer     BalancerConfig     `mapstructure:"balancer"`
	Audit        AuditConfig        `mapstructure:"audit"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds the admission HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// BusConfig holds communication bus configuration. An empty URL selects
// the in-memory bus; a non-empty URL selects the NATS-backed bus.
type BusConfig struct {
	URL             string `mapstructure:"url"`
	ClusterID       string `mapstructure:"clusterId"`
	ClientID        string `mapstructure:"clientId"`
	MaxReconnects   int    `mapstructure:"maxReconnects"`
	SubscriberQueue int    `mapstructure:"subscriberQueue"` // per-subscription buffered queue depth
	HistorySize     int    `mapstructure:"historySize"`     // per-topic ring buffer size
}

// OrchestratorConfig holds worker pool, retry and health parameters.
// Retry/backoff/health fields carry the defaults fixed by the Open
// Question resolution recorded in DESIGN.md: R=3, B=200ms, C=5s, W=20,
// T=0.5.
type OrchestratorConfig struct {
	Workers              int     `mapstructure:"workers"`
	DispatchTimeoutMS    int     `mapstructure:"dispatchTimeoutMs"`
	RetryLimit           int     `mapstructure:"retryLimit"`        // R
	BackoffBaseMS        int     `mapstructure:"backoffBaseMs"`     // B
	BackoffCapMS         int     `mapstructure:"backoffCapMs"`      // C
	FailureWindowSize    int     `mapstructure:"failureWindowSize"` // W
	SuccessRateThreshold float64 `mapstructure:"successRateThreshold"` // T
	QueueMaxSize         int     `mapstructure:"queueMaxSize"`
}

// BalancerConfig holds load balancer configuration.
type BalancerConfig struct {
	DefaultStrategy string `mapstructure:"defaultStrategy"`
}

// AuditConfig holds the optional SQLite-backed append-log sink
// configuration.
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
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

// DispatchTimeout returns the default per-dispatch timeout as a
// time.Duration.
func (o *OrchestratorConfig) DispatchTimeout() time.Duration {
	return time.Duration(o.DispatchTimeoutMS) * time.Millisecond
}

// BackoffBase returns the retry backoff base as a time.Duration.
func (o *OrchestratorConfig) BackoffBase() time.Duration {
	return time.Duration(o.BackoffBaseMS) * time.Millisecond
}

// BackoffCap returns the retry backoff cap as a time.Duration.
func (o *OrchestratorConfig) BackoffCap() time.Duration {
	return time.Duration(o.BackoffCapMS) * time.Millisecond
}

// detectDefaultLogFormat returns "json" under Kubernetes or an explicit
// production environment, "text" otherwise.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTMESH_ENV"); env == "production" || env == "prod" {
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

	// Bus defaults - empty URL means use in-memory bus
	v.SetDefault("bus.url", "")
	v.SetDefault("bus.clusterId", "agentmesh-cluster")
	v.SetDefault("bus.clientId", "agentmesh-core")
	v.SetDefault("bus.maxReconnects", 10)
	v.SetDefault("bus.subscriberQueue", 256)
	v.SetDefault("bus.historySize", 100)

	// Orchestrator defaults - retry/backoff/health per the Open Question
	// resolution: R=3, B=200ms, C=5s, W=20, T=0.5.
	v.SetDefault("orchestrator.workers", 3)
	v.SetDefault("orchestrator.dispatchTimeoutMs", 30000)
	v.SetDefault("orchestrator.retryLimit", 3)
	v.SetDefault("orchestrator.backoffBaseMs", 200)
	v.SetDefault("orchestrator.backoffCapMs", 5000)
	v.SetDefault("orchestrator.failureWindowSize", 20)
	v.SetDefault("orchestrator.successRateThreshold", 0.5)
	v.SetDefault("orchestrator.queueMaxSize", 10000)

	// Balancer defaults
	v.SetDefault("balancer.defaultStrategy", "least-loaded")

	// Audit defaults
	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.path", "./agentmesh-audit.db")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix AGENTMESH_ with the
// key's dots replaced by underscores; only the keys bound explicitly
// below also accept a snake_case spelling of a camelCase key.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars where the config key is
	// camelCase; AutomaticEnv does not convert casing on its own.
	_ = v.BindEnv("orchestrator.retryLimit", "AGENTMESH_ORCHESTRATOR_RETRY_LIMIT")
	_ = v.BindEnv("orchestrator.successRateThreshold", "AGENTMESH_ORCHESTRATOR_SUCCESS_RATE_THRESHOLD")
	_ = v.BindEnv("balancer.defaultStrategy", "AGENTMESH_BALANCER_STRATEGY")
	_ = v.BindEnv("logging.level", "AGENTMESH_LOG_LEVEL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentmesh/")

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

// validate checks that all required configuration fields are set and
// within range.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Orchestrator.Workers <= 0 {
		errs = append(errs, "orchestrator.workers must be positive")
	}
	if cfg.Orchestrator.RetryLimit < 0 {
		errs = append(errs, "orchestrator.retryLimit must not be negative")
	}
	if cfg.Orchestrator.SuccessRateThreshold < 0 || cfg.Orchestrator.SuccessRateThreshold > 1 {
		errs = append(errs, "orchestrator.successRateThreshold must be between 0 and 1")
	}
	if cfg.Orchestrator.QueueMaxSize <= 0 {
		errs = append(errs, "orchestrator.queueMaxSize must be positive")
	}

	validStrategies := map[string]bool{
		"round-robin": true, "least-loaded": true,
		"weighted-performance": true, "capability-score": true,
	}
	if !validStrategies[cfg.Balancer.DefaultStrategy] {
		errs = append(errs, "balancer.defaultStrategy must be one of: round-robin, least-loaded, weighted-performance, capability-score")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
