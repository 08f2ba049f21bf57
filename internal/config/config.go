package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/shelfsync/adapterfactory/internal/circuit"
	"github.com/shelfsync/adapterfactory/internal/metrics"
	"github.com/shelfsync/adapterfactory/internal/platform"
	"github.com/shelfsync/adapterfactory/pkg/errors"
	"github.com/shelfsync/adapterfactory/pkg/retry"
	"github.com/shelfsync/adapterfactory/pkg/types"
	"github.com/shelfsync/adapterfactory/pkg/utils"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ADAPTERFACTORY_"

// Configuration represents the complete application configuration
type Configuration struct {
	Global              GlobalConfig              `yaml:"global"`
	Factory             FactoryConfig             `yaml:"factory"`
	ConstructionBreaker ConstructionBreakerConfig `yaml:"construction_breaker"`
	Retry               RetryConfig               `yaml:"retry"`
	Monitoring          MonitoringConfig          `yaml:"monitoring"`
	Platforms           map[string]PlatformConfig `yaml:"platforms"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`
	APIAddress string `yaml:"api_address"`
	// ComponentLogLevels overrides log_level per component, e.g. event-bus: DEBUG.
	ComponentLogLevels map[string]string `yaml:"component_log_levels"`
}

// FactoryConfig represents pool and scheduling settings
type FactoryConfig struct {
	MaxPoolSize         int           `yaml:"max_pool_size"`
	MaxIdleTime         time.Duration `yaml:"max_idle_time"`
	EnablePooling       bool          `yaml:"enable_pooling"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval"`
	MaxRetryAttempts    int           `yaml:"max_retry_attempts"`
	Workers             int           `yaml:"workers"`
}

// ConstructionBreakerConfig represents the per-platform construction breaker
type ConstructionBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// RetryConfig represents backoff settings for AcquireWithRetry
type RetryConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Namespace    string            `yaml:"namespace"`
	Path         string            `yaml:"path"`
	CustomLabels map[string]string `yaml:"custom_labels"`
}

// PlatformConfig declares one supported platform
type PlatformConfig struct {
	Driver       string                 `yaml:"driver"`
	Version      string                 `yaml:"version"`
	Capabilities []string               `yaml:"capabilities"`
	Defaults     map[string]interface{} `yaml:"defaults"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:   "INFO",
			LogFormat:  "text",
			APIAddress: ":8080",
		},
		Factory: FactoryConfig{
			MaxPoolSize:         5,
			MaxIdleTime:         5 * time.Minute,
			EnablePooling:       true,
			HealthCheckInterval: 30 * time.Second,
			CleanupInterval:     60 * time.Second,
			MaxRetryAttempts:    3,
			Workers:             4,
		},
		ConstructionBreaker: ConstructionBreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			OpenTimeout:      30 * time.Second,
		},
		Retry: RetryConfig{
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     5 * time.Second,
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "adapterfactory",
				Path:      "/metrics",
				CustomLabels: map[string]string{
					"service": "adapterfactory",
				},
			},
		},
		Platforms: make(map[string]PlatformConfig),
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to read config file").
			WithContext("file", filename)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to parse config file").
			WithContext("file", filename)
	}

	for id, p := range c.Platforms {
		p.Defaults = normalizeMap(p.Defaults)
		c.Platforms[id] = p
	}
	return nil
}

// normalizeMap converts yaml.v2's map[interface{}]interface{} nodes into
// string-keyed maps so adapter configs can be type-asserted uniformly.
func normalizeMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalizeValue(val)
		}
		return m
	case []interface{}:
		for i := range t {
			t[i] = normalizeValue(t[i])
		}
		return t
	default:
		return v
	}
}

// LoadFromEnv loads configuration from environment variables
func (c *Configuration) LoadFromEnv() error {
	// Global settings
	if val := os.Getenv(EnvPrefix + "LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv(EnvPrefix + "LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if val := os.Getenv(EnvPrefix + "API_ADDRESS"); val != "" {
		c.Global.APIAddress = val
	}

	// Factory settings
	if err := envInt("MAX_POOL_SIZE", &c.Factory.MaxPoolSize); err != nil {
		return err
	}
	if err := envDuration("MAX_IDLE_TIME", &c.Factory.MaxIdleTime); err != nil {
		return err
	}
	if err := envBool("ENABLE_POOLING", &c.Factory.EnablePooling); err != nil {
		return err
	}
	if err := envDuration("HEALTH_CHECK_INTERVAL", &c.Factory.HealthCheckInterval); err != nil {
		return err
	}
	if err := envDuration("CLEANUP_INTERVAL", &c.Factory.CleanupInterval); err != nil {
		return err
	}
	if err := envInt("MAX_RETRY_ATTEMPTS", &c.Factory.MaxRetryAttempts); err != nil {
		return err
	}
	if err := envInt("WORKERS", &c.Factory.Workers); err != nil {
		return err
	}

	// Monitoring
	if err := envBool("METRICS_ENABLED", &c.Monitoring.Metrics.Enabled); err != nil {
		return err
	}

	return nil
}

func envInt(name string, dst *int) error {
	val := os.Getenv(EnvPrefix + name)
	if val == "" {
		return nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return envError(name, val, err)
	}
	*dst = n
	return nil
}

func envDuration(name string, dst *time.Duration) error {
	val := os.Getenv(EnvPrefix + name)
	if val == "" {
		return nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return envError(name, val, err)
	}
	*dst = d
	return nil
}

func envBool(name string, dst *bool) error {
	val := os.Getenv(EnvPrefix + name)
	if val == "" {
		return nil
	}
	b, err := strconv.ParseBool(strings.ToLower(val))
	if err != nil {
		return envError(name, val, err)
	}
	*dst = b
	return nil
}

func envError(name, val string, err error) error {
	return errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid environment override").
		WithContext("variable", EnvPrefix+name).
		WithContext("value", val)
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return errors.Newf(errors.ErrCodeInvalidConfig, format, args...).
			WithComponent("config").
			WithOperation("validate")
	}

	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return invalid("invalid log_level: %s (must be one of: TRACE, DEBUG, INFO, WARN, ERROR)", c.Global.LogLevel)
	}
	if _, err := utils.ParseLogFormat(c.Global.LogFormat); err != nil {
		return invalid("invalid log_format: %s (must be text or json)", c.Global.LogFormat)
	}
	if _, err := utils.ParseComponentLevels(c.Global.ComponentLogLevels); err != nil {
		return invalid("invalid component_log_levels: %v", err)
	}

	f := c.Factory
	if f.MaxPoolSize <= 0 {
		return invalid("max_pool_size must be greater than 0")
	}
	if f.MaxIdleTime <= 0 {
		return invalid("max_idle_time must be greater than 0")
	}
	if f.HealthCheckInterval <= 0 {
		return invalid("health_check_interval must be greater than 0")
	}
	if f.CleanupInterval <= 0 {
		return invalid("cleanup_interval must be greater than 0")
	}
	if f.MaxRetryAttempts <= 0 {
		return invalid("max_retry_attempts must be greater than 0")
	}
	if f.Workers <= 0 {
		return invalid("workers must be greater than 0")
	}

	if c.ConstructionBreaker.Enabled {
		if c.ConstructionBreaker.FailureThreshold <= 0 {
			return invalid("construction_breaker.failure_threshold must be greater than 0")
		}
		if c.ConstructionBreaker.OpenTimeout <= 0 {
			return invalid("construction_breaker.open_timeout must be greater than 0")
		}
	}

	if c.Retry.InitialDelay < 0 || c.Retry.MaxDelay < 0 {
		return invalid("retry delays cannot be negative")
	}
	if c.Retry.MaxDelay > 0 && c.Retry.InitialDelay > c.Retry.MaxDelay {
		return invalid("retry.initial_delay cannot exceed retry.max_delay")
	}

	if c.Monitoring.Metrics.Enabled && !strings.HasPrefix(c.Monitoring.Metrics.Path, "/") {
		return invalid("monitoring.metrics.path must start with /")
	}

	for _, id := range c.PlatformIDs() {
		if c.Platforms[id].Driver == "" {
			return invalid("platform %s has no driver", id)
		}
	}

	return nil
}

// PlatformIDs returns the configured platform identifiers in sorted order.
func (c *Configuration) PlatformIDs() []string {
	ids := make([]string, 0, len(c.Platforms))
	for id := range c.Platforms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PoolConfiguration converts the factory section.
func (c *Configuration) PoolConfiguration() types.PoolConfiguration {
	return types.PoolConfiguration{
		MaxPoolSize:         c.Factory.MaxPoolSize,
		MaxIdleTime:         c.Factory.MaxIdleTime,
		EnablePooling:       c.Factory.EnablePooling,
		HealthCheckInterval: c.Factory.HealthCheckInterval,
		CleanupInterval:     c.Factory.CleanupInterval,
		MaxRetryAttempts:    c.Factory.MaxRetryAttempts,
	}
}

// BreakerConfig converts the construction breaker section. The second
// result is false when the breaker is disabled.
func (c *Configuration) BreakerConfig() (circuit.Config, bool) {
	return circuit.Config{
		FailureThreshold: uint32(c.ConstructionBreaker.FailureThreshold),
		OpenTimeout:      c.ConstructionBreaker.OpenTimeout,
	}, c.ConstructionBreaker.Enabled
}

// RetryConfig converts the retry section, using max_retry_attempts as the budget.
func (c *Configuration) RetryConfig() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = c.Factory.MaxRetryAttempts
	if c.Retry.InitialDelay > 0 {
		cfg.InitialDelay = c.Retry.InitialDelay
	}
	if c.Retry.MaxDelay > 0 {
		cfg.MaxDelay = c.Retry.MaxDelay
	}
	return cfg
}

// MetricsConfig converts the monitoring.metrics section.
func (c *Configuration) MetricsConfig() *metrics.Config {
	return &metrics.Config{
		Enabled:   c.Monitoring.Metrics.Enabled,
		Path:      c.Monitoring.Metrics.Path,
		Namespace: c.Monitoring.Metrics.Namespace,
		Labels:    c.Monitoring.Metrics.CustomLabels,
	}
}

// PlatformSpecs converts the platforms section, sorted by identifier.
func (c *Configuration) PlatformSpecs() []platform.Spec {
	specs := make([]platform.Spec, 0, len(c.Platforms))
	for _, id := range c.PlatformIDs() {
		p := c.Platforms[id]
		specs = append(specs, platform.Spec{
			ID:           id,
			Driver:       p.Driver,
			Version:      p.Version,
			Capabilities: p.Capabilities,
			Defaults:     p.Defaults,
		})
	}
	return specs
}

// LoggerConfig builds the structured logger configuration.
func (c *Configuration) LoggerConfig() (*utils.StructuredLoggerConfig, error) {
	level, err := utils.ParseLogLevel(c.Global.LogLevel)
	if err != nil {
		return nil, err
	}
	format, err := utils.ParseLogFormat(c.Global.LogFormat)
	if err != nil {
		return nil, err
	}
	components, err := utils.ParseComponentLevels(c.Global.ComponentLogLevels)
	if err != nil {
		return nil, err
	}
	cfg := utils.DefaultStructuredLoggerConfig()
	cfg.Level = level
	cfg.Format = format
	cfg.ComponentLevels = components
	return cfg, nil
}
