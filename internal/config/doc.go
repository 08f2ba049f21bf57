/*
Package config provides configuration management for the adapter factory.

Configuration is layered, lowest priority first:

	compiled-in defaults   NewDefault()
	YAML file              LoadFromFile(path)
	environment            LoadFromEnv()   (ADAPTERFACTORY_*)

Validate is called once all layers are applied. Conversion helpers
(PoolConfiguration, BreakerConfig, RetryConfig, MetricsConfig,
PlatformSpecs, LoggerConfig) hand each component its own typed settings so
no other package depends on this one.

# Example

	global:
	  log_level: INFO
	  log_format: json
	  api_address: ":8080"
	  component_log_levels:
	    event-bus: DEBUG

	factory:
	  max_pool_size: 5
	  max_idle_time: 5m
	  enable_pooling: true
	  health_check_interval: 30s
	  cleanup_interval: 60s
	  max_retry_attempts: 3
	  workers: 4

	construction_breaker:
	  enabled: true
	  failure_threshold: 5
	  open_timeout: 30s

	platforms:
	  READMOO:
	    driver: s3archive
	    version: 1.0.0
	    capabilities: [extract, sync]
	    defaults:
	      bucket: readmoo-library-exports
	      region: ap-northeast-1

Supported environment overrides: LOG_LEVEL, LOG_FORMAT, API_ADDRESS,
MAX_POOL_SIZE, MAX_IDLE_TIME, ENABLE_POOLING, HEALTH_CHECK_INTERVAL,
CLEANUP_INTERVAL, MAX_RETRY_ATTEMPTS, WORKERS, METRICS_ENABLED. A value that
does not parse fails with INVALID_CONFIG.
*/
package config
