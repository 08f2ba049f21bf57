package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector exports adapter factory metrics to Prometheus and doubles as
// the performance monitor injected into adapters.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	// Prometheus metrics
	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	creationDuration  *prometheus.HistogramVec
	poolRequests      *prometheus.CounterVec
	destroyedCounter  *prometheus.CounterVec
	errorCounter      *prometheus.CounterVec
	instancesGauge    *prometheus.GaugeVec
	healthChecks      prometheus.Counter
	unhealthyGauge    prometheus.Gauge

	// Internal tracking
	operations map[string]*OperationMetrics
	lastReset  time.Time
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// OperationMetrics tracks metrics for one platform operation
type OperationMetrics struct {
	Platform      string        `json:"platform"`
	Operation     string        `json:"operation"`
	Count         int64         `json:"count"`
	Errors        int64         `json:"errors"`
	TotalDuration time.Duration `json:"total_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
	LastOperation time.Time     `json:"last_operation"`
}

// Error kinds used as the "kind" label on errors_total.
const (
	ErrorKindCreation   = "creation"
	ErrorKindLifecycle  = "lifecycle"
	ErrorKindBackground = "background"
)

// DefaultConfig returns the default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Path:      "/metrics",
		Namespace: "adapterfactory",
		Labels:    make(map[string]string),
	}
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	collector := &Collector{
		config:     config,
		registry:   prometheus.NewRegistry(),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}

	collector.initMetrics()

	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

// Enabled reports whether metrics are being recorded.
func (c *Collector) Enabled() bool {
	return c != nil && c.config.Enabled
}

// Registry returns the underlying Prometheus registry, nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	if !c.Enabled() {
		return nil
	}
	return c.registry
}

// Handler serves the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if !c.Enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Path returns the configured metrics endpoint path.
func (c *Collector) Path() string {
	if c == nil || c.config.Path == "" {
		return "/metrics"
	}
	return c.config.Path
}

// RecordOperation records an adapter operation. It satisfies
// types.PerformanceMonitor.
func (c *Collector) RecordOperation(platformID, operation string, duration time.Duration, success bool) {
	if !c.Enabled() {
		return
	}

	c.mu.Lock()
	key := platformID + "/" + operation
	m, exists := c.operations[key]
	if !exists {
		m = &OperationMetrics{Platform: platformID, Operation: operation}
		c.operations[key] = m
	}
	m.Count++
	m.TotalDuration += duration
	if !success {
		m.Errors++
	}
	m.LastOperation = time.Now()
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	c.mu.Unlock()

	c.operationCounter.With(prometheus.Labels{
		"platform":  platformID,
		"operation": operation,
		"status":    statusLabel(success),
	}).Inc()
	c.operationDuration.With(prometheus.Labels{
		"platform":  platformID,
		"operation": operation,
	}).Observe(duration.Seconds())
}

// RecordPoolRequest records a pool hit (reused) or miss (constructed).
func (c *Collector) RecordPoolRequest(platformID string, reused bool, duration time.Duration) {
	if !c.Enabled() {
		return
	}

	result := "miss"
	if reused {
		result = "hit"
	}
	c.poolRequests.With(prometheus.Labels{"platform": platformID, "result": result}).Inc()
	if !reused {
		c.creationDuration.With(prometheus.Labels{"platform": platformID}).Observe(duration.Seconds())
	}
}

// RecordDestroyed records a finalized adapter.
func (c *Collector) RecordDestroyed(platformID string) {
	if !c.Enabled() {
		return
	}
	c.destroyedCounter.With(prometheus.Labels{"platform": platformID}).Inc()
}

// RecordError records a factory error of the given kind.
func (c *Collector) RecordError(platformID, kind string) {
	if !c.Enabled() {
		return
	}
	c.errorCounter.With(prometheus.Labels{"platform": platformID, "kind": kind}).Inc()
}

// SetPoolSize updates the active and idle instance gauges for a platform.
func (c *Collector) SetPoolSize(platformID string, active, idle int) {
	if !c.Enabled() {
		return
	}
	c.instancesGauge.With(prometheus.Labels{"platform": platformID, "location": "active"}).Set(float64(active))
	c.instancesGauge.With(prometheus.Labels{"platform": platformID, "location": "idle"}).Set(float64(idle))
}

// RecordHealthCheck records one completed health check.
func (c *Collector) RecordHealthCheck(unhealthy int) {
	if !c.Enabled() {
		return
	}
	c.healthChecks.Inc()
	c.unhealthyGauge.Set(float64(unhealthy))
}

// GetOperations returns a sorted copy of the per-operation tracking.
func (c *Collector) GetOperations() []OperationMetrics {
	if !c.Enabled() {
		return nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]OperationMetrics, 0, len(c.operations))
	for _, m := range c.operations {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Platform != out[j].Platform {
			return out[i].Platform < out[j].Platform
		}
		return out[i].Operation < out[j].Operation
	})
	return out
}

// ResetOperations clears the per-operation tracking. Prometheus series are
// cumulative and are not reset.
func (c *Collector) ResetOperations() {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

// DebugHandler serves the per-operation tracking as JSON.
func (c *Collector) DebugHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.mu.RLock()
		lastReset := c.lastReset
		c.mu.RUnlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"last_reset": lastReset,
			"uptime":     time.Since(lastReset).String(),
			"operations": c.GetOperations(),
		})
	})
}

// Helper methods

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func (c *Collector) initMetrics() {
	constLabels := prometheus.Labels(c.config.Labels)

	c.operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "adapter_operations_total",
			Help:        "Total number of adapter operations",
			ConstLabels: constLabels,
		},
		[]string{"platform", "operation", "status"},
	)

	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "adapter_operation_duration_seconds",
			Help:        "Duration of adapter operations in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
			ConstLabels: constLabels,
		},
		[]string{"platform", "operation"},
	)

	c.creationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "adapter_creation_duration_seconds",
			Help:        "Time spent constructing new adapters",
			Buckets:     prometheus.ExponentialBuckets(0.0005, 2, 14),
			ConstLabels: constLabels,
		},
		[]string{"platform"},
	)

	c.poolRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "pool_requests_total",
			Help:        "Adapter requests by pool result (hit or miss)",
			ConstLabels: constLabels,
		},
		[]string{"platform", "result"},
	)

	c.destroyedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "adapters_destroyed_total",
			Help:        "Total number of finalized adapters",
			ConstLabels: constLabels,
		},
		[]string{"platform"},
	)

	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "errors_total",
			Help:        "Total number of factory errors by kind",
			ConstLabels: constLabels,
		},
		[]string{"platform", "kind"},
	)

	c.instancesGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "pool_instances",
			Help:        "Adapter instances held per platform pool",
			ConstLabels: constLabels,
		},
		[]string{"platform", "location"},
	)

	c.healthChecks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "health_checks_total",
			Help:        "Total number of completed health checks",
			ConstLabels: constLabels,
		},
	)

	c.unhealthyGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "unhealthy_adapters",
			Help:        "Unhealthy active adapters found by the last health check",
			ConstLabels: constLabels,
		},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.creationDuration,
		c.poolRequests,
		c.destroyedCounter,
		c.errorCounter,
		c.instancesGauge,
		c.healthChecks,
		c.unhealthyGauge,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}
