package types

import (
	"time"
)

// AdapterState is a position in the adapter lifecycle state machine.
type AdapterState int

const (
	StateUninitialized AdapterState = iota
	StateInitialized
	StateActive
	StateInactive
	StateCleaned
	StateError
)

// String returns the string representation of the state
func (s AdapterState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateActive:
		return "active"
	case StateInactive:
		return "inactive"
	case StateCleaned:
		return "cleaned"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON and YAML output.
func (s AdapterState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transitions are possible.
func (s AdapterState) Terminal() bool {
	return s == StateCleaned
}

// HealthStatus is the fixed-shape self report every adapter produces.
type HealthStatus struct {
	IsHealthy  bool                   `json:"is_healthy"`
	ErrorCount uint                   `json:"error_count"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// PoolConfiguration is the pool policy announced at factory start.
type PoolConfiguration struct {
	MaxPoolSize         int           `json:"max_pool_size"`
	MaxIdleTime         time.Duration `json:"max_idle_time"`
	EnablePooling       bool          `json:"enable_pooling"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	CleanupInterval     time.Duration `json:"cleanup_interval"`
	MaxRetryAttempts    int           `json:"max_retry_attempts"`
}

// FactoryStats are process-wide counters, reset on full factory cleanup.
type FactoryStats struct {
	TotalCreated     int64         `json:"total_created"`
	TotalDestroyed   int64         `json:"total_destroyed"`
	ActiveInstances  int64         `json:"active_instances"`
	PoolHits         int64         `json:"pool_hits"`
	PoolMisses       int64         `json:"pool_misses"`
	CreationErrors   int64         `json:"creation_errors"`
	LifecycleErrors  int64         `json:"lifecycle_errors"`
	BackgroundErrors int64         `json:"background_errors"`
	HealthChecks     int64         `json:"health_checks"`
	AvgCreationTime  time.Duration `json:"avg_creation_time"`
}

// HitRate returns pool hits as a fraction of all adapter requests.
func (s FactoryStats) HitRate() float64 {
	total := s.PoolHits + s.PoolMisses
	if total == 0 {
		return 0
	}
	return float64(s.PoolHits) / float64(total)
}

// PlatformHealthState is maintained incrementally per platform.
type PlatformHealthState struct {
	TotalInstances  int `json:"total_instances"`
	ActiveInstances int `json:"active_instances"`
	IdleInstances   int `json:"idle_instances"`
	ErrorInstances  int `json:"error_instances"`
}

// PoolSnapshot is a point-in-time view of one platform pool.
type PoolSnapshot struct {
	PlatformID   string   `json:"platform_id"`
	MaxSize      int      `json:"max_size"`
	CurrentSize  int      `json:"current_size"`
	ActiveIDs    []string `json:"active_ids"`
	AvailableIDs []string `json:"available_ids"`
	TotalCreated int64    `json:"total_created"`
	TotalReused  int64    `json:"total_reused"`
}

// AdapterInfo describes one adapter instance for queries and the API.
type AdapterInfo struct {
	ID           string                 `json:"id"`
	PlatformID   string                 `json:"platform_id"`
	FactoryID    string                 `json:"factory_id"`
	State        AdapterState           `json:"state"`
	CreatedAt    time.Time              `json:"created_at"`
	LastActivity time.Time              `json:"last_activity"`
	ErrorCount   int                    `json:"error_count"`
	Capabilities []string               `json:"capabilities"`
	Config       map[string]interface{} `json:"config,omitempty"`
}

// UnhealthyAdapter names one instance that failed a health check.
type UnhealthyAdapter struct {
	PlatformID string `json:"platform_id"`
	AdapterID  string `json:"adapter_id"`
	ErrorCount int    `json:"error_count"`
	Reason     string `json:"reason"`
}

// PlatformHealthReport aggregates a health check for one platform.
type PlatformHealthReport struct {
	PlatformHealthState
	Checked   int `json:"checked"`
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
}

// HealthReport is the result of one factory-wide health check.
type HealthReport struct {
	IsHealthy    bool                            `json:"is_healthy"`
	CheckedAt    time.Time                       `json:"checked_at"`
	Duration     time.Duration                   `json:"duration"`
	TotalChecked int                             `json:"total_checked"`
	ErrorCount   int                             `json:"error_count"`
	Platforms    map[string]PlatformHealthReport `json:"platforms"`
	Unhealthy    []UnhealthyAdapter              `json:"unhealthy,omitempty"`
	Stats        FactoryStats                    `json:"stats"`
}
