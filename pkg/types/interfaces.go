package types

import (
	"context"
	"time"
)

// Adapter is the capability interface every platform adapter variant satisfies.
// Lifecycle methods are invoked by the factory only, one at a time per instance.
// HealthStatus may be called concurrently with lifecycle methods.
type Adapter interface {
	// Platform returns the platform identifier this adapter serves
	Platform() string

	// Capabilities lists the extraction features the adapter supports
	Capabilities() []string

	// Lifecycle
	Initialize(ctx context.Context) error
	Activate(ctx context.Context) error
	Deactivate(ctx context.Context) error
	Cleanup(ctx context.Context) error

	// HealthStatus reports the adapter's own view of its health
	HealthStatus(ctx context.Context) HealthStatus
}

// PerformanceMonitor receives timing data from the factory and from adapters.
type PerformanceMonitor interface {
	RecordOperation(platformID, operation string, duration time.Duration, success bool)
}

// NopMonitor discards every measurement.
type NopMonitor struct{}

// RecordOperation implements PerformanceMonitor
func (NopMonitor) RecordOperation(string, string, time.Duration, bool) {}
