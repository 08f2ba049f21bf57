package event

import (
	"time"

	"github.com/shelfsync/adapterfactory/pkg/types"
)

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a "category.action" identifier (e.g. "adapter.created").
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// Wildcard subscribes to every event type.
const Wildcard = "*"

// Outbound event types published by the factory.
const (
	TypeFactoryInitialized      = "factory.initialized"
	TypeFactoryStopped          = "factory.stopped"
	TypeAdapterCreated          = "adapter.created"
	TypeAdapterReused           = "adapter.reused"
	TypeAdapterInitializing     = "adapter.initializing"
	TypeAdapterInitialized      = "adapter.initialized"
	TypeAdapterActivated        = "adapter.activated"
	TypeAdapterDeactivated      = "adapter.deactivated"
	TypeAdapterCleaned          = "adapter.cleaned"
	TypeAdapterLifecycleError   = "adapter.lifecycle.error"
	TypeHealthCheckCompleted    = "factory.health.completed"
	TypeHealthWarning           = "factory.health.warning"
	TypeQueryResponse           = "factory.query.response"
	TypeCleanupCompleted        = "factory.cleanup.completed"
	TypePlatformSwitchCompleted = "platform.switch.completed"
)

// Inbound event types the factory reacts to.
const (
	TypePlatformSwitchRequested = "platform.switch.requested"
	TypeAdapterErrorReported    = "adapter.error.reported"
	TypeQueryRequested          = "factory.query.requested"
	TypeCleanupRequested        = "factory.cleanup.requested"
)

// Query types understood by the factory.
const (
	QueryStats              = "stats"
	QueryPoolStatus         = "pool_status"
	QueryHealth             = "health"
	QueryActiveAdapters     = "active_adapters"
	QueryAdapter            = "adapter"
	QuerySupportedPlatforms = "supported_platforms"
)

// Cleanup scopes understood by the factory.
const (
	CleanupAdapter  = "adapter"
	CleanupPlatform = "platform"
	CleanupAll      = "all"
	CleanupIdle     = "idle"
)

type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Factory lifecycle
// -----------------------------------------------------------------------------

// FactoryInitializedEvent is emitted once the factory is ready to serve adapters.
type FactoryInitializedEvent struct {
	baseEvent
	FactoryID          string
	SupportedPlatforms []string
	Pool               types.PoolConfiguration
}

// NewFactoryInitializedEvent creates a FactoryInitializedEvent.
func NewFactoryInitializedEvent(factoryID string, platforms []string, pool types.PoolConfiguration) FactoryInitializedEvent {
	return FactoryInitializedEvent{
		baseEvent:          newBaseEvent(TypeFactoryInitialized),
		FactoryID:          factoryID,
		SupportedPlatforms: platforms,
		Pool:               pool,
	}
}

// FactoryStoppedEvent is emitted when the factory stops serving adapters.
type FactoryStoppedEvent struct {
	baseEvent
	FactoryID   string
	Deactivated int
	Released    bool // true when registries and statistics were also released
}

// NewFactoryStoppedEvent creates a FactoryStoppedEvent.
func NewFactoryStoppedEvent(factoryID string, deactivated int, released bool) FactoryStoppedEvent {
	return FactoryStoppedEvent{
		baseEvent:   newBaseEvent(TypeFactoryStopped),
		FactoryID:   factoryID,
		Deactivated: deactivated,
		Released:    released,
	}
}

// -----------------------------------------------------------------------------
// Adapter lifecycle
// -----------------------------------------------------------------------------

// AdapterEvent reports one adapter transition. The concrete transition is
// carried by EventType (adapter.created, adapter.activated, ...).
type AdapterEvent struct {
	baseEvent
	PlatformID string
	AdapterID  string
	FactoryID  string
	State      types.AdapterState
	Duration   time.Duration // construction or transition time, when measured
}

// NewAdapterEvent creates an AdapterEvent of the given adapter.* type.
func NewAdapterEvent(eventType, platformID, adapterID, factoryID string, state types.AdapterState, duration time.Duration) AdapterEvent {
	return AdapterEvent{
		baseEvent:  newBaseEvent(eventType),
		PlatformID: platformID,
		AdapterID:  adapterID,
		FactoryID:  factoryID,
		State:      state,
		Duration:   duration,
	}
}

// LifecycleErrorEvent re-emits a failed transition.
type LifecycleErrorEvent struct {
	baseEvent
	PlatformID string
	AdapterID  string
	Operation  string
	Err        error
}

// NewLifecycleErrorEvent creates a LifecycleErrorEvent.
func NewLifecycleErrorEvent(platformID, adapterID, operation string, err error) LifecycleErrorEvent {
	return LifecycleErrorEvent{
		baseEvent:  newBaseEvent(TypeAdapterLifecycleError),
		PlatformID: platformID,
		AdapterID:  adapterID,
		Operation:  operation,
		Err:        err,
	}
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthCheckCompletedEvent is emitted after every health check.
type HealthCheckCompletedEvent struct {
	baseEvent
	Report types.HealthReport
}

// NewHealthCheckCompletedEvent creates a HealthCheckCompletedEvent.
func NewHealthCheckCompletedEvent(report types.HealthReport) HealthCheckCompletedEvent {
	return HealthCheckCompletedEvent{
		baseEvent: newBaseEvent(TypeHealthCheckCompleted),
		Report:    report,
	}
}

// HealthWarningEvent is emitted when a health check found unhealthy adapters.
type HealthWarningEvent struct {
	baseEvent
	UnhealthyCount    int
	UnhealthyAdapters []types.UnhealthyAdapter
}

// NewHealthWarningEvent creates a HealthWarningEvent.
func NewHealthWarningEvent(unhealthy []types.UnhealthyAdapter) HealthWarningEvent {
	return HealthWarningEvent{
		baseEvent:         newBaseEvent(TypeHealthWarning),
		UnhealthyCount:    len(unhealthy),
		UnhealthyAdapters: unhealthy,
	}
}

// -----------------------------------------------------------------------------
// Requests and their answers
// -----------------------------------------------------------------------------

// PlatformSwitchRequestedEvent asks the factory to move work between platforms.
type PlatformSwitchRequestedEvent struct {
	baseEvent
	FromPlatform string
	ToPlatform   string
}

// NewPlatformSwitchRequestedEvent creates a PlatformSwitchRequestedEvent.
func NewPlatformSwitchRequestedEvent(from, to string) PlatformSwitchRequestedEvent {
	return PlatformSwitchRequestedEvent{
		baseEvent:    newBaseEvent(TypePlatformSwitchRequested),
		FromPlatform: from,
		ToPlatform:   to,
	}
}

// PlatformSwitchCompletedEvent answers a platform switch request.
type PlatformSwitchCompletedEvent struct {
	baseEvent
	FromPlatform       string
	ToPlatform         string
	Deactivated        int
	PrewarmedAdapterID string
	Err                error
}

// NewPlatformSwitchCompletedEvent creates a PlatformSwitchCompletedEvent.
func NewPlatformSwitchCompletedEvent(from, to string, deactivated int, prewarmedID string, err error) PlatformSwitchCompletedEvent {
	return PlatformSwitchCompletedEvent{
		baseEvent:          newBaseEvent(TypePlatformSwitchCompleted),
		FromPlatform:       from,
		ToPlatform:         to,
		Deactivated:        deactivated,
		PrewarmedAdapterID: prewarmedID,
		Err:                err,
	}
}

// AdapterErrorReportedEvent tells the factory an adapter misbehaved.
type AdapterErrorReportedEvent struct {
	baseEvent
	PlatformID string
	AdapterID  string
	Err        error
}

// NewAdapterErrorReportedEvent creates an AdapterErrorReportedEvent.
func NewAdapterErrorReportedEvent(platformID, adapterID string, err error) AdapterErrorReportedEvent {
	return AdapterErrorReportedEvent{
		baseEvent:  newBaseEvent(TypeAdapterErrorReported),
		PlatformID: platformID,
		AdapterID:  adapterID,
		Err:        err,
	}
}

// QueryRequestedEvent asks the factory an ad hoc question. The answer is
// published as a QueryResponseEvent typed ResponseEventType, or
// TypeQueryResponse when empty.
type QueryRequestedEvent struct {
	baseEvent
	QueryType         string
	Params            map[string]string
	ResponseEventType string
}

// NewQueryRequestedEvent creates a QueryRequestedEvent.
func NewQueryRequestedEvent(queryType string, params map[string]string, responseEventType string) QueryRequestedEvent {
	return QueryRequestedEvent{
		baseEvent:         newBaseEvent(TypeQueryRequested),
		QueryType:         queryType,
		Params:            params,
		ResponseEventType: responseEventType,
	}
}

// QueryResponseEvent answers a QueryRequestedEvent.
type QueryResponseEvent struct {
	baseEvent
	Query  QueryRequestedEvent
	Result interface{}
	Err    error
}

// NewQueryResponseEvent creates a QueryResponseEvent.
func NewQueryResponseEvent(query QueryRequestedEvent, result interface{}, err error) QueryResponseEvent {
	responseType := query.ResponseEventType
	if responseType == "" {
		responseType = TypeQueryResponse
	}
	return QueryResponseEvent{
		baseEvent: newBaseEvent(responseType),
		Query:     query,
		Result:    result,
		Err:       err,
	}
}

// CleanupRequestedEvent asks the factory for a targeted cleanup.
type CleanupRequestedEvent struct {
	baseEvent
	CleanupType string
	PlatformID  string
	AdapterID   string
}

// NewCleanupRequestedEvent creates a CleanupRequestedEvent.
func NewCleanupRequestedEvent(cleanupType, platformID, adapterID string) CleanupRequestedEvent {
	return CleanupRequestedEvent{
		baseEvent:   newBaseEvent(TypeCleanupRequested),
		CleanupType: cleanupType,
		PlatformID:  platformID,
		AdapterID:   adapterID,
	}
}

// CleanupCompletedEvent answers a CleanupRequestedEvent.
type CleanupCompletedEvent struct {
	baseEvent
	CleanupType  string
	PlatformID   string
	AdapterID    string
	CleanedCount int
	Err          error
}

// NewCleanupCompletedEvent creates a CleanupCompletedEvent.
func NewCleanupCompletedEvent(req CleanupRequestedEvent, cleaned int, err error) CleanupCompletedEvent {
	return CleanupCompletedEvent{
		baseEvent:    newBaseEvent(TypeCleanupCompleted),
		CleanupType:  req.CleanupType,
		PlatformID:   req.PlatformID,
		AdapterID:    req.AdapterID,
		CleanedCount: cleaned,
		Err:          err,
	}
}
