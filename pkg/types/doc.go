/*
Package types provides the shared interfaces and data structures of the adapter factory.

It is the one package every other layer can import without creating cycles:
the factory, the event bus payloads, the metrics collector, the HTTP API, and
concrete platform adapters all speak in these types.

# Core Interfaces

Adapter:
The capability interface implemented by every platform variant. It exposes a
capability list, the four lifecycle hooks driven by the factory, and a
fixed-shape HealthStatus report.

PerformanceMonitor:
Receives operation timings. The Prometheus collector implements it and is
injected into every adapter the factory constructs.

# Data Structures

AdapterState:
The lifecycle state machine positions:

	uninitialized → initialized → active → inactive → cleaned
	        └──────────┴────────────┴─────────┴──→ error

FactoryStats, PlatformHealthState, PoolSnapshot:
Counters and views maintained by the factory and exposed to queries.

HealthReport:
Result of a factory-wide health check, with per-platform aggregates and the
list of unhealthy instances.
*/
package types
