/*
Package metrics provides Prometheus metrics for the adapter factory.

# Overview

The Collector owns a private Prometheus registry and records pool
requests, construction latency, finalized adapters, errors by kind, pool
occupancy, and health checks. It also implements types.PerformanceMonitor,
so the same value is injected into adapters to time their own operations.

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Path:      "/metrics",
		Namespace: "adapterfactory",
	})
	if err != nil {
		log.Fatal(err)
	}
	mux.Handle(collector.Path(), collector.Handler())

# Exported series

	<ns>_adapter_operations_total{platform,operation,status}
	<ns>_adapter_operation_duration_seconds{platform,operation}
	<ns>_adapter_creation_duration_seconds{platform}
	<ns>_pool_requests_total{platform,result}     result is hit or miss
	<ns>_adapters_destroyed_total{platform}
	<ns>_errors_total{platform,kind}             kind is creation, lifecycle or background
	<ns>_pool_instances{platform,location}       location is active or idle
	<ns>_health_checks_total
	<ns>_unhealthy_adapters

A disabled Collector accepts every call and records nothing; its Handler
answers 404.
*/
package metrics
