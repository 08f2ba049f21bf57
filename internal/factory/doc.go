/*
Package factory is the adapter factory: it manufactures platform adapters
through the platform registry, keeps idle ones in a bounded per-platform
pool, and drives their lifecycle.

# Lifecycle

Every instance moves through a fixed state machine:

	uninitialized --Initialize--> initialized --Activate--> active
	active --Deactivate--> inactive --Activate--> active
	any (except cleaned) --Cleanup--> cleaned
	failed Initialize/Activate/Deactivate --> error

An illegal transition is rejected with INVALID_TRANSITION, counted as a
lifecycle error and published as adapter.lifecycle.error; the state does
not change. Lifecycle calls on one instance are serialized.

# Pools

Each platform has an active set and an available list. CreateAdapter
places its result in the active set; a healthy Deactivate moves the
instance to the end of the available list. When the list is full the
oldest idle instance is evicted. Reuse takes the most recently released
instance. Cleaned instances never re-enter a pool.

# Background work

Initialize starts two tickers: PerformHealthCheck every
HealthCheckInterval and PerformResourceCleanup every CleanupInterval. A
zero interval disables the ticker. Inbound requests on the event bus
(platform.switch.requested, adapter.error.reported,
factory.query.requested, factory.cleanup.requested) are handled on their
own goroutines.

# Usage

	coord, err := factory.New(factory.Options{
		Pool:    cfg.PoolConfiguration(),
		Catalog: catalog,
		Logger:  logger,
		Metrics: collector,
	})
	if err != nil {
		return err
	}
	if err := coord.Initialize(ctx); err != nil {
		return err
	}
	defer coord.Stop(ctx)

	inst, err := coord.Acquire(ctx, "READMOO", factory.CreateOptions{})
	if err != nil {
		return err
	}
	defer coord.Release(ctx, inst)
*/
package factory
