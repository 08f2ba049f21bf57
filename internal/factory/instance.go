package factory

import (
	"context"
	"sync"
	"time"

	"github.com/shelfsync/adapterfactory/internal/event"
	"github.com/shelfsync/adapterfactory/pkg/errors"
	"github.com/shelfsync/adapterfactory/pkg/types"
)

// Lifecycle operation names used in errors, events and metrics.
const (
	opInitialize = "initialize"
	opActivate   = "activate"
	opDeactivate = "deactivate"
	opCleanup    = "cleanup"
)

// Instance is one pooled adapter and its lifecycle state. Lifecycle methods
// on the same Instance are totally ordered.
type Instance struct {
	id           string
	platformID   string
	factoryID    string
	createdAt    time.Time
	capabilities []string
	config       map[string]interface{}
	adapter      types.Adapter
	coord        *Coordinator

	opMu sync.Mutex

	// guarded by coord.mu
	state        types.AdapterState
	lastActivity time.Time
	errorCount   int
	loc          location
	finalizing   bool
}

// ID returns the instance identifier.
func (i *Instance) ID() string { return i.id }

// PlatformID returns the platform the instance serves.
func (i *Instance) PlatformID() string { return i.platformID }

// FactoryID returns the identifier of the coordinator that built the instance.
func (i *Instance) FactoryID() string { return i.factoryID }

// CreatedAt returns the construction time.
func (i *Instance) CreatedAt() time.Time { return i.createdAt }

// Adapter returns the underlying platform adapter.
func (i *Instance) Adapter() types.Adapter { return i.adapter }

// Capabilities returns a copy of the adapter's capability list.
func (i *Instance) Capabilities() []string {
	return append([]string(nil), i.capabilities...)
}

// Config returns a copy of the merged configuration the adapter was built with.
func (i *Instance) Config() map[string]interface{} {
	return cloneConfig(i.config)
}

// State returns the current lifecycle state.
func (i *Instance) State() types.AdapterState {
	i.coord.mu.Lock()
	defer i.coord.mu.Unlock()
	return i.state
}

// LastActivity returns the time of the last successful transition.
func (i *Instance) LastActivity() time.Time {
	i.coord.mu.Lock()
	defer i.coord.mu.Unlock()
	return i.lastActivity
}

// ErrorCount returns the number of failures recorded against the instance.
func (i *Instance) ErrorCount() int {
	i.coord.mu.Lock()
	defer i.coord.mu.Unlock()
	return i.errorCount
}

// Info returns a point-in-time description of the instance.
func (i *Instance) Info() types.AdapterInfo {
	i.coord.mu.Lock()
	defer i.coord.mu.Unlock()
	return i.infoLocked()
}

func (i *Instance) infoLocked() types.AdapterInfo {
	return types.AdapterInfo{
		ID:           i.id,
		PlatformID:   i.platformID,
		FactoryID:    i.factoryID,
		State:        i.state,
		CreatedAt:    i.createdAt,
		LastActivity: i.lastActivity,
		ErrorCount:   i.errorCount,
		Capabilities: i.Capabilities(),
		Config:       cloneConfig(i.config),
	}
}

// Initialize runs platform setup. Legal only from uninitialized.
func (i *Instance) Initialize(ctx context.Context) error {
	i.opMu.Lock()
	defer i.opMu.Unlock()

	c := i.coord
	if err := c.checkTransition(i, opInitialize, types.StateUninitialized); err != nil {
		return err
	}

	c.publish(c.adapterEvent(event.TypeAdapterInitializing, i, types.StateUninitialized, 0))

	start := time.Now()
	err := i.adapter.Initialize(ctx)
	elapsed := time.Since(start)
	c.monitor.RecordOperation(i.platformID, opInitialize, elapsed, err == nil)

	if err != nil {
		return c.failTransition(i, opInitialize, err)
	}

	c.mu.Lock()
	c.setStateLocked(i, types.StateInitialized)
	i.lastActivity = c.now()
	c.mu.Unlock()

	c.publish(c.adapterEvent(event.TypeAdapterInitialized, i, types.StateInitialized, elapsed))
	return nil
}

// Activate puts the instance into service. Legal from initialized or inactive.
func (i *Instance) Activate(ctx context.Context) error {
	i.opMu.Lock()
	defer i.opMu.Unlock()

	c := i.coord
	if err := c.checkTransition(i, opActivate, types.StateInitialized, types.StateInactive); err != nil {
		return err
	}

	// Claim an idle instance before calling out so reuse cannot hand it out again.
	c.mu.Lock()
	if pool := c.pools[i.platformID]; pool != nil && i.loc == locAvailable {
		pool.detach(i)
		pool.addActive(i)
	}
	c.mu.Unlock()

	start := time.Now()
	err := i.adapter.Activate(ctx)
	elapsed := time.Since(start)
	c.monitor.RecordOperation(i.platformID, opActivate, elapsed, err == nil)

	if err != nil {
		return c.failTransition(i, opActivate, err)
	}

	c.mu.Lock()
	c.setStateLocked(i, types.StateActive)
	i.lastActivity = c.now()
	if pool := c.pools[i.platformID]; pool != nil && i.loc == locDetached && !i.finalizing {
		pool.addActive(i)
	}
	c.mu.Unlock()

	c.publish(c.adapterEvent(event.TypeAdapterActivated, i, types.StateActive, elapsed))
	c.syncGauges(i.platformID)
	return nil
}

// Deactivate takes the instance out of service. A healthy instance returns
// to the idle pool, evicting the oldest idle entry when the pool is full;
// anything else is finalized.
func (i *Instance) Deactivate(ctx context.Context) error {
	i.opMu.Lock()
	released := false
	defer func() {
		if !released {
			i.opMu.Unlock()
		}
	}()

	c := i.coord
	if err := c.checkTransition(i, opDeactivate, types.StateActive); err != nil {
		return err
	}

	start := time.Now()
	err := i.adapter.Deactivate(ctx)
	elapsed := time.Since(start)
	c.monitor.RecordOperation(i.platformID, opDeactivate, elapsed, err == nil)

	if err != nil {
		return c.failTransition(i, opDeactivate, err)
	}

	status := c.probe(ctx, i)

	c.mu.Lock()
	pool := c.pools[i.platformID]
	c.setStateLocked(i, types.StateInactive)
	i.lastActivity = c.now()
	if pool != nil {
		pool.detach(i)
	}

	var victim *Instance
	keep := true
	reason := ""
	switch {
	case pool == nil:
		keep, reason = false, "platform pool removed"
	case !c.pool.EnablePooling:
		keep, reason = false, "pooling disabled"
	case !c.isHealthyLocked(i, status):
		keep, reason = false, unhealthyReason(i, status)
	case len(pool.available) >= pool.maxSize:
		victim = c.claimOldestIdleLocked(pool)
		if victim == nil {
			keep, reason = false, "pool full"
		}
	}
	if keep {
		pool.pushAvailable(i)
	} else {
		i.finalizing = true
	}
	c.mu.Unlock()

	c.publish(c.adapterEvent(event.TypeAdapterDeactivated, i, types.StateInactive, elapsed))

	var cleanupErr error
	if !keep {
		c.logger.WithAdapter(i.platformID, i.id).Debug("finalizing deactivated adapter", map[string]interface{}{
			"reason": reason,
		})
		// finalizeClaimed releases opMu.
		released = true
		cleanupErr = c.finalizeClaimed(ctx, i)
	}
	if victim != nil {
		c.logger.WithAdapter(victim.platformID, victim.id).Debug("evicting oldest idle adapter", map[string]interface{}{
			"pool_max": c.pool.MaxPoolSize,
		})
		if err := c.finalizeClaimed(ctx, victim); err != nil && cleanupErr == nil {
			cleanupErr = err
		}
	}
	c.syncGauges(i.platformID)
	return cleanupErr
}

// Cleanup releases platform resources and retires the instance permanently.
// Legal from any state except cleaned.
func (i *Instance) Cleanup(ctx context.Context) error {
	c := i.coord
	retired, err := c.retire(ctx, i)
	if !retired {
		return c.invalidTransition(i, opCleanup, i.State())
	}
	return err
}

func cloneConfig(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// checkTransition validates the source state of a transition. Callers hold opMu.
func (c *Coordinator) checkTransition(i *Instance, op string, allowed ...types.AdapterState) error {
	c.mu.Lock()
	state := i.state
	finalizing := i.finalizing
	c.mu.Unlock()

	if !finalizing {
		for _, s := range allowed {
			if state == s {
				return nil
			}
		}
	}
	return c.invalidTransition(i, op, state)
}

func (c *Coordinator) invalidTransition(i *Instance, op string, state types.AdapterState) error {
	err := errors.Newf(errors.ErrCodeInvalidTransition, "cannot %s adapter in state %s", op, state).
		WithComponent(componentName).
		WithOperation(op).
		WithContext("platform", i.platformID).
		WithContext("adapter_id", i.id)
	c.recordLifecycleError(i, op, err)
	return err
}

// failTransition moves the instance to the error state after an adapter failure.
func (c *Coordinator) failTransition(i *Instance, op string, cause error) error {
	c.mu.Lock()
	if i.state != types.StateCleaned {
		c.setStateLocked(i, types.StateError)
	}
	i.errorCount++
	c.mu.Unlock()

	err := errors.Wrap(cause, errors.ErrCodeLifecycleFailed, "adapter "+op+" failed").
		WithComponent(componentName).
		WithOperation(op).
		WithContext("platform", i.platformID).
		WithContext("adapter_id", i.id)
	c.recordLifecycleError(i, op, err)
	return err
}
