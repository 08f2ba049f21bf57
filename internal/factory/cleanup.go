package factory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"

	"github.com/shelfsync/adapterfactory/internal/event"
	"github.com/shelfsync/adapterfactory/pkg/errors"
	"github.com/shelfsync/adapterfactory/pkg/types"
)

// claimLocked takes an instance out of its pool for finalization. The
// caller holds c.mu and the instance's opMu.
func (c *Coordinator) claimLocked(i *Instance) {
	if p := c.pools[i.platformID]; p != nil {
		p.detach(i)
	}
	i.loc = locDetached
	i.finalizing = true
}

// claimOldestIdleLocked claims the oldest idle instance that is not busy.
func (c *Coordinator) claimOldestIdleLocked(p *platformPool) *Instance {
	for _, id := range p.available {
		inst := c.instances[id]
		if inst.opMu.TryLock() {
			c.claimLocked(inst)
			return inst
		}
	}
	return nil
}

// finalizeClaimed runs adapter cleanup for a claimed instance and retires
// it from the arena. It releases the instance's opMu. A failing adapter
// cleanup still retires the instance.
func (c *Coordinator) finalizeClaimed(ctx context.Context, i *Instance) error {
	defer i.opMu.Unlock()

	start := time.Now()
	err := safeCleanup(ctx, i.adapter)
	elapsed := time.Since(start)
	c.monitor.RecordOperation(i.platformID, opCleanup, elapsed, err == nil)

	c.mu.Lock()
	c.setStateLocked(i, types.StateCleaned)
	i.lastActivity = c.now()
	if _, ok := c.instances[i.id]; ok {
		delete(c.instances, i.id)
		if p := c.pools[i.platformID]; p != nil {
			p.health.TotalInstances--
		}
		c.stats.TotalDestroyed++
	}
	c.mu.Unlock()

	c.recorder.RecordDestroyed(i.platformID)
	c.publish(c.adapterEvent(event.TypeAdapterCleaned, i, types.StateCleaned, elapsed))

	if err != nil {
		wrapped := errors.Wrap(err, errors.ErrCodeCleanupFailed, "adapter cleanup failed").
			WithComponent(componentName).
			WithOperation(opCleanup).
			WithContext("platform", i.platformID).
			WithContext("adapter_id", i.id)
		c.recordLifecycleError(i, opCleanup, wrapped)
		return wrapped
	}
	return nil
}

func safeCleanup(ctx context.Context, adapter types.Adapter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cleanup panicked: %v", r)
		}
	}()
	return adapter.Cleanup(ctx)
}

// retire finalizes an instance unless another caller already did. It
// reports whether this call retired it.
func (c *Coordinator) retire(ctx context.Context, i *Instance) (bool, error) {
	i.opMu.Lock()
	c.mu.Lock()
	if i.finalizing || i.state == types.StateCleaned {
		c.mu.Unlock()
		i.opMu.Unlock()
		return false, nil
	}
	c.claimLocked(i)
	c.mu.Unlock()

	err := c.finalizeClaimed(ctx, i)
	c.syncGauges(i.platformID)
	return true, err
}

type retireResult struct {
	retired bool
	err     error
}

// retireAll retires instances on the worker pool and aggregates failures.
func (c *Coordinator) retireAll(ctx context.Context, instances []*Instance) (int, error) {
	if len(instances) == 0 {
		return 0, nil
	}

	p := pool.NewWithResults[retireResult]().WithMaxGoroutines(c.workers)
	for _, inst := range instances {
		inst := inst
		p.Go(func() (res retireResult) {
			defer func() {
				if r := recover(); r != nil {
					res = retireResult{err: fmt.Errorf("retiring %s panicked: %v", inst.id, r)}
				}
			}()
			retired, err := c.retire(ctx, inst)
			return retireResult{retired: retired, err: err}
		})
	}

	count := 0
	var errs error
	for _, res := range p.Wait() {
		if res.retired {
			count++
		}
		errs = multierr.Append(errs, res.err)
	}
	return count, errs
}

// finalizeAll finalizes already claimed instances on the worker pool.
func (c *Coordinator) finalizeAll(ctx context.Context, claimed []*Instance) (int, error) {
	if len(claimed) == 0 {
		return 0, nil
	}

	p := pool.NewWithResults[error]().WithMaxGoroutines(c.workers)
	for _, inst := range claimed {
		inst := inst
		p.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("finalizing %s panicked: %v", inst.id, r)
				}
			}()
			return c.finalizeClaimed(ctx, inst)
		})
	}

	var errs error
	for _, err := range p.Wait() {
		errs = multierr.Append(errs, err)
	}
	touched := make(map[string]struct{})
	for _, inst := range claimed {
		touched[inst.platformID] = struct{}{}
	}
	for pid := range touched {
		c.syncGauges(pid)
	}
	return len(claimed), errs
}

// DeactivateAdapter deactivates the live instance with the given id. It
// reports false when no such instance exists.
func (c *Coordinator) DeactivateAdapter(ctx context.Context, adapterID string) (bool, error) {
	inst := c.lookup(adapterID)
	if inst == nil {
		return false, nil
	}
	return true, inst.Deactivate(ctx)
}

// CleanupAdapterByID finalizes the live instance with the given id. It
// reports false when no such instance exists.
func (c *Coordinator) CleanupAdapterByID(ctx context.Context, adapterID string) (bool, error) {
	inst := c.lookup(adapterID)
	if inst == nil {
		return false, nil
	}
	return c.retire(ctx, inst)
}

// CleanupPlatformAdapters finalizes every instance of one platform, active
// or idle, and returns how many were retired.
func (c *Coordinator) CleanupPlatformAdapters(ctx context.Context, platformID string) (int, error) {
	if !c.registry.Has(platformID) {
		return 0, errors.Newf(errors.ErrCodeUnknownPlatform, "unknown platform %q", platformID).
			WithComponent(componentName).
			WithOperation("cleanup_platform")
	}

	n, err := c.retireAll(ctx, c.collect(func(i *Instance) bool { return i.platformID == platformID }))
	c.logger.Info("platform adapters cleaned", map[string]interface{}{
		"platform": platformID,
		"cleaned":  n,
	})
	return n, err
}

// CleanupAllAdapters finalizes every live instance.
func (c *Coordinator) CleanupAllAdapters(ctx context.Context) (int, error) {
	n, err := c.retireAll(ctx, c.collect(func(*Instance) bool { return true }))
	if n > 0 {
		c.logger.Info("all adapters cleaned", map[string]interface{}{
			"cleaned": n,
		})
	}
	return n, err
}

func (c *Coordinator) collect(match func(*Instance) bool) []*Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Instance, 0, len(c.instances))
	for _, inst := range c.instances {
		if !inst.finalizing && match(inst) {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].id < out[b].id })
	return out
}

// PerformResourceCleanup finalizes idle instances past MaxIdleTime, and
// active-set instances stranded outside the active state for as long.
// Instances busy with another operation are left for the next pass.
func (c *Coordinator) PerformResourceCleanup(ctx context.Context) (int, error) {
	if c.pool.MaxIdleTime <= 0 {
		return 0, nil
	}
	now := c.now()

	c.mu.Lock()
	var claimed []*Instance
	var expired, stranded int
	for _, pid := range sortedKeys(c.pools) {
		p := c.pools[pid]
		for _, id := range append([]string(nil), p.available...) {
			inst := c.instances[id]
			if c.expiredLocked(inst, now) && inst.opMu.TryLock() {
				c.claimLocked(inst)
				claimed = append(claimed, inst)
				expired++
			}
		}
		for _, inst := range c.activeLocked(p) {
			if inst.state == types.StateActive || !c.expiredLocked(inst, now) {
				continue
			}
			if inst.opMu.TryLock() {
				c.claimLocked(inst)
				claimed = append(claimed, inst)
				stranded++
			}
		}
	}
	c.mu.Unlock()

	n, err := c.finalizeAll(ctx, claimed)
	if n > 0 {
		c.logger.Info("idle adapters reclaimed", map[string]interface{}{
			"expired":  expired,
			"stranded": stranded,
		})
	}
	return n, err
}
