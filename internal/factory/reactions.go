package factory

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/multierr"

	"github.com/shelfsync/adapterfactory/internal/event"
	"github.com/shelfsync/adapterfactory/pkg/errors"
	"github.com/shelfsync/adapterfactory/pkg/types"
	"github.com/shelfsync/adapterfactory/pkg/utils"
)

// subscribe registers the inbound request handlers. Each reaction runs on
// its own goroutine so a publisher holding an adapter never waits on it.
func (c *Coordinator) subscribe() {
	subs := []string{
		c.bus.Subscribe(event.TypePlatformSwitchRequested, c.react("platform-switch", c.handlePlatformSwitch)),
		c.bus.Subscribe(event.TypeAdapterErrorReported, c.react("error-report", c.handleErrorReport)),
		c.bus.Subscribe(event.TypeQueryRequested, c.react("query", c.handleQuery)),
		c.bus.Subscribe(event.TypeCleanupRequested, c.react("cleanup", c.handleCleanup)),
	}
	c.mu.Lock()
	c.subs = subs
	c.mu.Unlock()
}

func (c *Coordinator) react(name string, fn func(context.Context, event.Event)) event.Handler {
	return func(e event.Event) {
		c.mu.Lock()
		if c.status != statusRunning {
			c.mu.Unlock()
			return
		}
		ctx := c.bgCtx
		c.reactWG.Add(1)
		c.mu.Unlock()

		go func() {
			defer c.reactWG.Done()
			defer func() {
				if r := recover(); r != nil {
					c.countBackgroundError(name, fmt.Errorf("panic: %v", r), string(debug.Stack()))
				}
			}()
			fn(ctx, e)
		}()
	}
}

func (c *Coordinator) handlePlatformSwitch(ctx context.Context, e event.Event) {
	var req event.PlatformSwitchRequestedEvent
	switch v := e.(type) {
	case event.PlatformSwitchRequestedEvent:
		req = v
	case *event.PlatformSwitchRequestedEvent:
		req = *v
	default:
		return
	}

	deactivated, prewarmed, err := c.SwitchPlatform(ctx, req.FromPlatform, req.ToPlatform)
	if err != nil {
		c.logger.Warn("platform switch failed", map[string]interface{}{
			"from":           req.FromPlatform,
			"to":             req.ToPlatform,
			utils.FieldError: err.Error(),
		})
	}
	c.publish(event.NewPlatformSwitchCompletedEvent(req.FromPlatform, req.ToPlatform, deactivated, prewarmed, err))
}

// SwitchPlatform deactivates every active adapter of the source platform
// and pre-warms one adapter of the target into its idle pool. It returns
// the number deactivated and the pre-warmed adapter id, if any.
func (c *Coordinator) SwitchPlatform(ctx context.Context, from, to string) (int, string, error) {
	if !c.registry.Has(to) {
		return 0, "", errors.Newf(errors.ErrCodeUnknownPlatform, "unknown platform %q", to).
			WithComponent(componentName).
			WithOperation("platform_switch")
	}

	deactivated := 0
	var errs error
	if from != "" && from != to {
		for _, inst := range c.GetActiveAdapters(from) {
			if inst.State() != types.StateActive {
				continue
			}
			if err := inst.Deactivate(ctx); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			deactivated++
		}
	}

	// Nothing would stay warm with pooling off.
	if !c.pool.EnablePooling {
		return deactivated, "", errs
	}

	inst, err := c.prewarm(ctx, to)
	if err != nil {
		return deactivated, "", multierr.Append(errs, err)
	}
	c.logger.Info("platform switched", map[string]interface{}{
		"from":        from,
		"to":          to,
		"deactivated": deactivated,
		"prewarmed":   inst.id,
	})
	return deactivated, inst.id, errs
}

// prewarm leaves one ready adapter of the platform in its idle pool.
func (c *Coordinator) prewarm(ctx context.Context, platformID string) (*Instance, error) {
	inst, err := c.Acquire(ctx, platformID, CreateOptions{})
	if err != nil {
		return nil, err
	}
	if err := inst.Deactivate(ctx); err != nil {
		return nil, err
	}
	return inst, nil
}

func (c *Coordinator) handleErrorReport(ctx context.Context, e event.Event) {
	var req event.AdapterErrorReportedEvent
	switch v := e.(type) {
	case event.AdapterErrorReportedEvent:
		req = v
	case *event.AdapterErrorReportedEvent:
		req = *v
	default:
		return
	}

	c.mu.Lock()
	inst, ok := c.instances[req.AdapterID]
	if ok && req.PlatformID != "" && inst.platformID != req.PlatformID {
		ok = false
	}
	count := 0
	retire := false
	if ok {
		inst.errorCount++
		count = inst.errorCount
		// An idle instance past the threshold can never be reused; free
		// its pool slot now unless someone is operating on it.
		if count >= unhealthyErrorThreshold && inst.loc == locAvailable && !inst.finalizing && inst.opMu.TryLock() {
			c.claimLocked(inst)
			retire = true
		}
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("error reported for unknown adapter", map[string]interface{}{
			utils.FieldAdapterID: req.AdapterID,
		})
		return
	}
	fields := map[string]interface{}{"error_count": count}
	if req.Err != nil {
		fields[utils.FieldError] = req.Err.Error()
	}
	logger := c.logger.WithAdapter(inst.platformID, inst.id)
	logger.Warn("adapter error reported", fields)
	if !retire {
		return
	}
	logger.Info("discarding unhealthy idle adapter", map[string]interface{}{
		"reason": fmt.Sprintf("%d reported errors", count),
	})
	if err := c.finalizeClaimed(ctx, inst); err != nil {
		logger.Warn("failed to finalize unhealthy idle adapter", map[string]interface{}{
			utils.FieldError: err.Error(),
		})
	}
	c.syncGauges(inst.platformID)
}

func (c *Coordinator) handleQuery(ctx context.Context, e event.Event) {
	var req event.QueryRequestedEvent
	switch v := e.(type) {
	case event.QueryRequestedEvent:
		req = v
	case *event.QueryRequestedEvent:
		req = *v
	default:
		return
	}

	result, err := c.Query(req.QueryType, req.Params)
	c.publish(event.NewQueryResponseEvent(req, result, err))
}

// Query answers an ad hoc question about the factory.
func (c *Coordinator) Query(queryType string, params map[string]string) (interface{}, error) {
	switch queryType {
	case event.QueryStats:
		return c.Stats(), nil
	case event.QueryPoolStatus:
		if pid := params["platformId"]; pid != "" {
			snap, ok := c.PoolSnapshot(pid)
			if !ok {
				return nil, errors.Newf(errors.ErrCodeUnknownPlatform, "unknown platform %q", pid).
					WithComponent(componentName)
			}
			return snap, nil
		}
		return c.PoolSnapshots(), nil
	case event.QueryHealth:
		return c.HealthStates(), nil
	case event.QueryActiveAdapters:
		return c.ActiveAdapterInfo(params["platformId"]), nil
	case event.QueryAdapter:
		inst := c.lookup(params["adapterId"])
		if inst == nil {
			return nil, nil
		}
		if pid := params["platformId"]; pid != "" && inst.PlatformID() != pid {
			return nil, nil
		}
		return inst.Info(), nil
	case event.QuerySupportedPlatforms:
		return c.SupportedPlatforms(), nil
	}
	return nil, errors.Newf(errors.ErrCodeInvalidQuery, "unknown query type %q", queryType).
		WithComponent(componentName)
}

// ActiveAdapterInfo describes the active sets, of one platform or of all
// platforms when platformID is empty.
func (c *Coordinator) ActiveAdapterInfo(platformID string) []types.AdapterInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	pids := sortedKeys(c.pools)
	if platformID != "" {
		pids = []string{platformID}
	}
	out := make([]types.AdapterInfo, 0)
	for _, pid := range pids {
		p := c.pools[pid]
		if p == nil {
			continue
		}
		for _, inst := range c.activeLocked(p) {
			out = append(out, inst.infoLocked())
		}
	}
	return out
}

func (c *Coordinator) handleCleanup(ctx context.Context, e event.Event) {
	var req event.CleanupRequestedEvent
	switch v := e.(type) {
	case event.CleanupRequestedEvent:
		req = v
	case *event.CleanupRequestedEvent:
		req = *v
	default:
		return
	}

	var (
		cleaned int
		err     error
	)
	switch req.CleanupType {
	case event.CleanupAdapter:
		var ok bool
		ok, err = c.CleanupAdapterByID(ctx, req.AdapterID)
		if ok {
			cleaned = 1
		}
	case event.CleanupPlatform:
		cleaned, err = c.CleanupPlatformAdapters(ctx, req.PlatformID)
	case event.CleanupAll:
		cleaned, err = c.CleanupAllAdapters(ctx)
	case event.CleanupIdle:
		cleaned, err = c.PerformResourceCleanup(ctx)
	default:
		err = errors.Newf(errors.ErrCodeInvalidQuery, "unknown cleanup type %q", req.CleanupType).
			WithComponent(componentName)
	}
	c.publish(event.NewCleanupCompletedEvent(req, cleaned, err))
}
