package factory

import (
	"context"

	"github.com/shelfsync/adapterfactory/pkg/retry"
	"github.com/shelfsync/adapterfactory/pkg/types"
	"github.com/shelfsync/adapterfactory/pkg/utils"
)

// Acquire returns an active adapter for platformID: a reused idle instance
// is activated, a new one is initialized first. An instance that fails to
// come up is finalized.
func (c *Coordinator) Acquire(ctx context.Context, platformID string, opts CreateOptions) (*Instance, error) {
	inst, err := c.CreateAdapter(ctx, platformID, opts)
	if err != nil {
		return nil, err
	}

	if inst.State() == types.StateUninitialized {
		if err := inst.Initialize(ctx); err != nil {
			c.discard(ctx, inst)
			return nil, err
		}
	}
	if err := inst.Activate(ctx); err != nil {
		c.discard(ctx, inst)
		return nil, err
	}
	return inst, nil
}

// AcquireWithRetry is Acquire with exponential backoff on retryable
// failures, up to the pool's MaxRetryAttempts.
func (c *Coordinator) AcquireWithRetry(ctx context.Context, platformID string, opts CreateOptions) (*Instance, error) {
	var inst *Instance
	err := retry.New(c.retryConfig(platformID)).DoWithContext(ctx, func(ctx context.Context) error {
		var err error
		inst, err = c.Acquire(ctx, platformID, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// Release hands an active adapter back to its pool.
func (c *Coordinator) Release(ctx context.Context, inst *Instance) error {
	return inst.Deactivate(ctx)
}

func (c *Coordinator) retryConfig(platformID string) retry.Config {
	rc := c.retry
	logger := c.logger.WithField(utils.FieldPlatform, platformID)
	rc.OnRetry = func(a retry.Attempt) {
		logger.Debug("retrying adapter acquisition", map[string]interface{}{
			"attempt":        a.Number,
			"delay_ms":       a.Delay.Milliseconds(),
			utils.FieldError: a.Err.Error(),
		})
	}
	return rc
}

func (c *Coordinator) discard(ctx context.Context, inst *Instance) {
	if _, err := c.retire(ctx, inst); err != nil {
		c.logger.WithAdapter(inst.platformID, inst.id).Warn("failed to discard adapter", map[string]interface{}{
			utils.FieldError: err.Error(),
		})
	}
}
