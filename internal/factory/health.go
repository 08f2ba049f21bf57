package factory

import (
	"context"
	"sort"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/shelfsync/adapterfactory/internal/event"
	"github.com/shelfsync/adapterfactory/pkg/types"
)

type probeResult struct {
	inst   *Instance
	health types.HealthStatus
}

// PerformHealthCheck probes every instance in the active sets, publishes
// factory.health.completed, and factory.health.warning when any instance
// is unhealthy. Idle instances are probed when they are reused.
func (c *Coordinator) PerformHealthCheck(ctx context.Context) types.HealthReport {
	start := time.Now()

	c.mu.Lock()
	c.stats.HealthChecks++
	var targets []*Instance
	for _, pid := range sortedKeys(c.pools) {
		for _, inst := range c.activeLocked(c.pools[pid]) {
			if !inst.finalizing {
				targets = append(targets, inst)
			}
		}
	}
	c.mu.Unlock()

	var results []probeResult
	if len(targets) > 0 {
		p := pool.NewWithResults[probeResult]().WithMaxGoroutines(c.workers)
		for _, inst := range targets {
			inst := inst
			p.Go(func() probeResult {
				return probeResult{inst: inst, health: c.probe(ctx, inst)}
			})
		}
		results = p.Wait()
	}

	report := types.HealthReport{
		CheckedAt:    c.now(),
		TotalChecked: len(results),
		Platforms:    make(map[string]types.PlatformHealthReport),
	}

	c.mu.Lock()
	for pid, p := range c.pools {
		report.Platforms[pid] = types.PlatformHealthReport{PlatformHealthState: p.health}
	}
	for _, r := range results {
		pr := report.Platforms[r.inst.platformID]
		pr.Checked++
		report.ErrorCount += int(r.health.ErrorCount)
		if c.isHealthyLocked(r.inst, r.health) {
			pr.Healthy++
		} else {
			pr.Unhealthy++
			errCount := r.inst.errorCount
			if int(r.health.ErrorCount) > errCount {
				errCount = int(r.health.ErrorCount)
			}
			report.Unhealthy = append(report.Unhealthy, types.UnhealthyAdapter{
				PlatformID: r.inst.platformID,
				AdapterID:  r.inst.id,
				ErrorCount: errCount,
				Reason:     unhealthyReason(r.inst, r.health),
			})
		}
		report.Platforms[r.inst.platformID] = pr
	}
	report.Stats = c.statsLocked()
	c.mu.Unlock()

	sort.Slice(report.Unhealthy, func(a, b int) bool {
		ua, ub := report.Unhealthy[a], report.Unhealthy[b]
		if ua.PlatformID != ub.PlatformID {
			return ua.PlatformID < ub.PlatformID
		}
		return ua.AdapterID < ub.AdapterID
	})
	report.IsHealthy = len(report.Unhealthy) == 0
	report.Duration = time.Since(start)

	c.recorder.RecordHealthCheck(len(report.Unhealthy))
	c.publish(event.NewHealthCheckCompletedEvent(report))
	if !report.IsHealthy {
		c.logger.Warn("unhealthy adapters detected", map[string]interface{}{
			"unhealthy": len(report.Unhealthy),
			"checked":   report.TotalChecked,
		})
		c.publish(event.NewHealthWarningEvent(report.Unhealthy))
	} else {
		c.logger.Debug("health check completed", map[string]interface{}{
			"checked":     report.TotalChecked,
			"duration_ms": report.Duration.Milliseconds(),
		})
	}
	return report
}
