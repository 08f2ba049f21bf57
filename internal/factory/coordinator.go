package factory

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/shelfsync/adapterfactory/internal/circuit"
	"github.com/shelfsync/adapterfactory/internal/event"
	"github.com/shelfsync/adapterfactory/internal/metrics"
	"github.com/shelfsync/adapterfactory/internal/platform"
	"github.com/shelfsync/adapterfactory/pkg/errors"
	"github.com/shelfsync/adapterfactory/pkg/retry"
	"github.com/shelfsync/adapterfactory/pkg/types"
	"github.com/shelfsync/adapterfactory/pkg/utils"
)

const (
	componentName = "adapter-factory"

	// An adapter reporting this many errors, or accumulating this many
	// failures, is no longer pooled.
	unhealthyErrorThreshold = 5

	defaultWorkers = 4
)

type status int

const (
	statusNew status = iota
	statusRunning
	statusStopped
)

// Recorder receives pool level measurements. *metrics.Collector implements it.
type Recorder interface {
	RecordPoolRequest(platformID string, reused bool, duration time.Duration)
	RecordDestroyed(platformID string)
	RecordError(platformID, kind string)
	SetPoolSize(platformID string, active, idle int)
	RecordHealthCheck(unhealthy int)
}

type nopRecorder struct{}

func (nopRecorder) RecordPoolRequest(string, bool, time.Duration) {}
func (nopRecorder) RecordDestroyed(string)                        {}
func (nopRecorder) RecordError(string, string)                    {}
func (nopRecorder) SetPoolSize(string, int, int)                  {}
func (nopRecorder) RecordHealthCheck(int)                         {}

// Options configure a Coordinator.
type Options struct {
	Pool types.PoolConfiguration

	// Workers bounds fan-out for bulk cleanup and health probes.
	Workers int

	// Catalog supplies platform descriptors and constructors. Required.
	Catalog platform.Catalog

	// Platforms to register; empty means every platform in the catalog.
	Platforms []string

	// Bus defaults to a private event.Bus.
	Bus event.Broker

	Logger *utils.StructuredLogger

	// Metrics defaults to a no-op recorder.
	Metrics Recorder

	// Monitor is injected into adapters. Defaults to Metrics when it
	// implements types.PerformanceMonitor.
	Monitor types.PerformanceMonitor

	// Breakers guard construction per platform; nil disables them.
	Breakers *circuit.Manager

	// Retry is used by AcquireWithRetry. MaxAttempts comes from Pool.
	Retry retry.Config

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Coordinator is the adapter factory: it builds adapters through the
// platform registry, pools idle instances per platform, and drives health
// checks and idle cleanup in the background.
type Coordinator struct {
	factoryID string
	pool      types.PoolConfiguration
	workers   int
	catalog   platform.Catalog
	platforms []string
	registry  *platform.Registry
	bus       event.Broker
	logger    *utils.StructuredLogger
	recorder  Recorder
	monitor   types.PerformanceMonitor
	breakers  *circuit.Manager
	retry     retry.Config
	clock     func() time.Time

	// lifecycleMu serializes Initialize, Stop and Cleanup.
	lifecycleMu sync.Mutex

	mu        sync.Mutex
	status    status
	instances map[string]*Instance
	reserved  map[string]struct{}
	pools     map[string]*platformPool
	stats     types.FactoryStats
	subs      []string
	stopCh    chan struct{}
	bgCancel  context.CancelFunc
	bgCtx     context.Context

	bgWG    sync.WaitGroup
	reactWG sync.WaitGroup
}

// New creates a Coordinator. It does not register platforms or start
// background work; call Initialize for that.
func New(opts Options) (*Coordinator, error) {
	if opts.Catalog == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "platform catalog is required").
			WithComponent(componentName)
	}
	if opts.Pool.MaxPoolSize < 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "max pool size must be non-negative, got %d", opts.Pool.MaxPoolSize).
			WithComponent(componentName)
	}
	if opts.Pool.MaxIdleTime < 0 || opts.Pool.HealthCheckInterval < 0 || opts.Pool.CleanupInterval < 0 {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "pool durations must be non-negative").
			WithComponent(componentName)
	}

	logger := opts.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	bus := opts.Bus
	if bus == nil {
		bus = event.NewBus(logger)
	}
	recorder := opts.Metrics
	if recorder == nil {
		recorder = nopRecorder{}
	}
	monitor := opts.Monitor
	if monitor == nil {
		if m, ok := recorder.(types.PerformanceMonitor); ok {
			monitor = m
		} else {
			monitor = types.NopMonitor{}
		}
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	retryCfg := opts.Retry
	if opts.Pool.MaxRetryAttempts > 0 {
		retryCfg.MaxAttempts = opts.Pool.MaxRetryAttempts
	}
	if len(retryCfg.RetryableErrors) == 0 {
		retryCfg.RetryableErrors = retry.DefaultConfig().RetryableErrors
	}

	factoryID := uuid.NewString()
	return &Coordinator{
		factoryID: factoryID,
		pool:      opts.Pool,
		workers:   workers,
		catalog:   opts.Catalog,
		platforms: append([]string(nil), opts.Platforms...),
		registry:  platform.NewRegistry(),
		bus:       bus,
		logger:    logger.WithComponent(componentName).WithField("factory_id", factoryID),
		recorder:  recorder,
		monitor:   monitor,
		breakers:  opts.Breakers,
		retry:     retryCfg,
		clock:     clock,
		instances: make(map[string]*Instance),
		reserved:  make(map[string]struct{}),
		pools:     make(map[string]*platformPool),
	}, nil
}

// Initialize registers the platform types, builds one pool per platform,
// subscribes to inbound requests and starts background maintenance.
// Calling it on a running factory is a no-op.
func (c *Coordinator) Initialize(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.mu.Lock()
	running := c.status == statusRunning
	c.mu.Unlock()
	if running {
		c.logger.Debug("adapter factory already initialized")
		return nil
	}

	if c.registry.Len() == 0 {
		ids := c.platforms
		if len(ids) == 0 {
			ids = c.catalog.Platforms()
		}
		if err := c.registry.RegisterTypes(c.catalog, ids); err != nil {
			c.logger.Error("platform registration failed", map[string]interface{}{
				utils.FieldError: err.Error(),
			})
			return err
		}
	}
	platforms := c.registry.Platforms()

	bgCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	for _, id := range platforms {
		if _, ok := c.pools[id]; !ok {
			c.pools[id] = newPlatformPool(id, c.pool.MaxPoolSize)
		}
	}
	c.status = statusRunning
	c.stopCh = make(chan struct{})
	c.bgCtx = bgCtx
	c.bgCancel = cancel
	c.mu.Unlock()

	c.subscribe()
	c.startBackground(bgCtx)

	c.logger.Info("adapter factory initialized", map[string]interface{}{
		"platforms":       platforms,
		"max_pool_size":   c.pool.MaxPoolSize,
		"enable_pooling":  c.pool.EnablePooling,
		"max_idle_time":   c.pool.MaxIdleTime.String(),
		"health_interval": c.pool.HealthCheckInterval.String(),
	})
	c.publish(event.NewFactoryInitializedEvent(c.factoryID, platforms, c.pool))
	return nil
}

// CreateOptions are per-call settings for CreateAdapter.
type CreateOptions struct {
	// ForceNew skips the idle pool and always constructs.
	ForceNew bool

	// Config is overlaid on the platform defaults. Ignored on reuse.
	Config map[string]interface{}
}

// CreateAdapter hands out an adapter for platformID. When pooling is
// enabled a healthy idle instance is reused, most recently released first;
// otherwise a new instance is constructed from the platform defaults
// overlaid with opts.Config. The result is in the active set.
func (c *Coordinator) CreateAdapter(ctx context.Context, platformID string, opts CreateOptions) (*Instance, error) {
	if err := c.checkRunning(); err != nil {
		return nil, err
	}

	desc, err := c.registry.Descriptor(platformID)
	if err != nil {
		c.countCreationError("unknown")
		return nil, err
	}
	ctor, err := c.registry.Constructor(platformID)
	if err != nil {
		c.countCreationError("unknown")
		return nil, err
	}

	if c.pool.EnablePooling && !opts.ForceNew {
		if inst := c.reuse(ctx, platformID); inst != nil {
			return inst, nil
		}
	}
	return c.construct(ctx, desc, ctor, opts.Config)
}

func (c *Coordinator) checkRunning() error {
	c.mu.Lock()
	st := c.status
	c.mu.Unlock()

	switch st {
	case statusNew:
		return errors.NewError(errors.ErrCodeNotInitialized, "adapter factory is not initialized").
			WithComponent(componentName)
	case statusStopped:
		return errors.NewError(errors.ErrCodeShutdownInProgress, "adapter factory is stopped").
			WithComponent(componentName)
	}
	return nil
}

// reuse claims the most recently released healthy idle instance. The
// reported duration covers the health probe and the claim.
func (c *Coordinator) reuse(ctx context.Context, platformID string) *Instance {
	start := time.Now()
	now := c.now()

	c.mu.Lock()
	pool := c.pools[platformID]
	if pool == nil {
		c.mu.Unlock()
		return nil
	}
	candidates := make([]*Instance, 0, len(pool.available))
	for idx := len(pool.available) - 1; idx >= 0; idx-- {
		inst := c.instances[pool.available[idx]]
		if inst.state != types.StateInactive || inst.errorCount >= unhealthyErrorThreshold {
			continue
		}
		if c.expiredLocked(inst, now) {
			continue
		}
		candidates = append(candidates, inst)
	}
	c.mu.Unlock()

	for _, inst := range candidates {
		if !inst.opMu.TryLock() {
			continue
		}

		// Holding opMu pins the instance: nothing else can move it.
		c.mu.Lock()
		if inst.loc != locAvailable || inst.finalizing || inst.state != types.StateInactive {
			c.mu.Unlock()
			inst.opMu.Unlock()
			continue
		}
		c.mu.Unlock()

		health := c.probe(ctx, inst)

		c.mu.Lock()
		if !c.isHealthyLocked(inst, health) {
			c.claimLocked(inst)
			c.mu.Unlock()
			c.logger.WithAdapter(platformID, inst.id).Info("discarding unhealthy idle adapter", map[string]interface{}{
				"reason": unhealthyReason(inst, health),
			})
			_ = c.finalizeClaimed(ctx, inst)
			continue
		}
		pool.detach(inst)
		pool.addActive(inst)
		inst.lastActivity = c.now()
		pool.totalReused++
		c.stats.PoolHits++
		c.mu.Unlock()
		inst.opMu.Unlock()

		elapsed := time.Since(start)
		c.recorder.RecordPoolRequest(platformID, true, elapsed)
		c.publish(c.adapterEvent(event.TypeAdapterReused, inst, types.StateInactive, elapsed))
		c.syncGauges(platformID)
		c.logger.WithAdapter(platformID, inst.id).Debug("reused pooled adapter")
		return inst
	}
	return nil
}

func (c *Coordinator) construct(ctx context.Context, desc platform.Descriptor, ctor platform.Constructor, cfg map[string]interface{}) (*Instance, error) {
	platformID := desc.PlatformID

	var breaker *circuit.Breaker
	if c.breakers != nil {
		breaker = c.breakers.Breaker(platformID)
		if err := breaker.Allow(); err != nil {
			c.countCreationError(platformID)
			return nil, errors.Wrap(err, errors.ErrCodeConstructionSuspended, "construction suspended after repeated failures").
				WithComponent(componentName).
				WithOperation("create").
				WithContext("platform", platformID)
		}
	}

	merged := cloneConfig(desc.Defaults)
	if merged == nil {
		merged = make(map[string]interface{}, len(cfg))
	}
	for k, v := range cfg {
		merged[k] = v
	}

	id := c.reserveID(platformID)
	logger := c.logger.WithAdapter(platformID, id)
	deps := platform.Dependencies{
		PlatformID: platformID,
		AdapterID:  id,
		Bus:        c.bus,
		Logger:     logger,
		Monitor:    c.monitor,
	}

	start := time.Now()
	adapter, err := safeConstruct(ctor, deps, merged)
	elapsed := time.Since(start)
	if breaker != nil {
		breaker.Record(err)
	}
	c.monitor.RecordOperation(platformID, "create", elapsed, err == nil)

	if err != nil {
		c.releaseID(id)
		c.countCreationError(platformID)
		logger.Warn("adapter construction failed", map[string]interface{}{
			utils.FieldError: err.Error(),
		})
		return nil, errors.Wrap(err, errors.ErrCodeConstructionFailed, "adapter construction failed").
			WithComponent(componentName).
			WithOperation("create").
			WithContext("platform", platformID)
	}

	capabilities := adapter.Capabilities()
	if len(capabilities) == 0 {
		capabilities = desc.Capabilities
	}
	now := c.now()
	inst := &Instance{
		id:           id,
		platformID:   platformID,
		factoryID:    c.factoryID,
		createdAt:    now,
		capabilities: append([]string(nil), capabilities...),
		config:       merged,
		adapter:      adapter,
		coord:        c,
		state:        types.StateUninitialized,
		lastActivity: now,
	}

	c.mu.Lock()
	delete(c.reserved, id)
	pool := c.pools[platformID]
	if c.status != statusRunning || pool == nil {
		c.mu.Unlock()
		_ = adapter.Cleanup(ctx)
		return nil, errors.NewError(errors.ErrCodeShutdownInProgress, "adapter factory stopped during construction").
			WithComponent(componentName).
			WithContext("platform", platformID)
	}
	c.instances[id] = inst
	pool.addActive(inst)
	pool.totalCreated++
	pool.health.TotalInstances++
	c.stats.TotalCreated++
	c.stats.PoolMisses++
	c.stats.AvgCreationTime += (elapsed - c.stats.AvgCreationTime) / time.Duration(c.stats.TotalCreated)
	c.mu.Unlock()

	c.recorder.RecordPoolRequest(platformID, false, elapsed)
	c.publish(c.adapterEvent(event.TypeAdapterCreated, inst, types.StateUninitialized, elapsed))
	c.syncGauges(platformID)
	logger.Debug("constructed adapter", map[string]interface{}{
		"duration_ms": elapsed.Milliseconds(),
	})
	return inst, nil
}

func safeConstruct(ctor platform.Constructor, deps platform.Dependencies, cfg map[string]interface{}) (adapter types.Adapter, err error) {
	defer func() {
		if r := recover(); r != nil {
			adapter = nil
			err = fmt.Errorf("constructor panicked: %v", r)
		}
	}()
	adapter, err = ctor(deps, cfg)
	if err == nil && adapter == nil {
		err = fmt.Errorf("constructor returned no adapter")
	}
	return adapter, err
}

// reserveID returns a fresh id of the form {platform}_adapter_{millis}_{random}.
func (c *Coordinator) reserveID(platformID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		random := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
		id := fmt.Sprintf("%s_adapter_%d_%s", platformID, c.now().UnixMilli(), random)
		if _, taken := c.instances[id]; taken {
			continue
		}
		if _, taken := c.reserved[id]; taken {
			continue
		}
		c.reserved[id] = struct{}{}
		return id
	}
}

func (c *Coordinator) releaseID(id string) {
	c.mu.Lock()
	delete(c.reserved, id)
	c.mu.Unlock()
}

// GetAdapter returns the live instance with the given id, or nil.
func (c *Coordinator) GetAdapter(platformID, adapterID string) *Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	inst, ok := c.instances[adapterID]
	if !ok || inst.platformID != platformID {
		return nil
	}
	return inst
}

func (c *Coordinator) lookup(adapterID string) *Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instances[adapterID]
}

// GetActiveAdapters returns the platform's active set ordered by id, or
// every platform's when platformID is empty.
func (c *Coordinator) GetActiveAdapters(platformID string) []*Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	if platformID == "" {
		var out []*Instance
		for _, pid := range sortedKeys(c.pools) {
			out = append(out, c.activeLocked(c.pools[pid])...)
		}
		return out
	}
	pool := c.pools[platformID]
	if pool == nil {
		return nil
	}
	return c.activeLocked(pool)
}

func (c *Coordinator) activeLocked(pool *platformPool) []*Instance {
	ids := make([]string, 0, len(pool.active))
	for id := range pool.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*Instance, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.instances[id])
	}
	return out
}

// Stats returns a copy of the factory counters.
func (c *Coordinator) Stats() types.FactoryStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statsLocked()
}

func (c *Coordinator) statsLocked() types.FactoryStats {
	s := c.stats
	s.ActiveInstances = int64(len(c.instances))
	return s
}

// PoolSnapshot describes one platform pool.
func (c *Coordinator) PoolSnapshot(platformID string) (types.PoolSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pool := c.pools[platformID]
	if pool == nil {
		return types.PoolSnapshot{}, false
	}
	return pool.snapshot(), true
}

// PoolSnapshots describes every platform pool.
func (c *Coordinator) PoolSnapshots() map[string]types.PoolSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]types.PoolSnapshot, len(c.pools))
	for id, pool := range c.pools {
		out[id] = pool.snapshot()
	}
	return out
}

// HealthStates returns the incrementally maintained per-platform counters.
func (c *Coordinator) HealthStates() map[string]types.PlatformHealthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]types.PlatformHealthState, len(c.pools))
	for id, pool := range c.pools {
		out[id] = pool.health
	}
	return out
}

// waitGroup waits for wg or until ctx is done.
func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) stopTimeout(what string, cause error) error {
	c.logger.Warn("stop gave up waiting for "+what, map[string]interface{}{
		utils.FieldError: cause.Error(),
	})
	return errors.Wrap(cause, errors.ErrCodeOperationTimeout, "stop interrupted while waiting for "+what).
		WithComponent(componentName).
		WithOperation("stop")
}

// BreakerStats reports the construction breakers of platforms that have
// attempted a construction. It is empty when breakers are disabled.
func (c *Coordinator) BreakerStats() []circuit.Stats {
	if c.breakers == nil {
		return nil
	}
	return c.breakers.GetStats()
}

// SupportedPlatforms lists registered platform ids in order.
func (c *Coordinator) SupportedPlatforms() []string {
	return c.registry.Platforms()
}

// Descriptor returns the registered metadata for a platform.
func (c *Coordinator) Descriptor(platformID string) (platform.Descriptor, error) {
	return c.registry.Descriptor(platformID)
}

// FactoryID identifies this coordinator in events and adapter records.
func (c *Coordinator) FactoryID() string { return c.factoryID }

// Bus returns the event bus the coordinator publishes on.
func (c *Coordinator) Bus() event.Broker { return c.bus }

// IsInitialized reports whether the factory is serving adapters.
func (c *Coordinator) IsInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == statusRunning
}

// Stop halts background work and inbound reactions, deactivates every
// active adapter and finalizes the rest of the active sets. Idle pools,
// the registry and statistics are kept.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	deactivated, stopped, err := c.stop(ctx)
	if stopped {
		c.publish(event.NewFactoryStoppedEvent(c.factoryID, deactivated, false))
	}
	return err
}

// Cleanup stops the factory and releases everything it holds: every
// adapter, the registry, the pools and the statistics. The factory can be
// initialized again afterward.
func (c *Coordinator) Cleanup(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	deactivated, _, stopErr := c.stop(ctx)
	_, cleanupErr := c.CleanupAllAdapters(ctx)

	c.registry.Reset()
	c.mu.Lock()
	c.pools = make(map[string]*platformPool)
	c.stats = types.FactoryStats{}
	c.status = statusNew
	c.mu.Unlock()
	if c.breakers != nil {
		c.breakers.ResetAll()
	}

	c.logger.Info("adapter factory released")
	c.publish(event.NewFactoryStoppedEvent(c.factoryID, deactivated, true))
	return multierr.Append(stopErr, cleanupErr)
}

func (c *Coordinator) stop(ctx context.Context) (int, bool, error) {
	c.mu.Lock()
	if c.status != statusRunning {
		c.mu.Unlock()
		return 0, false, nil
	}
	c.status = statusStopped
	close(c.stopCh)
	subs := c.subs
	c.subs = nil
	cancel := c.bgCancel
	c.mu.Unlock()

	for _, id := range subs {
		c.bus.Unsubscribe(id)
	}
	// Reactions and maintenance run on bgCtx; canceling it first lets
	// adapter calls blocked inside them return.
	cancel()
	var errs error
	if err := waitGroup(ctx, &c.reactWG); err != nil {
		errs = multierr.Append(errs, c.stopTimeout("event reactions", err))
	}
	if err := waitGroup(ctx, &c.bgWG); err != nil {
		errs = multierr.Append(errs, c.stopTimeout("background maintenance", err))
	}
	interrupted := errs != nil

	c.mu.Lock()
	var active []*Instance
	for _, pid := range sortedKeys(c.pools) {
		active = append(active, c.activeLocked(c.pools[pid])...)
	}
	c.mu.Unlock()

	deactivated := 0
	for _, inst := range active {
		// A reaction that outlived ctx may still hold the instance.
		if interrupted {
			if !inst.opMu.TryLock() {
				errs = multierr.Append(errs, errors.Newf(errors.ErrCodeOperationTimeout,
					"adapter %s still busy at stop", inst.id).WithComponent(componentName).WithOperation("stop"))
				continue
			}
			inst.opMu.Unlock()
		}
		if inst.State() == types.StateActive {
			if err := inst.Deactivate(ctx); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			deactivated++
			continue
		}
		if _, err := c.retire(ctx, inst); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	c.logger.Info("adapter factory stopped", map[string]interface{}{
		"deactivated": deactivated,
	})
	return deactivated, true, errs
}

func (c *Coordinator) startBackground(ctx context.Context) {
	c.mu.Lock()
	stopCh := c.stopCh
	c.mu.Unlock()

	if c.pool.HealthCheckInterval > 0 {
		c.bgWG.Add(1)
		go c.loop(ctx, "health-check", c.pool.HealthCheckInterval, stopCh, func(ctx context.Context) error {
			c.PerformHealthCheck(ctx)
			return nil
		})
	}
	if c.pool.CleanupInterval > 0 {
		c.bgWG.Add(1)
		go c.loop(ctx, "resource-cleanup", c.pool.CleanupInterval, stopCh, func(ctx context.Context) error {
			_, err := c.PerformResourceCleanup(ctx)
			return err
		})
	}
}

func (c *Coordinator) loop(ctx context.Context, name string, interval time.Duration, stopCh <-chan struct{}, task func(context.Context) error) {
	defer c.bgWG.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			c.runBackground(ctx, name, task)
		}
	}
}

// runBackground runs one background task, containing panics and errors.
func (c *Coordinator) runBackground(ctx context.Context, name string, task func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			c.countBackgroundError(name, fmt.Errorf("panic: %v", r), string(debug.Stack()))
		}
	}()
	if err := task(ctx); err != nil {
		c.countBackgroundError(name, err, "")
	}
}

func (c *Coordinator) countBackgroundError(task string, err error, stack string) {
	c.mu.Lock()
	c.stats.BackgroundErrors++
	c.mu.Unlock()
	c.recorder.RecordError("factory", metrics.ErrorKindBackground)

	fields := map[string]interface{}{
		"task":           task,
		utils.FieldError: err.Error(),
	}
	if stack != "" {
		fields["stack"] = stack
	}
	c.logger.Error("background task failed", fields)
}

func (c *Coordinator) countCreationError(platformID string) {
	c.mu.Lock()
	c.stats.CreationErrors++
	c.mu.Unlock()
	c.recorder.RecordError(platformID, metrics.ErrorKindCreation)
}

func (c *Coordinator) recordLifecycleError(i *Instance, op string, err *errors.FactoryError) {
	c.mu.Lock()
	c.stats.LifecycleErrors++
	c.mu.Unlock()
	c.recorder.RecordError(i.platformID, metrics.ErrorKindLifecycle)

	c.logger.WithAdapter(i.platformID, i.id).Warn("adapter lifecycle error", err.LogFields())
	c.publish(event.NewLifecycleErrorEvent(i.platformID, i.id, op, err))
}

// setStateLocked records a transition and keeps the platform counters current.
func (c *Coordinator) setStateLocked(i *Instance, to types.AdapterState) {
	from := i.state
	i.state = to
	if pool := c.pools[i.platformID]; pool != nil {
		pool.onStateChange(from, to)
	}
}

// isHealthyLocked decides whether an instance may stay pooled.
func (c *Coordinator) isHealthyLocked(i *Instance, health types.HealthStatus) bool {
	return health.IsHealthy &&
		health.ErrorCount < unhealthyErrorThreshold &&
		i.errorCount < unhealthyErrorThreshold &&
		i.state != types.StateError
}

func unhealthyReason(i *Instance, health types.HealthStatus) string {
	switch {
	case i.state == types.StateError:
		return "adapter in error state"
	case !health.IsHealthy:
		return "adapter reported unhealthy"
	case health.ErrorCount >= unhealthyErrorThreshold:
		return fmt.Sprintf("adapter reported %d errors", health.ErrorCount)
	default:
		return fmt.Sprintf("%d recorded failures", i.errorCount)
	}
}

// probe asks the adapter for its self report. A panicking probe counts as unhealthy.
func (c *Coordinator) probe(ctx context.Context, i *Instance) (health types.HealthStatus) {
	defer func() {
		if r := recover(); r != nil {
			health = types.HealthStatus{
				IsHealthy:  false,
				ErrorCount: 1,
				Details:    map[string]interface{}{"panic": fmt.Sprint(r)},
			}
		}
	}()
	return i.adapter.HealthStatus(ctx)
}

func (c *Coordinator) expiredLocked(i *Instance, now time.Time) bool {
	return c.pool.MaxIdleTime > 0 && now.Sub(i.lastActivity) > c.pool.MaxIdleTime
}

func (c *Coordinator) adapterEvent(eventType string, i *Instance, state types.AdapterState, d time.Duration) event.AdapterEvent {
	return event.NewAdapterEvent(eventType, i.platformID, i.id, i.factoryID, state, d)
}

func (c *Coordinator) publish(e event.Event) {
	c.bus.Publish(e)
}

func (c *Coordinator) syncGauges(platformID string) {
	c.mu.Lock()
	pool := c.pools[platformID]
	if pool == nil {
		c.mu.Unlock()
		return
	}
	active, idle := len(pool.active), len(pool.available)
	c.mu.Unlock()
	c.recorder.SetPoolSize(platformID, active, idle)
}

func (c *Coordinator) now() time.Time {
	return c.clock()
}

// verifyPools checks the ownership invariants of every pool.
func (c *Coordinator) verifyPools() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range sortedKeys(c.pools) {
		if err := c.pools[id].verify(c.instances); err != nil {
			return err
		}
	}
	for id, inst := range c.instances {
		if inst.state == types.StateCleaned {
			return fmt.Errorf("cleaned instance %s still in arena", id)
		}
		if !inst.finalizing && inst.loc == locDetached {
			return fmt.Errorf("instance %s is owned by no pool", id)
		}
	}
	return nil
}

func sortedKeys(pools map[string]*platformPool) []string {
	keys := make([]string, 0, len(pools))
	for k := range pools {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
