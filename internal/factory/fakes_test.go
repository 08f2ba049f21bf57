package factory

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shelfsync/adapterfactory/internal/event"
	"github.com/shelfsync/adapterfactory/internal/platform"
	"github.com/shelfsync/adapterfactory/pkg/types"
)

var errBoom = errors.New("boom")

type fakeAdapter struct {
	platform string
	cfg      map[string]interface{}

	mu             sync.Mutex
	healthy        bool
	reportedErrors uint
	failInit       error
	failActivate   error
	failDeactivate error
	failCleanup    error
	calls          []string

	// initStarted, when set, makes Initialize signal it and then block
	// until ctx is done.
	initStarted chan struct{}
	healthDelay  time.Duration
}

func (f *fakeAdapter) Platform() string       { return f.platform }
func (f *fakeAdapter) Capabilities() []string { return []string{"extract", "sync"} }

func (f *fakeAdapter) record(call string, err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return err
}

func (f *fakeAdapter) Initialize(ctx context.Context) error {
	if f.initStarted != nil {
		close(f.initStarted)
		<-ctx.Done()
		return f.record("initialize", ctx.Err())
	}
	return f.record("initialize", f.failInit)
}

func (f *fakeAdapter) Activate(ctx context.Context) error {
	return f.record("activate", f.failActivate)
}

func (f *fakeAdapter) Deactivate(ctx context.Context) error {
	return f.record("deactivate", f.failDeactivate)
}

func (f *fakeAdapter) Cleanup(ctx context.Context) error {
	return f.record("cleanup", f.failCleanup)
}

func (f *fakeAdapter) HealthStatus(ctx context.Context) types.HealthStatus {
	if f.healthDelay > 0 {
		time.Sleep(f.healthDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return types.HealthStatus{IsHealthy: f.healthy, ErrorCount: f.reportedErrors}
}

func (f *fakeAdapter) setHealthy(healthy bool) {
	f.mu.Lock()
	f.healthy = healthy
	f.mu.Unlock()
}

func (f *fakeAdapter) callCount(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type eventLog struct {
	mu     sync.Mutex
	events []event.Event
}

func (l *eventLog) handle(e event.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) ofType(eventType string) []event.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []event.Event
	for _, e := range l.events {
		if e.EventType() == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (l *eventLog) adapterIDs(eventType string) []string {
	var ids []string
	for _, e := range l.ofType(eventType) {
		if ae, ok := e.(event.AdapterEvent); ok {
			ids = append(ids, ae.AdapterID)
		}
	}
	return ids
}

// harness wires a coordinator to fake adapters, a fake clock and an event log.
type harness struct {
	t      *testing.T
	coord  *Coordinator
	bus    *event.Bus
	clock  *fakeClock
	events *eventLog

	mu        sync.Mutex
	built     []*fakeAdapter
	ctorErr   error
	configure func(*fakeAdapter)
}

func testPool() types.PoolConfiguration {
	return types.PoolConfiguration{
		MaxPoolSize:      5,
		MaxIdleTime:      5 * time.Minute,
		EnablePooling:    true,
		MaxRetryAttempts: 3,
	}
}

func newHarness(t *testing.T, pool types.PoolConfiguration, tweak ...func(*Options)) *harness {
	t.Helper()

	h := &harness{
		t:      t,
		bus:    event.NewBus(nil),
		clock:  newFakeClock(),
		events: &eventLog{},
	}
	h.bus.SubscribeAll(h.events.handle)

	catalog := platform.NewStaticCatalog()
	for _, id := range []string{"READMOO", "KINDLE"} {
		require.NoError(t, catalog.Add(platform.Descriptor{
			PlatformID:   id,
			Version:      "1.0.0",
			Capabilities: []string{"extract", "sync"},
			Defaults:     map[string]interface{}{"region": "ap-northeast-1", "timeout": 30},
		}, h.constructor(id)))
	}

	opts := Options{
		Pool:    pool,
		Workers: 4,
		Catalog: catalog,
		Bus:     h.bus,
		Clock:   h.clock.Now,
	}
	for _, fn := range tweak {
		fn(&opts)
	}

	coord, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, coord.Initialize(context.Background()))
	t.Cleanup(func() { _ = coord.Stop(context.Background()) })
	h.coord = coord
	return h
}

func (h *harness) constructor(platformID string) platform.Constructor {
	return func(deps platform.Dependencies, cfg map[string]interface{}) (types.Adapter, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.ctorErr != nil {
			return nil, h.ctorErr
		}
		a := &fakeAdapter{platform: platformID, cfg: cfg, healthy: true}
		if h.configure != nil {
			h.configure(a)
		}
		h.built = append(h.built, a)
		return a, nil
	}
}

func (h *harness) setCtorErr(err error) {
	h.mu.Lock()
	h.ctorErr = err
	h.mu.Unlock()
}

func (h *harness) builtCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.built)
}

func (h *harness) acquire(platformID string) *Instance {
	h.t.Helper()
	inst, err := h.coord.Acquire(context.Background(), platformID, CreateOptions{})
	require.NoError(h.t, err)
	return inst
}

func (h *harness) release(inst *Instance) {
	h.t.Helper()
	require.NoError(h.t, h.coord.Release(context.Background(), inst))
}

func (h *harness) verify() {
	h.t.Helper()
	require.NoError(h.t, h.coord.verifyPools())
}

// syncBuffer collects log output written from background goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func fake(inst *Instance) *fakeAdapter {
	return inst.Adapter().(*fakeAdapter)
}
