package event

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfsync/adapterfactory/pkg/types"
	"github.com/shelfsync/adapterfactory/pkg/utils"
)

func TestBus_SubscribeAndPublish(t *testing.T) {
	bus := NewBus(nil)

	var received Event
	id := bus.Subscribe(TypeAdapterCreated, func(e Event) {
		received = e
	})
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, bus.SubscriptionCount())

	bus.Publish(NewAdapterEvent(TypeAdapterCreated, "READMOO", "READMOO_adapter_1_a", "f-1", types.StateUninitialized, 0))

	require.NotNil(t, received)
	created, ok := received.(AdapterEvent)
	require.True(t, ok, "expected AdapterEvent, got %T", received)
	assert.Equal(t, "READMOO", created.PlatformID)
	assert.Equal(t, TypeAdapterCreated, created.EventType())
	assert.False(t, created.Timestamp().IsZero())
}

func TestBus_NoMatchingHandlers(t *testing.T) {
	bus := NewBus(nil)
	bus.Subscribe(TypeAdapterCleaned, func(e Event) {
		t.Error("handler should not be called for a different event type")
	})

	bus.Publish(NewFactoryStoppedEvent("f-1", 0, false))
	bus.Publish(nil)
}

func TestBus_WildcardRunsAfterSpecific(t *testing.T) {
	bus := NewBus(nil)

	var order []string
	bus.SubscribeAll(func(e Event) { order = append(order, "all") })
	bus.Subscribe(TypeHealthWarning, func(e Event) { order = append(order, "specific") })

	bus.Publish(NewHealthWarningEvent(nil))

	assert.Equal(t, []string{"specific", "all"}, order)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)

	calls := 0
	id := bus.Subscribe(TypeCleanupCompleted, func(e Event) { calls++ })
	other := bus.Subscribe(TypeCleanupCompleted, func(e Event) { calls += 10 })

	assert.True(t, bus.Unsubscribe(id))
	assert.False(t, bus.Unsubscribe(id), "second unsubscribe must report false")

	bus.Publish(NewCleanupCompletedEvent(NewCleanupRequestedEvent(CleanupAll, "", ""), 0, nil))
	assert.Equal(t, 10, calls)

	assert.True(t, bus.Unsubscribe(other))
	assert.Equal(t, 0, bus.SubscriptionCount())
}

func TestBus_PanicIsRecovered(t *testing.T) {
	var buf bytes.Buffer
	logger, err := utils.NewStructuredLogger(&utils.StructuredLoggerConfig{Level: utils.INFO, Output: &buf})
	require.NoError(t, err)

	bus := NewBus(logger)
	reached := false
	bus.Subscribe(TypeAdapterErrorReported, func(e Event) { panic("boom") })
	bus.Subscribe(TypeAdapterErrorReported, func(e Event) { reached = true })

	assert.NotPanics(t, func() {
		bus.Publish(NewAdapterErrorReportedEvent("KOBO", "id", errors.New("x")))
	})
	assert.True(t, reached, "later handlers still run after a panic")
	assert.Contains(t, buf.String(), "event handler panicked")
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus(nil)

	var mu sync.Mutex
	count := 0
	bus.Subscribe(TypeAdapterActivated, func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(NewAdapterEvent(TypeAdapterActivated, "KOBO", "id", "f", types.StateActive, 0))
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, count)
}

func TestBus_Clear(t *testing.T) {
	bus := NewBus(nil)
	bus.Subscribe("a", func(Event) {})
	bus.SubscribeAll(func(Event) {})
	bus.Clear()
	assert.Equal(t, 0, bus.SubscriptionCount())
}

func TestQueryResponseEventType(t *testing.T) {
	q := NewQueryRequestedEvent(QueryStats, nil, "")
	assert.Equal(t, TypeQueryResponse, NewQueryResponseEvent(q, nil, nil).EventType())

	custom := NewQueryRequestedEvent(QueryStats, nil, "ui.stats.answer")
	resp := NewQueryResponseEvent(custom, 42, nil)
	assert.Equal(t, "ui.stats.answer", resp.EventType())
	assert.Equal(t, 42, resp.Result)
}
