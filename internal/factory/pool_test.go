package factory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfsync/adapterfactory/pkg/types"
)

func poolFixture() (*platformPool, map[string]*Instance) {
	p := newPlatformPool("READMOO", 2)
	arena := map[string]*Instance{
		"a": {id: "a", platformID: "READMOO", state: types.StateActive},
		"b": {id: "b", platformID: "READMOO", state: types.StateInactive},
		"c": {id: "c", platformID: "READMOO", state: types.StateInactive},
	}
	p.addActive(arena["a"])
	p.pushAvailable(arena["b"])
	p.pushAvailable(arena["c"])
	return p, arena
}

func TestPoolMoves(t *testing.T) {
	p, arena := poolFixture()
	require.NoError(t, p.verify(arena))
	assert.Equal(t, 3, p.currentSize())
	assert.Equal(t, []string{"b", "c"}, p.available)

	p.detach(arena["b"])
	assert.Equal(t, locDetached, arena["b"].loc)
	assert.Equal(t, []string{"c"}, p.available)
	assert.Equal(t, 1, p.health.IdleInstances)

	p.addActive(arena["b"])
	require.NoError(t, p.verify(arena))

	snap := p.snapshot()
	assert.Equal(t, []string{"a", "b"}, snap.ActiveIDs)
	assert.Equal(t, []string{"c"}, snap.AvailableIDs)
	assert.Equal(t, 3, snap.CurrentSize)
}

func TestPoolRejectsDoubleOwnership(t *testing.T) {
	p, arena := poolFixture()
	assert.Panics(t, func() { p.addActive(arena["b"]) })
	assert.Panics(t, func() { p.pushAvailable(arena["a"]) })
}

func TestPoolVerifyDetectsCorruption(t *testing.T) {
	t.Run("id in both collections", func(t *testing.T) {
		p, arena := poolFixture()
		p.active["b"] = struct{}{}
		assert.Error(t, p.verify(arena))
	})
	t.Run("missing from arena", func(t *testing.T) {
		p, arena := poolFixture()
		delete(arena, "c")
		assert.Error(t, p.verify(arena))
	})
	t.Run("cleaned instance pooled", func(t *testing.T) {
		p, arena := poolFixture()
		arena["c"].state = types.StateCleaned
		assert.Error(t, p.verify(arena))
	})
	t.Run("over capacity", func(t *testing.T) {
		p, arena := poolFixture()
		arena["d"] = &Instance{id: "d", platformID: "READMOO", state: types.StateInactive}
		p.pushAvailable(arena["d"])
		assert.Error(t, p.verify(arena))
	})
}

func TestPoolHealthCounters(t *testing.T) {
	p := newPlatformPool("KINDLE", 1)
	p.onStateChange(types.StateInitialized, types.StateActive)
	p.onStateChange(types.StateActive, types.StateError)
	assert.Equal(t, 0, p.health.ActiveInstances)
	assert.Equal(t, 1, p.health.ErrorInstances)

	p.onStateChange(types.StateError, types.StateCleaned)
	assert.Equal(t, 0, p.health.ErrorInstances)
}
