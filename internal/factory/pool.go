package factory

import (
	"fmt"
	"sort"

	"github.com/shelfsync/adapterfactory/pkg/types"
)

// location tags which pool collection currently owns an instance.
type location int

const (
	locDetached location = iota
	locActive
	locAvailable
)

func (l location) String() string {
	switch l {
	case locActive:
		return "active"
	case locAvailable:
		return "available"
	default:
		return "detached"
	}
}

// platformPool indexes one platform's instances in the coordinator arena.
// All fields are guarded by the coordinator mutex.
type platformPool struct {
	platformID   string
	maxSize      int
	available    []string // oldest-first
	active       map[string]struct{}
	totalCreated int64
	totalReused  int64
	health       types.PlatformHealthState
}

func newPlatformPool(platformID string, maxSize int) *platformPool {
	return &platformPool{
		platformID: platformID,
		maxSize:    maxSize,
		active:     make(map[string]struct{}),
	}
}

func (p *platformPool) currentSize() int {
	return len(p.active) + len(p.available)
}

func (p *platformPool) addActive(inst *Instance) {
	if inst.loc != locDetached {
		panic(fmt.Sprintf("factory: adding %s instance %s to active set", inst.loc, inst.id))
	}
	p.active[inst.id] = struct{}{}
	inst.loc = locActive
}

func (p *platformPool) pushAvailable(inst *Instance) {
	if inst.loc != locDetached {
		panic(fmt.Sprintf("factory: adding %s instance %s to available list", inst.loc, inst.id))
	}
	p.available = append(p.available, inst.id)
	inst.loc = locAvailable
	p.health.IdleInstances = len(p.available)
}

// detach removes inst from whichever collection holds it.
func (p *platformPool) detach(inst *Instance) {
	switch inst.loc {
	case locActive:
		delete(p.active, inst.id)
	case locAvailable:
		for i, id := range p.available {
			if id == inst.id {
				p.available = append(p.available[:i], p.available[i+1:]...)
				break
			}
		}
		p.health.IdleInstances = len(p.available)
	}
	inst.loc = locDetached
}

// onStateChange keeps the incremental health counters in step with a transition.
func (p *platformPool) onStateChange(from, to types.AdapterState) {
	if from == to {
		return
	}
	switch from {
	case types.StateActive:
		p.health.ActiveInstances--
	case types.StateError:
		p.health.ErrorInstances--
	}
	switch to {
	case types.StateActive:
		p.health.ActiveInstances++
	case types.StateError:
		p.health.ErrorInstances++
	}
}

func (p *platformPool) snapshot() types.PoolSnapshot {
	snap := types.PoolSnapshot{
		PlatformID:   p.platformID,
		MaxSize:      p.maxSize,
		CurrentSize:  p.currentSize(),
		ActiveIDs:    make([]string, 0, len(p.active)),
		AvailableIDs: append([]string(nil), p.available...),
		TotalCreated: p.totalCreated,
		TotalReused:  p.totalReused,
	}
	for id := range p.active {
		snap.ActiveIDs = append(snap.ActiveIDs, id)
	}
	sort.Strings(snap.ActiveIDs)
	return snap
}

// verify checks the ownership invariants against the arena.
func (p *platformPool) verify(arena map[string]*Instance) error {
	seen := make(map[string]location, p.currentSize())
	for id := range p.active {
		inst, ok := arena[id]
		if !ok {
			return fmt.Errorf("%s: active id %s missing from arena", p.platformID, id)
		}
		if inst.loc != locActive {
			return fmt.Errorf("%s: active id %s tagged %s", p.platformID, id, inst.loc)
		}
		seen[id] = locActive
	}
	for _, id := range p.available {
		inst, ok := arena[id]
		if !ok {
			return fmt.Errorf("%s: available id %s missing from arena", p.platformID, id)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%s: id %s held by two collections", p.platformID, id)
		}
		if inst.loc != locAvailable {
			return fmt.Errorf("%s: available id %s tagged %s", p.platformID, id, inst.loc)
		}
		if inst.state == types.StateCleaned {
			return fmt.Errorf("%s: cleaned instance %s is pooled", p.platformID, id)
		}
		seen[id] = locAvailable
	}
	if len(p.available) > p.maxSize {
		return fmt.Errorf("%s: %d idle instances exceed max %d", p.platformID, len(p.available), p.maxSize)
	}
	if p.health.IdleInstances != len(p.available) {
		return fmt.Errorf("%s: idle count %d != %d", p.platformID, p.health.IdleInstances, len(p.available))
	}
	return nil
}
