// Package circuit suspends adapter construction for a platform whose
// constructor keeps failing.
package circuit

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// State is the admission state of a breaker.
type State int

const (
	// StateClosed admits every construction.
	StateClosed State = iota
	// StateOpen rejects constructions until OpenTimeout has passed.
	StateOpen
	// StateHalfOpen admits HalfOpenMaxRequests trial constructions.
	StateHalfOpen
)

var stateNames = map[State]string{
	StateClosed:   "CLOSED",
	StateOpen:     "OPEN",
	StateHalfOpen: "HALF_OPEN",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	// ErrOpenState rejects a construction while the breaker is open.
	ErrOpenState = errors.New("circuit breaker is open")
	// ErrTooManyRequests rejects a construction once the half-open trial
	// slots are taken.
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config is shared by every breaker of a Manager.
type Config struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold    uint32        `yaml:"failure_threshold"`
	OpenTimeout         time.Duration `yaml:"open_timeout"`
	HalfOpenMaxRequests uint32        `yaml:"half_open_max_requests"`

	// OnStateChange runs under the breaker's lock; it must not call back
	// into the breaker.
	OnStateChange func(platformID string, from, to State) `yaml:"-"`
	Now           func() time.Time                        `yaml:"-"`
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxRequests == 0 {
		c.HalfOpenMaxRequests = 1
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Counts are the construction outcomes seen since the breaker last closed.
type Counts struct {
	Requests            uint32    `json:"requests"`
	TotalSuccesses      uint32    `json:"total_successes"`
	TotalFailures       uint32    `json:"total_failures"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	LastActivity        time.Time `json:"last_activity"`
}

// Breaker guards one platform's constructor.
type Breaker struct {
	platformID string
	cfg        Config

	mu        sync.Mutex
	state     State
	counts    Counts
	reopensAt time.Time
	trials    uint32
}

// NewBreaker returns a closed breaker for platformID.
func NewBreaker(platformID string, cfg Config) *Breaker {
	return &Breaker{platformID: platformID, cfg: cfg.withDefaults()}
}

// Name is the platform the breaker guards.
func (b *Breaker) Name() string { return b.platformID }

// Allow admits one construction. Each nil return must be followed by
// exactly one Record.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Now()
	switch b.advance(now) {
	case StateOpen:
		return ErrOpenState
	case StateHalfOpen:
		if b.trials >= b.cfg.HalfOpenMaxRequests {
			return ErrTooManyRequests
		}
	}
	b.trials++
	b.counts.Requests++
	b.counts.LastActivity = now
	return nil
}

// Record reports the outcome of a construction admitted by Allow. A
// success closes a half-open breaker, a failure reopens it.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Now()
	state := b.advance(now)
	if b.trials > 0 {
		b.trials--
	}

	if err == nil {
		b.counts.TotalSuccesses++
		b.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen {
			b.transition(StateClosed, now)
		}
		return
	}

	b.counts.TotalFailures++
	b.counts.ConsecutiveFailures++
	if state == StateHalfOpen || b.counts.ConsecutiveFailures >= b.cfg.FailureThreshold {
		b.transition(StateOpen, now)
	}
}

// State returns the current state, moving an expired open breaker to half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.advance(b.cfg.Now())
}

// Counts returns a copy of the current counts.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset closes the breaker and forgets its history.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trials = 0
	b.transition(StateClosed, b.cfg.Now())
	b.counts = Counts{}
}

// advance applies the open timeout. Callers hold b.mu.
func (b *Breaker) advance(now time.Time) State {
	if b.state == StateOpen && !now.Before(b.reopensAt) {
		b.transition(StateHalfOpen, now)
	}
	return b.state
}

// transition callers hold b.mu.
func (b *Breaker) transition(to State, now time.Time) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.reopensAt = time.Time{}
	switch to {
	case StateClosed:
		b.counts = Counts{}
	case StateOpen:
		b.reopensAt = now.Add(b.cfg.OpenTimeout)
	case StateHalfOpen:
		b.trials = 0
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.platformID, from, to)
	}
}

// Stats describes one breaker for status output.
type Stats struct {
	Name   string `json:"name"`
	State  State  `json:"state"`
	Counts Counts `json:"counts"`
}

// Manager creates breakers lazily, one per platform.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewManager returns a Manager whose breakers all use cfg.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Breaker returns the breaker for platformID, creating it on first use.
func (m *Manager) Breaker(platformID string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[platformID]
	if !ok {
		b = NewBreaker(platformID, m.cfg)
		m.breakers[platformID] = b
	}
	return b
}

func (m *Manager) all() []*Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].platformID < out[j].platformID })
	return out
}

// ResetAll closes every breaker.
func (m *Manager) ResetAll() {
	for _, b := range m.all() {
		b.Reset()
	}
}

// GetStats returns every breaker's state and counts, sorted by platform.
func (m *Manager) GetStats() []Stats {
	breakers := m.all()
	stats := make([]Stats, len(breakers))
	for i, b := range breakers {
		stats[i] = Stats{Name: b.Name(), State: b.State(), Counts: b.Counts()}
	}
	return stats
}
