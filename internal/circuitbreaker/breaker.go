// Package circuitbreaker guards bus dispatch against handlers that are
// failing or gone. Each subject gets its own breaker; an open breaker
// fails requests fast instead of queueing work for a dead handler.
package circuitbreaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State is the breaker state.
type State int

const (
	StateClosed   State = iota // requests pass through
	StateOpen                  // tripped, requests rejected
	StateHalfOpen              // probing for recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	ErrOpen            = errors.New("circuit breaker open")
	ErrTooManyRequests = errors.New("too many probe requests in half-open state")
)

// Config tunes a breaker.
type Config struct {
	Name string

	// MaxRequests caps concurrent probes in half-open state.
	MaxRequests uint32
	// Interval clears the closed-state counts periodically so old
	// failures age out. Zero keeps counts forever.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration

	// ReadyToTrip decides, from the current counts, whether a failure
	// in closed state trips the breaker.
	ReadyToTrip func(counts Counts) bool

	// OnStateChange observes transitions.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig trips after 5 consecutive failures and probes after 30s.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to State) {
			slog.Warn("circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	}
}

// Counts tracks request outcomes within the current generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) clear() { *c = Counts{} }

func (c *Counts) onSuccess() {
	c.Requests++
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.Requests++
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// FailureRatio returns failures over requests for this generation.
func (c Counts) FailureRatio() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.TotalFailures) / float64(c.Requests)
}

// Breaker is a single circuit breaker. Results from a previous
// generation (stale in-flight requests across a state change) are
// ignored.
type Breaker struct {
	cfg *Config

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

// New creates a breaker; a nil config gets DefaultConfig.
func New(cfg *Config) *Breaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	if cfg.ReadyToTrip == nil {
		cfg.ReadyToTrip = DefaultConfig(cfg.Name).ReadyToTrip
	}
	return &Breaker{cfg: cfg, state: StateClosed}
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.cfg.Name }

// State returns the current state, advancing open->half-open on expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState(time.Now())
	return state
}

// Counts returns a copy of the current generation's counts.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Execute runs fn if the breaker allows it and records the outcome.
func (b *Breaker) Execute(fn func() error) error {
	generation, err := b.before()
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			b.after(generation, false)
			panic(r)
		}
	}()
	err = fn()
	b.after(generation, err == nil)
	return err
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)

	if state == StateOpen {
		return generation, ErrOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= b.cfg.MaxRequests {
		return generation, ErrTooManyRequests
	}
	b.counts.Requests++
	return generation, nil
}

func (b *Breaker) after(generation uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, current := b.currentState(now)
	if generation != current {
		return
	}

	if success {
		b.counts.onSuccess()
		if state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.cfg.MaxRequests {
			b.setState(StateClosed, now)
		}
		return
	}

	switch state {
	case StateClosed:
		b.counts.onFailure()
		if b.cfg.ReadyToTrip(b.counts) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.counts.onFailure()
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.newGeneration(now)
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, prev, state)
	}
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.counts.clear()
	switch b.state {
	case StateClosed:
		if b.cfg.Interval > 0 {
			b.expiry = now.Add(b.cfg.Interval)
		} else {
			b.expiry = time.Time{}
		}
	case StateOpen:
		b.expiry = now.Add(b.cfg.Timeout)
	default:
		b.expiry = time.Time{}
	}
}

// Manager hands out one breaker per name, lazily.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      *Config
}

// NewManager creates a manager; new breakers copy defaultCfg.
func NewManager(defaultCfg *Config) *Manager {
	if defaultCfg == nil {
		defaultCfg = DefaultConfig("")
	}
	return &Manager{breakers: make(map[string]*Breaker), cfg: defaultCfg}
}

// Get returns the breaker for name, creating it on first use.
func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[name]; ok {
		return b
	}
	cfg := *m.cfg
	cfg.Name = name
	b = New(&cfg)
	m.breakers[name] = b
	return b
}

// Stats snapshots every breaker's state and counts.
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Stats, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = Stats{Name: name, State: b.State(), Counts: b.Counts()}
	}
	return out
}

// Stats is a point-in-time view of one breaker.
type Stats struct {
	Name   string
	State  State
	Counts Counts
}
