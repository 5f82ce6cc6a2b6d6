// Package container owns the gateway's long-lived services. Services are
// registered by name with a factory, a dependency list, and a priority; the
// container starts them in topological order (priority breaks ties), stops
// them in reverse, and aggregates their health.
package container

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// State tracks a service through its lifecycle.
type State string

const (
	StateRegistered   State = "REGISTERED"
	StateInitializing State = "INITIALIZING"
	StateRunning      State = "RUNNING"
	StateStopping     State = "STOPPING"
	StateStopped      State = "STOPPED"
	StateFailed       State = "FAILED"
)

// Health is one service's structured status.
type Health struct {
	Name    string            `json:"name"`
	State   State             `json:"state"`
	Healthy bool              `json:"healthy"`
	Detail  map[string]string `json:"detail,omitempty"`
}

// Service is the contract every managed component implements. Initialize
// acquires resources, Start begins serving, Stop drains and releases.
type Service interface {
	Name() string
	Initialize(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	HealthCheck() Health
}

// Factory constructs a service at start time, once its dependencies exist.
type Factory func(c *Container) (Service, error)

type registration struct {
	name     string
	factory  Factory
	deps     []string
	priority int
}

type entry struct {
	reg     registration
	service Service
	state   State
}

// Container is the service registry and lifecycle driver.
type Container struct {
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string // start order, valid after StartAll
	started bool
}

// New creates an empty container.
func New() *Container {
	return &Container{
		logger:  slog.Default().With("component", "container"),
		entries: make(map[string]*entry),
	}
}

// Register adds a service definition. Duplicate names and registration
// after start are programming errors.
func (c *Container) Register(name string, factory Factory, deps []string, priority int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return fmt.Errorf("container: cannot register %q after start", name)
	}
	if _, dup := c.entries[name]; dup {
		return fmt.Errorf("container: service %q already registered", name)
	}
	c.entries[name] = &entry{
		reg:   registration{name: name, factory: factory, deps: deps, priority: priority},
		state: StateRegistered,
	}
	return nil
}

// Get returns a started service by name. Factories use it to reach their
// dependencies, which the start order guarantees already exist.
func (c *Container) Get(name string) (Service, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	if !ok || e.service == nil {
		return nil, false
	}
	return e.service, true
}

// MustGet is Get for wiring paths where absence is a bug.
func (c *Container) MustGet(name string) Service {
	s, ok := c.Get(name)
	if !ok {
		panic(fmt.Sprintf("container: service %q not available", name))
	}
	return s
}

// StartAll resolves the dependency order and brings every service up.
// Any failure aborts startup with the offending service named; services
// already running are stopped again in reverse.
func (c *Container) StartAll(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("container: already started")
	}
	order, err := c.resolveOrder()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.order = order
	c.started = true
	c.mu.Unlock()

	for i, name := range order {
		if err := c.startOne(ctx, name); err != nil {
			c.stopStarted(ctx, order[:i])
			return fmt.Errorf("container: service %q failed to start: %w", name, err)
		}
	}
	c.logger.Info("all services running", "count", len(order))
	return nil
}

func (c *Container) startOne(ctx context.Context, name string) error {
	c.mu.Lock()
	e := c.entries[name]
	e.state = StateInitializing
	c.mu.Unlock()

	svc, err := e.reg.factory(c)
	if err != nil {
		c.setState(name, StateFailed)
		return err
	}
	if err := svc.Initialize(ctx); err != nil {
		c.setState(name, StateFailed)
		return err
	}
	if err := svc.Start(ctx); err != nil {
		c.setState(name, StateFailed)
		return err
	}

	c.mu.Lock()
	e.service = svc
	e.state = StateRunning
	c.mu.Unlock()

	c.logger.Info("service started", "service", name)
	return nil
}

// StopAll stops every running service in reverse start order. Stop errors
// are logged, not propagated: shutdown keeps going.
func (c *Container) StopAll(ctx context.Context) {
	c.mu.RLock()
	order := append([]string(nil), c.order...)
	c.mu.RUnlock()
	c.stopStarted(ctx, order)
}

func (c *Container) stopStarted(ctx context.Context, order []string) {
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		c.mu.Lock()
		e := c.entries[name]
		if e.state != StateRunning {
			c.mu.Unlock()
			continue
		}
		e.state = StateStopping
		svc := e.service
		c.mu.Unlock()

		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := svc.Stop(stopCtx); err != nil {
			c.logger.Error("service stop failed", "service", name, "error", err)
			c.setState(name, StateFailed)
		} else {
			c.setState(name, StateStopped)
			c.logger.Info("service stopped", "service", name)
		}
		cancel()
	}
}

func (c *Container) setState(name string, s State) {
	c.mu.Lock()
	c.entries[name].state = s
	c.mu.Unlock()
}

// HealthAll aggregates every service's health. The container is healthy
// only when every running service reports healthy.
func (c *Container) HealthAll() (bool, []Health) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)

	overall := true
	out := make([]Health, 0, len(names))
	for _, name := range names {
		e := c.entries[name]
		var h Health
		if e.service != nil && e.state == StateRunning {
			h = e.service.HealthCheck()
			h.Name = name
			h.State = e.state
		} else {
			h = Health{Name: name, State: e.state, Healthy: e.state == StateStopped}
		}
		if !h.Healthy && e.state == StateRunning {
			overall = false
		}
		if e.state == StateFailed {
			overall = false
		}
		out = append(out, h)
	}
	return overall, out
}

// resolveOrder runs Kahn's algorithm over the dependency graph. Among the
// ready set, lower priority starts first; equal priorities tie-break by
// name so the order is deterministic. Cycles and unknown dependencies are
// rejected before anything starts.
func (c *Container) resolveOrder() ([]string, error) {
	indegree := make(map[string]int, len(c.entries))
	dependents := make(map[string][]string, len(c.entries))

	for name, e := range c.entries {
		if _, ok := indegree[name]; !ok {
			indegree[name] = 0
		}
		for _, dep := range e.reg.deps {
			if _, known := c.entries[dep]; !known {
				return nil, fmt.Errorf("container: service %q depends on unknown service %q", name, dep)
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	ready := make([]string, 0, len(indegree))
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}

	less := func(a, b string) bool {
		pa, pb := c.entries[a].reg.priority, c.entries[b].reg.priority
		if pa != pb {
			return pa < pb
		}
		return a < b
	}

	order := make([]string, 0, len(c.entries))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)
		for _, dep := range dependents[next] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) != len(c.entries) {
		cyclic := make([]string, 0)
		for name := range c.entries {
			found := false
			for _, n := range order {
				if n == name {
					found = true
					break
				}
			}
			if !found {
				cyclic = append(cyclic, name)
			}
		}
		sort.Strings(cyclic)
		return nil, fmt.Errorf("container: dependency cycle involving %v", cyclic)
	}
	return order, nil
}
