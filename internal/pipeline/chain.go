package pipeline

import (
	"log/slog"
	"sort"

	"github.com/evermind-ai/backend/internal/faults"
)

// Metadata describes a plugin. Priority defines the total order (lower runs
// earlier on the request side); ties break by name.
type Metadata struct {
	Name        string
	Priority    int
	Description string
}

// Plugin is one stage of the request/response pipeline. OnRequest runs in
// ascending priority; OnResponse runs in descending priority. A plugin may
// short-circuit via ctx.ShortCircuit; returning an error aborts the
// request side with a classified fault.
type Plugin interface {
	Meta() Metadata
	OnRequest(*Context) error
	OnResponse(*Context) error
}

// Default plugin priorities.
const (
	PriorityEncryption = 10
	PriorityAuth       = 20
	PriorityRateLimit  = 30
	PriorityValidation = 40
	PriorityRouting    = 90
)

// Chain holds the priority-sorted plugin set. The order is fixed at Build;
// the chain never reorders at runtime.
type Chain struct {
	plugins []Plugin
	built   bool
	logger  *slog.Logger
}

// NewChain creates an empty chain.
func NewChain() *Chain {
	return &Chain{logger: slog.Default().With("component", "pipeline")}
}

// Register adds a plugin. Registration order is irrelevant; Build sorts.
func (ch *Chain) Register(p Plugin) {
	ch.plugins = append(ch.plugins, p)
	ch.built = false
}

// Build sorts plugins by (priority, name).
func (ch *Chain) Build() {
	sort.SliceStable(ch.plugins, func(i, j int) bool {
		mi, mj := ch.plugins[i].Meta(), ch.plugins[j].Meta()
		if mi.Priority != mj.Priority {
			return mi.Priority < mj.Priority
		}
		return mi.Name < mj.Name
	})
	ch.built = true
}

// Plugins returns the ordered plugin set (for introspection and tests).
func (ch *Chain) Plugins() []Plugin {
	if !ch.built {
		ch.Build()
	}
	return ch.plugins
}

// Run drives ctx through the chain. The request side executes in ascending
// priority until completion, a short-circuit, an error, or cancellation.
// The response side then runs in descending priority over every plugin
// whose OnRequest executed, even when the request side failed, so stages
// like encryption can still wrap what there is to wrap.
//
// The returned fault is nil on success; adapters translate it to wire codes.
func (ch *Chain) Run(c *Context) *faults.Fault {
	if !ch.built {
		ch.Build()
	}

	var fault *faults.Fault
	executed := 0

	for _, p := range ch.plugins {
		if err := c.Context().Err(); err != nil {
			fault = faults.Internal("request cancelled").WithCause(err).WithCorrelation(c.CorrelationID)
			break
		}

		if err := p.OnRequest(c); err != nil {
			fault = faults.From(err).WithCorrelation(c.CorrelationID)
			ch.logger.Warn("plugin rejected request",
				"plugin", p.Meta().Name,
				"correlation_id", c.CorrelationID,
				"code", fault.Code)
			executed++
			break
		}
		executed++

		if c.shortCircuited {
			break
		}
	}

	for i := executed - 1; i >= 0; i-- {
		if err := ch.plugins[i].OnResponse(c); err != nil {
			// A response-side failure outranks whatever happened before it:
			// the client must not receive a half-processed reply.
			fault = faults.From(err).WithCorrelation(c.CorrelationID)
			ch.logger.Warn("plugin rejected response",
				"plugin", ch.plugins[i].Meta().Name,
				"correlation_id", c.CorrelationID,
				"code", fault.Code)
		}
	}

	return fault
}
