package plugins

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/evermind-ai/backend/internal/bus"
	"github.com/evermind-ai/backend/internal/circuitbreaker"
	"github.com/evermind-ai/backend/internal/faults"
	"github.com/evermind-ai/backend/internal/metrics"
	"github.com/evermind-ai/backend/internal/pipeline"
	"github.com/evermind-ai/backend/internal/streaming"
)

// Routing is the terminal request stage. Unary routes dispatch the decoded
// payload over the bus behind a per-subject circuit breaker; streaming
// routes start their producer and hand the stream back to the adapter.
type Routing struct {
	bus      *bus.Bus
	breakers *circuitbreaker.Manager
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewRouting creates the routing stage. mets may be nil; exchanges then go
// uncounted.
func NewRouting(b *bus.Bus, breakers *circuitbreaker.Manager, mets *metrics.Metrics) *Routing {
	if breakers == nil {
		breakers = circuitbreaker.NewManager(nil)
	}
	return &Routing{
		bus:      b,
		breakers: breakers,
		metrics:  mets,
		logger:   slog.Default().With("component", "routing"),
	}
}

func (p *Routing) Meta() pipeline.Metadata {
	return pipeline.Metadata{
		Name:        "routing",
		Priority:    pipeline.PriorityRouting,
		Description: "bus dispatch and stream producer launch",
	}
}

func (p *Routing) OnRequest(c *pipeline.Context) error {
	if c.Route == nil {
		return faults.Internal("no route resolved").WithCorrelation(c.CorrelationID)
	}

	if c.Route.Producer != nil {
		return p.startStream(c)
	}
	return p.dispatch(c)
}

func (p *Routing) OnResponse(c *pipeline.Context) error { return nil }

// dispatch performs one request/reply exchange. GET routes retry once on
// timeout or unavailability; anything else is not assumed idempotent.
func (p *Routing) dispatch(c *pipeline.Context) error {
	out, err := p.requestOnce(c)
	if err != nil && c.Method == http.MethodGet && retriable(err) {
		p.logger.Debug("retrying idempotent dispatch",
			"subject", c.Route.Subject, "correlation_id", c.CorrelationID)
		out, err = p.requestOnce(c)
	}
	if err != nil {
		return p.classify(c, err)
	}

	c.Response = &pipeline.Response{Status: http.StatusOK, Body: out}
	return nil
}

func (p *Routing) requestOnce(c *pipeline.Context) ([]byte, error) {
	var out []byte
	err := p.breakers.Get(c.Route.Subject).Execute(func() error {
		reply, rerr := p.bus.Request(c.Context(), c.Route.Subject, c.Payload, c.Route.Timeout)
		if rerr != nil {
			return rerr
		}
		out = reply
		return nil
	})

	if p.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			if errors.Is(err, bus.ErrTimeout) {
				p.metrics.BusTimeouts.Inc()
			}
		}
		p.metrics.BusRequests.WithLabelValues(c.Route.Subject, outcome).Inc()
	}
	return out, err
}

func (p *Routing) classify(c *pipeline.Context, err error) error {
	subject := c.Route.Subject
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		return faults.UpstreamUnavailable(subject).WithCause(err)
	case errors.Is(err, bus.ErrNoResponders):
		return faults.UpstreamUnavailable(subject).WithCause(err)
	case errors.Is(err, bus.ErrTimeout):
		return faults.UpstreamTimeout(subject).WithCause(err)
	default:
		return faults.From(err).WithCorrelation(c.CorrelationID)
	}
}

func retriable(err error) bool {
	return errors.Is(err, bus.ErrTimeout) || errors.Is(err, bus.ErrNoResponders)
}

// startStream launches the route's producer on its own goroutine. The
// adapter pumps frames from c.Stream through the engine; the producer owns
// completion.
func (p *Routing) startStream(c *pipeline.Context) error {
	st := streaming.NewStream(c.Context())
	c.Stream = st

	producer := c.Route.Producer
	go func() {
		if err := producer(c, st); err != nil {
			if ferr := st.Fail(faults.From(err)); ferr != nil && !errors.Is(ferr, streaming.ErrStreamComplete) {
				p.logger.Warn("stream producer failed after completion",
					"path", c.Path, "correlation_id", c.CorrelationID, "error", err)
			}
			return
		}
		if err := st.Complete(); err != nil && !errors.Is(err, streaming.ErrStreamComplete) {
			p.logger.Debug("stream completion dropped", "path", c.Path, "error", err)
		}
	}()
	return nil
}
