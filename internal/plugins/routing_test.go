package plugins

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evermind-ai/backend/internal/bus"
	"github.com/evermind-ai/backend/internal/circuitbreaker"
	"github.com/evermind-ai/backend/internal/faults"
	"github.com/evermind-ai/backend/internal/metrics"
	"github.com/evermind-ai/backend/internal/pipeline"
	"github.com/evermind-ai/backend/internal/streaming"
)

func routingContext(t *testing.T, route *pipeline.Route) *pipeline.Context {
	t.Helper()
	c := pipeline.NewContext(context.Background(), pipeline.TransportREST, route.Method, route.Path, time.Minute)
	t.Cleanup(c.Cancel)
	c.Route = route
	return c
}

func TestRoutingDispatchesOverBus(t *testing.T) {
	b := bus.New()
	defer b.Close()
	require.NoError(t, b.Handle("gateway.echo", func(_ context.Context, msg *bus.Message) ([]byte, error) {
		return msg.Payload, nil
	}))

	p := NewRouting(b, nil, nil)
	c := routingContext(t, &pipeline.Route{Method: http.MethodPost, Path: "/echo", Subject: "gateway.echo", Timeout: time.Second})
	c.Payload = []byte(`{"ping":1}`)

	require.NoError(t, p.OnRequest(c))
	require.NotNil(t, c.Response)
	assert.Equal(t, http.StatusOK, c.Response.Status)
	assert.JSONEq(t, `{"ping":1}`, string(c.Response.Body))
}

func TestRoutingNoResponders(t *testing.T) {
	b := bus.New()
	defer b.Close()

	p := NewRouting(b, nil, nil)
	c := routingContext(t, &pipeline.Route{Method: http.MethodPost, Path: "/x", Subject: "nobody.home", Timeout: 50 * time.Millisecond})

	err := p.OnRequest(c)
	require.Error(t, err)
	assert.Equal(t, "upstream/unavailable", faults.From(err).Code)
}

func TestRoutingTimeout(t *testing.T) {
	b := bus.New()
	defer b.Close()
	require.NoError(t, b.Handle("tarpit", func(ctx context.Context, _ *bus.Message) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	p := NewRouting(b, nil, nil)
	c := routingContext(t, &pipeline.Route{Method: http.MethodPost, Path: "/x", Subject: "tarpit", Timeout: 50 * time.Millisecond})

	err := p.OnRequest(c)
	require.Error(t, err)
	assert.Equal(t, "upstream/timeout", faults.From(err).Code)
}

func TestRoutingGetRetriesOnce(t *testing.T) {
	b := bus.New()
	defer b.Close()

	var calls int
	require.NoError(t, b.Handle("flaky.read", func(ctx context.Context, _ *bus.Message) ([]byte, error) {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return []byte(`{"ok":true}`), nil
	}))

	p := NewRouting(b, nil, nil)
	c := routingContext(t, &pipeline.Route{Method: http.MethodGet, Path: "/x", Subject: "flaky.read", Timeout: 100 * time.Millisecond})

	// The first attempt times out; being a GET it retries exactly once and
	// the second attempt succeeds.
	require.NoError(t, p.OnRequest(c))
	require.NotNil(t, c.Response)
	assert.JSONEq(t, `{"ok":true}`, string(c.Response.Body))
	assert.Equal(t, 2, calls)
}

func TestRoutingPostDoesNotRetry(t *testing.T) {
	b := bus.New()
	defer b.Close()

	var calls int
	require.NoError(t, b.Handle("orders.create", func(ctx context.Context, _ *bus.Message) ([]byte, error) {
		calls++
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	p := NewRouting(b, nil, nil)
	c := routingContext(t, &pipeline.Route{Method: http.MethodPost, Path: "/x", Subject: "orders.create", Timeout: 50 * time.Millisecond})

	require.Error(t, p.OnRequest(c))
	assert.Equal(t, 1, calls)
}

func TestRoutingFaultPropagatesFromHandler(t *testing.T) {
	b := bus.New()
	defer b.Close()
	require.NoError(t, b.Handle("users.authenticate", func(context.Context, *bus.Message) ([]byte, error) {
		return nil, faults.AuthInvalid()
	}))

	p := NewRouting(b, nil, nil)
	c := routingContext(t, &pipeline.Route{Method: http.MethodPost, Path: "/x", Subject: "users.authenticate", Timeout: time.Second})

	err := p.OnRequest(c)
	require.Error(t, err)
	assert.Equal(t, "auth/invalid", faults.From(err).Code)
}

func TestRoutingBreakerOpensAfterRepeatedFailures(t *testing.T) {
	b := bus.New()
	defer b.Close()
	require.NoError(t, b.Handle("dying.service", func(context.Context, *bus.Message) ([]byte, error) {
		return nil, faults.Internal("crash")
	}))

	cfg := circuitbreaker.DefaultConfig("")
	cfg.ReadyToTrip = func(c circuitbreaker.Counts) bool { return c.ConsecutiveFailures >= 2 }
	cfg.OnStateChange = nil
	p := NewRouting(b, circuitbreaker.NewManager(cfg), nil)

	for i := 0; i < 2; i++ {
		c := routingContext(t, &pipeline.Route{Method: http.MethodPost, Path: "/x", Subject: "dying.service", Timeout: time.Second})
		require.Error(t, p.OnRequest(c))
	}

	// Breaker open: the request is rejected without reaching the handler.
	c := routingContext(t, &pipeline.Route{Method: http.MethodPost, Path: "/x", Subject: "dying.service", Timeout: time.Second})
	err := p.OnRequest(c)
	require.Error(t, err)
	assert.Equal(t, "upstream/unavailable", faults.From(err).Code)
}

func TestRoutingCountsBusExchanges(t *testing.T) {
	b := bus.New()
	defer b.Close()
	require.NoError(t, b.Handle("gateway.echo", func(_ context.Context, msg *bus.Message) ([]byte, error) {
		return msg.Payload, nil
	}))
	require.NoError(t, b.Handle("tarpit", func(ctx context.Context, _ *bus.Message) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	mets := metrics.New(prometheus.NewRegistry())
	p := NewRouting(b, nil, mets)

	c := routingContext(t, &pipeline.Route{Method: http.MethodPost, Path: "/echo", Subject: "gateway.echo", Timeout: time.Second})
	c.Payload = []byte(`{}`)
	require.NoError(t, p.OnRequest(c))

	c = routingContext(t, &pipeline.Route{Method: http.MethodPost, Path: "/x", Subject: "tarpit", Timeout: 50 * time.Millisecond})
	require.Error(t, p.OnRequest(c))

	assert.Equal(t, 1.0, testutil.ToFloat64(mets.BusRequests.WithLabelValues("gateway.echo", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mets.BusRequests.WithLabelValues("tarpit", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mets.BusTimeouts))
}

func TestRoutingMissingRoute(t *testing.T) {
	p := NewRouting(bus.New(), nil, nil)
	c := pipeline.NewContext(context.Background(), pipeline.TransportREST, http.MethodPost, "/x", time.Minute)
	t.Cleanup(c.Cancel)

	err := p.OnRequest(c)
	require.Error(t, err)
	assert.Equal(t, faults.KindInternal, faults.From(err).Kind)
}

func TestRoutingStartsStreamProducer(t *testing.T) {
	producer := func(_ *pipeline.Context, st *streaming.Stream) error {
		if err := st.Send([]byte(`{"delta":"hi"}`)); err != nil {
			return err
		}
		return nil
	}

	p := NewRouting(bus.New(), nil, nil)
	c := routingContext(t, &pipeline.Route{Method: http.MethodPost, Path: "/stream", Producer: producer})

	require.NoError(t, p.OnRequest(c))
	require.NotNil(t, c.Stream)

	sink := &captureFrames{}
	err := streaming.NewEngine(streaming.Config{}).Run(c.Stream, sink, nil, nil, nil)
	require.NoError(t, err)
	require.Len(t, sink.frames, 2)
	assert.JSONEq(t, `{"delta":"hi"}`, string(sink.frames[0].Data))
	assert.True(t, sink.frames[1].Complete)
}

func TestRoutingStreamProducerFailure(t *testing.T) {
	producer := func(*pipeline.Context, *streaming.Stream) error {
		return faults.UpstreamUnavailable("tts.voice")
	}

	p := NewRouting(bus.New(), nil, nil)
	c := routingContext(t, &pipeline.Route{Method: http.MethodPost, Path: "/stream", Producer: producer})

	require.NoError(t, p.OnRequest(c))

	sink := &captureFrames{}
	err := streaming.NewEngine(streaming.Config{}).Run(c.Stream, sink, nil, nil, nil)
	require.NoError(t, err)
	require.Len(t, sink.frames, 1)
	require.NotNil(t, sink.frames[0].Fault)
	assert.Equal(t, "upstream/unavailable", sink.frames[0].Fault.Code)
}

type captureFrames struct {
	frames []streaming.Frame
}

func (s *captureFrames) WriteFrame(f streaming.Frame) error {
	s.frames = append(s.frames, f)
	return nil
}
