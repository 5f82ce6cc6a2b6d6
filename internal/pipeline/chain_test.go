package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evermind-ai/backend/internal/faults"
	"github.com/evermind-ai/backend/internal/streaming"
)

type stubPlugin struct {
	meta       Metadata
	onRequest  func(*Context) error
	onResponse func(*Context) error
}

func (p *stubPlugin) Meta() Metadata { return p.meta }

func (p *stubPlugin) OnRequest(c *Context) error {
	if p.onRequest == nil {
		return nil
	}
	return p.onRequest(c)
}

func (p *stubPlugin) OnResponse(c *Context) error {
	if p.onResponse == nil {
		return nil
	}
	return p.onResponse(c)
}

func tracer(name string, priority int, trace *[]string) *stubPlugin {
	return &stubPlugin{
		meta: Metadata{Name: name, Priority: priority},
		onRequest: func(*Context) error {
			*trace = append(*trace, "req:"+name)
			return nil
		},
		onResponse: func(*Context) error {
			*trace = append(*trace, "resp:"+name)
			return nil
		},
	}
}

func testContext(t *testing.T) *Context {
	t.Helper()
	c := NewContext(context.Background(), TransportREST, http.MethodPost, "/x", 0)
	t.Cleanup(c.Cancel)
	return c
}

func TestChainOrdersByPriorityNotRegistration(t *testing.T) {
	var trace []string
	ch := NewChain()
	ch.Register(tracer("routing", PriorityRouting, &trace))
	ch.Register(tracer("auth", PriorityAuth, &trace))
	ch.Register(tracer("encryption", PriorityEncryption, &trace))
	ch.Register(tracer("validation", PriorityValidation, &trace))
	ch.Register(tracer("ratelimit", PriorityRateLimit, &trace))

	fault := ch.Run(testContext(t))
	require.Nil(t, fault)

	assert.Equal(t, []string{
		"req:encryption", "req:auth", "req:ratelimit", "req:validation", "req:routing",
		"resp:routing", "resp:validation", "resp:ratelimit", "resp:auth", "resp:encryption",
	}, trace)
}

func TestChainTiesBreakByName(t *testing.T) {
	var trace []string
	ch := NewChain()
	ch.Register(tracer("zeta", 50, &trace))
	ch.Register(tracer("alpha", 50, &trace))

	require.Nil(t, ch.Run(testContext(t)))
	assert.Equal(t, []string{"req:alpha", "req:zeta", "resp:zeta", "resp:alpha"}, trace)
}

func TestChainFailureStopsRequestSide(t *testing.T) {
	var trace []string
	ch := NewChain()
	ch.Register(tracer("first", 10, &trace))
	failing := tracer("second", 20, &trace)
	failing.onRequest = func(*Context) error { return faults.AuthMissing() }
	ch.Register(failing)
	ch.Register(tracer("third", 30, &trace))

	fault := ch.Run(testContext(t))
	require.NotNil(t, fault)
	assert.Equal(t, "auth/missing", fault.Code)
	assert.NotEmpty(t, fault.CorrelationID)

	// The failing plugin still gets its OnResponse; the third never runs.
	assert.Equal(t, []string{"req:first", "resp:second", "resp:first"}, trace)
}

func TestChainShortCircuitSkipsRemainder(t *testing.T) {
	var trace []string
	ch := NewChain()
	short := tracer("short", 10, &trace)
	short.onRequest = func(c *Context) error {
		c.ShortCircuit(&Response{Status: http.StatusOK, Body: json.RawMessage(`{"cached":true}`)})
		trace = append(trace, "req:short")
		return nil
	}
	ch.Register(short)
	ch.Register(tracer("after", 20, &trace))

	c := testContext(t)
	require.Nil(t, ch.Run(c))
	require.NotNil(t, c.Response)
	assert.JSONEq(t, `{"cached":true}`, string(c.Response.Body))
	assert.Equal(t, []string{"req:short", "resp:short"}, trace)
}

func TestChainResponseErrorOutranks(t *testing.T) {
	ch := NewChain()
	ch.Register(&stubPlugin{
		meta:       Metadata{Name: "encryption", Priority: 10},
		onResponse: func(*Context) error { return faults.SessionExpired() },
	})
	ch.Register(&stubPlugin{meta: Metadata{Name: "routing", Priority: 90}})

	fault := ch.Run(testContext(t))
	require.NotNil(t, fault)
	assert.Equal(t, "encryption/session_expired", fault.Code)
}

func TestChainCancelledContext(t *testing.T) {
	var trace []string
	ch := NewChain()
	ch.Register(tracer("only", 10, &trace))

	c := NewContext(context.Background(), TransportREST, http.MethodPost, "/x", time.Hour)
	c.Cancel()

	fault := ch.Run(c)
	require.NotNil(t, fault)
	assert.Equal(t, faults.KindInternal, fault.Kind)
	assert.Empty(t, trace)
}

func TestStreamingPredicate(t *testing.T) {
	c := testContext(t)
	assert.False(t, c.Streaming())

	c.Route = &Route{Method: http.MethodPost, Path: "/unary", Subject: "x"}
	assert.False(t, c.Streaming())

	c.Route = &Route{Method: http.MethodPost, Path: "/stream", Producer: func(*Context, *streaming.Stream) error { return nil }}
	assert.True(t, c.Streaming())
}
