// Package pipeline runs every request through an ordered chain of plugins.
// Adapters build a Context per wire frame, the chain drives plugins in
// ascending priority on the request side and descending on the response
// side, and the adapter writes whatever the chain produced.
package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/evermind-ai/backend/internal/crypto"
	"github.com/evermind-ai/backend/internal/streaming"
)

// Transport identifies the adapter that produced a context.
type Transport string

const (
	TransportREST Transport = "rest"
	TransportWS   Transport = "websocket"
	TransportIPC  Transport = "ipc"
)

// DefaultUnaryTimeout bounds non-streaming requests.
const DefaultUnaryTimeout = 30 * time.Second

// Response is the unary reply produced by the routing plugin or by a
// short-circuiting plugin.
type Response struct {
	Status int
	Body   json.RawMessage
	// Encrypted marks the body as already being a sealed envelope.
	Encrypted bool
}

// Context is the per-request state object owned by one pipeline run. It
// moves through at most one plugin at a time; plugins attach fields but
// never remove them. The adapter destroys it after the response (or error)
// has been fully emitted.
type Context struct {
	CorrelationID string
	ReceivedAt    time.Time

	ClientID  string
	Transport Transport
	Method    string
	Path      string
	Query     url.Values
	Headers   http.Header

	// Raw is the payload as received off the wire; Payload is set by the
	// encryption plugin after decryption (or aliased to Raw on public
	// routes).
	Raw     json.RawMessage
	Payload json.RawMessage

	// Identity is attached by the auth plugin.
	Identity *crypto.Claims

	// Route is resolved by the routing plugin (or pre-resolved by the
	// adapter).
	Route *Route

	// Response carries the unary reply once produced.
	Response *Response

	// Stream carries the producer handle for streaming routes; Sink is the
	// adapter's frame writer. Encryptor, SessionCheck, and OnSessionError
	// are installed by the encryption plugin for protected streams;
	// Encryptor re-checks session liveness per text chunk, SessionCheck
	// does the same compare for binary chunks that skip re-encryption.
	// Sealer encrypts the unary response with the session captured at
	// decrypt time, surviving mid-pipeline rotations.
	Stream         *streaming.Stream
	Sink           streaming.Sink
	Encryptor      streaming.Encryptor
	SessionCheck   streaming.SessionCheck
	Sealer         streaming.Encryptor
	OnSessionError func()

	// EncryptGeneration records the session generation observed when the
	// encryption plugin ran; mid-pipeline rotations do not retroactively
	// invalidate this request.
	EncryptGeneration uint64

	ctx    context.Context
	cancel context.CancelFunc

	shortCircuited bool
}

// NewContext creates a request context with a fresh correlation id and the
// given deadline (zero means DefaultUnaryTimeout).
func NewContext(parent context.Context, transport Transport, method, path string, timeout time.Duration) *Context {
	if timeout == 0 {
		timeout = DefaultUnaryTimeout
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	return &Context{
		CorrelationID: uuid.NewString(),
		ReceivedAt:    time.Now(),
		Transport:     transport,
		Method:        method,
		Path:          path,
		Query:         url.Values{},
		Headers:       http.Header{},
		ctx:           ctx,
		cancel:        cancel,
	}
}

// NewStreamContext creates a context without a deadline for streaming
// routes; idle-timeout enforcement belongs to the streaming engine.
func NewStreamContext(parent context.Context, transport Transport, method, path string) *Context {
	ctx, cancel := context.WithCancel(parent)
	return &Context{
		CorrelationID: uuid.NewString(),
		ReceivedAt:    time.Now(),
		Transport:     transport,
		Method:        method,
		Path:          path,
		Query:         url.Values{},
		Headers:       http.Header{},
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Context exposes the cancellation signal. Plugins must check it before
// every suspension point.
func (c *Context) Context() context.Context { return c.ctx }

// Cancel releases the context's resources. The adapter calls it once the
// response has been fully emitted.
func (c *Context) Cancel() { c.cancel() }

// ShortCircuit installs a response and stops request-side processing after
// the current plugin. The response-side stack still runs.
func (c *Context) ShortCircuit(resp *Response) {
	c.Response = resp
	c.shortCircuited = true
}

// Streaming reports whether this run resolved to a streaming route.
func (c *Context) Streaming() bool {
	return c.Route != nil && c.Route.Producer != nil
}
