// Package adapters holds the machinery shared by the REST, WebSocket, and
// IPC transports: the handshake exchange, the pipeline entry point with
// metrics, and the frame envelope used on message-oriented transports.
// Every adapter follows the same contract: accept, build a context, run
// the pipeline, write the response.
package adapters

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/evermind-ai/backend/internal/crypto"
	"github.com/evermind-ai/backend/internal/faults"
	"github.com/evermind-ai/backend/internal/metrics"
	"github.com/evermind-ai/backend/internal/pipeline"
	"github.com/evermind-ai/backend/internal/session"
	"github.com/evermind-ai/backend/internal/streaming"
)

// Core bundles what every adapter needs.
type Core struct {
	Chain    *pipeline.Chain
	Router   *pipeline.Router
	Sessions *session.Manager
	Engine   *streaming.Engine
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// HandshakeRequest is the public key-exchange request body.
type HandshakeRequest struct {
	// HandshakeRequest is the client's ephemeral X25519 public key, base64.
	HandshakeRequest string `json:"handshake_request"`
	// ClientID lets an existing client rotate its session. Empty means a
	// fresh server-assigned id.
	ClientID string `json:"client_id,omitempty"`
}

// HandshakeResponse returns the server's ephemeral key and the identifiers
// the client threads through every subsequent call.
type HandshakeResponse struct {
	ServerPublicKey string `json:"server_public_key"`
	SessionID       string `json:"session_id"`
	ClientID        string `json:"client_id"`
}

// Handshake performs the key exchange and establishes (or atomically
// replaces) the client's session.
func (co *Core) Handshake(body []byte) ([]byte, *faults.Fault) {
	var req HandshakeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, faults.BadPayload("/", "handshake body is not valid JSON")
	}
	raw, err := base64.StdEncoding.DecodeString(req.HandshakeRequest)
	if err != nil || len(raw) != crypto.KeySize {
		return nil, faults.BadPayload("/handshake_request", "expected base64 32-byte X25519 public key")
	}
	var clientPub [crypto.KeySize]byte
	copy(clientPub[:], raw)

	clientID := req.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	serverPub, sess, err := co.Sessions.BeginHandshake(clientID, clientPub)
	if err != nil {
		return nil, faults.Internal("handshake failed").WithCause(err)
	}

	if co.Metrics != nil {
		co.Metrics.HandshakesTotal.Inc()
		co.Metrics.SessionsActive.Set(float64(co.Sessions.Count()))
	}

	resp, _ := json.Marshal(HandshakeResponse{
		ServerPublicKey: base64.StdEncoding.EncodeToString(serverPub[:]),
		SessionID:       sess.ID,
		ClientID:        clientID,
	})
	return resp, nil
}

// Execute drives one context through the chain and records metrics. The
// returned fault, if any, is what the adapter puts on the wire.
func (co *Core) Execute(c *pipeline.Context) *faults.Fault {
	start := time.Now()
	fault := co.Chain.Run(c)

	if co.Metrics != nil {
		outcome := "ok"
		if fault != nil {
			outcome = "error"
			co.Metrics.PipelineRejections.WithLabelValues(fault.Code).Inc()
		}
		co.Metrics.RequestsTotal.WithLabelValues(string(c.Transport), c.Method, outcome).Inc()
		co.Metrics.RequestDuration.WithLabelValues(string(c.Transport), c.Method).
			Observe(time.Since(start).Seconds())
	}
	return fault
}

// RunStream pumps a resolved stream to sink with the context's encryptor
// and session-error hook, counting chunks per transport.
func (co *Core) RunStream(c *pipeline.Context, sink streaming.Sink) error {
	if co.Metrics != nil {
		co.Metrics.StreamsActive.Inc()
		defer co.Metrics.StreamsActive.Dec()
		sink = countingSink{inner: sink, counter: co.Metrics.StreamChunks, transport: string(c.Transport)}
	}
	return co.Engine.Run(c.Stream, sink, c.Encryptor, c.SessionCheck, c.OnSessionError)
}

type countingSink struct {
	inner     streaming.Sink
	counter   *prometheus.CounterVec
	transport string
}

func (s countingSink) WriteFrame(f streaming.Frame) error {
	if !f.KeepAlive {
		s.counter.WithLabelValues(s.transport).Inc()
	}
	return s.inner.WriteFrame(f)
}
