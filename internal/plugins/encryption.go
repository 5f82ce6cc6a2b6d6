// Package plugins contains the gateway's request/response pipeline stages:
// encryption, auth, rate limiting, validation, and routing. Priorities are
// fixed in the pipeline package; the chain sorts, the plugins never assume
// registration order.
package plugins

import (
	"encoding/json"

	"github.com/evermind-ai/backend/internal/crypto"
	"github.com/evermind-ai/backend/internal/faults"
	"github.com/evermind-ai/backend/internal/pipeline"
	"github.com/evermind-ai/backend/internal/session"
)

// Envelope is the outer wire object on protected routes.
type Envelope struct {
	Encrypted bool                  `json:"encrypted"`
	ClientID  string                `json:"client_id"`
	Payload   *crypto.SealedPayload `json:"payload"`
}

// Encryption decrypts protected request payloads and re-encrypts responses
// using the client's handshake session. Public routes pass through.
type Encryption struct {
	sessions *session.Manager
}

// NewEncryption creates the encryption stage.
func NewEncryption(sessions *session.Manager) *Encryption {
	return &Encryption{sessions: sessions}
}

func (p *Encryption) Meta() pipeline.Metadata {
	return pipeline.Metadata{
		Name:        "encryption",
		Priority:    pipeline.PriorityEncryption,
		Description: "per-session AEAD decrypt/encrypt",
	}
}

func (p *Encryption) OnRequest(c *pipeline.Context) error {
	if c.Route == nil || c.Route.Public {
		c.Payload = c.Raw
		return nil
	}

	var env Envelope
	if err := json.Unmarshal(c.Raw, &env); err != nil || !env.Encrypted || env.Payload == nil {
		return faults.NoSession(env.ClientID)
	}
	if env.ClientID != "" {
		c.ClientID = env.ClientID
	}

	sess, err := p.sessions.Get(c.ClientID)
	if err != nil {
		return err
	}

	if nerr := sess.CheckNonce(env.Payload.Nonce); nerr != nil {
		return nerr
	}

	plaintext, err := crypto.Open(sess.Key, env.Payload, crypto.AssociatedData(c.ClientID, crypto.DirectionC2S))
	if err != nil {
		p.sessions.RecordFailure(c.ClientID)
		return faults.DecryptFail().WithCause(err)
	}

	p.sessions.ResetFailures(sess)
	sess.Touch()

	c.Payload = plaintext
	c.EncryptGeneration = sess.Generation

	// The response and any stream chunks are sealed with the session
	// captured here; a rotation later in the pipeline does not
	// retroactively invalidate this request.
	key := sess.Key
	clientID := c.ClientID
	generation := sess.Generation
	check := func() error {
		cur, gerr := p.sessions.Get(clientID)
		if gerr != nil {
			return gerr
		}
		if cur.Generation != generation {
			return faults.SessionExpired()
		}
		return nil
	}
	c.SessionCheck = check
	c.Encryptor = func(plain []byte) ([]byte, error) {
		if err := check(); err != nil {
			return nil, err
		}
		return sealEnvelope(key, clientID, plain)
	}
	c.Sealer = func(plain []byte) ([]byte, error) {
		return sealEnvelope(key, clientID, plain)
	}
	c.OnSessionError = func() { p.sessions.Invalidate(clientID) }

	return nil
}

func (p *Encryption) OnResponse(c *pipeline.Context) error {
	if c.Route == nil || c.Route.Public || c.Response == nil || c.Response.Encrypted {
		return nil
	}
	if c.Sealer == nil {
		// Request never decrypted (earlier stage failed); nothing to seal.
		return nil
	}

	// The response seals with the session captured at decrypt time; a
	// rotation later in the pipeline does not invalidate this in-flight
	// request.
	body, err := c.Sealer(c.Response.Body)
	if err != nil {
		return faults.Internal("response encryption failed").WithCause(err)
	}
	c.Response.Body = body
	c.Response.Encrypted = true
	return nil
}

// sealEnvelope encrypts plaintext server-to-client and wraps it in the
// outer envelope.
func sealEnvelope(key [crypto.KeySize]byte, clientID string, plaintext []byte) ([]byte, error) {
	sealed, err := crypto.Seal(key, plaintext, crypto.AssociatedData(clientID, crypto.DirectionS2C))
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Encrypted: true, ClientID: clientID, Payload: sealed})
}
