// Package handlers registers the gateway's built-in bus responders and
// stream producers: echo, authentication, token refresh, and the streaming
// stubs for conversation and speech synthesis. Real model backends replace
// the stubs by registering their own responders on the same subjects.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/evermind-ai/backend/internal/bus"
	"github.com/evermind-ai/backend/internal/faults"
	"github.com/evermind-ai/backend/internal/token"
)

// Bus subjects served by the built-ins.
const (
	SubjectEcho         = "gateway.echo"
	SubjectAuthenticate = "users.authenticate"
	SubjectRefresh      = "users.refresh"
)

// Authenticator verifies user credentials and returns the caller identity
// and granted scopes. Deployments plug in their own.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (identity string, scope []string, err error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, username, password string) (string, []string, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, username, password string) (string, []string, error) {
	return f(ctx, username, password)
}

// Registry wires the built-in responders onto a bus.
type Registry struct {
	tokens *token.Manager
	auth   Authenticator
}

// NewRegistry builds the handler set. auth may be nil, which rejects all
// credential logins.
func NewRegistry(tokens *token.Manager, auth Authenticator) *Registry {
	return &Registry{tokens: tokens, auth: auth}
}

// Register installs every responder. Duplicate registration surfaces as a
// startup error from the bus.
func (r *Registry) Register(b *bus.Bus) error {
	if err := b.Handle(SubjectEcho, r.echo); err != nil {
		return err
	}
	if err := b.Handle(SubjectAuthenticate, r.authenticate); err != nil {
		return err
	}
	if err := b.Handle(SubjectRefresh, r.refresh); err != nil {
		return err
	}
	return nil
}

type echoReply struct {
	Echo       json.RawMessage `json:"echo"`
	ReceivedAt time.Time       `json:"received_at"`
}

func (r *Registry) echo(ctx context.Context, msg *bus.Message) ([]byte, error) {
	return json.Marshal(echoReply{Echo: msg.Payload, ReceivedAt: time.Now().UTC()})
}

type authenticateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (r *Registry) authenticate(ctx context.Context, msg *bus.Message) ([]byte, error) {
	var req authenticateRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return nil, faults.BadPayload("/", "expected username and password")
	}
	if req.Username == "" || req.Password == "" {
		return nil, faults.BadPayload("/username", "username and password are required")
	}
	if r.auth == nil {
		return nil, faults.AuthInvalid()
	}

	identity, scope, err := r.auth.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		return nil, faults.AuthInvalid().WithCause(err)
	}

	pair, err := r.tokens.Mint(identity, scope)
	if err != nil {
		return nil, fmt.Errorf("mint pair for %s: %w", identity, err)
	}
	return json.Marshal(pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (r *Registry) refresh(ctx context.Context, msg *bus.Message) ([]byte, error) {
	var req refreshRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil || req.RefreshToken == "" {
		return nil, faults.BadPayload("/refresh_token", "refresh_token is required")
	}
	pair, err := r.tokens.Refresh(req.RefreshToken)
	if err != nil {
		return nil, err
	}
	return json.Marshal(pair)
}
