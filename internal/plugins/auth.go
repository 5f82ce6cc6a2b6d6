package plugins

import (
	"strings"

	"github.com/evermind-ai/backend/internal/faults"
	"github.com/evermind-ai/backend/internal/pipeline"
	"github.com/evermind-ai/backend/internal/token"
)

// Auth verifies the bearer token and attaches the caller identity. Public
// routes and routes flagged SkipAuth (the token endpoints) are exempt.
type Auth struct {
	tokens *token.Manager
}

// NewAuth creates the auth stage.
func NewAuth(tokens *token.Manager) *Auth {
	return &Auth{tokens: tokens}
}

func (p *Auth) Meta() pipeline.Metadata {
	return pipeline.Metadata{
		Name:        "auth",
		Priority:    pipeline.PriorityAuth,
		Description: "bearer token verification",
	}
}

func (p *Auth) OnRequest(c *pipeline.Context) error {
	if c.Route == nil || c.Route.Public || c.Route.SkipAuth {
		return nil
	}
	if c.Identity != nil {
		// Transport-level auth (IPC peer credentials) already identified
		// the caller.
		return nil
	}

	header := c.Headers.Get("Authorization")
	if header == "" {
		return faults.AuthMissing()
	}
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return faults.AuthMissing()
	}

	claims, err := p.tokens.Verify(raw)
	if err != nil {
		return err
	}
	c.Identity = claims
	return nil
}

func (p *Auth) OnResponse(c *pipeline.Context) error { return nil }
