package plugins

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evermind-ai/backend/internal/crypto"
	"github.com/evermind-ai/backend/internal/faults"
	"github.com/evermind-ai/backend/internal/pipeline"
	"github.com/evermind-ai/backend/internal/token"
)

func newTokens(t *testing.T, accessTTL time.Duration) *token.Manager {
	t.Helper()
	signer, err := crypto.NewSigner(crypto.SignerConfig{
		Algorithm:  "HS256",
		HMACSecret: []byte("test-secret"),
		Issuer:     "evermind-gateway",
		Leeway:     time.Second,
	})
	require.NoError(t, err)
	return token.NewManager(signer, token.Config{AccessTTL: accessTTL})
}

func authContext(t *testing.T, route *pipeline.Route) *pipeline.Context {
	t.Helper()
	c := pipeline.NewContext(context.Background(), pipeline.TransportREST, http.MethodPost, "/x", time.Minute)
	t.Cleanup(c.Cancel)
	c.Route = route
	return c
}

func TestAuthAttachesIdentity(t *testing.T) {
	tokens := newTokens(t, 0)
	p := NewAuth(tokens)

	pair, err := tokens.Mint("user-1", []string{"chat"})
	require.NoError(t, err)

	c := authContext(t, &pipeline.Route{Method: http.MethodPost, Path: "/x", Subject: "x"})
	c.Headers.Set("Authorization", "Bearer "+pair.AccessToken)

	require.NoError(t, p.OnRequest(c))
	require.NotNil(t, c.Identity)
	assert.Equal(t, "user-1", c.Identity.Identity())
}

func TestAuthMissingHeader(t *testing.T) {
	p := NewAuth(newTokens(t, 0))

	c := authContext(t, &pipeline.Route{Method: http.MethodPost, Path: "/x", Subject: "x"})
	err := p.OnRequest(c)
	require.Error(t, err)
	assert.Equal(t, "auth/missing", faults.From(err).Code)

	c.Headers.Set("Authorization", "Basic dXNlcjpwYXNz")
	err = p.OnRequest(c)
	assert.Equal(t, "auth/missing", faults.From(err).Code)

	c.Headers.Set("Authorization", "Bearer ")
	err = p.OnRequest(c)
	assert.Equal(t, "auth/missing", faults.From(err).Code)
}

func TestAuthInvalidAndExpired(t *testing.T) {
	p := NewAuth(newTokens(t, 0))

	c := authContext(t, &pipeline.Route{Method: http.MethodPost, Path: "/x", Subject: "x"})
	c.Headers.Set("Authorization", "Bearer junk.token.here")
	err := p.OnRequest(c)
	assert.Equal(t, "auth/invalid", faults.From(err).Code)

	expired := newTokens(t, -time.Minute)
	pair, merr := expired.Mint("user-1", nil)
	require.NoError(t, merr)

	c = authContext(t, &pipeline.Route{Method: http.MethodPost, Path: "/x", Subject: "x"})
	c.Headers.Set("Authorization", "Bearer "+pair.AccessToken)
	err = NewAuth(expired).OnRequest(c)
	assert.Equal(t, "auth/expired", faults.From(err).Code)
}

func TestAuthRefreshTokenRejectedAsBearer(t *testing.T) {
	tokens := newTokens(t, 0)
	p := NewAuth(tokens)
	pair, err := tokens.Mint("user-1", nil)
	require.NoError(t, err)

	c := authContext(t, &pipeline.Route{Method: http.MethodPost, Path: "/x", Subject: "x"})
	c.Headers.Set("Authorization", "Bearer "+pair.RefreshToken)
	err = p.OnRequest(c)
	assert.Equal(t, "auth/invalid", faults.From(err).Code)
}

func TestAuthExemptions(t *testing.T) {
	p := NewAuth(newTokens(t, 0))

	public := authContext(t, &pipeline.Route{Method: http.MethodPost, Path: "/x", Subject: "x", Public: true})
	assert.NoError(t, p.OnRequest(public))

	skip := authContext(t, &pipeline.Route{Method: http.MethodPost, Path: "/x", Subject: "x", SkipAuth: true})
	assert.NoError(t, p.OnRequest(skip))
}

func TestAuthHonorsTransportIdentity(t *testing.T) {
	p := NewAuth(newTokens(t, 0))

	c := authContext(t, &pipeline.Route{Method: http.MethodPost, Path: "/x", Subject: "x"})
	c.Identity = &crypto.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "uid:1000"}}

	require.NoError(t, p.OnRequest(c))
	assert.Equal(t, "uid:1000", c.Identity.Identity())
}
