package plugins

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evermind-ai/backend/internal/crypto"
	"github.com/evermind-ai/backend/internal/faults"
	"github.com/evermind-ai/backend/internal/pipeline"
	"github.com/evermind-ai/backend/internal/session"
)

// testClient models the client side of a handshake for plugin tests.
type testClient struct {
	id  string
	key [crypto.KeySize]byte
}

func handshake(t *testing.T, sessions *session.Manager, clientID string) *testClient {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	serverPub, _, err := sessions.BeginHandshake(clientID, kp.Public)
	require.NoError(t, err)
	key, err := kp.DeriveSessionKey(serverPub)
	require.NoError(t, err)
	return &testClient{id: clientID, key: key}
}

func (c *testClient) envelope(t *testing.T, plaintext []byte) []byte {
	t.Helper()
	sealed, err := crypto.Seal(c.key, plaintext, crypto.AssociatedData(c.id, crypto.DirectionC2S))
	require.NoError(t, err)
	out, err := json.Marshal(Envelope{Encrypted: true, ClientID: c.id, Payload: sealed})
	require.NoError(t, err)
	return out
}

func (c *testClient) open(t *testing.T, envelope []byte) []byte {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(envelope, &env))
	require.True(t, env.Encrypted)
	plain, err := crypto.Open(c.key, env.Payload, crypto.AssociatedData(c.id, crypto.DirectionS2C))
	require.NoError(t, err)
	return plain
}

func protectedContext(t *testing.T, clientID string, raw []byte) *pipeline.Context {
	t.Helper()
	c := pipeline.NewContext(context.Background(), pipeline.TransportREST, http.MethodPost, "/x", time.Minute)
	t.Cleanup(c.Cancel)
	c.ClientID = clientID
	c.Route = &pipeline.Route{Method: http.MethodPost, Path: "/x", Subject: "x"}
	c.Raw = raw
	return c
}

func TestEncryptionRoundTrip(t *testing.T) {
	sessions := session.NewManager(session.Config{ReplayGuard: true})
	p := NewEncryption(sessions)
	client := handshake(t, sessions, "client-1")

	c := protectedContext(t, client.id, client.envelope(t, []byte(`{"message":"hi"}`)))
	require.NoError(t, p.OnRequest(c))
	assert.JSONEq(t, `{"message":"hi"}`, string(c.Payload))
	assert.Equal(t, uint64(1), c.EncryptGeneration)
	require.NotNil(t, c.Sealer)
	require.NotNil(t, c.Encryptor)
	require.NotNil(t, c.SessionCheck)
	require.NotNil(t, c.OnSessionError)

	c.Response = &pipeline.Response{Status: http.StatusOK, Body: []byte(`{"ok":true}`)}
	require.NoError(t, p.OnResponse(c))
	assert.True(t, c.Response.Encrypted)
	assert.JSONEq(t, `{"ok":true}`, string(client.open(t, c.Response.Body)))
}

func TestEncryptionPublicRoutePassThrough(t *testing.T) {
	p := NewEncryption(session.NewManager(session.Config{}))

	c := protectedContext(t, "", []byte(`{"plain":true}`))
	c.Route.Public = true
	require.NoError(t, p.OnRequest(c))
	assert.JSONEq(t, `{"plain":true}`, string(c.Payload))
	assert.Nil(t, c.Sealer)

	c.Response = &pipeline.Response{Body: []byte(`{}`)}
	require.NoError(t, p.OnResponse(c))
	assert.False(t, c.Response.Encrypted)
}

func TestEncryptionRejectsPlaintextOnProtectedRoute(t *testing.T) {
	p := NewEncryption(session.NewManager(session.Config{}))

	c := protectedContext(t, "client-1", []byte(`{"message":"hi"}`))
	err := p.OnRequest(c)
	require.Error(t, err)
	assert.Equal(t, "encryption/no_session", faults.From(err).Code)
}

func TestEncryptionNoSession(t *testing.T) {
	sessions := session.NewManager(session.Config{})
	p := NewEncryption(sessions)
	client := handshake(t, sessions, "client-1")
	sessions.Invalidate("client-1")

	c := protectedContext(t, client.id, client.envelope(t, []byte(`{}`)))
	err := p.OnRequest(c)
	require.Error(t, err)
	assert.Equal(t, "encryption/no_session", faults.From(err).Code)
}

func TestEncryptionNonceReplay(t *testing.T) {
	sessions := session.NewManager(session.Config{ReplayGuard: true})
	p := NewEncryption(sessions)
	client := handshake(t, sessions, "client-1")

	raw := client.envelope(t, []byte(`{}`))

	first := protectedContext(t, client.id, raw)
	require.NoError(t, p.OnRequest(first))

	replay := protectedContext(t, client.id, raw)
	err := p.OnRequest(replay)
	require.Error(t, err)
	assert.Equal(t, "encryption/replay", faults.From(err).Code)
}

func TestEncryptionFailureThreshold(t *testing.T) {
	sessions := session.NewManager(session.Config{FailureThreshold: 3})
	p := NewEncryption(sessions)
	client := handshake(t, sessions, "client-1")

	// A well-formed envelope sealed with the wrong key.
	rogue := &testClient{id: client.id}
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	other, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	rogue.key, err = kp.DeriveSessionKey(other.Public)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		c := protectedContext(t, client.id, rogue.envelope(t, []byte(`{}`)))
		err := p.OnRequest(c)
		require.Error(t, err)
		assert.Equal(t, "encryption/decrypt_fail", faults.From(err).Code)
	}

	// Threshold crossed, the session is gone and the client must re-handshake.
	c := protectedContext(t, client.id, client.envelope(t, []byte(`{}`)))
	err = p.OnRequest(c)
	require.Error(t, err)
	assert.Equal(t, "encryption/no_session", faults.From(err).Code)
}

func TestEncryptionSuccessResetsFailures(t *testing.T) {
	sessions := session.NewManager(session.Config{FailureThreshold: 2})
	p := NewEncryption(sessions)
	client := handshake(t, sessions, "client-1")

	bad := protectedContext(t, client.id, client.envelope(t, []byte(`{}`)))
	var env Envelope
	require.NoError(t, json.Unmarshal(bad.Raw, &env))
	env.Payload.Ciphertext = "AAAA" + env.Payload.Ciphertext[4:]
	bad.Raw, _ = json.Marshal(env)
	require.Error(t, p.OnRequest(bad))

	good := protectedContext(t, client.id, client.envelope(t, []byte(`{}`)))
	require.NoError(t, p.OnRequest(good))

	// The counter restarted; one more failure does not invalidate.
	bad2 := protectedContext(t, client.id, client.envelope(t, []byte(`{}`)))
	require.NoError(t, json.Unmarshal(bad2.Raw, &env))
	env.Payload.Ciphertext = "AAAA" + env.Payload.Ciphertext[4:]
	bad2.Raw, _ = json.Marshal(env)
	require.Error(t, p.OnRequest(bad2))

	_, err := sessions.Get(client.id)
	assert.NoError(t, err)
}

func TestEncryptorReChecksGeneration(t *testing.T) {
	sessions := session.NewManager(session.Config{})
	p := NewEncryption(sessions)
	client := handshake(t, sessions, "client-1")

	c := protectedContext(t, client.id, client.envelope(t, []byte(`{}`)))
	require.NoError(t, p.OnRequest(c))

	// The stream encryptor works while the session is live.
	_, err := c.Encryptor([]byte("chunk"))
	require.NoError(t, err)

	// A re-handshake rotates the generation; the old stream must stop.
	handshake(t, sessions, "client-1")
	_, err = c.Encryptor([]byte("chunk"))
	require.Error(t, err)
	assert.Equal(t, "encryption/session_expired", faults.From(err).Code)

	// The unary sealer still works with the captured key.
	_, err = c.Sealer([]byte("reply"))
	assert.NoError(t, err)
}

func TestSessionCheckTracksGeneration(t *testing.T) {
	sessions := session.NewManager(session.Config{})
	p := NewEncryption(sessions)
	client := handshake(t, sessions, "client-1")

	c := protectedContext(t, client.id, client.envelope(t, []byte(`{}`)))
	require.NoError(t, p.OnRequest(c))

	// Binary streams skip re-encryption, so this check is what notices a
	// session loss for them.
	require.NoError(t, c.SessionCheck())

	handshake(t, sessions, "client-1")
	err := c.SessionCheck()
	require.Error(t, err)
	assert.Equal(t, "encryption/session_expired", faults.From(err).Code)

	sessions.Invalidate("client-1")
	err = c.SessionCheck()
	require.Error(t, err)
	assert.Equal(t, "encryption/no_session", faults.From(err).Code)
}

func TestSealerSkippedWhenNeverDecrypted(t *testing.T) {
	p := NewEncryption(session.NewManager(session.Config{}))

	c := protectedContext(t, "client-1", nil)
	c.Response = &pipeline.Response{Body: []byte(`{}`)}
	require.NoError(t, p.OnResponse(c))
	assert.False(t, c.Response.Encrypted)
}
