package adapters

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evermind-ai/backend/internal/crypto"
	"github.com/evermind-ai/backend/internal/faults"
	"github.com/evermind-ai/backend/internal/session"
	"github.com/evermind-ai/backend/internal/streaming"
)

func handshakeCore(t *testing.T) (*Core, *session.Manager) {
	t.Helper()
	sessions := session.NewManager(session.Config{})
	return &Core{Sessions: sessions}, sessions
}

func TestHandshakeAssignsClientID(t *testing.T) {
	co, sessions := handshakeCore(t)

	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	body, _ := json.Marshal(HandshakeRequest{
		HandshakeRequest: base64.StdEncoding.EncodeToString(kp.Public[:]),
	})

	out, fault := co.Handshake(body)
	require.Nil(t, fault)

	var resp HandshakeResponse
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.NotEmpty(t, resp.ClientID)
	assert.NotEmpty(t, resp.SessionID)

	serverRaw, err := base64.StdEncoding.DecodeString(resp.ServerPublicKey)
	require.NoError(t, err)
	require.Len(t, serverRaw, crypto.KeySize)

	// Client side derives the same key as the stored session.
	var serverPub [crypto.KeySize]byte
	copy(serverPub[:], serverRaw)
	clientKey, err := kp.DeriveSessionKey(serverPub)
	require.NoError(t, err)

	sess, err := sessions.Get(resp.ClientID)
	require.NoError(t, err)
	assert.Equal(t, clientKey, sess.Key)
}

func TestHandshakeReusesClientID(t *testing.T) {
	co, _ := handshakeCore(t)

	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	body, _ := json.Marshal(HandshakeRequest{
		HandshakeRequest: base64.StdEncoding.EncodeToString(kp.Public[:]),
		ClientID:         "device-7",
	})

	out, fault := co.Handshake(body)
	require.Nil(t, fault)
	var resp HandshakeResponse
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.Equal(t, "device-7", resp.ClientID)
}

func TestHandshakeRejectsBadRequests(t *testing.T) {
	co, _ := handshakeCore(t)

	cases := map[string][]byte{
		"not json":      []byte("nope"),
		"missing key":   []byte(`{}`),
		"bad base64":    []byte(`{"handshake_request":"!!!"}`),
		"short key":     []byte(`{"handshake_request":"` + base64.StdEncoding.EncodeToString([]byte("short")) + `"}`),
	}
	for name, body := range cases {
		_, fault := co.Handshake(body)
		require.NotNil(t, fault, name)
		assert.Equal(t, faults.KindValidation, fault.Kind, name)
	}
}

func TestEncodeReplyShape(t *testing.T) {
	out := EncodeReply("req-1", 200, json.RawMessage(`{"ok":true}`))

	var resp FrameResponse
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.Equal(t, "req-1", resp.ID)
	assert.Equal(t, 200, resp.Status)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
	assert.Nil(t, resp.Seq)
	assert.Nil(t, resp.Error)
}

func TestEncodeFaultShape(t *testing.T) {
	out := EncodeFault("req-1", faults.RateLimited(1200*time.Millisecond))

	var resp FrameResponse
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.Equal(t, 429, resp.Status)
	require.NotNil(t, resp.Success)
	assert.False(t, *resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, faults.KindRateLimit, resp.Error.Kind)
	assert.Equal(t, int64(1200), resp.Error.RetryAfterMS)
}

func TestEncodeStreamFrameVariants(t *testing.T) {
	var resp FrameResponse

	require.NoError(t, json.Unmarshal(EncodeStreamFrame("s", streaming.Frame{Seq: 3, Data: []byte(`{"delta":"x"}`)}), &resp))
	require.NotNil(t, resp.Seq)
	assert.Equal(t, uint64(3), *resp.Seq)
	assert.JSONEq(t, `{"delta":"x"}`, string(resp.Data))
	assert.False(t, resp.Complete)

	resp = FrameResponse{}
	require.NoError(t, json.Unmarshal(EncodeStreamFrame("s", streaming.Frame{Seq: 4, Complete: true}), &resp))
	require.NotNil(t, resp.Seq)
	assert.Equal(t, uint64(4), *resp.Seq)
	assert.True(t, resp.Complete)

	resp = FrameResponse{}
	require.NoError(t, json.Unmarshal(EncodeStreamFrame("s", streaming.Frame{KeepAlive: true}), &resp))
	assert.True(t, resp.KeepAlive)
	assert.Nil(t, resp.Seq)

	resp = FrameResponse{}
	require.NoError(t, json.Unmarshal(EncodeStreamFrame("s", streaming.Frame{Seq: 5, Fault: faults.SessionExpired()}), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, faults.KindEncryption, resp.Error.Kind)
	assert.Contains(t, resp.Error.Message, "Encryption session")
}

func TestLengthPrefix(t *testing.T) {
	data := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	out := LengthPrefix(data)

	require.Len(t, out, 8)
	assert.Equal(t, uint32(4), binary.BigEndian.Uint32(out[:4]))
	assert.Equal(t, data, out[4:])

	empty := LengthPrefix(nil)
	require.Len(t, empty, 4)
	assert.Equal(t, uint32(0), binary.BigEndian.Uint32(empty))
}
