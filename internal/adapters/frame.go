package adapters

import (
	"encoding/binary"
	"encoding/json"

	"github.com/evermind-ai/backend/internal/faults"
	"github.com/evermind-ai/backend/internal/streaming"
)

// FrameRequest is the routing envelope carried in each WebSocket or IPC
// frame. Method and path give the frame a synthetic route; the id
// correlates the reply (and every stream chunk) back to the request on
// full-duplex connections.
type FrameRequest struct {
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// FrameResponse is one reply or stream chunk on a message transport.
type FrameResponse struct {
	ID        string           `json:"id"`
	Status    int              `json:"status,omitempty"`
	Body      json.RawMessage  `json:"body,omitempty"`
	Seq       *uint64          `json:"seq,omitempty"`
	Data      json.RawMessage  `json:"data,omitempty"`
	Complete  bool             `json:"complete,omitempty"`
	KeepAlive bool             `json:"keep_alive,omitempty"`
	Success   *bool            `json:"success,omitempty"`
	Error     *faults.WireBody `json:"error,omitempty"`
}

// EncodeReply builds a unary success frame.
func EncodeReply(id string, status int, body json.RawMessage) []byte {
	out, _ := json.Marshal(FrameResponse{ID: id, Status: status, Body: body})
	return out
}

// EncodeFault builds an error frame from a fault.
func EncodeFault(id string, f *faults.Fault) []byte {
	wire := f.Wire()
	out, _ := json.Marshal(FrameResponse{
		ID:      id,
		Status:  f.HTTPStatus(),
		Success: &wire.Success,
		Error:   &wire.Error,
	})
	return out
}

// EncodeStreamFrame builds a chunk/keep-alive/complete/error frame for one
// streaming frame. Binary frames are not JSON-encoded; callers send those
// length-prefixed on the wire instead.
func EncodeStreamFrame(id string, f streaming.Frame) []byte {
	resp := FrameResponse{ID: id}
	switch {
	case f.KeepAlive:
		resp.KeepAlive = true
	case f.Fault != nil:
		seq := f.Seq
		resp.Seq = &seq
		wire := f.Fault.Wire()
		resp.Success = &wire.Success
		resp.Error = &wire.Error
	case f.Complete:
		seq := f.Seq
		resp.Seq = &seq
		resp.Complete = true
	default:
		seq := f.Seq
		resp.Seq = &seq
		resp.Data = f.Data
	}
	out, _ := json.Marshal(resp)
	return out
}

// LengthPrefix frames a binary chunk with a 4-byte big-endian length, the
// framing used for binary streams on WebSocket and IPC.
func LengthPrefix(data []byte) []byte {
	out := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(out[:4], uint32(len(data)))
	copy(out[4:], data)
	return out
}
