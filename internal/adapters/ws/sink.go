package ws

import (
	"github.com/gorilla/websocket"

	"github.com/evermind-ai/backend/internal/adapters"
	"github.com/evermind-ai/backend/internal/streaming"
)

// wsSink maps stream frames onto WebSocket messages: text frames carry the
// JSON envelope with the originating request id, binary chunks go out
// length-prefixed as binary messages. A mid-stream fault additionally
// closes the connection with a policy-violation code so the client knows
// to re-handshake.
type wsSink struct {
	conn *connection
	id   string
}

func (s *wsSink) WriteFrame(f streaming.Frame) error {
	if f.Binary && f.Data != nil && f.Fault == nil {
		return s.conn.replyBinary(f.Data)
	}

	if err := s.conn.reply(adapters.EncodeStreamFrame(s.id, f)); err != nil {
		return err
	}
	if f.Fault != nil {
		s.conn.close(websocket.ClosePolicyViolation, f.Fault.Message)
	}
	return nil
}
