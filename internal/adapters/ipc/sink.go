package ipc

import (
	"github.com/evermind-ai/backend/internal/adapters"
	"github.com/evermind-ai/backend/internal/streaming"
)

// ipcSink maps stream frames onto socket messages: JSON envelopes for
// chunks and markers, the raw binary frame type for binary data.
type ipcSink struct {
	conn *connection
	id   string
}

func (s *ipcSink) WriteFrame(f streaming.Frame) error {
	if f.Binary && f.Data != nil && f.Fault == nil {
		return s.conn.write(frameBinary, f.Data)
	}
	return s.conn.write(frameJSON, adapters.EncodeStreamFrame(s.id, f))
}
