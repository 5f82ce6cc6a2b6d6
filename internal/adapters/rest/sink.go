package rest

import (
	"encoding/json"
	"net/http"

	"github.com/evermind-ai/backend/internal/streaming"
)

// httpSink writes stream frames over Transfer-Encoding: chunked. Text
// streams are newline-delimited JSON, one chunk per line, with a final
// {"complete":true} line. Binary streams are raw bytes; keep-alives are
// suppressed there because the byte stream has no framing to carry them.
type httpSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	binary  bool
}

type chunkLine struct {
	Seq       *uint64         `json:"seq,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Complete  bool            `json:"complete,omitempty"`
	KeepAlive bool            `json:"keep_alive,omitempty"`
}

func (s *httpSink) WriteFrame(f streaming.Frame) error {
	if s.binary {
		return s.writeBinary(f)
	}

	var line []byte
	switch {
	case f.KeepAlive:
		line, _ = json.Marshal(chunkLine{KeepAlive: true})
	case f.Fault != nil:
		line, _ = json.Marshal(f.Fault.Wire())
	case f.Complete:
		seq := f.Seq
		line, _ = json.Marshal(chunkLine{Seq: &seq, Complete: true})
	default:
		seq := f.Seq
		line, _ = json.Marshal(chunkLine{Seq: &seq, Data: f.Data})
	}

	if _, err := s.w.Write(append(line, '\n')); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *httpSink) writeBinary(f streaming.Frame) error {
	switch {
	case f.KeepAlive, f.Complete:
		// Binary HTTP streams end by closing the body; nothing to frame.
		return nil
	case f.Fault != nil:
		body, _ := json.Marshal(f.Fault.Wire())
		if _, err := s.w.Write(body); err != nil {
			return err
		}
		s.flusher.Flush()
		return nil
	default:
		if _, err := s.w.Write(f.Data); err != nil {
			return err
		}
		s.flusher.Flush()
		return nil
	}
}
