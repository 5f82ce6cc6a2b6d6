// Package streaming pumps chunked and binary response streams from
// producers to adapter sinks. Producers push frames; the engine assigns
// monotonically increasing sequence numbers, injects keep-alives, enforces
// the "nothing after complete" rule, and surfaces mid-stream session errors
// as a single structured error frame.
package streaming

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/evermind-ai/backend/internal/faults"
)

// ErrStreamComplete is returned to producers that keep sending after
// Complete or Fail. The extra chunks are never emitted.
var ErrStreamComplete = errors.New("stream already complete")

// Frame is one unit emitted to a sink.
type Frame struct {
	Seq       uint64
	Data      []byte
	Binary    bool
	KeepAlive bool
	Complete  bool
	Fault     *faults.Fault
}

// Sink receives frames in order. Adapters implement it over chunked HTTP,
// WebSocket messages, or IPC frames. WriteFrame may block; the producer
// blocks with it.
type Sink interface {
	WriteFrame(Frame) error
}

// Stream is the producer-facing handle.
type Stream struct {
	frames    chan Frame
	ctx       context.Context
	completed atomic.Bool
}

// NewStream creates a stream bound to ctx. The frame channel is unbuffered:
// when the sink blocks, the producer blocks, so nothing buffers internally.
func NewStream(ctx context.Context) *Stream {
	return &Stream{frames: make(chan Frame), ctx: ctx}
}

// Context returns the stream's cancellation context. Producers must check
// it before expensive work.
func (s *Stream) Context() context.Context { return s.ctx }

// Send emits one text/JSON chunk.
func (s *Stream) Send(data []byte) error {
	return s.push(Frame{Data: data})
}

// SendBinary emits one raw binary chunk.
func (s *Stream) SendBinary(data []byte) error {
	return s.push(Frame{Data: data, Binary: true})
}

// Complete emits the final marker. Idempotent; all later sends are dropped.
func (s *Stream) Complete() error {
	if !s.completed.CompareAndSwap(false, true) {
		return ErrStreamComplete
	}
	select {
	case s.frames <- Frame{Complete: true}:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// Fail emits a structured error frame and terminates the stream. Earlier
// chunks are not retracted.
func (s *Stream) Fail(f *faults.Fault) error {
	if !s.completed.CompareAndSwap(false, true) {
		return ErrStreamComplete
	}
	select {
	case s.frames <- Frame{Fault: f}:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *Stream) push(f Frame) error {
	if s.completed.Load() {
		return ErrStreamComplete
	}
	select {
	case s.frames <- f:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}
