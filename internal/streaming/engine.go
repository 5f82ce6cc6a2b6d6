package streaming

import (
	"log/slog"
	"time"

	"github.com/evermind-ai/backend/internal/faults"
)

// Encryptor re-encrypts one text chunk for the wire. It is installed by the
// encryption plugin when the route is protected; nil means pass-through.
// Binary chunks are never re-encrypted.
type Encryptor func(plaintext []byte) ([]byte, error)

// SessionCheck reports whether the stream's session is still the one
// captured at decrypt time. Binary chunks skip re-encryption, so this is
// how their streams observe a mid-stream invalidation or rotation.
type SessionCheck func() error

// Config tunes the engine.
type Config struct {
	// KeepAlive interval for idle streams. Default 15s.
	KeepAlive time.Duration
	// IdleTimeout aborts a stream whose producer goes silent. Default 120s.
	IdleTimeout time.Duration
}

// Engine drives frames from streams to sinks.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

// NewEngine creates a streaming engine.
func NewEngine(cfg Config) *Engine {
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 15 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 120 * time.Second
	}
	return &Engine{cfg: cfg, logger: slog.Default().With("component", "streaming")}
}

// Run pumps st into sink until the complete marker, an error frame, a
// session error during re-encryption, cancellation, or idle timeout.
//
// onSessionError is invoked when encrypt or check fails mid-stream, meaning
// the session was invalidated behind the producer's back, so the caller can
// reset session state. The client observes exactly one error frame, with a
// message starting "Encryption session".
func (e *Engine) Run(st *Stream, sink Sink, encrypt Encryptor, check SessionCheck, onSessionError func()) error {
	var seq uint64

	keepAlive := time.NewTicker(e.cfg.KeepAlive)
	defer keepAlive.Stop()
	idle := time.NewTimer(e.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-st.Context().Done():
			return st.Context().Err()

		case <-idle.C:
			st.completed.Store(true)
			fault := faults.UpstreamTimeout("stream producer idle")
			_ = sink.WriteFrame(Frame{Seq: seq, Fault: fault})
			return fault

		case <-keepAlive.C:
			if err := sink.WriteFrame(Frame{KeepAlive: true}); err != nil {
				return err
			}

		case frame := <-st.frames:
			idle.Reset(e.cfg.IdleTimeout)

			switch {
			case frame.Fault != nil:
				frame.Seq = seq
				return sink.WriteFrame(frame)

			case frame.Complete:
				frame.Seq = seq
				return sink.WriteFrame(frame)

			default:
				if frame.Binary {
					// Binary chunks go out unencrypted, so the generation
					// compare the Encryptor performs has to happen here.
					if check != nil {
						if err := check(); err != nil {
							return e.sessionFault(st, sink, seq, onSessionError, err)
						}
					}
				} else if encrypt != nil {
					enc, err := encrypt(frame.Data)
					if err != nil {
						return e.sessionFault(st, sink, seq, onSessionError, err)
					}
					frame.Data = enc
				}
				frame.Seq = seq
				seq++
				if err := sink.WriteFrame(frame); err != nil {
					return err
				}
			}
		}
	}
}

// sessionFault ends the stream after a mid-stream session loss: one
// structured error frame, then the session-error hook.
func (e *Engine) sessionFault(st *Stream, sink Sink, seq uint64, onSessionError func(), err error) error {
	st.completed.Store(true)
	fault := faults.SessionExpired()
	e.logger.Warn("mid-stream session check failed", "error", err)
	if onSessionError != nil {
		onSessionError()
	}
	_ = sink.WriteFrame(Frame{Seq: seq, Fault: fault})
	return fault
}
