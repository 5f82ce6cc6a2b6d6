package bus

import (
	"encoding/json"
	"time"

	"github.com/evermind-ai/backend/internal/faults"
)

// Handler replies cross the bus as a small JSON envelope so classified
// faults survive the round trip with their kind and retry hint intact.

type replyEnvelope struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error *replyError     `json:"error,omitempty"`
}

type replyError struct {
	Kind         string `json:"kind"`
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

func encodeHandlerError(err error) []byte {
	f := faults.From(err)
	out, _ := json.Marshal(replyEnvelope{Error: &replyError{
		Kind:         string(f.Kind),
		Code:         f.Code,
		Message:      f.Message,
		RetryAfterMS: f.RetryAfter.Milliseconds(),
	}})
	return out
}

func decodeHandlerReply(payload []byte) ([]byte, error) {
	var env replyEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, faults.Internal("malformed bus reply").WithCause(err)
	}
	if env.Error != nil {
		f := &faults.Fault{
			Kind:       faults.Kind(env.Error.Kind),
			Code:       env.Error.Code,
			Message:    env.Error.Message,
			RetryAfter: time.Duration(env.Error.RetryAfterMS) * time.Millisecond,
		}
		return nil, f
	}
	return env.Data, nil
}

// EncodeReply wraps handler output so decodeHandlerReply can distinguish it
// from an error envelope. Handlers returning plain JSON use this.
func EncodeReply(data []byte) []byte {
	out, _ := json.Marshal(replyEnvelope{Data: data})
	return out
}
