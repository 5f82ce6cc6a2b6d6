package handlers

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/evermind-ai/backend/internal/faults"
	"github.com/evermind-ai/backend/internal/pipeline"
	"github.com/evermind-ai/backend/internal/streaming"
)

// ConversationSend is the chunked-text producer stub behind
// POST /conversation/send. It tokenizes the prompt into word chunks so the
// full streaming path (sequence numbers, re-encryption, completion) is
// exercised end to end without a model backend.
func ConversationSend(c *pipeline.Context, st *streaming.Stream) error {
	var req struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(c.Payload, &req); err != nil || req.Message == "" {
		return faults.BadPayload("/message", "message is required")
	}

	for _, w := range strings.Fields(req.Message) {
		if err := st.Context().Err(); err != nil {
			return err
		}
		chunk, _ := json.Marshal(map[string]string{"delta": w})
		if err := st.Send(chunk); err != nil {
			return err
		}
	}
	return nil
}

// TTSSynthesize is the binary producer stub behind POST /tts/synthesize.
// It emits a short sine tone as 16-bit little-endian PCM frames, the shape
// a real synthesis backend would produce.
func TTSSynthesize(c *pipeline.Context, st *streaming.Stream) error {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(c.Payload, &req); err != nil || req.Text == "" {
		return faults.BadPayload("/text", "text is required")
	}

	const (
		sampleRate = 16000
		frameMS    = 20
		freq       = 440.0
	)
	samplesPerFrame := sampleRate * frameMS / 1000

	// ~40ms of audio per input character, capped to keep the stub bounded.
	frames := len(req.Text) * 2
	if frames > 100 {
		frames = 100
	}

	var phase float64
	step := 2 * math.Pi * freq / sampleRate
	for i := 0; i < frames; i++ {
		if err := st.Context().Err(); err != nil {
			return err
		}
		buf := make([]byte, samplesPerFrame*2)
		for s := 0; s < samplesPerFrame; s++ {
			sample := int16(math.Sin(phase) * 0.3 * math.MaxInt16)
			binary.LittleEndian.PutUint16(buf[s*2:], uint16(sample))
			phase += step
		}
		if err := st.SendBinary(buf); err != nil {
			return err
		}
		// Pace roughly at real time so cancellation mid-stream is testable.
		time.Sleep(time.Millisecond)
	}
	return nil
}
