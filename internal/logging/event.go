// Package logging persists the gateway's structured log events. Events are
// published on the bus subject logs.entries.v1 (the slog bridge does this
// for every gateway logger); the consumer batches them into an encrypted
// SQLite store with an independent lifecycle.
package logging

import (
	"encoding/json"
	"fmt"
	"time"
)

// Subject is the well-known bus topic carrying log events.
const Subject = "logs.entries.v1"

// Event is one structured log record. Append-only from the consumer's
// point of view.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	Level     string            `json:"level"`
	Subsystem string            `json:"subsystem"`
	Message   string            `json:"message"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// Validate rejects events the store cannot index.
func (e *Event) Validate() error {
	if e.Timestamp.IsZero() {
		return fmt.Errorf("log event: missing timestamp")
	}
	if e.Level == "" {
		return fmt.Errorf("log event: missing level")
	}
	if e.Message == "" {
		return fmt.Errorf("log event: missing message")
	}
	return nil
}

// Decode parses a bus payload into an Event.
func Decode(payload []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("log event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
