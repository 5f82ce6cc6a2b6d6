package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/evermind-ai/backend/internal/bus"
)

// BusHandler is a slog.Handler that forwards every record to the wrapped
// handler and also publishes it on the log subject so the consumer
// persists it. Records emitted by the bus itself are not republished;
// that would recurse.
type BusHandler struct {
	inner slog.Handler
	bus   *bus.Bus
	attrs []slog.Attr
}

// NewBusHandler wraps inner with bus publication.
func NewBusHandler(inner slog.Handler, b *bus.Bus) *BusHandler {
	return &BusHandler{inner: inner, bus: b}
}

func (h *BusHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *BusHandler) Handle(ctx context.Context, r slog.Record) error {
	event := &Event{
		Timestamp: r.Time,
		Level:     r.Level.String(),
		Message:   r.Message,
		Extra:     make(map[string]string, r.NumAttrs()+len(h.attrs)),
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	collect := func(a slog.Attr) bool {
		if a.Key == "component" {
			event.Subsystem = a.Value.String()
			return true
		}
		event.Extra[a.Key] = a.Value.String()
		return true
	}
	for _, a := range h.attrs {
		collect(a)
	}
	r.Attrs(collect)
	if event.Subsystem == "" {
		event.Subsystem = "gateway"
	}

	if event.Subsystem != "bus" {
		if payload, err := json.Marshal(event); err == nil {
			// Best effort; a full queue must never block the logger.
			_ = h.bus.Publish(ctx, Subject, payload)
		}
	}
	return h.inner.Handle(ctx, r)
}

func (h *BusHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &BusHandler{inner: h.inner.WithAttrs(attrs), bus: h.bus, attrs: merged}
}

func (h *BusHandler) WithGroup(name string) slog.Handler {
	return &BusHandler{inner: h.inner.WithGroup(name), bus: h.bus, attrs: h.attrs}
}

// ParseLevel maps a config string to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("logging: unknown level %q", s)
	}
}
