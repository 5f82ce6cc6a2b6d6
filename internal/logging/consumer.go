package logging

import (
	"context"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/evermind-ai/backend/internal/bus"
	"github.com/evermind-ai/backend/internal/container"
)

// ConsumerConfig tunes batching.
type ConsumerConfig struct {
	BatchSize     int           // default 256
	FlushInterval time.Duration // default 2s
}

// Consumer subscribes to the log subject and persists events to the store.
// It is a plain container service: no plugin wrapping, its own lifecycle.
// All writes go through one goroutine so the store sees a single writer.
type Consumer struct {
	bus    *bus.Bus
	store  *Store
	cfg    ConsumerConfig
	logger *slog.Logger

	events  chan *Event
	unsub   func()
	done    chan struct{}
	flushed chan struct{}

	dropped   atomic.Int64
	persisted atomic.Int64
}

// NewConsumer wires the consumer to a bus and a store.
func NewConsumer(b *bus.Bus, store *Store, cfg ConsumerConfig) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	return &Consumer{
		bus:    b,
		store:  store,
		cfg:    cfg,
		logger: slog.Default().With("component", "logconsumer"),
		events: make(chan *Event, cfg.BatchSize*2),
		done:   make(chan struct{}),
	}
}

func (c *Consumer) Name() string { return "log-consumer" }

func (c *Consumer) Initialize(ctx context.Context) error { return nil }

// Start subscribes and launches the writer goroutine.
func (c *Consumer) Start(ctx context.Context) error {
	unsub, err := c.bus.Subscribe(Subject, func(_ context.Context, msg *bus.Message) {
		event, derr := Decode(msg.Payload)
		if derr != nil {
			c.dropped.Add(1)
			return
		}
		select {
		case c.events <- event:
		default:
			c.dropped.Add(1)
		}
	})
	if err != nil {
		return err
	}
	c.unsub = unsub
	c.flushed = make(chan struct{})

	go c.writeLoop()
	return nil
}

// Stop unsubscribes, drains buffered events, and flushes the final batch.
func (c *Consumer) Stop(ctx context.Context) error {
	if c.unsub != nil {
		c.unsub()
	}
	close(c.done)
	select {
	case <-c.flushed:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (c *Consumer) HealthCheck() container.Health {
	return container.Health{
		Healthy: true,
		Detail: map[string]string{
			"persisted": strconv.FormatInt(c.persisted.Load(), 10),
			"dropped":   strconv.FormatInt(c.dropped.Load(), 10),
		},
	}
}

func (c *Consumer) writeLoop() {
	defer close(c.flushed)

	batch := make([]*Event, 0, c.cfg.BatchSize)
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := c.store.WriteBatch(batch); err != nil {
			c.logger.Error("log batch write failed", "count", len(batch), "error", err)
		} else {
			c.persisted.Add(int64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-c.done:
			// Drain whatever arrived before unsubscribe completed.
			for {
				select {
				case e := <-c.events:
					batch = append(batch, e)
					if len(batch) >= c.cfg.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		case e := <-c.events:
			batch = append(batch, e)
			if len(batch) >= c.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
