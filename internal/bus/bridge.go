package bus

// Redis bridge for multi-process deployments. The in-process Bus only
// delivers within one process; the Bridge mirrors selected subjects over
// Redis Pub/Sub so events published in one process reach subscribers in
// another. Disabled by default; the single-process gateway never needs it.

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// BridgeConfig configures the Redis bridge.
type BridgeConfig struct {
	Addr string
	// Prefix namespaces the Redis channels, e.g. "evermind:bus:".
	Prefix string
	// Subjects lists the bus subjects to mirror.
	Subjects []string
}

// Bridge relays published messages between the local bus and Redis.
type Bridge struct {
	cfg    BridgeConfig
	local  *Bus
	client *redis.Client
	logger *slog.Logger

	mu      sync.Mutex
	pubsub  *redis.PubSub
	unsubs  []func()
	stopped bool
}

type bridgeFrame struct {
	Subject   string    `json:"subject"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	// Origin identifies the publishing process so a bridge never re-delivers
	// its own frames locally.
	Origin string `json:"origin"`
}

// NewBridge connects the local bus to Redis. Call Start to begin relaying.
func NewBridge(local *Bus, cfg BridgeConfig) *Bridge {
	if cfg.Prefix == "" {
		cfg.Prefix = "evermind:bus:"
	}
	return &Bridge{
		cfg:    cfg,
		local:  local,
		client: redis.NewClient(&redis.Options{Addr: cfg.Addr}),
		logger: slog.Default().With("component", "bus.bridge"),
	}
}

// Start subscribes to the mirrored subjects in both directions.
func (br *Bridge) Start(ctx context.Context) error {
	origin := fmt.Sprintf("proc-%d", time.Now().UnixNano())

	channels := make([]string, 0, len(br.cfg.Subjects))
	for _, subject := range br.cfg.Subjects {
		channels = append(channels, br.cfg.Prefix+subject)

		subject := subject
		unsub, err := br.local.Subscribe(subject, func(ctx context.Context, msg *Message) {
			if msg.bridged {
				return
			}
			frame, _ := json.Marshal(bridgeFrame{
				Subject:   subject,
				Payload:   msg.Payload,
				Timestamp: msg.Timestamp,
				Origin:    origin,
			})
			if err := br.client.Publish(ctx, br.cfg.Prefix+subject, frame).Err(); err != nil {
				br.logger.Warn("redis publish failed, local-only delivery", "subject", subject, "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("bridge subscribe %s: %w", subject, err)
		}
		br.mu.Lock()
		br.unsubs = append(br.unsubs, unsub)
		br.mu.Unlock()
	}

	br.pubsub = br.client.Subscribe(ctx, channels...)
	go func() {
		for msg := range br.pubsub.Channel() {
			var frame bridgeFrame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				br.logger.Warn("malformed bridge frame", "error", err)
				continue
			}
			if frame.Origin == origin {
				continue
			}
			if err := br.local.publishBridged(frame.Subject, frame.Payload, frame.Timestamp); err != nil {
				br.logger.Warn("bridge local publish failed", "subject", frame.Subject, "error", err)
			}
		}
	}()

	br.logger.Info("bridge started", "subjects", len(br.cfg.Subjects), "addr", br.cfg.Addr)
	return nil
}

// Close stops relaying and disconnects from Redis.
func (br *Bridge) Close() error {
	br.mu.Lock()
	defer br.mu.Unlock()
	if br.stopped {
		return nil
	}
	br.stopped = true

	for _, unsub := range br.unsubs {
		unsub()
	}
	br.unsubs = nil
	if br.pubsub != nil {
		br.pubsub.Close()
	}
	return br.client.Close()
}
