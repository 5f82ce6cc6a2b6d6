// Package bus is the in-process message fabric connecting the gateway
// pipeline to internal handlers. It offers two primitives: publish/subscribe
// (fan-out, no reply) and request/reply (point-to-point with a reply subject
// and correlation id). Subjects are hierarchical dotted names such as
// "users.authenticate" or "logs.entries.v1".
//
// Ordering: within a single publisher and subject, each subscriber observes
// messages in publish order. Across subjects nothing is promised.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

const (
	// replyPrefix marks internal reply subjects that bypass subscriptions.
	replyPrefix = "_reply."

	// DefaultRequestTimeout bounds a request/reply exchange.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultQueueSize bounds each subscriber queue. Overflow drops the
	// oldest message and logs a WARN.
	DefaultQueueSize = 256
)

var (
	// ErrNoResponders means no handler is registered for the subject.
	ErrNoResponders = errors.New("bus: no responders for subject")
	// ErrTimeout means the responder did not reply within the deadline.
	ErrTimeout = errors.New("bus: request timed out")
	// ErrClosed means the bus has been shut down.
	ErrClosed = errors.New("bus: closed")
)

// Message is one unit on the bus.
type Message struct {
	Subject       string
	ReplyTo       string
	CorrelationID string
	Payload       []byte
	Timestamp     time.Time

	// bridged marks messages relayed in from another process so the bridge
	// never mirrors them back out.
	bridged bool
}

// MsgFunc consumes published messages (pub/sub side).
type MsgFunc func(ctx context.Context, msg *Message)

// Handler serves request/reply for one subject. The returned bytes become
// the reply payload; a returned error is propagated to the requester.
type Handler func(ctx context.Context, msg *Message) ([]byte, error)

type subscription struct {
	subject string
	fn      MsgFunc

	mu      sync.Mutex
	queue   []*Message
	max     int
	notify  chan struct{}
	dropped int64

	done chan struct{}
}

// enqueue appends in publish order; when full, the oldest message is
// dropped so slow subscribers cannot stall publishers.
func (s *subscription) enqueue(msg *Message, logger *slog.Logger) {
	s.mu.Lock()
	if len(s.queue) >= s.max {
		s.queue = s.queue[1:]
		s.dropped++
		logger.Warn("subscriber queue overflow, dropping oldest",
			"subject", s.subject, "dropped_total", s.dropped)
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// drain delivers queued messages one at a time so per-subscriber ordering
// holds.
func (s *subscription) drain(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			msg := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.fn(ctx, msg)
		}
	}
}

// Bus is the process-wide broker. One instance per process; many concurrent
// subscribers and requesters.
type Bus struct {
	logger    *slog.Logger
	queueSize int

	mu       sync.RWMutex
	subs     map[string][]*subscription
	handlers map[string]Handler
	waiters  map[string]chan *Message
	closed   bool

	lifecycle context.Context
	stop      context.CancelFunc
}

// Option tunes the bus.
type Option func(*Bus)

// WithQueueSize overrides the per-subscriber queue bound.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// New creates a started bus.
func New(opts ...Option) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		logger:    slog.Default().With("component", "bus"),
		queueSize: DefaultQueueSize,
		subs:      make(map[string][]*subscription),
		handlers:  make(map[string]Handler),
		waiters:   make(map[string]chan *Message),
		lifecycle: ctx,
		stop:      cancel,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish fans a message out to all subscribers of subject. Delivery is
// asynchronous; Publish never blocks on slow subscribers.
func (b *Bus) Publish(ctx context.Context, subject string, payload []byte) error {
	msg := &Message{Subject: subject, Payload: payload, Timestamp: time.Now()}
	return b.publish(msg)
}

// publishBridged injects a message relayed from another process.
func (b *Bus) publishBridged(subject string, payload []byte, ts time.Time) error {
	return b.publish(&Message{Subject: subject, Payload: payload, Timestamp: ts, bridged: true})
}

func (b *Bus) publish(msg *Message) error {
	if strings.HasPrefix(msg.Subject, replyPrefix) {
		b.deliverReply(msg)
		return nil
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	subs := b.subs[msg.Subject]
	b.mu.RUnlock()

	for _, s := range subs {
		s.enqueue(msg, b.logger)
	}
	return nil
}

// Subscribe registers fn for subject and returns an unsubscribe function.
func (b *Bus) Subscribe(subject string, fn MsgFunc) (func(), error) {
	s := &subscription{
		subject: subject,
		fn:      fn,
		max:     b.queueSize,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.subs[subject] = append(b.subs[subject], s)
	b.mu.Unlock()

	go s.drain(b.lifecycle)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(s.done)
			b.mu.Lock()
			list := b.subs[subject]
			for i, cur := range list {
				if cur == s {
					b.subs[subject] = append(list[:i], list[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
		})
	}, nil
}

// Handle registers a request/reply responder for subject. One responder per
// subject; registering twice is a programming error surfaced at startup.
func (b *Bus) Handle(subject string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, dup := b.handlers[subject]; dup {
		return fmt.Errorf("bus: duplicate handler for subject %q", subject)
	}
	b.handlers[subject] = h
	return nil
}

// Request sends payload to the subject's responder and waits for the reply.
// Responder lookup is retried with exponential backoff until the deadline so
// a requester racing service startup does not fail spuriously.
func (b *Bus) Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	handler, err := b.lookupHandler(ctx, subject)
	if err != nil {
		return nil, err
	}

	correlationID := uuid.NewString()
	replyTo := replyPrefix + correlationID
	replyCh := make(chan *Message, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.waiters[correlationID] = replyCh
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.waiters, correlationID)
		b.mu.Unlock()
	}()

	req := &Message{
		Subject:       subject,
		ReplyTo:       replyTo,
		CorrelationID: correlationID,
		Payload:       payload,
		Timestamp:     time.Now(),
	}

	// Responders run on their own goroutine; the reply comes back through
	// the waiter map keyed by correlation id.
	go func() {
		out, herr := handler(ctx, req)
		reply := &Message{
			Subject:       replyTo,
			CorrelationID: correlationID,
			Timestamp:     time.Now(),
		}
		if herr != nil {
			reply.Payload = encodeHandlerError(herr)
		} else {
			reply.Payload = EncodeReply(out)
		}
		b.deliverReply(reply)
	}()

	select {
	case <-ctx.Done():
		return nil, ErrTimeout
	case reply := <-replyCh:
		return decodeHandlerReply(reply.Payload)
	}
}

// lookupHandler resolves the responder for subject, retrying with backoff
// while the context lives.
func (b *Bus) lookupHandler(ctx context.Context, subject string) (Handler, error) {
	var handler Handler
	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(10*time.Millisecond),
		backoff.WithMaxInterval(500*time.Millisecond),
		backoff.WithMaxElapsedTime(0),
	), ctx)

	err := backoff.Retry(func() error {
		b.mu.RLock()
		defer b.mu.RUnlock()
		if b.closed {
			return backoff.Permanent(ErrClosed)
		}
		h, ok := b.handlers[subject]
		if !ok {
			return ErrNoResponders
		}
		handler = h
		return nil
	}, policy)
	if err != nil {
		if errors.Is(err, ErrClosed) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("%w: %s", ErrNoResponders, subject)
	}
	return handler, nil
}

// HasHandler reports whether a responder is currently registered.
func (b *Bus) HasHandler(subject string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.handlers[subject]
	return ok
}

func (b *Bus) deliverReply(msg *Message) {
	id := strings.TrimPrefix(msg.Subject, replyPrefix)
	b.mu.RLock()
	ch, ok := b.waiters[id]
	b.mu.RUnlock()
	if !ok {
		// Late reply after requester gave up; drop silently.
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

// Close shuts the bus down. Subsequent publishes and requests fail with
// ErrClosed; drainer goroutines exit.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.stop()
	b.logger.Info("bus closed")
	return nil
}
