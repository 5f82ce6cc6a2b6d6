package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errHandler = errors.New("handler failed")

func fail(b *Breaker) error    { return b.Execute(func() error { return errHandler }) }
func succeed(b *Breaker) error { return b.Execute(func() error { return nil }) }

func TestBreakerStaysClosedOnSuccess(t *testing.T) {
	b := New(DefaultConfig("users.authenticate"))

	for i := 0; i < 20; i++ {
		require.NoError(t, succeed(b))
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, uint32(20), b.Counts().TotalSuccesses)
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	var transitions []string
	cfg := DefaultConfig("gateway.echo")
	cfg.OnStateChange = func(name string, from, to State) {
		transitions = append(transitions, from.String()+">"+to.String())
	}
	b := New(cfg)

	for i := 0; i < 4; i++ {
		assert.ErrorIs(t, fail(b), errHandler)
		assert.Equal(t, StateClosed, b.State())
	}
	assert.ErrorIs(t, fail(b), errHandler)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, []string{"closed>open"}, transitions)

	// Open state rejects without invoking fn.
	var called bool
	err := b.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreakerSuccessResetsConsecutiveFailures(t *testing.T) {
	b := New(DefaultConfig("s"))

	for i := 0; i < 4; i++ {
		_ = fail(b)
	}
	require.NoError(t, succeed(b))
	for i := 0; i < 4; i++ {
		_ = fail(b)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	cfg := DefaultConfig("s")
	cfg.Timeout = 20 * time.Millisecond
	cfg.MaxRequests = 2
	b := New(cfg)

	for i := 0; i < 5; i++ {
		_ = fail(b)
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())

	// MaxRequests consecutive probe successes close the breaker.
	require.NoError(t, succeed(b))
	require.NoError(t, succeed(b))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cfg := DefaultConfig("s")
	cfg.Timeout = 20 * time.Millisecond
	b := New(cfg)

	for i := 0; i < 5; i++ {
		_ = fail(b)
	}
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	assert.ErrorIs(t, fail(b), errHandler)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerHalfOpenProbeCap(t *testing.T) {
	cfg := DefaultConfig("s")
	cfg.Timeout = 20 * time.Millisecond
	cfg.MaxRequests = 1
	b := New(cfg)

	for i := 0; i < 5; i++ {
		_ = fail(b)
	}
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	// One probe in flight; a second concurrent probe is rejected.
	block := make(chan struct{})
	probeDone := make(chan error, 1)
	go func() {
		probeDone <- b.Execute(func() error { <-block; return nil })
	}()
	time.Sleep(10 * time.Millisecond)

	err := b.Execute(func() error { return nil })
	assert.ErrorIs(t, err, ErrTooManyRequests)

	close(block)
	require.NoError(t, <-probeDone)
}

func TestBreakerPanicCountsAsFailure(t *testing.T) {
	cfg := DefaultConfig("s")
	cfg.ReadyToTrip = func(c Counts) bool { return c.ConsecutiveFailures >= 1 }
	b := New(cfg)

	assert.Panics(t, func() {
		_ = b.Execute(func() error { panic("handler bug") })
	})
	assert.Equal(t, StateOpen, b.State())
}

func TestCountsFailureRatio(t *testing.T) {
	var c Counts
	assert.Zero(t, c.FailureRatio())
	c.onSuccess()
	c.onFailure()
	c.onFailure()
	c.onFailure()
	assert.InDelta(t, 0.75, c.FailureRatio(), 0.001)
}

func TestManagerLazyPerName(t *testing.T) {
	m := NewManager(nil)

	a := m.Get("users.authenticate")
	b := m.Get("gateway.echo")
	assert.NotSame(t, a, b)
	assert.Same(t, a, m.Get("users.authenticate"))
	assert.Equal(t, "users.authenticate", a.Name())

	_ = fail(a)
	stats := m.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, uint32(1), stats["users.authenticate"].Counts.TotalFailures)
	assert.Equal(t, StateClosed, stats["gateway.echo"].State)
}
