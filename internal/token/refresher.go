package token

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/evermind-ai/backend/internal/crypto"
)

// RefreshFunc exchanges the current refresh token for a new pair. The
// gateway's outbound clients plug Manager.Refresh or a remote call in here.
type RefreshFunc func(ctx context.Context, refreshToken string) (*Pair, error)

// Refresher keeps one identity's token pair fresh by re-minting before
// expiry. It replaces ad-hoc background refresh threads with a single
// supervised periodic task that cancels cleanly on shutdown.
type Refresher struct {
	refresh RefreshFunc
	logger  *slog.Logger

	// Window before exp at which refresh is triggered. Default 2m.
	window time.Duration
	// Skew added to "now" when comparing against exp. Default 10s.
	skew time.Duration
	// Interval between checks. Default 30s.
	interval time.Duration

	mu   sync.RWMutex
	pair *Pair

	cancel context.CancelFunc
	done   chan struct{}
}

// RefresherConfig tunes the proactive refresh schedule.
type RefresherConfig struct {
	PreRefreshWindow time.Duration
	Skew             time.Duration
	CheckInterval    time.Duration
}

// NewRefresher wraps an initial pair with a proactive refresh loop.
func NewRefresher(initial *Pair, fn RefreshFunc, cfg RefresherConfig) *Refresher {
	if cfg.PreRefreshWindow == 0 {
		cfg.PreRefreshWindow = 2 * time.Minute
	}
	if cfg.Skew == 0 {
		cfg.Skew = 10 * time.Second
	}
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	return &Refresher{
		refresh:  fn,
		logger:   slog.Default().With("component", "token.refresher"),
		window:   cfg.PreRefreshWindow,
		skew:     cfg.Skew,
		interval: cfg.CheckInterval,
		pair:     initial,
	}
}

// Pair returns the current token pair.
func (r *Refresher) Pair() *Pair {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pair
}

// AccessToken returns the current access token.
func (r *Refresher) AccessToken() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.pair == nil {
		return ""
	}
	return r.pair.AccessToken
}

// Start launches the refresh loop. Stop (or parent context cancellation)
// terminates it.
func (r *Refresher) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.loop(ctx)
}

// Stop cancels the loop and waits for it to exit.
func (r *Refresher) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

func (r *Refresher) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.maybeRefresh(ctx)
		}
	}
}

func (r *Refresher) maybeRefresh(ctx context.Context) {
	r.mu.RLock()
	pair := r.pair
	r.mu.RUnlock()
	if pair == nil {
		return
	}

	exp := pair.AccessExpiresAt
	if exp.IsZero() {
		// Fall back to the token's own exp claim.
		decoded, err := crypto.DecodeExpiry(pair.AccessToken)
		if err != nil {
			r.logger.Warn("cannot schedule refresh, access token has no exp", "error", err)
			return
		}
		exp = decoded
	}

	if time.Now().Add(r.skew).Before(exp.Add(-r.window)) {
		return
	}

	next, err := r.refresh(ctx, pair.RefreshToken)
	if err != nil {
		r.logger.Warn("proactive refresh failed", "error", err)
		return
	}
	r.mu.Lock()
	r.pair = next
	r.mu.Unlock()
	r.logger.Debug("token pair refreshed proactively", "new_exp", next.AccessExpiresAt)
}
