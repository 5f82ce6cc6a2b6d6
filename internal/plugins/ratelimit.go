package plugins

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/evermind-ai/backend/internal/faults"
	"github.com/evermind-ai/backend/internal/pipeline"
)

// RateLimitConfig tunes the per-caller token buckets.
type RateLimitConfig struct {
	RequestsPerMinute int // default 100
	Burst             int // default 20
	// IdleEviction drops buckets not used for this long. Default 10m.
	IdleEviction time.Duration
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimit enforces a token bucket per caller identity, falling back to
// client id (and then transport) for unauthenticated public endpoints.
type RateLimit struct {
	cfg RateLimitConfig

	mu      sync.Mutex
	buckets map[string]*bucket
	lastGC  time.Time
}

// NewRateLimit creates the rate limiting stage.
func NewRateLimit(cfg RateLimitConfig) *RateLimit {
	if cfg.RequestsPerMinute == 0 {
		cfg.RequestsPerMinute = 100
	}
	if cfg.Burst == 0 {
		cfg.Burst = 20
	}
	if cfg.IdleEviction == 0 {
		cfg.IdleEviction = 10 * time.Minute
	}
	return &RateLimit{cfg: cfg, buckets: make(map[string]*bucket), lastGC: time.Now()}
}

// Update swaps the rate and burst, dropping existing buckets so the new
// limits take effect on the next request. Zero fields fall back to the
// defaults; IdleEviction is not reloadable.
func (p *RateLimit) Update(cfg RateLimitConfig) {
	if cfg.RequestsPerMinute == 0 {
		cfg.RequestsPerMinute = 100
	}
	if cfg.Burst == 0 {
		cfg.Burst = 20
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if cfg.RequestsPerMinute == p.cfg.RequestsPerMinute && cfg.Burst == p.cfg.Burst {
		return
	}
	p.cfg.RequestsPerMinute = cfg.RequestsPerMinute
	p.cfg.Burst = cfg.Burst
	p.buckets = make(map[string]*bucket)
}

func (p *RateLimit) Meta() pipeline.Metadata {
	return pipeline.Metadata{
		Name:        "ratelimit",
		Priority:    pipeline.PriorityRateLimit,
		Description: "per-caller token bucket",
	}
}

func (p *RateLimit) OnRequest(c *pipeline.Context) error {
	lim := p.bucketFor(p.keyFor(c))

	if lim.Allow() {
		return nil
	}

	// Compute the wait the caller would need; the reservation is cancelled
	// so probing for the hint does not consume quota.
	res := lim.Reserve()
	retryAfter := res.Delay()
	res.Cancel()
	if retryAfter <= 0 {
		retryAfter = time.Second
	}
	return faults.RateLimited(retryAfter)
}

func (p *RateLimit) OnResponse(c *pipeline.Context) error { return nil }

func (p *RateLimit) keyFor(c *pipeline.Context) string {
	if c.Identity != nil && c.Identity.Identity() != "" {
		return "id:" + c.Identity.Identity()
	}
	if c.ClientID != "" {
		return "client:" + c.ClientID
	}
	return "anon:" + string(c.Transport)
}

func (p *RateLimit) bucketFor(key string) *rate.Limiter {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	if now.Sub(p.lastGC) > p.cfg.IdleEviction {
		for k, b := range p.buckets {
			if now.Sub(b.lastSeen) > p.cfg.IdleEviction {
				delete(p.buckets, k)
			}
		}
		p.lastGC = now
	}

	b, ok := p.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(float64(p.cfg.RequestsPerMinute)/60.0), p.cfg.Burst)}
		p.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter
}
