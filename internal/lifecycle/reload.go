package lifecycle

import (
	"context"
	"log/slog"

	"github.com/evermind-ai/backend/internal/config"
	"github.com/evermind-ai/backend/internal/container"
	"github.com/evermind-ai/backend/internal/logging"
	"github.com/evermind-ai/backend/internal/plugins"
)

// reloader pushes config file changes into the running process: the log
// level and the rate-limit knobs take effect without a restart. Everything
// else in the file still needs one.
type reloader struct {
	store   *config.Store
	level   *slog.LevelVar
	limiter *plugins.RateLimit
	logger  *slog.Logger

	unsub func()
	quit  chan struct{}
}

// newReloader builds the service. limiter may be nil when rate limiting is
// disabled.
func newReloader(store *config.Store, level *slog.LevelVar, limiter *plugins.RateLimit) *reloader {
	return &reloader{
		store:   store,
		level:   level,
		limiter: limiter,
		logger:  slog.Default().With("component", "config-store"),
		quit:    make(chan struct{}),
	}
}

func (r *reloader) Name() string { return "config-store" }

func (r *reloader) Initialize(ctx context.Context) error { return nil }

func (r *reloader) Start(ctx context.Context) error {
	if err := r.store.Watch(); err != nil {
		return err
	}
	ch, unsub := r.store.Subscribe()
	r.unsub = unsub
	go func() {
		for {
			select {
			case <-r.quit:
				return
			case <-ch:
				r.apply()
			}
		}
	}()
	return nil
}

func (r *reloader) Stop(ctx context.Context) error {
	close(r.quit)
	if r.unsub != nil {
		r.unsub()
	}
	return r.store.Close()
}

func (r *reloader) HealthCheck() container.Health {
	return container.Health{
		Healthy: true,
		Detail:  map[string]string{"level": r.level.Level().String()},
	}
}

// apply hands the reloadable knobs to their owners. A value that fails to
// parse keeps the running setting.
func (r *reloader) apply() {
	lvl, err := logging.ParseLevel(r.store.GetString("logging.level", "info"))
	if err != nil {
		r.logger.Warn("ignoring bad logging.level", "error", err)
	} else if r.level.Level() != lvl {
		r.level.Set(lvl)
		r.logger.Info("log level updated", "level", lvl.String())
	}

	if r.limiter != nil {
		r.limiter.Update(plugins.RateLimitConfig{
			RequestsPerMinute: r.store.GetInt("plugins.rate_limiting.requests_per_minute", 0),
			Burst:             r.store.GetInt("plugins.rate_limiting.burst", 0),
		})
	}
}
