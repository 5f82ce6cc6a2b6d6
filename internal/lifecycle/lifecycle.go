// Package lifecycle is the single process-wide scope: it constructs the
// service container, wires every component from the loaded configuration,
// starts adapters last, and tears everything down in reverse on shutdown.
package lifecycle

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/evermind-ai/backend/internal/adapters"
	"github.com/evermind-ai/backend/internal/adapters/ipc"
	"github.com/evermind-ai/backend/internal/adapters/rest"
	"github.com/evermind-ai/backend/internal/adapters/ws"
	"github.com/evermind-ai/backend/internal/bus"
	"github.com/evermind-ai/backend/internal/circuitbreaker"
	"github.com/evermind-ai/backend/internal/config"
	"github.com/evermind-ai/backend/internal/container"
	"github.com/evermind-ai/backend/internal/crypto"
	"github.com/evermind-ai/backend/internal/handlers"
	"github.com/evermind-ai/backend/internal/logging"
	"github.com/evermind-ai/backend/internal/metrics"
	"github.com/evermind-ai/backend/internal/pipeline"
	"github.com/evermind-ai/backend/internal/plugins"
	"github.com/evermind-ai/backend/internal/session"
	"github.com/evermind-ai/backend/internal/streaming"
	"github.com/evermind-ai/backend/internal/token"
)

// Manager owns process startup and shutdown.
type Manager struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger
	container  *container.Container

	busRef *bus.Bus
	auth   handlers.Authenticator
}

// Option tunes the manager.
type Option func(*Manager)

// WithAuthenticator plugs in the credential backend for
// users.authenticate.
func WithAuthenticator(a handlers.Authenticator) Option {
	return func(m *Manager) { m.auth = a }
}

// WithConfigFile enables hot reload: the file is watched and the
// reloadable settings (log level, rate-limit knobs) follow edits.
func WithConfigFile(path string) Option {
	return func(m *Manager) { m.configPath = path }
}

// New builds the manager. Wiring happens in Start; New only validates
// inputs already checked by config.Load.
func New(cfg *config.Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:       cfg,
		logger:    slog.Default().With("component", "lifecycle"),
		container: container.New(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Container exposes the service registry (health rollup, tests).
func (m *Manager) Container() *container.Container { return m.container }

// Bus exposes the message bus once Start has run.
func (m *Manager) Bus() *bus.Bus { return m.busRef }

// Start wires and starts everything. The container enforces the order:
// bus and storage first, session/token/consumer next, adapters last.
func (m *Manager) Start(ctx context.Context) error {
	cfg := m.cfg

	// The bus exists before the container so the slog bridge can publish
	// from the very first service log line.
	b := bus.New(bus.WithQueueSize(cfg.Bus.QueueSize))
	m.busRef = b

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	// A LevelVar rather than a fixed level so the config reloader can
	// adjust verbosity on a live process.
	levelVar := new(slog.LevelVar)
	levelVar.Set(level)
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})
	slog.SetDefault(slog.New(logging.NewBusHandler(inner, b)))
	m.logger = slog.Default().With("component", "lifecycle")

	signer, err := buildSigner(cfg)
	if err != nil {
		return err
	}

	mets := metrics.New(nil)

	sessions := session.NewManager(session.Config{
		IdleTimeout:      time.Duration(cfg.Plugins.Encryption.IdleTimeoutMinutes) * time.Minute,
		MaxLifetime:      time.Duration(cfg.Plugins.Encryption.MaxLifetimeHours) * time.Hour,
		FailureThreshold: cfg.Plugins.Encryption.DecryptFailThreshold,
		ReplayGuard:      true,
	})

	tokens := token.NewManager(signer, token.Config{
		AccessTTL:  time.Duration(cfg.Security.AccessTTLMinutes) * time.Minute,
		RefreshTTL: time.Duration(cfg.Security.RefreshTTLHours) * time.Hour,
	})

	router := pipeline.NewRouter()
	chain := pipeline.NewChain()
	if cfg.Plugins.Encryption.Enabled {
		chain.Register(plugins.NewEncryption(sessions))
	}
	chain.Register(plugins.NewAuth(tokens))
	var limiter *plugins.RateLimit
	if cfg.Plugins.RateLimit.Enabled {
		limiter = plugins.NewRateLimit(plugins.RateLimitConfig{
			RequestsPerMinute: cfg.Plugins.RateLimit.RequestsPerMinute,
			Burst:             cfg.Plugins.RateLimit.Burst,
		})
		chain.Register(limiter)
	}
	if cfg.Plugins.Validation.Enabled {
		chain.Register(plugins.NewValidation())
	}
	chain.Register(plugins.NewRouting(b, circuitbreaker.NewManager(nil), mets))
	chain.Build()

	if err := registerRoutes(router, cfg); err != nil {
		return err
	}

	core := &adapters.Core{
		Chain:    chain,
		Router:   router,
		Sessions: sessions,
		Engine:   streaming.NewEngine(streaming.Config{}),
		Metrics:  mets,
		Logger:   slog.Default().With("component", "adapters"),
	}

	// The log payload key is derived from the JWT secret so one secret
	// configures the whole security section.
	store, err := logging.OpenStore(logging.StoreConfig{
		Path:              cfg.Database.Path,
		EncryptPayloads:   cfg.Database.EncryptLogs,
		Key:               deriveLogKey(cfg),
		JournalMode:       cfg.Database.JournalMode,
		Synchronous:       cfg.Database.Synchronous,
		WALAutocheckpoint: cfg.Database.WALAutocheckpoint,
	})
	if err != nil {
		return err
	}

	consumer := logging.NewConsumer(b, store, logging.ConsumerConfig{
		BatchSize:     cfg.Logging.BatchSize,
		FlushInterval: time.Duration(cfg.Logging.FlushIntervalMS) * time.Millisecond,
	})

	registry := handlers.NewRegistry(tokens, m.auth)

	c := m.container
	reg := func(name string, deps []string, priority int, factory container.Factory) {
		if err == nil {
			err = c.Register(name, factory, deps, priority)
		}
	}

	err = nil
	reg("bus", nil, 10, func(*container.Container) (container.Service, error) {
		return newFuncService("bus",
			nil,
			func(context.Context) error { return registry.Register(b) },
			func(context.Context) error { return b.Close() },
			func() container.Health { return container.Health{Healthy: true} },
		), nil
	})
	if m.configPath != "" {
		reg("config-store", nil, 10, func(*container.Container) (container.Service, error) {
			st, serr := config.NewStore(m.configPath)
			if serr != nil {
				return nil, serr
			}
			return newReloader(st, levelVar, limiter), nil
		})
	}
	reg("log-store", nil, 10, func(*container.Container) (container.Service, error) {
		return newFuncService("log-store", nil, nil,
			func(context.Context) error { return store.Close() },
			func() container.Health {
				n, qerr := store.Count()
				return container.Health{
					Healthy: qerr == nil,
					Detail:  map[string]string{"events": fmt.Sprintf("%d", n)},
				}
			},
		), nil
	})
	reg("session-manager", []string{"bus"}, 20, func(*container.Container) (container.Service, error) {
		return newFuncService("session-manager", nil,
			func(context.Context) error { sessions.Start(); return nil },
			func(context.Context) error { sessions.Stop(); return nil },
			func() container.Health {
				return container.Health{
					Healthy: true,
					Detail:  map[string]string{"sessions": fmt.Sprintf("%d", sessions.Count())},
				}
			},
		), nil
	})
	reg("token-manager", []string{"bus"}, 20, func(*container.Container) (container.Service, error) {
		return newFuncService("token-manager", nil, nil, nil,
			func() container.Health {
				return container.Health{
					Healthy: true,
					Detail:  map[string]string{"live_refresh": fmt.Sprintf("%d", tokens.LiveRefreshCount())},
				}
			},
		), nil
	})
	reg("log-consumer", []string{"bus", "log-store"}, 30,
		func(*container.Container) (container.Service, error) { return consumer, nil })

	// The gateway's own outbound identity: a pair kept fresh by the
	// proactive refresher so internal bus handlers calling back through
	// the pipeline never present an expired token.
	reg("token-refresher", []string{"token-manager"}, 40, func(*container.Container) (container.Service, error) {
		pair, merr := tokens.Mint("gateway-internal", []string{"internal"})
		if merr != nil {
			return nil, merr
		}
		refresher := token.NewRefresher(pair, func(ctx context.Context, rt string) (*token.Pair, error) {
			return tokens.Refresh(rt)
		}, token.RefresherConfig{
			PreRefreshWindow: time.Duration(cfg.Security.RefreshWindowSeconds) * time.Second,
		})
		return newFuncService("token-refresher", nil,
			func(ctx context.Context) error { refresher.Start(context.Background()); return nil },
			func(context.Context) error { refresher.Stop(); return nil },
			func() container.Health {
				return container.Health{Healthy: refresher.AccessToken() != ""}
			},
		), nil
	})

	if cfg.Bus.Redis.Enabled {
		bridge := bus.NewBridge(b, bus.BridgeConfig{
			Addr:     cfg.Bus.Redis.Addr,
			Prefix:   cfg.Bus.Redis.Prefix,
			Subjects: cfg.Bus.Redis.Subjects,
		})
		reg("bus-bridge", []string{"bus"}, 30, func(*container.Container) (container.Service, error) {
			return newFuncService("bus-bridge", nil,
				func(ctx context.Context) error { return bridge.Start(ctx) },
				func(context.Context) error { return bridge.Close() },
				func() container.Health { return container.Health{Healthy: true} },
			), nil
		})
	}

	// Adapters carry the highest priority so they come up last and go
	// down first.
	restSrv := rest.NewServer(core, rest.Config{
		Host:     cfg.APIGateway.Host,
		Port:     cfg.APIGateway.Port,
		TLS:      cfg.APIGateway.TLS.Enabled,
		CertFile: cfg.APIGateway.TLS.CertFile,
		KeyFile:  cfg.APIGateway.TLS.KeyFile,
	}, c.HealthAll)
	reg("rest-adapter", []string{"bus", "session-manager", "token-manager", "log-consumer"}, 90,
		func(*container.Container) (container.Service, error) { return restSrv, nil })

	wsSrv := ws.NewServer(core, ws.Config{Host: cfg.APIGateway.Host, Port: cfg.APIGateway.Port + 1})
	reg("ws-adapter", []string{"bus", "session-manager", "token-manager", "log-consumer"}, 90,
		func(*container.Container) (container.Service, error) { return wsSrv, nil })

	if cfg.IPC.Enabled {
		ipcSrv := ipc.NewServer(core, ipc.Config{
			SocketPath:    cfg.IPC.SocketPath,
			EnforceBearer: cfg.IPC.EnforceBearer,
			AllowedUIDs:   cfg.IPC.AllowedUIDs,
		})
		reg("ipc-adapter", []string{"bus", "session-manager", "token-manager", "log-consumer"}, 90,
			func(*container.Container) (container.Service, error) { return ipcSrv, nil })
	}

	if err != nil {
		return err
	}
	return m.container.StartAll(ctx)
}

// Run starts the gateway and blocks until ctx is cancelled, then shuts
// down: adapters first (container reverse order), consumers, bus, storage.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		m.logger.Info("shutdown requested")
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		m.container.StopAll(stopCtx)
		return nil
	})
	return g.Wait()
}

func buildSigner(cfg *config.Config) (*crypto.Signer, error) {
	sc := crypto.SignerConfig{
		Algorithm: cfg.Security.JWTAlgorithm,
		Issuer:    cfg.Security.Issuer,
		Audience:  cfg.Security.Audience,
		Leeway:    time.Duration(cfg.Security.ClockSkewSeconds) * time.Second,
	}
	switch cfg.Security.JWTAlgorithm {
	case "HS256":
		sc.HMACSecret = []byte(cfg.Security.JWTSecret)
	case "EdDSA":
		raw, err := os.ReadFile(cfg.Security.JWTPrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("lifecycle: read jwt key: %w", err)
		}
		if len(raw) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("lifecycle: jwt key must be a raw %d-byte ed25519 private key", ed25519.PrivateKeySize)
		}
		sc.Ed25519Key = ed25519.PrivateKey(raw)
	}
	return crypto.NewSigner(sc)
}

func deriveLogKey(cfg *config.Config) [crypto.KeySize]byte {
	return sha256.Sum256([]byte("evermind-log-store:" + cfg.Security.JWTSecret))
}
