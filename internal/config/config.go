// Package config loads the gateway configuration: a typed YAML document
// layered over shipped defaults, with environment overrides on top. Unknown
// keys in the file are a startup error. The Store additionally offers
// hierarchical dotted-path lookup and hot-reload notification for
// components that read raw values.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

type Config struct {
	APIGateway APIGatewayConfig `yaml:"api_gateway"`
	Plugins    PluginsConfig    `yaml:"plugins"`
	Security   SecurityConfig   `yaml:"security"`
	Database   DatabaseConfig   `yaml:"database"`
	Logging    LoggingConfig    `yaml:"logging"`
	Bus        BusConfig        `yaml:"bus"`
	IPC        IPCConfig        `yaml:"ipc"`
}

type APIGatewayConfig struct {
	Host string    `yaml:"host"`
	Port int       `yaml:"port"`
	TLS  TLSConfig `yaml:"tls"`
}

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type PluginsConfig struct {
	Encryption EncryptionPlugin `yaml:"encryption"`
	RateLimit  RateLimitPlugin  `yaml:"rate_limiting"`
	Validation ValidationPlugin `yaml:"validation"`
}

type EncryptionPlugin struct {
	Enabled               bool `yaml:"enabled"`
	IdleTimeoutMinutes    int  `yaml:"idle_timeout_minutes"`
	MaxLifetimeHours      int  `yaml:"max_lifetime_hours"`
	DecryptFailThreshold  int  `yaml:"decrypt_fail_threshold"`
	NonceReplayGuardDepth int  `yaml:"nonce_replay_guard_depth"`
}

type RateLimitPlugin struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

type ValidationPlugin struct {
	Enabled bool `yaml:"enabled"`
}

type SecurityConfig struct {
	JWTAlgorithm      string `yaml:"jwt_algorithm"` // HS256 or EdDSA
	JWTSecret         string `yaml:"jwt_secret"`
	JWTPrivateKeyFile string `yaml:"jwt_private_key_file"`
	Issuer            string `yaml:"issuer"`
	Audience          string `yaml:"audience"`

	AccessTTLMinutes     int `yaml:"access_ttl_minutes"`
	RefreshTTLHours      int `yaml:"refresh_ttl_hours"`
	RefreshWindowSeconds int `yaml:"refresh_window_seconds"`
	ClockSkewSeconds     int `yaml:"clock_skew_seconds"`
}

type DatabaseConfig struct {
	Path              string `yaml:"path"`
	EncryptLogs       bool   `yaml:"encrypt_logs"`
	JournalMode       string `yaml:"journal_mode"`
	Synchronous       string `yaml:"synchronous"`
	WALAutocheckpoint int    `yaml:"wal_autocheckpoint"`
}

type LoggingConfig struct {
	Level           string `yaml:"level"`
	BatchSize       int    `yaml:"batch_size"`
	FlushIntervalMS int    `yaml:"flush_interval_ms"`
}

type BusConfig struct {
	RequestTimeoutSeconds int         `yaml:"request_timeout_seconds"`
	QueueSize             int         `yaml:"queue_size"`
	Redis                 RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Addr     string   `yaml:"addr"`
	Prefix   string   `yaml:"prefix"`
	Subjects []string `yaml:"subjects"`
}

type IPCConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SocketPath    string `yaml:"socket_path"`
	EnforceBearer bool   `yaml:"enforce_bearer"`
	AllowedUIDs   []int  `yaml:"allowed_uids"`
}

// Defaults returns the shipped configuration layer. User files and
// environment variables override it.
func Defaults() Config {
	return Config{
		APIGateway: APIGatewayConfig{Host: "127.0.0.1", Port: 8710},
		Plugins: PluginsConfig{
			Encryption: EncryptionPlugin{
				Enabled:               true,
				IdleTimeoutMinutes:    30,
				MaxLifetimeHours:      24,
				DecryptFailThreshold:  5,
				NonceReplayGuardDepth: 1024,
			},
			RateLimit:  RateLimitPlugin{Enabled: true, RequestsPerMinute: 100, Burst: 20},
			Validation: ValidationPlugin{Enabled: true},
		},
		Security: SecurityConfig{
			JWTAlgorithm:         "HS256",
			Issuer:               "evermind-gateway",
			AccessTTLMinutes:     15,
			RefreshTTLHours:      168,
			RefreshWindowSeconds: 120,
			ClockSkewSeconds:     60,
		},
		Database: DatabaseConfig{
			Path:              "evermind.db",
			EncryptLogs:       true,
			JournalMode:       "WAL",
			Synchronous:       "FULL",
			WALAutocheckpoint: 1000,
		},
		Logging: LoggingConfig{Level: "info", BatchSize: 256, FlushIntervalMS: 2000},
		Bus: BusConfig{
			RequestTimeoutSeconds: 30,
			QueueSize:             256,
			Redis:                 RedisConfig{Prefix: "evermind:bus:"},
		},
		IPC: IPCConfig{SocketPath: "/tmp/evermind-gateway.sock", EnforceBearer: true},
	}
}

// Load reads path over the defaults and applies environment overrides.
// Unknown YAML keys fail the load. A missing file is fine; defaults plus
// environment apply.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv layers EVERMIND_* variables on top of the file. godotenv is
// loaded by main before this runs, so .env files land here too.
func applyEnv(cfg *Config) {
	if v := os.Getenv("EVERMIND_HOST"); v != "" {
		cfg.APIGateway.Host = v
	}
	if v := os.Getenv("EVERMIND_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.APIGateway.Port = p
		}
	}
	if v := os.Getenv("EVERMIND_JWT_SECRET"); v != "" {
		cfg.Security.JWTSecret = v
	}
	if v := os.Getenv("EVERMIND_JWT_ALGORITHM"); v != "" {
		cfg.Security.JWTAlgorithm = v
	}
	if v := os.Getenv("EVERMIND_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("EVERMIND_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("EVERMIND_REDIS_ADDR"); v != "" {
		cfg.Bus.Redis.Addr = v
		cfg.Bus.Redis.Enabled = true
	}
	if v := os.Getenv("EVERMIND_IPC_SOCKET"); v != "" {
		cfg.IPC.SocketPath = v
		cfg.IPC.Enabled = true
	}
}

// Validate enforces fail-fast startup: misconfiguration aborts with an
// error naming the offending section.
func (c *Config) Validate() error {
	if c.APIGateway.Port <= 0 || c.APIGateway.Port > 65535 {
		return fmt.Errorf("config: api_gateway.port %d out of range", c.APIGateway.Port)
	}
	switch c.Security.JWTAlgorithm {
	case "HS256":
		if c.Security.JWTSecret == "" {
			return fmt.Errorf("config: security.jwt_secret required for HS256")
		}
	case "EdDSA":
		if c.Security.JWTPrivateKeyFile == "" {
			return fmt.Errorf("config: security.jwt_private_key_file required for EdDSA")
		}
	default:
		return fmt.Errorf("config: security.jwt_algorithm %q not supported", c.Security.JWTAlgorithm)
	}
	if c.APIGateway.TLS.Enabled && (c.APIGateway.TLS.CertFile == "" || c.APIGateway.TLS.KeyFile == "") {
		return fmt.Errorf("config: api_gateway.tls enabled without cert_file/key_file")
	}
	if c.Bus.Redis.Enabled && c.Bus.Redis.Addr == "" {
		return fmt.Errorf("config: bus.redis enabled without addr")
	}
	return nil
}
