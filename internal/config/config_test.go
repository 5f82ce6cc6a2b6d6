package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaultsOnly(t *testing.T) {
	t.Setenv("EVERMIND_JWT_SECRET", "env-secret")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.APIGateway.Host)
	assert.Equal(t, 8710, cfg.APIGateway.Port)
	assert.True(t, cfg.Plugins.Encryption.Enabled)
	assert.Equal(t, 30, cfg.Plugins.Encryption.IdleTimeoutMinutes)
	assert.Equal(t, "evermind-gateway", cfg.Security.Issuer)
	assert.Equal(t, "env-secret", cfg.Security.JWTSecret)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
api_gateway:
  port: 9000
plugins:
  rate_limiting:
    requests_per_minute: 10
security:
  jwt_secret: file-secret
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.APIGateway.Port)
	assert.Equal(t, "127.0.0.1", cfg.APIGateway.Host)
	assert.Equal(t, 10, cfg.Plugins.RateLimit.RequestsPerMinute)
	assert.Equal(t, 20, cfg.Plugins.RateLimit.Burst)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
api_gateway:
  prot: 9000
security:
  jwt_secret: s
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("EVERMIND_PORT", "9100")
	t.Setenv("EVERMIND_HOST", "0.0.0.0")

	path := writeConfig(t, `
api_gateway:
  port: 9000
security:
  jwt_secret: s
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.APIGateway.Port)
	assert.Equal(t, "0.0.0.0", cfg.APIGateway.Host)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg := Defaults()
		cfg.Security.JWTSecret = "s"
		return cfg
	}

	t.Run("ok", func(t *testing.T) {
		cfg := base()
		assert.NoError(t, cfg.Validate())
	})

	t.Run("bad port", func(t *testing.T) {
		cfg := base()
		cfg.APIGateway.Port = 0
		assert.ErrorContains(t, cfg.Validate(), "port")
	})

	t.Run("hs256 without secret", func(t *testing.T) {
		cfg := Defaults()
		assert.ErrorContains(t, cfg.Validate(), "jwt_secret")
	})

	t.Run("eddsa without key file", func(t *testing.T) {
		cfg := base()
		cfg.Security.JWTAlgorithm = "EdDSA"
		assert.ErrorContains(t, cfg.Validate(), "jwt_private_key_file")
	})

	t.Run("unknown algorithm", func(t *testing.T) {
		cfg := base()
		cfg.Security.JWTAlgorithm = "RS512"
		assert.ErrorContains(t, cfg.Validate(), "not supported")
	})

	t.Run("tls without certs", func(t *testing.T) {
		cfg := base()
		cfg.APIGateway.TLS.Enabled = true
		assert.ErrorContains(t, cfg.Validate(), "tls")
	})

	t.Run("redis without addr", func(t *testing.T) {
		cfg := base()
		cfg.Bus.Redis.Enabled = true
		assert.ErrorContains(t, cfg.Validate(), "redis")
	})
}

func TestStoreDottedLookup(t *testing.T) {
	path := writeConfig(t, `
api_gateway:
  port: 9000
plugins:
  rate_limiting:
    enabled: false
`)

	s, err := NewStore(path)
	require.NoError(t, err)
	defer s.Close()

	// Override layer wins.
	assert.Equal(t, 9000, s.GetInt("api_gateway.port", 0))
	assert.False(t, s.GetBool("plugins.rate_limiting.enabled", true))

	// Untouched paths fall through to defaults.
	assert.Equal(t, "127.0.0.1", s.GetString("api_gateway.host", ""))
	assert.Equal(t, 100, s.GetInt("plugins.rate_limiting.requests_per_minute", 0))

	// Unknown paths yield the fallback.
	assert.Equal(t, "x", s.GetString("no.such.path", "x"))
	assert.Equal(t, 7, s.GetInt("api_gateway.host.deeper", 7))

	_, ok := s.Get("api_gateway.port")
	assert.True(t, ok)
	_, ok = s.Get("ghost")
	assert.False(t, ok)
}

func TestStoreMissingFileUsesDefaults(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, 8710, s.GetInt("api_gateway.port", 0))
}

func TestStoreWatchReloads(t *testing.T) {
	path := writeConfig(t, "api_gateway:\n  port: 9000\n")

	s, err := NewStore(path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Watch())

	ch, unsub := s.Subscribe()
	defer unsub()

	require.NoError(t, os.WriteFile(path, []byte("api_gateway:\n  port: 9001\n"), 0o600))

	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("no reload notification")
	}
	assert.Equal(t, 9001, s.GetInt("api_gateway.port", 0))
}

func TestStoreReloadFailureKeepsPrevious(t *testing.T) {
	path := writeConfig(t, "api_gateway:\n  port: 9000\n")

	s, err := NewStore(path)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, os.WriteFile(path, []byte("{ broken: ["), 0o600))
	assert.Error(t, s.reload())
	assert.Equal(t, 9000, s.GetInt("api_gateway.port", 0))
}
