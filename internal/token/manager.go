// Package token issues and validates the gateway's bearer tokens: a
// short-lived access token plus a longer-lived refresh token. Refresh tokens
// are revocable: each carries a jti tracked in a small in-memory set, and a
// successful refresh consumes the old jti so it can never refresh twice.
package token

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evermind-ai/backend/internal/crypto"
	"github.com/evermind-ai/backend/internal/faults"
)

// Pair is one issued access/refresh token pair.
type Pair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Config holds token TTLs.
type Config struct {
	AccessTTL  time.Duration // default 15m
	RefreshTTL time.Duration // default 7d
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.AccessTTL == 0 {
		out.AccessTTL = 15 * time.Minute
	}
	if out.RefreshTTL == 0 {
		out.RefreshTTL = 7 * 24 * time.Hour
	}
	return out
}

// Manager mints, verifies, refreshes and revokes token pairs. Verify is
// read-only; all mutation goes through Mint, Refresh and Revoke.
type Manager struct {
	cfg    Config
	signer *crypto.Signer
	logger *slog.Logger

	mu sync.RWMutex
	// live refresh jtis → identity. Consumed on refresh, removed on revoke.
	refreshIDs map[string]string
}

// NewManager creates a token manager around a configured signer.
func NewManager(signer *crypto.Signer, cfg Config) *Manager {
	return &Manager{
		cfg:        cfg.withDefaults(),
		signer:     signer,
		logger:     slog.Default().With("component", "token"),
		refreshIDs: make(map[string]string),
	}
}

// Mint issues a fresh pair for identity.
func (m *Manager) Mint(identity string, scope []string) (*Pair, error) {
	now := time.Now()
	access, err := m.signer.Mint(identity, crypto.TokenTypeAccess, uuid.NewString(), scope, m.cfg.AccessTTL)
	if err != nil {
		return nil, fmt.Errorf("mint access token: %w", err)
	}

	refreshID := uuid.NewString()
	refresh, err := m.signer.Mint(identity, crypto.TokenTypeRefresh, refreshID, nil, m.cfg.RefreshTTL)
	if err != nil {
		return nil, fmt.Errorf("mint refresh token: %w", err)
	}

	m.mu.Lock()
	m.refreshIDs[refreshID] = identity
	m.mu.Unlock()

	return &Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  now.Add(m.cfg.AccessTTL),
		RefreshExpiresAt: now.Add(m.cfg.RefreshTTL),
	}, nil
}

// Verify validates an access token and returns its claims. Refresh tokens
// presented as bearers are rejected.
func (m *Manager) Verify(accessToken string) (*crypto.Claims, error) {
	claims, err := m.signer.Verify(accessToken)
	if err != nil {
		if errors.Is(err, crypto.ErrTokenExpired) {
			return nil, faults.AuthExpired()
		}
		return nil, faults.AuthInvalid().WithCause(err)
	}
	if claims.TokenType != crypto.TokenTypeAccess {
		return nil, faults.AuthInvalid()
	}
	return claims, nil
}

// Refresh validates a refresh token, consumes its jti, and issues a new
// pair. The old refresh token can never refresh again.
func (m *Manager) Refresh(refreshToken string) (*Pair, error) {
	claims, err := m.signer.Verify(refreshToken)
	if err != nil {
		if errors.Is(err, crypto.ErrTokenExpired) {
			return nil, faults.AuthExpired()
		}
		return nil, faults.AuthInvalid().WithCause(err)
	}
	if claims.TokenType != crypto.TokenTypeRefresh || claims.ID == "" {
		return nil, faults.AuthInvalid()
	}

	// Consume the jti atomically so concurrent refreshes of the same token
	// yield exactly one winner.
	m.mu.Lock()
	identity, live := m.refreshIDs[claims.ID]
	if live {
		delete(m.refreshIDs, claims.ID)
	}
	m.mu.Unlock()
	if !live {
		return nil, faults.AuthInvalid()
	}

	pair, err := m.Mint(identity, claims.Scope)
	if err != nil {
		return nil, err
	}
	m.logger.Info("refresh token rotated", "identity", identity)
	return pair, nil
}

// Revoke removes a refresh jti from the live set. O(1).
func (m *Manager) Revoke(jti string) {
	m.mu.Lock()
	delete(m.refreshIDs, jti)
	m.mu.Unlock()
}

// LiveRefreshCount returns the number of outstanding refresh tokens.
func (m *Manager) LiveRefreshCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.refreshIDs)
}
