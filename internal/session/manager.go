// Package session manages per-client encryption sessions established via
// the X25519 handshake. Each client id holds at most one live session; a
// re-handshake atomically replaces the previous one and bumps the
// generation counter.
package session

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/evermind-ai/backend/internal/crypto"
	"github.com/evermind-ai/backend/internal/faults"
)

// nonceCacheSize bounds the per-session replay LRU.
const nonceCacheSize = 1024

// Session is one live encryption channel for a client id.
type Session struct {
	ID         string
	ClientID   string
	Generation uint64
	ClientPub  [crypto.KeySize]byte
	Key        [crypto.KeySize]byte
	CreatedAt  time.Time

	mu       sync.Mutex
	lastUsed time.Time

	failures atomic.Int32
	nonces   *lru.Cache[string, struct{}]
}

// Touch updates the last-use timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

// LastUsed returns the last-use timestamp.
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// CheckNonce records a nonce and reports whether it was already seen within
// the replay window. Safe for concurrent use.
func (s *Session) CheckNonce(nonce string) error {
	if s.nonces == nil {
		return nil
	}
	if found, _ := s.nonces.ContainsOrAdd(nonce, struct{}{}); found {
		return faults.NonceReplay()
	}
	return nil
}

// Config holds session manager tuning.
type Config struct {
	// IdleTimeout expires sessions not used for this long. Default 30m.
	IdleTimeout time.Duration
	// MaxLifetime expires sessions regardless of use. Default 24h.
	MaxLifetime time.Duration
	// FailureThreshold invalidates a session after this many consecutive
	// decrypt failures. Default 5.
	FailureThreshold int
	// ReplayGuard enables the per-session nonce LRU.
	ReplayGuard bool
	// SweepInterval drives the background expiry sweeper. Default 1m.
	SweepInterval time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.IdleTimeout == 0 {
		out.IdleTimeout = 30 * time.Minute
	}
	if out.MaxLifetime == 0 {
		out.MaxLifetime = 24 * time.Hour
	}
	if out.FailureThreshold == 0 {
		out.FailureThreshold = 5
	}
	if out.SweepInterval == 0 {
		out.SweepInterval = time.Minute
	}
	return out
}

// Manager owns the session map. Reads are concurrent; writes for a client id
// are serialized by the map lock, and last-use updates take the session's own
// lock so hot reads do not contend on the map.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	// generations survives invalidation so a re-handshake always observes a
	// strictly increasing generation per client id.
	generations map[string]uint64

	stopSweep chan struct{}
	stopOnce  sync.Once
}

// NewManager creates a session manager. Call Start to run the sweeper.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:         cfg.withDefaults(),
		logger:      slog.Default().With("component", "session"),
		sessions:    make(map[string]*Session),
		generations: make(map[string]uint64),
		stopSweep:   make(chan struct{}),
	}
}

// BeginHandshake derives a new session for clientID from the client's
// ephemeral public key. The server's ephemeral public key is returned for
// the handshake response. Replacement is atomic: until the new session is
// stored, Get returns the old one; never both.
func (m *Manager) BeginHandshake(clientID string, clientPub [crypto.KeySize]byte) ([crypto.KeySize]byte, *Session, error) {
	var serverPub [crypto.KeySize]byte

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return serverPub, nil, fmt.Errorf("handshake keygen: %w", err)
	}
	key, err := kp.DeriveSessionKey(clientPub)
	if err != nil {
		return serverPub, nil, fmt.Errorf("handshake derive: %w", err)
	}
	serverPub = kp.Public

	sess := &Session{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		ClientPub: clientPub,
		Key:       key,
		CreatedAt: time.Now(),
		lastUsed:  time.Now(),
	}
	if m.cfg.ReplayGuard {
		// Size is fixed; lru.New only errors on size <= 0.
		sess.nonces, _ = lru.New[string, struct{}](nonceCacheSize)
	}

	m.mu.Lock()
	m.generations[clientID]++
	sess.Generation = m.generations[clientID]
	m.sessions[clientID] = sess
	m.mu.Unlock()

	m.logger.Info("session established",
		"client_id", clientID, "session_id", sess.ID, "generation", sess.Generation)
	return serverPub, sess, nil
}

// Get returns the live session for clientID. Expiry is checked lazily: an
// expired session is removed and reported as missing.
func (m *Manager) Get(clientID string) (*Session, error) {
	m.mu.RLock()
	sess, ok := m.sessions[clientID]
	m.mu.RUnlock()
	if !ok {
		return nil, faults.NoSession(clientID)
	}
	if m.expired(sess, time.Now()) {
		m.remove(clientID, sess)
		return nil, faults.NoSession(clientID)
	}
	return sess, nil
}

// Invalidate removes the session for clientID, if any.
func (m *Manager) Invalidate(clientID string) {
	m.mu.Lock()
	if sess, ok := m.sessions[clientID]; ok {
		delete(m.sessions, clientID)
		m.logger.Info("session invalidated", "client_id", clientID, "session_id", sess.ID)
	}
	m.mu.Unlock()
}

// RecordFailure bumps the decrypt-failure counter for clientID and
// invalidates the session once the threshold is crossed. Returns true when
// the session was invalidated.
func (m *Manager) RecordFailure(clientID string) bool {
	m.mu.RLock()
	sess, ok := m.sessions[clientID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	if int(sess.failures.Add(1)) >= m.cfg.FailureThreshold {
		// Pointer-guarded removal: a re-handshake that landed after the
		// lookup above must not be torn down by the old session's failures.
		if !m.remove(clientID, sess) {
			return false
		}
		m.logger.Warn("session invalidated after repeated decrypt failures",
			"client_id", clientID, "failures", sess.failures.Load())
		return true
	}
	return false
}

// ResetFailures clears the failure counter after a successful decrypt.
func (m *Manager) ResetFailures(sess *Session) {
	sess.failures.Store(0)
}

// SweepExpired removes all sessions expired as of now and returns the count.
func (m *Manager) SweepExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, sess := range m.sessions {
		if m.expired(sess, now) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Start launches the background sweeper.
func (m *Manager) Start() {
	go m.sweepLoop()
}

// Stop halts the background sweeper. All sessions die with the process; the
// store is deliberately not persistent, so a restart forces re-handshake.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopSweep) })
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := m.SweepExpired(time.Now()); n > 0 {
				m.logger.Info("swept expired sessions", "count", n)
			}
		case <-m.stopSweep:
			return
		}
	}
}

func (m *Manager) expired(sess *Session, now time.Time) bool {
	if now.Sub(sess.CreatedAt) > m.cfg.MaxLifetime {
		return true
	}
	return now.Sub(sess.LastUsed()) > m.cfg.IdleTimeout
}

// remove deletes clientID only if it still maps to the same session, so a
// concurrent re-handshake is never clobbered by lazy expiry or by
// threshold invalidation. Reports whether the session was removed.
func (m *Manager) remove(clientID string, sess *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[clientID]; ok && cur == sess {
		delete(m.sessions, clientID)
		return true
	}
	return false
}
