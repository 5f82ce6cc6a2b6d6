package logging

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/evermind-ai/backend/internal/crypto"
)

const schema = `
CREATE TABLE IF NOT EXISTS log_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	ts         INTEGER NOT NULL,
	level      TEXT    NOT NULL,
	subsystem  TEXT    NOT NULL,
	encrypted  INTEGER NOT NULL,
	payload    BLOB    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_log_events_ts ON log_events(ts);
CREATE INDEX IF NOT EXISTS idx_log_events_subsystem ON log_events(subsystem);
`

// StoreConfig tunes the backing database.
type StoreConfig struct {
	Path string

	// EncryptPayloads seals each event body with Key before insert.
	EncryptPayloads bool
	Key             [crypto.KeySize]byte

	JournalMode       string // default WAL
	Synchronous       string // default FULL: sync on commit, crash-safe
	WALAutocheckpoint int    // default 1000 pages
	BusyTimeout       time.Duration
}

// Store is the encrypted log database. A single writer (the consumer)
// calls WriteBatch; readers are tooling and tests.
type Store struct {
	db     *sql.DB
	cfg    StoreConfig
	insert *sql.Stmt
	logger *slog.Logger
}

// OpenStore opens (creating if needed) the database and applies the
// durability pragmas.
func OpenStore(cfg StoreConfig) (*Store, error) {
	if cfg.JournalMode == "" {
		cfg.JournalMode = "WAL"
	}
	if cfg.Synchronous == "" {
		cfg.Synchronous = "FULL"
	}
	if cfg.WALAutocheckpoint == 0 {
		cfg.WALAutocheckpoint = 1000
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("log store: open %s: %w", cfg.Path, err)
	}
	// One writer; the pool must not hand out concurrent write connections.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, cfg: cfg, logger: slog.Default().With("component", "logstore")}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA journal_mode=%s;", s.cfg.JournalMode),
		fmt.Sprintf("PRAGMA synchronous=%s;", s.cfg.Synchronous),
		fmt.Sprintf("PRAGMA wal_autocheckpoint=%d;", s.cfg.WALAutocheckpoint),
		fmt.Sprintf("PRAGMA busy_timeout=%d;", s.cfg.BusyTimeout.Milliseconds()),
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("log store: %s: %w", p, err)
		}
	}
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("log store: create schema: %w", err)
	}

	insert, err := s.db.Prepare(
		"INSERT INTO log_events (ts, level, subsystem, encrypted, payload) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("log store: prepare insert: %w", err)
	}
	s.insert = insert

	s.logger.Info("log store opened",
		"path", s.cfg.Path,
		"journal_mode", s.cfg.JournalMode,
		"synchronous", s.cfg.Synchronous,
		"encrypted", s.cfg.EncryptPayloads)
	return nil
}

// WriteBatch persists events in one transaction. With synchronous=FULL the
// commit is durable before return; a crash loses at most the batch that
// had not committed yet.
func (s *Store) WriteBatch(events []*Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("log store: begin: %w", err)
	}
	stmt := tx.Stmt(s.insert)
	for _, e := range events {
		payload, perr := s.encodePayload(e)
		if perr != nil {
			tx.Rollback()
			return perr
		}
		encrypted := 0
		if s.cfg.EncryptPayloads {
			encrypted = 1
		}
		if _, err := stmt.Exec(e.Timestamp.UnixMilli(), e.Level, e.Subsystem, encrypted, payload); err != nil {
			tx.Rollback()
			return fmt.Errorf("log store: insert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("log store: commit: %w", err)
	}
	return nil
}

func (s *Store) encodePayload(e *Event) ([]byte, error) {
	plain, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("log store: encode event: %w", err)
	}
	if !s.cfg.EncryptPayloads {
		return plain, nil
	}
	sealed, err := crypto.Seal(s.cfg.Key, plain, []byte("log_events"))
	if err != nil {
		return nil, fmt.Errorf("log store: seal event: %w", err)
	}
	return json.Marshal(sealed)
}

// Recent returns the newest n events, decrypting payloads when the store
// is encrypted.
func (s *Store) Recent(n int) ([]*Event, error) {
	rows, err := s.db.Query(
		"SELECT encrypted, payload FROM log_events ORDER BY id DESC LIMIT ?", n)
	if err != nil {
		return nil, fmt.Errorf("log store: query: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var encrypted int
		var payload []byte
		if err := rows.Scan(&encrypted, &payload); err != nil {
			return nil, fmt.Errorf("log store: scan: %w", err)
		}
		plain := payload
		if encrypted == 1 {
			var sealed crypto.SealedPayload
			if err := json.Unmarshal(payload, &sealed); err != nil {
				return nil, fmt.Errorf("log store: sealed payload: %w", err)
			}
			plain, err = crypto.Open(s.cfg.Key, &sealed, []byte("log_events"))
			if err != nil {
				return nil, fmt.Errorf("log store: open payload: %w", err)
			}
		}
		var e Event
		if err := json.Unmarshal(plain, &e); err != nil {
			return nil, fmt.Errorf("log store: decode event: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Count returns the number of persisted events.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM log_events").Scan(&n)
	return n, err
}

// Close releases the database.
func (s *Store) Close() error {
	if s.insert != nil {
		s.insert.Close()
	}
	return s.db.Close()
}
