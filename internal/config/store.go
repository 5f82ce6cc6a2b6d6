package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v2"
)

// Store offers hierarchical dotted-path lookup over the raw configuration
// document ("api_gateway.rate_limiting.requests_per_minute"), with the
// shipped defaults as a layer below user overrides. It optionally watches
// the file and notifies subscribers on change; subscribers re-read under
// their own locks.
type Store struct {
	path   string
	logger *slog.Logger

	mu        sync.RWMutex
	defaults  map[interface{}]interface{}
	overrides map[interface{}]interface{}
	subs      []chan struct{}

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewStore builds a store over the given file. The defaults layer is
// derived from Defaults(); a missing or empty path leaves only defaults.
func NewStore(path string) (*Store, error) {
	def := Defaults()
	raw, err := yaml.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("config: marshal defaults: %w", err)
	}
	var defaults map[interface{}]interface{}
	if err := yaml.Unmarshal(raw, &defaults); err != nil {
		return nil, fmt.Errorf("config: decode defaults: %w", err)
	}

	s := &Store{
		path:     path,
		logger:   slog.Default().With("component", "config"),
		defaults: defaults,
		done:     make(chan struct{}),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) reload() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", s.path, err)
	}
	var overrides map[interface{}]interface{}
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("config: parse %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.overrides = overrides
	s.mu.Unlock()
	return nil
}

// Get resolves a dotted path, checking the override layer before defaults.
func (s *Store) Get(path string) (interface{}, bool) {
	keys := strings.Split(path, ".")

	s.mu.RLock()
	defer s.mu.RUnlock()

	if v, ok := walk(s.overrides, keys); ok {
		return v, true
	}
	return walk(s.defaults, keys)
}

// GetString returns the value at path as a string, or fallback.
func (s *Store) GetString(path, fallback string) string {
	if v, ok := s.Get(path); ok {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return fallback
}

// GetInt returns the value at path as an int, or fallback.
func (s *Store) GetInt(path string, fallback int) int {
	if v, ok := s.Get(path); ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return fallback
}

// GetBool returns the value at path as a bool, or fallback.
func (s *Store) GetBool(path string, fallback bool) bool {
	if v, ok := s.Get(path); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}

func walk(node map[interface{}]interface{}, keys []string) (interface{}, bool) {
	if node == nil {
		return nil, false
	}
	cur := node
	for i, key := range keys {
		v, ok := cur[key]
		if !ok {
			return nil, false
		}
		if i == len(keys)-1 {
			return v, true
		}
		next, ok := v.(map[interface{}]interface{})
		if !ok {
			return nil, false
		}
		cur = next
	}
	return nil, false
}

// Subscribe registers for change notifications. The returned channel gets
// one (coalesced) signal per reload; the unsubscribe func removes it.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, cur := range s.subs {
			if cur == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

func (s *Store) notify() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Watch starts the file watcher. Editors replace config files rather than
// rewriting them in place, so the parent directory is watched and events
// are matched by name. Reload failures keep the previous document.
func (s *Store) Watch() error {
	if s.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}
	s.watcher = w

	go s.watchLoop()
	return nil
}

func (s *Store) watchLoop() {
	// Debounce: editors fire several events per save.
	var timer *time.Timer
	target := filepath.Clean(s.path)

	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(200*time.Millisecond, func() {
				if err := s.reload(); err != nil {
					s.logger.Warn("config reload failed, keeping previous", "error", err)
					return
				}
				s.logger.Info("config reloaded", "path", s.path)
				s.notify()
			})
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("config watcher error", "error", err)
		}
	}
}

// Close stops the watcher.
func (s *Store) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
