// Package auth gates the device's admin endpoints behind access keys listed
// in keys.json. Without an enabled key the device runs in open mode.
package auth

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const keysFileName = "keys.json"

// MinKeyLength is the shortest secret accepted from keys.json.
const MinKeyLength = 8

// Key is one access key. Installers and the cloud agent each get their own
// so one can be revoked without touching the other.
type Key struct {
	Name     string    `json:"name"`
	Secret   string    `json:"key"`
	Expires  time.Time `json:"expires,omitzero"`
	Disabled bool      `json:"disabled,omitempty"`
}

// KeyFile is the layout of keys.json.
type KeyFile struct {
	Keys []Key `json:"keys"`
}

func (k Key) usable(now time.Time) bool {
	return !k.Disabled && (k.Expires.IsZero() || now.Before(k.Expires))
}

// Service checks request keys against dir/keys.json and reloads the file
// when it changes.
type Service struct {
	path string

	mu   sync.RWMutex
	keys []Key

	watcher *fsnotify.Watcher
}

// NewService loads dir/keys.json and watches it. A missing file or
// directory leaves the service in open mode.
func NewService(dir string) (*Service, error) {
	s := &Service{path: filepath.Join(dir, keysFileName)}
	if err := s.Reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("auth: key file watch disabled", "err", err)
		return s, nil
	}
	if err := watcher.Add(dir); err != nil {
		slog.Warn("auth: key file watch disabled", "dir", dir, "err", err)
		watcher.Close()
		return s, nil
	}
	s.watcher = watcher
	go s.watch()
	return s, nil
}

// Reload re-reads keys.json. Entries without a name or with a short secret
// are skipped; a missing file clears all keys.
func (s *Service) Reload() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.set(nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("auth: read keys: %w", err)
	}

	var file KeyFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("auth: parse keys: %w", err)
	}
	keys := make([]Key, 0, len(file.Keys))
	for _, k := range file.Keys {
		if k.Name == "" || len(k.Secret) < MinKeyLength {
			slog.Warn("auth: ignoring key", "name", k.Name, "reason", "missing name or secret too short")
			continue
		}
		keys = append(keys, k)
	}
	s.set(keys)
	return nil
}

func (s *Service) set(keys []Key) {
	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()
	slog.Debug("auth: keys loaded", "count", len(keys))
}

// IsOpenMode reports whether no enabled key is configured. Expired keys
// still lock the device.
func (s *Service) IsOpenMode() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if !k.Disabled {
			return false
		}
	}
	return true
}

// Lookup returns the name of the usable key matching secret.
func (s *Service) Lookup(secret string) (string, bool) {
	if secret == "" {
		return "", false
	}
	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if subtle.ConstantTimeCompare([]byte(secret), []byte(k.Secret)) == 1 {
			return k.Name, k.usable(now)
		}
	}
	return "", false
}

// Close stops watching keys.json.
func (s *Service) Close() {
	if s.watcher != nil {
		s.watcher.Close()
	}
}

func (s *Service) watch() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != s.path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) {
				continue
			}
			if err := s.Reload(); err != nil {
				slog.Warn("auth: keeping previous keys", "err", err)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("auth: key file watch error", "err", err)
		}
	}
}
