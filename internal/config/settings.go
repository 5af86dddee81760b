package config

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/micro-nova/bmsnode/internal/nvs"
)

var (
	// ErrIncomplete means the store does not hold every settings key.
	ErrIncomplete = errors.New("config: settings incomplete in store")

	// ErrInvalid is returned for rejected settings values.
	ErrInvalid = errors.New("config: invalid settings")
)

// Snapshot is a detached copy of all settings records.
type Snapshot struct {
	Station     Station      `json:"sta"`
	AccessPoint AccessPoint  `json:"ap"`
	BMS         BMSSettings  `json:"bms"`
	MQTT        MQTTSettings `json:"mqtt"`
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	return Snapshot{
		Station:     Station{s.Station.Wifi.clone()},
		AccessPoint: AccessPoint{s.AccessPoint.Wifi.clone()},
		BMS:         s.BMS,
		MQTT:        s.MQTT,
	}
}

func (s *Snapshot) records() []Record {
	return []Record{&s.AccessPoint, &s.Station, &s.BMS, &s.MQTT}
}

// Settings is the process-wide settings set. It is shared by handle between
// the boot sequence and request handlers. Reads run concurrently; a write
// holds exclusive access until every record has been stored.
type Settings struct {
	mu    sync.RWMutex
	store *nvs.Store
	cur   Snapshot
}

// New returns an empty Settings bound to store. Call Initialize before use.
func New(store *nvs.Store) *Settings {
	return &Settings{store: store}
}

// Initialize loads all records if, and only if, the store holds every
// settings key. Otherwise it erases whatever is there and writes defaults.
// If a load fails the error is returned and the in-memory records stay at
// their defaults; loaded and default records are never mixed.
func (s *Settings) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := Defaults()
	valid, err := s.complete()
	if err != nil {
		return err
	}

	if valid {
		loaded, err := s.load(next)
		if err != nil {
			s.cur = next
			return err
		}
		s.cur = loaded
		slog.Info("config: settings loaded from store")
		return nil
	}

	slog.Info("config: settings incomplete, writing defaults")
	s.erase()
	if err := s.persist(&next); err != nil {
		return err
	}
	s.cur = next
	return nil
}

// Reset erases every settings key and writes defaults (factory reset).
func (s *Settings) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := Defaults()
	s.erase()
	if err := s.persist(&next); err != nil {
		return err
	}
	s.cur = next
	slog.Info("config: settings reset to defaults")
	return nil
}

// Reload re-reads all records from the store. Unlike Initialize it never
// erases; an incomplete store leaves the current records untouched.
func (s *Settings) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	valid, err := s.complete()
	if err != nil {
		return err
	}
	if !valid {
		return ErrIncomplete
	}
	loaded, err := s.load(Defaults())
	if err != nil {
		return err
	}
	s.cur = loaded
	slog.Info("config: settings reloaded")
	return nil
}

// Snapshot returns a copy of the current settings.
func (s *Settings) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.Clone()
}

// Update applies fn to a copy of the settings and persists the result.
// The write lock is held until every record is stored, so no reader sees a
// half-applied update. If fn or the store fails, the settings are unchanged.
func (s *Settings) Update(fn func(*Snapshot) error) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cur.Clone()
	if err := fn(&next); err != nil {
		return Snapshot{}, err
	}
	if err := s.persist(&next); err != nil {
		return Snapshot{}, err
	}
	s.cur = next
	return s.cur.Clone(), nil
}

// SetStation stores new station credentials. An empty ssid clears the
// station so the device comes up as an access point only.
func (s *Settings) SetStation(ssid, pass string) (Snapshot, error) {
	if len(ssid) > 32 {
		return Snapshot{}, fmt.Errorf("%w: ssid longer than 32 bytes", ErrInvalid)
	}
	if pass != "" && (len(pass) < 8 || len(pass) > 63) {
		return Snapshot{}, fmt.Errorf("%w: password must be 8 to 63 characters", ErrInvalid)
	}
	return s.Update(func(snap *Snapshot) error {
		if ssid == "" {
			snap.Station.SSID = nil
			snap.Station.Pass = nil
			snap.Station.Channel = nil
			return nil
		}
		snap.Station.SSID = &ssid
		snap.Station.Pass = &pass
		snap.Station.Channel = nil
		return nil
	})
}

// complete reports whether every settings key is present.
func (s *Settings) complete() (bool, error) {
	for _, key := range Keys {
		ok, err := s.store.Contains(key)
		if err != nil {
			return false, fmt.Errorf("config: check %q: %w", key, err)
		}
		if !ok {
			slog.Debug("config: key missing", "key", key)
			return false, nil
		}
	}
	return true, nil
}

func (s *Settings) load(base Snapshot) (Snapshot, error) {
	loaded := base.Clone()
	for _, rec := range loaded.records() {
		if err := ReadFromStore(s.store, rec); err != nil {
			return Snapshot{}, err
		}
	}
	return loaded, nil
}

// erase removes every settings key. Failures are logged, not returned.
func (s *Settings) erase() {
	for _, key := range Keys {
		if err := s.store.Remove(key); err != nil {
			slog.Warn("config: erase failed", "key", key, "err", err)
			continue
		}
		slog.Debug("config: erased", "key", key)
	}
}

func (s *Settings) persist(snap *Snapshot) error {
	for _, rec := range snap.records() {
		if err := WriteToStore(s.store, rec); err != nil {
			return err
		}
	}
	return nil
}
