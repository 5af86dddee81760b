// Package nvs wraps the flash-backed key-value store that survives power
// cycles. Flash is the raw primitive; Store layers key validation, length
// checking and change detection on top of it.
package nvs

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
)

const (
	// MaxKeyLen is the longest key the flash partition accepts.
	MaxKeyLen = 15

	// MaxValueLen is the size of the buffer records are read into.
	MaxValueLen = 512
)

var (
	ErrNotFound       = errors.New("nvs: key not found")
	ErrLengthMismatch = errors.New("nvs: inconsistent value length")
	ErrInvalidKey     = errors.New("nvs: invalid key")
)

// Flash is the raw key-value primitive. Implementations serialize their
// own puts and gets; each put is atomic per key.
type Flash interface {
	// Contains reports whether key has a stored value.
	Contains(key string) (bool, error)

	// Len returns the stored length of key. ok is false when the flash
	// cannot report a length for it.
	Len(key string) (n int, ok bool, err error)

	// GetRaw copies the value of key into buf and returns the number of
	// bytes copied.
	GetRaw(key string, buf []byte) (int, error)

	// PutRaw stores val under key.
	PutRaw(key string, val []byte) (bool, error)

	// Remove deletes key. It reports whether the key existed.
	Remove(key string) (bool, error)
}

// Store is the settings-facing view of a Flash.
type Store struct {
	flash Flash
}

// NewStore returns a Store backed by flash.
func NewStore(flash Flash) *Store {
	return &Store{flash: flash}
}

// Contains reports whether key is present.
func (s *Store) Contains(key string) (bool, error) {
	return s.flash.Contains(key)
}

// Get returns a copy of the value stored under key.
func (s *Store) Get(key string) ([]byte, error) {
	ok, err := s.flash.Contains(key)
	if err != nil {
		return nil, fmt.Errorf("nvs: contains %q: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}

	n, ok, err := s.flash.Len(key)
	if err != nil {
		return nil, fmt.Errorf("nvs: len %q: %w", key, err)
	}
	if !ok || n < 0 || n > MaxValueLen {
		return nil, fmt.Errorf("%w: %q reports length %d", ErrLengthMismatch, key, n)
	}

	buf := make([]byte, MaxValueLen)
	read, err := s.flash.GetRaw(key, buf)
	if err != nil {
		return nil, fmt.Errorf("nvs: get %q: %w", key, err)
	}
	if read != n {
		return nil, fmt.Errorf("%w: %q reports %d bytes, read %d", ErrLengthMismatch, key, n, read)
	}
	slog.Debug("nvs: read", "key", key, "value", string(buf[:n]))
	return buf[:n], nil
}

// Put stores val under key and reports whether the stored value changed.
// An empty key is a caller defect and is rejected with ErrInvalidKey.
func (s *Store) Put(key string, val []byte) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	if len(val) > MaxValueLen {
		return false, fmt.Errorf("nvs: value for %q is %d bytes, limit %d", key, len(val), MaxValueLen)
	}

	if prev, err := s.Get(key); err == nil && bytes.Equal(prev, val) {
		return false, nil
	}

	slog.Debug("nvs: write", "key", key, "value", string(val))
	if _, err := s.flash.PutRaw(key, val); err != nil {
		return false, fmt.Errorf("nvs: put %q: %w", key, err)
	}
	return true, nil
}

// Remove deletes key. Removing an absent key is not an error.
func (s *Store) Remove(key string) error {
	if _, err := s.flash.Remove(key); err != nil {
		return fmt.Errorf("nvs: remove %q: %w", key, err)
	}
	return nil
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if len(key) > MaxKeyLen {
		return fmt.Errorf("%w: %q longer than %d bytes", ErrInvalidKey, key, MaxKeyLen)
	}
	return nil
}
