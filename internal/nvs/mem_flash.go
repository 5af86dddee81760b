package nvs

import (
	"errors"
	"sync"
)

// ErrFlash is returned by MemFlash when failure injection is enabled.
var ErrFlash = errors.New("nvs: flash failure configured")

// MemFlash is an in-memory Flash for tests and development that never
// touches disk.
type MemFlash struct {
	mu         sync.Mutex
	vals       map[string][]byte
	badLen     map[string]bool
	failPut    bool
	failRemove bool
	puts       int
}

// NewMemFlash returns an empty in-memory flash.
func NewMemFlash() *MemFlash {
	return &MemFlash{
		vals:   make(map[string][]byte),
		badLen: make(map[string]bool),
	}
}

// SetFailPut makes every PutRaw fail.
func (m *MemFlash) SetFailPut(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPut = fail
}

// SetFailRemove makes every Remove fail.
func (m *MemFlash) SetFailRemove(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failRemove = fail
}

// SetBadLen makes Len report no length for key, as a corrupted entry would.
func (m *MemFlash) SetBadLen(key string, bad bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.badLen[key] = bad
}

// Puts returns the number of successful PutRaw calls.
func (m *MemFlash) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

// Keys returns the number of stored keys.
func (m *MemFlash) Keys() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.vals)
}

// Raw returns a copy of the value stored under key, bypassing all checks.
func (m *MemFlash) Raw(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vals[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

func (m *MemFlash) Contains(key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.vals[key]
	return ok, nil
}

func (m *MemFlash) Len(key string) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vals[key]
	if !ok || m.badLen[key] {
		return 0, false, nil
	}
	return len(v), true, nil
}

func (m *MemFlash) GetRaw(key string, buf []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vals[key]
	if !ok {
		return 0, ErrNotFound
	}
	return copy(buf, v), nil
}

func (m *MemFlash) PutRaw(key string, val []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut {
		return false, ErrFlash
	}
	m.vals[key] = append([]byte(nil), val...)
	m.puts++
	return true, nil
}

func (m *MemFlash) Remove(key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failRemove {
		return false, ErrFlash
	}
	_, ok := m.vals[key]
	delete(m.vals, key)
	return ok, nil
}

// Ensure MemFlash implements Flash
var _ Flash = (*MemFlash)(nil)
