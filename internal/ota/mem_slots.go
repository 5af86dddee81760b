package ota

import (
	"bytes"
	"errors"
	"sync"
)

// ErrMock is returned by MemSlots when failure injection is enabled.
var ErrMock = errors.New("ota: mock failure configured")

// MemSlots is an in-memory Partitions for tests and development.
type MemSlots struct {
	mu         sync.Mutex
	running    SlotInfo
	image      bytes.Buffer
	failAt     int64 // fail the write that would cross this offset; <0 disables
	failCommit bool
	failBegin  bool
	begun      int
	commits    int
	aborts     int
	committed  bool
	validated  bool
	rejected   bool
}

// NewMemSlots returns slots whose running image is valid.
func NewMemSlots() *MemSlots {
	return &MemSlots{running: SlotInfo{Label: slotA, State: SlotValid}, failAt: -1}
}

// SetRunningState sets the state reported for the running slot.
func (m *MemSlots) SetRunningState(state SlotState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running.State = state
}

// SetFailAt makes the write crossing offset fail after accepting the bytes
// up to it. A negative offset disables the failure.
func (m *MemSlots) SetFailAt(offset int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAt = offset
}

// SetFailCommit configures Commit to fail.
func (m *MemSlots) SetFailCommit(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCommit = fail
}

// SetFailBegin configures Begin to fail.
func (m *MemSlots) SetFailBegin(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failBegin = fail
}

// Image returns a copy of the bytes written by the last update.
func (m *MemSlots) Image() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.image.Bytes()...)
}

// Counts returns how many times Begin, Commit and Abort were called.
func (m *MemSlots) Counts() (begun, commits, aborts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.begun, m.commits, m.aborts
}

// Committed reports whether the last update was committed.
func (m *MemSlots) Committed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.committed
}

// Validated reports whether MarkValid was called.
func (m *MemSlots) Validated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validated
}

// Rejected reports whether MarkInvalidAndRestart was called.
func (m *MemSlots) Rejected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rejected
}

func (m *MemSlots) Begin() (Update, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failBegin {
		return nil, ErrMock
	}
	m.begun++
	m.image.Reset()
	m.committed = false
	return &memUpdate{m: m}, nil
}

func (m *MemSlots) MarkValid() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validated = true
	m.running.State = SlotValid
	return nil
}

func (m *MemSlots) MarkInvalidAndRestart() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected = true
	m.running.State = SlotInvalid
	return nil
}

func (m *MemSlots) Running() SlotInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Ensure MemSlots implements Partitions
var _ Partitions = (*MemSlots)(nil)

type memUpdate struct {
	m *MemSlots
}

func (u *memUpdate) Write(p []byte) (int, error) {
	m := u.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAt >= 0 {
		room := m.failAt - int64(m.image.Len())
		if int64(len(p)) > room {
			if room > 0 {
				m.image.Write(p[:room])
			}
			return int(max(room, 0)), ErrMock
		}
	}
	return m.image.Write(p)
}

func (u *memUpdate) Commit() error {
	m := u.m
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits++
	if m.failCommit {
		return ErrMock
	}
	m.committed = true
	return nil
}

func (u *memUpdate) Abort() error {
	m := u.m
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aborts++
	return nil
}
