// Package ota ingests firmware images streamed as multipart HTTP bodies and
// writes them to the inactive boot slot.
package ota

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNoLength is returned when the request declares no content length.
	ErrNoLength = errors.New("ota: multipart POST has no content length")
	// ErrNoBoundary is returned when the request carries no boundary token.
	ErrNoBoundary = errors.New("ota: no boundary string, check multipart form POST")
	// ErrBoundary is returned when Content-Type does not split into exactly
	// two parts on '='.
	ErrBoundary = errors.New("ota: malformed boundary in content type")
	// ErrTruncated is returned when the body ends before the multipart
	// framing is complete.
	ErrTruncated = errors.New("ota: multipart body truncated")
)

// ParseBoundary extracts the boundary token from a Content-Type value. The
// value must contain exactly one '='.
func ParseBoundary(contentType string) (string, error) {
	if contentType == "" {
		return "", ErrNoBoundary
	}
	parts := strings.Split(contentType, "=")
	if len(parts) != 2 {
		return "", fmt.Errorf("%w: %q", ErrBoundary, contentType)
	}
	b := strings.Trim(strings.TrimSpace(parts[1]), `"`)
	if b == "" {
		return "", ErrNoBoundary
	}
	return b, nil
}

// State is the lifecycle of an update session.
type State int

const (
	StateReceiving State = iota
	StateFinalizing
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateReceiving:
		return "receiving"
	case StateFinalizing:
		return "finalizing"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session tracks one inbound update. It is owned by a single request.
type Session struct {
	ID             string
	Boundary       string
	ExpectedLength int64
	BytesReceived  int64
	BytesWritten   int64
	StartTime      time.Time
	State          State
}

// NewSession validates the request framing before anything touches flash.
func NewSession(contentLength int64, boundary string) (*Session, error) {
	if contentLength <= 0 {
		return nil, ErrNoLength
	}
	if boundary == "" {
		return nil, ErrNoBoundary
	}
	return &Session{
		ID:             uuid.NewString(),
		Boundary:       boundary,
		ExpectedLength: contentLength,
		StartTime:      time.Now(),
		State:          StateReceiving,
	}, nil
}

// Elapsed returns the time since the session started.
func (s *Session) Elapsed() time.Duration {
	return time.Since(s.StartTime)
}

// transition moves the session forward. Going backwards, or leaving a
// terminal state, is a programming error.
func (s *Session) transition(to State) {
	if to <= s.State || s.State == StateCommitted || s.State == StateAborted {
		panic(fmt.Sprintf("ota: invalid session transition %s -> %s", s.State, to))
	}
	s.State = to
}

// received counts bytes read from the transport.
func (s *Session) received(n int) {
	s.BytesReceived += int64(n)
}

// written counts bytes accepted by the sink.
func (s *Session) written(n int) {
	s.BytesWritten += int64(n)
	if s.BytesWritten > s.BytesReceived {
		panic("ota: more bytes written than received")
	}
}
