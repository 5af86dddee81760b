package ota

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/micro-nova/bmsnode/internal/events"
)

const (
	// ChunkSize is the read size: three 1440-byte TCP segments.
	ChunkSize = 1440 * 3

	watchdogThreshold = 900 * time.Millisecond
	watchdogYield     = 10 * time.Millisecond
	progressInterval  = time.Second
)

// DeframeMode selects how multipart framing is removed.
type DeframeMode int

const (
	// DeframeStreaming carries state across chunks (default).
	DeframeStreaming DeframeMode = iota
	// DeframeChunkLocal strips framing from each chunk independently.
	DeframeChunkLocal
)

// ParseDeframeMode maps an option value to a mode.
func ParseDeframeMode(s string) (DeframeMode, error) {
	switch s {
	case "", "streaming":
		return DeframeStreaming, nil
	case "chunk-local":
		return DeframeChunkLocal, nil
	default:
		return 0, fmt.Errorf("ota: unknown deframe mode %q", s)
	}
}

// Stage names the step at which an update failed.
type Stage string

const (
	StageBegin    Stage = "begin"
	StageRead     Stage = "read"
	StageWrite    Stage = "write"
	StageFinalize Stage = "finalize"
	StageCommit   Stage = "commit"
)

// UpdateError reports a failed update along with how far it got.
type UpdateError struct {
	Session  string
	Stage    Stage
	Received int64
	Written  int64
	Err      error
}

func (e *UpdateError) Error() string {
	switch e.Stage {
	case StageWrite:
		return fmt.Sprintf("Flashed failed at %d bytes (%d bytes written): %v", e.Received, e.Written, e.Err)
	case StageCommit:
		return fmt.Sprintf("Flashed failed at completion stage after %d bytes: %v", e.Written, e.Err)
	default:
		return fmt.Sprintf("update failed at %s after receiving %d bytes: %v", e.Stage, e.Received, e.Err)
	}
}

func (e *UpdateError) Unwrap() error { return e.Err }

// RequestFault reports whether the failure was caused by the upload rather
// than by the flash.
func (e *UpdateError) RequestFault() bool {
	return e.Stage == StageRead || e.Stage == StageFinalize
}

// Result summarises a committed update.
type Result struct {
	Session  string
	Received int64
	Written  int64
	Elapsed  time.Duration
}

// Publisher receives update progress.
type Publisher interface {
	Publish(events.Event)
}

// Pipeline streams request bodies into the partition sink.
type Pipeline struct {
	parts Partitions
	bus   Publisher

	Mode      DeframeMode
	ChunkSize int
}

// NewPipeline returns a pipeline writing to parts. bus may be nil.
func NewPipeline(parts Partitions, bus Publisher) *Pipeline {
	return &Pipeline{parts: parts, bus: bus, ChunkSize: ChunkSize}
}

// Run ingests body for session s. It never restarts the device; on success
// the caller decides when to reboot into the new slot.
func (p *Pipeline) Run(ctx context.Context, s *Session, body io.Reader) (*Result, error) {
	slog.Info("ota: update session started", "session", s.ID, "boundary", s.Boundary, "length", s.ExpectedLength)
	p.publish(s, events.KindUpdateStarted, "")

	update, err := p.parts.Begin()
	if err != nil {
		return nil, p.abort(s, nil, StageBegin, err)
	}

	var (
		deframer  = NewDeframer(s.Boundary)
		buf       = make([]byte, p.ChunkSize)
		lastYield = time.Now()
		progress  = rate.Sometimes{Interval: progressInterval}
	)
	for {
		if time.Since(lastYield) > watchdogThreshold {
			time.Sleep(watchdogYield)
			lastYield = time.Now()
		}
		if err := ctx.Err(); err != nil {
			return nil, p.abort(s, update, StageRead, err)
		}

		n, rerr := io.ReadFull(body, buf)
		if rerr != nil && !errors.Is(rerr, io.EOF) && !errors.Is(rerr, io.ErrUnexpectedEOF) {
			return nil, p.abort(s, update, StageRead, rerr)
		}
		if n == 0 {
			break
		}
		s.received(n)

		var payload []byte
		if p.Mode == DeframeChunkLocal {
			payload = ExtractChunk(buf[:n], s.Boundary)
		} else {
			payload = deframer.Feed(buf[:n])
		}
		if len(payload) > 0 {
			w, werr := update.Write(payload)
			s.written(w)
			if werr == nil && w < len(payload) {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				return nil, p.abort(s, update, StageWrite, werr)
			}
		}

		slog.Debug("ota: chunk processed", "received", n, "flashed", len(payload), "total", s.BytesReceived)
		progress.Do(func() {
			slog.Info("ota: progress", "session", s.ID, "received", s.BytesReceived,
				"expected", s.ExpectedLength, "percent", fmt.Sprintf("%.1f", percent(s)))
			p.publish(s, events.KindUpdateProgress, "")
		})

		if rerr != nil {
			break
		}
	}

	s.transition(StateFinalizing)
	if s.BytesReceived != s.ExpectedLength {
		slog.Warn("ota: body length differs from declared length", "received", s.BytesReceived, "expected", s.ExpectedLength)
	}
	if p.Mode == DeframeStreaming {
		if err := deframer.Finish(); err != nil {
			return nil, p.abort(s, update, StageFinalize, err)
		}
	}

	if err := update.Commit(); err != nil {
		return nil, p.abort(s, nil, StageCommit, err)
	}
	s.transition(StateCommitted)

	res := &Result{Session: s.ID, Received: s.BytesReceived, Written: s.BytesWritten, Elapsed: s.Elapsed()}
	slog.Info("ota: update committed", "session", s.ID, "written", res.Written, "elapsed", res.Elapsed)
	p.publish(s, events.KindUpdateCommitted, "")
	return res, nil
}

// abort ends the session. update is aborted when non-nil; a failed commit
// has already left the previous boot slot in place.
func (p *Pipeline) abort(s *Session, update Update, stage Stage, cause error) error {
	if update != nil {
		if err := update.Abort(); err != nil {
			slog.Error("ota: abort failed", "session", s.ID, "err", err)
		}
	}
	s.transition(StateAborted)

	uerr := &UpdateError{Session: s.ID, Stage: stage, Received: s.BytesReceived, Written: s.BytesWritten, Err: cause}
	slog.Error("ota: update aborted", "session", s.ID, "stage", stage, "received", s.BytesReceived,
		"written", s.BytesWritten, "err", cause)
	p.publish(s, events.KindUpdateAborted, uerr.Error())
	return uerr
}

func (p *Pipeline) publish(s *Session, kind events.Kind, msg string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.Event{
		Kind:     kind,
		Session:  s.ID,
		Received: s.BytesReceived,
		Written:  s.BytesWritten,
		Expected: s.ExpectedLength,
		Message:  msg,
	})
}

func percent(s *Session) float64 {
	return float64(s.BytesReceived) / float64(s.ExpectedLength) * 100
}
