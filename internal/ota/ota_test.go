package ota_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/micro-nova/bmsnode/internal/events"
	"github.com/micro-nova/bmsnode/internal/ota"
)

const boundary = "----WebKitFormBoundary7MA4YWxkTrZu0gW"

func payloadOf(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i % 251)
	}
	return p
}

const header = "--" + boundary + "\r\n" +
	"Content-Disposition: form-data; name=\"update\"; filename=\"firmware.bin\"\r\n" +
	"Content-Type: application/octet-stream\r\n\r\n"

const closing = "\r\n--" + boundary + "--\r\n"

func envelope(payload []byte) []byte {
	var b bytes.Buffer
	b.WriteString(header)
	b.Write(payload)
	b.WriteString(closing)
	return b.Bytes()
}

// chunkReader returns at most the next size from sizes on each Read.
type chunkReader struct {
	data  []byte
	sizes []int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := len(r.data)
	if len(r.sizes) > 0 {
		n = min(n, r.sizes[0])
		r.sizes = r.sizes[1:]
	}
	n = min(n, len(p))
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func newSession(t *testing.T, body []byte) *ota.Session {
	t.Helper()
	s, err := ota.NewSession(int64(len(body)), boundary)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	return s
}

// --- Boundary and session ---

func TestParseBoundary(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr error
	}{
		{"multipart/form-data; boundary=abc123", "abc123", nil},
		{`multipart/form-data; boundary="quoted"`, "quoted", nil},
		{"multipart/form-data", "", ota.ErrBoundary},
		{"multipart/form-data; boundary=a=b", "", ota.ErrBoundary},
		{"multipart/form-data; boundary=", "", ota.ErrNoBoundary},
		{"", "", ota.ErrNoBoundary},
	}
	for _, tt := range tests {
		got, err := ota.ParseBoundary(tt.in)
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("ParseBoundary(%q) error = %v, want %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseBoundary(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewSession_FailsFast(t *testing.T) {
	if _, err := ota.NewSession(0, boundary); !errors.Is(err, ota.ErrNoLength) {
		t.Errorf("zero length error = %v, want ErrNoLength", err)
	}
	if _, err := ota.NewSession(-1, boundary); !errors.Is(err, ota.ErrNoLength) {
		t.Errorf("negative length error = %v, want ErrNoLength", err)
	}
	if _, err := ota.NewSession(100, ""); !errors.Is(err, ota.ErrNoBoundary) {
		t.Errorf("empty boundary error = %v, want ErrNoBoundary", err)
	}

	s, err := ota.NewSession(100, boundary)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	if s.State != ota.StateReceiving || s.ID == "" {
		t.Errorf("session = %+v", s)
	}
}

// --- Deframing ---

func TestDeframer_ArbitraryChunkSizes(t *testing.T) {
	payload := payloadOf(9000)
	body := envelope(payload)

	for _, size := range []int{1, 2, 3, 5, 17, 64, 1000, 4096, ota.ChunkSize, len(body)} {
		d := ota.NewDeframer(boundary)
		var got []byte
		for off := 0; off < len(body); off += size {
			end := min(off+size, len(body))
			got = append(got, d.Feed(body[off:end])...)
		}
		if err := d.Finish(); err != nil {
			t.Errorf("size %d: Finish() error = %v", size, err)
		}
		if !bytes.Equal(got, payload) {
			t.Errorf("size %d: payload mismatch, got %d bytes want %d", size, len(got), len(payload))
		}
	}
}

func TestDeframer_MarkersStraddleSeams(t *testing.T) {
	payload := payloadOf(3000)
	body := envelope(payload)
	// Split inside the blank line and inside the closing "\r\n--".
	sepAt := len(header) - 2
	closeAt := len(header) + len(payload) + 3

	d := ota.NewDeframer(boundary)
	var got []byte
	got = append(got, d.Feed(body[:sepAt])...)
	got = append(got, d.Feed(body[sepAt:closeAt])...)
	got = append(got, d.Feed(body[closeAt:])...)

	if err := d.Finish(); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload mismatch, got %d bytes want %d", len(got), len(payload))
	}
}

func TestDeframer_Truncated(t *testing.T) {
	d := ota.NewDeframer(boundary)
	d.Feed([]byte(header[:20]))
	if err := d.Finish(); !errors.Is(err, ota.ErrTruncated) {
		t.Errorf("header only: error = %v, want ErrTruncated", err)
	}

	d = ota.NewDeframer(boundary)
	d.Feed([]byte(header))
	d.Feed(payloadOf(100))
	if err := d.Finish(); !errors.Is(err, ota.ErrTruncated) {
		t.Errorf("no closing boundary: error = %v, want ErrTruncated", err)
	}
}

func TestDeframer_IgnoresEpilogue(t *testing.T) {
	d := ota.NewDeframer(boundary)
	got := append([]byte(nil), d.Feed(envelope([]byte("abc")))...)
	if rest := d.Feed([]byte("trailing garbage")); rest != nil {
		t.Errorf("Feed after close = %q, want nil", rest)
	}
	if string(got) != "abc" {
		t.Errorf("payload = %q, want abc", got)
	}
}

func TestExtractChunk(t *testing.T) {
	interior := payloadOf(500)
	if got := ota.ExtractChunk(interior, boundary); !bytes.Equal(got, interior) {
		t.Error("interior chunk was modified")
	}

	withCRLF := append([]byte("abc\r\ndef"), interior...)
	if got := ota.ExtractChunk(withCRLF, boundary); !bytes.Equal(got, withCRLF) {
		t.Error("chunk without boundary was modified")
	}

	if got := ota.ExtractChunk(envelope([]byte("xyz")), boundary); string(got) != "xyz" {
		t.Errorf("single chunk = %q, want xyz", got)
	}
}

// --- Pipeline ---

// Three chunks of 4096/4096/1808 with every marker fully inside one chunk.
func TestPipeline_ThreeChunks(t *testing.T) {
	for _, mode := range []ota.DeframeMode{ota.DeframeStreaming, ota.DeframeChunkLocal} {
		payload := payloadOf(10000 - len(header) - len(closing))
		body := envelope(payload)
		if len(body) != 10000 {
			t.Fatalf("body length = %d, want 10000", len(body))
		}

		slots := ota.NewMemSlots()
		p := ota.NewPipeline(slots, nil)
		p.Mode = mode
		p.ChunkSize = 4096
		s := newSession(t, body)

		res, err := p.Run(context.Background(), s, &chunkReader{data: body, sizes: []int{4096, 4096, 1808}})
		if err != nil {
			t.Fatalf("mode %d: Run() error = %v", mode, err)
		}
		if res.Written != int64(len(payload)) {
			t.Errorf("mode %d: written = %d, want %d", mode, res.Written, len(payload))
		}
		if res.Received != 10000 {
			t.Errorf("mode %d: received = %d, want 10000", mode, res.Received)
		}
		if !bytes.Equal(slots.Image(), payload) {
			t.Errorf("mode %d: flashed image differs from payload", mode)
		}
		if s.State != ota.StateCommitted || !slots.Committed() {
			t.Errorf("mode %d: state = %s committed = %v", mode, s.State, slots.Committed())
		}
	}
}

func TestPipeline_ShortReadsAreCoalesced(t *testing.T) {
	payload := payloadOf(20000)
	body := envelope(payload)
	slots := ota.NewMemSlots()
	s := newSession(t, body)

	_, err := ota.NewPipeline(slots, nil).Run(context.Background(), s, &chunkReader{data: body, sizes: []int{7, 1, 1500, 13, 3000}})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !bytes.Equal(slots.Image(), payload) {
		t.Error("flashed image differs from payload")
	}
}

func TestPipeline_WriteFailureAtOffset(t *testing.T) {
	const k = 5000
	body := envelope(payloadOf(12000))
	slots := ota.NewMemSlots()
	slots.SetFailAt(k)
	s := newSession(t, body)

	_, err := ota.NewPipeline(slots, nil).Run(context.Background(), s, bytes.NewReader(body))

	var uerr *ota.UpdateError
	if !errors.As(err, &uerr) {
		t.Fatalf("error = %v, want *UpdateError", err)
	}
	if uerr.Stage != ota.StageWrite || uerr.Written != k {
		t.Errorf("UpdateError = %+v, want write stage with %d written", uerr, k)
	}
	if uerr.RequestFault() {
		t.Error("write failure classified as request fault")
	}
	if s.State != ota.StateAborted || s.BytesWritten != k {
		t.Errorf("session state = %s written = %d", s.State, s.BytesWritten)
	}
	if s.BytesWritten > s.BytesReceived {
		t.Errorf("written %d > received %d", s.BytesWritten, s.BytesReceived)
	}
	begun, commits, aborts := slots.Counts()
	if begun != 1 || commits != 0 || aborts != 1 {
		t.Errorf("begin/commit/abort = %d/%d/%d, want 1/0/1", begun, commits, aborts)
	}
	if !errors.Is(err, ota.ErrMock) {
		t.Errorf("error does not wrap sink error: %v", err)
	}
}

func TestPipeline_CommitFailure(t *testing.T) {
	body := envelope(payloadOf(100))
	slots := ota.NewMemSlots()
	slots.SetFailCommit(true)
	s := newSession(t, body)

	_, err := ota.NewPipeline(slots, nil).Run(context.Background(), s, bytes.NewReader(body))

	var uerr *ota.UpdateError
	if !errors.As(err, &uerr) || uerr.Stage != ota.StageCommit {
		t.Fatalf("error = %v, want commit UpdateError", err)
	}
	if s.State != ota.StateAborted {
		t.Errorf("state = %s, want aborted", s.State)
	}
	if slots.Committed() {
		t.Error("slot committed despite failure")
	}
}

func TestPipeline_TruncatedBodyNeverCommits(t *testing.T) {
	body := envelope(payloadOf(100))
	body = body[:len(body)-len(closing)]
	slots := ota.NewMemSlots()
	s := newSession(t, body)

	_, err := ota.NewPipeline(slots, nil).Run(context.Background(), s, bytes.NewReader(body))

	var uerr *ota.UpdateError
	if !errors.As(err, &uerr) || uerr.Stage != ota.StageFinalize {
		t.Fatalf("error = %v, want finalize UpdateError", err)
	}
	if !errors.Is(err, ota.ErrTruncated) || !uerr.RequestFault() {
		t.Errorf("error = %v, want truncated request fault", err)
	}
	if _, commits, aborts := slots.Counts(); commits != 0 || aborts != 1 {
		t.Errorf("commit/abort = %d/%d, want 0/1", commits, aborts)
	}
}

func TestPipeline_ReadError(t *testing.T) {
	slots := ota.NewMemSlots()
	s, _ := ota.NewSession(100, boundary)

	_, err := ota.NewPipeline(slots, nil).Run(context.Background(), s, failingReader{errors.New("connection reset")})

	var uerr *ota.UpdateError
	if !errors.As(err, &uerr) || uerr.Stage != ota.StageRead {
		t.Fatalf("error = %v, want read UpdateError", err)
	}
}

func TestPipeline_BeginFailure(t *testing.T) {
	slots := ota.NewMemSlots()
	slots.SetFailBegin(true)
	body := envelope(payloadOf(10))
	s := newSession(t, body)

	_, err := ota.NewPipeline(slots, nil).Run(context.Background(), s, bytes.NewReader(body))

	var uerr *ota.UpdateError
	if !errors.As(err, &uerr) || uerr.Stage != ota.StageBegin {
		t.Fatalf("error = %v, want begin UpdateError", err)
	}
	if s.State != ota.StateAborted || s.BytesReceived != 0 {
		t.Errorf("session = %+v", s)
	}
}

func TestPipeline_PublishesProgress(t *testing.T) {
	bus := events.NewBus()
	ch := bus.Subscribe("test")
	body := envelope(payloadOf(50000))
	s := newSession(t, body)

	if _, err := ota.NewPipeline(ota.NewMemSlots(), bus).Run(context.Background(), s, bytes.NewReader(body)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var kinds []events.Kind
	timeout := time.After(time.Second)
	for len(kinds) < 3 {
		select {
		case ev := <-ch:
			if ev.Session != s.ID {
				t.Errorf("event session = %q, want %q", ev.Session, s.ID)
			}
			kinds = append(kinds, ev.Kind)
		case <-timeout:
			t.Fatalf("timed out, got %v", kinds)
		}
	}
	if kinds[0] != events.KindUpdateStarted || kinds[1] != events.KindUpdateProgress || kinds[2] != events.KindUpdateCommitted {
		t.Errorf("kinds = %v", kinds)
	}
}

func TestUpdateErrorMessage(t *testing.T) {
	err := &ota.UpdateError{Stage: ota.StageWrite, Received: 8640, Written: 8000, Err: ota.ErrMock}
	want := "Flashed failed at 8640 bytes (8000 bytes written): ota: mock failure configured"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestParseDeframeMode(t *testing.T) {
	if m, err := ota.ParseDeframeMode(""); err != nil || m != ota.DeframeStreaming {
		t.Errorf("empty = %v, %v", m, err)
	}
	if m, err := ota.ParseDeframeMode("chunk-local"); err != nil || m != ota.DeframeChunkLocal {
		t.Errorf("chunk-local = %v, %v", m, err)
	}
	if _, err := ota.ParseDeframeMode("magic"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
