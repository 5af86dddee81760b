package ota

import (
	"bytes"
	"fmt"
)

var (
	crlf      = []byte("\r\n")
	headerEnd = []byte("\r\n\r\n")
	trailer   = []byte("\r\n--")
)

// Deframer strips the multipart envelope from a single-part body delivered
// in arbitrary chunks. It keeps a small carry-over between chunks so framing
// markers split across a chunk seam are still recognised.
type Deframer struct {
	delim  []byte
	inBody bool
	done   bool
	buf    []byte
	out    []byte
}

// NewDeframer returns a Deframer for the given boundary token.
func NewDeframer(boundary string) *Deframer {
	return &Deframer{delim: append(append([]byte(nil), trailer...), boundary...)}
}

// Feed consumes the next chunk and returns the payload bytes it releases.
// The returned slice is only valid until the next call.
func (d *Deframer) Feed(chunk []byte) []byte {
	if d.done {
		return nil
	}
	d.buf = append(d.buf, chunk...)

	if !d.inBody {
		i := bytes.Index(d.buf, headerEnd)
		if i < 0 {
			d.keepTail(len(headerEnd) - 1)
			return nil
		}
		d.inBody = true
		d.buf = append(d.buf[:0], d.buf[i+len(headerEnd):]...)
	}

	if i := bytes.Index(d.buf, d.delim); i >= 0 {
		d.done = true
		d.out = append(d.out[:0], d.buf[:i]...)
		d.buf = d.buf[:0]
		return d.out
	}

	// Hold back anything that could be the start of the delimiter.
	n := len(d.buf) - (len(d.delim) - 1)
	if n <= 0 {
		return nil
	}
	d.out = append(d.out[:0], d.buf[:n]...)
	d.buf = append(d.buf[:0], d.buf[n:]...)
	return d.out
}

func (d *Deframer) keepTail(n int) {
	if len(d.buf) > n {
		d.buf = append(d.buf[:0], d.buf[len(d.buf)-n:]...)
	}
}

// Done reports whether the closing delimiter has been seen.
func (d *Deframer) Done() bool { return d.done }

// Finish checks that the envelope was complete.
func (d *Deframer) Finish() error {
	switch {
	case !d.inBody:
		return fmt.Errorf("%w: header separator never seen", ErrTruncated)
	case !d.done:
		return fmt.Errorf("%w: closing boundary never seen", ErrTruncated)
	}
	return nil
}

// ExtractChunk strips multipart framing from one chunk in isolation. The
// chunk is returned unchanged unless it contains both a CRLF and the
// boundary. Otherwise everything up to and including the first blank line
// is dropped, as is everything from the last "\r\n--" onward.
//
// Markers that straddle two chunks are not recognised; Deframer handles that
// case.
func ExtractChunk(buf []byte, boundary string) []byte {
	if !bytes.Contains(buf, crlf) || !bytes.Contains(buf, []byte(boundary)) {
		return buf
	}
	left := 0
	if i := bytes.Index(buf, headerEnd); i >= 0 {
		left = i + len(headerEnd)
	}
	right := len(buf)
	if i := bytes.LastIndex(buf, trailer); i >= 0 {
		right = i
	}
	if right < left {
		right = len(buf)
	}
	return buf[left:right]
}
