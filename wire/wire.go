// Package wire turns the byte stream of a duplex pipe into discrete
// message payloads and back.
//
// Two framing disciplines exist in the field. The original engine wrote a
// whole message in one logical write and relied on the pipe surfacing it as
// a run of full 4096-byte reads ending in a short read (ChunkFramer). Newer
// plugins append an explicit "<<END>>" marker to every outbound message
// (SentinelFramer), which removes the boundary ambiguity when a message is
// an exact multiple of the chunk size. Both framers accept a trailing
// marker on inbound messages, so either side can be upgraded first.
package wire

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"
)

const (
	// ChunkSize is the read buffer size. Matches the engine's pipe writes.
	ChunkSize = 4096

	// MaxMessageSize caps a single framed message (10 MB).
	MaxMessageSize = 10 * 1024 * 1024

	// EndMarker terminates sentinel-framed messages.
	EndMarker = "<<END>>"
)

var (
	// ErrClosed is returned once the underlying channel is gone.
	ErrClosed = errors.New("wire: channel closed")

	// ErrTooLarge is returned when a message exceeds MaxMessageSize.
	ErrTooLarge = errors.New("wire: message too large")
)

// Framer reads and writes discrete message payloads on a byte channel.
type Framer interface {
	// ReadMessage blocks until one full message is available.
	ReadMessage() ([]byte, error)

	// WriteMessage writes one complete message. Implementations must issue
	// a single Write call per message so concurrent writers, serialized by
	// the caller, never interleave partial frames.
	WriteMessage(payload []byte) error
}

// ChunkFramer is the legacy discipline: chunked reads with the end of a
// message inferred from a short read, bare writes with no terminator.
//
// Known limitation: a message whose length is an exact multiple of
// ChunkSize cannot be delimited by a short read alone. The reader stalls
// until the next message arrives and the two run together. Senders that
// cannot rule this out should use SentinelFramer instead.
type ChunkFramer struct {
	r io.Reader
	w io.Writer

	// Scrub lossily re-decodes inbound text and strips unprintable bytes,
	// tolerating engines that double-escape Unicode. On by default for
	// legacy interop.
	Scrub bool
}

// NewChunkFramer returns a legacy framer over the given reader/writer pair.
func NewChunkFramer(r io.Reader, w io.Writer) *ChunkFramer {
	return &ChunkFramer{r: r, w: w, Scrub: true}
}

func (f *ChunkFramer) ReadMessage() ([]byte, error) {
	buf, err := readChunks(f.r, false)
	if err != nil {
		return nil, err
	}
	buf = trimEndMarker(buf)
	if f.Scrub {
		buf = ScrubText(buf)
	}
	return buf, nil
}

func (f *ChunkFramer) WriteMessage(payload []byte) error {
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(payload))
	}
	_, err := f.w.Write(payload)
	if err != nil {
		return fmt.Errorf("wire: write failed: %w", err)
	}
	return nil
}

// SentinelFramer is the hardened discipline: every outbound message carries
// a trailing EndMarker, and the reader treats the marker itself as the end
// of the message, so exact chunk multiples frame correctly.
type SentinelFramer struct {
	r io.Reader
	w io.Writer

	// Scrub applies the same lossy inbound cleanup as ChunkFramer. Off by
	// default; sentinel-framed peers are expected to send clean UTF-8.
	Scrub bool
}

// NewSentinelFramer returns a sentinel framer over the given pair.
func NewSentinelFramer(r io.Reader, w io.Writer) *SentinelFramer {
	return &SentinelFramer{r: r, w: w}
}

func (f *SentinelFramer) ReadMessage() ([]byte, error) {
	buf, err := readChunks(f.r, true)
	if err != nil {
		return nil, err
	}
	buf = trimEndMarker(buf)
	if f.Scrub {
		buf = ScrubText(buf)
	}
	return buf, nil
}

func (f *SentinelFramer) WriteMessage(payload []byte) error {
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(payload))
	}
	framed := make([]byte, 0, len(payload)+len(EndMarker))
	framed = append(framed, payload...)
	framed = append(framed, EndMarker...)
	if _, err := f.w.Write(framed); err != nil {
		return fmt.Errorf("wire: write failed: %w", err)
	}
	return nil
}

// readChunks accumulates reads of up to ChunkSize bytes until a short read
// (or, when stopAtMarker is set, a trailing EndMarker) delimits the
// message. A closed channel before any data surfaces as ErrClosed.
func readChunks(r io.Reader, stopAtMarker bool) ([]byte, error) {
	var buf []byte
	chunk := make([]byte, ChunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if len(buf) > MaxMessageSize {
				return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(buf))
			}
		}
		if err != nil {
			if len(buf) > 0 && (err == io.EOF || errors.Is(err, io.ErrClosedPipe)) {
				return buf, nil
			}
			if err == io.EOF || errors.Is(err, io.ErrClosedPipe) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("wire: read failed: %w", err)
		}
		if stopAtMarker && hasEndMarker(buf) {
			return buf, nil
		}
		if n < ChunkSize && n > 0 {
			return buf, nil
		}
		// n == 0 with no error: nothing available yet, keep reading.
	}
}

func hasEndMarker(buf []byte) bool {
	return len(buf) >= len(EndMarker) && string(buf[len(buf)-len(EndMarker):]) == EndMarker
}

func trimEndMarker(buf []byte) []byte {
	if hasEndMarker(buf) {
		return buf[:len(buf)-len(EndMarker)]
	}
	return buf
}

// ScrubText makes inbound text safe to JSON-parse against engines that
// double-escape Unicode: invalid UTF-8 sequences are dropped and control
// characters other than newline, tab and carriage return are stripped.
func ScrubText(b []byte) []byte {
	s := strings.ToValidUTF8(string(b), "")
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' || r == '\r' {
			sb.WriteRune(r)
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		sb.WriteRune(r)
	}
	return []byte(sb.String())
}
