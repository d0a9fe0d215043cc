package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/plugwire/plugwire/logger"
	"github.com/plugwire/plugwire/wire"
)

// ErrMalformed marks an inbound frame that could not be decoded. The main
// loop logs these and waits for the next message; they are never fatal.
var ErrMalformed = errors.New("protocol: malformed message")

// ErrClosed reports that the channel to the peer is gone.
var ErrClosed = wire.ErrClosed

// Conn owns exactly one framed channel. All writes — responses from the
// dispatch loop and notifications from the heartbeat goroutine — share one
// physical output handle, so every complete frame is written under a
// mutex; interleaved partial writes would corrupt the framing.
type Conn struct {
	framer wire.Framer

	wmu sync.Mutex
}

// NewConn wraps a framer.
func NewConn(f wire.Framer) *Conn {
	return &Conn{framer: f}
}

// NewStdio builds the standard plugin-side connection: sentinel framing
// over the given reader/writer pair (normally os.Stdin / os.Stdout).
func NewStdio(r io.Reader, w io.Writer) *Conn {
	return NewConn(wire.NewSentinelFramer(r, w))
}

// ReadRaw blocks until a full frame arrives and returns it undecoded.
// Used by the legacy adapter, which parses its own record shapes.
func (c *Conn) ReadRaw() ([]byte, error) {
	return c.framer.ReadMessage()
}

// ReadRequest blocks until a full frame arrives and decodes it.
// A decode failure returns ErrMalformed and leaves the channel usable; a
// channel failure returns the underlying error.
func (c *Conn) ReadRequest() (*Request, error) {
	payload, err := c.framer.ReadMessage()
	if err != nil {
		return nil, err
	}
	req, err := ParseRequest(payload)
	if err != nil {
		logger.Error("malformed inbound message", "err", err, "payload", truncate(payload, 200))
		return nil, err
	}
	return req, nil
}

// SendResponse serializes and writes one response frame.
func (c *Conn) SendResponse(resp *Response) error {
	return c.writeJSON(resp)
}

// SendNotification serializes and writes one notification frame.
func (c *Conn) SendNotification(note *Notification) error {
	return c.writeJSON(note)
}

// SendRaw frames an already-serialized payload. Used by the legacy adapter,
// which marshals its own reply shapes.
func (c *Conn) SendRaw(payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.framer.WriteMessage(payload); err != nil {
		logger.Error("pipe write failed", "err", err)
		return err
	}
	return nil
}

func (c *Conn) writeJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("protocol: marshal: %w", err)
	}
	return c.SendRaw(payload)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
