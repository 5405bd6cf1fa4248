package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// maxFrameBytes bounds a single IPC frame. A module writing a larger
// frame is misbehaving and gets its channel torn down.
const maxFrameBytes = 32 << 20

// ErrClosed is returned by Send after the connection has been closed.
var ErrClosed = errors.New("ipc: connection closed")

// Conn is one side of a framed message channel. Writes are serialised;
// reads are expected from a single reader goroutine. Frames on a Conn
// are delivered in the order sent.
type Conn struct {
	r io.Reader

	wmu    sync.Mutex
	w      io.Writer
	closed bool

	closeFns []io.Closer
}

// NewConn wraps a reader/writer pair in a framed connection. Closers,
// if given, are closed by Close (typically the child's pipe ends).
func NewConn(r io.Reader, w io.Writer, closers ...io.Closer) *Conn {
	return &Conn{r: r, w: w, closeFns: closers}
}

// Send marshals and writes one frame. It may block on back-pressure
// from a slow peer; callers dispatch from per-request work units so a
// stalled instance never blocks unrelated traffic.
func (c *Conn) Send(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", msg.Type, err)
	}
	if len(data) > maxFrameBytes {
		return fmt.Errorf("frame too large: %d bytes", len(data))
	}

	// Length prefix and body in a single write to keep the frame atomic
	// with respect to concurrent senders.
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed {
		return ErrClosed
	}
	_, err = c.w.Write(buf)
	return err
}

// Receive blocks for the next frame. io.EOF means the peer went away.
func (c *Conn) Receive() (*Message, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(c.r, lenBuf); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return nil, err
	}
	frameLen := binary.BigEndian.Uint32(lenBuf)
	if frameLen > maxFrameBytes {
		return nil, fmt.Errorf("frame too large: %d bytes", frameLen)
	}
	data := make([]byte, frameLen)
	if _, err := io.ReadFull(c.r, data); err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if msg.Type == "" {
		return nil, errors.New("frame missing type")
	}
	return &msg, nil
}

// Close tears the channel down. Safe to call more than once.
func (c *Conn) Close() error {
	c.wmu.Lock()
	if c.closed {
		c.wmu.Unlock()
		return nil
	}
	c.closed = true
	c.wmu.Unlock()

	var firstErr error
	for _, cl := range c.closeFns {
		if err := cl.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
