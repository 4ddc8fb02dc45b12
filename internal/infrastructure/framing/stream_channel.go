// Package framing carries opaque payloads over a byte stream as
// length-prefixed frames: a 4-byte big-endian length, then that many bytes.
package framing

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"deskrelay/internal/core/domain"
)

const (
	HeaderSize          = 4
	DefaultMaxFrameSize = 32 << 20
)

// StreamChannel is a FrameChannel over a byte stream. One Send and one
// Receive may run concurrently; each direction is serialized. Any read
// failure closes the channel: a stream is never resynchronized mid-frame.
type StreamChannel struct {
	conn         io.ReadWriteCloser
	r            *bufio.Reader
	maxFrameSize uint32

	readMu  sync.Mutex
	writeMu sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

type Option func(*StreamChannel)

// WithMaxFrameSize bounds both directions. Larger announced lengths are a
// protocol error on receive.
func WithMaxFrameSize(n uint32) Option {
	return func(c *StreamChannel) {
		if n > 0 {
			c.maxFrameSize = n
		}
	}
}

func NewStreamChannel(conn io.ReadWriteCloser, opts ...Option) *StreamChannel {
	c := &StreamChannel{
		conn:         conn,
		r:            bufio.NewReaderSize(conn, 64<<10),
		maxFrameSize: DefaultMaxFrameSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *StreamChannel) Send(payload []byte) error {
	if c.closed.Load() {
		return domain.ErrChannelClosed
	}
	if uint64(len(payload)) > uint64(c.maxFrameSize) {
		return fmt.Errorf("%w: %d bytes", domain.ErrFrameTooLarge, len(payload))
	}

	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	bufs := net.Buffers{header[:], payload}
	if _, err := bufs.WriteTo(c.conn); err != nil {
		if c.closed.Load() {
			return domain.ErrChannelClosed
		}
		_ = c.Close()
		return fmt.Errorf("%w: %w", domain.ErrPeerGone, err)
	}
	return nil
}

// Receive blocks until a whole frame has arrived. A stream that ends on a
// frame boundary yields domain.ErrChannelClosed; one that ends inside a
// frame yields domain.ErrTruncatedFrame.
func (c *StreamChannel) Receive() ([]byte, error) {
	if c.closed.Load() {
		return nil, domain.ErrChannelClosed
	}

	c.readMu.Lock()
	defer c.readMu.Unlock()

	var header [HeaderSize]byte
	if n, err := io.ReadFull(c.r, header[:]); err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			_ = c.Close()
			return nil, domain.ErrChannelClosed
		}
		return nil, c.readFailure(err, fmt.Sprintf("header %d of %d bytes", n, HeaderSize))
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > c.maxFrameSize {
		_ = c.Close()
		return nil, fmt.Errorf("%w: announced %d bytes, limit %d", domain.ErrFrameTooLarge, length, c.maxFrameSize)
	}

	payload := make([]byte, length)
	if n, err := io.ReadFull(c.r, payload); err != nil {
		return nil, c.readFailure(err, fmt.Sprintf("payload %d of %d bytes", n, length))
	}
	return payload, nil
}

func (c *StreamChannel) readFailure(err error, progress string) error {
	if c.closed.Load() {
		return domain.ErrChannelClosed
	}
	_ = c.Close()
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %s", domain.ErrTruncatedFrame, progress)
	}
	return fmt.Errorf("%w: %w", domain.ErrPeerGone, err)
}

// SetReadDeadline bounds pending and future Receive calls when the
// underlying stream supports deadlines. A zero t clears it.
func (c *StreamChannel) SetReadDeadline(t time.Time) error {
	d, ok := c.conn.(interface{ SetReadDeadline(time.Time) error })
	if !ok {
		return fmt.Errorf("%w: stream has no read deadline", domain.ErrInvalidArgument)
	}
	return d.SetReadDeadline(t)
}

// Close releases the underlying stream. Safe to call more than once.
func (c *StreamChannel) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *StreamChannel) Closed() bool {
	return c.closed.Load()
}
