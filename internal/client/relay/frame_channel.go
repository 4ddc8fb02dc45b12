package relay

import (
	"fmt"
	"sync"

	"deskrelay/internal/core/domain"
	"deskrelay/internal/infrastructure/signal"
)

// FrameChannel carries the frames of one relayed connection. The relay
// keeps message boundaries, so payloads travel without a length prefix.
type FrameChannel struct {
	client *Client
	id     domain.ConnectionID

	in chan []byte

	mu         sync.Mutex
	remoteErr  error
	remoteDone chan struct{}
	localDone  chan struct{}
	localOnce  sync.Once
	remoteOnce sync.Once
}

func newFrameChannel(c *Client, id domain.ConnectionID) *FrameChannel {
	return &FrameChannel{
		client:     c,
		id:         id,
		in:         make(chan []byte, frameBuffer),
		remoteDone: make(chan struct{}),
		localDone:  make(chan struct{}),
	}
}

func (f *FrameChannel) ID() domain.ConnectionID {
	return f.id
}

// Send relays one payload to the other side of the connection.
func (f *FrameChannel) Send(payload []byte) error {
	select {
	case <-f.localDone:
		return domain.ErrChannelClosed
	case <-f.remoteDone:
		return f.remoteError()
	default:
	}
	if limit := f.client.maxFrameSize; limit > 0 && uint64(len(payload)) > uint64(limit) {
		return fmt.Errorf("%w: %d bytes", domain.ErrFrameTooLarge, len(payload))
	}
	return f.client.Send(signal.EventStreamData, signal.StreamDataPayload{ConnectionID: f.id, Frame: payload})
}

// Receive returns the next payload in arrival order. Frames already
// buffered when the relay ends the connection are still returned first.
func (f *FrameChannel) Receive() ([]byte, error) {
	select {
	case payload := <-f.in:
		return payload, nil
	default:
	}

	select {
	case payload := <-f.in:
		return payload, nil
	case <-f.localDone:
		return nil, domain.ErrChannelClosed
	case <-f.remoteDone:
		select {
		case payload := <-f.in:
			return payload, nil
		default:
			return nil, f.remoteError()
		}
	}
}

// Close stops local use of the channel. It does not end the connection on
// the relay; the peers do that with session_terminated.
func (f *FrameChannel) Close() error {
	f.localOnce.Do(func() {
		close(f.localDone)
		f.client.forget(f.id)
	})
	return nil
}

// deliver runs on the client's read loop. A full buffer blocks the loop,
// which pushes back on the relay instead of dropping frames.
func (f *FrameChannel) deliver(payload []byte) {
	select {
	case f.in <- payload:
	case <-f.localDone:
	case <-f.client.closing:
	}
}

func (f *FrameChannel) remoteClose(err error) {
	f.remoteOnce.Do(func() {
		f.mu.Lock()
		f.remoteErr = err
		f.mu.Unlock()
		close(f.remoteDone)
	})
}

func (f *FrameChannel) remoteError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteErr
}
