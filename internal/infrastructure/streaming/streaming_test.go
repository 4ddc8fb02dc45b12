package streaming

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"deskrelay/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// memChannel is an in-process FrameChannel.
type memChannel struct {
	mu       sync.Mutex
	frames   chan []byte
	sent     [][]byte
	sendErr  error
	closed   bool
	closedCh chan struct{}
}

func newMemChannel() *memChannel {
	return &memChannel{frames: make(chan []byte, 64), closedCh: make(chan struct{})}
}

func (c *memChannel) Send(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrChannelClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, p)
	return nil
}

func (c *memChannel) Receive() ([]byte, error) {
	select {
	case p, ok := <-c.frames:
		if !ok {
			return nil, domain.ErrChannelClosed
		}
		return p, nil
	case <-c.closedCh:
		return nil, domain.ErrChannelClosed
	}
}

func (c *memChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closedCh)
	}
	return nil
}

func (c *memChannel) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type countingCapturer struct {
	mu    sync.Mutex
	calls int
	fail  map[int]bool
}

func (c *countingCapturer) Capture(context.Context) (image.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.fail[c.calls] {
		return nil, errors.New("display unavailable")
	}
	img := image.NewGray(image.Rect(0, 0, 1, 1))
	img.SetGray(0, 0, color.Gray{Y: uint8(c.calls)})
	return img, nil
}

type grayCodec struct {
	quality int
}

func (e *grayCodec) Encode(img image.Image, quality int) ([]byte, error) {
	e.quality = quality
	return []byte{img.(*image.Gray).Pix[0]}, nil
}

func (grayCodec) Decode(p []byte) (image.Image, error) {
	if len(p) != 1 {
		return nil, errors.New("corrupt frame")
	}
	img := image.NewGray(image.Rect(0, 0, 1, 1))
	img.Pix[0] = p[0]
	return img, nil
}

type recordingSink struct {
	mu    sync.Mutex
	shown []byte
}

func (s *recordingSink) Show(img image.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shown = append(s.shown, img.(*image.Gray).Pix[0])
	return nil
}

func (s *recordingSink) values() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.shown...)
}

func TestSender_StreamsUntilStopped(t *testing.T) {
	ch := newMemChannel()
	enc := &grayCodec{}
	capt := &countingCapturer{fail: map[int]bool{2: true}}
	s := NewSender(capt, enc, ch, SenderConfig{Quality: 70, Interval: time.Millisecond}, zaptest.NewLogger(t).Sugar(), nil)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	require.Eventually(t, func() bool { return ch.sentCount() >= 5 }, time.Second, time.Millisecond)
	s.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sender did not stop")
	}
	assert.False(t, s.Running())
	assert.True(t, ch.closed, "sender closes its channel")
	assert.Equal(t, 70, enc.quality, "quality is passed through")
	assert.Equal(t, int64(ch.sentCount()), s.Frames())
	assert.NotEqual(t, byte(2), ch.sent[1][0], "failed capture is skipped")
}

func TestSender_SendFailureEndsStream(t *testing.T) {
	ch := newMemChannel()
	ch.sendErr = domain.ErrPeerGone
	s := NewSender(&countingCapturer{}, &grayCodec{}, ch, SenderConfig{Interval: time.Millisecond}, zaptest.NewLogger(t).Sugar(), nil)

	err := s.Run(context.Background())
	assert.ErrorIs(t, err, domain.ErrPeerGone)
	assert.True(t, domain.IsNetworkError(err))
	assert.True(t, ch.closed)
}

func TestSender_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := newMemChannel()
	s := NewSender(&countingCapturer{}, &grayCodec{}, ch, SenderConfig{Interval: time.Hour}, nil, nil)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	require.Eventually(t, func() bool { return ch.sentCount() == 1 }, time.Second, time.Millisecond)
	cancel()

	assert.NoError(t, <-done)
}

func TestReceiver_DropsCorruptFramesAndKeepsGoing(t *testing.T) {
	ch := newMemChannel()
	sink := &recordingSink{}
	r := NewReceiver(ch, grayCodec{}, sink, zaptest.NewLogger(t).Sugar(), nil)

	ch.frames <- []byte{1}
	ch.frames <- []byte{0xde, 0xad}
	ch.frames <- []byte{3}
	close(ch.frames)

	err := r.Run(context.Background())
	assert.ErrorIs(t, err, domain.ErrChannelClosed)
	assert.True(t, PeerClosed(err))
	assert.Equal(t, []byte{1, 3}, sink.values())
	assert.Equal(t, int64(2), r.Frames())
}

func TestReceiver_ProtocolErrorStops(t *testing.T) {
	ch := &failingChannel{memChannel: newMemChannel(), err: domain.ErrTruncatedFrame}
	r := NewReceiver(ch, grayCodec{}, &recordingSink{}, nil, nil)

	err := r.Run(context.Background())
	assert.True(t, domain.IsProtocolError(err))
	assert.False(t, PeerClosed(err))
}

func TestReceiver_StopIsClean(t *testing.T) {
	ch := newMemChannel()
	r := NewReceiver(ch, grayCodec{}, &recordingSink{}, nil, nil)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	r.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("receiver did not stop")
	}
}

type failingChannel struct {
	*memChannel
	err error
}

func (c *failingChannel) Receive() ([]byte, error) {
	return nil, c.err
}
