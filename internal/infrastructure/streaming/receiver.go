package streaming

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"deskrelay/internal/core/domain"
	"deskrelay/internal/core/ports"

	"go.uber.org/zap"
)

// Receiver is the viewer side of a stream: receive, decode, display.
type Receiver struct {
	channel ports.FrameChannel
	decoder ports.Decoder
	sink    ports.Sink
	logger  *zap.SugaredLogger
	metrics ports.MetricsRecorder

	running  atomic.Bool
	stopOnce sync.Once
	frames   atomic.Int64
}

func NewReceiver(channel ports.FrameChannel, decoder ports.Decoder, sink ports.Sink, logger *zap.SugaredLogger, metrics ports.MetricsRecorder) *Receiver {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	r := &Receiver{
		channel: channel,
		decoder: decoder,
		sink:    sink,
		logger:  logger,
		metrics: metrics,
	}
	r.running.Store(true)
	return r
}

// Run displays frames until Stop, ctx cancellation, or a channel failure.
// A frame that fails to decode or display is dropped and the stream goes
// on. A channel failure is returned; a clean close by the peer returns
// domain.ErrChannelClosed so callers can tell it from a local stop.
func (r *Receiver) Run(ctx context.Context) error {
	defer r.channel.Close()

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			r.Stop()
		case <-stopWatch:
		}
	}()

	for r.running.Load() {
		payload, err := r.channel.Receive()
		if err != nil {
			if !r.running.Load() {
				break
			}
			r.logger.Infow("stream receive ended", "error", err, "frames", r.frames.Load())
			return fmt.Errorf("receive frame: %w", err)
		}
		r.metrics.FrameReceived(len(payload))

		img, err := r.decoder.Decode(payload)
		if err != nil {
			r.metrics.FrameDropped("decode")
			r.logger.Warnw("dropping undecodable frame", "error", err, "bytes", len(payload))
			continue
		}
		if err := r.sink.Show(img); err != nil {
			r.metrics.FrameDropped("display")
			r.logger.Warnw("frame display failed", "error", err)
			continue
		}
		r.frames.Add(1)
	}

	r.logger.Infow("stream receiver stopped", "frames", r.frames.Load())
	return nil
}

// Stop ends Run. A Receive blocked on the network is released by closing
// the channel; no partial frame is ever displayed.
func (r *Receiver) Stop() {
	r.stopOnce.Do(func() {
		r.running.Store(false)
		_ = r.channel.Close()
	})
}

func (r *Receiver) Frames() int64 {
	return r.frames.Load()
}

// PeerClosed reports whether err from Run means the other side ended the
// stream rather than a fault.
func PeerClosed(err error) bool {
	return err != nil && (errors.Is(err, domain.ErrChannelClosed) || errors.Is(err, domain.ErrPeerGone))
}

type nopMetrics struct{}

func (nopMetrics) SessionRegistered()                          {}
func (nopMetrics) SessionRemoved(string)                       {}
func (nopMetrics) ConnectionTransition(domain.ConnectionState) {}
func (nopMetrics) FrameSent(int)                               {}
func (nopMetrics) FrameReceived(int)                           {}
func (nopMetrics) FrameDropped(string)                         {}
