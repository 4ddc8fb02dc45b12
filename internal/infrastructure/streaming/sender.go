package streaming

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"deskrelay/internal/core/ports"

	"go.uber.org/zap"
)

type SenderConfig struct {
	// Quality is handed to the encoder unchanged.
	Quality int
	// Interval is slept after every frame; cadence drifts by the time spent
	// capturing and sending.
	Interval time.Duration
}

// Sender is the host side of a stream: capture, encode, send, sleep.
type Sender struct {
	capturer ports.Capturer
	encoder  ports.Encoder
	channel  ports.FrameChannel
	cfg      SenderConfig
	logger   *zap.SugaredLogger
	metrics  ports.MetricsRecorder

	running  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	frames   atomic.Int64
}

func NewSender(capturer ports.Capturer, encoder ports.Encoder, channel ports.FrameChannel, cfg SenderConfig, logger *zap.SugaredLogger, metrics ports.MetricsRecorder) *Sender {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	s := &Sender{
		capturer: capturer,
		encoder:  encoder,
		channel:  channel,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		stop:     make(chan struct{}),
	}
	s.running.Store(true)
	return s
}

// Run streams until Stop, ctx cancellation, or a send failure, and always
// closes the channel on the way out. Capture and encode failures skip the
// frame; a send failure ends the stream and is returned.
func (s *Sender) Run(ctx context.Context) error {
	defer s.channel.Close()

	for s.running.Load() {
		if ctx.Err() != nil {
			return nil
		}

		if err := s.sendOne(ctx); err != nil {
			if !s.running.Load() {
				return nil
			}
			s.logger.Warnw("stream send failed", "error", err, "frames", s.frames.Load())
			return err
		}

		if !s.sleep(ctx) {
			break
		}
	}

	s.logger.Infow("stream sender stopped", "frames", s.frames.Load())
	return nil
}

func (s *Sender) sendOne(ctx context.Context) error {
	img, err := s.capturer.Capture(ctx)
	if err != nil {
		s.metrics.FrameDropped("capture")
		s.logger.Warnw("frame capture failed", "error", err)
		return nil
	}

	payload, err := s.encoder.Encode(img, s.cfg.Quality)
	if err != nil {
		s.metrics.FrameDropped("encode")
		s.logger.Warnw("frame encode failed", "error", err)
		return nil
	}

	if err := s.channel.Send(payload); err != nil {
		return fmt.Errorf("send frame: %w", err)
	}
	s.frames.Add(1)
	s.metrics.FrameSent(len(payload))
	return nil
}

func (s *Sender) sleep(ctx context.Context) bool {
	if s.cfg.Interval <= 0 {
		return s.running.Load()
	}
	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-s.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

// Stop lets the frame in flight finish, then Run returns.
func (s *Sender) Stop() {
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stop)
	})
}

func (s *Sender) Running() bool {
	return s.running.Load()
}

// Frames is the number of frames sent so far.
func (s *Sender) Frames() int64 {
	return s.frames.Load()
}
