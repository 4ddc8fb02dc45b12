package peer

import (
	"context"
	"time"

	"deskrelay/internal/client/directory"
	"deskrelay/internal/core/domain"
	"deskrelay/internal/core/ports"
	"deskrelay/internal/infrastructure/codec"

	"go.uber.org/zap"
)

const previewContentType = "image/jpeg"

// PreviewPublisher uploads a low quality still of the host's screen to the
// directory so a viewer can see what they are asking to watch.
type PreviewPublisher struct {
	dir      *directory.Client
	capturer ports.Capturer
	code     domain.SessionCode
	token    string
	quality  int
	interval time.Duration
	logger   *zap.SugaredLogger
}

func NewPreviewPublisher(dir *directory.Client, capturer ports.Capturer, code domain.SessionCode, hostToken string, quality int, interval time.Duration, logger *zap.SugaredLogger) *PreviewPublisher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &PreviewPublisher{
		dir:      dir,
		capturer: capturer,
		code:     code,
		token:    hostToken,
		quality:  quality,
		interval: interval,
		logger:   logger,
	}
}

// Publish captures and uploads one preview.
func (p *PreviewPublisher) Publish(ctx context.Context) error {
	img, err := p.capturer.Capture(ctx)
	if err != nil {
		return err
	}
	data, err := codec.PreviewJPEG(img, p.quality)
	if err != nil {
		return err
	}
	return p.dir.PutSnapshot(ctx, p.code, p.token, previewContentType, data)
}

// Run publishes immediately and then every interval until ctx is done. An
// oversized preview is not retried.
func (p *PreviewPublisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.Publish(ctx); err != nil && ctx.Err() == nil {
			if domain.IsInvalidArgument(err) {
				p.logger.Warnw("preview rejected, giving up", "code", p.code, "error", err)
				return
			}
			p.logger.Debugw("preview upload failed", "code", p.code, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
