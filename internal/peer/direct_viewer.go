package peer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"deskrelay/internal/client/directory"
	"deskrelay/internal/core/domain"
	"deskrelay/internal/core/services"
	"deskrelay/internal/infrastructure/framing"
	"deskrelay/internal/infrastructure/streaming"
	"deskrelay/internal/infrastructure/transport"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DirectViewer asks the directory for a host, waits for the host's
// approval and then reads the host's TCP stream.
type DirectViewer struct {
	dir      *directory.Client
	settings Settings
	media    Media
	logger   *zap.SugaredLogger
	viewerID string

	connID  domain.ConnectionID
	channel *framing.StreamChannel
}

func NewDirectViewer(dir *directory.Client, settings Settings, media Media, logger *zap.SugaredLogger) *DirectViewer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &DirectViewer{
		dir:      dir,
		settings: settings,
		media:    media,
		logger:   logger,
		viewerID: uuid.NewString(),
	}
}

func (v *DirectViewer) ViewerID() string {
	return v.viewerID
}

// Join looks up code, checks the password, waits for approval and dials
// the host. A rejection and a host that never answers fail differently:
// domain.ErrRequestRejected versus domain.ErrRequestExpired.
func (v *DirectViewer) Join(ctx context.Context, code domain.SessionCode, passwordHash, viewerName string) error {
	info, err := v.dir.Lookup(ctx, code)
	if err != nil {
		return err
	}
	if info.HasPassword {
		ok, err := v.dir.VerifyPassword(ctx, code, passwordHash)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrInvalidPassword
		}
	}

	id, err := v.dir.Connect(ctx, code, v.viewerID, viewerName, passwordHash)
	if err != nil {
		return err
	}
	v.logger.Infow("waiting for host approval", "code", info.Code, "connection_id", id)

	if err := v.awaitDecision(ctx, id); err != nil {
		return err
	}

	channel, err := transport.Dial(ctx, info.Endpoint, v.settings.ConnectTimeout, framing.WithMaxFrameSize(v.settings.MaxFrameSize))
	if err != nil {
		v.leave(id)
		return err
	}
	if err := channel.Send([]byte(id)); err != nil {
		channel.Close()
		v.leave(id)
		return err
	}

	v.connID = id
	v.channel = channel
	return nil
}

func (v *DirectViewer) awaitDecision(ctx context.Context, id domain.ConnectionID) error {
	ticker := time.NewTicker(v.settings.PollInterval)
	defer ticker.Stop()

	for {
		conn, err := v.dir.Connection(ctx, id)
		if err == nil && conn.State.Active() {
			return nil
		}
		if err != nil {
			var apiErr *directory.APIError
			if errors.As(err, &apiErr) && apiErr.Outcome != "" {
				return outcomeError(apiErr.Outcome)
			}
			if !domain.IsNetworkError(err) {
				return err
			}
			v.logger.Warnw("polling connection state failed", "connection_id", id, "error", err)
		}

		select {
		case <-ctx.Done():
			v.leave(id)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Watch displays frames until the host stops, the stream breaks or ctx is
// done. A host that ended the stream yields domain.ErrChannelClosed.
func (v *DirectViewer) Watch(ctx context.Context) error {
	if v.channel == nil {
		return fmt.Errorf("%w: viewer has not joined", domain.ErrInvalidArgument)
	}
	defer v.leave(v.connID)

	receiver := streaming.NewReceiver(v.channel, v.media.Decoder, v.media.Sink, v.logger.With("connection_id", v.connID), v.media.Metrics)
	return receiver.Run(ctx)
}

func (v *DirectViewer) leave(id domain.ConnectionID) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	err := v.dir.Terminate(ctx, id, v.viewerID, "", services.ReasonViewerLeft)
	if err != nil && !domain.IsNotFound(err) {
		v.logger.Debugw("failed to end connection", "connection_id", id, "error", err)
	}
}

func outcomeError(outcome domain.Outcome) error {
	switch outcome {
	case domain.OutcomeRejected:
		return domain.ErrRequestRejected
	case domain.OutcomeExpired:
		return domain.ErrRequestExpired
	default:
		return fmt.Errorf("%w: connection %s", domain.ErrPeerGone, outcome)
	}
}
