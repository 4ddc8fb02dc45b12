package peer

import (
	"context"
	"encoding/json"
	"fmt"

	"deskrelay/internal/client/relay"
	"deskrelay/internal/core/domain"
	"deskrelay/internal/infrastructure/signal"
	"deskrelay/internal/infrastructure/streaming"

	"go.uber.org/zap"
)

// RelayViewer watches a host through the event relay.
type RelayViewer struct {
	settings Settings
	media    Media
	logger   *zap.SugaredLogger

	client *relay.Client
	connID domain.ConnectionID
}

func NewRelayViewer(settings Settings, media Media, logger *zap.SugaredLogger) *RelayViewer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RelayViewer{settings: settings, media: media, logger: logger}
}

// Join requests a connection and blocks until the host decides. Rejection
// and expiry come back as domain.ErrRequestRejected and
// domain.ErrRequestExpired.
func (v *RelayViewer) Join(ctx context.Context, code domain.SessionCode, passwordHash, viewerName string) error {
	dialCtx, cancel := context.WithTimeout(ctx, v.settings.ConnectTimeout)
	client, err := relay.Dial(dialCtx, v.settings.RelayURL,
		relay.WithLogger(v.logger),
		relay.WithMaxFrameSize(v.settings.MaxFrameSize))
	cancel()
	if err != nil {
		return err
	}

	err = client.Send(signal.EventClientConnectRequest, signal.ConnectRequestPayload{
		Code:         code,
		PasswordHash: passwordHash,
		ViewerName:   viewerName,
	})
	if err != nil {
		client.Close()
		return err
	}

	for {
		env, err := client.Await(ctx,
			signal.EventPendingApproval,
			signal.EventConnectionApproved,
			signal.EventConnectionRejected,
			signal.EventRequestExpired)
		if err != nil {
			client.Close()
			return err
		}

		var payload signal.ConnectionPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			client.Close()
			return fmt.Errorf("%w: %s: %v", domain.ErrInvalidArgument, env.Event, err)
		}

		switch env.Event {
		case signal.EventPendingApproval:
			v.logger.Infow("waiting for host approval", "code", payload.Code, "connection_id", payload.ConnectionID)
		case signal.EventConnectionApproved:
			v.client = client
			v.connID = payload.ConnectionID
			return nil
		case signal.EventConnectionRejected:
			client.Close()
			return fmt.Errorf("%w: %s", rejectionError(payload.Reason), payload.Reason)
		case signal.EventRequestExpired:
			client.Close()
			return domain.ErrRequestExpired
		}
	}
}

// Watch displays frames until the host ends the stream or ctx is done. An
// ended stream yields an error for which streaming.PeerClosed is true.
func (v *RelayViewer) Watch(ctx context.Context) error {
	if v.client == nil {
		return fmt.Errorf("%w: viewer has not joined", domain.ErrInvalidArgument)
	}
	defer v.client.Close()

	// Control events are of no further use; keep the read loop unblocked.
	go func() {
		for range v.client.Events() {
		}
	}()

	channel := v.client.FrameChannel(v.connID)
	receiver := streaming.NewReceiver(channel, v.media.Decoder, v.media.Sink, v.logger.With("connection_id", v.connID), v.media.Metrics)
	err := receiver.Run(ctx)

	if ctx.Err() != nil {
		_ = v.client.Send(signal.EventSessionTerminated, signal.TerminatePayload{ConnectionID: v.connID})
	}
	return err
}

func (v *RelayViewer) ConnectionID() domain.ConnectionID {
	return v.connID
}

// rejectionError tells a password or capacity refusal from a host's "no".
func rejectionError(reason string) error {
	switch reason {
	case domain.ErrInvalidPassword.Error():
		return domain.ErrInvalidPassword
	case domain.ErrCapacityReached.Error():
		return domain.ErrCapacityReached
	default:
		return domain.ErrRequestRejected
	}
}
