package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"deskrelay/internal/client/relay"
	"deskrelay/internal/core/domain"
	"deskrelay/internal/infrastructure/signal"
	"deskrelay/internal/infrastructure/streaming"
	"deskrelay/pkg/utils"

	"go.uber.org/zap"
)

// RelayHost shares the screen through the event relay. Unlike DirectHost
// it streams to several approved viewers at once, one Sender each.
type RelayHost struct {
	settings Settings
	media    Media
	approve  Approver
	logger   *zap.SugaredLogger

	client *relay.Client
	code   domain.SessionCode
	token  string

	mu      sync.Mutex
	senders map[domain.ConnectionID]*streaming.Sender
	wg      sync.WaitGroup
}

func NewRelayHost(settings Settings, media Media, approve Approver, logger *zap.SugaredLogger) *RelayHost {
	if approve == nil {
		approve = AutoApprove
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RelayHost{
		settings: settings,
		media:    media,
		approve:  approve,
		logger:   logger,
		senders:  make(map[domain.ConnectionID]*streaming.Sender),
	}
}

// Start connects to the relay and registers code. The relay keeps the
// session alive for as long as the socket is open.
func (h *RelayHost) Start(ctx context.Context, code domain.SessionCode, passwordHash string) (signal.HostRegisteredPayload, error) {
	dialCtx, cancel := context.WithTimeout(ctx, h.settings.ConnectTimeout)
	defer cancel()

	client, err := relay.Dial(dialCtx, h.settings.RelayURL,
		relay.WithLogger(h.logger),
		relay.WithMaxFrameSize(h.settings.MaxFrameSize))
	if err != nil {
		return signal.HostRegisteredPayload{}, err
	}

	err = client.Send(signal.EventHostRegister, signal.HostRegisterPayload{
		Code:         code,
		PasswordHash: passwordHash,
		MaxViewers:   h.settings.MaxViewers,
	})
	if err != nil {
		client.Close()
		return signal.HostRegisteredPayload{}, err
	}

	env, err := client.Await(dialCtx, signal.EventHostRegistered)
	if err != nil {
		client.Close()
		return signal.HostRegisteredPayload{}, fmt.Errorf("register session: %w", err)
	}
	var ack signal.HostRegisteredPayload
	if err := json.Unmarshal(env.Data, &ack); err != nil {
		client.Close()
		return signal.HostRegisteredPayload{}, fmt.Errorf("%w: host_registered: %v", domain.ErrInvalidArgument, err)
	}

	h.client = client
	h.code = ack.Code
	h.token = ack.HostToken
	h.logger.Infow("hosting session via relay", "code", ack.Code, "peer_id", ack.PeerID, "host_token", utils.MaskSensitive(ack.HostToken, 8))
	return ack, nil
}

// Run answers relay events until ctx is done or the relay goes away. On
// the way out it ends the session, which tells every viewer.
func (h *RelayHost) Run(ctx context.Context) error {
	if h.client == nil {
		return fmt.Errorf("%w: host not started", domain.ErrInvalidArgument)
	}
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-h.client.Events():
			if !ok {
				return fmt.Errorf("%w: relay connection lost", domain.ErrPeerGone)
			}
			if ended := h.handle(ctx, env); ended {
				return fmt.Errorf("%w: session %s ended by relay", domain.ErrPeerGone, h.code)
			}
		}
	}
}

// handle reports true once the relay has dropped the session itself.
func (h *RelayHost) handle(ctx context.Context, env signal.Envelope) bool {
	switch env.Event {
	case signal.EventConnectionRequest:
		var req signal.ConnectionPayload
		if err := json.Unmarshal(env.Data, &req); err != nil {
			h.logger.Warnw("malformed connection request", "error", err)
			return false
		}
		approved := h.approve(ctx, domain.PendingConnection{
			ID:          req.ConnectionID,
			SessionCode: req.Code,
			ViewerID:    req.ViewerID,
			ViewerName:  req.ViewerName,
			State:       req.State,
		})
		err := h.client.Send(signal.EventHostDecision, signal.HostDecisionPayload{ConnectionID: req.ConnectionID, Approved: approved})
		if err != nil {
			h.logger.Warnw("failed to send decision", "connection_id", req.ConnectionID, "error", err)
		}

	case signal.EventStartStreaming:
		var start signal.ConnectionPayload
		if err := json.Unmarshal(env.Data, &start); err != nil {
			h.logger.Warnw("malformed start_streaming", "error", err)
			return false
		}
		h.startSender(ctx, start.ConnectionID)

	case signal.EventSessionTerminated:
		var ended signal.TerminatePayload
		if err := json.Unmarshal(env.Data, &ended); err != nil {
			return false
		}
		if ended.ConnectionID == "" {
			h.logger.Infow("relay ended session", "code", ended.Code, "reason", ended.Reason)
			return true
		}
		h.stopSender(ended.ConnectionID)
		h.logger.Infow("viewer stream ended", "connection_id", ended.ConnectionID, "reason", ended.Reason)

	case signal.EventRequestExpired:
		h.logger.Infow("connection request expired undecided", "event", env.Event)

	case signal.EventError:
		var e signal.ErrorPayload
		_ = json.Unmarshal(env.Data, &e)
		h.logger.Warnw("relay reported error", "code", e.Code, "message", e.Message)
	}
	return false
}

func (h *RelayHost) startSender(ctx context.Context, id domain.ConnectionID) {
	sender := streaming.NewSender(h.media.Capturer, h.media.Encoder, h.client.FrameChannel(id), streaming.SenderConfig{
		Quality:  h.settings.Quality,
		Interval: h.settings.Interval,
	}, h.logger.With("connection_id", id), h.media.Metrics)

	h.mu.Lock()
	h.senders[id] = sender
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer h.stopSender(id)
		if err := sender.Run(ctx); err != nil && !streaming.PeerClosed(err) {
			h.logger.Warnw("relay stream failed", "connection_id", id, "error", err)
		}
	}()
}

func (h *RelayHost) stopSender(id domain.ConnectionID) {
	h.mu.Lock()
	sender, ok := h.senders[id]
	delete(h.senders, id)
	h.mu.Unlock()
	if ok {
		sender.Stop()
	}
}

// Viewers is the number of viewers currently streamed to.
func (h *RelayHost) Viewers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.senders)
}

func (h *RelayHost) shutdown() {
	h.mu.Lock()
	for id, sender := range h.senders {
		sender.Stop()
		delete(h.senders, id)
	}
	h.mu.Unlock()
	h.wg.Wait()

	// Ending the session on the relay notifies each viewer before the
	// socket goes away.
	if err := h.client.Send(signal.EventSessionTerminated, signal.TerminatePayload{Code: h.code}); err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		_, _ = h.client.Await(ctx, signal.EventSessionTerminated)
		cancel()
	}
	h.client.Close()
	h.logger.Infow("stopped hosting via relay", "code", h.code)
}
