package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"deskrelay/internal/client/directory"
	"deskrelay/internal/core/domain"
	"deskrelay/internal/core/services"
	"deskrelay/internal/infrastructure/framing"
	"deskrelay/internal/infrastructure/streaming"
	"deskrelay/internal/infrastructure/transport"
	"deskrelay/pkg/utils"

	"go.uber.org/zap"
)

const (
	cleanupTimeout      = 5 * time.Second
	defaultHelloTimeout = 10 * time.Second
)

// DirectHost shares the screen with one viewer at a time over a TCP
// listener. Requests arrive through the directory's polling surface.
type DirectHost struct {
	dir      *directory.Client
	settings Settings
	media    Media
	approve  Approver
	logger   *zap.SugaredLogger

	listener  *transport.Listener
	heartbeat *directory.Heartbeater
}

func NewDirectHost(dir *directory.Client, settings Settings, media Media, approve Approver, logger *zap.SugaredLogger) *DirectHost {
	if approve == nil {
		approve = AutoApprove
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &DirectHost{
		dir:      dir,
		settings: settings,
		media:    media,
		approve:  approve,
		logger:   logger,
	}
}

// Start opens the listener and registers the session. An empty code asks
// the directory to generate one.
func (h *DirectHost) Start(ctx context.Context, code domain.SessionCode, passwordHash string) (directory.Registration, error) {
	ln, err := transport.Listen(h.settings.ListenAddress, h.settings.AcceptPoll)
	if err != nil {
		return directory.Registration{}, fmt.Errorf("%w: %v", domain.ErrConnectFailed, err)
	}

	endpoint, err := advertisedEndpoint(h.settings.AdvertiseAddress, ln.Addr())
	if err != nil {
		ln.Close()
		return directory.Registration{}, err
	}

	req := directory.RegisterRequest{
		Code:         code,
		Endpoint:     endpoint,
		PasswordHash: passwordHash,
		MaxViewers:   1,
	}
	reg, err := h.dir.Register(ctx, req)
	if err != nil {
		ln.Close()
		return directory.Registration{}, fmt.Errorf("register session: %w", err)
	}

	h.listener = ln
	h.heartbeat = directory.NewHeartbeater(h.dir, req, *reg, h.settings.HeartbeatInterval, h.logger)
	h.logger.Infow("hosting session", "code", reg.Code, "endpoint", endpoint, "host_token", utils.MaskSensitive(reg.HostToken, 8))
	return *reg, nil
}

// Run serves viewers until ctx is done, then unregisters the session.
func (h *DirectHost) Run(ctx context.Context) error {
	if h.listener == nil {
		return fmt.Errorf("%w: host not started", domain.ErrInvalidArgument)
	}
	defer h.shutdown()

	go h.heartbeat.Run(ctx)

	for ctx.Err() == nil {
		conn, err := h.awaitApproval(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := h.serveViewer(ctx, conn); err != nil && ctx.Err() == nil {
			h.logger.Warnw("viewer stream ended", "connection_id", conn.ID, "error", err)
		}
	}
	return nil
}

// awaitApproval polls for requests and returns the first approved one.
func (h *DirectHost) awaitApproval(ctx context.Context) (domain.PendingConnection, error) {
	ticker := time.NewTicker(h.settings.PollInterval)
	defer ticker.Stop()

	for {
		reg := h.heartbeat.Registration()
		pending, err := h.dir.PendingRequests(ctx, reg.Code, reg.HostToken)
		switch {
		case err == nil:
		case domain.IsNetworkError(err):
			h.logger.Warnw("polling connection requests failed", "error", err)
		default:
			if !domain.IsNotFound(err) {
				return domain.PendingConnection{}, err
			}
		}

		for _, req := range pending {
			approved := h.approve(ctx, req)
			conn, err := h.dir.Decide(ctx, req.ID, approved, reg.HostToken)
			if err != nil {
				h.logger.Infow("decision not applied", "connection_id", req.ID, "error", err)
				continue
			}
			if approved && conn.State.Active() {
				return *conn, nil
			}
		}

		select {
		case <-ctx.Done():
			return domain.PendingConnection{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// serveViewer accepts the approved viewer's socket and streams to it. The
// viewer proves who it is by sending its connection id as the first frame.
func (h *DirectHost) serveViewer(ctx context.Context, conn domain.PendingConnection) error {
	reg := h.heartbeat.Registration()
	reason := services.ReasonViewerLeft
	defer func() {
		if ctx.Err() != nil {
			reason = services.ReasonHostStopped
		}
		h.endConnection(conn.ID, reg.HostToken, reason)
	}()

	channel, err := h.acceptViewer(ctx, conn.ID)
	if err != nil {
		return err
	}

	sender := streaming.NewSender(h.media.Capturer, h.media.Encoder, channel, streaming.SenderConfig{
		Quality:  h.settings.Quality,
		Interval: h.settings.Interval,
	}, h.logger.With("connection_id", conn.ID), h.media.Metrics)
	h.logger.Infow("streaming to viewer", "connection_id", conn.ID, "viewer_id", conn.ViewerID)
	return sender.Run(ctx)
}

func (h *DirectHost) acceptViewer(ctx context.Context, id domain.ConnectionID) (*framing.StreamChannel, error) {
	acceptCtx := ctx
	if h.settings.AcceptTimeout > 0 {
		var cancel context.CancelFunc
		acceptCtx, cancel = context.WithTimeout(ctx, h.settings.AcceptTimeout)
		defer cancel()
	}

	for {
		channel, err := h.listener.Accept(acceptCtx, framing.WithMaxFrameSize(h.settings.MaxFrameSize))
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: approved viewer never connected", domain.ErrConnectTimeout)
			}
			return nil, err
		}

		ok, err := h.readHello(acceptCtx, channel, id)
		if ok {
			return channel, nil
		}
		h.logger.Warnw("dropping unexpected viewer socket", "connection_id", id, "error", err)
		channel.Close()
	}
}

// readHello waits at most the connect timeout for the first frame. Ending ctx
// closes the socket so a silent client cannot hold the listener.
func (h *DirectHost) readHello(ctx context.Context, channel *framing.StreamChannel, id domain.ConnectionID) (bool, error) {
	timeout := h.settings.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultHelloTimeout
	}
	if err := channel.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return false, err
	}
	stop := context.AfterFunc(ctx, func() { channel.Close() })

	hello, err := channel.Receive()
	if !stop() {
		return false, ctx.Err()
	}
	if err != nil {
		return false, err
	}
	if domain.ConnectionID(hello) != id {
		return false, fmt.Errorf("%w: hello for another connection", domain.ErrInvalidArgument)
	}
	if err := channel.SetReadDeadline(time.Time{}); err != nil {
		return false, err
	}
	return true, nil
}

func (h *DirectHost) endConnection(id domain.ConnectionID, token, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	err := h.dir.Terminate(ctx, id, "", token, reason)
	if err != nil && !domain.IsNotFound(err) {
		h.logger.Warnw("failed to end connection", "connection_id", id, "error", err)
	}
}

func (h *DirectHost) shutdown() {
	h.listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	reg := h.heartbeat.Registration()
	if err := h.dir.Unregister(ctx, reg.Code, reg.HostToken); err != nil && !domain.IsNotFound(err) {
		h.logger.Warnw("failed to unregister session", "code", reg.Code, "error", err)
	}
	h.logger.Infow("stopped hosting", "code", reg.Code)
}

// advertisedEndpoint is the address viewers dial. A wildcard listen
// address is replaced by this machine's hostname.
func advertisedEndpoint(advertise string, addr net.Addr) (string, error) {
	if advertise != "" {
		return advertise, nil
	}
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String(), nil
	}
	if !tcp.IP.IsUnspecified() {
		return tcp.String(), nil
	}
	host, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("resolve hostname for endpoint: %w", err)
	}
	return net.JoinHostPort(host, fmt.Sprint(tcp.Port)), nil
}
