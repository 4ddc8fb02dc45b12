package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"deskrelay/internal/core/domain"
	"deskrelay/internal/core/ports"
	"deskrelay/internal/core/services"
	apperrors "deskrelay/pkg/errors"
	"deskrelay/pkg/tracing"
	"deskrelay/pkg/validation"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RelayEndpointPrefix marks sessions whose host is reachable only through
// this relay.
const RelayEndpointPrefix = "relay:"

// ErrPeerIDInUse refuses a socket that asks for the id of a live peer
// without proving it hosts that peer's sessions.
var ErrPeerIDInUse = errors.New("peer id already in use")

type Config struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
	// MaxMessageSize bounds one inbound websocket message, frames included.
	MaxMessageSize int64
	// MessagesPerSecond of zero disables per-peer limiting.
	MessagesPerSecond float64
	Burst             int
	AllowedOrigins    []string
}

func DefaultConfig() Config {
	return Config{
		PingInterval:      15 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxMessageSize:    48 << 20,
		MessagesPerSecond: 100,
		Burst:             200,
		AllowedOrigins:    []string{"*"},
	}
}

// Observer receives relay activity, e.g. the Prometheus collector.
type Observer interface {
	RelayPeerConnected()
	RelayPeerDisconnected()
	RelayEvent(event string)
}

type nopObserver struct{}

func (nopObserver) RelayPeerConnected()    {}
func (nopObserver) RelayPeerDisconnected() {}
func (nopObserver) RelayEvent(string)      {}

type peer struct {
	id      string
	conn    *websocket.Conn
	limiter *rate.Limiter

	writeMu sync.Mutex
}

func (p *peer) write(messageType int, data []byte, timeout time.Duration) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(timeout))
	return p.conn.WriteMessage(messageType, data)
}

// Server relays named events between hosts and viewers and drives the
// connection broker from them. It is the broker's ConnectionNotifier.
type Server struct {
	registry *services.SessionRegistry
	broker   *services.ConnectionBroker
	auth     *services.HostAuthService

	cfg      Config
	upgrader websocket.Upgrader
	observer Observer
	logger   *zap.SugaredLogger

	mu    sync.RWMutex
	peers map[string]*peer
	hosts map[domain.SessionCode]string
}

type Option func(*Server)

func WithObserver(o Observer) Option {
	return func(s *Server) { s.observer = o }
}

// WithHostAuth makes host_registered carry a host token.
func WithHostAuth(auth *services.HostAuthService) Option {
	return func(s *Server) { s.auth = auth }
}

func NewServer(registry *services.SessionRegistry, broker *services.ConnectionBroker, cfg Config, logger *zap.SugaredLogger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Server{
		registry: registry,
		broker:   broker,
		cfg:      cfg,
		observer: nopObserver{},
		logger:   logger,
		peers:    make(map[string]*peer),
		hosts:    make(map[domain.SessionCode]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}

	registry.OnRemove(s.sessionRemoved)
	broker.SetNotifier(s)
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// HandleWebSocket serves one peer. The peer may pick its id with the
// peer_id query parameter. Taking over the id of a live peer requires the
// host_token of every session that peer hosts; the old socket is then
// replaced and the sessions stay registered.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	peerID := r.URL.Query().Get("peer_id")
	hostToken := r.URL.Query().Get("host_token")
	if peerID == "" {
		peerID = uuid.NewString()
	} else if err := validation.ValidatePeerID(peerID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.RLock()
	err := s.mayTakeOver(peerID, hostToken)
	s.mu.RUnlock()
	if err != nil {
		s.logger.Warnw("refusing peer id", "peer_id", peerID, "error", err)
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	if s.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageSize)
	}

	p := &peer{
		id:      peerID,
		conn:    conn,
		limiter: rate.NewLimiter(rate.Inf, 0),
	}
	if s.cfg.MessagesPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)
	}

	s.mu.Lock()
	if err := s.mayTakeOver(peerID, hostToken); err != nil {
		s.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(s.cfg.WriteTimeout))
		conn.Close()
		return
	}
	old := s.peers[peerID]
	s.peers[peerID] = p
	s.mu.Unlock()

	if old != nil {
		s.logger.Infow("closing old connection for reconnecting peer", "peer_id", peerID)
		old.conn.Close()
	}
	s.observer.RelayPeerConnected()
	s.logger.Infow("peer connected", "peer_id", peerID, "reconnect", old != nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer s.disconnect(ctx, p)

	s.serve(ctx, p)
}

// mayTakeOver reports whether a new socket may claim peerID. s.mu must be
// held.
func (s *Server) mayTakeOver(peerID, hostToken string) error {
	var hosted []domain.SessionCode
	for code, hostID := range s.hosts {
		if hostID == peerID {
			hosted = append(hosted, code)
		}
	}
	if len(hosted) == 0 {
		if _, connected := s.peers[peerID]; connected {
			return ErrPeerIDInUse
		}
		return nil
	}
	if s.auth == nil || hostToken == "" {
		return ErrPeerIDInUse
	}
	for _, code := range hosted {
		if err := s.auth.Authorize(hostToken, code); err != nil {
			return fmt.Errorf("%w: %v", ErrPeerIDInUse, err)
		}
	}
	return nil
}

func (s *Server) serve(ctx context.Context, p *peer) {
	_ = p.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	messages := make(chan []byte, 16)
	readErr := make(chan error, 1)

	go func() {
		for {
			_, data, err := p.conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			_ = p.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
			select {
			case messages <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case data := <-messages:
			s.handleMessage(ctx, p, data)

		case <-pingTicker.C:
			if err := p.write(websocket.PingMessage, nil, s.cfg.WriteTimeout); err != nil {
				s.logger.Infow("error sending ping", "peer_id", p.id, "error", err)
				return
			}
			s.heartbeatHosted(ctx, p.id)

		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading message from peer", "peer_id", p.id, "error", err)
			}
			return
		}
	}
}

// disconnect releases everything the peer held unless a reconnect already
// took its place.
func (s *Server) disconnect(ctx context.Context, p *peer) {
	p.conn.Close()
	s.observer.RelayPeerDisconnected()

	s.mu.Lock()
	current := s.peers[p.id] == p
	var hosted []domain.SessionCode
	if current {
		delete(s.peers, p.id)
		for code, hostID := range s.hosts {
			if hostID == p.id {
				hosted = append(hosted, code)
			}
		}
	}
	s.mu.Unlock()

	if !current {
		return
	}

	for _, code := range hosted {
		s.broker.TerminateSession(ctx, code, services.ReasonHostStopped)
		if err := s.registry.Unregister(ctx, code); err != nil && !domain.IsNotFound(err) {
			s.logger.Warnw("failed to unregister relay session", "code", code, "error", err)
		}
	}
	s.broker.TerminateViewer(ctx, p.id, services.ReasonViewerLeft)
	s.logger.Infow("peer disconnected", "peer_id", p.id, "hosted", len(hosted))
}

func (s *Server) heartbeatHosted(ctx context.Context, peerID string) {
	for _, code := range s.hostedBy(peerID) {
		if err := s.registry.Heartbeat(ctx, code); err != nil {
			s.logger.Warnw("relay heartbeat failed", "code", code, "peer_id", peerID, "error", err)
		}
	}
}

func (s *Server) hostedBy(peerID string) []domain.SessionCode {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var codes []domain.SessionCode
	for code, hostID := range s.hosts {
		if hostID == peerID {
			codes = append(codes, code)
		}
	}
	return codes
}

func (s *Server) hostOf(code domain.SessionCode) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.hosts[code]
	return id, ok
}

func (s *Server) handleMessage(ctx context.Context, p *peer, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
		s.sendError(p, apperrors.ErrCodeInvalidInput, "malformed envelope")
		return
	}
	if !p.limiter.Allow() {
		s.sendError(p, apperrors.ErrCodeRateLimit, "rate limit exceeded")
		return
	}

	ctx, span := tracing.TraceRelayEvent(ctx, env.Event, p.id)
	defer span.End()
	s.observer.RelayEvent(env.Event)

	var err error
	switch env.Event {
	case EventHostRegister:
		err = s.handleHostRegister(ctx, p, env.Data)
	case EventClientConnectRequest:
		err = s.handleConnectRequest(ctx, p, env.Data)
	case EventHostDecision:
		err = s.handleHostDecision(ctx, p, env.Data)
	case EventStreamData:
		err = s.handleStreamData(ctx, p, env.Data, data)
	case EventSessionTerminated:
		err = s.handleTerminate(ctx, p, env.Data)
	default:
		err = fmt.Errorf("%w: unknown event %q", domain.ErrInvalidArgument, env.Event)
	}

	if err != nil {
		tracing.RecordError(ctx, err)
		s.logger.Debugw("relay event failed", "peer_id", p.id, "event", env.Event, "error", err)
		s.sendError(p, errorCode(err), err.Error())
	}
}

func (s *Server) handleHostRegister(ctx context.Context, p *peer, raw json.RawMessage) error {
	var req HostRegisterPayload
	if err := decode(raw, &req); err != nil {
		return err
	}

	code := req.Code.Normalize()
	session, err := s.registry.Register(ctx, ports.RegisterRequest{
		Code:         code,
		Endpoint:     RelayEndpointPrefix + string(code),
		PasswordHash: req.PasswordHash,
		MaxViewers:   req.MaxViewers,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.hosts[session.Code] = p.id
	s.mu.Unlock()

	ack := HostRegisteredPayload{Code: session.Code, PeerID: p.id}
	if s.auth != nil {
		token, err := s.auth.IssueHostToken(session.Code)
		if err != nil {
			return err
		}
		ack.HostToken = token
	}

	s.logger.Infow("relay host registered", "code", session.Code, "peer_id", p.id)
	return s.send(p, EventHostRegistered, ack)
}

func (s *Server) handleConnectRequest(ctx context.Context, p *peer, raw json.RawMessage) error {
	var req ConnectRequestPayload
	if err := decode(raw, &req); err != nil {
		return err
	}

	_, err := s.broker.Request(ctx, ports.ConnectRequest{
		Code:         req.Code,
		ViewerID:     p.id,
		ViewerName:   req.ViewerName,
		PasswordHash: req.PasswordHash,
	})
	switch {
	case err == nil:
		// pending_approval and connection_request went out through the notifier.
		return nil
	case domain.IsAuthError(err), domain.IsCapacityError(err):
		return s.send(p, EventConnectionRejected, ConnectionPayload{
			Code:   req.Code.Normalize(),
			State:  domain.StateRejected,
			Reason: err.Error(),
		})
	default:
		return err
	}
}

func (s *Server) handleHostDecision(ctx context.Context, p *peer, raw json.RawMessage) error {
	var req HostDecisionPayload
	if err := decode(raw, &req); err != nil {
		return err
	}

	conn, err := s.broker.Get(ctx, req.ConnectionID)
	if err != nil {
		if outcome, ok := s.broker.Outcome(req.ConnectionID); ok {
			return fmt.Errorf("%w: %s", domain.ErrStaleRequest, outcome)
		}
		return err
	}
	if hostID, ok := s.hostOf(conn.SessionCode); !ok || hostID != p.id {
		return domain.ErrNotSessionHost
	}

	_, err = s.broker.Decide(ctx, req.ConnectionID, req.Approved)
	return err
}

// handleStreamData forwards the original message bytes to the other side of
// a STREAMING connection without re-encoding the frame.
func (s *Server) handleStreamData(ctx context.Context, p *peer, raw json.RawMessage, original []byte) error {
	var head struct {
		ConnectionID domain.ConnectionID `json:"connection_id"`
	}
	if err := decode(raw, &head); err != nil {
		return err
	}

	conn, err := s.broker.Get(ctx, head.ConnectionID)
	if err != nil {
		return err
	}
	if conn.State != domain.StateStreaming {
		return fmt.Errorf("%w: connection is %s", domain.ErrInvalidTransition, conn.State)
	}

	hostID, _ := s.hostOf(conn.SessionCode)
	var target string
	switch p.id {
	case hostID:
		target = conn.ViewerID
	case conn.ViewerID:
		target = hostID
	default:
		return domain.ErrNotSessionHost
	}

	tracing.AddSpanAttributes(ctx, tracing.FrameBytesKey.Int(len(original)))
	if err := s.forward(target, original); err != nil {
		_ = s.broker.Terminate(ctx, conn.ID, services.ReasonViewerLeft)
		return fmt.Errorf("%w: %v", domain.ErrPeerGone, err)
	}
	return nil
}

func (s *Server) handleTerminate(ctx context.Context, p *peer, raw json.RawMessage) error {
	var req TerminatePayload
	if err := decode(raw, &req); err != nil {
		return err
	}

	if req.ConnectionID != "" {
		conn, err := s.broker.Get(ctx, req.ConnectionID)
		if err != nil {
			return err
		}
		hostID, _ := s.hostOf(conn.SessionCode)
		switch p.id {
		case hostID:
			return s.broker.Terminate(ctx, conn.ID, services.ReasonHostStopped)
		case conn.ViewerID:
			return s.broker.Terminate(ctx, conn.ID, services.ReasonViewerLeft)
		default:
			return domain.ErrNotSessionHost
		}
	}

	code := req.Code.Normalize()
	if hostID, ok := s.hostOf(code); !ok || hostID != p.id {
		return domain.ErrNotSessionHost
	}
	s.broker.TerminateSession(ctx, code, services.ReasonHostStopped)
	return s.registry.Unregister(ctx, code)
}

// sessionRemoved keeps the host table in step with the registry and tells
// the host when its session went away.
func (s *Server) sessionRemoved(ctx context.Context, code domain.SessionCode, reason string) {
	s.mu.Lock()
	hostID, ok := s.hosts[code]
	if ok {
		delete(s.hosts, code)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	s.sendTo(hostID, EventSessionTerminated, TerminatePayload{Code: code, Reason: reason})
}

// ConnectionRequested implements ports.ConnectionNotifier.
func (s *Server) ConnectionRequested(ctx context.Context, conn domain.PendingConnection) {
	payload := connectionPayload(conn, "")
	s.sendTo(conn.ViewerID, EventPendingApproval, payload)
	if hostID, ok := s.hostOf(conn.SessionCode); ok {
		s.sendTo(hostID, EventConnectionRequest, payload)
	}
}

func (s *Server) ConnectionApproved(ctx context.Context, conn domain.PendingConnection) {
	s.sendTo(conn.ViewerID, EventConnectionApproved, connectionPayload(conn, ""))
	if hostID, ok := s.hostOf(conn.SessionCode); ok {
		streaming := conn
		streaming.State = domain.StateStreaming
		s.sendTo(hostID, EventStartStreaming, connectionPayload(streaming, ""))
	}
}

func (s *Server) ConnectionRejected(ctx context.Context, conn domain.PendingConnection, reason string) {
	s.sendTo(conn.ViewerID, EventConnectionRejected, connectionPayload(conn, reason))
}

func (s *Server) ConnectionExpired(ctx context.Context, conn domain.PendingConnection) {
	payload := connectionPayload(conn, "host did not respond")
	s.sendTo(conn.ViewerID, EventRequestExpired, payload)
	if hostID, ok := s.hostOf(conn.SessionCode); ok {
		s.sendTo(hostID, EventRequestExpired, payload)
	}
}

func (s *Server) ConnectionTerminated(ctx context.Context, conn domain.PendingConnection, reason string) {
	payload := connectionPayload(conn, reason)
	s.sendTo(conn.ViewerID, EventSessionTerminated, payload)
	if hostID, ok := s.hostOf(conn.SessionCode); ok {
		s.sendTo(hostID, EventSessionTerminated, payload)
	}
}

func (s *Server) lookupPeer(id string) (*peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[id]
	return p, ok
}

func (s *Server) send(p *peer, event string, payload interface{}) error {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return p.write(websocket.TextMessage, data, s.cfg.WriteTimeout)
}

// sendTo delivers to a connected peer. Peers that are not on the relay
// (polling hosts, HTTP viewers) are skipped.
func (s *Server) sendTo(peerID string, event string, payload interface{}) {
	p, ok := s.lookupPeer(peerID)
	if !ok {
		return
	}
	if err := s.send(p, event, payload); err != nil {
		s.logger.Infow("failed to deliver relay event", "peer_id", peerID, "event", event, "error", err)
	}
}

func (s *Server) forward(peerID string, data []byte) error {
	p, ok := s.lookupPeer(peerID)
	if !ok {
		return fmt.Errorf("peer %s not connected", peerID)
	}
	return p.write(websocket.TextMessage, data, s.cfg.WriteTimeout)
}

func (s *Server) sendError(p *peer, code apperrors.ErrorCode, message string) {
	if err := s.send(p, EventError, ErrorPayload{Code: string(code), Message: message}); err != nil {
		s.logger.Debugw("failed to send error event", "peer_id", p.id, "error", err)
	}
}

// PeerCount is the number of connected websocket peers.
func (s *Server) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

func (s *Server) IsPeerConnected(peerID string) bool {
	_, ok := s.lookupPeer(peerID)
	return ok
}

// Close drops every peer; their handlers then run the normal cleanup.
func (s *Server) Close() {
	s.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(s.peers))
	for _, p := range s.peers {
		conns = append(conns, p.conn)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
}

func decode(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing event data", domain.ErrInvalidArgument)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}

func errorCode(err error) apperrors.ErrorCode {
	switch {
	case domain.IsNotFound(err):
		return apperrors.ErrCodeNotFound
	case domain.IsStaleRequest(err):
		return apperrors.ErrCodeStaleRequest
	case errors.Is(err, domain.ErrNotSessionHost):
		return apperrors.ErrCodeForbidden
	case domain.IsAuthError(err):
		return apperrors.ErrCodeUnauthorized
	case domain.IsCapacityError(err):
		return apperrors.ErrCodeCapacity
	case domain.IsConflict(err):
		return apperrors.ErrCodeConflict
	case domain.IsInvalidArgument(err), errors.Is(err, domain.ErrInvalidTransition):
		return apperrors.ErrCodeInvalidInput
	case domain.IsNetworkError(err):
		return apperrors.ErrCodeNetwork
	default:
		return apperrors.ErrCodeInternal
	}
}
