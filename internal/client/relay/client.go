package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"deskrelay/internal/core/domain"
	"deskrelay/internal/infrastructure/signal"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultWriteTimeout = 10 * time.Second
	eventBuffer         = 64
	frameBuffer         = 32
)

var errRelayLost = fmt.Errorf("%w: relay connection lost", domain.ErrPeerGone)

// EventError is an error event sent by the relay.
type EventError struct {
	Code    string
	Message string
}

func (e *EventError) Error() string {
	return fmt.Sprintf("relay error %s: %s", e.Code, e.Message)
}

// Unwrap maps the relay's error code back to the domain error it came from.
func (e *EventError) Unwrap() error {
	switch e.Code {
	case "NOT_FOUND":
		return domain.ErrSessionNotFound
	case "UNAUTHORIZED":
		return domain.ErrInvalidPassword
	case "FORBIDDEN":
		return domain.ErrNotSessionHost
	case "CAPACITY_EXCEEDED":
		return domain.ErrCapacityReached
	case "STALE_REQUEST":
		return domain.ErrStaleRequest
	case "CONFLICT":
		return domain.ErrSessionExists
	case "INVALID_INPUT":
		return domain.ErrInvalidArgument
	default:
		return nil
	}
}

// Client is one peer's websocket to the event relay. Control events are
// delivered on Events; stream_data payloads are routed to the FrameChannel
// of their connection.
type Client struct {
	peerID       string
	hostToken    string
	conn         *websocket.Conn
	writeTimeout time.Duration
	maxFrameSize uint32
	logger       *zap.SugaredLogger

	writeMu sync.Mutex

	mu       sync.Mutex
	channels map[domain.ConnectionID]*FrameChannel
	lost     bool

	events    chan signal.Envelope
	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	readErr   error
}

type Option func(*Client)

// WithPeerID reuses a peer id, e.g. to resume hosting after a reconnect.
func WithPeerID(id string) Option {
	return func(c *Client) {
		c.peerID = id
	}
}

// WithHostToken proves ownership of the sessions a reused peer id hosts.
func WithHostToken(token string) Option {
	return func(c *Client) {
		c.hostToken = token
	}
}

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMaxFrameSize bounds outgoing frames on every FrameChannel.
func WithMaxFrameSize(n uint32) Option {
	return func(c *Client) {
		c.maxFrameSize = n
	}
}

// Dial connects to relayURL, e.g. "ws://localhost:8080/ws".
func Dial(ctx context.Context, relayURL string, opts ...Option) (*Client, error) {
	c := &Client{
		writeTimeout: defaultWriteTimeout,
		logger:       zap.NewNop().Sugar(),
		channels:     make(map[domain.ConnectionID]*FrameChannel),
		events:       make(chan signal.Envelope, eventBuffer),
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.peerID == "" {
		c.peerID = uuid.NewString()
	}

	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("%w: relay url: %v", domain.ErrInvalidArgument, err)
	}
	q := u.Query()
	q.Set("peer_id", c.peerID)
	if c.hostToken != "" {
		q.Set("host_token", c.hostToken)
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", domain.ErrConnectTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrConnectFailed, err)
	}
	c.conn = conn

	go c.readLoop()
	return c, nil
}

func (c *Client) PeerID() string {
	return c.peerID
}

// Events delivers every event except stream_data. It is closed when the
// socket goes away.
func (c *Client) Events() <-chan signal.Envelope {
	return c.events
}

// Done is closed once the socket is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the read loop ended, once Done is closed.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.readErr
	default:
		return nil
	}
}

func (c *Client) Send(event string, payload interface{}) error {
	env, err := signal.NewEnvelope(event, payload)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return domain.ErrChannelClosed
	default:
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPeerGone, err)
	}
	return nil
}

// Await reads Events until one of the named events arrives. Other events
// are dropped. An error event fails the wait with an *EventError.
func (c *Client) Await(ctx context.Context, events ...string) (signal.Envelope, error) {
	for {
		select {
		case <-ctx.Done():
			return signal.Envelope{}, ctx.Err()
		case env, ok := <-c.events:
			if !ok {
				return signal.Envelope{}, errRelayLost
			}
			if env.Event == signal.EventError {
				return env, decodeError(env)
			}
			for _, name := range events {
				if env.Event == name {
					return env, nil
				}
			}
			c.logger.Debugw("dropping relay event while waiting", "event", env.Event, "waiting_for", events)
		}
	}
}

// FrameChannel returns the channel carrying frames for id, creating it on
// first use. Frames that arrive before the caller asks are buffered, and a
// channel the relay has ended stays addressable until closed locally so
// its buffered frames can still be read.
func (c *Client) FrameChannel(id domain.ConnectionID) *FrameChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelLocked(id)
}

func (c *Client) channelLocked(id domain.ConnectionID) *FrameChannel {
	ch, ok := c.channels[id]
	if !ok {
		ch = newFrameChannel(c, id)
		c.channels[id] = ch
		if c.lost {
			ch.remoteClose(errRelayLost)
		}
	}
	return ch
}

func (c *Client) forget(id domain.ConnectionID) {
	c.mu.Lock()
	delete(c.channels, id)
	c.mu.Unlock()
}

// Close drops the socket. Every FrameChannel fails with a network error.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	<-c.done
	return err
}

func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.lost = true
		for _, ch := range c.channels {
			ch.remoteClose(errRelayLost)
		}
		c.mu.Unlock()
		close(c.events)
		close(c.done)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.readErr = err
			}
			return
		}

		var env signal.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warnw("dropping malformed relay message", "error", err)
			continue
		}

		switch env.Event {
		case signal.EventStreamData:
			c.routeFrame(env)
			continue
		case signal.EventSessionTerminated, signal.EventRequestExpired, signal.EventConnectionRejected:
			c.endChannel(env)
		}
		select {
		case c.events <- env:
		case <-c.closing:
			return
		}
	}
}

func (c *Client) routeFrame(env signal.Envelope) {
	var payload signal.StreamDataPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		c.logger.Warnw("dropping malformed frame", "error", err)
		return
	}
	c.mu.Lock()
	ch := c.channelLocked(payload.ConnectionID)
	c.mu.Unlock()
	ch.deliver(payload.Frame)
}

// endChannel fails the FrameChannel of a connection the relay ended.
func (c *Client) endChannel(env signal.Envelope) {
	var payload signal.ConnectionPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil || payload.ConnectionID == "" {
		return
	}
	c.mu.Lock()
	ch, ok := c.channels[payload.ConnectionID]
	c.mu.Unlock()
	if ok {
		reason := payload.Reason
		if reason == "" {
			reason = env.Event
		}
		ch.remoteClose(fmt.Errorf("%w: %s", domain.ErrPeerGone, reason))
	}
}

func decodeError(env signal.Envelope) error {
	var payload signal.ErrorPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return &EventError{Code: "INVALID_INPUT", Message: err.Error()}
	}
	return &EventError{Code: payload.Code, Message: payload.Message}
}
