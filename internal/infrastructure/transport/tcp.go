// Package transport opens the direct host-to-viewer TCP stream.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"deskrelay/internal/core/domain"
	"deskrelay/internal/infrastructure/framing"
)

// Listener accepts one viewer at a time. Accept wakes every poll interval
// so a cancelled context is noticed without closing the socket.
type Listener struct {
	ln   *net.TCPListener
	poll time.Duration
}

func Listen(addr string, poll time.Duration) (*Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if poll <= 0 {
		poll = time.Second
	}
	return &Listener{ln: ln, poll: poll}, nil
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Accept waits for one connection and wraps it in a framed channel.
func (l *Listener) Accept(ctx context.Context, opts ...framing.Option) (*framing.StreamChannel, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := l.ln.SetDeadline(time.Now().Add(l.poll)); err != nil {
			return nil, fmt.Errorf("set accept deadline: %w", err)
		}

		conn, err := l.ln.AcceptTCP()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil, domain.ErrChannelClosed
			}
			return nil, fmt.Errorf("accept: %w", err)
		}

		_ = conn.SetNoDelay(true)
		return framing.NewStreamChannel(conn, opts...), nil
	}
}

func (l *Listener) Close() error {
	return l.ln.Close()
}

// Dial connects to a host within timeout.
func Dial(ctx context.Context, addr string, timeout time.Duration, opts ...framing.Option) (*framing.StreamChannel, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%w: %s after %s", domain.ErrConnectTimeout, addr, timeout)
		}
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrConnectFailed, addr, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return framing.NewStreamChannel(conn, opts...), nil
}
