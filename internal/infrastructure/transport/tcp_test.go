package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"deskrelay/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenerAcceptAndDial(t *testing.T) {
	ln, err := Listen("127.0.0.1:0", 10*time.Millisecond)
	require.NoError(t, err)
	defer ln.Close()

	type result struct {
		payload []byte
		err     error
	}
	got := make(chan result, 1)
	go func() {
		ch, err := ln.Accept(context.Background())
		if err != nil {
			got <- result{err: err}
			return
		}
		defer ch.Close()
		p, err := ch.Receive()
		got <- result{payload: p, err: err}
	}()

	ch, err := Dial(context.Background(), ln.Addr().String(), time.Second)
	require.NoError(t, err)
	defer ch.Close()
	require.NoError(t, ch.Send([]byte("frame-1")))

	r := <-got
	require.NoError(t, r.err)
	assert.Equal(t, []byte("frame-1"), r.payload)
}

func TestListenerAcceptHonoursContext(t *testing.T) {
	ln, err := Listen("127.0.0.1:0", 5*time.Millisecond)
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = ln.Accept(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestListenerClosed(t *testing.T) {
	ln, err := Listen("127.0.0.1:0", time.Second)
	require.NoError(t, err)
	require.NoError(t, ln.Close())

	_, err = ln.Accept(context.Background())
	assert.Error(t, err)
}

func TestDialRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	_, err = Dial(context.Background(), addr, time.Second)
	assert.True(t, domain.IsNetworkError(err), "got %v", err)
}
