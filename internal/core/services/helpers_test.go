package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"deskrelay/internal/core/domain"
	"deskrelay/internal/infrastructure/repositories/memory"

	"go.uber.org/zap/zaptest"
)

const (
	testHash  = "2bb80d537b1da3e38bd30361aa855686bde0eacd7162fef6a25fe97bf527a25b"
	otherHash = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestRegistry(t *testing.T, clock *fakeClock, cfg RegistryConfig) *SessionRegistry {
	t.Helper()
	if cfg.ExpiryAfter == 0 {
		cfg.ExpiryAfter = 10 * time.Minute
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	return NewSessionRegistry(memory.NewMemorySessionRepository(), cfg, zaptest.NewLogger(t).Sugar(),
		WithRegistryClock(clock.Now))
}

type notification struct {
	kind   string
	conn   domain.PendingConnection
	reason string
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notification
}

func (n *recordingNotifier) add(kind string, conn domain.PendingConnection, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, notification{kind: kind, conn: conn, reason: reason})
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.events))
	for i, e := range n.events {
		out[i] = e.kind
	}
	return out
}

func (n *recordingNotifier) last() notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.events[len(n.events)-1]
}

func (n *recordingNotifier) ConnectionRequested(_ context.Context, c domain.PendingConnection) {
	n.add("requested", c, "")
}

func (n *recordingNotifier) ConnectionApproved(_ context.Context, c domain.PendingConnection) {
	n.add("approved", c, "")
}

func (n *recordingNotifier) ConnectionRejected(_ context.Context, c domain.PendingConnection, reason string) {
	n.add("rejected", c, reason)
}

func (n *recordingNotifier) ConnectionExpired(_ context.Context, c domain.PendingConnection) {
	n.add("expired", c, "")
}

func (n *recordingNotifier) ConnectionTerminated(_ context.Context, c domain.PendingConnection, reason string) {
	n.add("terminated", c, reason)
}
