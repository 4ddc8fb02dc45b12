package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"deskrelay/internal/core/domain"
	"deskrelay/internal/core/ports"
	"deskrelay/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSessionRegistry_RegisterLookup(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	r := newTestRegistry(t, clock, RegistryConfig{})

	s, err := r.Register(ctx, ports.RegisterRequest{Code: "abc123", Endpoint: "10.0.0.5:5000", PasswordHash: testHash})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCode("ABC123"), s.Code)
	assert.True(t, s.HasPassword())

	clock.Advance(45 * time.Second)
	got, err := r.Lookup(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:5000", got.Endpoint)
	assert.Equal(t, clock.Now(), got.LastSeen, "lookup refreshes last_seen")

	_, err = r.Lookup(ctx, "NOPE00")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestSessionRegistry_RegisterValidation(t *testing.T) {
	r := newTestRegistry(t, newFakeClock(), RegistryConfig{})
	ctx := context.Background()

	tests := []struct {
		name string
		req  ports.RegisterRequest
	}{
		{"empty code", ports.RegisterRequest{Endpoint: "h:1"}},
		{"bad code", ports.RegisterRequest{Code: "AB-12", Endpoint: "h:1"}},
		{"no endpoint", ports.RegisterRequest{Code: "ABC123"}},
		{"bad hash", ports.RegisterRequest{Code: "ABC123", Endpoint: "h:1", PasswordHash: "plaintext"}},
		{"negative viewers", ports.RegisterRequest{Code: "ABC123", Endpoint: "h:1", MaxViewers: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Register(ctx, tt.req)
			assert.True(t, domain.IsInvalidArgument(err), "got %v", err)
		})
	}
}

func TestSessionRegistry_OverwriteAndUnique(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()

	r := newTestRegistry(t, clock, RegistryConfig{})
	var removed []string
	r.OnRemove(func(_ context.Context, code domain.SessionCode, reason string) {
		removed = append(removed, string(code)+":"+reason)
	})

	_, err := r.Register(ctx, ports.RegisterRequest{Code: "ABC123", Endpoint: "a:1"})
	require.NoError(t, err)
	_, err = r.Register(ctx, ports.RegisterRequest{Code: "ABC123", Endpoint: "a:1"})
	require.NoError(t, err)
	assert.Empty(t, removed, "same endpoint re-registering is not a replacement")

	_, err = r.Register(ctx, ports.RegisterRequest{Code: "ABC123", Endpoint: "b:2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ABC123:replaced"}, removed)

	unique := newTestRegistry(t, clock, RegistryConfig{EnforceUnique: true})
	_, err = unique.Register(ctx, ports.RegisterRequest{Code: "ABC123", Endpoint: "a:1"})
	require.NoError(t, err)
	_, err = unique.Register(ctx, ports.RegisterRequest{Code: "ABC123", Endpoint: "b:2"})
	assert.ErrorIs(t, err, domain.ErrSessionExists)

	// An expired holder does not block the code.
	clock.Advance(11 * time.Minute)
	_, err = unique.Register(ctx, ports.RegisterRequest{Code: "ABC123", Endpoint: "b:2"})
	assert.NoError(t, err)
}

func TestSessionRegistry_ListStatuses(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	r := newTestRegistry(t, clock, RegistryConfig{})
	r.CountViewersWith(func(code domain.SessionCode) int {
		if code == "BBB222" {
			return 1
		}
		return 0
	})

	_, _ = r.Register(ctx, ports.RegisterRequest{Code: "BBB222", Endpoint: "b:1", MaxViewers: 1})
	clock.Advance(90 * time.Second)
	_, _ = r.Register(ctx, ports.RegisterRequest{Code: "AAA111", Endpoint: "a:1", PasswordHash: testHash})

	views, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, views, 2)

	assert.Equal(t, domain.SessionCode("AAA111"), views[0].Code)
	assert.Equal(t, domain.StatusOnline, views[0].Status)
	assert.True(t, views[0].HasPassword)

	assert.Equal(t, domain.StatusAway, views[1].Status)
	assert.Equal(t, 1, views[1].Viewers)
	assert.True(t, views[1].Full)
}

func TestSessionRegistry_StatusThresholds(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	r := newTestRegistry(t, clock, RegistryConfig{})
	_, _ = r.Register(ctx, ports.RegisterRequest{Code: "ABC123", Endpoint: "a:1"})

	steps := []struct {
		at   time.Duration
		want domain.SessionStatus
	}{
		{29 * time.Second, domain.StatusOnline},
		{31 * time.Second, domain.StatusAway},
		{119 * time.Second, domain.StatusAway},
		{121 * time.Second, domain.StatusOffline},
		{301 * time.Second, domain.StatusError},
	}

	start := clock.Now()
	for _, step := range steps {
		clock.t = start.Add(step.at)
		views, err := r.List(ctx)
		require.NoError(t, err)
		require.Len(t, views, 1)
		assert.Equal(t, step.want, views[0].Status, "at +%s", step.at)
	}
}

func TestSessionRegistry_Expiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	r := newTestRegistry(t, clock, RegistryConfig{})

	var reasons []string
	r.OnRemove(func(_ context.Context, _ domain.SessionCode, reason string) { reasons = append(reasons, reason) })

	_, _ = r.Register(ctx, ports.RegisterRequest{Code: "OLD001", Endpoint: "a:1"})
	_, _ = r.Register(ctx, ports.RegisterRequest{Code: "NEW001", Endpoint: "b:1"})

	clock.Advance(9 * time.Minute)
	require.NoError(t, r.Heartbeat(ctx, "NEW001"))

	clock.Advance(time.Minute + time.Millisecond)
	removed, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.SessionCode{"OLD001"}, removed)
	assert.Equal(t, []string{RemovedExpired}, reasons)

	views, _ := r.List(ctx)
	require.Len(t, views, 1)
	assert.Equal(t, domain.SessionCode("NEW001"), views[0].Code)

	_, err = r.Lookup(ctx, "OLD001")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestSessionRegistry_LazyExpiryOnLookup(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	r := newTestRegistry(t, clock, RegistryConfig{})
	_, _ = r.Register(ctx, ports.RegisterRequest{Code: "ABC123", Endpoint: "a:1"})

	clock.Advance(10*time.Minute + time.Second)
	assert.ErrorIs(t, r.Heartbeat(ctx, "ABC123"), domain.ErrSessionNotFound)

	n, err := r.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "expired session is reclaimed on access")
}

func TestSessionRegistry_Unregister(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, newFakeClock(), RegistryConfig{})

	var reasons []string
	r.OnRemove(func(_ context.Context, _ domain.SessionCode, reason string) { reasons = append(reasons, reason) })

	_, _ = r.Register(ctx, ports.RegisterRequest{Code: "ABC123", Endpoint: "a:1"})
	require.NoError(t, r.Unregister(ctx, "abc123"))
	assert.ErrorIs(t, r.Unregister(ctx, "ABC123"), domain.ErrSessionNotFound)
	assert.ErrorIs(t, r.Heartbeat(ctx, "ABC123"), domain.ErrSessionNotFound)
	assert.Equal(t, []string{RemovedUnregistered}, reasons)
}

func TestSessionRegistry_ConcurrentDistinctCodes(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, newFakeClock(), RegistryConfig{})

	_, _ = r.Register(ctx, ports.RegisterRequest{Code: "KEEP01", Endpoint: "keep:1"})

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			code := domain.SessionCode(fmt.Sprintf("C%04d", i))
			_, _ = r.Register(ctx, ports.RegisterRequest{Code: code, Endpoint: "h:1"})
			_ = r.Heartbeat(ctx, code)
			if i%4 == 0 {
				_ = r.Unregister(ctx, code)
			}
		}(i)
	}
	wg.Wait()

	views, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, views, 1+48)

	keep, err := r.Get(ctx, "KEEP01")
	require.NoError(t, err)
	assert.Equal(t, "keep:1", keep.Endpoint)
}

func TestSessionRegistry_RunStopsWithContext(t *testing.T) {
	r := newTestRegistry(t, newFakeClock(), RegistryConfig{SweepInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type stubSweepLock struct {
	mu       sync.Mutex
	free     bool
	acquired int
	released int
}

func (l *stubSweepLock) TryLock(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.free {
		return false, nil
	}
	l.acquired++
	return true, nil
}

func (l *stubSweepLock) Unlock(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released++
	return nil
}

func TestSessionRegistry_SweepLock(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	lock := &stubSweepLock{}
	r := NewSessionRegistry(memory.NewMemorySessionRepository(), RegistryConfig{
		ExpiryAfter:   10 * time.Minute,
		SweepInterval: 30 * time.Second,
	}, zaptest.NewLogger(t).Sugar(), WithRegistryClock(clock.Now), WithSweepLock(lock))

	_, _ = r.Register(ctx, ports.RegisterRequest{Code: "OLD001", Endpoint: "a:1"})
	clock.Advance(11 * time.Minute)

	// Another instance holds the lease; nothing is swept here.
	r.sweepOnce(ctx)
	n, _ := r.Count(ctx)
	assert.Equal(t, 1, n)

	lock.free = true
	r.sweepOnce(ctx)
	n, _ = r.Count(ctx)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, lock.acquired)
	assert.Equal(t, 1, lock.released)
}
