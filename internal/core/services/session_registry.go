package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"deskrelay/internal/core/domain"
	"deskrelay/internal/core/ports"
	"deskrelay/pkg/validation"

	"go.uber.org/zap"
)

// Reasons passed to removal hooks and metrics.
const (
	RemovedUnregistered = "unregistered"
	RemovedExpired      = "expired"
	RemovedReplaced     = "replaced"
)

type RegistryConfig struct {
	// ExpiryAfter is the hard ceiling on silence before a session is reclaimed.
	ExpiryAfter   time.Duration
	SweepInterval time.Duration
	// EnforceUnique makes Register fail on a live code instead of overwriting.
	EnforceUnique bool
}

// SweepLock keeps instances sharing one store from sweeping at the same
// time.
type SweepLock interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// RemoveHook observes sessions leaving the registry.
type RemoveHook func(ctx context.Context, code domain.SessionCode, reason string)

// SessionRegistry maps session codes to host endpoints and classifies
// liveness from heartbeats. All compound read-modify-write sequences run
// under mu; removal hooks run after it is released.
type SessionRegistry struct {
	repo      ports.SessionRepository
	cfg       RegistryConfig
	logger    *zap.SugaredLogger
	metrics   ports.MetricsRecorder
	now       func() time.Time
	sweepLock SweepLock

	mu sync.Mutex

	hooksMu sync.RWMutex
	hooks   []RemoveHook
	viewers func(domain.SessionCode) int
}

type RegistryOption func(*SessionRegistry)

func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *SessionRegistry) { r.now = now }
}

func WithRegistryMetrics(m ports.MetricsRecorder) RegistryOption {
	return func(r *SessionRegistry) { r.metrics = m }
}

func WithSweepLock(l SweepLock) RegistryOption {
	return func(r *SessionRegistry) { r.sweepLock = l }
}

func NewSessionRegistry(repo ports.SessionRepository, cfg RegistryConfig, logger *zap.SugaredLogger, opts ...RegistryOption) *SessionRegistry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	r := &SessionRegistry{
		repo:    repo,
		cfg:     cfg,
		logger:  logger,
		metrics: noopMetrics{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnRemove registers a hook run whenever a session is unregistered,
// replaced by a different endpoint, or reclaimed by expiry.
func (r *SessionRegistry) OnRemove(hook RemoveHook) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// CountViewersWith supplies active viewer counts for listings.
func (r *SessionRegistry) CountViewersWith(fn func(domain.SessionCode) int) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.viewers = fn
}

func (r *SessionRegistry) Register(ctx context.Context, req ports.RegisterRequest) (*domain.Session, error) {
	code := req.Code.Normalize()
	if err := validation.ValidateSessionCode(string(code)); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	if err := validation.ValidateEndpoint(req.Endpoint); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	if err := validation.ValidatePasswordHash(req.PasswordHash); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	if err := validation.ValidateMaxViewers(req.MaxViewers); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}

	now := r.now()
	session := &domain.Session{
		Code:         code,
		Endpoint:     req.Endpoint,
		PasswordHash: req.PasswordHash,
		MaxViewers:   req.MaxViewers,
		CreatedAt:    now,
		LastSeen:     now,
	}

	r.mu.Lock()
	existing, err := r.repo.GetByCode(ctx, code)
	if err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		r.mu.Unlock()
		return nil, fmt.Errorf("failed to register session: %w", err)
	}
	if existing != nil && existing.IdleLongerThan(now, r.cfg.ExpiryAfter) {
		existing = nil
	}
	if existing != nil && r.cfg.EnforceUnique {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionExists, code)
	}
	if err := r.repo.Save(ctx, session); err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("failed to register session: %w", err)
	}
	r.mu.Unlock()

	r.metrics.SessionRegistered()
	r.logger.Infow("session registered",
		"code", code,
		"endpoint", session.Endpoint,
		"has_password", session.HasPassword(),
		"max_viewers", session.MaxViewers,
	)

	if existing != nil && existing.Endpoint != session.Endpoint {
		r.runHooks(ctx, code, RemovedReplaced)
	}
	return session, nil
}

// Lookup returns the session and counts as a sign of life.
func (r *SessionRegistry) Lookup(ctx context.Context, code domain.SessionCode) (*domain.Session, error) {
	return r.touch(ctx, code)
}

func (r *SessionRegistry) Heartbeat(ctx context.Context, code domain.SessionCode) error {
	_, err := r.touch(ctx, code)
	return err
}

// Get returns the session without refreshing it.
func (r *SessionRegistry) Get(ctx context.Context, code domain.SessionCode) (*domain.Session, error) {
	code = code.Normalize()

	r.mu.Lock()
	session, err := r.liveLocked(ctx, code)
	r.mu.Unlock()

	if errors.Is(err, errExpired) {
		r.reclaimed(ctx, code)
		return nil, domain.ErrSessionNotFound
	}
	return session, err
}

func (r *SessionRegistry) Contains(ctx context.Context, code domain.SessionCode) bool {
	_, err := r.Get(ctx, code)
	return err == nil
}

func (r *SessionRegistry) Unregister(ctx context.Context, code domain.SessionCode) error {
	code = code.Normalize()

	r.mu.Lock()
	err := r.repo.Remove(ctx, code)
	r.mu.Unlock()
	if err != nil {
		return err
	}

	r.metrics.SessionRemoved(RemovedUnregistered)
	r.logger.Infow("session unregistered", "code", code)
	r.runHooks(ctx, code, RemovedUnregistered)
	return nil
}

// List returns live sessions sorted by code, with status derived at call time.
func (r *SessionRegistry) List(ctx context.Context) ([]domain.SessionView, error) {
	sessions, err := r.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	r.hooksMu.RLock()
	viewers := r.viewers
	r.hooksMu.RUnlock()

	now := r.now()
	views := make([]domain.SessionView, 0, len(sessions))
	for _, s := range sessions {
		if s.IdleLongerThan(now, r.cfg.ExpiryAfter) {
			continue
		}
		n := 0
		if viewers != nil {
			n = viewers(s.Code)
		}
		views = append(views, domain.NewSessionView(s, now, n))
	}

	sort.Slice(views, func(i, j int) bool { return views[i].Code < views[j].Code })
	return views, nil
}

func (r *SessionRegistry) Count(ctx context.Context) (int, error) {
	return r.repo.Count(ctx)
}

// Sweep reclaims every session silent for longer than the expiry ceiling.
func (r *SessionRegistry) Sweep(ctx context.Context) ([]domain.SessionCode, error) {
	sessions, err := r.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions for sweep: %w", err)
	}

	var removed []domain.SessionCode
	r.mu.Lock()
	now := r.now()
	for _, s := range sessions {
		// Re-read under the lock; a heartbeat may have landed since List.
		current, err := r.repo.GetByCode(ctx, s.Code)
		if err != nil || !current.IdleLongerThan(now, r.cfg.ExpiryAfter) {
			continue
		}
		if err := r.repo.Remove(ctx, s.Code); err == nil {
			removed = append(removed, s.Code)
		}
	}
	r.mu.Unlock()

	for _, code := range removed {
		r.reclaimed(ctx, code)
	}
	return removed, nil
}

// Run sweeps on SweepInterval until ctx is done.
func (r *SessionRegistry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *SessionRegistry) sweepOnce(ctx context.Context) {
	if r.sweepLock != nil {
		ok, err := r.sweepLock.TryLock(ctx)
		if err != nil {
			r.logger.Warnw("sweep lock unavailable", "error", err)
			return
		}
		if !ok {
			r.logger.Debugw("another instance is sweeping")
			return
		}
		defer func() {
			if err := r.sweepLock.Unlock(ctx); err != nil {
				r.logger.Debugw("failed to release sweep lock", "error", err)
			}
		}()
	}

	if _, err := r.Sweep(ctx); err != nil {
		r.logger.Warnw("session sweep failed", "error", err)
	}
}

var errExpired = errors.New("session expired")

// liveLocked fetches code and removes it if it is past the ceiling, in
// which case errExpired is returned. Callers hold mu.
func (r *SessionRegistry) liveLocked(ctx context.Context, code domain.SessionCode) (*domain.Session, error) {
	session, err := r.repo.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if session.IdleLongerThan(r.now(), r.cfg.ExpiryAfter) {
		if err := r.repo.Remove(ctx, code); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
			return nil, err
		}
		return nil, errExpired
	}
	return session, nil
}

func (r *SessionRegistry) touch(ctx context.Context, code domain.SessionCode) (*domain.Session, error) {
	code = code.Normalize()

	r.mu.Lock()
	_, err := r.liveLocked(ctx, code)
	var session *domain.Session
	if err == nil {
		session, err = r.repo.Touch(ctx, code, r.now())
	}
	r.mu.Unlock()

	if errors.Is(err, errExpired) {
		r.reclaimed(ctx, code)
		return nil, domain.ErrSessionNotFound
	}
	return session, err
}

func (r *SessionRegistry) reclaimed(ctx context.Context, code domain.SessionCode) {
	r.metrics.SessionRemoved(RemovedExpired)
	r.logger.Infow("session expired", "code", code, "expiry_after", r.cfg.ExpiryAfter)
	r.runHooks(ctx, code, RemovedExpired)
}

// RemovedElsewhere runs the removal hooks for a session another instance
// took out of the shared store.
func (r *SessionRegistry) RemovedElsewhere(ctx context.Context, code domain.SessionCode, reason string) {
	r.runHooks(ctx, code.Normalize(), reason)
}

func (r *SessionRegistry) runHooks(ctx context.Context, code domain.SessionCode, reason string) {
	r.hooksMu.RLock()
	hooks := append([]RemoveHook(nil), r.hooks...)
	r.hooksMu.RUnlock()

	for _, hook := range hooks {
		hook(ctx, code, reason)
	}
}
