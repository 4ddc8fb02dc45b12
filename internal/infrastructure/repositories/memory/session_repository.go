package memory

import (
	"context"
	"sync"
	"time"

	"deskrelay/internal/core/domain"
	"deskrelay/internal/core/ports"
)

type MemorySessionRepository struct {
	sessions map[domain.SessionCode]domain.Session
	mu       sync.RWMutex
}

func NewMemorySessionRepository() ports.SessionRepository {
	return &MemorySessionRepository{
		sessions: make(map[domain.SessionCode]domain.Session),
	}
}

func (r *MemorySessionRepository) Save(ctx context.Context, session *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[session.Code] = *session
	return nil
}

func (r *MemorySessionRepository) Create(ctx context.Context, session *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.Code]; exists {
		return domain.ErrSessionExists
	}

	r.sessions[session.Code] = *session
	return nil
}

func (r *MemorySessionRepository) GetByCode(ctx context.Context, code domain.SessionCode) (*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, exists := r.sessions[code]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}
	return &session, nil
}

func (r *MemorySessionRepository) Touch(ctx context.Context, code domain.SessionCode, at time.Time) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, exists := r.sessions[code]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}
	session.LastSeen = at
	r.sessions[code] = session
	return &session, nil
}

func (r *MemorySessionRepository) Remove(ctx context.Context, code domain.SessionCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[code]; !exists {
		return domain.ErrSessionNotFound
	}
	delete(r.sessions, code)
	return nil
}

func (r *MemorySessionRepository) List(ctx context.Context) ([]*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*domain.Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		s := session
		sessions = append(sessions, &s)
	}
	return sessions, nil
}

func (r *MemorySessionRepository) Count(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions), nil
}
