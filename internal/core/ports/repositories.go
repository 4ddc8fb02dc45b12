package ports

import (
	"context"
	"time"

	"deskrelay/internal/core/domain"
)

// SessionRepository stores advertised sessions. Implementations return
// copies; callers may mutate what they get back.
type SessionRepository interface {
	// Save inserts or overwrites the session under its code.
	Save(ctx context.Context, session *domain.Session) error
	// Create inserts only when the code is free, else domain.ErrSessionExists.
	Create(ctx context.Context, session *domain.Session) error
	GetByCode(ctx context.Context, code domain.SessionCode) (*domain.Session, error)
	// Touch sets LastSeen and returns the updated session.
	Touch(ctx context.Context, code domain.SessionCode, at time.Time) (*domain.Session, error)
	Remove(ctx context.Context, code domain.SessionCode) error
	List(ctx context.Context) ([]*domain.Session, error)
	Count(ctx context.Context) (int, error)
}
