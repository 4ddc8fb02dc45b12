package services

import (
	"context"
	"crypto/subtle"

	"deskrelay/internal/core/domain"
)

// PasswordGate compares caller-supplied digests with the stored one. It
// never hashes: clients send the digest, not the password. There is no salt
// and no attempt limiting.
type PasswordGate struct {
	registry *SessionRegistry
}

func NewPasswordGate(registry *SessionRegistry) *PasswordGate {
	return &PasswordGate{registry: registry}
}

// Verify reports whether candidate opens the session. Unknown codes are
// domain.ErrSessionNotFound, not a false result.
func (g *PasswordGate) Verify(ctx context.Context, code domain.SessionCode, candidate string) (bool, error) {
	session, err := g.registry.Get(ctx, code)
	if err != nil {
		return false, err
	}
	return MatchPasswordHash(session.PasswordHash, candidate), nil
}

// MatchPasswordHash accepts anything when stored is empty.
func MatchPasswordHash(stored, candidate string) bool {
	if stored == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(candidate)) == 1
}
