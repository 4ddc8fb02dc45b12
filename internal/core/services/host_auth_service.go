package services

import (
	"errors"
	"fmt"
	"time"

	"deskrelay/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// HostClaims binds a token to the session code it was issued for.
type HostClaims struct {
	Code domain.SessionCode `json:"code"`
	jwt.RegisteredClaims
}

// HostAuthService issues tokens at registration that later prove the
// caller is the host of a code.
type HostAuthService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewHostAuthService(secret string, ttl time.Duration) *HostAuthService {
	return &HostAuthService{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

func (s *HostAuthService) IssueHostToken(code domain.SessionCode) (string, error) {
	now := s.now()
	claims := &HostClaims{
		Code: code,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(code),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign host token: %w", err)
	}
	return signed, nil
}

func (s *HostAuthService) ValidateHostToken(tokenString string) (*HostClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &HostClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*HostClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

// Authorize checks that tokenString was issued for code.
func (s *HostAuthService) Authorize(tokenString string, code domain.SessionCode) error {
	claims, err := s.ValidateHostToken(tokenString)
	if err != nil {
		return err
	}
	if claims.Code != code.Normalize() {
		return domain.ErrNotSessionHost
	}
	return nil
}
