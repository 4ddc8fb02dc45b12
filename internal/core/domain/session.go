package domain

import (
	"strings"
	"time"
)

type SessionCode string

// Normalize upper-cases and trims a user-typed code.
func (c SessionCode) Normalize() SessionCode {
	return SessionCode(strings.ToUpper(strings.TrimSpace(string(c))))
}

type SessionStatus string

const (
	StatusOnline  SessionStatus = "online"
	StatusAway    SessionStatus = "away"
	StatusOffline SessionStatus = "offline"
	StatusError   SessionStatus = "error"
)

// Liveness thresholds measured from LastSeen.
const (
	OnlineWithin  = 30 * time.Second
	AwayWithin    = 2 * time.Minute
	OfflineWithin = 5 * time.Minute
)

// ClassifyStatus maps the time elapsed since the last heartbeat to a status.
// Each bound is exclusive: exactly 30s is already Away.
func ClassifyStatus(elapsed time.Duration) SessionStatus {
	switch {
	case elapsed < OnlineWithin:
		return StatusOnline
	case elapsed < AwayWithin:
		return StatusAway
	case elapsed < OfflineWithin:
		return StatusOffline
	default:
		return StatusError
	}
}

// Session is one host's advertised endpoint.
type Session struct {
	Code         SessionCode `json:"code"`
	Endpoint     string      `json:"endpoint"`
	PasswordHash string      `json:"password_hash,omitempty"`
	MaxViewers   int         `json:"max_viewers"`
	CreatedAt    time.Time   `json:"created_at"`
	LastSeen     time.Time   `json:"last_seen"`
}

func (s *Session) HasPassword() bool {
	return s.PasswordHash != ""
}

func (s *Session) StatusAt(now time.Time) SessionStatus {
	return ClassifyStatus(now.Sub(s.LastSeen))
}

// IdleLongerThan reports whether the session has been silent past ceiling.
func (s *Session) IdleLongerThan(now time.Time, ceiling time.Duration) bool {
	return now.Sub(s.LastSeen) > ceiling
}

// SessionView is a listing entry with the derived fields filled in.
type SessionView struct {
	Code        SessionCode   `json:"code"`
	Endpoint    string        `json:"endpoint"`
	HasPassword bool          `json:"has_password"`
	CreatedAt   time.Time     `json:"created_at"`
	LastSeen    time.Time     `json:"last_seen"`
	Status      SessionStatus `json:"status"`
	MaxViewers  int           `json:"max_viewers"`
	Viewers     int           `json:"viewers"`
	Full        bool          `json:"full"`
}

func NewSessionView(s *Session, now time.Time, viewers int) SessionView {
	return SessionView{
		Code:        s.Code,
		Endpoint:    s.Endpoint,
		HasPassword: s.HasPassword(),
		CreatedAt:   s.CreatedAt,
		LastSeen:    s.LastSeen,
		Status:      s.StatusAt(now),
		MaxViewers:  s.MaxViewers,
		Viewers:     viewers,
		Full:        s.MaxViewers > 0 && viewers >= s.MaxViewers,
	}
}
