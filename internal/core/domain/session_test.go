package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyStatus_Boundaries(t *testing.T) {
	tests := []struct {
		elapsed time.Duration
		want    SessionStatus
	}{
		{0, StatusOnline},
		{29 * time.Second, StatusOnline},
		{30 * time.Second, StatusAway},
		{31 * time.Second, StatusAway},
		{119 * time.Second, StatusAway},
		{120 * time.Second, StatusOffline},
		{121 * time.Second, StatusOffline},
		{299 * time.Second, StatusOffline},
		{300 * time.Second, StatusError},
		{301 * time.Second, StatusError},
		{time.Hour, StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.elapsed.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyStatus(tt.elapsed))
		})
	}
}

func TestSession_IdleLongerThan(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	s := &Session{Code: "ABC123", LastSeen: t0}

	assert.False(t, s.IdleLongerThan(t0.Add(10*time.Minute), 10*time.Minute), "ceiling itself is not past it")
	assert.True(t, s.IdleLongerThan(t0.Add(10*time.Minute+time.Millisecond), 10*time.Minute))
}

func TestNewSessionView(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	s := &Session{Code: "ABC123", Endpoint: "10.0.0.5:5000", PasswordHash: "ab", MaxViewers: 1, CreatedAt: t0, LastSeen: t0}

	v := NewSessionView(s, t0.Add(45*time.Second), 1)
	assert.Equal(t, StatusAway, v.Status)
	assert.True(t, v.HasPassword)
	assert.True(t, v.Full)

	open := &Session{Code: "XYZ999", LastSeen: t0}
	v = NewSessionView(open, t0, 12)
	assert.False(t, v.HasPassword)
	assert.False(t, v.Full, "zero max viewers means unlimited")
}

func TestSessionCode_Normalize(t *testing.T) {
	assert.Equal(t, SessionCode("ABC123"), SessionCode("  abc123 ").Normalize())
}
