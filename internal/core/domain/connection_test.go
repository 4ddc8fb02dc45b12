package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionState_Next(t *testing.T) {
	tests := []struct {
		from    ConnectionState
		ev      ConnectionEvent
		want    ConnectionState
		wantErr bool
	}{
		{StatePending, EventApprove, StateApproved, false},
		{StatePending, EventReject, StateRejected, false},
		{StatePending, EventTerminate, StateTerminated, false},
		{StatePending, EventStart, StatePending, true},
		{StateApproved, EventStart, StateStreaming, false},
		{StateApproved, EventReject, StateApproved, true},
		{StateStreaming, EventTerminate, StateTerminated, false},
		{StateStreaming, EventApprove, StateStreaming, true},
		{StateRejected, EventTerminate, StateTerminated, false},
		{StateRejected, EventApprove, StateRejected, true},
		{StateTerminated, EventTerminate, StateTerminated, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_"+string(tt.ev), func(t *testing.T) {
			got, err := tt.from.Next(tt.ev)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidTransition))
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPendingConnection_ApplyAndExpiry(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	c := &PendingConnection{ID: "c1", State: StatePending, CreatedAt: t0, UpdatedAt: t0}

	assert.False(t, c.ExpiredAt(t0.Add(119*time.Second), 2*time.Minute))
	assert.True(t, c.ExpiredAt(t0.Add(2*time.Minute), 2*time.Minute))

	require.NoError(t, c.Apply(EventApprove, t0.Add(time.Second)))
	assert.Equal(t, StateApproved, c.State)
	assert.True(t, c.State.Active())
	assert.Equal(t, t0.Add(time.Second), c.UpdatedAt)
	assert.False(t, c.ExpiredAt(t0.Add(time.Hour), 2*time.Minute), "decided requests never expire")

	assert.Error(t, c.Apply(EventReject, t0))
	assert.Equal(t, StateApproved, c.State)
}

func TestErrorKinds(t *testing.T) {
	wrapped := func(err error) error { return errors.Join(errors.New("ctx"), err) }

	assert.True(t, IsNotFound(wrapped(ErrSessionNotFound)))
	assert.True(t, IsNotFound(ErrConnectionNotFound))
	assert.True(t, IsProtocolError(wrapped(ErrTruncatedFrame)))
	assert.True(t, IsNetworkError(wrapped(ErrConnectFailed)))
	assert.True(t, IsNetworkError(ErrChannelClosed))
	assert.False(t, IsNetworkError(ErrTruncatedFrame))
	assert.True(t, IsAuthError(ErrInvalidPassword))
	assert.True(t, IsCapacityError(ErrCapacityReached))
	assert.True(t, IsStaleRequest(ErrStaleRequest))
	assert.True(t, IsConflict(ErrSessionExists))
}
