package ports

import (
	"context"

	"deskrelay/internal/core/domain"
)

type RegisterRequest struct {
	Code         domain.SessionCode
	Endpoint     string
	PasswordHash string
	MaxViewers   int
}

type ConnectRequest struct {
	Code         domain.SessionCode
	ViewerID     string
	ViewerName   string
	PasswordHash string
}

// ConnectionNotifier pushes broker transitions to peers that have an event
// channel. Polling peers discover the same transitions through the broker.
type ConnectionNotifier interface {
	ConnectionRequested(ctx context.Context, conn domain.PendingConnection)
	ConnectionApproved(ctx context.Context, conn domain.PendingConnection)
	ConnectionRejected(ctx context.Context, conn domain.PendingConnection, reason string)
	ConnectionExpired(ctx context.Context, conn domain.PendingConnection)
	ConnectionTerminated(ctx context.Context, conn domain.PendingConnection, reason string)
}

type MetricsRecorder interface {
	SessionRegistered()
	SessionRemoved(reason string)
	ConnectionTransition(state domain.ConnectionState)
	FrameSent(bytes int)
	FrameReceived(bytes int)
	FrameDropped(reason string)
}
