package domain

import "errors"

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionExists      = errors.New("session code already registered")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrStaleRequest       = errors.New("connection request is no longer pending")
	ErrInvalidPassword    = errors.New("invalid password")
	ErrCapacityReached    = errors.New("session is full")
	ErrInvalidTransition  = errors.New("invalid connection state transition")
	ErrNotSessionHost     = errors.New("peer is not the host of this session")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrSnapshotTooLarge   = errors.New("snapshot exceeds maximum size")

	ErrTruncatedFrame = errors.New("truncated frame")
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size")
	ErrChannelClosed  = errors.New("channel closed")
	ErrConnectTimeout = errors.New("connect timed out")
	ErrConnectFailed  = errors.New("connect failed")
	ErrPeerGone       = errors.New("peer disconnected")

	// Outcomes a viewer observes while waiting on a decision.
	ErrRequestRejected = errors.New("connection request rejected by host")
	ErrRequestExpired  = errors.New("host did not respond to connection request")
)

func IsNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrConnectionNotFound)
}

func IsAuthError(err error) bool {
	return errors.Is(err, ErrInvalidPassword) || errors.Is(err, ErrNotSessionHost)
}

func IsCapacityError(err error) bool {
	return errors.Is(err, ErrCapacityReached)
}

func IsStaleRequest(err error) bool {
	return errors.Is(err, ErrStaleRequest)
}

func IsInvalidArgument(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrSessionExists)
}

// IsProtocolError reports a malformed or short frame. Fatal to the channel.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrTruncatedFrame) || errors.Is(err, ErrFrameTooLarge)
}

func IsNetworkError(err error) bool {
	return errors.Is(err, ErrChannelClosed) ||
		errors.Is(err, ErrConnectTimeout) ||
		errors.Is(err, ErrConnectFailed) ||
		errors.Is(err, ErrPeerGone)
}
