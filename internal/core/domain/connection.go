package domain

import (
	"fmt"
	"time"
)

type ConnectionID string

type ConnectionState string

const (
	StatePending    ConnectionState = "PENDING"
	StateApproved   ConnectionState = "APPROVED"
	StateStreaming  ConnectionState = "STREAMING"
	StateRejected   ConnectionState = "REJECTED"
	StateTerminated ConnectionState = "TERMINATED"
)

type ConnectionEvent string

const (
	EventApprove   ConnectionEvent = "approve"
	EventReject    ConnectionEvent = "reject"
	EventStart     ConnectionEvent = "start"
	EventTerminate ConnectionEvent = "terminate"
)

// Outcome records why a connection left the broker table.
type Outcome string

const (
	OutcomeRejected   Outcome = "rejected"
	OutcomeExpired    Outcome = "expired"
	OutcomeTerminated Outcome = "terminated"
)

var transitions = map[ConnectionState]map[ConnectionEvent]ConnectionState{
	StatePending: {
		EventApprove:   StateApproved,
		EventReject:    StateRejected,
		EventTerminate: StateTerminated,
	},
	StateApproved: {
		EventStart:     StateStreaming,
		EventTerminate: StateTerminated,
	},
	StateStreaming: {
		EventTerminate: StateTerminated,
	},
	StateRejected: {
		EventTerminate: StateTerminated,
	},
}

// Next returns the state reached from s on ev.
func (s ConnectionState) Next(ev ConnectionEvent) (ConnectionState, error) {
	next, ok := transitions[s][ev]
	if !ok {
		return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, s)
	}
	return next, nil
}

// Active reports whether the pairing holds a viewer slot on the host.
func (s ConnectionState) Active() bool {
	return s == StateApproved || s == StateStreaming
}

// PendingConnection is a viewer's request to a host and, after approval,
// the record of the resulting stream pairing.
type PendingConnection struct {
	ID          ConnectionID    `json:"connection_id"`
	SessionCode SessionCode     `json:"session_code"`
	ViewerID    string          `json:"viewer_id"`
	ViewerName  string          `json:"viewer_name,omitempty"`
	State       ConnectionState `json:"state"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (c *PendingConnection) Apply(ev ConnectionEvent, at time.Time) error {
	next, err := c.State.Next(ev)
	if err != nil {
		return err
	}
	c.State = next
	c.UpdatedAt = at
	return nil
}

// ExpiredAt reports whether an undecided request has outlived timeout.
func (c *PendingConnection) ExpiredAt(now time.Time, timeout time.Duration) bool {
	return c.State == StatePending && now.Sub(c.CreatedAt) >= timeout
}
