package signal

import (
	"encoding/json"

	"deskrelay/internal/core/domain"
)

// Relay event names. Direction is noted where an event only flows one way.
const (
	EventHostRegister         = "host_register"   // host -> server
	EventHostRegistered       = "host_registered" // server -> host
	EventClientConnectRequest = "client_connect_request"
	EventPendingApproval      = "pending_approval"   // server -> viewer
	EventConnectionRequest    = "connection_request" // server -> host
	EventHostDecision         = "host_decision"
	EventConnectionApproved   = "connection_approved" // server -> viewer
	EventConnectionRejected   = "connection_rejected" // server -> viewer
	EventStartStreaming       = "start_streaming"     // server -> host
	EventStreamData           = "stream_data"
	EventSessionTerminated    = "session_terminated"
	EventRequestExpired       = "request_expired"
	EventError                = "error"
)

// Envelope is the single websocket message shape.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(event string, data interface{}) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: raw}, nil
}

type HostRegisterPayload struct {
	Code         domain.SessionCode `json:"code"`
	PasswordHash string             `json:"password_hash,omitempty"`
	MaxViewers   int                `json:"max_viewers,omitempty"`
}

type HostRegisteredPayload struct {
	Code      domain.SessionCode `json:"code"`
	PeerID    string             `json:"peer_id"`
	HostToken string             `json:"host_token,omitempty"`
}

type ConnectRequestPayload struct {
	Code         domain.SessionCode `json:"code"`
	PasswordHash string             `json:"password_hash,omitempty"`
	ViewerName   string             `json:"viewer_name,omitempty"`
}

// ConnectionPayload describes a connection in every server-originated
// connection event. Reason is set on rejection and termination.
type ConnectionPayload struct {
	ConnectionID domain.ConnectionID    `json:"connection_id,omitempty"`
	Code         domain.SessionCode     `json:"code"`
	ViewerID     string                 `json:"viewer_id,omitempty"`
	ViewerName   string                 `json:"viewer_name,omitempty"`
	State        domain.ConnectionState `json:"state,omitempty"`
	Reason       string                 `json:"reason,omitempty"`
}

type HostDecisionPayload struct {
	ConnectionID domain.ConnectionID `json:"connection_id"`
	Approved     bool                `json:"approved"`
}

// StreamDataPayload carries one opaque frame. Frame is base64 in JSON.
type StreamDataPayload struct {
	ConnectionID domain.ConnectionID `json:"connection_id"`
	Frame        []byte              `json:"frame"`
}

// TerminatePayload ends one connection, or every connection of a hosted
// code when ConnectionID is empty.
type TerminatePayload struct {
	ConnectionID domain.ConnectionID `json:"connection_id,omitempty"`
	Code         domain.SessionCode  `json:"code,omitempty"`
	Reason       string              `json:"reason,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func connectionPayload(conn domain.PendingConnection, reason string) ConnectionPayload {
	return ConnectionPayload{
		ConnectionID: conn.ID,
		Code:         conn.SessionCode,
		ViewerID:     conn.ViewerID,
		ViewerName:   conn.ViewerName,
		State:        conn.State,
		Reason:       reason,
	}
}
