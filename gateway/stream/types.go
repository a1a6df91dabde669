package stream

import (
	"github.com/abdul-ghaffar01/cpp-server/supervisor"
)

const (
	TypeStart = "start"
	TypeInput = "input"
	TypeStop  = "stop"

	TypeSessionStarted = string(supervisor.EventSessionStarted)
	TypeOutput         = string(supervisor.EventOutput)
	TypeTerminated     = string(supervisor.EventTerminated)
	TypeError          = "error"
	TypeDelivered      = "delivered"
)

// ClientMessage is a client->server message.
// Application is only read from start messages and Input only from input messages.
type ClientMessage struct {
	Type        string `json:"type"`
	Application string `json:"application,omitempty"`
	Input       string `json:"input,omitempty"`
}

// ServerMessage is a server->client message.
// Termination fields are only present on terminated messages, Code and Error only on error messages.
type ServerMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`

	Stream string `json:"stream,omitempty"`
	Chunk  string `json:"chunk,omitempty"`

	*supervisor.Termination

	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

func eventMessage(ev supervisor.Event) ServerMessage {
	return ServerMessage{
		Type:        string(ev.Type),
		SessionID:   ev.SessionID,
		Stream:      string(ev.Stream),
		Chunk:       ev.Chunk,
		Termination: ev.Termination,
	}
}

func errorMessage(sessionID string, err error) ServerMessage {
	return ServerMessage{
		Type:      TypeError,
		SessionID: sessionID,
		Code:      ErrorCode(err),
		Error:     err.Error(),
	}
}
