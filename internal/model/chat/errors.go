package chat

import "errors"

var (
	// ErrEmptyMessage rejects a request before any session exists.
	ErrEmptyMessage = errors.New("message is required")
	// ErrAgentUnavailable is returned when no generative backend is configured.
	ErrAgentUnavailable = errors.New("agent unavailable")
	// ErrSessionReused rejects a chat whose session id was already accepted.
	ErrSessionReused = errors.New("session id already used")
	// ErrNotConnected is reported by client transports with no live connection.
	ErrNotConnected = errors.New("not connected")
	// ErrConnectionLost is reported for sessions in flight when the connection drops.
	ErrConnectionLost = errors.New("connection lost")
	// ErrStreamInterrupted is reported when a chunk sequence ends without a terminal chunk.
	ErrStreamInterrupted = errors.New("stream ended without a terminal chunk")
)
