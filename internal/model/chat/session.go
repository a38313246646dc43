package chat

import "time"

// SessionState tracks where one request/response exchange is in its lifecycle.
type SessionState string

const (
	SessionPending   SessionState = "pending"
	SessionStreaming SessionState = "streaming"
	SessionComplete  SessionState = "complete"
	SessionErrored   SessionState = "errored"
)

// Terminal reports whether no further chunks may be applied.
func (s SessionState) Terminal() bool {
	return s == SessionComplete || s == SessionErrored
}

// Session captures one request/response exchange.
type Session struct {
	ID             string       `json:"id"`
	CreatedAt      time.Time    `json:"createdAt"`
	LastActivityAt time.Time    `json:"lastActivityAt"`
	State          SessionState `json:"state"`
}
