package chat

import (
	"strings"
	"time"
)

// Role 标识对话中的发言方。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one side of a conversational exchange. A user turn is final once
// created; an assistant turn grows while IsStreaming is set and is sealed by
// the terminal chunk of its session.
type Turn struct {
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	IsStreaming bool      `json:"isStreaming,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Usable reports whether the turn may be sent to the backend as history.
func (t Turn) Usable() bool {
	return !t.IsStreaming && t.Error == ""
}

// UsableHistory drops unfinished and failed turns. The returned slice is a copy.
func UsableHistory(turns []Turn) []Turn {
	history := make([]Turn, 0, len(turns))
	for _, turn := range turns {
		if turn.Usable() {
			history = append(history, turn)
		}
	}
	return history
}

// ChatRequest 表示一次发往编排器的对话请求。
type ChatRequest struct {
	Message   string `json:"message"`
	History   []Turn `json:"history,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// Validate rejects requests without a message.
func (r ChatRequest) Validate() error {
	if strings.TrimSpace(r.Message) == "" {
		return ErrEmptyMessage
	}
	return nil
}

// Reply is the result of a non-streaming generation.
type Reply struct {
	Content    string `json:"content"`
	SessionID  string `json:"sessionId"`
	Timestamp  int64  `json:"timestamp"`
	TokensUsed int    `json:"tokensUsed,omitempty"`
}
