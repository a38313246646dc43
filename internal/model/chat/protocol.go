package chat

import (
	"encoding/json"
	"fmt"
)

// 双工通道上的事件名称。
const (
	// client -> server
	EventHeartbeat = "heartbeat"
	EventChat      = "chat"
	EventGetStatus = "getStatus"

	// server -> client
	EventConnected         = "connected"
	EventStatus            = "status"
	EventChatStarted       = "chatStarted"
	EventChatChunk         = "chatChunk"
	EventChatError         = "chatError"
	EventConnectionTimeout = "connectionTimeout"
	EventBroadcast         = "broadcast"
)

// 单次流式接口（SSE）上的事件名称。
const (
	StreamEventConnected = "connected"
	StreamEventChunk     = "chunk"
	StreamEventComplete  = "complete"
	StreamEventError     = "error"
)

// Envelope frames every message on the duplex channel in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(eventType string, payload any) (Envelope, error) {
	env := Envelope{Type: eventType}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	env.Data = data
	return env, nil
}

// Decode unmarshals the envelope payload into v. An empty payload leaves v untouched.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

type ConnectedPayload struct {
	ClientID       string `json:"clientId"`
	Timestamp      int64  `json:"timestamp"`
	AgentAvailable bool   `json:"agentAvailable"`
}

type HeartbeatPayload struct {
	Status         string `json:"status"`
	Timestamp      int64  `json:"timestamp"`
	AgentAvailable bool   `json:"agentAvailable"`
}

type StatusPayload struct {
	AgentAvailable   bool  `json:"agentAvailable"`
	ConnectedClients int   `json:"connectedClients"`
	Timestamp        int64 `json:"timestamp"`
}

type ChatStartedPayload struct {
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
}

// ChatErrorPayload reports a failure before any chunk was streamed. SessionID
// is set only when the rejected request carried one.
type ChatErrorPayload struct {
	Error     string `json:"error"`
	SessionID string `json:"sessionId,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type TimeoutPayload struct {
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// StreamChunkPayload is the data of the SSE chunk event.
type StreamChunkPayload struct {
	Text      string `json:"text"`
	SessionID string `json:"sessionId,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// StreamStatusPayload is the data of the SSE connected, complete and error events.
type StreamStatusPayload struct {
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}
