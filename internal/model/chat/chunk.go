package chat

import "time"

// ChunkType tags a StreamChunk.
type ChunkType string

const (
	ChunkConnected ChunkType = "connected"
	ChunkStarted   ChunkType = "started"
	ChunkContent   ChunkType = "content"
	ChunkDone      ChunkType = "done"
	ChunkError     ChunkType = "error"
)

// StreamChunk is one unit of a streamed reply. Within a session exactly one
// started chunk precedes the first content chunk and exactly one terminal
// chunk (done or error) ends the sequence.
type StreamChunk struct {
	Type      ChunkType `json:"type"`
	SessionID string    `json:"sessionId"`
	Timestamp int64     `json:"timestamp"`
	Content   string    `json:"content,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Terminal reports whether the chunk ends its session.
func (c StreamChunk) Terminal() bool {
	return c.Type == ChunkDone || c.Type == ChunkError
}

// Now returns the wire timestamp for the current instant.
func Now() int64 {
	return time.Now().UnixMilli()
}

// ContentChunk builds a content fragment for a session.
func ContentChunk(sessionID, content string) StreamChunk {
	return StreamChunk{Type: ChunkContent, SessionID: sessionID, Content: content, Timestamp: Now()}
}

// DoneChunk builds the success terminator for a session.
func DoneChunk(sessionID string) StreamChunk {
	return StreamChunk{Type: ChunkDone, SessionID: sessionID, Timestamp: Now()}
}

// ErrorChunk builds the failure terminator for a session.
func ErrorChunk(sessionID string, err error) StreamChunk {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return StreamChunk{Type: ChunkError, SessionID: sessionID, Error: msg, Timestamp: Now()}
}
