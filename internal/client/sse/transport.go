// Package sse is the single-shot client transport: one HTTP request per chat,
// read back as a Server-Sent Events stream.
package sse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/chatstream/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chatstream/pkg/logger"
)

const maxEventSize = 1 << 20

type Options struct {
	// BaseURL is the server root, e.g. http://localhost:8080.
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Transport sends each chat as its own streaming request.
type Transport struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	cancel context.CancelFunc
}

func New(opts Options) *Transport {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Transport{
		endpoint: strings.TrimRight(opts.BaseURL, "/") + "/api/chat/stream",
		client:   client,
		logger:   logger.OrNop(opts.Logger).Named("sse"),
		sessions: make(map[string]*session),
	}
}

// SendMessage starts the request in the background and returns the session id.
// Handlers run on the request goroutine until RemoveHandlers is called.
func (t *Transport) SendMessage(req chat.ChatRequest, onChunk func(chat.StreamChunk), onError func(error)) string {
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{cancel: cancel}
	t.mu.Lock()
	if previous, ok := t.sessions[req.SessionID]; ok {
		previous.cancel()
	}
	t.sessions[req.SessionID] = s
	t.mu.Unlock()

	go func() {
		defer t.release(req.SessionID, s)
		t.stream(ctx, req, onChunk, onError)
	}()
	return req.SessionID
}

// RemoveHandlers aborts the session's request and silences its handlers.
func (t *Transport) RemoveHandlers(sessionID string) {
	t.mu.Lock()
	s, ok := t.sessions[sessionID]
	delete(t.sessions, sessionID)
	t.mu.Unlock()
	if ok {
		s.cancel()
	}
}

// release drops the session once its request goroutine is done, unless a
// newer request took over the id.
func (t *Transport) release(sessionID string, s *session) {
	t.mu.Lock()
	if t.sessions[sessionID] == s {
		delete(t.sessions, sessionID)
	}
	t.mu.Unlock()
	s.cancel()
}

// Close aborts every outstanding request.
func (t *Transport) Close() {
	t.mu.Lock()
	sessions := t.sessions
	t.sessions = make(map[string]*session)
	t.mu.Unlock()
	for _, s := range sessions {
		s.cancel()
	}
}

func (t *Transport) active(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sessions[sessionID]
	return ok
}

func (t *Transport) stream(ctx context.Context, req chat.ChatRequest, onChunk func(chat.StreamChunk), onError func(error)) {
	sessionID := req.SessionID
	fail := func(err error) {
		if ctx.Err() == nil && t.active(sessionID) {
			onError(err)
		}
	}
	deliver := func(chunk chat.StreamChunk) {
		if ctx.Err() == nil && t.active(sessionID) {
			onChunk(chunk)
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		fail(fmt.Errorf("marshal chat request: %w", err))
		return
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		fail(fmt.Errorf("build request: %w", err))
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		fail(fmt.Errorf("%w: %v", chat.ErrNotConnected, err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fail(rejection(resp))
		return
	}

	terminal, err := readEvents(resp.Body, func(name string, data []byte) bool {
		return t.handleEvent(sessionID, name, data, deliver)
	})
	switch {
	case terminal:
	case err != nil:
		fail(fmt.Errorf("%w: %v", chat.ErrConnectionLost, err))
	default:
		fail(chat.ErrStreamInterrupted)
	}
}

// handleEvent maps one SSE event onto the chunk vocabulary and reports
// whether it ended the session.
func (t *Transport) handleEvent(sessionID, name string, data []byte, deliver func(chat.StreamChunk)) bool {
	switch name {
	case chat.StreamEventConnected:
		return false
	case chat.StreamEventChunk:
		var payload chat.StreamChunkPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			t.logger.Warn("discarding malformed chunk", zap.String("session", sessionID), zap.Error(err))
			return false
		}
		deliver(chat.StreamChunk{Type: chat.ChunkContent, SessionID: sessionID, Content: payload.Text, Timestamp: payload.Timestamp})
		return false
	case chat.StreamEventComplete:
		var payload chat.StreamStatusPayload
		json.Unmarshal(data, &payload)
		deliver(chat.StreamChunk{Type: chat.ChunkDone, SessionID: sessionID, Timestamp: payload.Timestamp})
		return true
	case chat.StreamEventError:
		var payload chat.StreamStatusPayload
		json.Unmarshal(data, &payload)
		if payload.Error == "" {
			payload.Error = "stream failed"
		}
		deliver(chat.StreamChunk{Type: chat.ChunkError, SessionID: sessionID, Error: payload.Error, Timestamp: payload.Timestamp})
		return true
	default:
		t.logger.Debug("ignoring event", zap.String("event", name))
		return false
	}
}

// readEvents parses event/data blocks until handle reports a terminal event
// or the body ends.
func readEvents(body io.Reader, handle func(name string, data []byte) bool) (bool, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 4096), maxEventSize)

	var name string
	var data []byte
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if name != "" || len(data) > 0 {
				if name == "" {
					name = "message"
				}
				if handle(name, data) {
					return true, nil
				}
			}
			name, data = "", nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")...)
		}
	}
	return false, scanner.Err()
}

func rejection(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		return fmt.Errorf("stream rejected (%d): %s", resp.StatusCode, payload.Error)
	}
	return fmt.Errorf("stream rejected (%d)", resp.StatusCode)
}
