package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zhouzirui/z-tavern/chatstream/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chatstream/internal/service/ai"
	"github.com/zhouzirui/z-tavern/chatstream/internal/service/ai/aitest"
)

type sseEvent struct {
	name string
	data map[string]any
}

func setupRouter(t *testing.T, agent ai.Agent) *chi.Mux {
	t.Helper()
	r := chi.NewRouter()
	New(agent, zaptest.NewLogger(t)).RegisterRoutes(r)
	return r
}

func parseEvents(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	var current sseEvent
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &current.data))
		case line == "":
			if current.name != "" {
				events = append(events, current)
			}
			current = sseEvent{}
		}
	}
	return events
}

func TestStreamPostEmitsConnectedChunksComplete(t *testing.T) {
	agent := &aitest.Agent{Fragments: []string{"Hi", " there"}}
	r := setupRouter(t, agent)

	payload, _ := json.Marshal(chat.ChatRequest{Message: "hello"})
	req := httptest.NewRequest(http.MethodPost, "/chat/stream", bytes.NewReader(payload))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "text/event-stream", resp.Header().Get("Content-Type"))

	events := parseEvents(t, resp.Body.String())
	require.Len(t, events, 4)
	assert.Equal(t, chat.StreamEventConnected, events[0].name)
	sessionID := events[0].data["sessionId"]
	assert.NotEmpty(t, sessionID)

	assert.Equal(t, chat.StreamEventChunk, events[1].name)
	assert.Equal(t, "Hi", events[1].data["text"])
	assert.Equal(t, " there", events[2].data["text"])
	assert.Equal(t, chat.StreamEventComplete, events[3].name)
	for _, event := range events {
		assert.Equal(t, sessionID, event.data["sessionId"])
		assert.Contains(t, event.data, "timestamp")
	}
}

func TestStreamGetParsesHistory(t *testing.T) {
	agent := &aitest.Agent{Fragments: []string{"ok"}}
	r := setupRouter(t, agent)

	history := `[{"role":"user","content":"earlier"},{"role":"assistant","content":"reply"}]`
	target := "/chat/stream?message=" + url.QueryEscape("next") + "&history=" + url.QueryEscape(history)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, target, nil))

	require.Equal(t, http.StatusOK, resp.Code)
	requests := agent.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, "next", requests[0].Message)
	require.Len(t, requests[0].History, 2)
	assert.Equal(t, chat.RoleAssistant, requests[0].History[1].Role)
}

func TestStreamErrorEndsStream(t *testing.T) {
	agent := &aitest.Agent{Fragments: []string{"part"}, Err: errors.New("quota exceeded")}
	r := setupRouter(t, agent)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/chat/stream?message=hi", nil))

	events := parseEvents(t, resp.Body.String())
	require.Len(t, events, 3)
	assert.Equal(t, chat.StreamEventChunk, events[1].name)
	assert.Equal(t, chat.StreamEventError, events[2].name)
	assert.Equal(t, "quota exceeded", events[2].data["error"])
}

func TestStreamRejectsBeforeOpening(t *testing.T) {
	r := setupRouter(t, &aitest.Agent{})

	cases := []struct {
		name   string
		req    *http.Request
		status int
	}{
		{"empty message", httptest.NewRequest(http.MethodGet, "/chat/stream?message=%20", nil), http.StatusBadRequest},
		{"bad history", httptest.NewRequest(http.MethodGet, "/chat/stream?message=hi&history=nope", nil), http.StatusBadRequest},
		{"bad body", httptest.NewRequest(http.MethodPost, "/chat/stream", strings.NewReader("{")), http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := httptest.NewRecorder()
			r.ServeHTTP(resp, tc.req)
			assert.Equal(t, tc.status, resp.Code)
			assert.Equal(t, "application/json", resp.Header().Get("Content-Type"))
		})
	}
}

func TestStreamWithoutBackend(t *testing.T) {
	r := setupRouter(t, nil)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/chat/stream?message=hi", nil))

	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
}
