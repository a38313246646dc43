package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zhouzirui/z-tavern/chatstream/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chatstream/internal/service/ai"
	"github.com/zhouzirui/z-tavern/chatstream/internal/service/ai/aitest"
)

func setupRouter(t *testing.T, agent ai.Agent) *chi.Mux {
	t.Helper()
	r := chi.NewRouter()
	New(agent, zaptest.NewLogger(t)).RegisterRoutes(r)
	return r
}

func postChat(t *testing.T, r http.Handler, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestChatReturnsWholeReply(t *testing.T) {
	agent := &aitest.Agent{Reply: &chat.Reply{Content: "Hello!", SessionID: "s1", Timestamp: 42, TokensUsed: 7}}
	r := setupRouter(t, agent)

	resp := postChat(t, r, chatRequest{
		UserMessage: "hi",
		History: []chat.Turn{
			{Role: chat.RoleUser, Content: "before"},
			{Role: chat.RoleAssistant, Content: "broken", Error: "timeout"},
			{Role: chat.RoleAssistant, Content: "fine"},
		},
	})
	require.Equal(t, http.StatusOK, resp.Code)

	var body chatResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "Hello!", body.Response)
	assert.Equal(t, "s1", body.SessionID)
	assert.Equal(t, int64(42), body.Timestamp)
	assert.Equal(t, 4, body.ConversationLength)
	assert.Equal(t, 7, body.TokensUsed)

	requests := agent.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, "hi", requests[0].Message)
}

func TestChatAcceptsUserMessageField(t *testing.T) {
	agent := &aitest.Agent{Fragments: []string{"Hel", "lo"}}
	r := setupRouter(t, agent)

	resp := postChat(t, r, map[string]any{"userMessage": "hello"})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	var body chatResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "Hello", body.Response)
	assert.Equal(t, 2, body.ConversationLength)
}

func TestChatValidation(t *testing.T) {
	r := setupRouter(t, &aitest.Agent{})

	resp := postChat(t, r, map[string]string{"userMessage": ""})
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	// the request/response surface does not take the streaming field name
	resp = postChat(t, r, map[string]string{"message": "hi"})
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader([]byte("not json")))
	bad := httptest.NewRecorder()
	r.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestChatBackendStates(t *testing.T) {
	resp := postChat(t, setupRouter(t, nil), chatRequest{UserMessage: "hi"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)

	resp = postChat(t, setupRouter(t, &aitest.Agent{Err: errors.New("down")}), chatRequest{UserMessage: "hi"})
	assert.Equal(t, http.StatusInternalServerError, resp.Code)
	assert.Contains(t, resp.Body.String(), "down")
}
