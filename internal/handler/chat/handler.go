package chat

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/chatstream/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chatstream/internal/service/ai"
	"github.com/zhouzirui/z-tavern/chatstream/pkg/logger"
	"github.com/zhouzirui/z-tavern/chatstream/pkg/utils"
)

// Handler 非流式聊天的HTTP处理器
type Handler struct {
	agent  ai.Agent
	logger *zap.Logger
}

// New 创建聊天处理器
func New(agent ai.Agent, log *zap.Logger) *Handler {
	return &Handler{
		agent:  agent,
		logger: logger.OrNop(log).Named("chat"),
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.handleChat)
}

// chatRequest is the body of POST /chat.
type chatRequest struct {
	UserMessage string      `json:"userMessage"`
	History     []chat.Turn `json:"history,omitempty"`
	SessionID   string      `json:"sessionId,omitempty"`
}

type chatResponse struct {
	Response           string `json:"response"`
	SessionID          string `json:"sessionId"`
	Timestamp          int64  `json:"timestamp"`
	ConversationLength int    `json:"conversationLength"`
	TokensUsed         int    `json:"tokensUsed,omitempty"`
}

// handleChat 一次性生成完整回复
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req := chat.ChatRequest{
		Message:   body.UserMessage,
		History:   body.History,
		SessionID: body.SessionID,
	}
	if err := req.Validate(); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.agent == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, chat.ErrAgentUnavailable.Error())
		return
	}

	reply, err := h.agent.Generate(r.Context(), req)
	if err != nil {
		h.logger.Warn("generate failed", zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusOK, chatResponse{
		Response:           reply.Content,
		SessionID:          reply.SessionID,
		Timestamp:          reply.Timestamp,
		ConversationLength: len(chat.UsableHistory(req.History)) + 2,
		TokensUsed:         reply.TokensUsed,
	})
}
