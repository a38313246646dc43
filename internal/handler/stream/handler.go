package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/chatstream/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chatstream/internal/service/ai"
	"github.com/zhouzirui/z-tavern/chatstream/pkg/logger"
	"github.com/zhouzirui/z-tavern/chatstream/pkg/utils"
)

// Handler serves one chat request per call as a Server-Sent Events stream.
type Handler struct {
	agent  ai.Agent
	logger *zap.Logger
}

// New creates a new stream handler. A nil agent answers every request with 503.
func New(agent ai.Agent, log *zap.Logger) *Handler {
	return &Handler{
		agent:  agent,
		logger: logger.OrNop(log).Named("stream"),
	}
}

// RegisterRoutes 注册流式聊天路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/chat/stream", h.handleStream)
	r.Post("/chat/stream", h.handleStream)
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.agent == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, chat.ErrAgentUnavailable.Error())
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	sse, err := utils.NewSSEWriter(w)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	log := h.logger.With(zap.String("session", req.SessionID))
	if err := h.HandleStreamRequest(ctx, sse, req); err != nil {
		log.Info("stream ended early", zap.Error(err))
		return
	}
	log.Debug("stream completed")
}

// HandleStreamRequest writes connected, then the agent's chunks renamed to
// chunk, complete and error. It returns once the terminal event is written.
func (h *Handler) HandleStreamRequest(ctx context.Context, sse *utils.SSEWriter, req chat.ChatRequest) error {
	if err := sse.Event(chat.StreamEventConnected, chat.StreamStatusPayload{
		SessionID: req.SessionID,
		Timestamp: chat.Now(),
	}); err != nil {
		return err
	}

	for chunk := range h.agent.Stream(ctx, req) {
		switch chunk.Type {
		case chat.ChunkContent:
			if err := sse.Event(chat.StreamEventChunk, chat.StreamChunkPayload{
				Text:      chunk.Content,
				SessionID: req.SessionID,
				Timestamp: chunk.Timestamp,
			}); err != nil {
				return err
			}
		case chat.ChunkDone:
			return sse.Event(chat.StreamEventComplete, chat.StreamStatusPayload{
				SessionID: req.SessionID,
				Timestamp: chunk.Timestamp,
			})
		case chat.ChunkError:
			return sse.Event(chat.StreamEventError, chat.StreamStatusPayload{
				SessionID: req.SessionID,
				Error:     chunk.Error,
				Timestamp: chunk.Timestamp,
			})
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return sse.Event(chat.StreamEventError, chat.StreamStatusPayload{
		SessionID: req.SessionID,
		Error:     chat.ErrStreamInterrupted.Error(),
		Timestamp: chat.Now(),
	})
}

// decodeRequest reads a JSON body for POST and query parameters for GET,
// where history is a JSON array of turns.
func decodeRequest(r *http.Request) (chat.ChatRequest, error) {
	var req chat.ChatRequest
	if r.Method == http.MethodPost {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, errors.New("invalid request body")
		}
		return req, nil
	}

	query := r.URL.Query()
	req.Message = query.Get("message")
	req.SessionID = query.Get("sessionId")
	if raw := query.Get("history"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.History); err != nil {
			return req, errors.New("invalid history parameter")
		}
	}
	return req, nil
}
