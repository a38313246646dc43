package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/chatstream/internal/service/gateway"
	"github.com/zhouzirui/z-tavern/chatstream/pkg/logger"
	"github.com/zhouzirui/z-tavern/chatstream/pkg/utils"
)

// Handler exposes health and broadcast operations for operators.
type Handler struct {
	gateway *gateway.Gateway
	logger  *zap.Logger
}

func New(gw *gateway.Gateway, log *zap.Logger) *Handler {
	return &Handler{gateway: gw, logger: logger.OrNop(log).Named("admin")}
}

// RegisterRoutes 注册运维路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.handleHealth)
	r.Post("/broadcast", h.handleBroadcast)
}

type healthResponse struct {
	Status           string `json:"status"`
	AgentAvailable   bool   `json:"agentAvailable"`
	ConnectedClients int    `json:"connectedClients"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, healthResponse{
		Status:           "ok",
		AgentAvailable:   h.gateway.AgentAvailable(),
		ConnectedClients: h.gateway.ConnectedClients(),
	})
}

func (h *Handler) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var message map[string]any
	if err := json.NewDecoder(r.Body).Decode(&message); err != nil || message == nil {
		utils.RespondError(w, http.StatusBadRequest, "body must be a JSON object")
		return
	}

	if err := h.gateway.Broadcast(r.Context(), message); err != nil {
		h.logger.Error("broadcast failed", zap.Error(err))
		utils.RespondError(w, http.StatusBadGateway, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}
