package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/chatstream/internal/handler/admin"
	"github.com/zhouzirui/z-tavern/chatstream/internal/handler/chat"
	"github.com/zhouzirui/z-tavern/chatstream/internal/handler/stream"
	"github.com/zhouzirui/z-tavern/chatstream/internal/handler/ws"
	middlewarePkg "github.com/zhouzirui/z-tavern/chatstream/internal/middleware"
	"github.com/zhouzirui/z-tavern/chatstream/internal/service/ai"
	"github.com/zhouzirui/z-tavern/chatstream/internal/service/gateway"
	"github.com/zhouzirui/z-tavern/chatstream/pkg/logger"
)

// NewRouter wires HTTP routes to core services. agent may be nil when no
// backend is configured; every route still mounts and reports unavailability.
func NewRouter(agent ai.Agent, gw *gateway.Gateway, log *zap.Logger) http.Handler {
	log = logger.OrNop(log)
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger(log.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Route("/api", func(api chi.Router) {
		// 双工通道
		ws.NewHandler(gw, log).RegisterRoutes(api)

		// 单次流式与非流式聊天
		stream.New(agent, log).RegisterRoutes(api)
		chat.New(agent, log).RegisterRoutes(api)

		admin.New(gw, log).RegisterRoutes(api)
	})

	return r
}
