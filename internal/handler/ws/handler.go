package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/chatstream/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chatstream/internal/service/gateway"
	"github.com/zhouzirui/z-tavern/chatstream/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 1 << 20
)

var errConnClosed = errors.New("websocket connection closed")

// Handler WebSocket 聊天入口，把连接交给网关管理。
type Handler struct {
	gateway  *gateway.Gateway
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandler 创建WebSocket处理器
func NewHandler(gw *gateway.Gateway, log *zap.Logger) *Handler {
	return &Handler{
		gateway: gw,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger.OrNop(log).Named("ws"),
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxMessageSize)

	handle := &connHandle{conn: conn}
	ctx, cancel := context.WithCancel(r.Context())

	clientID := h.gateway.Connect(handle)
	defer handle.Close()
	defer h.gateway.Disconnect(clientID)
	defer cancel()

	log := h.logger.With(zap.String("client", clientID))

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go h.pingLoop(ctx, handle)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Info("read failed", zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var env chat.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			h.gateway.RejectMalformed(clientID)
			continue
		}

		h.gateway.Dispatch(ctx, clientID, env)
	}
}

// pingLoop 定期发送ping消息
func (h *Handler) pingLoop(ctx context.Context, handle *connHandle) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := handle.ping(); err != nil {
				return
			}
		}
	}
}

// connHandle serialises writes to one gorilla connection; gorilla allows a
// single concurrent writer only.
type connHandle struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func (c *connHandle) Send(event string, payload any) error {
	env, err := chat.NewEnvelope(event, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(env)
}

func (c *connHandle) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Close sends a close frame and releases the socket. Later calls are no-ops.
func (c *connHandle) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
	return c.conn.Close()
}
