package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/chatstream/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chatstream/internal/service/ai"
	"github.com/zhouzirui/z-tavern/chatstream/pkg/logger"
)

const timeoutMessage = "connection closed after inactivity"

var errMalformedFrame = errors.New("invalid message format")

// Relay carries broadcast payloads between gateway instances. Every instance,
// the publisher included, receives what is published.
type Relay interface {
	Publish(ctx context.Context, payload []byte) error
	Subscribe(ctx context.Context, deliver func(payload []byte)) error
}

// Options 控制网关的空闲清理与会话去重。
type Options struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	SessionTTL    time.Duration
	Relay         Relay
	Logger        *zap.Logger
	Now           func() time.Time
}

// Gateway multiplexes chat requests from many duplex connections onto the
// agent and forwards the resulting chunks. It knows nothing about the wire
// transport beyond the Handle interface.
type Gateway struct {
	agent    ai.Agent
	registry *ConnectionRegistry
	sessions *cache.Cache
	relay    Relay
	opts     Options
	logger   *zap.Logger
}

// New creates a gateway. A nil agent means the backend is not configured;
// connections are still accepted and chats are rejected per request.
func New(agent ai.Agent, opts Options) *Gateway {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 30 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Gateway{
		agent:    agent,
		registry: NewConnectionRegistry(opts.Now),
		sessions: cache.New(opts.SessionTTL, opts.SessionTTL/2),
		relay:    opts.Relay,
		opts:     opts,
		logger:   logger.OrNop(opts.Logger).Named("gateway"),
	}
}

// AgentAvailable reports whether chats can be served.
func (g *Gateway) AgentAvailable() bool {
	return g.agent != nil
}

// ConnectedClients returns the number of registered connections.
func (g *Gateway) ConnectedClients() int {
	return g.registry.Len()
}

// Connect registers the handle and acknowledges it with a connected event.
func (g *Gateway) Connect(handle Handle) string {
	clientID := uuid.NewString()
	g.registry.Insert(clientID, handle)

	g.send(clientID, handle, chat.EventConnected, chat.ConnectedPayload{
		ClientID:       clientID,
		Timestamp:      chat.Now(),
		AgentAvailable: g.AgentAvailable(),
	})
	g.logger.Info("client connected", zap.String("client", clientID), zap.Int("clients", g.registry.Len()))
	return clientID
}

// Disconnect removes the client's record. Calling it twice is harmless.
func (g *Gateway) Disconnect(clientID string) {
	if _, ok := g.registry.Remove(clientID); ok {
		g.logger.Info("client disconnected", zap.String("client", clientID), zap.Int("clients", g.registry.Len()))
	}
}

// Dispatch routes one inbound message. Chat requests run on their own
// goroutine bound to ctx, which the transport cancels when the connection drops.
func (g *Gateway) Dispatch(ctx context.Context, clientID string, env chat.Envelope) {
	record, ok := g.registry.Get(clientID)
	if !ok {
		return
	}
	g.registry.Touch(clientID)

	switch env.Type {
	case chat.EventHeartbeat:
		g.send(clientID, record.Handle, chat.EventHeartbeat, chat.HeartbeatPayload{
			Status:         "ok",
			Timestamp:      chat.Now(),
			AgentAvailable: g.AgentAvailable(),
		})
	case chat.EventGetStatus:
		g.send(clientID, record.Handle, chat.EventStatus, chat.StatusPayload{
			AgentAvailable:   g.AgentAvailable(),
			ConnectedClients: g.registry.Len(),
			Timestamp:        chat.Now(),
		})
	case chat.EventChat:
		var req chat.ChatRequest
		if err := env.Decode(&req); err != nil {
			g.sendChatError(clientID, record.Handle, "", errors.New("invalid chat payload"))
			return
		}
		go g.Chat(ctx, clientID, req)
	default:
		g.sendChatError(clientID, record.Handle, "", fmt.Errorf("unsupported message type: %s", env.Type))
	}
}

// RejectMalformed answers a frame the transport could not decode. The frame
// still counts as activity on the connection.
func (g *Gateway) RejectMalformed(clientID string) {
	record, ok := g.registry.Get(clientID)
	if !ok {
		return
	}
	g.registry.Touch(clientID)
	g.sendChatError(clientID, record.Handle, "", errMalformedFrame)
}

// Chat serves one request and blocks until its terminal chunk has been
// forwarded or ctx ends. Pulling from the agent stops as soon as Chat returns.
func (g *Gateway) Chat(ctx context.Context, clientID string, req chat.ChatRequest) {
	record, ok := g.registry.Get(clientID)
	if !ok {
		return
	}
	handle := record.Handle

	if err := req.Validate(); err != nil {
		g.sendChatError(clientID, handle, req.SessionID, err)
		return
	}

	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if err := g.sessions.Add(req.SessionID, clientID, cache.DefaultExpiration); err != nil {
		g.sendChatError(clientID, handle, req.SessionID, chat.ErrSessionReused)
		return
	}

	if g.agent == nil {
		g.send(clientID, handle, chat.EventChatChunk, chat.ErrorChunk(req.SessionID, chat.ErrAgentUnavailable))
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := g.send(clientID, handle, chat.EventChatStarted, chat.ChatStartedPayload{
		SessionID: req.SessionID,
		Timestamp: chat.Now(),
	}); err != nil {
		return
	}

	log := g.logger.With(zap.String("client", clientID), zap.String("session", req.SessionID))
	log.Debug("chat started", zap.Int("history", len(req.History)))

	chunks := g.agent.Stream(ctx, req)
	for {
		select {
		case <-ctx.Done():
			log.Debug("chat cancelled")
			return
		case chunk, ok := <-chunks:
			if !ok {
				if ctx.Err() == nil {
					log.Warn("agent stream closed without terminal chunk")
					g.send(clientID, handle, chat.EventChatChunk, chat.ErrorChunk(req.SessionID, chat.ErrStreamInterrupted))
				}
				return
			}

			switch chunk.Type {
			case chat.ChunkContent, chat.ChunkDone, chat.ChunkError:
			default:
				continue
			}

			chunk.SessionID = req.SessionID
			if err := g.send(clientID, handle, chat.EventChatChunk, chunk); err != nil {
				return
			}
			g.registry.Touch(clientID)

			if chunk.Terminal() {
				log.Debug("chat finished", zap.String("type", string(chunk.Type)))
				return
			}
		}
	}
}

// Sweep evicts every connection idle for longer than the idle timeout and
// returns how many were closed.
func (g *Gateway) Sweep() int {
	cutoff := g.opts.Now().Add(-g.opts.IdleTimeout)
	evicted := 0

	for _, record := range g.registry.Snapshot() {
		if !record.LastActivityAt.Before(cutoff) {
			continue
		}
		if _, ok := g.registry.RemoveIfIdle(record.ClientID, cutoff); !ok {
			continue
		}

		g.send(record.ClientID, record.Handle, chat.EventConnectionTimeout, chat.TimeoutPayload{
			Message:   timeoutMessage,
			Timestamp: chat.Now(),
		})
		if err := record.Handle.Close(); err != nil {
			g.logger.Debug("close idle connection", zap.String("client", record.ClientID), zap.Error(err))
		}
		evicted++
		g.logger.Info("evicted idle client", zap.String("client", record.ClientID), zap.Time("lastActivity", record.LastActivityAt))
	}
	return evicted
}

// Run sweeps idle connections on the configured interval and, when a relay is
// configured, delivers relayed broadcasts. It blocks until ctx is done.
func (g *Gateway) Run(ctx context.Context) {
	if g.relay != nil {
		go func() {
			if err := g.relay.Subscribe(ctx, g.deliverRelayed); err != nil && ctx.Err() == nil {
				g.logger.Error("broadcast relay stopped", zap.Error(err))
			}
		}()
	}

	ticker := time.NewTicker(g.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sweep()
		}
	}
}

// Broadcast pushes message to every connection, through the relay when one is
// configured so that other instances deliver it too.
func (g *Gateway) Broadcast(ctx context.Context, message map[string]any) error {
	if g.relay == nil {
		g.deliverBroadcast(message)
		return nil
	}

	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal broadcast: %w", err)
	}
	if err := g.relay.Publish(ctx, data); err != nil {
		return fmt.Errorf("publish broadcast: %w", err)
	}
	return nil
}

func (g *Gateway) deliverRelayed(payload []byte) {
	var message map[string]any
	if err := json.Unmarshal(payload, &message); err != nil {
		g.logger.Warn("discarding malformed broadcast", zap.Error(err))
		return
	}
	g.deliverBroadcast(message)
}

// deliverBroadcast sends to every local connection; a failing connection does
// not stop delivery to the rest.
func (g *Gateway) deliverBroadcast(message map[string]any) int {
	payload := make(map[string]any, len(message)+1)
	for k, v := range message {
		payload[k] = v
	}
	payload["timestamp"] = chat.Now()

	delivered := 0
	for _, record := range g.registry.Snapshot() {
		if err := g.send(record.ClientID, record.Handle, chat.EventBroadcast, payload); err != nil {
			continue
		}
		delivered++
	}
	g.logger.Debug("broadcast delivered", zap.Int("delivered", delivered))
	return delivered
}

func (g *Gateway) sendChatError(clientID string, handle Handle, sessionID string, err error) {
	g.send(clientID, handle, chat.EventChatError, chat.ChatErrorPayload{
		Error:     err.Error(),
		SessionID: sessionID,
		Timestamp: chat.Now(),
	})
}

func (g *Gateway) send(clientID string, handle Handle, event string, payload any) error {
	if err := handle.Send(event, payload); err != nil {
		g.logger.Warn("send failed", zap.String("client", clientID), zap.String("event", event), zap.Error(err))
		return err
	}
	return nil
}
