// Package conn owns the client side of the duplex channel: one connection per
// process, heartbeats, bounded reconnects and per-session chunk routing.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/chatstream/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chatstream/pkg/logger"
)

// State is the connection state observed by subscribers.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	// StateUnavailable is entered once reconnect attempts are exhausted. Only
	// an explicit Connect leaves it.
	StateUnavailable State = "unavailable"
)

const writeWait = 10 * time.Second

// Options 控制连接、心跳与重连。
type Options struct {
	URL                  string
	HeartbeatInterval    time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int
	Dialer               *websocket.Dialer
	// OnBroadcast receives server broadcasts. It runs on the read goroutine.
	OnBroadcast func(map[string]any)
	Logger      *zap.Logger
}

type handlerPair struct {
	onChunk func(chat.StreamChunk)
	onError func(error)
}

// Manager holds the connection handle and the session id to handler map.
// Handlers run on the read goroutine and must not call Disconnect or Connect
// synchronously.
type Manager struct {
	opts   Options
	logger *zap.Logger

	mu             sync.Mutex
	conn           *websocket.Conn
	generation     uint64
	disconnects    uint64
	state          State
	attempts       int
	agentAvailable bool
	clientID       string
	stop           context.CancelFunc
	handlers       map[string]handlerPair
	listeners      map[uint64]func(State)
	nextListener   uint64

	writeMu sync.Mutex
	// dispatchMu is held while any handler runs so Disconnect can wait them out.
	dispatchMu sync.Mutex
}

// NewManager creates a manager in the disconnected state.
func NewManager(opts Options) *Manager {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 25 * time.Second
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.MaxReconnectDelay < opts.ReconnectDelay {
		opts.MaxReconnectDelay = opts.ReconnectDelay
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 5
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}

	return &Manager{
		opts:      opts,
		logger:    logger.OrNop(opts.Logger).Named("conn"),
		state:     StateDisconnected,
		handlers:  make(map[string]handlerPair),
		listeners: make(map[uint64]func(State)),
	}
}

// Connect dials the server, first tearing down any existing connection.
// Sessions in flight on the old connection fail with ErrConnectionLost.
func (m *Manager) Connect(ctx context.Context) error {
	m.teardown(false)
	m.setState(StateConnecting)

	conn, _, err := m.opts.Dialer.DialContext(ctx, m.opts.URL, nil)
	if err != nil {
		m.setState(StateDisconnected)
		return fmt.Errorf("dial %s: %w", m.opts.URL, err)
	}

	m.attach(conn, nil)
	return nil
}

// Disconnect closes the connection, stops heartbeats and reconnects, and drops
// every session handler. No handler runs after Disconnect returns. State
// subscribers are kept: they see the disconnected transition and stay
// registered until their unsubscribe func is called.
func (m *Manager) Disconnect() {
	m.teardown(true)

	// wait out a dispatch already in progress; later ones see a stale generation
	m.dispatchMu.Lock()
	m.dispatchMu.Unlock()

	m.setState(StateDisconnected)
}

// SendMessage registers the handlers under the request's session id and sends
// the chat request. A session id is assigned when missing and returned. When
// not connected onError runs synchronously and nothing is sent.
func (m *Manager) SendMessage(req chat.ChatRequest, onChunk func(chat.StreamChunk), onError func(error)) string {
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	m.mu.Lock()
	if m.state != StateConnected || m.conn == nil {
		m.mu.Unlock()
		onError(chat.ErrNotConnected)
		return req.SessionID
	}
	m.handlers[req.SessionID] = handlerPair{onChunk: onChunk, onError: onError}
	m.mu.Unlock()

	env, err := chat.NewEnvelope(chat.EventChat, req)
	if err == nil {
		err = m.write(env)
	}
	if err != nil {
		if _, ok := m.takeHandlers(req.SessionID); ok {
			onError(fmt.Errorf("send chat: %w", err))
		}
	}
	return req.SessionID
}

// RemoveHandlers forgets the session's handlers.
func (m *Manager) RemoveHandlers(sessionID string) {
	m.takeHandlers(sessionID)
}

// RequestStatus asks the server for a status event; the answer refreshes AgentAvailable.
func (m *Manager) RequestStatus() error {
	return m.write(chat.Envelope{Type: chat.EventGetStatus})
}

// Subscribe registers fn for state transitions and returns its unsubscribe
// func. Subscriptions survive Disconnect.
func (m *Manager) Subscribe(fn func(State)) func() {
	m.mu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the reconnect attempts made since the last successful connect.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// AgentAvailable reports the backend availability last announced by the server.
func (m *Manager) AgentAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.agentAvailable
}

func (m *Manager) ClientID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clientID
}

// attach installs conn as the live connection. With a guard, nothing is
// attached once the guard has been cancelled.
func (m *Manager) attach(conn *websocket.Conn, guard context.Context) bool {
	m.mu.Lock()
	if guard != nil && guard.Err() != nil {
		m.mu.Unlock()
		return false
	}
	previous := m.conn
	if m.stop != nil {
		m.stop()
	}

	m.generation++
	gen := m.generation
	m.conn = conn
	m.attempts = 0
	m.state = StateConnected
	runCtx, cancel := context.WithCancel(context.Background())
	m.stop = cancel
	m.mu.Unlock()

	if previous != nil {
		previous.Close()
	}

	go m.readLoop(gen, conn)
	go m.heartbeatLoop(runCtx, gen)

	m.logger.Info("connected", zap.String("url", m.opts.URL))
	m.emit(StateConnected)
	return true
}

// teardown closes the live connection. With discard the session handlers are
// dropped silently; otherwise they fail with ErrConnectionLost.
func (m *Manager) teardown(discard bool) {
	m.mu.Lock()
	m.generation++
	if discard {
		m.disconnects++
	}
	// cancelling under the lock keeps a reconnect from attaching after this point
	if m.stop != nil {
		m.stop()
		m.stop = nil
	}
	conn := m.conn
	m.conn = nil
	inflight := m.handlers
	m.handlers = make(map[string]handlerPair)
	m.attempts = 0
	epoch := m.disconnects
	m.mu.Unlock()

	if conn != nil {
		m.writeMu.Lock()
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		m.writeMu.Unlock()
		conn.Close()
	}
	if !discard {
		m.failInflight(inflight, epoch)
	}
}

func (m *Manager) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleDrop(gen, conn, err)
			return
		}

		var env chat.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.logger.Warn("discarding malformed frame", zap.Error(err))
			continue
		}
		m.dispatch(gen, env)
	}
}

func (m *Manager) dispatch(gen uint64, env chat.Envelope) {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	m.mu.Lock()
	current := gen == m.generation
	m.mu.Unlock()
	if !current {
		return
	}

	switch env.Type {
	case chat.EventConnected:
		var payload chat.ConnectedPayload
		if m.decode(env, &payload) {
			m.mu.Lock()
			m.clientID = payload.ClientID
			m.agentAvailable = payload.AgentAvailable
			m.mu.Unlock()
		}
	case chat.EventHeartbeat:
		var payload chat.HeartbeatPayload
		if m.decode(env, &payload) {
			m.setAgentAvailable(payload.AgentAvailable)
		}
	case chat.EventStatus:
		var payload chat.StatusPayload
		if m.decode(env, &payload) {
			m.setAgentAvailable(payload.AgentAvailable)
		}
	case chat.EventChatStarted:
	case chat.EventChatChunk:
		var chunk chat.StreamChunk
		if !m.decode(env, &chunk) {
			return
		}
		if pair, ok := m.lookupHandlers(chunk.SessionID); ok {
			pair.onChunk(chunk)
		}
	case chat.EventChatError:
		var payload chat.ChatErrorPayload
		if !m.decode(env, &payload) {
			return
		}
		if payload.SessionID == "" {
			m.logger.Warn("server rejected a request", zap.String("error", payload.Error))
			return
		}
		if pair, ok := m.takeHandlers(payload.SessionID); ok {
			pair.onError(errors.New(payload.Error))
		}
	case chat.EventConnectionTimeout:
		m.logger.Warn("server closed idle connection")
	case chat.EventBroadcast:
		if m.opts.OnBroadcast == nil {
			return
		}
		var payload map[string]any
		if m.decode(env, &payload) {
			m.opts.OnBroadcast(payload)
		}
	default:
		m.logger.Debug("ignoring event", zap.String("type", env.Type))
	}
}

// handleDrop fails in-flight sessions and starts reconnecting, unless the
// connection was torn down on purpose.
func (m *Manager) handleDrop(gen uint64, conn *websocket.Conn, err error) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.generation++
	m.conn = nil
	if m.stop != nil {
		m.stop()
	}
	inflight := m.handlers
	m.handlers = make(map[string]handlerPair)
	m.state = StateReconnecting
	epoch := m.disconnects
	reconnectCtx, cancel := context.WithCancel(context.Background())
	m.stop = cancel
	m.mu.Unlock()

	conn.Close()

	m.logger.Warn("connection lost", zap.Error(err), zap.Int("inflight", len(inflight)))
	m.emit(StateReconnecting)
	m.failInflight(inflight, epoch)

	go m.reconnectLoop(reconnectCtx)
}

func (m *Manager) reconnectLoop(ctx context.Context) {
	for {
		m.mu.Lock()
		if ctx.Err() != nil {
			m.mu.Unlock()
			return
		}
		if m.attempts >= m.opts.MaxReconnectAttempts {
			m.state = StateUnavailable
			attempts := m.attempts
			m.mu.Unlock()
			m.logger.Error("giving up reconnecting", zap.Int("attempts", attempts))
			m.emit(StateUnavailable)
			return
		}
		m.attempts++
		attempt := m.attempts
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.backoff(attempt)):
		}

		conn, _, err := m.opts.Dialer.DialContext(ctx, m.opts.URL, nil)
		if err != nil {
			m.logger.Warn("reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if !m.attach(conn, ctx) {
			conn.Close()
		}
		return
	}
}

// backoff grows linearly with the attempt number up to MaxReconnectDelay.
func (m *Manager) backoff(attempt int) time.Duration {
	delay := time.Duration(attempt) * m.opts.ReconnectDelay
	if delay > m.opts.MaxReconnectDelay {
		return m.opts.MaxReconnectDelay
	}
	return delay
}

func (m *Manager) heartbeatLoop(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			current := gen == m.generation
			m.mu.Unlock()
			if !current {
				return
			}
			if err := m.write(chat.Envelope{Type: chat.EventHeartbeat}); err != nil {
				m.logger.Debug("heartbeat failed", zap.Error(err))
			}
		}
	}
}

// failInflight reports ErrConnectionLost to each handler unless Disconnect
// ran after the handlers were collected.
func (m *Manager) failInflight(inflight map[string]handlerPair, epoch uint64) {
	if len(inflight) == 0 {
		return
	}

	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	m.mu.Lock()
	stale := epoch != m.disconnects
	m.mu.Unlock()
	if stale {
		return
	}
	for _, pair := range inflight {
		pair.onError(chat.ErrConnectionLost)
	}
}

func (m *Manager) write(env chat.Envelope) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return chat.ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(env)
}

func (m *Manager) lookupHandlers(sessionID string) (handlerPair, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pair, ok := m.handlers[sessionID]
	return pair, ok
}

func (m *Manager) takeHandlers(sessionID string) (handlerPair, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pair, ok := m.handlers[sessionID]
	if ok {
		delete(m.handlers, sessionID)
	}
	return pair, ok
}

func (m *Manager) setAgentAvailable(available bool) {
	m.mu.Lock()
	m.agentAvailable = available
	m.mu.Unlock()
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	changed := m.state != state
	m.state = state
	m.mu.Unlock()
	if changed {
		m.emit(state)
	}
}

func (m *Manager) emit(state State) {
	m.mu.Lock()
	listeners := make([]func(State), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(state)
	}
}

func (m *Manager) decode(env chat.Envelope, v any) bool {
	if err := env.Decode(v); err != nil {
		m.logger.Warn("discarding malformed event", zap.String("type", env.Type), zap.Error(err))
		return false
	}
	return true
}
