// Package store keeps the client's view of a conversation: the ordered turns,
// each assistant turn's session lifecycle, and retry of failed turns.
package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/chatstream/internal/client/conn"
	"github.com/zhouzirui/z-tavern/chatstream/internal/client/sink"
	"github.com/zhouzirui/z-tavern/chatstream/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chatstream/pkg/logger"
)

var (
	// ErrUnknownSession is returned by Retry for an id the store never issued.
	ErrUnknownSession = errors.New("unknown session")
	// ErrNotRetryable is returned by Retry for a session that did not fail.
	ErrNotRetryable = errors.New("only errored sessions can be retried")
	// ErrClosed is returned once the store has been closed.
	ErrClosed = errors.New("store closed")
)

// Transport is the part of a client transport the store drives. Both the
// duplex connection manager and the single-shot SSE client satisfy it.
type Transport interface {
	SendMessage(req chat.ChatRequest, onChunk func(chat.StreamChunk), onError func(error)) string
	RemoveHandlers(sessionID string)
}

// StateSource reports connection state changes. conn.Manager satisfies it.
type StateSource interface {
	Subscribe(fn func(conn.State)) func()
}

type Options struct {
	FlushThreshold int
	FlushInterval  time.Duration
	// Connection, when set, lets the store abandon open sessions as soon as
	// the connection is closed or given up on.
	Connection StateSource
	Logger     *zap.Logger
	Now        func() time.Time
}

// Message is a turn as the UI sees it. Assistant messages carry the session
// that produces them.
type Message struct {
	chat.Turn
	SessionID string            `json:"sessionId,omitempty"`
	State     chat.SessionState `json:"state,omitempty"`
}

// exchange is one request and the assistant turn it feeds.
type exchange struct {
	session chat.Session
	request chat.ChatRequest
	index   int
	sink    *sink.Sink
}

// Store is safe for concurrent use. Transport callbacks and sink flushes may
// arrive on any goroutine.
type Store struct {
	transport Transport
	opts      Options
	logger    *zap.Logger

	mu        sync.Mutex
	messages  []Message
	exchanges map[string]*exchange
	closed    bool
	unwatch   func()

	listenerMu   sync.Mutex
	listeners    map[uint64]func()
	nextListener uint64
}

func New(transport Transport, opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store{
		transport: transport,
		opts:      opts,
		logger:    logger.OrNop(opts.Logger).Named("store"),
		exchanges: make(map[string]*exchange),
		listeners: make(map[uint64]func()),
	}
	if opts.Connection != nil {
		unwatch := opts.Connection.Subscribe(s.connectionChanged)
		s.mu.Lock()
		s.unwatch = unwatch
		s.mu.Unlock()
	}
	return s
}

// connectionChanged seals open sessions once no more chunks can arrive for
// them. Reconnecting is left to the transport, which fails its in-flight
// sessions itself.
func (s *Store) connectionChanged(state conn.State) {
	switch state {
	case conn.StateDisconnected, conn.StateUnavailable:
		s.abandon(chat.ErrConnectionLost)
	}
}

// abandon marks every open session errored and drops its buffered text, so
// pending flush timers cannot change the conversation afterwards.
func (s *Store) abandon(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	now := s.opts.Now()
	var open []string
	var sinks []*sink.Sink
	for id, ex := range s.exchanges {
		if ex.session.State.Terminal() {
			continue
		}
		ex.session.State = chat.SessionErrored
		ex.session.LastActivityAt = now
		msg := &s.messages[ex.index]
		msg.State = chat.SessionErrored
		msg.IsStreaming = false
		msg.Error = cause.Error()
		open = append(open, id)
		sinks = append(sinks, ex.sink)
	}
	s.mu.Unlock()

	if len(open) == 0 {
		return
	}
	// sinks take mu when flushing, so they are discarded after it is released
	for _, sk := range sinks {
		sk.Discard()
	}
	for _, id := range open {
		s.transport.RemoveHandlers(id)
	}
	s.logger.Warn("abandoned open sessions", zap.Int("sessions", len(open)), zap.Error(cause))
	s.notify()
}

// Send appends the user turn and a pending assistant turn, then hands the
// request to the transport. History is the usable turns before this message.
func (s *Store) Send(message string) (string, error) {
	req := chat.ChatRequest{Message: message}
	if err := req.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	req.History = s.usableHistoryLocked()
	s.messages = append(s.messages, Message{Turn: chat.Turn{
		Role:      chat.RoleUser,
		Content:   message,
		Timestamp: s.opts.Now(),
	}})
	s.mu.Unlock()

	return s.start(req)
}

// Retry re-sends the user message behind a failed session under a new
// session id, with the history that request originally carried. The failed
// turn stays visible and errored.
func (s *Store) Retry(sessionID string) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	ex, ok := s.exchanges[sessionID]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if ex.session.State != chat.SessionErrored {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s is %s", ErrNotRetryable, sessionID, ex.session.State)
	}
	req := chat.ChatRequest{
		Message: ex.request.Message,
		History: append([]chat.Turn(nil), ex.request.History...),
	}
	s.mu.Unlock()

	s.logger.Info("retrying session", zap.String("session", sessionID))
	return s.start(req)
}

// start registers a pending assistant turn under a fresh session id and sends
// the request. The transport may report failure before SendMessage returns.
func (s *Store) start(req chat.ChatRequest) (string, error) {
	req.SessionID = uuid.NewString()
	now := s.opts.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	ex := &exchange{
		session: chat.Session{
			ID:             req.SessionID,
			CreatedAt:      now,
			LastActivityAt: now,
			State:          chat.SessionPending,
		},
		request: req,
		index:   len(s.messages),
	}
	sessionID := req.SessionID
	ex.sink = sink.New(func(text string) { s.appendContent(sessionID, text) }, sink.Options{
		Threshold: s.opts.FlushThreshold,
		Interval:  s.opts.FlushInterval,
	})
	s.exchanges[sessionID] = ex
	s.messages = append(s.messages, Message{
		Turn: chat.Turn{
			Role:        chat.RoleAssistant,
			Timestamp:   now,
			IsStreaming: true,
		},
		SessionID: sessionID,
		State:     chat.SessionPending,
	})
	s.mu.Unlock()
	s.notify()

	s.transport.SendMessage(req,
		func(chunk chat.StreamChunk) { s.consume(sessionID, chunk) },
		func(err error) { s.fail(sessionID, err) },
	)
	return sessionID, nil
}

// consume routes one chunk of a session. Content goes through the sink; a
// terminal chunk flushes the sink, seals the turn and releases the handlers.
func (s *Store) consume(sessionID string, chunk chat.StreamChunk) {
	ex, ok := s.live(sessionID)
	if !ok {
		return
	}

	switch chunk.Type {
	case chat.ChunkContent:
		s.markStreaming(sessionID)
		ex.sink.Write(chunk.Content)
	case chat.ChunkDone:
		s.finish(sessionID, ex, chat.SessionComplete, "")
	case chat.ChunkError:
		msg := chunk.Error
		if msg == "" {
			msg = "stream failed"
		}
		s.finish(sessionID, ex, chat.SessionErrored, msg)
	}
}

// fail handles transport errors, which arrive in place of a terminal chunk.
func (s *Store) fail(sessionID string, err error) {
	ex, ok := s.live(sessionID)
	if !ok {
		return
	}
	s.finish(sessionID, ex, chat.SessionErrored, err.Error())
}

func (s *Store) finish(sessionID string, ex *exchange, state chat.SessionState, errMsg string) {
	ex.sink.Close()

	s.mu.Lock()
	if s.closed || ex.session.State.Terminal() {
		s.mu.Unlock()
		return
	}
	ex.session.State = state
	ex.session.LastActivityAt = s.opts.Now()
	msg := &s.messages[ex.index]
	msg.State = state
	msg.IsStreaming = false
	msg.Error = errMsg
	s.mu.Unlock()

	s.transport.RemoveHandlers(sessionID)
	if errMsg != "" {
		s.logger.Warn("session failed", zap.String("session", sessionID), zap.String("error", errMsg))
	}
	s.notify()
}

func (s *Store) live(sessionID string) (*exchange, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	ex, ok := s.exchanges[sessionID]
	if !ok || ex.session.State.Terminal() {
		return nil, false
	}
	return ex, true
}

func (s *Store) markStreaming(sessionID string) {
	s.mu.Lock()
	ex, ok := s.exchanges[sessionID]
	if !ok || ex.session.State != chat.SessionPending {
		s.mu.Unlock()
		return
	}
	ex.session.State = chat.SessionStreaming
	s.messages[ex.index].State = chat.SessionStreaming
	s.mu.Unlock()
	s.notify()
}

func (s *Store) appendContent(sessionID, text string) {
	s.mu.Lock()
	ex, ok := s.exchanges[sessionID]
	if s.closed || !ok || ex.session.State.Terminal() {
		s.mu.Unlock()
		return
	}
	ex.session.LastActivityAt = s.opts.Now()
	s.messages[ex.index].Content += text
	s.mu.Unlock()
	s.notify()
}

// Messages returns a copy of the conversation in order.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Session returns the lifecycle record for a session id.
func (s *Store) Session(sessionID string) (chat.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.exchanges[sessionID]
	if !ok {
		return chat.Session{}, false
	}
	return ex.session, true
}

// Subscribe registers fn to run after every change and returns its
// unsubscribe func. fn runs outside the store's lock and may read from it.
func (s *Store) Subscribe(fn func()) func() {
	s.listenerMu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.listenerMu.Unlock()

	return func() {
		s.listenerMu.Lock()
		delete(s.listeners, id)
		s.listenerMu.Unlock()
	}
}

// Close drops every open session: pending flushes are discarded and the
// transport forgets the handlers, so nothing changes after Close returns
// except through a new store.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unwatch := s.unwatch
	s.unwatch = nil
	var open []string
	var sinks []*sink.Sink
	for id, ex := range s.exchanges {
		if !ex.session.State.Terminal() {
			open = append(open, id)
			sinks = append(sinks, ex.sink)
		}
	}
	s.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	for _, sk := range sinks {
		sk.Discard()
	}
	for _, id := range open {
		s.transport.RemoveHandlers(id)
	}

	s.listenerMu.Lock()
	s.listeners = make(map[uint64]func())
	s.listenerMu.Unlock()
}

func (s *Store) usableHistoryLocked() []chat.Turn {
	turns := make([]chat.Turn, 0, len(s.messages))
	for _, msg := range s.messages {
		turns = append(turns, msg.Turn)
	}
	return chat.UsableHistory(turns)
}

func (s *Store) notify() {
	s.listenerMu.Lock()
	fns := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenerMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
