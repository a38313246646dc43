package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zhouzirui/z-tavern/chatstream/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chatstream/internal/service/ai"
	"github.com/zhouzirui/z-tavern/chatstream/internal/service/ai/aitest"
)

type sentEvent struct {
	event   string
	payload any
}

type fakeHandle struct {
	mu      sync.Mutex
	events  []sentEvent
	failing bool
	closed  bool
}

func (h *fakeHandle) Send(event string, payload any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failing {
		return errors.New("broken pipe")
	}
	h.events = append(h.events, sentEvent{event: event, payload: payload})
	return nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) sent() []sentEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]sentEvent(nil), h.events...)
}

func (h *fakeHandle) ofType(event string) []sentEvent {
	var out []sentEvent
	for _, e := range h.sent() {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// truncatingAgent closes its stream after one fragment without a terminal chunk.
type truncatingAgent struct{}

func (truncatingAgent) Stream(_ context.Context, req chat.ChatRequest) <-chan chat.StreamChunk {
	out := make(chan chat.StreamChunk, 1)
	out <- chat.ContentChunk(req.SessionID, "half")
	close(out)
	return out
}

func (truncatingAgent) Generate(context.Context, chat.ChatRequest) (*chat.Reply, error) {
	return nil, errors.New("not implemented")
}

type loopbackRelay struct {
	mu    sync.Mutex
	subs  []func([]byte)
	ready chan struct{}
	once  sync.Once
}

func newLoopbackRelay() *loopbackRelay {
	return &loopbackRelay{ready: make(chan struct{})}
}

func (r *loopbackRelay) Publish(_ context.Context, payload []byte) error {
	r.mu.Lock()
	subs := append(([]func([]byte))(nil), r.subs...)
	r.mu.Unlock()
	for _, deliver := range subs {
		deliver(payload)
	}
	return nil
}

func (r *loopbackRelay) Subscribe(ctx context.Context, deliver func([]byte)) error {
	r.mu.Lock()
	r.subs = append(r.subs, deliver)
	r.mu.Unlock()
	r.once.Do(func() { close(r.ready) })
	<-ctx.Done()
	return ctx.Err()
}

func newGateway(t *testing.T, agent ai.Agent, opts Options) *Gateway {
	t.Helper()
	opts.Logger = zaptest.NewLogger(t)
	return New(agent, opts)
}

func chunksOf(t *testing.T, h *fakeHandle) []chat.StreamChunk {
	t.Helper()
	var chunks []chat.StreamChunk
	for _, e := range h.ofType(chat.EventChatChunk) {
		chunk, ok := e.payload.(chat.StreamChunk)
		require.True(t, ok)
		chunks = append(chunks, chunk)
	}
	return chunks
}

func TestConnectAnnouncesClient(t *testing.T) {
	gw := newGateway(t, &aitest.Agent{}, Options{})
	h := &fakeHandle{}

	clientID := gw.Connect(h)

	events := h.sent()
	require.Len(t, events, 1)
	assert.Equal(t, chat.EventConnected, events[0].event)
	payload := events[0].payload.(chat.ConnectedPayload)
	assert.Equal(t, clientID, payload.ClientID)
	assert.True(t, payload.AgentAvailable)
	assert.Equal(t, 1, gw.ConnectedClients())

	gw.Disconnect(clientID)
	gw.Disconnect(clientID)
	assert.Equal(t, 0, gw.ConnectedClients())
}

func TestChatStreamsStartedContentAndOneDone(t *testing.T) {
	agent := &aitest.Agent{Fragments: []string{"Hi", " there"}}
	gw := newGateway(t, agent, Options{})
	h := &fakeHandle{}
	clientID := gw.Connect(h)

	gw.Chat(context.Background(), clientID, chat.ChatRequest{Message: "hello", SessionID: "s1"})

	started := h.ofType(chat.EventChatStarted)
	require.Len(t, started, 1)
	assert.Equal(t, "s1", started[0].payload.(chat.ChatStartedPayload).SessionID)

	chunks := chunksOf(t, h)
	require.Len(t, chunks, 3)
	assert.Equal(t, "Hi", chunks[0].Content)
	assert.Equal(t, " there", chunks[1].Content)
	assert.Equal(t, chat.ChunkDone, chunks[2].Type)
	for _, chunk := range chunks {
		assert.Equal(t, "s1", chunk.SessionID)
	}
}

func TestChatWithoutAgentYieldsErrorChunkOnly(t *testing.T) {
	gw := newGateway(t, nil, Options{})
	h := &fakeHandle{}
	clientID := gw.Connect(h)

	assert.False(t, h.sent()[0].payload.(chat.ConnectedPayload).AgentAvailable)

	gw.Chat(context.Background(), clientID, chat.ChatRequest{Message: "hello"})

	assert.Empty(t, h.ofType(chat.EventChatStarted))
	chunks := chunksOf(t, h)
	require.Len(t, chunks, 1)
	assert.Equal(t, chat.ChunkError, chunks[0].Type)
	assert.Equal(t, chat.ErrAgentUnavailable.Error(), chunks[0].Error)
	assert.NotEmpty(t, chunks[0].SessionID)
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	agent := &aitest.Agent{Fragments: []string{"never"}}
	gw := newGateway(t, agent, Options{})
	h := &fakeHandle{}
	clientID := gw.Connect(h)

	gw.Chat(context.Background(), clientID, chat.ChatRequest{Message: "   ", SessionID: "s-empty"})

	errs := h.ofType(chat.EventChatError)
	require.Len(t, errs, 1)
	payload := errs[0].payload.(chat.ChatErrorPayload)
	assert.Equal(t, chat.ErrEmptyMessage.Error(), payload.Error)
	assert.Equal(t, "s-empty", payload.SessionID)
	assert.Empty(t, h.ofType(chat.EventChatStarted))
	assert.Empty(t, agent.Requests())
}

func TestChatRejectsReusedSessionID(t *testing.T) {
	agent := &aitest.Agent{Fragments: []string{"ok"}}
	gw := newGateway(t, agent, Options{})
	h := &fakeHandle{}
	clientID := gw.Connect(h)

	req := chat.ChatRequest{Message: "hello", SessionID: "dup"}
	gw.Chat(context.Background(), clientID, req)
	gw.Chat(context.Background(), clientID, req)

	assert.Len(t, h.ofType(chat.EventChatStarted), 1)
	errs := h.ofType(chat.EventChatError)
	require.Len(t, errs, 1)
	assert.Equal(t, chat.ErrSessionReused.Error(), errs[0].payload.(chat.ChatErrorPayload).Error)
	assert.Len(t, agent.Requests(), 1)
}

func TestChatReportsTruncatedStream(t *testing.T) {
	gw := newGateway(t, truncatingAgent{}, Options{})
	h := &fakeHandle{}
	clientID := gw.Connect(h)

	gw.Chat(context.Background(), clientID, chat.ChatRequest{Message: "hello", SessionID: "s2"})

	chunks := chunksOf(t, h)
	require.Len(t, chunks, 2)
	assert.Equal(t, chat.ChunkContent, chunks[0].Type)
	assert.Equal(t, chat.ChunkError, chunks[1].Type)
	assert.Equal(t, chat.ErrStreamInterrupted.Error(), chunks[1].Error)
}

func TestChatStopsOnCancellation(t *testing.T) {
	agent := &aitest.Agent{Fragments: []string{"partial"}, Hold: true}
	gw := newGateway(t, agent, Options{})
	h := &fakeHandle{}
	clientID := gw.Connect(h)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		gw.Chat(ctx, clientID, chat.ChatRequest{Message: "hello"})
		close(done)
	}()

	require.Eventually(t, func() bool { return len(chunksOf(t, h)) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("chat did not stop after cancellation")
	}
	for _, chunk := range chunksOf(t, h) {
		assert.False(t, chunk.Terminal())
	}
}

func TestChatStopsWhenSendFails(t *testing.T) {
	agent := &aitest.Agent{Fragments: []string{"a", "b", "c"}}
	gw := newGateway(t, agent, Options{})
	h := &fakeHandle{}
	clientID := gw.Connect(h)

	h.mu.Lock()
	h.failing = true
	h.mu.Unlock()

	gw.Chat(context.Background(), clientID, chat.ChatRequest{Message: "hello"})
	assert.Len(t, h.sent(), 1)
}

func TestDispatchRoutesMessages(t *testing.T) {
	agent := &aitest.Agent{Fragments: []string{"ok"}}
	gw := newGateway(t, agent, Options{})
	h := &fakeHandle{}
	clientID := gw.Connect(h)
	ctx := context.Background()

	gw.Dispatch(ctx, clientID, chat.Envelope{Type: chat.EventHeartbeat})
	beats := h.ofType(chat.EventHeartbeat)
	require.Len(t, beats, 1)
	assert.Equal(t, "ok", beats[0].payload.(chat.HeartbeatPayload).Status)

	gw.Dispatch(ctx, clientID, chat.Envelope{Type: chat.EventGetStatus})
	statuses := h.ofType(chat.EventStatus)
	require.Len(t, statuses, 1)
	assert.Equal(t, 1, statuses[0].payload.(chat.StatusPayload).ConnectedClients)

	gw.Dispatch(ctx, clientID, chat.Envelope{Type: "bogus"})
	require.Len(t, h.ofType(chat.EventChatError), 1)

	env, err := chat.NewEnvelope(chat.EventChat, chat.ChatRequest{Message: "hello", SessionID: "d1"})
	require.NoError(t, err)
	gw.Dispatch(ctx, clientID, env)
	require.Eventually(t, func() bool {
		chunks := chunksOf(t, h)
		return len(chunks) == 2 && chunks[1].Type == chat.ChunkDone
	}, time.Second, 5*time.Millisecond)

	gw.Dispatch(ctx, clientID, chat.Envelope{Type: chat.EventChat, Data: []byte(`"not an object"`)})
	assert.Len(t, h.ofType(chat.EventChatError), 2)
}

func TestSweepEvictsOnlyIdleConnections(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	gw := newGateway(t, &aitest.Agent{}, Options{IdleTimeout: 5 * time.Minute, Now: clock.Now})

	idle := &fakeHandle{}
	active := &fakeHandle{}
	gw.Connect(idle)
	activeID := gw.Connect(active)

	clock.Advance(4 * time.Minute)
	gw.Dispatch(context.Background(), activeID, chat.Envelope{Type: chat.EventHeartbeat})
	clock.Advance(2 * time.Minute)

	assert.Equal(t, 1, gw.Sweep())
	assert.Equal(t, 1, gw.ConnectedClients())

	assert.True(t, idle.isClosed())
	require.Len(t, idle.ofType(chat.EventConnectionTimeout), 1)
	assert.False(t, active.isClosed())
	assert.Empty(t, active.ofType(chat.EventConnectionTimeout))

	assert.Equal(t, 0, gw.Sweep())
}

func TestMalformedFrameCountsAsActivity(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	gw := newGateway(t, &aitest.Agent{}, Options{IdleTimeout: 5 * time.Minute, Now: clock.Now})

	h := &fakeHandle{}
	id := gw.Connect(h)

	clock.Advance(4 * time.Minute)
	gw.RejectMalformed(id)
	clock.Advance(2 * time.Minute)

	assert.Equal(t, 0, gw.Sweep())
	assert.False(t, h.isClosed())

	errs := h.ofType(chat.EventChatError)
	require.Len(t, errs, 1)
	payload := errs[0].payload.(chat.ChatErrorPayload)
	assert.Equal(t, "invalid message format", payload.Error)
	assert.Empty(t, payload.SessionID)

	gw.RejectMalformed("unknown")
}

func TestBroadcastIsolatesFailingConnections(t *testing.T) {
	gw := newGateway(t, &aitest.Agent{}, Options{})
	healthy := []*fakeHandle{{}, {}}
	broken := &fakeHandle{}

	gw.Connect(healthy[0])
	gw.Connect(broken)
	gw.Connect(healthy[1])
	broken.mu.Lock()
	broken.failing = true
	broken.mu.Unlock()

	require.NoError(t, gw.Broadcast(context.Background(), map[string]any{"notice": "maintenance"}))

	for _, h := range healthy {
		got := h.ofType(chat.EventBroadcast)
		require.Len(t, got, 1)
		payload := got[0].payload.(map[string]any)
		assert.Equal(t, "maintenance", payload["notice"])
		assert.Contains(t, payload, "timestamp")
	}
}

func TestBroadcastThroughRelay(t *testing.T) {
	relay := newLoopbackRelay()
	gw := newGateway(t, &aitest.Agent{}, Options{Relay: relay, SweepInterval: time.Hour})
	h := &fakeHandle{}
	gw.Connect(h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go gw.Run(ctx)

	select {
	case <-relay.ready:
	case <-time.After(time.Second):
		t.Fatal("relay subscription not started")
	}

	require.NoError(t, gw.Broadcast(ctx, map[string]any{"notice": "relayed"}))
	got := h.ofType(chat.EventBroadcast)
	require.Len(t, got, 1)
	assert.Equal(t, "relayed", got[0].payload.(map[string]any)["notice"])

	require.NoError(t, relay.Publish(ctx, []byte("not json")))
	assert.Len(t, h.ofType(chat.EventBroadcast), 1)
}
