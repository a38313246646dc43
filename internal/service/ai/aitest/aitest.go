// Package aitest provides scripted backends for exercising the streaming
// transports without a real model.
package aitest

import (
	"context"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/zhouzirui/z-tavern/chatstream/internal/model/chat"
)

// Model is a chat model that replays Fragments. When Err is set it is
// delivered after FailAfter fragments. When Hold is set the stream blocks
// after the scripted fragments until the context is cancelled.
type Model struct {
	Fragments []string
	FailAfter int
	Err       error
	StartErr  error
	Hold      bool
	Usage     *schema.TokenUsage

	mu     sync.Mutex
	inputs [][]*schema.Message
}

var _ model.ChatModel = (*Model)(nil)

// Inputs returns every prompt the model received.
func (m *Model) Inputs() [][]*schema.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]*schema.Message(nil), m.inputs...)
}

func (m *Model) record(input []*schema.Message) {
	m.mu.Lock()
	m.inputs = append(m.inputs, append([]*schema.Message(nil), input...))
	m.mu.Unlock()
}

func (m *Model) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.record(input)
	if m.StartErr != nil {
		return nil, m.StartErr
	}
	if m.Err != nil {
		return nil, m.Err
	}
	content := ""
	for _, fragment := range m.Fragments {
		content += fragment
	}
	msg := schema.AssistantMessage(content, nil)
	if m.Usage != nil {
		msg.ResponseMeta = &schema.ResponseMeta{Usage: m.Usage}
	}
	return msg, nil
}

func (m *Model) Stream(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.record(input)
	if m.StartErr != nil {
		return nil, m.StartErr
	}

	sr, sw := schema.Pipe[*schema.Message](len(m.Fragments) + 1)
	go func() {
		defer sw.Close()
		for i, fragment := range m.Fragments {
			if m.Err != nil && i == m.FailAfter {
				sw.Send(nil, m.Err)
				return
			}
			if closed := sw.Send(schema.AssistantMessage(fragment, nil), nil); closed {
				return
			}
		}
		if m.Err != nil && m.FailAfter >= len(m.Fragments) {
			sw.Send(nil, m.Err)
			return
		}
		if m.Hold {
			<-ctx.Done()
			sw.Send(nil, ctx.Err())
		}
	}()
	return sr, nil
}

func (m *Model) BindTools(_ []*schema.ToolInfo) error {
	return nil
}

// Agent is a transport-level stand-in for the orchestrator. It emits one
// content chunk per fragment followed by done, or an error chunk when Err is
// set. Hold keeps the stream open after the fragments until ctx ends, and
// Gate, when non-nil, must be closed before any fragment is sent.
type Agent struct {
	Fragments []string
	Err       error
	Hold      bool
	Gate      chan struct{}
	Reply     *chat.Reply

	mu        sync.Mutex
	requests  []chat.ChatRequest
	cancelled int
}

// Cancelled reports how many held streams ended because their context did.
func (a *Agent) Cancelled() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelled
}

// Requests returns every request the agent received.
func (a *Agent) Requests() []chat.ChatRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]chat.ChatRequest(nil), a.requests...)
}

func (a *Agent) Stream(ctx context.Context, req chat.ChatRequest) <-chan chat.StreamChunk {
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	a.mu.Lock()
	a.requests = append(a.requests, req)
	a.mu.Unlock()

	out := make(chan chat.StreamChunk)
	go func() {
		defer close(out)
		send := func(chunk chat.StreamChunk) bool {
			select {
			case out <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if a.Gate != nil {
			select {
			case <-a.Gate:
			case <-ctx.Done():
				return
			}
		}
		for _, fragment := range a.Fragments {
			if !send(chat.ContentChunk(req.SessionID, fragment)) {
				return
			}
		}
		if a.Hold {
			<-ctx.Done()
			a.mu.Lock()
			a.cancelled++
			a.mu.Unlock()
			return
		}
		if a.Err != nil {
			send(chat.ErrorChunk(req.SessionID, a.Err))
			return
		}
		send(chat.DoneChunk(req.SessionID))
	}()
	return out
}

func (a *Agent) Generate(_ context.Context, req chat.ChatRequest) (*chat.Reply, error) {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	a.mu.Unlock()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	if a.Err != nil {
		return nil, a.Err
	}
	if a.Reply != nil {
		reply := *a.Reply
		return &reply, nil
	}
	content := ""
	for _, fragment := range a.Fragments {
		content += fragment
	}
	return &chat.Reply{Content: content, SessionID: req.SessionID, Timestamp: chat.Now()}, nil
}
