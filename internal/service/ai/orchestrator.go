package ai

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/chatstream/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chatstream/pkg/logger"
)

// Agent is what the transports need from the orchestrator.
type Agent interface {
	// Stream returns a finite, non-restartable chunk sequence. The channel is
	// closed after the terminal chunk, or early without one if ctx is cancelled.
	Stream(ctx context.Context, req chat.ChatRequest) <-chan chat.StreamChunk
	// Generate runs the same prompt without streaming.
	Generate(ctx context.Context, req chat.ChatRequest) (*chat.Reply, error)
}

// Options 控制提示词构造与流缓冲。
type Options struct {
	SystemPrompt string
	HistoryLimit int
	StreamBuffer int
	Logger       *zap.Logger
}

// Orchestrator drives the generative backend through an eino chain of
// prompt template followed by the chat model.
type Orchestrator struct {
	chain  compose.Runnable[map[string]any, *schema.Message]
	opts   Options
	logger *zap.Logger
}

var _ Agent = (*Orchestrator)(nil)

// NewOrchestrator compiles the prompt chain around chatModel.
func NewOrchestrator(ctx context.Context, chatModel model.BaseChatModel, opts Options) (*Orchestrator, error) {
	if chatModel == nil {
		return nil, chat.ErrAgentUnavailable
	}
	if opts.StreamBuffer < 0 {
		opts.StreamBuffer = 0
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Orchestrator{
		chain:  runnable,
		opts:   opts,
		logger: logger.OrNop(opts.Logger).Named("orchestrator"),
	}, nil
}

// Stream starts generation in the background and returns its chunk channel.
// A session id is assigned when the request carries none.
func (o *Orchestrator) Stream(ctx context.Context, req chat.ChatRequest) <-chan chat.StreamChunk {
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	out := make(chan chat.StreamChunk, o.opts.StreamBuffer)
	go o.produce(ctx, req, out)
	return out
}

func (o *Orchestrator) produce(ctx context.Context, req chat.ChatRequest, out chan<- chat.StreamChunk) {
	sessionID := req.SessionID
	terminated := false

	emit := func(chunk chat.StreamChunk) bool {
		select {
		case out <- chunk:
			terminated = chunk.Terminal()
			return true
		case <-ctx.Done():
			return false
		}
	}

	defer close(out)
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("producer panic", zap.String("session", sessionID), zap.Any("panic", r))
			if !terminated {
				emit(chat.ErrorChunk(sessionID, fmt.Errorf("agent failure: %v", r)))
			}
		}
	}()

	if err := req.Validate(); err != nil {
		emit(chat.ErrorChunk(sessionID, err))
		return
	}

	reader, err := o.chain.Stream(ctx, o.buildChainInput(req))
	if err != nil {
		o.logger.Warn("stream start failed", zap.String("session", sessionID), zap.Error(err))
		emit(chat.ErrorChunk(sessionID, fmt.Errorf("failed to stream AI chain output: %w", err)))
		return
	}
	defer reader.Close()

	fragments := 0
	for {
		msg, recvErr := reader.Recv()
		if errors.Is(recvErr, io.EOF) {
			if emit(chat.DoneChunk(sessionID)) {
				o.logger.Debug("stream completed", zap.String("session", sessionID), zap.Int("fragments", fragments))
			}
			return
		}
		if recvErr != nil {
			if ctx.Err() != nil {
				return
			}
			o.logger.Warn("stream recv failed", zap.String("session", sessionID), zap.Error(recvErr))
			emit(chat.ErrorChunk(sessionID, fmt.Errorf("ai stream recv failed: %w", recvErr)))
			return
		}
		if msg == nil || msg.Content == "" {
			continue
		}

		fragments++
		if !emit(chat.ContentChunk(sessionID, msg.Content)) {
			return
		}
	}
}

// Generate produces the whole reply in one backend call.
func (o *Orchestrator) Generate(ctx context.Context, req chat.ChatRequest) (*chat.Reply, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	response, err := o.chain.Invoke(ctx, o.buildChainInput(req))
	if err != nil {
		return nil, fmt.Errorf("failed to run AI chain: %w", err)
	}

	reply := &chat.Reply{
		Content:   response.Content,
		SessionID: req.SessionID,
		Timestamp: chat.Now(),
	}
	if meta := response.ResponseMeta; meta != nil && meta.Usage != nil {
		reply.TokensUsed = meta.Usage.TotalTokens
	}

	o.logger.Info("generated response", zap.String("session", req.SessionID), zap.Int("length", len(reply.Content)))
	return reply, nil
}

func (o *Orchestrator) buildChainInput(req chat.ChatRequest) map[string]any {
	return map[string]any{
		"system":  o.opts.SystemPrompt,
		"history": o.buildHistoryMessages(req.History),
		"query":   req.Message,
	}
}

// buildHistoryMessages keeps the most recent usable turns, oldest first.
func (o *Orchestrator) buildHistoryMessages(turns []chat.Turn) []*schema.Message {
	usable := chat.UsableHistory(turns)
	if limit := o.opts.HistoryLimit; limit > 0 && len(usable) > limit {
		usable = usable[len(usable)-limit:]
	}

	history := make([]*schema.Message, 0, len(usable))
	for _, turn := range usable {
		switch turn.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(turn.Content))
		case chat.RoleAssistant:
			history = append(history, schema.AssistantMessage(turn.Content, nil))
		}
	}
	return history
}
