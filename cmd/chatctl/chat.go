package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/chatstream/internal/client/conn"
	"github.com/zhouzirui/z-tavern/chatstream/internal/client/sse"
	"github.com/zhouzirui/z-tavern/chatstream/internal/client/store"
	"github.com/zhouzirui/z-tavern/chatstream/internal/model/chat"
)

func newChatCmd() *cobra.Command {
	var useSSE bool
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat; type 'retry' to resend a failed turn, 'exit' to quit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), useSSE)
		},
	}
	cmd.Flags().BoolVar(&useSSE, "sse", false, "use the single-shot stream endpoint instead of the duplex channel")
	return cmd
}

func runChat(parent context.Context, useSSE bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, zl, err := setup()
	if err != nil {
		return err
	}
	defer zl.Sync()

	yellow := color.New(color.FgYellow)
	magenta := color.New(color.FgMagenta)

	var tr store.Transport
	var source store.StateSource
	var closeTransport func()
	if useSSE {
		client := sse.New(sse.Options{BaseURL: httpBase(cfg), Logger: zl})
		tr, closeTransport = client, client.Close
		yellow.Fprintf(os.Stderr, "streaming via %s\n", httpBase(cfg))
	} else {
		manager := conn.NewManager(conn.Options{
			URL:                  cfg.Client.URL,
			HeartbeatInterval:    cfg.Client.HeartbeatInterval,
			ReconnectDelay:       cfg.Client.ReconnectDelay,
			MaxReconnectDelay:    cfg.Client.MaxReconnectDelay,
			MaxReconnectAttempts: cfg.Client.MaxReconnectAttempts,
			OnBroadcast: func(payload map[string]any) {
				magenta.Fprintf(os.Stderr, "\n[broadcast] %v\n", payload)
			},
			Logger: zl,
		})
		unsubscribe := manager.Subscribe(func(state conn.State) {
			yellow.Fprintf(os.Stderr, "[%s]\n", state)
		})
		if err := manager.Connect(ctx); err != nil {
			unsubscribe()
			return err
		}
		tr, source = manager, manager
		closeTransport = func() {
			unsubscribe()
			manager.Disconnect()
		}
	}

	st := store.New(tr, store.Options{
		FlushThreshold: cfg.Client.FlushThreshold,
		FlushInterval:  cfg.Client.FlushInterval,
		Connection:     source,
		Logger:         zl,
	})
	r := newRenderer(st)
	unsubscribe := st.Subscribe(r.update)
	defer func() {
		unsubscribe()
		st.Close()
		closeTransport()
	}()

	return repl(ctx, st, r, zl)
}

func repl(ctx context.Context, st *store.Store, r *renderer, zl *zap.Logger) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	cyan := color.New(color.FgCyan)
	for {
		cyan.Print("> ")
		var line string
		select {
		case <-ctx.Done():
			fmt.Println()
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}

		var id string
		var err error
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		case "retry":
			failed := r.lastFailed()
			if failed == "" {
				color.Yellow("nothing to retry")
				continue
			}
			id, err = st.Retry(failed)
		default:
			id, err = st.Send(line)
		}
		if err != nil {
			if errors.Is(err, store.ErrClosed) {
				return err
			}
			color.Red("error: %v", err)
			continue
		}

		if !r.wait(ctx, id) {
			zl.Debug("interrupted while waiting", zap.String("session", id))
			fmt.Println()
			return nil
		}
	}
}

// renderer prints each assistant turn's new text as the store grows it.
type renderer struct {
	store *store.Store
	red   *color.Color

	mu       sync.Mutex
	printed  map[string]int
	finished map[string]chan struct{}
	sealed   map[string]bool
	failed   string
}

func newRenderer(st *store.Store) *renderer {
	return &renderer{
		store:    st,
		red:      color.New(color.FgRed),
		printed:  make(map[string]int),
		finished: make(map[string]chan struct{}),
		sealed:   make(map[string]bool),
	}
}

func (r *renderer) update() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, msg := range r.store.Messages() {
		if msg.Role != chat.RoleAssistant || r.sealed[msg.SessionID] {
			continue
		}
		id := msg.SessionID
		if n := r.printed[id]; len(msg.Content) > n {
			fmt.Print(msg.Content[n:])
			r.printed[id] = len(msg.Content)
		}
		if !msg.State.Terminal() {
			continue
		}

		if msg.State == chat.SessionErrored {
			r.red.Printf("\n[error] %s (type 'retry' to resend)\n", msg.Error)
			r.failed = id
		} else {
			fmt.Println()
		}
		r.sealed[id] = true
		close(r.doneLocked(id))
	}
}

// wait blocks until the session's turn is sealed or ctx ends.
func (r *renderer) wait(ctx context.Context, sessionID string) bool {
	r.mu.Lock()
	done := r.doneLocked(sessionID)
	r.mu.Unlock()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *renderer) lastFailed() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

func (r *renderer) doneLocked(sessionID string) chan struct{} {
	ch, ok := r.finished[sessionID]
	if !ok {
		ch = make(chan struct{})
		r.finished[sessionID] = ch
	}
	return ch
}
