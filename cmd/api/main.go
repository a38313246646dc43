package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/chatstream/internal/config"
	"github.com/zhouzirui/z-tavern/chatstream/internal/handler"
	"github.com/zhouzirui/z-tavern/chatstream/internal/service/ai"
	"github.com/zhouzirui/z-tavern/chatstream/internal/service/broadcast"
	"github.com/zhouzirui/z-tavern/chatstream/internal/service/gateway"
	"github.com/zhouzirui/z-tavern/chatstream/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	zl, err := logger.New(logger.Options{
		Level:       cfg.Log.Level,
		File:        cfg.Log.File,
		Development: cfg.Log.Development,
	})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zl.Sync()

	agent := newAgent(ctx, cfg.AI, zl)

	gwOpts := gateway.Options{
		IdleTimeout:   cfg.Gateway.IdleTimeout,
		SweepInterval: cfg.Gateway.SweepInterval,
		SessionTTL:    cfg.Gateway.SessionTTL,
		Logger:        zl,
	}
	if cfg.Redis.Enabled() {
		relay := broadcast.NewRedisRelay(cfg.Redis, zl)
		defer relay.Close()
		if err := relay.Ping(ctx); err != nil {
			zl.Warn("redis unreachable, broadcasts stay local until it recovers", zap.Error(err))
		}
		gwOpts.Relay = relay
	}

	gw := gateway.New(agent, gwOpts)
	go gw.Run(ctx)

	router := handler.NewRouter(agent, gw, zl)
	startServer(ctx, cfg.Server, router, zl)
}

// newAgent returns nil when the backend is not configured or cannot be built;
// the server still starts and reports the agent as unavailable.
func newAgent(ctx context.Context, cfg config.AIConfig, zl *zap.Logger) ai.Agent {
	if !cfg.Enabled() {
		zl.Warn("Ark 凭证未配置，跳过 AI 功能初始化")
		return nil
	}

	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		zl.Error("failed to create chat model", zap.Error(err))
		return nil
	}

	orchestrator, err := ai.NewOrchestrator(ctx, chatModel, ai.Options{
		SystemPrompt: cfg.SystemPrompt,
		HistoryLimit: cfg.HistoryLimit,
		StreamBuffer: cfg.StreamBuffer,
		Logger:       zl,
	})
	if err != nil {
		zl.Error("failed to initialize orchestrator", zap.Error(err))
		return nil
	}

	zl.Info("AI service initialized", zap.String("model", cfg.Model))
	return orchestrator
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, zl *zap.Logger) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	zl.Info("chatstream listening", zap.String("addr", addr))
	if err := runServer(ctx, srv); err != nil {
		zl.Fatal("server error", zap.Error(err))
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
