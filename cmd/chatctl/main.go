package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/chatstream/internal/config"
	"github.com/zhouzirui/z-tavern/chatstream/pkg/logger"
)

var (
	wsURL     string
	serverURL string
	verbose   bool
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "chatctl",
		Short:         "Talk to a chatstream server from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&wsURL, "url", "", "duplex channel URL (default from CHATSTREAM_URL)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "HTTP base URL (default derived from --url)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log connection events to stderr")

	rootCmd.AddCommand(newChatCmd())
	rootCmd.AddCommand(newBroadcastCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads configuration and applies flag overrides.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	if wsURL != "" {
		cfg.Client.URL = wsURL
	}

	level := "error"
	if verbose {
		level = "debug"
	}
	zl, err := logger.New(logger.Options{
		Level:       level,
		File:        cfg.Log.File,
		Development: true,
		Stderr:      true,
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, zl, nil
}

// httpBase turns ws://host/api/ws into http://host unless --server is given.
func httpBase(cfg *config.Config) string {
	if serverURL != "" {
		return strings.TrimRight(serverURL, "/")
	}
	base := strings.TrimSuffix(cfg.Client.URL, "/api/ws")
	switch {
	case strings.HasPrefix(base, "wss://"):
		return "https://" + strings.TrimPrefix(base, "wss://")
	case strings.HasPrefix(base, "ws://"):
		return "http://" + strings.TrimPrefix(base, "ws://")
	}
	return base
}
