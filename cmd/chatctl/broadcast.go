package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newBroadcastCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "broadcast <json-object>",
		Short:   "Send a message to every connected client",
		Example: `  chatctl broadcast '{"notice":"maintenance at 22:00"}'`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, zl, err := setup()
			if err != nil {
				return err
			}
			defer zl.Sync()

			var payload map[string]any
			if err := json.Unmarshal([]byte(args[0]), &payload); err != nil {
				return fmt.Errorf("broadcast body must be a JSON object: %w", err)
			}
			return postBroadcast(httpBase(cfg), payload)
		},
	}
}

func postBroadcast(base string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(base+"/api/broadcast", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post broadcast: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("broadcast rejected (%d): %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
	color.Green("broadcast accepted")
	return nil
}
