package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"
)

func tailCmd() *cobra.Command {
	var wsURL string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow live security alerts from a running dashboard endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTail(wsURL)
		},
	}
	cmd.Flags().StringVar(&wsURL, "url", "ws://localhost:4319/ws/traces", "dashboard WebSocket URL")
	return cmd
}

func runTail(wsURL string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	conn.SetReadLimit(1 << 20)

	fmt.Printf("connected to %s\n", wsURL)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		var msg struct {
			Type string            `json:"type"`
			Data map[string]string `json:"data"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "ping":
			// Server keepalive; answer so the connection stays up.
			pong, _ := json.Marshal(map[string]string{"type": "pong"})
			if err := conn.Write(ctx, websocket.MessageText, pong); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		case "alert":
			printAlert(msg.Data)
		}
	}
}

func printAlert(fields map[string]string) {
	ts := fields["created_at"]
	if secs, ok := parseUnix(ts); ok {
		ts = secs.Format(time.RFC3339)
	}
	fmt.Printf("[%s] %-8s %-20s project=%s trace=%s %s\n",
		ts,
		fields["severity"],
		fields["rule"],
		fields["project_id"],
		fields["trace_id"],
		fields["description"],
	)
}

func parseUnix(s string) (time.Time, bool) {
	var secs int64
	if _, err := fmt.Sscanf(s, "%d", &secs); err != nil || secs == 0 {
		return time.Time{}, false
	}
	return time.Unix(secs, 0), true
}
