package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

func newWatchCmd() *cobra.Command {
	var (
		subscription string
		raw          bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Tail the live change stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, err := wsURL(server)
			if err != nil {
				return err
			}
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", url, err)
			}
			defer conn.Close()

			if subscription != "" {
				msg := map[string]string{"type": "subscribe", "subscription": subscription}
				if err := conn.WriteJSON(msg); err != nil {
					return fmt.Errorf("failed to subscribe: %w", err)
				}
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")) //nolint:errcheck
				conn.Close()
			}()

			return tail(conn, cmd.OutOrStdout(), raw)
		},
	}
	cmd.Flags().StringVar(&subscription, "subscription", "", "Subscription name to announce to the server")
	cmd.Flags().BoolVar(&raw, "raw", false, "Print messages as raw JSON")
	return cmd
}

// messageReader is the part of *websocket.Conn tail reads from.
type messageReader interface {
	ReadMessage() (int, []byte, error)
}

type streamMessage struct {
	Type       string `json:"type"`
	Operation  string `json:"operation"`
	Domain     string `json:"domain"`
	DocumentID string `json:"documentId"`
	ClientID   string `json:"clientId"`
	Message    string `json:"message"`
	Timestamp  string `json:"timestamp"`
}

// tail prints every message until the connection closes.
func tail(conn messageReader, w io.Writer, raw bool) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("connection closed: %w", err)
		}
		if raw {
			fmt.Fprintln(w, string(data))
			continue
		}
		fmt.Fprintln(w, formatMessage(data))
	}
}

func formatMessage(data []byte) string {
	var m streamMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return string(data)
	}
	switch m.Type {
	case "connection":
		return fmt.Sprintf("%s  connected as %s", m.Timestamp, m.ClientID)
	case "error":
		return fmt.Sprintf("%s  error: %s", m.Timestamp, m.Message)
	case "user_change", "services_change", "application_change":
		return fmt.Sprintf("%s  %-11s %-7s %s", m.Timestamp, m.Domain, m.Operation, m.DocumentID)
	}
	return fmt.Sprintf("%s  %s", m.Timestamp, m.Type)
}
