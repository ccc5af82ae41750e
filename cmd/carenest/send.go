package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	carenest "github.com/carenest/realtime-go"
)

var (
	sendFiles   []string
	sendReplyTo string
	sendTimeout time.Duration
)

func init() {
	sendCmd.Flags().StringArrayVar(&sendFiles, "file", nil, "attach a file (repeatable)")
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "id of the message being replied to")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 30*time.Second, "how long to wait for the connection and the server ack")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Send a message and wait until the server acknowledges it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		log := setupLogger(cfg)

		var files []carenest.FileInput
		for _, path := range sendFiles {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read file: %w", err)
			}
			files = append(files, carenest.FileInput{Name: filepath.Base(path), Data: data})
			fmt.Printf("Attaching %s (%s)\n", filepath.Base(path), humanize.Bytes(uint64(len(data))))
		}

		session, err := newSession(cfg, log, sessionDeps{})
		if err != nil {
			return err
		}
		defer session.Close()

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		if err := waitConnected(ctx, session); err != nil {
			return err
		}

		conversationID := args[0]
		done := make(chan *carenest.Message, 1)
		var sentID atomic.Value
		session.Messages().OnChange(func(conv string) {
			id, _ := sentID.Load().(string)
			if conv != conversationID || id == "" {
				return
			}
			if m, ok := session.Messages().Message(conv, id); ok && m.Status != carenest.StatusSending {
				select {
				case done <- m:
				default:
				}
			}
		})

		msg, err := session.SendMessage(ctx, conversationID, args[1], files, sendReplyTo)
		if err != nil {
			return err
		}
		sentID.Store(msg.ID)
		if m, ok := session.Messages().Message(conversationID, msg.ID); ok && m.Status != carenest.StatusSending {
			select {
			case done <- m:
			default:
			}
		}
		fmt.Printf("Message %s %s\n", msg.ID, msg.Status)

		select {
		case m := <-done:
			for _, a := range m.Attachments {
				if a.Error != "" {
					fmt.Printf("  attachment %s failed: %s\n", a.Name, a.Error)
				} else {
					fmt.Printf("  attachment %s: %s\n", a.Name, a.URL)
				}
			}
			fmt.Printf("Message %s %s\n", m.ID, m.Status)
			if m.Status == carenest.StatusFailed {
				return fmt.Errorf("message failed")
			}
			return nil
		case <-ctx.Done():
			return fmt.Errorf("no acknowledgement within %s", sendTimeout)
		}
	},
}

// waitConnected starts the session and blocks until the connection is up.
func waitConnected(ctx context.Context, s *carenest.Session) error {
	connected := make(chan struct{})
	var once bool
	s.Connection().OnStateChange(func(c carenest.StateChange) {
		if c.To == carenest.StateConnected && !once {
			once = true
			close(connected)
		}
	})
	if err := s.Start(ctx); err != nil {
		return err
	}
	select {
	case <-connected:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("connection not established: state %s", s.Connection().State())
	}
}
