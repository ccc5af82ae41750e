package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	carenest "github.com/carenest/realtime-go"
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueReplayCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and drain the offline queue",
}

func newOffline(q carenest.OfflineQueue, client *carenest.Client, online bool, log *slog.Logger) *carenest.OfflineManager {
	return carenest.NewOfflineManager(q, client, &carenest.OfflineOptions{Online: online, Logger: log})
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending entries, oldest first per category",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		setupLogger(cfg)

		q, err := openQueue(cfg)
		if err != nil {
			return err
		}
		defer q.Close()

		ctx := context.Background()
		total := 0
		for _, c := range carenest.Categories {
			entries, err := q.Pending(ctx, c)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				continue
			}
			fmt.Printf("%s (%d)\n", c, len(entries))
			for _, e := range entries {
				fmt.Printf("  %s  %-6s %-40s %8s  %s\n",
					e.ID, e.Method, e.Endpoint, humanize.Bytes(uint64(len(e.Payload))), humanize.Time(e.CreatedAt))
			}
			total += len(entries)
		}
		if total == 0 {
			fmt.Println("Queue is empty.")
		}
		return nil
	},
}

var queueReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Resubmit every pending entry",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		log := setupLogger(cfg)

		q, err := openQueue(cfg)
		if err != nil {
			return err
		}
		defer q.Close()

		client, err := newClient(cfg, log)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		sum, ran := newOffline(q, client, true, log).Replayer().Replay(ctx)
		if !ran {
			return fmt.Errorf("a replay is already running")
		}
		fmt.Printf("Replayed %d, failed %d\n", sum.Replayed, sum.Failed)
		for _, e := range sum.Errors {
			fmt.Printf("  %v\n", e)
		}
		if sum.Failed > 0 {
			return fmt.Errorf("%d entries remain queued", sum.Failed)
		}
		return nil
	},
}
