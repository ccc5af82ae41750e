package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	carenest "github.com/carenest/realtime-go"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and offline queue depth",
	Long:  "Display the current configuration, the pending offline queue entries, and live notification counts when a token is set.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		log := setupLogger(cfg)

		fmt.Println("Configuration:")
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		if cfg.Default.BaseURL != "" {
			fmt.Printf("  Base URL:    %s\n", cfg.Default.BaseURL)
		}
		if cfg.Default.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Default.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}

		fmt.Println()
		fmt.Println("Identity:")
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Identity.UserID, "(not set)"))
		fmt.Printf("  Name:        %s\n", valueOrDefault(cfg.Identity.Name, "(not set)"))
		fmt.Printf("  Role:        %s\n", valueOrDefault(string(cfg.Identity.Role), "(not set)"))
		if cfg.Storage.Endpoint != "" {
			fmt.Printf("  Storage:     minio %s/%s\n", cfg.Storage.Endpoint, cfg.Storage.Bucket)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Println()
		fmt.Println("Offline queue:")
		q, err := openQueue(cfg)
		if err != nil {
			fmt.Printf("  Error opening queue: %v\n", err)
		} else {
			defer q.Close()
			counts, err := q.Count(ctx)
			if err != nil {
				fmt.Printf("  Error reading queue: %v\n", err)
			}
			for _, c := range carenest.Categories {
				fmt.Printf("  %-11s %s\n", string(c)+":", humanize.Comma(int64(counts[c])))
			}
		}

		if cfg.Default.Token == "" {
			return nil
		}
		client, err := newClient(cfg, log)
		if err != nil {
			return err
		}
		fmt.Println()
		fmt.Println("Live status:")
		list, err := client.Notifications.Fetch(ctx)
		if err != nil {
			fmt.Printf("  Error fetching notifications: %v\n", err)
			return nil
		}
		unread := 0
		var newest time.Time
		for _, n := range list {
			if !n.IsRead {
				unread++
			}
			if n.Timestamp.After(newest) {
				newest = n.Timestamp
			}
		}
		fmt.Printf("  Notifications: %s (%s unread)\n", humanize.Comma(int64(len(list))), humanize.Comma(int64(unread)))
		if !newest.IsZero() {
			fmt.Printf("  Latest:        %s\n", humanize.Time(newest))
		}
		return nil
	},
}
