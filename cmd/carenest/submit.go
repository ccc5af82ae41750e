package main

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

var (
	submitMethod  string
	submitOffline bool
)

func init() {
	submitCmd.Flags().StringVarP(&submitMethod, "method", "X", "POST", "HTTP method")
	submitCmd.Flags().BoolVar(&submitOffline, "offline", false, "queue without trying the network")
	rootCmd.AddCommand(submitCmd)
}

var submitCmd = &cobra.Command{
	Use:   "submit <endpoint> <json>",
	Short: "Submit a form, queueing it durably if the platform is unreachable",
	Long:  "Submit a JSON payload to an endpoint. Failed or offline submissions are stored in the durable queue and sent by 'carenest queue replay'.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		log := setupLogger(cfg)

		var payload json.RawMessage
		if err := json.Unmarshal([]byte(args[1]), &payload); err != nil {
			return fmt.Errorf("payload is not valid JSON: %w", err)
		}

		q, err := openQueue(cfg)
		if err != nil {
			return err
		}
		defer q.Close()

		client, err := newClient(cfg, log)
		if err != nil {
			return err
		}
		offline := newOffline(q, client, !submitOffline, log)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		res, err := offline.SubmitForm(ctx, args[0], submitMethod, payload)
		if err != nil {
			return err
		}
		if res.Queued {
			fmt.Printf("Queued as %s\n", res.EntryID)
		} else {
			fmt.Println("Submitted")
		}
		return nil
	},
}
