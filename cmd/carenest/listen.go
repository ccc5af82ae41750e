package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	carenest "github.com/carenest/realtime-go"
)

var (
	listenMetricsAddr string
	listenPushAddr    string
)

func init() {
	listenCmd.Flags().StringVar(&listenMetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	listenCmd.Flags().StringVar(&listenPushAddr, "push-addr", "", "receive signed notification pushes on this address instead of the event stream")
	rootCmd.AddCommand(listenCmd)
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Open a session and print live events",
	Long:  "Connect to the platform and print connection state changes, messages, typing indicators and notifications until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		log := setupLogger(cfg)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		metrics := carenest.NewMetrics(reg)
		var servers []*http.Server

		q, err := openQueue(cfg)
		if err != nil {
			return err
		}
		defer q.Close()
		deps := sessionDeps{queue: q, metrics: metrics}

		pushAddr := valueOrDefault(listenPushAddr, cfg.Push.Addr)
		if pushAddr != "" {
			rx, err := carenest.NewPushReceiver(cfg.Push.Secret, log)
			if err != nil {
				return err
			}
			deps.stream = rx
			mux := http.NewServeMux()
			mux.Handle("/push", rx.HTTPHandler())
			servers = append(servers, &http.Server{Addr: pushAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second})
		}
		if listenMetricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			servers = append(servers, &http.Server{Addr: listenMetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second})
		}

		session, err := newSession(cfg, log, deps)
		if err != nil {
			return err
		}
		defer session.Close()

		for _, srv := range servers {
			srv := srv
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http_server_failed", "addr", srv.Addr, "error", err)
				}
			}()
			defer srv.Close()
		}

		printEvents(session)
		if err := session.Start(ctx); err != nil {
			return err
		}
		fmt.Println("Listening. Press Ctrl+C to stop.")
		<-ctx.Done()
		return nil
	},
}

func printEvents(s *carenest.Session) {
	s.Connection().OnStateChange(func(c carenest.StateChange) {
		switch {
		case c.To == carenest.StateReconnecting:
			fmt.Printf("[conn] %s (attempt %d in %s)\n", c.To, c.Attempt, c.Delay)
		case c.Err != nil:
			fmt.Printf("[conn] %s: %v\n", c.To, c.Err)
		default:
			fmt.Printf("[conn] %s\n", c.To)
		}
	})
	s.Messages().OnChange(func(conversationID string) {
		msgs := s.Messages().Messages(conversationID)
		if len(msgs) == 0 {
			return
		}
		m := msgs[len(msgs)-1]
		fmt.Printf("[msg] %s %s <%s> %s\n", conversationID, m.Status, m.SenderID, m.Content)
	})
	s.Presence().OnChange(func(conversationID string) {
		if conversationID == "" {
			return
		}
		if users := s.Presence().TypingUsers(conversationID); len(users) > 0 {
			fmt.Printf("[typing] %s %v\n", conversationID, users)
		}
	})
	s.Notifications().OnChange(func() {
		fmt.Printf("[notifications] %d unread, %d toasts\n", s.Notifications().UnreadCount(), len(s.Notifications().Toasts()))
	})
	s.Notifications().OnWarning(func(err error) {
		fmt.Printf("[warn] %v\n", err)
	})
}
