package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	wfly "github.com/wfly-im/wfly-go"
)

func init() {
	runCmd.Flags().BoolVar(&runVerbose, "verbose", false, "enable debug logging")
	rootCmd.AddCommand(runCmd)
}

var runVerbose bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the messaging service and stream updates",
	Long: "Open a live session and print conversation, presence and call updates\n" +
		"as they arrive. The session reconnects automatically until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := effectiveConfig()
		if err != nil {
			return err
		}
		if cfg.Server.BaseURL == "" {
			return fmt.Errorf("no server configured; run 'wfly init <base-url>' or set WFLY_BASE_URL")
		}

		level := slog.LevelInfo
		if runVerbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		token := cfg.Auth.Token
		if token == "" {
			client := wfly.NewClient(cfg.Server.BaseURL)
			token, err = client.FetchToken(cmd.Context())
			if err != nil {
				return fmt.Errorf("no token configured and token endpoint failed: %w", err)
			}
		}

		session := wfly.NewSession(cfg.Server.BaseURL, token, nil, wfly.WithLogger(logger))

		session.OnConnectivity(func(state wfly.ConnState) {
			logger.Info("connectivity", "state", string(state))
		})
		session.OnConversationsChanged(func(ids []string) {
			for _, conv := range session.Store().Conversations() {
				fmt.Printf("%-24s %-10s %s\n", conv.PartnerName, conv.Presence, conv.LastMessagePreview)
			}
		})
		session.OnSearchResults(func(users []wfly.UserSummary) {
			for _, u := range users {
				fmt.Printf("found user: %s (%s)\n", u.Username, u.ID)
			}
		})
		session.OnCallState(func(state wfly.CallState, peerID string) {
			logger.Info("call", "state", string(state), "peer_id", peerID)
		})

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		if err := session.Start(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer session.Close()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		fmt.Fprintln(os.Stderr, "shutting down")
		return nil
	},
}
