package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"gopherai-chatsync/internal/bootstrap"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Forward published turns to the shared topic",
	RunE:  runRelay,
}

func runRelay(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	relay, err := bootstrap.NewRelay(ctx, cfg, logger)
	if err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("relay shutting down")
	return relay.Close()
}
