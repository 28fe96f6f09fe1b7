package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gopherai-chatsync/internal/config"
	"gopherai-chatsync/internal/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Real-time shared AI chat",
	Long: `chatsync keeps a shared AI chat in sync across every open session.

Available subcommands:
  serve - run one chat session with its HTTP and websocket surface
  relay - forward published turns from the publish destination to the topic`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the TOML config file (default $CONFIG_FILE or configs/config.toml)")
	rootCmd.AddCommand(serveCmd, relayCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadRuntime reads .env when present, then config, then builds the logger.
func loadRuntime() (*config.Config, *zap.Logger, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("load .env failed: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config failed: %w", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
