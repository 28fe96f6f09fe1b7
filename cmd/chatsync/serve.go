package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gopherai-chatsync/internal/bootstrap"
	httptransport "gopherai-chatsync/internal/transport/http"
)

var withRelay bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run one chat session",
	Long: `Run one chat session: connect to the broker, keep the message log in sync
and expose it over HTTP and websocket until interrupted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&withRelay, "relay", false, "also run the broadcast relay in this process")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("close chat session failed", zap.Error(err))
		}
	}()

	if withRelay {
		relay, err := bootstrap.NewRelay(ctx, cfg, logger)
		switch {
		case errors.Is(err, bootstrap.ErrRelayNotNeeded):
			logger.Info("relay skipped", zap.Error(err))
		case err != nil:
			return err
		default:
			defer func() {
				if err := relay.Close(); err != nil {
					logger.Warn("close relay failed", zap.Error(err))
				}
			}()
		}
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           httptransport.NewRouter(app),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return waitForShutdown(server)
	})
	return g.Wait()
}

func waitForShutdown(server *http.Server) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
