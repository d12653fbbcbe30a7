package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"carbonmarket/config"
	"carbonmarket/handlers"
	"carbonmarket/notify"
	"carbonmarket/repository"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

func serveCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply pending migrations before serving")
	return cmd
}

func runServe(ctx context.Context, migrate bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg)

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if migrate {
		if pg, ok := st.(repository.PostgresRepository); ok {
			applied, err := pg.Migrate(ctx)
			if err != nil {
				return err
			}
			logger.Info("migrations applied", "count", len(applied), "files", applied)
		}
	}

	var pub notify.Publisher
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("carbonmarket"))
		if err != nil {
			return err
		}
		defer nc.Close()
		pub = nc
		logger.Info("publishing notifications to nats", "url", nc.ConnectedUrl())
	}

	emitter := notify.NewEmitter(st, pub, logger, cfg.NotificationQueueSize)
	emitter.Start()
	defer emitter.Close()

	a, err := newApp(cfg, logger, st, emitter)
	if err != nil {
		return err
	}
	h := handlers.NewHandler(a.svc, a.listings, cfg.JWTSecret, logger)

	srv := http.Server{
		Handler:      handlers.NewRouter(h),
		Addr:         ":" + cfg.ServerPort,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.ServerPort, "store", cfg.StoreBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-stop:
	}
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
		return err
	}
	logger.Info("server exited")
	return nil
}
