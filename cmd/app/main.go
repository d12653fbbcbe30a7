package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"carbonmarket/config"
	"carbonmarket/listing"
	"carbonmarket/mpin"
	"carbonmarket/notify"
	"carbonmarket/repository"
	"carbonmarket/service"

	"github.com/spf13/cobra"
)

var Version = "dev"

// store is everything the application needs from a storage backend.
type store interface {
	service.Repository
	listing.Repository
	notify.Store
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "carbonmarket",
		Short:         "Carbon credit marketplace API",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogger(cfg config.Config) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)
	return logger
}

// openStore returns the configured backend and a function releasing it.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store, func(), error) {
	if cfg.StoreBackend == config.BackendMemory {
		logger.Warn("using in-memory store, data is lost on exit")
		return repository.NewMemoryRepository(), func() {}, nil
	}
	db, err := config.InitDB(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return repository.NewPostgresRepository(db), func() { _ = db.Close() }, nil
}

type app struct {
	svc      service.Service
	listings listing.Manager
}

// newApp builds the service graph on top of st. notifier receives every
// notification the service and listing manager emit.
func newApp(cfg config.Config, logger *slog.Logger, st store, notifier service.Notifier) (app, error) {
	verifier, err := mpin.NewVerifier(cfg.MPINKey)
	if err != nil {
		return app{}, err
	}
	svc := service.NewService(st, verifier, notifier, service.Settings{
		JWTSecret:     cfg.JWTSecret,
		SignupBalance: cfg.SignupBalance,
		StoreTimeout:  cfg.StoreTimeout,
		Logger:        logger,
	})
	return app{
		svc:      svc,
		listings: listing.NewManager(st, notifier, logger),
	}, nil
}
