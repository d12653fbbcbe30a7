package main

import (
	"context"
	"fmt"

	"carbonmarket/config"
	"carbonmarket/repository"
	"carbonmarket/seed"

	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			logger := setupLogger(cfg)

			db, err := config.InitDB(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := repository.ApplyMigrations(ctx, db)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				logger.Info("schema is up to date")
				return nil
			}
			for _, name := range applied {
				fmt.Fprintln(cmd.OutOrStdout(), "applied", name)
			}
			return nil
		},
	}
}

func seedCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load demo accounts and listings from a YAML fixture file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd, file)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "fixtures.yaml", "fixture file")
	return cmd
}

type discardNotifier struct{}

func (discardNotifier) Enqueue(ctx context.Context, userID, subject, message string) error {
	return nil
}

func runSeed(cmd *cobra.Command, file string) error {
	ctx := cmd.Context()
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg)

	fixtures, err := seed.LoadFile(file)
	if err != nil {
		return err
	}
	if cfg.StoreBackend == config.BackendMemory {
		return fmt.Errorf("seeding needs a persistent store, STORE_BACKEND is %s", cfg.StoreBackend)
	}

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// seeded approvals should not land in anyone's inbox
	a, err := newApp(cfg, logger, st, discardNotifier{})
	if err != nil {
		return err
	}
	res, err := seed.NewSeeder(a.svc, a.listings, st, logger).Apply(ctx, fixtures)
	if err != nil {
		return err
	}
	for email, id := range res.Accounts {
		fmt.Fprintf(cmd.OutOrStdout(), "account %s %s\n", id, email)
	}
	for _, id := range res.Listings {
		fmt.Fprintf(cmd.OutOrStdout(), "listing %s\n", id)
	}
	return nil
}
