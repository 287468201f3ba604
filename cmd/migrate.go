package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/store"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the embedded database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDatabase(); err != nil {
				return err
			}
			if err := store.MigrateUp(cfg.DatabaseURL); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDatabase(); err != nil {
				return err
			}
			if err := store.MigrateDown(cfg.DatabaseURL, steps); err != nil {
				return err
			}
			logger.Info("migrations rolled back", zap.Int("steps", steps))
			return nil
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	cmd.AddCommand(down)

	return cmd
}

func requireDatabase() error {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}
