package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cychipo/examio-be-sub003/internal/store/postgres"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Mark expired UNPAID payments as OVERDUE and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

		databaseURL := os.Getenv("EXAMIO_DATABASE_URL")
		if databaseURL == "" {
			return fmt.Errorf("EXAMIO_DATABASE_URL is required")
		}

		store, err := postgres.New(databaseURL)
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := store.MarkOverduePayments(cmd.Context(), time.Now().UTC())
		if err != nil {
			return err
		}
		logger.Info("sweep complete", "overdue", n)
		return nil
	},
}
