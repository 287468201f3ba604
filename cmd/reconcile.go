package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func reconcileCmd() *cobra.Command {
	var (
		expireOrders bool
		refreshRates bool
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one payment poll sweep and exit",
		Long: `Verifies every open payment older than POLL_MIN_AGE_SECONDS with its provider,
crediting completed ones and failing those past their attempt budget.

Examples:
  numbers-service reconcile
  numbers-service reconcile --expire-orders --refresh-rates`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := buildServices(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			if refreshRates {
				if err := svc.rates.Refresh(ctx); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "rate refresh failed, fallback table in use: %v\n", err)
				}
			}

			summary, err := svc.reconciler.PollPending(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checked=%d completed=%d failed=%d exhausted=%d pending=%d errors=%d\n",
				summary.Checked, summary.Completed, summary.Failed, summary.Exhausted, summary.Pending, summary.Errors)

			if expireOrders {
				n, err := svc.orders.ExpireOverdue(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "expired_orders=%d\n", n)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&expireOrders, "expire-orders", false, "also expire overdue orders")
	cmd.Flags().BoolVar(&refreshRates, "refresh-rates", false, "refresh exchange rates before polling")
	return cmd
}
