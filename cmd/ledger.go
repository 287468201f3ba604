package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// ledgerCmd exposes manual balance adjustments for support staff.
func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect or adjust a user's balance",
	}

	var (
		userFlag string
		currency string
		amount   int64
		key      string
	)
	parseUser := func() (uuid.UUID, error) {
		userID, err := uuid.Parse(userFlag)
		if err != nil {
			return uuid.Nil, fmt.Errorf("--user must be a UUID: %w", err)
		}
		return userID, nil
	}

	balance := &cobra.Command{
		Use:   "balance",
		Short: "Print every balance of a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUser()
			if err != nil {
				return err
			}
			svc, err := buildServices(context.Background(), cfg, logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			balances, err := svc.ledger.ListBalances(cmd.Context(), userID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(balances)
		},
	}

	credit := &cobra.Command{
		Use:   "credit",
		Short: "Credit a balance; --key makes the adjustment idempotent",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUser()
			if err != nil {
				return err
			}
			if key == "" {
				key = "manual-" + uuid.NewString()
			}
			svc, err := buildServices(context.Background(), cfg, logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			b, err := svc.ledger.Credit(cmd.Context(), userID, currency, amount, key)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s balance=%d key=%s\n", userID, b.Currency, b.Amount, key)
			return nil
		},
	}
	credit.Flags().StringVar(&key, "key", "", "idempotency key for the adjustment")

	debit := &cobra.Command{
		Use:   "debit",
		Short: "Debit a balance; fails without changes when funds are short",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUser()
			if err != nil {
				return err
			}
			svc, err := buildServices(context.Background(), cfg, logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			b, err := svc.ledger.Debit(cmd.Context(), userID, currency, amount)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s balance=%d\n", userID, b.Currency, b.Amount)
			return nil
		},
	}

	for _, c := range []*cobra.Command{balance, credit, debit} {
		c.Flags().StringVar(&userFlag, "user", "", "user UUID")
		_ = c.MarkFlagRequired("user")
		cmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{credit, debit} {
		c.Flags().StringVar(&currency, "currency", "USD", "balance currency")
		c.Flags().Int64Var(&amount, "amount", 0, "amount in minor units")
		_ = c.MarkFlagRequired("amount")
	}

	return cmd
}
