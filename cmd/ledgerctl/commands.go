package main

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/citation-checker/internal/entitlement"
	"github.com/citation-checker/internal/models"
	"github.com/citation-checker/internal/types"
)

func newBalanceCmd(open ledgerOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <account-token>",
		Short: "Print an account's credits, pass and daily usage as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, closeFn, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			bal, err := ledger.GetBalance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(bal)
		},
	}
}

func newGrantCreditsCmd(open ledgerOpener) *cobra.Command {
	var orderRef string
	cmd := &cobra.Command{
		Use:   "grant-credits <account-token> <amount>",
		Short: "Add credits to an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var amount int
			if _, err := fmt.Sscanf(args[1], "%d", &amount); err != nil || amount <= 0 {
				return fmt.Errorf("amount must be a positive integer, got %q", args[1])
			}
			return grant(cmd, open, &models.PurchaseEvent{
				OrderRef:     orderRefOrNew(orderRef),
				AccountToken: args[0],
				Kind:         models.PurchaseCredits,
				Credits:      amount,
			})
		},
	}
	cmd.Flags().StringVar(&orderRef, "order-ref", "", "idempotency key (default: a new manual-<uuid>)")
	return cmd
}

func newGrantPassCmd(open ledgerOpener) *cobra.Command {
	var orderRef string
	cmd := &cobra.Command{
		Use:   "grant-pass <account-token> <1day|7day|30day>",
		Short: "Grant or extend a time-boxed pass",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := types.PassKind(args[1])
			if _, err := entitlement.PassDuration(kind); err != nil {
				return err
			}
			return grant(cmd, open, &models.PurchaseEvent{
				OrderRef:     orderRefOrNew(orderRef),
				AccountToken: args[0],
				Kind:         models.PurchasePass,
				PassKind:     kind,
			})
		},
	}
	cmd.Flags().StringVar(&orderRef, "order-ref", "", "idempotency key (default: a new manual-<uuid>)")
	return cmd
}

func grant(cmd *cobra.Command, open ledgerOpener, ev *models.PurchaseEvent) error {
	ledger, closeFn, err := open(cmd.Context())
	if err != nil {
		return err
	}
	defer closeFn()

	applied, err := entitlement.Apply(cmd.Context(), ledger, ev)
	if err != nil {
		return err
	}
	if !applied {
		fmt.Fprintf(cmd.OutOrStdout(), "order %s already applied, nothing changed\n", ev.OrderRef)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "applied order %s to %s\n", ev.OrderRef, ev.AccountToken)
	return nil
}

func orderRefOrNew(ref string) string {
	if ref != "" {
		return ref
	}
	return "manual-" + uuid.New().String()
}
