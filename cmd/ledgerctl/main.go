// Package main is ledgerctl, an operator CLI for inspecting and granting
// entitlements without going through the payment webhook.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/citation-checker/internal/config"
	"github.com/citation-checker/internal/entitlement"
	"github.com/citation-checker/internal/logging"
	"github.com/citation-checker/internal/storage"
)

// ledgerOpener connects to the configured ledger backend
type ledgerOpener func(ctx context.Context) (entitlement.Ledger, func(), error)

func main() {
	if err := newRootCmd(openConfiguredLedger).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(open ledgerOpener) *cobra.Command {
	root := &cobra.Command{
		Use:   "ledgerctl",
		Short: "Inspect and adjust citation entitlements",
		Long: `ledgerctl reads balances and grants credits or passes directly against the
entitlement ledger selected by LEDGER_BACKEND. Grants are idempotent on
--order-ref, the same as purchase webhooks.`,
		SilenceUsage: true,
	}

	root.AddCommand(newBalanceCmd(open))
	root.AddCommand(newGrantCreditsCmd(open))
	root.AddCommand(newGrantPassCmd(open))
	return root
}

func openConfiguredLedger(ctx context.Context) (entitlement.Ledger, func(), error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.FormatText)

	switch cfg.Ledger.Backend {
	case "postgres":
		pg, err := storage.NewPostgresDB(ctx, &cfg.Database.Postgres)
		if err != nil {
			return nil, nil, err
		}
		return entitlement.NewPostgresLedger(pg.Pool(), cfg.Ledger.FreeCitationLimit, cfg.Ledger.PassDailyLimit), pg.Close, nil
	default:
		rs, err := storage.NewRedisStore(ctx, &cfg.Database.Redis)
		if err != nil {
			return nil, nil, err
		}
		ledger, err := entitlement.NewRedisLedger(&entitlement.RedisLedgerConfig{
			Redis:             rs.Client(),
			FreeCitationLimit: cfg.Ledger.FreeCitationLimit,
			PassDailyLimit:    cfg.Ledger.PassDailyLimit,
		})
		if err != nil {
			_ = rs.Close()
			return nil, nil, err
		}
		return ledger, func() { _ = rs.Close() }, nil
	}
}
