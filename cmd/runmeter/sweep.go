package main

import (
	"context"
	"fmt"

	"github.com/artpar/runmeter/adapters/clock"
	"github.com/artpar/runmeter/adapters/idgen"
	"github.com/artpar/runmeter/adapters/payment"
	"github.com/artpar/runmeter/adapters/sqlite"
	"github.com/artpar/runmeter/app"
	"github.com/artpar/runmeter/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one billing renewal sweep",
	Long: `Run a single renewal sweep and exit.

Expired active periods are closed and renewed, overage is invoiced,
and failed invoices from earlier periods are retried. The running
server performs the same sweep continuously; this command exists for
cron-style deployments and for recovering after downtime.`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	provider, err := payment.NewProvider(payment.Config{
		Provider:      cfg.Payment.Provider,
		SecretKey:     cfg.Payment.SecretKey,
		WebhookSecret: cfg.Payment.WebhookSecret,
	})
	if err != nil {
		return fmt.Errorf("failed to create payment provider: %w", err)
	}

	logger := zerolog.New(cmd.OutOrStderr()).With().Timestamp().Logger()
	realClock := clock.Real{}

	periods := sqlite.NewPeriodStore(db)
	lifecycle := app.NewLifecycle(app.LifecycleDeps{
		Accounts: sqlite.NewAccountStore(db),
		Plans:    sqlite.NewPlanStore(db),
		Periods:  periods,
		Invoices: sqlite.NewInvoiceStore(db),
		Tx:       sqlite.NewLifecycleTx(db),
		Payment:  provider,
		Clock:    realClock,
		IDGen:    idgen.UUID{},
		Logger:   logger,
	})

	sweeper := app.NewSweeper(lifecycle, periods, realClock, logger, app.SweeperConfig{
		Workers:   cfg.Sweep.Workers,
		BatchSize: cfg.Sweep.BatchSize,
	})

	sweeper.SweepOnce(context.Background())
	fmt.Printf("%s Sweep complete\n", checkMark)
	return nil
}
