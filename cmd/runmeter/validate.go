package main

import (
	"fmt"
	"os"

	"github.com/artpar/runmeter/config"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long: `Validate the configuration file and report the effective settings.

Examples:
  runmeter validate
  runmeter validate --config /etc/runmeter/config.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Printf("%s Configuration invalid: %v\n", crossMark, err)
		os.Exit(1)
	}

	table := cfg.Table()

	fmt.Printf("%s Configuration valid\n", checkMark)
	fmt.Printf("  Server:           %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  Database:         %s\n", cfg.Database.DSN)
	fmt.Printf("  Payment provider: %s\n", cfg.Payment.Provider)
	fmt.Printf("  Priced models:    %d\n", len(table.Models))
	fmt.Printf("  Credits per USD:  %.0f\n", table.CreditsPerUSD)
	fmt.Printf("  Markup:           %.0f%%\n", table.MarkupPct*100)
	fmt.Printf("  Sweep interval:   %s\n", cfg.Sweep.Interval)

	return nil
}
