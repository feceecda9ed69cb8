package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "runmeter",
	Short: "Usage metering and billing cycle engine for agent runs",
	Long: `RunMeter meters agent run usage and manages billing cycles.

It accepts usage events (model tokens, tool calls, knowledge base
accesses) keyed by run identifier, prices them into credits, enforces
per-period quotas with optional overage, and renews billing periods.

Quick start:
  runmeter plans seed   # Seed the default plan set
  runmeter serve        # Start the metering server

Management:
  runmeter accounts     # Manage accounts
  runmeter plans        # Manage plans
  runmeter sweep        # Run one renewal sweep
  runmeter validate     # Validate configuration`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "runmeter.yaml", "config file path")
}
