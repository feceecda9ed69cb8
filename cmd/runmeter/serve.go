package main

import (
	"fmt"
	"os"

	"github.com/artpar/runmeter/bootstrap"
	"github.com/artpar/runmeter/config"
	"github.com/spf13/cobra"
)

var (
	hotReload bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the metering server",
	Long: `Start the RunMeter server.

The server will:
  - Load configuration from runmeter.yaml (or --config)
  - Or load configuration from RUNMETER_* environment variables
  - Connect to the database and run migrations
  - Serve the metering API and payment webhooks
  - Run the billing renewal sweep in the background

Environment variables (for Docker deployments):
  RUNMETER_DATABASE_DSN     - Database path (default: runmeter.db)
  RUNMETER_SERVER_PORT      - Server port (default: 8080)
  RUNMETER_PAYMENT_PROVIDER - Payment provider: none, dummy, stripe
  RUNMETER_LOG_LEVEL        - Log level: debug, info, warn, error

Examples:
  runmeter serve
  runmeter serve --config /etc/runmeter/config.yaml
  runmeter serve --hot-reload=false`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&hotReload, "hot-reload", true, "enable hot reload of configuration")
}

func runServe(cmd *cobra.Command, args []string) error {
	hasConfigFile := false
	if _, err := os.Stat(cfgFile); err == nil {
		hasConfigFile = true
	}

	// Create application
	var app *bootstrap.App
	var err error

	if hasConfigFile && hotReload {
		// Hot reload only works with config file
		app, err = bootstrap.NewWithHotReload(cfgFile)
	} else {
		// Load config (file with env overrides, or env-only)
		cfg, loadErr := config.LoadWithFallback(cfgFile)
		if loadErr != nil {
			return fmt.Errorf("error loading config: %w", loadErr)
		}

		if !hasConfigFile {
			fmt.Println("Running with environment variables (no config file)")
		}

		app, err = bootstrap.New(cfg)
	}

	if err != nil {
		return fmt.Errorf("error initializing: %w", err)
	}

	// Run (blocks until shutdown)
	return app.Run()
}
