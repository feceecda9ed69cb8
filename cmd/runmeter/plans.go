package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/artpar/runmeter/adapters/sqlite"
	"github.com/artpar/runmeter/config"
	"github.com/artpar/runmeter/ports"
	"github.com/spf13/cobra"
)

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "Manage subscription plans",
	Long: `Manage subscription plans.

Plans define the monthly credit quota, overage policy and pricing.

Examples:
  runmeter plans list
  runmeter plans get <plan-id>
  runmeter plans seed`,
}

var plansListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all plans",
	RunE:  runPlansList,
}

var plansGetCmd = &cobra.Command{
	Use:   "get <plan-id>",
	Short: "Get plan details",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlansGet,
}

var plansSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the default plan set",
	Long: `Seed the database with a starter plan set.

Creates "free" (no overage) and "pro" (overage up to $50/month)
plans. Existing plans with the same IDs are replaced.`,
	RunE: runPlansSeed,
}

func init() {
	rootCmd.AddCommand(plansCmd)

	plansCmd.AddCommand(plansListCmd)
	plansCmd.AddCommand(plansGetCmd)
	plansCmd.AddCommand(plansSeedCmd)
}

func runPlansList(cmd *cobra.Command, args []string) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	planStore := sqlite.NewPlanStore(db)
	plans, err := planStore.List(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list plans: %w", err)
	}

	if len(plans) == 0 {
		fmt.Println("No plans found.")
		fmt.Println()
		fmt.Println("Seed the starter set with: runmeter plans seed")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tQUOTA (CREDITS)\tPRICE\tOVERAGE\tROLLOVER\tDEFAULT")
	fmt.Fprintln(w, "--\t----\t---------------\t-----\t-------\t--------\t-------")

	for _, p := range plans {
		price := fmt.Sprintf("$%.2f", p.PriceMonthlyUSD)
		if p.PriceMonthlyUSD == 0 {
			price = "free"
		}
		overage := "no"
		if p.AllowsOverage {
			overage = fmt.Sprintf("$%.4f/credit", p.OverageRateUSD)
		}
		rollover := "no"
		if p.AllowsRollover {
			rollover = "yes"
		}
		isDefault := ""
		if p.IsDefault {
			isDefault = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%.0f\t%s\t%s\t%s\t%s\n",
			p.ID, p.Name, p.MonthlyQuotaCredits, price, overage, rollover, isDefault)
	}

	w.Flush()
	return nil
}

func runPlansGet(cmd *cobra.Command, args []string) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	planStore := sqlite.NewPlanStore(db)
	p, err := planStore.Get(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("plan not found: %s", args[0])
	}

	fmt.Printf("ID:               %s\n", p.ID)
	fmt.Printf("Name:             %s\n", p.Name)
	if p.Description != "" {
		fmt.Printf("Description:      %s\n", p.Description)
	}
	fmt.Printf("Monthly Quota:    %.0f credits\n", p.MonthlyQuotaCredits)
	if p.MaxRunsPerDay > 0 {
		fmt.Printf("Max Runs/Day:     %d\n", p.MaxRunsPerDay)
	}
	fmt.Printf("Monthly Price:    $%.2f\n", p.PriceMonthlyUSD)
	if p.AllowsOverage {
		fmt.Printf("Overage Rate:     $%.4f/credit\n", p.OverageRateUSD)
		fmt.Printf("Overage Limit:    $%.2f (default)\n", p.DefaultOverageLimitUSD)
	} else {
		fmt.Printf("Overage:          not allowed\n")
	}
	fmt.Printf("Rollover:         %v\n", p.AllowsRollover)
	if p.TrialDays > 0 {
		fmt.Printf("Trial:            %d days\n", p.TrialDays)
	}
	fmt.Printf("Default:          %v\n", p.IsDefault)
	fmt.Printf("Active:           %v\n", p.Active)
	fmt.Printf("Created:          %s\n", p.CreatedAt.Format("2006-01-02 15:04:05"))

	return nil
}

func runPlansSeed(cmd *cobra.Command, args []string) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	planStore := sqlite.NewPlanStore(db)
	ctx := context.Background()

	seeds := []ports.Plan{
		{
			ID:                  "free",
			Name:                "Free",
			Description:         "Starter plan with a small monthly credit quota",
			MonthlyQuotaCredits: 1000,
			MaxRunsPerDay:       50,
			IsDefault:           true,
			Active:              true,
		},
		{
			ID:                     "pro",
			Name:                   "Pro",
			Description:            "Monthly quota with metered overage",
			MonthlyQuotaCredits:    20000,
			PriceMonthlyUSD:        49,
			OverageRateUSD:         0.0120,
			AllowsOverage:          true,
			AllowsRollover:         true,
			DefaultOverageLimitUSD: 50,
			Active:                 true,
		},
	}

	for _, p := range seeds {
		if err := planStore.Upsert(ctx, p); err != nil {
			return fmt.Errorf("failed to seed plan %s: %w", p.ID, err)
		}
		fmt.Printf("%s Seeded plan: %s\n", checkMark, p.ID)
	}

	return nil
}

// openDatabase opens the configured database for CLI commands.
func openDatabase() (*sqlite.DB, error) {
	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	db, err := sqlite.Open(cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

const (
	checkMark = "\033[32m✓\033[0m"
	crossMark = "\033[31m✗\033[0m"
)
