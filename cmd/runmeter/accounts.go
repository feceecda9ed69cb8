package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/artpar/runmeter/adapters/sqlite"
	"github.com/artpar/runmeter/ports"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage accounts",
	Long: `Manage metered accounts.

Examples:
  runmeter accounts list
  runmeter accounts get <account-id>
  runmeter accounts create --email=dev@example.com --name="Dev" --plan=free`,
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	RunE:  runAccountsList,
}

var accountsGetCmd = &cobra.Command{
	Use:   "get <account-id>",
	Short: "Get account details with billing periods",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsGet,
}

var accountsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new account",
	RunE:  runAccountsCreate,
}

var (
	accountEmail     string
	accountName      string
	accountPlan      string
	accountAnchorDay int
)

func init() {
	rootCmd.AddCommand(accountsCmd)

	accountsCmd.AddCommand(accountsListCmd)
	accountsCmd.AddCommand(accountsGetCmd)
	accountsCmd.AddCommand(accountsCreateCmd)

	accountsCreateCmd.Flags().StringVar(&accountEmail, "email", "", "account email (required)")
	accountsCreateCmd.Flags().StringVar(&accountName, "name", "", "account name")
	accountsCreateCmd.Flags().StringVar(&accountPlan, "plan", "", "plan ID (default: the default plan)")
	accountsCreateCmd.Flags().IntVar(&accountAnchorDay, "anchor-day", 0, "billing anchor day 1-28 (default: today)")
	accountsCreateCmd.MarkFlagRequired("email")
}

func runAccountsList(cmd *cobra.Command, args []string) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	store := sqlite.NewAccountStore(db)
	accounts, err := store.List(context.Background(), 100, 0)
	if err != nil {
		return fmt.Errorf("failed to list accounts: %w", err)
	}

	if len(accounts) == 0 {
		fmt.Println("No accounts found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEMAIL\tPLAN\tSTATUS\tBALANCE\tANCHOR DAY")
	fmt.Fprintln(w, "--\t-----\t----\t------\t-------\t----------")

	for _, a := range accounts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.0f\t%d\n",
			a.ID, a.Email, a.PlanID, a.Status, a.CreditBalance, a.BillingAnchorDay)
	}

	w.Flush()
	return nil
}

func runAccountsGet(cmd *cobra.Command, args []string) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	a, err := sqlite.NewAccountStore(db).Get(ctx, args[0])
	if err != nil {
		return fmt.Errorf("account not found: %s", args[0])
	}

	fmt.Printf("ID:           %s\n", a.ID)
	fmt.Printf("Email:        %s\n", a.Email)
	if a.Name != "" {
		fmt.Printf("Name:         %s\n", a.Name)
	}
	fmt.Printf("Plan:         %s\n", a.PlanID)
	fmt.Printf("Status:       %s\n", a.Status)
	fmt.Printf("Balance:      %.2f credits\n", a.CreditBalance)
	fmt.Printf("Anchor Day:   %d\n", a.BillingAnchorDay)
	if a.ProviderID != "" {
		fmt.Printf("Provider ID:  %s\n", a.ProviderID)
	}
	if a.TrialEndsAt != nil {
		fmt.Printf("Trial Ends:   %s\n", a.TrialEndsAt.Format("2006-01-02"))
	}
	fmt.Printf("Created:      %s\n", a.CreatedAt.Format("2006-01-02 15:04:05"))

	periods, err := sqlite.NewPeriodStore(db).ListByAccount(ctx, a.ID, 5)
	if err == nil && len(periods) > 0 {
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PERIOD\tSTATUS\tSTART\tEND\tUSED\tREMAINING")
		for _, p := range periods {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.0f\t%.0f\n",
				p.ID, p.Status,
				p.StartDate.Format("2006-01-02"), p.EndDate.Format("2006-01-02"),
				p.QuotaUsed, p.QuotaRemaining)
		}
		w.Flush()
	}

	return nil
}

func runAccountsCreate(cmd *cobra.Command, args []string) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	planStore := sqlite.NewPlanStore(db)

	var plan ports.Plan
	if accountPlan == "" {
		plan, err = planStore.GetDefault(ctx)
		if err != nil {
			return fmt.Errorf("no default plan configured; run 'runmeter plans seed' or pass --plan")
		}
	} else {
		plan, err = planStore.Get(ctx, accountPlan)
		if err != nil {
			return fmt.Errorf("plan not found: %s", accountPlan)
		}
	}

	now := time.Now().UTC()
	anchorDay := accountAnchorDay
	if anchorDay == 0 {
		anchorDay = now.Day()
	}

	a := ports.Account{
		ID:               uuid.New().String(),
		Email:            accountEmail,
		Name:             accountName,
		PlanID:           plan.ID,
		Status:           "active",
		BillingAnchorDay: anchorDay,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if plan.TrialDays > 0 {
		trialEnd := now.AddDate(0, 0, plan.TrialDays)
		a.TrialEndsAt = &trialEnd
		a.Status = "trialing"
	}

	if err := sqlite.NewAccountStore(db).Create(ctx, a); err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	fmt.Printf("%s Created account: %s\n", checkMark, a.ID)
	fmt.Printf("   Email:  %s\n", a.Email)
	fmt.Printf("   Plan:   %s\n", a.PlanID)

	return nil
}
