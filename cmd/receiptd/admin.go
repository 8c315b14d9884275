package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/user"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcourtman/receipt-entitlements/internal/accounting"
	"github.com/rcourtman/receipt-entitlements/internal/auditlog"
	"github.com/rcourtman/receipt-entitlements/internal/entitlement"
	"github.com/rcourtman/receipt-entitlements/internal/ledger"
	"github.com/rcourtman/receipt-entitlements/internal/logging"
	"github.com/rcourtman/receipt-entitlements/internal/server"
)

const cliTimeout = 30 * time.Second

// cliEnv holds the stores and services opened for one CLI invocation.
type cliEnv struct {
	cfg     *server.Config
	stores  *server.Stores
	engine  *accounting.Engine
	service *ledger.Service
}

func openCLI(ctx context.Context) (*cliEnv, error) {
	cfg, err := server.LoadStoreConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "receiptd-cli",
	})

	stores, err := server.OpenStores(ctx, cfg)
	if err != nil {
		return nil, err
	}
	engine := accounting.NewEngine(cfg.Policy)
	return &cliEnv{
		cfg:     cfg,
		stores:  stores,
		engine:  engine,
		service: ledger.NewService(stores.Entitlements, engine, stores.Audit),
	}, nil
}

func (e *cliEnv) Close() {
	if err := e.stores.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: closing stores: %v\n", err)
	}
}

// withCLI opens the stores, runs fn under a bounded context and closes them.
func withCLI(cmd *cobra.Command, fn func(ctx context.Context, env *cliEnv) error) error {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, cliTimeout)
	defer cancel()

	env, err := openCLI(ctx)
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env)
}

// cliActor names the operator in audit entries.
func cliActor() string {
	name := strings.TrimSpace(os.Getenv("USER"))
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	if name == "" {
		name = "unknown"
	}
	return "cli:" + name
}

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Inspect and patch user entitlements",
		Long: `Privileged entitlement commands. Every change is written to the audit log
with a cli:<operator> actor and bypasses the Stripe webhook path.`,
	}
	cmd.AddCommand(newUserShowCmd())
	cmd.AddCommand(newUserCreateCmd())
	cmd.AddCommand(newUserSetCreditsCmd())
	cmd.AddCommand(newUserSetStatusCmd())
	cmd.AddCommand(newUserEmergencyCreditsCmd())
	cmd.AddCommand(newUserStartTrialCmd())
	return cmd
}

func newUserShowCmd() *cobra.Command {
	var auditLimit int
	cmd := &cobra.Command{
		Use:   "show <user_id>",
		Short: "Show a user's balance and recent audit entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCLI(cmd, func(ctx context.Context, env *cliEnv) error {
				credits, err := env.service.GetUserCredits(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				printCredits(out, credits)

				if auditLimit <= 0 {
					return nil
				}
				entries, err := env.stores.Audit.List(ctx, auditlog.Filter{UserID: credits.UserID, Limit: auditLimit})
				if err != nil {
					return err
				}
				fmt.Fprintln(out)
				printAudit(out, entries)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&auditLimit, "audit", 10, "number of recent audit entries to show (0 to hide)")
	return cmd
}

func newUserCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create [user_id]",
		Short: "Create a user with the starter allowance",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := ""
			if len(args) == 1 {
				userID = args[0]
			}
			return withCLI(cmd, func(ctx context.Context, env *cliEnv) error {
				ent, created, err := env.service.CreateUser(ctx, userID)
				if err != nil {
					return err
				}
				if created {
					fmt.Fprintf(cmd.OutOrStdout(), "Created %s with %d credits\n", ent.UserID, ent.CreditsRemaining)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s already exists\n", ent.UserID)
				}
				return nil
			})
		},
	}
}

func newUserSetCreditsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-credits <user_id> <credits>",
		Short: "Overwrite a user's credit balance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("credits must be an integer: %w", err)
			}
			return withCLI(cmd, func(ctx context.Context, env *cliEnv) error {
				ent, err := env.service.SetCredits(ctx, args[0], n, cliActor())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s now has %s\n", ent.UserID, formatBalance(ent.CreditsRemaining))
				return nil
			})
		},
	}
}

func newUserSetStatusCmd() *cobra.Command {
	var subscriptionRef string
	cmd := &cobra.Command{
		Use:   "set-status <user_id> <free|trial|premium|founder>",
		Short: "Change a user's subscription status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := entitlement.ParseTier(args[1])
			if err != nil {
				return err
			}
			return withCLI(cmd, func(ctx context.Context, env *cliEnv) error {
				ent, err := env.service.UpdateSubscriptionStatus(ctx, args[0], status, subscriptionRef, cliActor())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s (%s)\n", ent.UserID, ent.Status, formatBalance(ent.CreditsRemaining))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&subscriptionRef, "subscription-ref", "", "Stripe subscription ID to record")
	return cmd
}

func newUserEmergencyCreditsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "emergency-credits <user_id>",
		Short: "Apply the emergency credit pack",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCLI(cmd, func(ctx context.Context, env *cliEnv) error {
				ent, err := env.service.AddEmergencyCredits(ctx, args[0], cliActor())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s now has %s\n", ent.UserID, formatBalance(ent.CreditsRemaining))
				return nil
			})
		},
	}
}

func newUserStartTrialCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "start-trial <user_id>",
		Short: "Start a time-boxed trial",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if days < 1 {
				return fmt.Errorf("--days must be at least 1")
			}
			return withCLI(cmd, func(ctx context.Context, env *cliEnv) error {
				ent, err := env.service.StartTrial(ctx, args[0], time.Duration(days)*24*time.Hour, cliActor())
				if err != nil {
					return err
				}
				end := "-"
				if ent.TrialEnd != nil {
					end = ent.TrialEnd.Format(time.RFC3339)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s is %s until %s\n", ent.UserID, ent.Status, end)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", int(ledger.DefaultTrialDuration/(24*time.Hour)), "trial length in days")
	return cmd
}

func formatBalance(credits int64) string {
	if credits == entitlement.UnlimitedCredits {
		return "unlimited credits"
	}
	return fmt.Sprintf("%d credits", credits)
}

func printCredits(out io.Writer, c ledger.Credits) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "User:\t%s\n", c.UserID)
	fmt.Fprintf(w, "Status:\t%s\n", c.Status)
	fmt.Fprintf(w, "Credits:\t%s\n", formatBalance(c.CreditsRemaining))
	if c.TrialEnd != nil {
		fmt.Fprintf(w, "Trial ends:\t%s\n", c.TrialEnd.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Next reset:\t%s\n", c.ResetAt.Format(time.RFC3339))
	_ = w.Flush()
}

func printAudit(out io.Writer, entries []auditlog.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No audit entries.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tEVENT\tACTOR\tOUTCOME\tCREDITS")
	for _, e := range entries {
		credits := "-"
		if e.Credits != nil {
			credits = strconv.FormatInt(*e.Credits, 10)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Timestamp.Format(time.RFC3339), e.EventType, e.Actor, e.Outcome, credits)
	}
	_ = w.Flush()
}
