package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcourtman/receipt-entitlements/internal/accounting"
	"github.com/rcourtman/receipt-entitlements/internal/httpclient"
	"github.com/rcourtman/receipt-entitlements/internal/ingest"
)

func newDeadLettersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletters",
		Aliases: []string{"dlq"},
		Short:   "List and replay parked Stripe events",
	}
	cmd.AddCommand(newDeadLettersListCmd())
	cmd.AddCommand(newDeadLettersReplayCmd())
	return cmd
}

func newDeadLettersListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List parked events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCLI(cmd, func(ctx context.Context, env *cliEnv) error {
				letters, err := env.stores.Events.ListDeadLetters(ctx, all)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(letters) == 0 {
					fmt.Fprintln(out, "No dead letters.")
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tEVENT\tTYPE\tREASON\tATTEMPTS\tCREATED\tRESOLVED")
				for _, dl := range letters {
					resolved := "-"
					if dl.ResolvedAt != nil {
						resolved = dl.ResolvedAt.Format(time.RFC3339)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
						dl.ID, dl.EventID, dl.EventType, dl.Reason, dl.Attempts, dl.CreatedAt.Format(time.RFC3339), resolved)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include resolved dead letters")
	return cmd
}

func newDeadLettersReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <dead_letter_id>",
		Short: "Re-dispatch a parked event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCLI(cmd, func(ctx context.Context, env *cliEnv) error {
				handler, err := newReplayHandler(env)
				if err != nil {
					return err
				}
				result, err := handler.Replay(ctx, args[0], cliActor())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Replayed %s: %s", args[0], result.Outcome)
				if result.UserID != "" {
					fmt.Fprintf(cmd.OutOrStdout(), " (user %s)", result.UserID)
				}
				fmt.Fprintln(cmd.OutOrStdout())
				return nil
			})
		},
	}
}

// newReplayHandler builds the webhook pipeline without an HTTP listener.
// Subscription lookups are only possible with a Stripe API key.
func newReplayHandler(env *cliEnv) (*ingest.WebhookHandler, error) {
	tiers, err := accounting.NewTierResolver(env.cfg.PriceTiers)
	if err != nil {
		return nil, fmt.Errorf("price tiers: %w", err)
	}
	var subscriptions ingest.SubscriptionFetcher
	if env.cfg.StripeAPIKey != "" {
		httpclient.ConfigureStripe(env.cfg.StripeAPIKey, httpclient.NewClient(httpclient.NewResolver(env.cfg.DNSCacheTTL), 0))
		subscriptions = ingest.NewStripeSubscriptions()
	}
	dispatcher := ingest.NewDispatcher(env.stores.Entitlements, env.engine, tiers, subscriptions)
	// The secret is unused on replay; payloads were verified when parked.
	return ingest.NewWebhookHandler("replay", env.stores.Events, dispatcher, env.stores.Audit, ingest.DefaultMaxAttempts), nil
}
