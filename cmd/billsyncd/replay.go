package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/useautumn/autumn-sub003/pkg/billing"
	"github.com/useautumn/autumn-sub003/pkg/billing/stripe"
	"github.com/useautumn/autumn-sub003/pkg/billsync"
	"github.com/useautumn/autumn-sub003/pkg/reconcile"
)

func newReplayCmd(c *cli) *cobra.Command {
	var org, env string

	cmd := &cobra.Command{
		Use:   "replay <event.json>",
		Short: "Run a stored Stripe event through the engine",
		Long: `Replay reads an event JSON object, as returned by the Stripe events API,
and runs one reconciliation pass for it without signature verification.
Use "-" to read the event from stdin.

Examples:
  billsyncd replay --org org_1 --env live evt_1.json
  stripe events retrieve evt_1 | billsyncd replay --org org_1 --env test -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readEvent(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			event, err := stripe.ParseEvent(payload)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			scope, err := billing.ParseScope(org, env)
			if err != nil {
				return err
			}
			tenant, err := a.tenants.Resolve(cmd.Context(), scope)
			if err != nil {
				return fmt.Errorf("tenant %s/%s: %w", org, env, err)
			}
			processor, err := stripe.NewProcessor(tenant, a.stripeConfig())
			if err != nil {
				return err
			}

			outcome, err := a.engine.HandleEvent(cmd.Context(), &reconcile.Request{
				Org:       tenant.Org,
				Env:       tenant.Env,
				Logger:    billsync.WithFields(c.logger, billsync.F("event_id", event.ID), billsync.F("replay", true)),
				Processor: processor,
			}, event)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]interface{}{
				"event_id":   event.ID,
				"event_type": event.Type,
				"skipped":    outcome.Skipped,
				"reason":     outcome.Reason,
			})
		},
	}

	cmd.Flags().StringVar(&org, "org", "", "org id the event belongs to")
	cmd.Flags().StringVar(&env, "env", "live", "environment (live, sandbox or test)")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

func readEvent(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read event: %w", err)
	}
	return data, nil
}
