package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/renewal/pkg/billing"
)

func newSweepCmd() *cobra.Command {
	var (
		at    string
		prune bool
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Charge every due subscription once and print the result",
		Long: `sweep runs a single due-payment pass, the same one serve schedules, and
writes the result as JSON. Run it from an external scheduler when serve runs
with the scheduler disabled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now().UTC()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				now = t.UTC()
			}

			cfg, logger, err := loadRuntime(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			// The process exits right after the pass, so events are delivered inline.
			c, err := build(ctx, cfg, logger, billing.WithSynchronousNotify())
			if err != nil {
				return err
			}
			defer func() {
				if err := c.Close(); err != nil {
					logger.WithError(err).Warn("failed to release resources")
				}
			}()

			result, err := c.service.Processor().ProcessDue(ctx, now)
			if errors.Is(err, billing.ErrSweepRunning) {
				return fmt.Errorf("another sweep is in progress")
			}
			if err != nil {
				return err
			}

			out := struct {
				*billing.SweepResult
				Pruned *int64 `json:"pruned,omitempty"`
			}{SweepResult: result}
			if prune {
				n, err := c.ledger.Prune(ctx, now.Add(-cfg.Storage.EventRetention))
				if err != nil {
					return fmt.Errorf("failed to prune event ledger: %w", err)
				}
				out.Pruned = &n
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "treat this RFC3339 instant as now")
	cmd.Flags().BoolVar(&prune, "prune", false, "also forget webhook events older than the retention window")
	return cmd
}
