package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"invokectl/internal/leaks"
	"invokectl/internal/workflow"
)

func newLeaksCommand(ctx *commandContext) *cobra.Command {
	leaksCmd := &cobra.Command{
		Use:   "leaks",
		Short: "Inspect and retry artifacts cleanup could not remove",
	}
	leaksCmd.AddCommand(newLeaksListCommand(ctx))
	leaksCmd.AddCommand(newLeaksSweepCommand(ctx))
	leaksCmd.AddCommand(newLeaksClearCommand(ctx))
	return leaksCmd
}

func newLeaksListCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List leaked artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withLedger(func(store *leaks.Store) error {
				records, err := store.List(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					if records == nil {
						records = []leaks.Record{}
					}
					return writeJSON(cmd, records)
				}
				if len(records) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No leaked artifacts")
					return nil
				}
				rows := make([][]string, 0, len(records))
				for _, rec := range records {
					rows = append(rows, []string{
						rec.Name,
						strconv.FormatInt(rec.ItemID, 10),
						strconv.Itoa(rec.Attempts),
						rec.FirstSeen.Local().Format(time.DateTime),
						truncate(rec.LastError, 48),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"Artifact", "Item", "Attempts", "First Seen", "Last Error"},
					rows,
					[]columnAlignment{alignLeft, alignRight, alignRight, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON")
	return cmd
}

func newLeaksSweepCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Retry deletion of every leaked artifact on the configured server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			return ctx.withLedger(func(store *leaks.Store) error {
				return ctx.withManager(cmd, func(m *workflow.Manager) error {
					sweeper := leaks.NewSweeper(store, m.Cleaner(), cfg.LockPath(), cfg.InvokeAI.BaseURL, logger)
					report, err := sweeper.Sweep(cmd.Context())
					if errors.Is(err, leaks.ErrSweepInProgress) {
						return fmt.Errorf("%w (lock %s)", err, cfg.LockPath())
					}
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Checked %d, deleted %d, remaining %d, skipped %d (other servers)\n",
						report.Checked, report.Deleted, report.Remaining, report.Skipped)
					return nil
				})
			})
		},
	}
}

func newLeaksClearCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Forget every leak record without touching the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withLedger(func(store *leaks.Store) error {
				removed, err := store.Clear(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d leak record(s)\n", removed)
				return nil
			})
		},
	}
}
