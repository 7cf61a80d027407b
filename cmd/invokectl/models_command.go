package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"invokectl/internal/catalog"
	"invokectl/internal/workflow"
)

func newModelsCommand(ctx *commandContext) *cobra.Command {
	var base, modelType string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List server models",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withManager(cmd, func(m *workflow.Manager) error {
				models, err := m.Catalog().ListModels(cmd.Context(), base, modelType)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, models)
				}
				if len(models) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No models found")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"Key", "Name", "Base", "Type", "Format"},
					modelRows(models),
					nil,
				))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&base, "base", "", "Filter by base family (sd-1, sd-1.5, sdxl)")
	cmd.Flags().StringVar(&modelType, "type", "", "Filter by model type (main, lora, vae)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON")
	return cmd
}

func modelRows(models []catalog.ModelRef) [][]string {
	rows := make([][]string, 0, len(models))
	for _, m := range models {
		rows = append(rows, []string{m.Key, m.Name, m.Base, m.Type, m.Format})
	}
	return rows
}

func newSchedulersCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "schedulers",
		Short: "List schedulers the server accepts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withManager(cmd, func(m *workflow.Manager) error {
				schedulers, err := m.Catalog().ListSchedulers(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, schedulers)
				}
				for _, name := range schedulers {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON")
	return cmd
}
