package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"invokectl/internal/workflow"
)

func newGraphCommand(ctx *commandContext) *cobra.Command {
	var flags requestFlags

	cmd := &cobra.Command{
		Use:   "graph [prompt...]",
		Short: "Build and print a generation graph without submitting it",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request(args)
			if err != nil {
				return err
			}
			return ctx.withManager(cmd, func(m *workflow.Manager) error {
				plan, err := m.Prepare(cmd.Context(), req)
				if err != nil {
					return err
				}
				for _, warning := range plan.Warnings {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", warning)
				}
				return writeJSON(cmd, plan.Graph)
			})
		},
	}
	flags.register(cmd)
	return cmd
}
