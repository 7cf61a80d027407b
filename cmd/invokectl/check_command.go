package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"invokectl/internal/workflow"
)

func newCheckCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Negotiate with the server and print its API profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withManager(cmd, func(m *workflow.Manager) error {
				profile, err := m.Negotiate(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, profile)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Server version:   %s\n", profile.Version)
				fmt.Fprintf(out, "Models endpoint:  %s\n", profile.ModelsEndpoint)
				fmt.Fprintf(out, "Base model param: %s\n", profile.BaseModelParam)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON")
	return cmd
}
