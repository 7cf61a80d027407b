package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"invokectl/internal/workflow"
)

func newCacheCommand(ctx *commandContext) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Model cache utilities",
	}
	cacheCmd.AddCommand(newCacheClearCommand(ctx))
	return cacheCmd
}

func newCacheClearCommand(ctx *commandContext) *cobra.Command {
	var server bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear cached model listings, optionally evicting the server's model cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withManager(cmd, func(m *workflow.Manager) error {
				m.Catalog().Clear()
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, "Local model cache cleared")
				if server {
					m.Catalog().EmptyServerCache(cmd.Context())
					fmt.Fprintln(out, "Requested server model cache eviction (see logs for the result)")
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&server, "server", false, "Also ask the server to unload resident models")
	return cmd
}
