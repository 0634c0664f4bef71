package cmd

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root cobra command for conduit-hub.
// When invoked without a subcommand, it delegates to "run".
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "conduit-hub",
		Short: "Conduit hub: multi-tenant WebSocket message router",
		Long:  "Conduit hub authenticates WebSocket clients, routes their messages to handlers, runs per-user agent executions and fans out broadcasts.",
		// Bare invocation (no subcommand) behaves as "run".
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args)
		},
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newVersionCmd())
	root.AddCommand(newHandlersCmd())
	root.AddCommand(newTokenCmd())
	root.AddCommand(newHashTokenCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	return root
}
