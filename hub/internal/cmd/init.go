package cmd

import (
	"github.com/spf13/cobra"

	"github.com/amurg-ai/conduit/hub/internal/wizard"
	"github.com/amurg-ai/conduit/pkg/cli"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [output-file]",
		Short: "Interactively create a hub config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out string
			if len(args) > 0 {
				out = args[0]
			}
			p := &cli.Prompter{In: cmd.InOrStdin(), Out: cmd.OutOrStdout()}
			return wizard.New(p).Run(out)
		},
	}
}
