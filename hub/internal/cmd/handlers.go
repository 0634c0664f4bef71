package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/conduit/hub/internal/handlers"
	"github.com/amurg-ai/conduit/hub/internal/registry"
	"github.com/amurg-ai/conduit/hub/internal/router"
)

func newHandlersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "handlers",
		Short: "List the message types the hub routes and their aliases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := registry.New()
			handlers.Register(reg, handlers.Deps{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
			reg.Freeze()
			return printHandlers(cmd.OutOrStdout(), reg)
		},
	}
}

func printHandlers(out io.Writer, reg *registry.Registry) error {
	fmt.Fprintln(out, headingStyle.Render("Message types"))
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tCONTEXT")
	for _, t := range reg.Discriminants() {
		r, _ := reg.Resolve(t)
		ctx := "-"
		switch {
		case r.Owned:
			ctx = "owned"
		case r.NeedsContext:
			ctx = "scoped"
		}
		fmt.Fprintf(w, "%s\t%s\n", t, ctx)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	aliases := router.Aliases()
	names := make([]string, 0, len(aliases))
	for a := range aliases {
		names = append(names, a)
	}
	sort.Strings(names)

	fmt.Fprintln(out)
	fmt.Fprintln(out, headingStyle.Render("Aliases"))
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ALIAS\tROUTES TO")
	for _, a := range names {
		fmt.Fprintf(w, "%s\t%s\n", a, aliases[a])
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(out, mutedStyle.Render("Any other type is answered with an error reply."))
	return nil
}
