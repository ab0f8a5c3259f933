package main

import (
	"github.com/spf13/cobra"

	"github.com/access-ci/qa-extraction/internal/application"
)

func newListServersCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list-servers",
		Short: "List the configured MCP servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rows := make([][]string, 0, len(a.cfg.Servers))
			for _, name := range a.cfg.ServerNames() {
				tool := "-"
				if spec, ok := application.SpecFor(name); ok {
					tool = spec.Tool
				}
				rows = append(rows, []string{name, a.cfg.Servers[name].URL, tool})
			}
			p := newPrinter(cmd.OutOrStdout())
			p.Title("MCP servers")
			p.Table([]string{"Server", "URL", "Listing tool"}, rows)
			return nil
		},
	}
}
