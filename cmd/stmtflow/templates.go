package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/drblury/stmtflow/internal/runtime/jsoncodec"
	"github.com/drblury/stmtflow/internal/runtime/logging"
	"github.com/drblury/stmtflow/internal/runtime/templates"
)

func newTemplatesCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "List the templates in the template directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := opts.config()
			if err != nil {
				return err
			}
			registry, err := loadTemplates(cmd.Context(), conf, logging.NewNopServiceLogger())
			if err != nil {
				return err
			}
			if asJSON {
				return jsoncodec.Encode(cmd.OutOrStdout(), registry.List())
			}
			return printTemplates(cmd, registry.List())
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func printTemplates(cmd *cobra.Command, list []templates.Summary) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVERSIONS\tINACTIVE")
	for _, s := range list {
		inactive := strings.Join(s.Inactive, ",")
		if inactive == "" {
			inactive = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Name, strings.Join(s.Versions, ","), inactive)
	}
	return tw.Flush()
}
