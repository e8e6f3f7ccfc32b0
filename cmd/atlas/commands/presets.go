package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/atlasgw/atlas/internal/config"
)

func newPresetsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "presets",
		Short: "Inspect the built-in security presets",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List presets",
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "NAME\tDEFAULT\tTTL\tTIMEOUT\tNETWORK\tAUTO-APPROVE\n")
			for _, name := range config.PresetNames() {
				p, err := config.LookupPreset(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%d\n", p.Name, p.Policy.DefaultPolicy,
					p.ApprovalTTL, p.Limits.Timeout(), p.Limits.NetworkAccess, len(p.AutoApprove))
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <name>",
		Short: "Print a preset as YAML, ready to copy into a config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := config.LookupPreset(args[0])
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(p); err != nil {
				return fmt.Errorf("encoding preset: %w", err)
			}
			return enc.Close()
		},
	})

	return cmd
}
