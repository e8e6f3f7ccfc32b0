package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/atlasgw/atlas/internal/engine"
)

func newRulesCmd() *cobra.Command {
	var explain string

	cmd := &cobra.Command{
		Use:   "rules",
		Short: "List or explain the injection rules used by the supplementary scan",
		Example: `  atlas rules
  atlas rules --explain PROMPT_INJECTION_001`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			scanner := engine.NewScanner(cfg.Sanitizer.RulesDir)
			out := cmd.OutOrStdout()

			if explain != "" {
				detail, err := scanner.ExplainRule(explain)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Rule: %s\n", detail.ID)
				fmt.Fprintf(out, "Name: %s\n", detail.Name)
				fmt.Fprintf(out, "Severity: %s\n", detail.Severity)
				fmt.Fprintf(out, "Category: %s\n", detail.Category)
				fmt.Fprintf(out, "Description: %s\n", detail.Description)
				fmt.Fprintln(out, "\nPatterns:")
				for _, p := range detail.Patterns {
					fmt.Fprintf(out, "  %s\n", p)
				}
				return nil
			}

			rules := scanner.ListRules()
			fmt.Fprintf(out, "Loaded %d injection rules:\n\n", len(rules))
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, r := range rules {
				fmt.Fprintf(tw, "  %s\t%s\t%s\n", r.ID, r.Severity, r.Name)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			enabled := "disabled"
			if cfg.Sanitizer.RulePackScan {
				enabled = "enabled"
			}
			fmt.Fprintf(out, "\nEngine status: OK (%d rules loaded, scan %s)\n", scanner.RulesCount(context.Background()), enabled)
			return nil
		},
	}

	cmd.Flags().StringVar(&explain, "explain", "", "explain a specific rule by ID")
	return cmd
}
