package commands

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/atlasgw/atlas/internal/policy"
)

func newClassifyCmd() *cobra.Command {
	var cwd, preset string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "classify <command>",
		Short: "Classify a command under a preset without running it",
		Example: `  atlas classify "git status"
  atlas classify --preset paranoid "rm -rf build"
  atlas classify --cwd ~/projects/app "cat .env"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if preset != "" {
				cfg.Preset = preset
			}
			p, err := cfg.Resolve()
			if err != nil {
				return err
			}
			if cwd == "" {
				cwd, _ = os.Getwd()
			}

			command := strings.Join(args, " ")
			engine := policy.NewEngine(p.Policy, policy.WithWorkdirPermission(p.Limits.WorkdirPermission()))
			dec := engine.Classify(command, cwd)

			if asJSON {
				return writeIndented(cmd.OutOrStdout(), dec)
			}
			printDecision(cmd.OutOrStdout(), p.Name, dec)
			return nil
		},
	}

	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory to classify against (default: current)")
	cmd.Flags().StringVar(&preset, "preset", "", "preset to classify under (default: from config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the decision as JSON")
	return cmd
}

func printDecision(w io.Writer, preset string, dec policy.Decision) {
	fmt.Fprintf(w, "%s  %s\n", tierLabel(dec.Tier), dec.Reason)
	if dec.Matched != "" {
		fmt.Fprintf(w, "  matched: %s\n", dec.Matched)
	}
	fmt.Fprintf(w, "  preset:  %s\n", preset)
}

var tierColors = map[policy.Tier]*color.Color{
	policy.Safe:         color.New(color.FgGreen, color.Bold),
	policy.Dangerous:    color.New(color.FgYellow, color.Bold),
	policy.Blocked:      color.New(color.FgRed, color.Bold),
	policy.Unclassified: color.New(color.FgMagenta),
}

// tierLabel renders a tier in upper case, coloured when stdout is a
// terminal.
func tierLabel(t policy.Tier) string {
	label := strings.ToUpper(string(t))
	if c, ok := tierColors[t]; ok {
		return c.Sprint(label)
	}
	return label
}
