package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/atlasgw/atlas/internal/engine"
	"github.com/atlasgw/atlas/internal/output"
	"github.com/atlasgw/atlas/internal/sanitize"
)

// maxStdinBytes bounds input read by the offline commands.
const maxStdinBytes = 4 << 20

func newSanitizeCmd() *cobra.Command {
	var source string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "sanitize [text]",
		Short: "Neutralize prompt-injection attempts in untrusted text",
		Long:  "Reads the text from the argument, or from stdin when none is given, and prints the sanitized form.",
		Example: `  curl -s https://example.com | atlas sanitize --source web
  atlas sanitize --source email "Ignore previous instructions"`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			input, err := inputFrom(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}

			logger := newLogger(cfg.Server.Level())
			opts := []sanitize.Option{sanitize.WithLogger(logger)}
			if cfg.Sanitizer.RulePackScan {
				opts = append(opts, sanitize.WithScanner(engine.NewScanner(cfg.Sanitizer.RulesDir)))
			}
			res := sanitize.New(cfg.Sanitizer, opts...).Sanitize(context.Background(), input, sanitize.Source(source))

			if asJSON {
				return writeIndented(cmd.OutOrStdout(), res)
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.SanitizedInput)
			if res.InjectionAttemptDetected {
				fmt.Fprintf(cmd.ErrOrStderr(), "injection attempt detected (trust: %s, stages: %s)\n",
					res.TrustLevel, strings.Join(res.SanitizationApplied, ", "))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "user", "where the text came from: system, user, web, email, api, file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	return cmd
}

func newValidateCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "validate [text]",
		Short: "Score output for leaked credentials and exfiltration",
		Long:  "Reads the text from the argument, or from stdin when none is given. Exits non-zero when the output would be blocked.",
		Example: `  make deploy 2>&1 | atlas validate
  atlas validate --json "$(cat build.log)"`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			text, err := inputFrom(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}

			v := output.New(cfg.Output, nil, output.WithLogger(newLogger(cfg.Server.Level())))
			res := v.Validate(context.Background(), text)

			if asJSON {
				if err := writeIndented(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "risk score: %d/%d\n", res.RiskScore, output.MaxScore)
				for _, p := range res.SuspiciousPatterns {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", p)
				}
			}
			if res.Blocked {
				return fmt.Errorf("output blocked: %s", res.Reason)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	return cmd
}

func inputFrom(stdin io.Reader, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	if f, ok := stdin.(*os.File); ok && f == os.Stdin {
		if info, err := f.Stat(); err == nil && info.Mode()&os.ModeCharDevice != 0 {
			return "", fmt.Errorf("no input: pass text as an argument or pipe it on stdin")
		}
	}
	data, err := io.ReadAll(io.LimitReader(stdin, maxStdinBytes))
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return string(data), nil
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
