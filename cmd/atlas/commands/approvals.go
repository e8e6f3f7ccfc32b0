package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/atlasgw/atlas/internal/policy"
	"github.com/atlasgw/atlas/internal/tui"
	"github.com/atlasgw/atlas/sdk"
)

func newSubmitCmd() *cobra.Command {
	var cwd string
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "submit <command>",
		Short: "Submit a command to a running gateway",
		Example: `  atlas submit "go test ./..."
  atlas submit --wait 5m "npm install"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			c := newClient()
			res, err := c.Submit(ctx, strings.Join(args, " "), cwd)
			if err != nil {
				return describeAPIError(err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s  %s (%s)\n", tierLabel(policy.Tier(res.Request.Tier)), res.Request.ID, res.Request.Status)

			if res.Request.Status == "pending" {
				if wait <= 0 {
					fmt.Fprintln(out, "waiting for review: atlas approvals approve", res.Request.ID)
					return nil
				}
				req, err := waitForDecision(ctx, c, res.Request.ID, wait)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s by %s\n", req.Status, req.DecidedBy)
				return nil
			}
			printExecution(out, res.Execution)
			return nil
		},
	}

	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory for the command")
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait up to this long for a pending request to be decided")
	return cmd
}

// waitForDecision polls request id until it leaves pending or timeout passes.
func waitForDecision(ctx context.Context, c *sdk.Client, id string, timeout time.Duration) (*sdk.Request, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		req, err := c.Get(ctx, id)
		if err != nil {
			return nil, describeAPIError(err)
		}
		if req.Status != "pending" {
			return req, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("request %s still pending after %s", id, timeout)
		case <-t.C:
		}
	}
}

func newApprovalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Review commands waiting for approval",
	}
	cmd.AddCommand(
		newApprovalsListCmd(),
		newApprovalsShowCmd(),
		newDecisionCmd("approve", "Approve a pending request and run its command"),
		newDecisionCmd("deny", "Deny a pending request"),
		newApprovalsReviewCmd(),
	)
	return cmd
}

func newApprovalsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending requests, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			pending, err := newClient().ListPending(cmd.Context())
			if err != nil {
				return describeAPIError(err)
			}
			return printPending(cmd.OutOrStdout(), pending, time.Now())
		},
	}
}

func printPending(w io.Writer, pending []sdk.Request, now time.Time) error {
	if len(pending) == 0 {
		fmt.Fprintln(w, "No pending approval requests.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tTIER\tREQUESTER\tEXPIRES\tCOMMAND\n")
	for _, r := range pending {
		left := r.ExpiresAt.Sub(now).Round(time.Second)
		if left < 0 {
			left = 0
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, tierLabel(policy.Tier(r.Tier)), r.RequestedBy, left, r.Command)
	}
	return tw.Flush()
}

func newApprovalsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one approval request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := newClient().Get(cmd.Context(), args[0])
			if err != nil {
				return describeAPIError(err)
			}
			return writeIndented(cmd.OutOrStdout(), req)
		},
	}
}

func newDecisionCmd(outcome, short string) *cobra.Command {
	return &cobra.Command{
		Use:   outcome + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			decide := c.Approve
			if outcome == "deny" {
				decide = c.Deny
			}
			res, err := decide(cmd.Context(), args[0])
			if err != nil {
				return describeAPIError(err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %s by %s\n", res.Request.ID, res.Request.Status, res.Request.DecidedBy)
			printExecution(out, res.Execution)
			return nil
		},
	}
}

func newApprovalsReviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "review",
		Short: "Review pending requests interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !tui.IsTerminal(os.Stdout) {
				return errors.New("review needs a terminal; use 'atlas approvals list' instead")
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			return tui.Run(ctx, newClient())
		},
	}
}

func printExecution(w io.Writer, e *sdk.Execution) {
	if e == nil {
		return
	}
	fmt.Fprintf(w, "exit %d in %s\n", e.ExitCode, e.Duration.Round(time.Millisecond))
	if e.Output != "" {
		fmt.Fprint(w, e.Output)
		if !strings.HasSuffix(e.Output, "\n") {
			fmt.Fprintln(w)
		}
	}
	if e.Truncated {
		fmt.Fprintln(w, "(output truncated)")
	}
}

// describeAPIError adds the detail a CLI user needs to act on a gateway
// error.
func describeAPIError(err error) error {
	var apiErr *sdk.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("contacting gateway at %s: %w", serverURL, err)
	}
	switch {
	case errors.Is(err, sdk.ErrOutputWithheld):
		score := 0
		if apiErr.Execution != nil && apiErr.Execution.Validation != nil {
			score = apiErr.Execution.Validation.RiskScore
		}
		return fmt.Errorf("command ran but its output was withheld (risk score %d): %w", score, err)
	case errors.Is(err, sdk.ErrRateLimited):
		return fmt.Errorf("rate limited, retry in a minute: %w", err)
	}
	return err
}
