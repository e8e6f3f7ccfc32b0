package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/atlasgw/atlas/internal/approval"
	"github.com/atlasgw/atlas/internal/audit"
	"github.com/atlasgw/atlas/internal/gateway"
	"github.com/atlasgw/atlas/internal/mcputil"
	"github.com/atlasgw/atlas/internal/sanitize"
)

type handlers struct {
	gw     *gateway.Gateway
	logger *slog.Logger
}

func boolPtr(b bool) *bool { return &b }

func readOnly() *mcp.ToolAnnotations {
	return &mcp.ToolAnnotations{ReadOnlyHint: true, DestructiveHint: boolPtr(false), OpenWorldHint: boolPtr(false)}
}

// --- Tool definitions ---

func classifyTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "classify_command",
		Description: "Classify a shell command as safe, dangerous, blocked or unclassified under the active preset without running it.",
		InputSchema: mcputil.ObjectSchema(map[string][2]string{
			"command":     {"string", "The shell command line"},
			"working_dir": {"string", "Directory the command would run in"},
		}, "command"),
		Annotations: readOnly(),
	}
}

func sanitizeTool() *mcp.Tool {
	return &mcp.Tool{
		Name: "sanitize_input",
		Description: "Neutralize prompt-injection attempts in text from an external source. " +
			"Sources: system, user, web, email, api, file.",
		InputSchema: mcputil.ObjectSchema(map[string][2]string{
			"input":  {"string", "The untrusted text"},
			"source": {"string", "Where the text came from"},
		}, "input", "source"),
		Annotations: readOnly(),
	}
}

func validateTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "validate_output",
		Description: "Score text for leaked credentials and exfiltration. Output with a risk score of 50 or more is blocked.",
		InputSchema: mcputil.ObjectSchema(map[string][2]string{
			"output": {"string", "Command output or other text to check"},
		}, "output"),
		Annotations: readOnly(),
	}
}

func submitTool() *mcp.Tool {
	return &mcp.Tool{
		Name: "submit_command",
		Description: "Submit a shell command for execution in the sandbox. Safe commands covered by an " +
			"auto-approve rule run immediately; others wait for a reviewer. Poll get_approval for the outcome.",
		InputSchema: mcputil.ObjectSchema(map[string][2]string{
			"command":      {"string", "The shell command line"},
			"working_dir":  {"string", "Directory to run in"},
			"requested_by": {"string", "Agent identity recorded with the request"},
		}, "command"),
		Annotations: &mcp.ToolAnnotations{DestructiveHint: boolPtr(true), OpenWorldHint: boolPtr(true)},
	}
}

func listPendingTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "list_pending",
		Description: "List approval requests waiting for a human decision, oldest first.",
		InputSchema: mcputil.ObjectSchema(nil),
		Annotations: readOnly(),
	}
}

func getApprovalTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "get_approval",
		Description: "Get the current state of an approval request.",
		InputSchema: mcputil.ObjectSchema(map[string][2]string{
			"id": {"string", "Approval request id"},
		}, "id"),
		Annotations: readOnly(),
	}
}

func historyTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "approval_history",
		Description: "Query the append-only approval log, newest first. Commands are shown redacted.",
		InputSchema: mcputil.ObjectSchema(map[string][2]string{
			"request_id":   {"string", "Only records for this request"},
			"status":       {"string", "Filter by status"},
			"requested_by": {"string", "Filter by requester"},
			"limit":        {"integer", "Maximum records (default 50)"},
		}),
		Annotations: readOnly(),
	}
}

// --- Handlers ---

func (h *handlers) handleClassify(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.Params.Arguments
	command, err := mcputil.Require(args, "command")
	if err != nil {
		return mcputil.NewToolResultError(err.Error()), nil
	}
	dec := h.gw.Manager.Classify(command, mcputil.GetString(args, "working_dir", ""))
	h.gw.Metrics.ObserveClassification(string(dec.Tier))
	return mcputil.NewToolResultJSON(dec), nil
}

func (h *handlers) handleSanitize(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.Params.Arguments
	source, err := mcputil.Require(args, "source")
	if err != nil {
		return mcputil.NewToolResultError(err.Error()), nil
	}
	res := h.gw.Sanitizer.Sanitize(ctx, mcputil.GetString(args, "input", ""), sanitize.Source(source))
	return mcputil.NewToolResultJSON(res), nil
}

func (h *handlers) handleValidate(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !h.gw.Validator.CheckRateLimit(ctx, "validate:mcp") {
		return mcputil.NewToolResultError("rate limit exceeded"), nil
	}
	res := h.gw.Validator.Validate(ctx, mcputil.GetString(req.Params.Arguments, "output", ""))
	return mcputil.NewToolResultJSON(res), nil
}

func (h *handlers) handleSubmit(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.Params.Arguments
	command, err := mcputil.Require(args, "command")
	if err != nil {
		return mcputil.NewToolResultError(err.Error()), nil
	}
	requester := mcputil.GetString(args, "requested_by", "mcp")
	if !h.gw.Validator.CheckRateLimit(ctx, "submit:"+requester) {
		return mcputil.NewToolResultError("rate limit exceeded"), nil
	}

	res, err := h.gw.Manager.Submit(ctx, approval.CommandRequest{
		RawCommand:  command,
		WorkingDir:  mcputil.GetString(args, "working_dir", ""),
		RequestedBy: requester,
	})
	if err != nil {
		return failure(err, res), nil
	}
	return mcputil.NewToolResultJSON(res), nil
}

func (h *handlers) handleListPending(_ context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pending := h.gw.Manager.ListPending()
	if len(pending) == 0 {
		return mcputil.NewToolResultText("No pending approval requests."), nil
	}
	return mcputil.NewToolResultJSON(pending), nil
}

func (h *handlers) handleGetApproval(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := mcputil.Require(req.Params.Arguments, "id")
	if err != nil {
		return mcputil.NewToolResultError(err.Error()), nil
	}
	r, err := h.gw.Manager.Get(ctx, id)
	if err != nil {
		return failure(err, nil), nil
	}
	return mcputil.NewToolResultJSON(r), nil
}

func (h *handlers) handleHistory(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.Params.Arguments
	recs, err := h.gw.Manager.History(ctx, audit.HistoryQuery{
		RequestID:   mcputil.GetString(args, "request_id", ""),
		Status:      mcputil.GetString(args, "status", ""),
		RequestedBy: mcputil.GetString(args, "requested_by", ""),
		Limit:       mcputil.GetInt(args, "limit", 50),
	})
	if err != nil {
		h.logger.Error("approval history query failed", "error", err)
		return mcputil.NewToolResultError("history query failed"), nil
	}
	return mcputil.NewToolResultJSON(recs), nil
}

// failure renders a pipeline error as a tool error. A withheld or failed
// execution still reports the request it belongs to.
func failure(err error, res *approval.Result) *mcp.CallToolResult {
	msg := err.Error()
	var pv *approval.PolicyViolationError
	switch {
	case errors.As(err, &pv):
		msg = fmt.Sprintf("rejected: command is %s: %s", pv.Tier, pv.Reason)
	case res != nil && res.Request != nil:
		msg = fmt.Sprintf("%s (request %s, status %s)", msg, res.Request.ID, res.Request.Status)
	}
	return mcputil.NewToolResultError(msg)
}
