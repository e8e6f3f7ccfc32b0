package sdk_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/atlasgw/atlas/internal/gateway/gatewaytest"
	"github.com/atlasgw/atlas/internal/server"
	"github.com/atlasgw/atlas/sdk"
)

func TestClient_AgainstGateway(t *testing.T) {
	gw, exec := gatewaytest.New(t, nil)
	ts := httptest.NewServer(server.Handler(gw, "test"))
	defer ts.Close()
	ctx := context.Background()

	agent := sdk.NewClient(ts.URL, "agent-1")
	reviewer := sdk.NewClient(ts.URL, "alice")

	d, err := agent.Classify(ctx, "ls -la", "")
	if err != nil {
		t.Fatal(err)
	}
	if d.Tier != "safe" {
		t.Errorf("tier = %q", d.Tier)
	}

	if _, err := agent.Submit(ctx, "sudo rm -rf /", ""); !errors.Is(err, sdk.ErrPolicyViolation) {
		t.Fatalf("blocked submit err = %v", err)
	}

	res, err := agent.Submit(ctx, "curl https://example.com", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Request.Status != "pending" {
		t.Fatalf("status = %q", res.Request.Status)
	}

	pending, err := reviewer.ListPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != res.Request.ID {
		t.Fatalf("pending = %+v", pending)
	}

	out, err := reviewer.Approve(ctx, res.Request.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Request.DecidedBy != "alice" || out.Execution == nil || out.Execution.Output != "ok\n" {
		t.Errorf("approve result = %+v exec = %+v", out.Request, out.Execution)
	}
	if cmds := exec.Commands(); len(cmds) != 1 || cmds[0] != "curl https://example.com" {
		t.Errorf("executed = %v", cmds)
	}

	if _, err := reviewer.Deny(ctx, res.Request.ID); !errors.Is(err, sdk.ErrNotPending) {
		t.Errorf("second decision err = %v", err)
	}

	recs, err := reviewer.History(ctx, sdk.HistoryFilter{RequestID: res.Request.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Errorf("history = %d records, want 3", len(recs))
	}
}
