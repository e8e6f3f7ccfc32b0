package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveClassification("safe")
	m.ObserveInjection("web", "jailbreak")
	m.ObserveOutput(true, 70)
	m.ObserveApproval("approved")
	m.ObserveExecution("executed", time.Second)
	m.ObserveRateLimited("submit")
	m.SetPending(3)
	if m.Registry() != nil {
		t.Error("nil metrics should have no registry")
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.ObserveClassification("blocked")
	m.ObserveClassification("blocked")
	m.ObserveOutput(true, 70)
	m.SetPending(2)

	if got := testutil.ToFloat64(m.classifications.WithLabelValues("blocked")); got != 2 {
		t.Errorf("blocked classifications = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.outputs.WithLabelValues("true")); got != 1 {
		t.Errorf("blocked outputs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.pending); got != 2 {
		t.Errorf("pending = %v, want 2", got)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveInjection("email", "instruction_override")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(string(body), `atlas_injections_detected_total{category="instruction_override",source="email"} 1`) {
		t.Errorf("metrics output missing injection counter:\n%s", body)
	}
}
