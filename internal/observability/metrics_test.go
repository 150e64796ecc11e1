package observability

import (
	"testing"
	"time"

	"github.com/danmuck/gdnp/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("node-a", "GET", "/health", 200, 12*time.Millisecond)
	RecordMessage("node-a", "in", "REQUEST")
	RecordViolation("node-a", "duplicate_request")
	RecordSessionEnd("node-a", "accepted", 40*time.Millisecond)
	SetActiveSessions("node-a", 2)
	RecordDiscovery("node-a", "locator")

	if got := testutil.ToFloat64(violations.WithLabelValues("node-a", "duplicate_request")); got != 1 {
		t.Fatalf("unexpected violation count: %v", got)
	}
	if got := testutil.ToFloat64(activeSessions.WithLabelValues("node-a")); got != 2 {
		t.Fatalf("unexpected active sessions: %v", got)
	}
	testlog.Logf("observability/metrics: registration idempotent and recording paths executed")
}
