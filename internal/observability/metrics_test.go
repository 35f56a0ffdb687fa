package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/capturectl/internal/logging"
	"github.com/danmuck/capturectl/internal/testutil/testlog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	SetNodeCounts(2, 1)
	RecordHeartbeat("node-a", true)
	RecordHeartbeat("node-a", false)
	RecordClockOffset("node-a", int64(3*time.Millisecond), false)
	RecordClockOffset("node-a", int64(4*time.Millisecond), true)
	RecordCommand("start_recording", true, 12*time.Millisecond)
	RecordSessionState("recording")
	RecordTransfer(true, 1024)
	RecordTransfer(false, 0)
	ForgetNode("node-a")
}

func TestMetricsHandlerExposesSeries(t *testing.T) {
	testlog.Start(t)
	RecordSessionState("archived")
	srv := httptest.NewServer(MetricsHandler(logging.Component("metrics")))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "capturectl_session_transitions_total") {
		t.Fatalf("status=%d missing session series", resp.StatusCode)
	}

	health, err := http.Get(srv.URL + "/healthz")
	if err != nil || health.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %v", err)
	}
	health.Body.Close()
}
