package observability

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Recorders(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.Submitted("push", "accepted")
	m.Submitted("push", "accepted")
	m.Submitted("push", "throttled")
	m.Result("completed")
	m.WorkerConnected(1)
	m.WorkerConnected(1)
	m.WorkerConnected(-1)
	m.MaintenanceRun("evict-records", nil)
	m.MaintenanceRun("evict-records", errors.New("boom"))
	m.Dispatched(10 * time.Millisecond)
	m.Queued("c1", 3)
	m.Queued("c1", 2)

	expected := `
		# HELP spacebroker_requests_submitted_total Requester submissions by job kind and admission result
		# TYPE spacebroker_requests_submitted_total counter
		spacebroker_requests_submitted_total{kind="push",result="accepted"} 2
		spacebroker_requests_submitted_total{kind="push",result="throttled"} 1
	`
	if err := testutil.CollectAndCompare(m.RequestsSubmitted, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected submitted metrics: %v", err)
	}
	if got := testutil.ToFloat64(m.WorkerConnections); got != 1 {
		t.Errorf("worker connections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.MaintenanceRuns.WithLabelValues("evict-records", "error")); got != 1 {
		t.Errorf("maintenance errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.QueueDepth.WithLabelValues("c1")); got != 2 {
		t.Errorf("queue depth = %v, want 2", got)
	}
	if got := testutil.CollectAndCount(m.DispatchDuration); got != 1 {
		t.Errorf("dispatch histogram series = %d, want 1", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.Submitted("push", "accepted")
	m.Result("failed")
	m.UnknownResult()
	m.QuotaDenial("websocket")
	m.QuotaRefund("websocket")
	m.PollJob("started")
	m.ProviderCall("poll", time.Second)
	m.Upload("presigned", "success")
	m.RecordEvicted("expired")
	m.Registration("accepted")
	m.WorkerConnected(1)
	m.Dispatched(time.Second)
	m.MaintenanceRun("x", nil)
	m.Queued("c1", 1)
}
