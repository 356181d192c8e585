package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecordAndExpose(t *testing.T) {
	m := New()
	m.TaskCreated("dataset_create")
	m.TaskCreated("dataset_create")
	m.TaskTransition("dataset_create", "sent")
	m.PlatformRequest("dataset_request_create", "ok", 20*time.Millisecond)
	m.ChangelogCursor(42)

	if got := testutil.ToFloat64(m.tasksCreated.WithLabelValues("dataset_create")); got != 2 {
		t.Fatalf("expected 2 created tasks, got %v", got)
	}
	if got := testutil.ToFloat64(m.changelogCursor); got != 42 {
		t.Fatalf("expected cursor gauge 42, got %v", got)
	}

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "platformbridge_platform_requests_total") {
		t.Fatalf("expected platform request counter in exposition, got %s", string(body))
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.TaskCreated("x")
	m.TaskTransition("x", "error")
	m.PlatformRequest("x", "error", time.Second)
	m.AuditEntry("x", "skipped")
	m.HarvestItem("gather", "ok")
	m.ReconcileRun(time.Second)
	if m.Registry() != nil {
		t.Fatalf("expected nil registry for nil metrics")
	}
}
