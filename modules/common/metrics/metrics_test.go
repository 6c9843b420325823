package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestMetricsRecordAndExpose(t *testing.T) {
	m := New()
	m.JobStarted()
	m.JobStarted()
	m.JobFinished("failed", "PollingTimeout")
	m.Attempt(true)
	m.Attempt(false)
	m.Attempt(false)
	m.Poll("pending")
	m.Poll("")
	m.ObserveStage("validating", 250*time.Millisecond)

	body := scrape(t, m)
	for _, want := range []string{
		`quel_fitting_jobs_running 1`,
		`quel_fitting_jobs_finished_total{kind="PollingTimeout",status="failed"} 1`,
		`quel_fitting_attempts_total{outcome="rejected"} 2`,
		`quel_fitting_provider_polls_total{state="transport_error"} 1`,
		`quel_fitting_stage_duration_seconds_count{stage="validating"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.JobStarted()
	m.JobFinished("completed", "")
	m.Attempt(true)
	m.Poll("ready")
	m.ObserveStage("analyzing", time.Second)
	if m.Registry() != nil {
		t.Fatal("nil metrics should have no registry")
	}
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Fatalf("code = %d", rec.Code)
	}
}
