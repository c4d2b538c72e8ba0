package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.SessionTransition("READY")
	m.SetLiveSessions(3)
	m.JobOutcome("delivered", time.Second)
	m.QueueRestart()
	m.Restore("ok")
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.SessionTransition("READY")
	m.JobOutcome("delivered", 10*time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)
	if !strings.Contains(text, `wamator_session_transitions_total{state="READY"} 1`) {
		t.Fatalf("missing transition counter:\n%s", text)
	}
	if !strings.Contains(text, `wamator_dispatch_jobs_total{outcome="delivered"} 1`) {
		t.Fatalf("missing job counter:\n%s", text)
	}
}
