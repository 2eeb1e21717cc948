package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGatherContainsExpectedSamples(t *testing.T) {
	r := New()
	r.PacketsReceived.Add(2)
	r.ActiveSessions.Set(5)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.Handler().ServeHTTP(rec, req)

	body, err := io.ReadAll(rec.Result().Body)
	if err != nil {
		t.Fatal(err)
	}
	out := string(body)

	if !strings.Contains(out, "plg_packets_received_total 2") {
		t.Fatalf("expected packets_received=2 in output:\n%s", out)
	}
	if !strings.Contains(out, "plg_active_sessions 5") {
		t.Fatalf("expected active_sessions=5 in output:\n%s", out)
	}
}

func TestSetActiveSessionsViaGaugeSetterInterface(t *testing.T) {
	r := New()
	r.SetActiveSessions(42)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.Handler().ServeHTTP(rec, req)

	body, _ := io.ReadAll(rec.Result().Body)
	if !strings.Contains(string(body), "plg_active_sessions 42") {
		t.Fatalf("expected active_sessions=42, got:\n%s", body)
	}
}
