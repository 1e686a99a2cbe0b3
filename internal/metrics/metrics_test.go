package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesCounters(t *testing.T) {
	t.Parallel()
	m := New()
	m.DispatchTotal.WithLabelValues("ok").Inc()
	m.RouteDecisions.WithLabelValues("ignore", "system_message").Add(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`relaybot_dispatch_total{result="ok"} 1`,
		`relaybot_route_decisions_total{action="ignore",rule="system_message"} 2`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestInstancesAreIndependent(t *testing.T) {
	t.Parallel()
	a, b := New(), New()
	a.RecordingErrors.Inc()
	if a.Registry() == b.Registry() {
		t.Fatal("registries must differ")
	}
}
