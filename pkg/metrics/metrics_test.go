package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestObserveAggregatesEndpointStats(t *testing.T) {
	r := NewRegistry()
	r.Observe("/v1/llm/invoke", 200, 40*time.Millisecond)
	r.Observe("/v1/llm/invoke", 503, 80*time.Millisecond)

	snap := r.Snapshot()
	stat, ok := snap.Endpoints["/v1/llm/invoke"]
	if !ok {
		t.Fatalf("missing endpoint stat: %+v", snap.Endpoints)
	}
	if stat.Count != 2 || stat.ErrorCount != 1 {
		t.Fatalf("unexpected counts: %+v", stat)
	}
	if stat.MaxMillis != 80 || stat.AverageMillis != 60 {
		t.Fatalf("unexpected latency stats: %+v", stat)
	}
	if stat.LastStatusCode != 503 {
		t.Fatalf("unexpected last status: %+v", stat)
	}
}

func TestIncDecisionTracksReasonPairs(t *testing.T) {
	r := NewRegistry()
	r.IncDecision("ALLOWED", "OK")
	r.IncDecision("ALLOWED", "OK")
	r.IncDecision("BLOCKED", "SAFETY_BLOCK")
	r.IncDecision("", "OK")
	r.IncDecision("DEGRADED", "")

	snap := r.Snapshot()
	if snap.Decisions["ALLOWED"] != 2 || snap.Decisions["BLOCKED"] != 1 {
		t.Fatalf("unexpected decisions: %+v", snap.Decisions)
	}
	if snap.DecisionReason["ALLOWED|OK"] != 2 {
		t.Fatalf("unexpected pairs: %+v", snap.DecisionReason)
	}
	if snap.DecisionReason["DEGRADED|UNKNOWN"] != 1 {
		t.Fatalf("empty reason must map to UNKNOWN: %+v", snap.DecisionReason)
	}
	if _, ok := snap.Decisions[""]; ok {
		t.Fatal("empty decision must be dropped")
	}
}

func TestRiskDegradationAndCacheCounters(t *testing.T) {
	r := NewRegistry()
	r.IncRiskClass("R3")
	r.IncRiskClass("R3")
	r.IncDegradation("REROUTED")
	r.IncPolicyCache("hit")
	r.IncPolicyCache("stale")
	r.IncAlertSent()
	r.IncAlertSuppressed()
	r.IncAlertSuppressed()

	snap := r.Snapshot()
	if snap.RiskClasses["R3"] != 2 {
		t.Fatalf("unexpected risk classes: %+v", snap.RiskClasses)
	}
	if snap.Degradation["REROUTED"] != 1 {
		t.Fatalf("unexpected degradation: %+v", snap.Degradation)
	}
	if snap.PolicyCache["hit"] != 1 || snap.PolicyCache["stale"] != 1 {
		t.Fatalf("unexpected cache outcomes: %+v", snap.PolicyCache)
	}
	if snap.AlertsSent != 1 || snap.AlertsSuppressed != 2 {
		t.Fatalf("unexpected alert counters: %+v", snap)
	}
}

func TestObserveBackendLatency(t *testing.T) {
	r := NewRegistry()
	r.ObserveBackendLatency(100 * time.Millisecond)
	r.ObserveBackendLatency(300 * time.Millisecond)

	snap := r.Snapshot()
	lat := snap.BackendLatencyMS
	if lat.Count != 2 || lat.MaxMS != 300 || lat.LastMS != 300 {
		t.Fatalf("unexpected latency stat: %+v", lat)
	}
	if lat.AvgMS != 200 {
		t.Fatalf("unexpected average: %+v", lat)
	}
}

func TestHandlerServesJSONSnapshot(t *testing.T) {
	r := NewRegistry()
	r.IncDecision("ALLOWED", "OK")
	r.SetGauge("policy_cache_entries", 3)

	rec := httptest.NewRecorder()
	r.Handler()(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type: %q", ct)
	}
	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unexpected decode error: %+v", err)
	}
	if snap.Decisions["ALLOWED"] != 1 || snap.Gauges["policy_cache_entries"] != 3 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.GeneratedAt == "" {
		t.Fatal("snapshot must carry a timestamp")
	}
}

func TestPrometheusHandlerOutput(t *testing.T) {
	r := NewRegistry()
	r.Observe("/v1/llm/invoke", 200, 10*time.Millisecond)
	r.IncDecision("BLOCKED", "PROMPT_INJECTION")
	r.IncRiskClass("R1")
	r.IncDegradation("FAIL_CLOSED")
	r.IncPolicyCache("unavailable")
	r.IncAlertSent()

	rec := httptest.NewRecorder()
	r.PrometheusHandler()(rec, httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil))

	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type: %q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`modelgate_endpoint_count{endpoint="/v1/llm/invoke"} 1`,
		`modelgate_decision_total{decision="BLOCKED",reason="PROMPT_INJECTION"} 1`,
		`modelgate_risk_class_total{class="R1"} 1`,
		`modelgate_degradation_total{stage="FAIL_CLOSED"} 1`,
		`modelgate_policy_cache_total{outcome="unavailable"} 1`,
		`modelgate_alerts_total{state="sent"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing line %q in output:\n%s", want, body)
		}
	}
}
