package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry is the gateway's in-process metrics store. Counters are
// keyed by decision, reason, risk class, and degradation stage; the
// snapshot is served as JSON and Prometheus text.
type Registry struct {
	mu              sync.RWMutex
	endpoint        map[string]*EndpointStat
	decision        map[string]int64
	reason          map[string]int64
	decisionReason  map[string]int64
	riskClass       map[string]int64
	degradation     map[string]int64
	policyCache     map[string]int64
	alertsSent      int64
	alertsSuppressed int64
	gauges          map[string]float64
	backendLatency  LatencyStat
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type LatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt      string                  `json:"generated_at"`
	Endpoints        map[string]EndpointStat `json:"endpoints"`
	Decisions        map[string]int64        `json:"decisions"`
	Reasons          map[string]int64        `json:"reasons"`
	DecisionReason   map[string]int64        `json:"decision_reason"`
	RiskClasses      map[string]int64        `json:"risk_classes"`
	Degradation      map[string]int64        `json:"degradation_stages"`
	PolicyCache      map[string]int64        `json:"policy_cache"`
	AlertsSent       int64                   `json:"alerts_sent_total"`
	AlertsSuppressed int64                   `json:"alerts_suppressed_total"`
	Gauges           map[string]float64      `json:"gauges"`
	BackendLatencyMS LatencyStat             `json:"backend_latency_ms"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:       map[string]*EndpointStat{},
		decision:       map[string]int64{},
		reason:         map[string]int64{},
		decisionReason: map[string]int64{},
		riskClass:      map[string]int64{},
		degradation:    map[string]int64{},
		policyCache:    map[string]int64{},
		gauges:         map[string]float64{},
	}
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) IncDecision(decision, reason string) {
	decision = strings.TrimSpace(decision)
	if decision == "" {
		return
	}
	if reason == "" {
		reason = "UNKNOWN"
	}
	r.mu.Lock()
	r.decision[decision]++
	r.reason[reason]++
	r.decisionReason[decision+"|"+reason]++
	r.mu.Unlock()
}

func (r *Registry) IncRiskClass(class string) {
	if class == "" {
		return
	}
	r.mu.Lock()
	r.riskClass[class]++
	r.mu.Unlock()
}

func (r *Registry) IncDegradation(stage string) {
	if stage == "" {
		return
	}
	r.mu.Lock()
	r.degradation[stage]++
	r.mu.Unlock()
}

// IncPolicyCache counts cache outcomes: hit, stale, refresh, unavailable.
func (r *Registry) IncPolicyCache(outcome string) {
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.policyCache[outcome]++
	r.mu.Unlock()
}

func (r *Registry) IncAlertSent() {
	r.mu.Lock()
	r.alertsSent++
	r.mu.Unlock()
}

func (r *Registry) IncAlertSuppressed() {
	r.mu.Lock()
	r.alertsSuppressed++
	r.mu.Unlock()
}

func (r *Registry) ObserveBackendLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backendLatency.Count++
	r.backendLatency.TotalMS += ms
	r.backendLatency.LastMS = ms
	if ms > r.backendLatency.MaxMS {
		r.backendLatency.MaxMS = ms
	}
	r.backendLatency.AvgMS = float64(r.backendLatency.TotalMS) / float64(r.backendLatency.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:      time.Now().UTC().Format(time.RFC3339),
		Endpoints:        make(map[string]EndpointStat, len(r.endpoint)),
		Decisions:        make(map[string]int64, len(r.decision)),
		Reasons:          make(map[string]int64, len(r.reason)),
		DecisionReason:   make(map[string]int64, len(r.decisionReason)),
		RiskClasses:      make(map[string]int64, len(r.riskClass)),
		Degradation:      make(map[string]int64, len(r.degradation)),
		PolicyCache:      make(map[string]int64, len(r.policyCache)),
		AlertsSent:       r.alertsSent,
		AlertsSuppressed: r.alertsSuppressed,
		Gauges:           make(map[string]float64, len(r.gauges)),
		BackendLatencyMS: r.backendLatency,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.decision {
		out.Decisions[k] = v
	}
	for k, v := range r.reason {
		out.Reasons[k] = v
	}
	for k, v := range r.decisionReason {
		out.DecisionReason[k] = v
	}
	for k, v := range r.riskClass {
		out.RiskClasses[k] = v
	}
	for k, v := range r.degradation {
		out.Degradation[k] = v
	}
	for k, v := range r.policyCache {
		out.PolicyCache[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP modelgate_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE modelgate_endpoint_count counter\n")
		for _, ep := range sortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "modelgate_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP modelgate_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE modelgate_endpoint_error_count counter\n")
		for _, ep := range sortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "modelgate_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP modelgate_decision_total decisions by outcome and reason\n")
		b.WriteString("# TYPE modelgate_decision_total counter\n")
		for _, key := range sortedKeys(snap.DecisionReason) {
			parts := strings.SplitN(key, "|", 2)
			reason := "UNKNOWN"
			if len(parts) == 2 {
				reason = parts[1]
			}
			fmt.Fprintf(b, "modelgate_decision_total{decision=%q,reason=%q} %d\n", parts[0], reason, snap.DecisionReason[key])
		}
		b.WriteString("# HELP modelgate_risk_class_total risk flags raised by class\n")
		b.WriteString("# TYPE modelgate_risk_class_total counter\n")
		for _, class := range sortedKeys(snap.RiskClasses) {
			fmt.Fprintf(b, "modelgate_risk_class_total{class=%q} %d\n", class, snap.RiskClasses[class])
		}
		b.WriteString("# HELP modelgate_degradation_total requests by terminal degradation stage\n")
		b.WriteString("# TYPE modelgate_degradation_total counter\n")
		for _, stage := range sortedKeys(snap.Degradation) {
			fmt.Fprintf(b, "modelgate_degradation_total{stage=%q} %d\n", stage, snap.Degradation[stage])
		}
		b.WriteString("# HELP modelgate_policy_cache_total policy cache outcomes\n")
		b.WriteString("# TYPE modelgate_policy_cache_total counter\n")
		for _, outcome := range sortedKeys(snap.PolicyCache) {
			fmt.Fprintf(b, "modelgate_policy_cache_total{outcome=%q} %d\n", outcome, snap.PolicyCache[outcome])
		}
		b.WriteString("# HELP modelgate_alerts_total incident alerts sent and suppressed\n")
		b.WriteString("# TYPE modelgate_alerts_total counter\n")
		fmt.Fprintf(b, "modelgate_alerts_total{state=%q} %d\n", "sent", snap.AlertsSent)
		fmt.Fprintf(b, "modelgate_alerts_total{state=%q} %d\n", "suppressed", snap.AlertsSuppressed)
		b.WriteString("# HELP modelgate_backend_latency_ms backend call latency in ms\n")
		b.WriteString("# TYPE modelgate_backend_latency_ms gauge\n")
		fmt.Fprintf(b, "modelgate_backend_latency_ms{stat=%q} %d\n", "last", snap.BackendLatencyMS.LastMS)
		fmt.Fprintf(b, "modelgate_backend_latency_ms{stat=%q} %.3f\n", "avg", snap.BackendLatencyMS.AvgMS)
		fmt.Fprintf(b, "modelgate_backend_latency_ms{stat=%q} %d\n", "max", snap.BackendLatencyMS.MaxMS)
		b.WriteString("# HELP modelgate_gauge operational gauges\n")
		b.WriteString("# TYPE modelgate_gauge gauge\n")
		for _, name := range sortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "modelgate_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
