package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"modelgate/pkg/httpx"
	"modelgate/pkg/models"
	"modelgate/pkg/telemetry"

	"github.com/go-chi/chi/v5"
)

// mock-upstreams serves every collaborator the gateway talks to from
// one process: policy snapshots, redaction, model backends, the
// evidence store and the alert sink. Local development only.

type upstreams struct {
	mu           sync.Mutex
	receipts     []models.Receipt
	alerts       []models.AlertPayload
	failBackends map[string]int
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runMockUpstreams(initTelemetryFn, listenFn); err != nil {
		logFatalf("server error: %v", err)
	}
}

func (u *upstreams) policy(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant_id")
	if tenant == "tenant-missing" {
		httpx.Error(w, 404, "NOT_FOUND", "unknown tenant")
		return
	}
	temperatureMax := 1.0
	httpx.WriteJSON(w, 200, models.PolicySnapshot{
		TenantID:   tenant,
		SnapshotID: "snap-" + tenant + "-1",
		VersionIDs: []string{"v1"},
		FetchedAt:  time.Now().UTC(),
		Rules: models.PolicyRules{
			ModelAllowList: []string{"gpt-large", "gpt-small", "local-llm"},
			ToolAllowList:  []string{"search", "calculator"},
			Bounds: models.ParamBounds{
				MaxTokens:      envInt("MOCK_MAX_TOKENS", 512),
				MaxTimeoutMS:   30000,
				MaxTemperature: &temperatureMax,
			},
			Thresholds: models.RiskThresholds{
				Injection:    0.35,
				ContentWarn:  0.35,
				ContentCrit:  0.65,
				AlertMinimum: models.SeverityWarn,
			},
			FallbackRoutes: map[string][]string{
				"gpt-large": {"gpt-small", "local-llm"},
			},
			FailOpen:          env("MOCK_FAIL_OPEN", "") == "true",
			FailOpenWorkloads: splitList(env("MOCK_FAIL_OPEN_WORKLOADS", "completion")),
			ReceiptMaxRetries: 3,
		},
	})
}

var (
	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	ssnRe   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
)

func (u *upstreams) redact(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "INVALID_BODY", "invalid json")
		return
	}
	count := 0
	redacted := emailRe.ReplaceAllStringFunc(req.Content, func(string) string {
		count++
		return "[EMAIL]"
	})
	redacted = ssnRe.ReplaceAllStringFunc(redacted, func(string) string {
		count++
		return "[SSN]"
	})
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"redacted_content": redacted,
		"redaction_counts": count,
	})
}

func (u *upstreams) invoke(backend string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		remaining := u.failBackends[backend]
		if remaining != 0 {
			if remaining > 0 {
				u.failBackends[backend] = remaining - 1
			}
			u.mu.Unlock()
			httpx.Error(w, 503, "UPSTREAM_FAULT", "injected fault")
			return
		}
		u.mu.Unlock()
		var req struct {
			Prompt    string `json:"prompt"`
			MaxTokens int    `json:"max_tokens"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpx.Error(w, 400, "INVALID_BODY", "invalid json")
			return
		}
		words := len(strings.Fields(req.Prompt))
		httpx.WriteJSON(w, 200, map[string]interface{}{
			"output": "[" + backend + "] completion for " + strconv.Itoa(words) + " prompt words",
			"usage":  models.Usage{TokensIn: words, TokensOut: req.MaxTokens / 4},
		})
	}
}

// fail arms fault injection: POST /admin/fail/{backend}?count=N makes
// the next N calls to that backend return 503. count=-1 fails forever.
func (u *upstreams) fail(w http.ResponseWriter, r *http.Request) {
	backend := chi.URLParam(r, "backend")
	count := -1
	if raw := r.URL.Query().Get("count"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			count = n
		}
	}
	u.mu.Lock()
	u.failBackends[backend] = count
	u.mu.Unlock()
	httpx.WriteJSON(w, 200, map[string]interface{}{"backend": backend, "count": count})
}

// storeReceipt is idempotent by receipt_id: re-dispatching the same
// receipt overwrites the stored copy instead of duplicating it.
func (u *upstreams) storeReceipt(w http.ResponseWriter, r *http.Request) {
	var rec models.Receipt
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		httpx.Error(w, 400, "INVALID_BODY", "invalid json")
		return
	}
	u.mu.Lock()
	stored := false
	for i := range u.receipts {
		if u.receipts[i].ReceiptID == rec.ReceiptID {
			u.receipts[i] = rec
			stored = true
			break
		}
	}
	if !stored {
		u.receipts = append(u.receipts, rec)
	}
	u.mu.Unlock()
	httpx.WriteJSON(w, 201, map[string]string{"receipt_id": rec.ReceiptID})
}

func (u *upstreams) listReceipts(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	defer u.mu.Unlock()
	httpx.WriteJSON(w, 200, map[string]interface{}{"items": u.receipts})
}

func (u *upstreams) storeAlert(w http.ResponseWriter, r *http.Request) {
	var alert models.AlertPayload
	if err := json.NewDecoder(r.Body).Decode(&alert); err != nil {
		httpx.Error(w, 400, "INVALID_BODY", "invalid json")
		return
	}
	u.mu.Lock()
	u.alerts = append(u.alerts, alert)
	u.mu.Unlock()
	httpx.WriteJSON(w, 202, map[string]string{"incident_id": alert.IncidentID})
}

func (u *upstreams) listAlerts(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	defer u.mu.Unlock()
	httpx.WriteJSON(w, 200, map[string]interface{}{"items": u.alerts})
}

func (u *upstreams) router(middlewares ...func(http.Handler) http.Handler) *chi.Mux {
	r := chi.NewRouter()
	for _, mw := range middlewares {
		r.Use(mw)
	}
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "mock-upstreams"})
	})
	r.Get("/v1/policy/{tenant_id}", u.policy)
	r.Post("/v1/redact", u.redact)
	r.Post("/backends/gpt-large/invoke", u.invoke("gpt-large"))
	r.Post("/backends/gpt-small/invoke", u.invoke("gpt-small"))
	r.Post("/backends/local-llm/invoke", u.invoke("local-llm"))
	r.Post("/admin/fail/{backend}", u.fail)
	r.Post("/v1/receipts", u.storeReceipt)
	r.Get("/v1/receipts", u.listReceipts)
	r.Post("/v1/alerts", u.storeAlert)
	r.Get("/v1/alerts", u.listAlerts)
	return r
}

func runMockUpstreams(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	shutdown, err := initTelemetry(context.Background(), "mock-upstreams")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	u := &upstreams{failBackends: map[string]int{}}
	r := u.router(telemetry.HTTPMiddleware("mock-upstreams"))

	addr := env("ADDR", ":8090")
	log.Printf("mock-upstreams listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: time.Second * time.Duration(envInt("HTTP_READ_HEADER_TIMEOUT_SEC", 5)),
		ReadTimeout:       time.Second * time.Duration(envInt("HTTP_READ_TIMEOUT_SEC", 15)),
		WriteTimeout:      time.Second * time.Duration(envInt("HTTP_WRITE_TIMEOUT_SEC", 30)),
		IdleTimeout:       time.Second * time.Duration(envInt("HTTP_IDLE_TIMEOUT_SEC", 120)),
	}
	return listen(server)
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
