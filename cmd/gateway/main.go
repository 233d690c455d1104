package main

import (
	"context"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"modelgate/pkg/auth"
	"modelgate/pkg/envelope"
	"modelgate/pkg/hardening"
	"modelgate/pkg/httpx"
	"modelgate/pkg/incident"
	"modelgate/pkg/journal"
	"modelgate/pkg/metrics"
	"modelgate/pkg/policybus"
	"modelgate/pkg/policycache"
	"modelgate/pkg/receipt"
	"modelgate/pkg/routing"
	"modelgate/pkg/safety"
	"modelgate/pkg/store"
	"modelgate/pkg/stream"
	"modelgate/pkg/telemetry"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type gatewayDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

type Server struct {
	Journal             *journal.Writer
	Cache               store.Cache
	HTTPClient          *http.Client
	Validator           *envelope.Validator
	Policies            *policycache.Cache
	Pipeline            *safety.Pipeline
	Orchestrator        *routing.Orchestrator
	Receipts            *receipt.Emitter
	Incidents           *incident.Deduper
	Metrics             *metrics.Registry
	Events              *stream.Hub
	AuthMode            string
	AuthSecret          string
	PolicyWebhookSecret string
	DefaultTimeout      time.Duration
	IdempotencyTTL      time.Duration
	MaxRequestBodyBytes int64
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(s *Server) {
		s.Receipts.Start()
		if brokers := env("POLICY_BUS_BROKERS", ""); brokers != "" {
			consumer, err := policybus.NewKafkaConsumer(policybus.KafkaConfig{
				Brokers: splitList(brokers),
				Topic:   env("POLICY_BUS_TOPIC", "policy-invalidations"),
				GroupID: env("POLICY_BUS_GROUP", "gateway"),
			})
			if err != nil {
				log.Printf("policy bus disabled: %v", err)
			} else {
				go policybus.Run(context.Background(), consumer, s.Policies)
			}
		}
	}
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/windows: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	validator, err := envelope.New()
	if err != nil {
		return fmt.Errorf("envelope schema: %w", err)
	}

	httpClient := telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("UPSTREAM_TIMEOUT_MS", 5000))})

	journalWriter := &journal.Writer{DB: pool, HashSalt: []byte(env("ACTOR_HASH_SALT", ""))}

	policies := policycache.New(
		policycache.HTTPFetcher{
			Client:  httpClient,
			BaseURL: env("POLICY_URL", "http://localhost:8082"),
			Headers: authHeaderMap(env("POLICY_AUTH_HEADER", ""), env("POLICY_AUTH_TOKEN", "")),
		},
		policycache.WithFreshWindow(time.Second*time.Duration(envInt("POLICY_FRESH_WINDOW_SEC", 60))),
		policycache.WithStaleCeiling(time.Second*time.Duration(envInt("POLICY_STALE_CEILING_SEC", 300))),
		policycache.WithRefreshTimeout(time.Millisecond*time.Duration(envInt("POLICY_REFRESH_TIMEOUT_MS", 500))),
	)

	signer, err := buildSigner(env("RECEIPT_SIGNING_SEED", ""), env("RECEIPT_SIGNING_KID", "gateway-1"))
	if err != nil {
		return fmt.Errorf("receipt signer: %w", err)
	}
	emitter := receipt.NewEmitter(
		signer,
		receipt.HTTPStore{
			Client:  httpClient,
			URL:     env("EVIDENCE_URL", "http://localhost:8086") + "/v1/receipts",
			Headers: authHeaderMap(env("EVIDENCE_AUTH_HEADER", ""), env("EVIDENCE_AUTH_TOKEN", "")),
		},
		journalWriter,
		receipt.EmitterConfig{
			QueueSize: envInt("RECEIPT_QUEUE_SIZE", 256),
			BaseDelay: time.Millisecond * time.Duration(envInt("RECEIPT_RETRY_BASE_MS", 100)),
		},
	)

	var window incident.WindowStore
	dedupWindow := time.Second * time.Duration(envInt("INCIDENT_WINDOW_SEC", 600))
	if redisClient != nil {
		window = incident.NewRedisWindow(redisClient, dedupWindow)
	} else {
		window = incident.NewMemoryWindow(dedupWindow)
	}
	deduper := incident.NewDeduper(
		window,
		incident.HTTPAlerter{
			Client:  httpClient,
			URL:     env("ALERT_URL", "http://localhost:8087") + "/v1/alerts",
			Headers: authHeaderMap(env("ALERT_AUTH_HEADER", ""), env("ALERT_AUTH_TOKEN", "")),
			Retries: envInt("ALERT_RETRIES", 3),
		},
		journalWriter,
	)

	redactor := safety.HTTPRedactor{
		Client:  httpClient,
		URL:     env("REDACTION_URL", "http://localhost:8088") + "/v1/redact",
		Headers: authHeaderMap(env("REDACTION_AUTH_HEADER", ""), env("REDACTION_AUTH_TOKEN", "")),
	}
	pipeline := safety.NewPipeline(buildDetectors(env("INJECTION_MODE", "block"), redactor)...)

	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}

	s := &Server{
		Journal:    journalWriter,
		Cache:      cache,
		HTTPClient: httpClient,
		Validator:  validator,
		Policies:   policies,
		Pipeline:   pipeline,
		Orchestrator: &routing.Orchestrator{Executor: routing.HTTPExecutor{
			Client:     httpClient,
			Endpoints:  parseEndpoints(env("BACKEND_ENDPOINTS", "")),
			Headers:    authHeaderMap(env("BACKEND_AUTH_HEADER", ""), env("BACKEND_AUTH_TOKEN", "")),
			Retries:    envInt("BACKEND_RETRIES", 2),
			RetryDelay: time.Millisecond * time.Duration(envInt("BACKEND_RETRY_DELAY_MS", 50)),
		}},
		Receipts:            emitter,
		Incidents:           deduper,
		Metrics:             metrics.NewRegistry(),
		Events:              stream.NewHub(),
		AuthMode:            env("AUTH_MODE", "oidc_hs256"),
		AuthSecret:          env("OIDC_HS256_SECRET", ""),
		PolicyWebhookSecret: env("POLICY_WEBHOOK_SECRET", ""),
		DefaultTimeout:      time.Millisecond * time.Duration(envInt("DEFAULT_INVOKE_TIMEOUT_MS", 30000)),
		IdempotencyTTL:      time.Second * time.Duration(envInt("IDEMPOTENCY_TTL_SEC", 600)),
		MaxRequestBodyBytes: maxRequestBodyBytes,
	}
	if strings.EqualFold(s.AuthMode, "off") && env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
		return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "gateway",
		Environment:           env("ENVIRONMENT", env("APP_ENV", "")),
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		AuthMode:              s.AuthMode,
		ReceiptSigningSeed:    env("RECEIPT_SIGNING_SEED", ""),
		RequiredSecrets: []hardening.EnvRequirement{
			{Name: "OIDC_HS256_SECRET", Value: s.AuthSecret},
			{Name: "POLICY_WEBHOOK_SECRET", Value: s.PolicyWebhookSecret},
		},
	}); err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(httpx.BodyLimitMiddleware(s.MaxRequestBodyBytes))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})
	r.Post("/v1/policy/invalidate", s.handlePolicyInvalidate)

	authRouter := chi.NewRouter()
	authRouter.Use(auth.Middleware(
		s.AuthMode,
		s.AuthSecret,
		auth.WithIssuer(env("OIDC_ISSUER", "")),
		auth.WithAudience(env("OIDC_AUDIENCE", "")),
	))
	authRouter.Get("/metrics", s.Metrics.Handler())
	authRouter.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	authRouter.Post("/v1/llm/invoke", s.handleInvoke)
	authRouter.Get("/v1/incidents", s.withRoles(s.listIncidents, "operator", "securityadmin"))
	authRouter.Patch("/v1/incidents/{incident_id}", s.withRoles(s.patchIncident, "operator", "securityadmin"))
	authRouter.Get("/v1/stream", s.withRoles(s.streamEvents, "operator", "securityadmin"))
	r.Mount("/", authRouter)

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: time.Second * time.Duration(envInt("HTTP_READ_HEADER_TIMEOUT_SEC", 5)),
		ReadTimeout:       time.Second * time.Duration(envInt("HTTP_READ_TIMEOUT_SEC", 15)),
		WriteTimeout:      time.Second * time.Duration(envInt("HTTP_WRITE_TIMEOUT_SEC", 60)),
		IdleTimeout:       time.Second * time.Duration(envInt("HTTP_IDLE_TIMEOUT_SEC", 120)),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

// buildDetectors wires the safety stages in evaluation order. Pre runs
// identity binding, injection scoring, PII redaction and then the
// preamble guard, so classifier scoring and the redaction collaborator
// only ever see caller content; mid clamps parameters; post screens
// the output.
func buildDetectors(injectionMode string, redactor safety.Redactor) []safety.Detector {
	var injection safety.Detector
	if strings.EqualFold(injectionMode, "strip") {
		injection = safety.InjectionStrip()
	} else {
		injection = safety.InjectionCheck()
	}
	return []safety.Detector{
		safety.IdentityCheck(),
		injection,
		safety.PIIRedaction(redactor),
		safety.MetaPromptGuard(),
		safety.BoundsCheck(),
		safety.ContentCheck(),
		safety.ToolCallCheck(),
		safety.OutputPIIRescan(redactor),
	}
}

func buildSigner(seedHex, kid string) (receipt.Signer, error) {
	if seedHex == "" {
		// Ephemeral key for local runs; receipts stay verifiable for
		// the lifetime of the process only.
		_, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			return receipt.Signer{}, err
		}
		log.Printf("RECEIPT_SIGNING_SEED unset, using ephemeral key")
		return receipt.Signer{Key: priv, Kid: kid}, nil
	}
	seed, err := hex.DecodeString(strings.TrimSpace(seedHex))
	if err != nil {
		return receipt.Signer{}, fmt.Errorf("decode seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return receipt.Signer{}, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return receipt.Signer{Key: ed25519.NewKeyFromSeed(seed), Kid: kid}, nil
}

// parseEndpoints reads "backend-a=http://host:port,backend-b=..." into
// the executor's endpoint map.
func parseEndpoints(raw string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key != "" && value != "" {
			out[key] = value
		}
	}
	return out
}

func authHeaderMap(header, token string) map[string]string {
	if header == "" || token == "" {
		return nil
	}
	return map[string]string{header: token}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		s.Metrics.Observe(r.Method+" "+r.URL.Path, rec.code, time.Since(start))
	})
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(s.AuthMode, "off") {
			h(w, r)
			return
		}
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, 401, "UNAUTHENTICATED", "unauthenticated")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.Error(w, 403, "UNAUTHORIZED", "forbidden")
			return
		}
		h(w, r)
	}
}

// tenantScope returns the tenant the caller is confined to. Security
// admins see across tenants.
func (s *Server) tenantScope(ctx context.Context) (string, bool) {
	if strings.EqualFold(s.AuthMode, "off") {
		return "", false
	}
	principal, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return "", false
	}
	if auth.HasAnyRole(principal, "securityadmin") {
		return "", false
	}
	tenant := strings.TrimSpace(principal.TenantID)
	return tenant, tenant != ""
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "UNAVAILABLE", "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := splitList(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

// verifyWebhookSignature checks the hex HMAC-SHA256 of the raw body
// carried in X-Policy-Signature.
func verifyWebhookSignature(secret string, body []byte, signature string) bool {
	if secret == "" {
		return true
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
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

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
