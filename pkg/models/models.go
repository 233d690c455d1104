package models

import (
	"encoding/json"
	"time"
)

// Actor types accepted in the request envelope.
const (
	ActorHuman   = "human"
	ActorAgent   = "agent"
	ActorService = "service"
)

// Terminal decisions recorded on every receipt.
const (
	DecisionAllowed     = "ALLOWED"
	DecisionBlocked     = "BLOCKED"
	DecisionTransformed = "TRANSFORMED"
	DecisionDegraded    = "DEGRADED"
)

// Wire-level reason codes.
const (
	ReasonInvalidEnvelope       = "INVALID_ENVELOPE"
	ReasonUnauthenticated       = "UNAUTHENTICATED"
	ReasonUnauthorized          = "UNAUTHORIZED"
	ReasonPolicyUnavailable     = "POLICY_UNAVAILABLE"
	ReasonSafetyBlock           = "SAFETY_BLOCK"
	ReasonDependencyUnavailable = "DEPENDENCY_UNAVAILABLE"
	ReasonLLMUnavailable        = "LLM_UNAVAILABLE"
	ReasonFailClosed            = "FAIL_CLOSED"
	ReasonOK                    = "OK"
)

// Risk classes are independent axes; one request may raise several.
const (
	RiskInjection      = "R1" // prompt injection / jailbreak
	RiskExfiltration   = "R2" // data exfiltration
	RiskHarmfulContent = "R3" // harmful content
	RiskToolAbuse      = "R4" // tool abuse
	RiskPolicyEvasion  = "R5" // policy evasion
)

// Severities attached to risk flags and incidents.
const (
	SeverityInfo     = "INFO"
	SeverityWarn     = "WARN"
	SeverityCritical = "CRITICAL"
)

// Actions a safety check may take.
const (
	ActionRedact        = "redact"
	ActionBlock         = "block"
	ActionRouteToBackup = "route_to_backup"
	ActionDowngrade     = "downgrade"
)

// ContextSegment is one labeled slice of caller-supplied context.
type ContextSegment struct {
	Label   string `json:"label"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

// RequestEnvelope is the normalized request every caller must submit.
// Immutable once accepted; lives only for the duration of one request.
type RequestEnvelope struct {
	SchemaVersion    string           `json:"schema_version"`
	RequestID        string           `json:"request_id"`
	ActorID          string           `json:"actor_id"`
	ActorType        string           `json:"actor_type"`
	TenantID         string           `json:"tenant_id"`
	WorkspaceID      string           `json:"workspace_id"`
	LogicalModelID   string           `json:"logical_model_id"`
	OperationType    string           `json:"operation_type"`
	SensitivityLevel string           `json:"sensitivity_level"`
	MaxTokens        int              `json:"max_tokens"`
	Temperature      *float64         `json:"temperature,omitempty"`
	TimeoutMS        int              `json:"timeout_ms"`
	Priority         int              `json:"priority"`
	Tools            []string         `json:"tools,omitempty"`
	ContextSegments  []ContextSegment `json:"context_segments"`
}

// Prompt joins the envelope's context segments into the text sent upstream.
func (e RequestEnvelope) Prompt() string {
	out := ""
	for i, seg := range e.ContextSegments {
		if i > 0 {
			out += "\n"
		}
		out += seg.Content
	}
	return out
}

// ParamBounds are tenant parameter ceilings enforced mid-pipeline.
type ParamBounds struct {
	MaxTokens      int      `json:"max_tokens"`
	MaxTemperature *float64 `json:"max_temperature,omitempty"`
	MaxTimeoutMS   int      `json:"max_timeout_ms"`
}

// RiskThresholds are tenant-tunable classifier cutoffs.
type RiskThresholds struct {
	Injection    float64 `json:"injection"`
	ContentWarn  float64 `json:"content_warn"`
	ContentCrit  float64 `json:"content_critical"`
	AlertMinimum string  `json:"alert_minimum"`
}

// PolicyRules is the rule bundle inside a snapshot.
type PolicyRules struct {
	ModelAllowList    []string            `json:"model_allow_list"`
	ToolAllowList     []string            `json:"tool_allow_list"`
	Bounds            ParamBounds         `json:"bounds"`
	Thresholds        RiskThresholds      `json:"thresholds"`
	FallbackRoutes    map[string][]string `json:"fallback_routes"`
	FailOpen          bool                `json:"fail_open"`
	FailOpenWorkloads []string            `json:"fail_open_workloads,omitempty"`
	ReceiptMaxRetries int                 `json:"receipt_max_retries"`
}

// PolicySnapshot is a versioned, immutable bundle of tenant rules.
// Owned by the cache; replaced atomically on refresh, never mutated.
type PolicySnapshot struct {
	TenantID   string      `json:"tenant_id"`
	SnapshotID string      `json:"snapshot_id"`
	VersionIDs []string    `json:"version_ids"`
	FetchedAt  time.Time   `json:"fetched_at"`
	Rules      PolicyRules `json:"rules"`
}

// AllowsModel reports whether the logical model is on the tenant allow-list.
func (s *PolicySnapshot) AllowsModel(model string) bool {
	for _, m := range s.Rules.ModelAllowList {
		if m == model {
			return true
		}
	}
	return false
}

// FallbackChain returns the approved fallback backends for a model.
func (s *PolicySnapshot) FallbackChain(model string) []string {
	if s.Rules.FallbackRoutes == nil {
		return nil
	}
	return s.Rules.FallbackRoutes[model]
}

// FailOpenAllowed reports whether an operation type is whitelisted for
// fail-open degradation. Fail-open is never implicit.
func (s *PolicySnapshot) FailOpenAllowed(operationType string) bool {
	if !s.Rules.FailOpen {
		return false
	}
	for _, op := range s.Rules.FailOpenWorkloads {
		if op == operationType {
			return true
		}
	}
	return false
}

// CheckResult is the outcome of one safety check.
type CheckResult struct {
	Check    string  `json:"check"`
	Stage    string  `json:"stage"`
	Score    float64 `json:"score,omitempty"`
	Action   string  `json:"action,omitempty"`
	Detail   string  `json:"detail,omitempty"`
	Duration int64   `json:"duration_ms"`
}

// RiskFlag pairs a risk class with the severity it was raised at.
type RiskFlag struct {
	Class    string  `json:"class"`
	Severity string  `json:"severity"`
	Score    float64 `json:"score,omitempty"`
}

// SafetyAssessment accumulates pipeline findings for one request.
// Append-only while the pipeline runs, then frozen.
type SafetyAssessment struct {
	AssessmentID string        `json:"assessment_id"`
	RequestID    string        `json:"request_id"`
	InputChecks  []CheckResult `json:"input_checks"`
	OutputChecks []CheckResult `json:"output_checks"`
	RiskClasses  []RiskFlag    `json:"risk_classes"`
	ActionsTaken []string      `json:"actions_taken"`
	PolicyStale  bool          `json:"policy_stale"`
}

// HasRisk reports whether a risk class was raised at any severity.
func (a *SafetyAssessment) HasRisk(class string) bool {
	for _, f := range a.RiskClasses {
		if f.Class == class {
			return true
		}
	}
	return false
}

// MaxSeverity returns the highest severity raised across all flags.
func (a *SafetyAssessment) MaxSeverity() string {
	max := ""
	for _, f := range a.RiskClasses {
		if severityRank(f.Severity) > severityRank(max) {
			max = f.Severity
		}
	}
	return max
}

func severityRank(s string) int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarn:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// SeverityAtLeast reports whether sev meets the min threshold.
func SeverityAtLeast(sev, min string) bool {
	return severityRank(sev) >= severityRank(min)
}

// Degradation stages of the routing state machine.
const (
	StageNone       = "NONE"
	StageDetected   = "DETECTED"
	StageRerouted   = "REROUTED"
	StageFailClosed = "FAIL_CLOSED"
	StageFailOpen   = "FAIL_OPEN"
)

// RoutingDecision records how the request reached (or failed to reach)
// a backend. One per request.
type RoutingDecision struct {
	BackendID        string   `json:"backend_id"`
	FallbackChain    []string `json:"fallback_chain"`
	AttemptedChain   []string `json:"attempted_chain"`
	DegradationStage string   `json:"degradation_stage"`
	FailOpen         bool     `json:"fail_open"`
}

// Usage is token accounting for one backend call.
type Usage struct {
	TokensIn  int `json:"tokens_in"`
	TokensOut int `json:"tokens_out"`
}

// ReceiptSignature is the detached signature on a receipt.
type ReceiptSignature struct {
	Alg string `json:"alg"`
	Kid string `json:"kid,omitempty"`
	Sig string `json:"sig"`
}

// Receipt is the tamper-evident record of one gateway decision.
// Written once, never updated.
type Receipt struct {
	ReceiptID        string           `json:"receipt_id"`
	RequestID        string           `json:"request_id"`
	TenantID         string           `json:"tenant_id"`
	PolicySnapshotID string           `json:"policy_snapshot_id"`
	PolicyStale      bool             `json:"policy_stale"`
	Decision         string           `json:"decision"`
	Reason           string           `json:"reason"`
	RiskFlags        []RiskFlag       `json:"risk_flags"`
	ActionsTaken     []string         `json:"actions_taken"`
	DegradationStage string           `json:"degradation_stage"`
	Usage            Usage            `json:"usage"`
	CreatedAt        time.Time        `json:"created_at"`
	Signature        ReceiptSignature `json:"signature"`
}

// SafetyIncident is a deduplicated safety event within a window.
type SafetyIncident struct {
	IncidentID       string    `json:"incident_id"`
	DedupeKey        string    `json:"dedupe_key"`
	RiskClass        string    `json:"risk_class"`
	Severity         string    `json:"severity"`
	TenantID         string    `json:"tenant_id"`
	ActorID          string    `json:"actor_id"`
	CorrelationHints []string  `json:"correlation_hints,omitempty"`
	FirstSeenAt      time.Time `json:"first_seen_at"`
	LastSeenAt       time.Time `json:"last_seen_at"`
	Count            int       `json:"count"`
	Status           string    `json:"status,omitempty"`
}

// Incident lifecycle states for the operator API.
const (
	IncidentStatusOpen         = "OPEN"
	IncidentStatusAcknowledged = "ACKNOWLEDGED"
	IncidentStatusResolved     = "RESOLVED"
)

// AlertPayload is the body forwarded to the alerting collaborator.
type AlertPayload struct {
	IncidentID       string   `json:"incident_id"`
	RiskClass        string   `json:"risk_class"`
	Severity         string   `json:"severity"`
	ActorID          string   `json:"actor_id"`
	TenantID         string   `json:"tenant_id"`
	Decision         string   `json:"decision"`
	ReceiptID        string   `json:"receipt_id"`
	DedupeKey        string   `json:"dedupe_key"`
	CorrelationHints []string `json:"correlation_hints,omitempty"`
}

// GatewayError is the error half of a gateway response.
type GatewayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// GatewayResponse is the outbound response shape.
type GatewayResponse struct {
	Decision  string          `json:"decision"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     *GatewayError   `json:"error,omitempty"`
	ReceiptID string          `json:"receipt_id"`
	RiskFlags []RiskFlag      `json:"risk_flags,omitempty"`
	Usage     *Usage          `json:"usage,omitempty"`
}
