package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"modelgate/pkg/auth"
	"modelgate/pkg/httpx"
	"modelgate/pkg/incident"
	"modelgate/pkg/journal"
	"modelgate/pkg/models"
	"modelgate/pkg/policycache"
	"modelgate/pkg/safety"
	"modelgate/pkg/stream"

	"github.com/google/uuid"
)

// outcome is one terminal result of the invoke pipeline, carried to
// finalize so every exit path emits the same receipt/journal/alert set.
// reason goes on the receipt; errorCode, when set, is the wire error
// code the caller sees instead.
type outcome struct {
	status    int
	decision  string
	reason    string
	errorCode string
	message   string
	output    string
	usage     models.Usage
	route     models.RoutingDecision
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.Metrics.IncDecision(models.DecisionBlocked, models.ReasonInvalidEnvelope)
		writeReject(w, 400, models.ReasonInvalidEnvelope, "unreadable request body")
		return
	}
	env, err := s.Validator.Validate(body)
	if err != nil {
		// Structural rejection: fail fast, no receipt, no side effects.
		s.Metrics.IncDecision(models.DecisionBlocked, models.ReasonInvalidEnvelope)
		writeReject(w, 400, models.ReasonInvalidEnvelope, err.Error())
		return
	}
	caller := s.callerFor(r.Context(), env)

	idemKey := "invoke:" + env.TenantID + ":" + env.RequestID
	if cached, err := s.Cache.Get(r.Context(), "resp:"+idemKey); err == nil && cached != "" {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Idempotent-Replay", "true")
		w.WriteHeader(200)
		_, _ = w.Write([]byte(cached))
		return
	}
	if acquired, err := s.Cache.SetNX(r.Context(), "lock:"+idemKey, "1", s.IdempotencyTTL); err == nil && !acquired {
		writeReject(w, 409, "DUPLICATE_REQUEST", "request_id already in flight")
		return
	}

	snap, stale, err := s.Policies.Get(r.Context(), env.TenantID)
	if err != nil {
		if errors.Is(err, policycache.ErrUnavailable) {
			s.Metrics.IncPolicyCache("unavailable")
		}
		s.Metrics.IncDecision(models.DecisionBlocked, models.ReasonPolicyUnavailable)
		// Release the in-flight lock so the caller may retry once the
		// policy collaborator recovers.
		_ = s.Cache.Del(r.Context(), "lock:"+idemKey)
		writeReject(w, 503, models.ReasonPolicyUnavailable, "no usable policy snapshot for tenant")
		return
	}
	if stale {
		s.Metrics.IncPolicyCache("stale")
	} else {
		s.Metrics.IncPolicyCache("hit")
	}

	assessment := &models.SafetyAssessment{
		AssessmentID: uuid.NewString(),
		RequestID:    env.RequestID,
		PolicyStale:  stale,
	}
	target := &safety.Target{
		Envelope: &env,
		Snapshot: snap,
		Caller:   caller,
		Prompt:   env.Prompt(),
	}
	defer target.Scrub()

	timeout := s.DefaultTimeout
	if env.TimeoutMS > 0 {
		timeout = time.Millisecond * time.Duration(env.TimeoutMS)
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	if err := s.Pipeline.RunStage(ctx, safety.StagePre, false, target, assessment); err != nil {
		s.finalize(w, env, caller, snap, assessment, stageOutcome(err))
		return
	}
	if err := s.Pipeline.RunStage(ctx, safety.StageMid, false, target, assessment); err != nil {
		s.finalize(w, env, caller, snap, assessment, stageOutcome(err))
		return
	}

	revalidate := func(ctx context.Context, backendID string, essentialOnly bool) error {
		scratch := &models.SafetyAssessment{RequestID: env.RequestID, PolicyStale: stale}
		rt := &safety.Target{Envelope: target.Envelope, Snapshot: snap, Caller: caller, Prompt: target.Prompt}
		if err := s.Pipeline.RunStage(ctx, safety.StagePre, essentialOnly, rt, scratch); err != nil {
			return err
		}
		return s.Pipeline.RunStage(ctx, safety.StageMid, essentialOnly, rt, scratch)
	}

	backendStart := time.Now()
	result, route, err := s.Orchestrator.Execute(ctx, snap, target.Envelope, target.Prompt, revalidate)
	s.Metrics.ObserveBackendLatency(time.Since(backendStart))
	if err != nil {
		// The caller sees LLM_UNAVAILABLE; the receipt records why the
		// terminal state was reached.
		out := outcome{
			status:    503,
			decision:  models.DecisionBlocked,
			reason:    models.ReasonFailClosed,
			errorCode: models.ReasonLLMUnavailable,
			message:   "no model backend available",
			route:     route,
		}
		s.finalize(w, env, caller, snap, assessment, out)
		return
	}

	target.Output = result.Output
	if err := s.Pipeline.RunStage(ctx, safety.StagePost, route.FailOpen, target, assessment); err != nil {
		out := stageOutcome(err)
		out.route = route
		out.usage = result.Usage
		s.finalize(w, env, caller, snap, assessment, out)
		return
	}

	// A request a fallback backend served is DEGRADED even when every
	// safety check passed.
	decision := models.DecisionAllowed
	if route.FailOpen || route.DegradationStage == models.StageRerouted {
		decision = models.DecisionDegraded
	} else if transformed(assessment.ActionsTaken) {
		decision = models.DecisionTransformed
	}
	s.finalize(w, env, caller, snap, assessment, outcome{
		status:   200,
		decision: decision,
		reason:   models.ReasonOK,
		output:   target.Output,
		usage:    result.Usage,
		route:    route,
	})
}

// stageOutcome maps a safety pipeline error to its terminal outcome.
func stageOutcome(err error) outcome {
	var be *safety.BlockError
	if errors.As(err, &be) {
		status := 403
		if be.Reason == models.ReasonUnauthenticated {
			status = 401
		}
		return outcome{status: status, decision: models.DecisionBlocked, reason: be.Reason, message: be.Detail}
	}
	if errors.Is(err, safety.ErrDependency) {
		return outcome{status: 503, decision: models.DecisionBlocked, reason: models.ReasonDependencyUnavailable, message: "safety dependency unavailable"}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return outcome{status: 503, decision: models.DecisionBlocked, reason: models.ReasonDependencyUnavailable, message: "request deadline exceeded"}
	}
	return outcome{status: 503, decision: models.DecisionBlocked, reason: models.ReasonDependencyUnavailable, message: "safety pipeline failure"}
}

// finalize runs the common epilogue: receipt, journal row, incident
// dedup, metrics, event stream, idempotent response cache, and the
// HTTP response itself. The receipt is emitted before the response is
// written so the caller never observes a decision without one.
func (s *Server) finalize(w http.ResponseWriter, env models.RequestEnvelope, caller safety.Caller, snap *models.PolicySnapshot, assessment *models.SafetyAssessment, out outcome) {
	// finalize runs on the request's final state; collaborator calls
	// below use a detached context so a caller timeout cannot drop
	// the evidence trail.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stage := out.route.DegradationStage
	if stage == "" {
		stage = models.StageNone
	}
	rec := models.Receipt{
		ReceiptID:        uuid.NewString(),
		RequestID:        env.RequestID,
		TenantID:         env.TenantID,
		PolicySnapshotID: snap.SnapshotID,
		PolicyStale:      assessment.PolicyStale,
		Decision:         out.decision,
		Reason:           out.reason,
		RiskFlags:        assessment.RiskClasses,
		ActionsTaken:     assessment.ActionsTaken,
		DegradationStage: stage,
		Usage:            out.usage,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.Receipts.Emit(rec, snap.Rules.ReceiptMaxRetries); err != nil {
		s.Metrics.SetGauge("receipt_emit_failures", 1)
	}

	flags, _ := json.Marshal(assessment.RiskClasses)
	if err := s.Journal.RecordDecision(ctx, journal.DecisionRecord{
		RequestID:        env.RequestID,
		ReceiptID:        rec.ReceiptID,
		TenantID:         env.TenantID,
		ActorIDHash:      journal.HashActor(env.ActorID, s.Journal.HashSalt),
		Decision:         out.decision,
		Reason:           out.reason,
		PolicySnapshotID: snap.SnapshotID,
		PolicyStale:      assessment.PolicyStale,
		DegradationStage: stage,
		RiskFlags:        flags,
		CreatedAt:        rec.CreatedAt,
	}); err != nil {
		s.Metrics.SetGauge("journal_write_failures", 1)
	}

	s.raiseIncidents(ctx, env, snap, assessment, rec)

	s.Metrics.IncDecision(out.decision, out.reason)
	s.Metrics.IncDegradation(stage)
	for _, f := range assessment.RiskClasses {
		s.Metrics.IncRiskClass(f.Class)
	}

	s.Events.Publish(stream.NewEvent(stream.EventDecision, map[string]interface{}{
		"request_id":        env.RequestID,
		"tenant_id":         env.TenantID,
		"decision":          out.decision,
		"reason":            out.reason,
		"degradation_stage": stage,
		"receipt_id":        rec.ReceiptID,
	}))

	resp := models.GatewayResponse{
		Decision:  out.decision,
		ReceiptID: rec.ReceiptID,
		RiskFlags: assessment.RiskClasses,
	}
	if out.decision == models.DecisionBlocked {
		code := out.errorCode
		if code == "" {
			code = out.reason
		}
		resp.Error = &models.GatewayError{Code: code, Message: out.message}
	} else {
		encoded, err := json.Marshal(out.output)
		if err == nil {
			resp.Output = encoded
		}
		resp.Usage = &out.usage
	}
	encoded, err := json.Marshal(resp)
	if err != nil {
		httpx.Error(w, 500, "INTERNAL", "response encoding failed")
		return
	}
	idemKey := "invoke:" + env.TenantID + ":" + env.RequestID
	if out.status == 200 {
		_ = s.Cache.Set(ctx, "resp:"+idemKey, string(encoded), s.IdempotencyTTL)
	} else {
		// Non-200 outcomes are not cached; drop the in-flight lock so a
		// retry of the same request_id is not refused as a duplicate.
		_ = s.Cache.Del(ctx, "lock:"+idemKey)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(out.status)
	_, _ = w.Write(encoded)
}

// raiseIncidents feeds the deduper one report per distinct risk class
// at or above the tenant's alert floor.
func (s *Server) raiseIncidents(ctx context.Context, env models.RequestEnvelope, snap *models.PolicySnapshot, assessment *models.SafetyAssessment, rec models.Receipt) {
	floor := snap.Rules.Thresholds.AlertMinimum
	if floor == "" {
		floor = models.SeverityWarn
	}
	seen := map[string]bool{}
	for _, f := range assessment.RiskClasses {
		if seen[f.Class] || !models.SeverityAtLeast(f.Severity, floor) {
			continue
		}
		seen[f.Class] = true
		inc, alerted, err := s.Incidents.Observe(ctx, incident.Report{
			RiskClass:        f.Class,
			Severity:         f.Severity,
			TenantID:         env.TenantID,
			ActorID:          env.ActorID,
			Decision:         rec.Decision,
			ReceiptID:        rec.ReceiptID,
			CorrelationHints: []string{env.ActorID, env.LogicalModelID, env.OperationType},
		})
		if err != nil {
			s.Metrics.SetGauge("incident_observe_failures", 1)
			continue
		}
		if alerted {
			s.Metrics.IncAlertSent()
			s.Events.Publish(stream.NewEvent(stream.EventIncident, map[string]interface{}{
				"incident_id": inc.IncidentID,
				"tenant_id":   inc.TenantID,
				"risk_class":  inc.RiskClass,
				"severity":    inc.Severity,
			}))
		} else {
			s.Metrics.IncAlertSuppressed()
		}
	}
}

// callerFor binds the request to the authenticated principal; with
// auth off the envelope's own identity is trusted (local runs only).
func (s *Server) callerFor(ctx context.Context, env models.RequestEnvelope) safety.Caller {
	if strings.EqualFold(s.AuthMode, "off") {
		return safety.Caller{Subject: env.ActorID, TenantID: env.TenantID, ActorType: env.ActorType}
	}
	principal, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return safety.Caller{}
	}
	return safety.Caller{Subject: principal.Subject, TenantID: principal.TenantID, ActorType: principal.ActorType}
}

func transformed(actions []string) bool {
	for _, a := range actions {
		if a == models.ActionRedact || a == models.ActionDowngrade {
			return true
		}
	}
	return false
}

// writeReject answers pre-policy rejections, which carry no receipt.
func writeReject(w http.ResponseWriter, status int, code, message string) {
	httpx.WriteJSON(w, status, models.GatewayResponse{
		Decision: models.DecisionBlocked,
		Error:    &models.GatewayError{Code: code, Message: message},
	})
}
