package main

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"modelgate/pkg/httpx"
	"modelgate/pkg/models"

	"github.com/go-chi/chi/v5"
)

// handlePolicyInvalidate is the push-invalidation webhook from the
// policy service. The body is authenticated by an HMAC over the raw
// bytes, not by the bearer-token middleware, so the policy service
// needs no OIDC client.
func (s *Server) handlePolicyInvalidate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpx.Error(w, 400, "INVALID_BODY", "unreadable request body")
		return
	}
	if !verifyWebhookSignature(s.PolicyWebhookSecret, body, r.Header.Get("X-Policy-Signature")) {
		httpx.Error(w, 401, "BAD_SIGNATURE", "webhook signature mismatch")
		return
	}
	var req struct {
		TenantID   string `json:"tenant_id"`
		SnapshotID string `json:"snapshot_id"`
	}
	if err := json.Unmarshal(body, &req); err != nil || strings.TrimSpace(req.TenantID) == "" {
		httpx.Error(w, 400, "INVALID_BODY", "tenant_id required")
		return
	}
	s.Policies.Invalidate(req.TenantID)
	s.Metrics.IncPolicyCache("invalidate")
	httpx.WriteJSON(w, 202, map[string]string{"status": "accepted", "tenant_id": req.TenantID})
}

func (s *Server) listIncidents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	statusFilter := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status")))
	switch statusFilter {
	case "", models.IncidentStatusOpen, models.IncidentStatusAcknowledged, models.IncidentStatusResolved:
	default:
		httpx.Error(w, 400, "INVALID_STATUS", "unknown incident status")
		return
	}
	tenant, _ := s.tenantScope(r.Context())
	items, err := s.Journal.ListIncidents(r.Context(), tenant, statusFilter, limit)
	if err != nil {
		httpx.Error(w, 500, "INTERNAL", "failed to list incidents")
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"items": items})
}

func (s *Server) patchIncident(w http.ResponseWriter, r *http.Request) {
	incidentID := chi.URLParam(r, "incident_id")
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "INVALID_BODY", "invalid json")
		return
	}
	status := strings.ToUpper(strings.TrimSpace(req.Status))
	if status != models.IncidentStatusAcknowledged && status != models.IncidentStatusResolved {
		httpx.Error(w, 400, "INVALID_STATUS", "status must be ACKNOWLEDGED or RESOLVED")
		return
	}
	updated, err := s.Journal.SetIncidentStatus(r.Context(), incidentID, status)
	if err != nil {
		httpx.Error(w, 500, "INTERNAL", "incident update failed")
		return
	}
	if !updated {
		httpx.Error(w, 409, "INVALID_TRANSITION", "incident is not in an updatable state")
		return
	}
	httpx.WriteJSON(w, 200, map[string]string{"incident_id": incidentID, "status": status})
}
