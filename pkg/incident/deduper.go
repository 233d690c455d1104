package incident

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"modelgate/pkg/httpx"
	"modelgate/pkg/models"
)

// Alerter forwards a surviving alert to the alerting collaborator.
type Alerter interface {
	SendAlert(ctx context.Context, payload models.AlertPayload) error
}

// HTTPAlerter posts alerts with bounded backoff retry.
type HTTPAlerter struct {
	Client  *http.Client
	URL     string
	Headers map[string]string
	Retries int
}

func (a HTTPAlerter) SendAlert(ctx context.Context, payload models.AlertPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	status, _, err := httpx.RequestJSONBackoff(ctx, a.Client, http.MethodPost, a.URL, body, a.Headers, a.Retries, 100*time.Millisecond, 2*time.Second)
	if err != nil {
		return fmt.Errorf("alert dispatch: %w", err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("alert dispatch: upstream status %d", status)
	}
	return nil
}

// Journal persists incidents for the operator API. Upserts are keyed by
// dedupe_key so repeats bump count and last_seen_at in place.
type Journal interface {
	UpsertIncident(ctx context.Context, inc models.SafetyIncident) error
}

// Report is one safety detection worth an incident.
type Report struct {
	RiskClass        string
	Severity         string
	TenantID         string
	ActorID          string
	Decision         string
	ReceiptID        string
	CorrelationHints []string
}

// DedupeKey is the deterministic fingerprint collapsing repeated
// incidents: tenant + risk class + hash of correlation context.
func DedupeKey(tenantID, riskClass string, hints []string) string {
	return tenantID + ":" + riskClass + ":" + models.CorrelationHash(hints)
}

// Deduper collapses repeated incidents inside the window and forwards
// exactly one alert per window per dedupe key.
type Deduper struct {
	Window  WindowStore
	Alerter Alerter
	Journal Journal
	now     func() time.Time
}

func NewDeduper(window WindowStore, alerter Alerter, journal Journal) *Deduper {
	return &Deduper{
		Window:  window,
		Alerter: alerter,
		Journal: journal,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Observe records one occurrence. It returns the incident and whether
// an alert was dispatched (first occurrence in the window only).
func (d *Deduper) Observe(ctx context.Context, rep Report) (models.SafetyIncident, bool, error) {
	key := DedupeKey(rep.TenantID, rep.RiskClass, rep.CorrelationHints)
	occ, err := d.Window.Observe(ctx, key)
	if err != nil {
		return models.SafetyIncident{}, false, err
	}
	now := d.now()
	firstSeen := occ.FirstSeen
	if firstSeen.IsZero() || firstSeen.After(now) {
		firstSeen = now
	}
	inc := models.SafetyIncident{
		IncidentID:       uuid.New().String(),
		DedupeKey:        key,
		RiskClass:        rep.RiskClass,
		Severity:         rep.Severity,
		TenantID:         rep.TenantID,
		ActorID:          rep.ActorID,
		CorrelationHints: rep.CorrelationHints,
		FirstSeenAt:      firstSeen,
		LastSeenAt:       now,
		Count:            occ.Count,
		Status:           models.IncidentStatusOpen,
	}
	if d.Journal != nil {
		if err := d.Journal.UpsertIncident(ctx, inc); err != nil {
			log.Printf("incident: journal upsert failed for %s: %v", key, err)
		}
	}
	if occ.Count > 1 {
		return inc, false, nil
	}
	payload := models.AlertPayload{
		IncidentID:       inc.IncidentID,
		RiskClass:        rep.RiskClass,
		Severity:         rep.Severity,
		ActorID:          rep.ActorID,
		TenantID:         rep.TenantID,
		Decision:         rep.Decision,
		ReceiptID:        rep.ReceiptID,
		DedupeKey:        key,
		CorrelationHints: rep.CorrelationHints,
	}
	if err := d.Alerter.SendAlert(ctx, payload); err != nil {
		// The journal row stands; delivery is recoverable out of band.
		log.Printf("incident: alert dispatch failed for %s: %v", inc.IncidentID, err)
		return inc, false, err
	}
	return inc, true, nil
}
