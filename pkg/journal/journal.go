package journal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"modelgate/pkg/models"
)

type journalDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer is the gateway's local journal: decision summaries, receipt
// dead letters, and deduplicated incidents. The durable evidence store
// is a separate collaborator; this journal exists for operator queries
// and out-of-band recovery.
type Writer struct {
	DB       journalDB
	HashSalt []byte
}

// HashActor produces the salted actor fingerprint stored in place of
// raw actor IDs.
func HashActor(actorID string, salt []byte) string {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(actorID))
	return hex.EncodeToString(h.Sum(nil))
}

// DecisionRecord is one finalized request, with prompts and outputs
// already excluded.
type DecisionRecord struct {
	RequestID        string
	ReceiptID        string
	TenantID         string
	ActorIDHash      string
	Decision         string
	Reason           string
	PolicySnapshotID string
	PolicyStale      bool
	DegradationStage string
	RiskFlags        json.RawMessage
	CreatedAt        time.Time
}

func (w *Writer) RecordDecision(ctx context.Context, rec DecisionRecord) error {
	_, err := w.DB.Exec(ctx, `
		INSERT INTO decisions
		(request_id, receipt_id, tenant_id, actor_id_hash, decision, reason, policy_snapshot_id, policy_stale, degradation_stage, risk_flags, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, rec.RequestID, rec.ReceiptID, rec.TenantID, rec.ActorIDHash, rec.Decision, rec.Reason, rec.PolicySnapshotID, rec.PolicyStale, rec.DegradationStage, rec.RiskFlags, rec.CreatedAt)
	return err
}

// SaveDeadLetter persists a receipt whose dispatch retries were
// exhausted. Insertion is idempotent by receipt_id.
func (w *Writer) SaveDeadLetter(ctx context.Context, r models.Receipt, reason string) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = w.DB.Exec(ctx, `
		INSERT INTO receipt_dead_letters (receipt_id, tenant_id, payload, failure_reason, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (receipt_id) DO NOTHING
	`, r.ReceiptID, r.TenantID, raw, reason, time.Now().UTC())
	return err
}

// UpsertIncident inserts a fresh incident or bumps count/last_seen_at
// for a repeat within the same dedupe window.
func (w *Writer) UpsertIncident(ctx context.Context, inc models.SafetyIncident) error {
	hints, err := json.Marshal(inc.CorrelationHints)
	if err != nil {
		return err
	}
	_, err = w.DB.Exec(ctx, `
		INSERT INTO incidents
		(incident_id, dedupe_key, risk_class, severity, tenant_id, actor_id_hash, correlation_hints, first_seen_at, last_seen_at, count, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (dedupe_key) DO UPDATE
		SET count = GREATEST(incidents.count + 1, EXCLUDED.count),
		    last_seen_at = EXCLUDED.last_seen_at,
		    severity = EXCLUDED.severity
	`, inc.IncidentID, inc.DedupeKey, inc.RiskClass, inc.Severity, inc.TenantID,
		HashActor(inc.ActorID, w.HashSalt), hints, inc.FirstSeenAt, inc.LastSeenAt, inc.Count, inc.Status)
	return err
}

// ListIncidents returns recent incidents, optionally filtered by status.
func (w *Writer) ListIncidents(ctx context.Context, tenantID, status string, limit int) ([]models.SafetyIncident, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	base := `SELECT incident_id, dedupe_key, risk_class, severity, tenant_id, actor_id_hash, correlation_hints, first_seen_at, last_seen_at, count, status FROM incidents`
	var (
		rows pgx.Rows
		err  error
	)
	switch {
	case tenantID == "" && status == "":
		rows, err = w.DB.Query(ctx, base+` ORDER BY last_seen_at DESC LIMIT $1`, limit)
	case tenantID == "":
		rows, err = w.DB.Query(ctx, base+` WHERE status=$1 ORDER BY last_seen_at DESC LIMIT $2`, status, limit)
	case status == "":
		rows, err = w.DB.Query(ctx, base+` WHERE tenant_id=$1 ORDER BY last_seen_at DESC LIMIT $2`, tenantID, limit)
	default:
		rows, err = w.DB.Query(ctx, base+` WHERE tenant_id=$1 AND status=$2 ORDER BY last_seen_at DESC LIMIT $3`, tenantID, status, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]models.SafetyIncident, 0, limit)
	for rows.Next() {
		var (
			inc   models.SafetyIncident
			hints json.RawMessage
		)
		if err := rows.Scan(&inc.IncidentID, &inc.DedupeKey, &inc.RiskClass, &inc.Severity, &inc.TenantID,
			&inc.ActorID, &hints, &inc.FirstSeenAt, &inc.LastSeenAt, &inc.Count, &inc.Status); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(hints, &inc.CorrelationHints)
		items = append(items, inc)
	}
	return items, rows.Err()
}

// SetIncidentStatus moves an incident through its lifecycle. Only
// OPEN incidents can be acknowledged; only OPEN or ACKNOWLEDGED ones
// can be resolved.
func (w *Writer) SetIncidentStatus(ctx context.Context, incidentID, status string) (bool, error) {
	var (
		tag pgconn.CommandTag
		err error
	)
	switch status {
	case models.IncidentStatusAcknowledged:
		tag, err = w.DB.Exec(ctx, `UPDATE incidents SET status=$2 WHERE incident_id=$1 AND status=$3`,
			incidentID, status, models.IncidentStatusOpen)
	case models.IncidentStatusResolved:
		tag, err = w.DB.Exec(ctx, `UPDATE incidents SET status=$2 WHERE incident_id=$1 AND status IN ($3,$4)`,
			incidentID, status, models.IncidentStatusOpen, models.IncidentStatusAcknowledged)
	default:
		return false, fmt.Errorf("unsupported incident status %q", status)
	}
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
