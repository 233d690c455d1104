package safety

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"modelgate/pkg/httpx"
	"modelgate/pkg/models"
)

// Redactor is the PII/secret detection collaborator. Detection models
// are pre-built elsewhere; the gateway only invokes them.
type Redactor interface {
	Redact(ctx context.Context, content string, policyContext map[string]string) (string, int, error)
}

// HTTPRedactor calls the governance collaborator's redaction endpoint.
// The collaborator carries a 25ms p95 SLA; Timeout bounds each call.
type HTTPRedactor struct {
	Client  *http.Client
	URL     string
	Headers map[string]string
}

type redactRequest struct {
	Content       string            `json:"content"`
	PolicyContext map[string]string `json:"policy_context,omitempty"`
}

type redactResponse struct {
	RedactedContent string `json:"redacted_content"`
	RedactionCounts int    `json:"redaction_counts"`
}

func (r HTTPRedactor) Redact(ctx context.Context, content string, policyContext map[string]string) (string, int, error) {
	body, err := json.Marshal(redactRequest{Content: content, PolicyContext: policyContext})
	if err != nil {
		return "", 0, err
	}
	status, respBody, err := httpx.RequestJSON(ctx, r.Client, http.MethodPost, r.URL, body, r.Headers, 0, 0)
	if err != nil {
		return "", 0, fmt.Errorf("redaction call: %w", err)
	}
	if status != http.StatusOK {
		return "", 0, fmt.Errorf("redaction call: upstream status %d", status)
	}
	var resp redactResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", 0, fmt.Errorf("redaction call: decode: %w", err)
	}
	return resp.RedactedContent, resp.RedactionCounts, nil
}

// redactionDetector sends content to the redaction collaborator and
// substitutes the redacted form. A collaborator failure surfaces as
// ErrDependency via the pipeline, never as a silent pass-through.
type redactionDetector struct {
	redactor Redactor
	stage    string
	name     string
}

// PIIRedaction redacts the inbound prompt in the pre stage.
func PIIRedaction(r Redactor) Detector {
	return &redactionDetector{redactor: r, stage: StagePre, name: "pii_redaction"}
}

// OutputPIIRescan re-scans backend output in the post stage.
func OutputPIIRescan(r Redactor) Detector {
	return &redactionDetector{redactor: r, stage: StagePost, name: "pii_rescan"}
}

func (d *redactionDetector) Name() string    { return d.name }
func (d *redactionDetector) Stage() string   { return d.stage }
func (d *redactionDetector) Essential() bool { return false }

func (d *redactionDetector) Evaluate(ctx context.Context, t *Target) (Finding, error) {
	content := t.Prompt
	if d.stage == StagePost {
		content = t.Output
	}
	policyContext := map[string]string{
		"tenant_id":         t.Envelope.TenantID,
		"sensitivity_level": t.Envelope.SensitivityLevel,
	}
	redacted, count, err := d.redactor.Redact(ctx, content, policyContext)
	if err != nil {
		return Finding{Detail: "redaction unavailable"}, err
	}
	if d.stage == StagePost {
		t.Output = redacted
	} else {
		t.Prompt = redacted
	}
	if count == 0 {
		return Finding{}, nil
	}
	return Finding{
		Class:    models.RiskExfiltration,
		Severity: models.SeverityWarn,
		Action:   models.ActionRedact,
		Detail:   fmt.Sprintf("%d span(s) redacted", count),
	}, nil
}
