package policycache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"modelgate/pkg/httpx"
	"modelgate/pkg/models"
)

// HTTPFetcher pulls snapshots from the policy collaborator over HTTP.
type HTTPFetcher struct {
	Client  *http.Client
	BaseURL string
	Headers map[string]string
}

func (f HTTPFetcher) Fetch(ctx context.Context, tenantID string) (*models.PolicySnapshot, error) {
	endpoint := fmt.Sprintf("%s/v1/policy/%s", f.BaseURL, url.PathEscape(tenantID))
	status, body, err := httpx.RequestJSON(ctx, f.Client, http.MethodGet, endpoint, nil, f.Headers, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("policy fetch: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("policy fetch: upstream status %d", status)
	}
	var snap models.PolicySnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("policy fetch: decode snapshot: %w", err)
	}
	if snap.TenantID == "" {
		snap.TenantID = tenantID
	}
	if snap.SnapshotID == "" {
		return nil, fmt.Errorf("policy fetch: snapshot missing snapshot_id")
	}
	return &snap, nil
}
