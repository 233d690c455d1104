package policybus

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"
)

// Invalidation is the push message the policy collaborator publishes
// when a tenant's rules change.
type Invalidation struct {
	TenantID   string `json:"tenant_id"`
	SnapshotID string `json:"snapshot_id,omitempty"`
}

// Invalidator is satisfied by the policy snapshot cache.
type Invalidator interface {
	Invalidate(tenantID string)
}

// Run consumes invalidation messages until ctx is canceled. Malformed
// messages are logged and skipped; read errors back off briefly so a
// broker outage does not spin the loop.
func Run(ctx context.Context, consumer Consumer, cache Invalidator) {
	for {
		msg, err := consumer.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			log.Printf("policybus: read failed: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		var inv Invalidation
		if err := json.Unmarshal(msg.Value, &inv); err != nil || inv.TenantID == "" {
			log.Printf("policybus: skipping malformed invalidation: %v", err)
			continue
		}
		cache.Invalidate(inv.TenantID)
	}
}
