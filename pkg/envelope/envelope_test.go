package envelope

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"modelgate/pkg/models"
)

func validEnvelope() map[string]interface{} {
	return map[string]interface{}{
		"schema_version":   "v1",
		"request_id":       "req-1",
		"actor_id":         "agent-7",
		"actor_type":       "agent",
		"tenant_id":        "tenant-a",
		"logical_model_id": "gpt-large",
		"operation_type":   "completion",
		"max_tokens":       256,
		"timeout_ms":       5000,
		"context_segments": []map[string]string{
			{"label": "system", "type": "system_prompt", "content": "be helpful"},
			{"label": "user", "type": "user_prompt", "content": "hello"},
		},
	}
}

func marshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestValidateAccepts(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	env, err := v.Validate(marshal(t, validEnvelope()))
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if env.RequestID != "req-1" || env.TenantID != "tenant-a" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if got := env.Prompt(); !strings.Contains(got, "be helpful") || !strings.Contains(got, "hello") {
		t.Fatalf("unexpected prompt: %q", got)
	}
}

func TestValidateRejects(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	cases := []struct {
		name   string
		mutate func(m map[string]interface{})
	}{
		{"missing_request_id", func(m map[string]interface{}) { delete(m, "request_id") }},
		{"missing_tenant", func(m map[string]interface{}) { delete(m, "tenant_id") }},
		{"empty_actor", func(m map[string]interface{}) { m["actor_id"] = "" }},
		{"bad_actor_type", func(m map[string]interface{}) { m["actor_type"] = "robot" }},
		{"zero_max_tokens", func(m map[string]interface{}) { m["max_tokens"] = 0 }},
		{"negative_timeout", func(m map[string]interface{}) { m["timeout_ms"] = -1 }},
		{"temperature_out_of_range", func(m map[string]interface{}) { m["temperature"] = 3.5 }},
		{"no_segments", func(m map[string]interface{}) { m["context_segments"] = []map[string]string{} }},
		{"segment_missing_label", func(m map[string]interface{}) {
			m["context_segments"] = []map[string]string{{"label": " ", "type": "user_prompt", "content": "x"}}
		}},
		{"unknown_schema_version", func(m map[string]interface{}) { m["schema_version"] = "v9" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := validEnvelope()
			tc.mutate(m)
			_, err := v.Validate(marshal(t, m))
			if err == nil {
				t.Fatal("expected rejection")
			}
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %+v", err)
			}
		})
	}
}

func TestValidateMalformedJSON(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if _, err := v.Validate([]byte(`{"request_id":`)); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for malformed json, got %+v", err)
	}
}

func TestValidateDefaultsSchemaVersion(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	m := validEnvelope()
	delete(m, "schema_version")
	env, err := v.Validate(marshal(t, m))
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if env.ActorType != models.ActorAgent {
		t.Fatalf("unexpected actor type: %q", env.ActorType)
	}
}
