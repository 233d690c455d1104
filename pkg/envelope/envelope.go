package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"modelgate/pkg/models"
)

// ErrInvalid marks structural rejection of an envelope. Validation is
// fail-fast: the first violation rejects the request with no partial
// acceptance and no side effects.
var ErrInvalid = errors.New("invalid envelope")

// Validator parses and validates inbound request envelopes against a
// versioned JSON schema plus semantic bounds checks.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// New compiles the known schema versions.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("envelope-v1.json", strings.NewReader(schemaV1)); err != nil {
		return nil, fmt.Errorf("add envelope schema: %w", err)
	}
	v1, err := compiler.Compile("envelope-v1.json")
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	return &Validator{schemas: map[string]*jsonschema.Schema{"v1": v1}}, nil
}

// Validate checks raw against the declared schema_version and returns
// the parsed envelope. The returned envelope is immutable by contract.
func (v *Validator) Validate(raw []byte) (models.RequestEnvelope, error) {
	var env models.RequestEnvelope
	dec := json.NewDecoder(bytes.NewReader(raw))
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return env, fmt.Errorf("%w: malformed json: %v", ErrInvalid, err)
	}
	version := "v1"
	if m, ok := doc.(map[string]interface{}); ok {
		if sv, ok := m["schema_version"].(string); ok && sv != "" {
			version = sv
		}
	}
	schema, ok := v.schemas[version]
	if !ok {
		return env, fmt.Errorf("%w: unknown schema_version %q", ErrInvalid, version)
	}
	if err := schema.Validate(doc); err != nil {
		return env, fmt.Errorf("%w: %v", ErrInvalid, firstSchemaCause(err))
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := checkSemantics(env); err != nil {
		return env, err
	}
	return env, nil
}

// checkSemantics enforces bounds the schema cannot express. Policy
// ceilings are applied later by the safety pipeline's mid stage; here
// only structural sanity is checked.
func checkSemantics(env models.RequestEnvelope) error {
	if env.MaxTokens <= 0 {
		return fmt.Errorf("%w: max_tokens must be > 0", ErrInvalid)
	}
	if env.TimeoutMS <= 0 {
		return fmt.Errorf("%w: timeout_ms must be > 0", ErrInvalid)
	}
	if env.Temperature != nil && (*env.Temperature < 0 || *env.Temperature > 2) {
		return fmt.Errorf("%w: temperature out of range", ErrInvalid)
	}
	switch env.ActorType {
	case models.ActorHuman, models.ActorAgent, models.ActorService:
	default:
		return fmt.Errorf("%w: unknown actor_type %q", ErrInvalid, env.ActorType)
	}
	for i, seg := range env.ContextSegments {
		if strings.TrimSpace(seg.Label) == "" {
			return fmt.Errorf("%w: context_segments[%d] missing label", ErrInvalid, i)
		}
		if strings.TrimSpace(seg.Type) == "" {
			return fmt.Errorf("%w: context_segments[%d] missing type", ErrInvalid, i)
		}
	}
	return nil
}

// firstSchemaCause flattens a jsonschema validation error to its first
// leaf cause so callers get one actionable message.
func firstSchemaCause(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return fmt.Sprintf("%s: %s", loc, ve.Message)
}

const schemaV1 = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": [
    "request_id", "actor_id", "actor_type", "tenant_id",
    "logical_model_id", "operation_type", "max_tokens",
    "timeout_ms", "context_segments"
  ],
  "properties": {
    "schema_version": {"type": "string"},
    "request_id": {"type": "string", "minLength": 1},
    "actor_id": {"type": "string", "minLength": 1},
    "actor_type": {"type": "string", "enum": ["human", "agent", "service"]},
    "tenant_id": {"type": "string", "minLength": 1},
    "workspace_id": {"type": "string"},
    "logical_model_id": {"type": "string", "minLength": 1},
    "operation_type": {"type": "string", "minLength": 1},
    "sensitivity_level": {"type": "string"},
    "max_tokens": {"type": "integer"},
    "temperature": {"type": "number"},
    "timeout_ms": {"type": "integer"},
    "priority": {"type": "integer"},
    "tools": {"type": "array", "items": {"type": "string"}},
    "context_segments": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["label", "type", "content"],
        "properties": {
          "label": {"type": "string"},
          "type": {"type": "string"},
          "content": {"type": "string"}
        }
      }
    }
  }
}`
