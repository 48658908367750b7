package intake

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/interlock-io/interlock/event"
)

// envelopeSchema is the structural contract shared by all three upstream
// services: event_id and event_type are required non-empty strings, data is
// an object when present.
var envelopeSchema = map[string]any{
	"type":     "object",
	"required": []any{"event_id", "event_type"},
	"properties": map[string]any{
		"event_id":        map[string]any{"type": "string", "minLength": 1},
		"event_type":      map[string]any{"type": "string", "minLength": 1},
		"data":            map[string]any{"type": "object"},
		"metadata":        map[string]any{"type": "object"},
		"tenant_id":       map[string]any{"type": "string"},
		"organization_id": map[string]any{"type": "string"},
	},
}

// dataRequirements names the data field each service must carry: the entity
// reference every event from that service resolves against.
var dataRequirements = map[event.SourceService]string{
	event.SourceUser:          "user_id",
	event.SourcePayment:       "subscription_id",
	event.SourceCommunication: "message_id",
}

// serviceSchema builds the full schema for one source service.
func serviceSchema(svc event.SourceService) map[string]any {
	s := make(map[string]any, len(envelopeSchema))
	for k, v := range envelopeSchema {
		s[k] = v
	}
	if field, ok := dataRequirements[svc]; ok {
		s["properties"] = mergeProperties(envelopeSchema["properties"].(map[string]any), map[string]any{
			"data": map[string]any{
				"type":     "object",
				"required": []any{field},
				"properties": map[string]any{
					field: map[string]any{"type": "string", "minLength": 1},
				},
			},
		})
	}
	return s
}

func mergeProperties(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// validator compiles and caches the per-service schemas.
type validator struct {
	mu    sync.RWMutex
	cache map[event.SourceService]*jsonschema.Schema
}

func newValidator() *validator {
	return &validator{cache: make(map[event.SourceService]*jsonschema.Schema)}
}

// validate checks a decoded envelope against the schema for svc.
func (v *validator) validate(svc event.SourceService, doc any) error {
	compiled, err := v.compile(svc)
	if err != nil {
		return fmt.Errorf("schema compilation error: %w", err)
	}
	return compiled.Validate(doc)
}

func (v *validator) compile(svc event.SourceService) (*jsonschema.Schema, error) {
	v.mu.RLock()
	if cached, ok := v.cache[svc]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	raw, err := json.Marshal(serviceSchema(svc))
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	url := "interlock://schema/" + string(svc)
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.mu.Lock()
	v.cache[svc] = compiled
	v.mu.Unlock()
	return compiled, nil
}
