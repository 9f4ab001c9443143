// Package schema validates incoming tool-call envelopes against a JSON
// Schema before anything else touches them.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// envelopeSchema is the request envelope contract: tool is required,
// args must be an object when present, session_id and user_id are
// optional strings.
const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["tool"],
  "properties": {
    "tool": {"type": "string", "minLength": 1, "maxLength": 200},
    "args": {"type": "object"},
    "session_id": {"type": "string", "maxLength": 200},
    "user_id": {"type": "string", "maxLength": 200},
    "wait_for_decision": {"type": "boolean"}
  },
  "additionalProperties": false
}`

// ToolCall is the decoded request envelope.
type ToolCall struct {
	Tool            string                 `json:"tool"`
	Args            map[string]interface{} `json:"args"`
	SessionID       string                 `json:"session_id,omitempty"`
	UserID          string                 `json:"user_id,omitempty"`
	WaitForDecision bool                   `json:"wait_for_decision,omitempty"`
}

// Validator compiles the envelope schema once and validates raw bodies.
type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	var doc any
	if err := json.Unmarshal([]byte(envelopeSchema), &doc); err != nil {
		return nil, fmt.Errorf("parse envelope schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("envelope.json", doc); err != nil {
		return nil, fmt.Errorf("add envelope schema: %w", err)
	}
	compiled, err := c.Compile("envelope.json")
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	return &Validator{schema: compiled}, nil
}

// Validate parses and checks one raw request body. The returned error
// message is safe to surface to clients.
func (v *Validator) Validate(body []byte) (*ToolCall, error) {
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("body is not valid JSON: %w", err)
	}
	if err := v.schema.Validate(payload); err != nil {
		return nil, fmt.Errorf("envelope validation failed: %w", err)
	}

	var call ToolCall
	if err := json.Unmarshal(body, &call); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if call.Args == nil {
		call.Args = map[string]interface{}{}
	}
	return &call, nil
}
