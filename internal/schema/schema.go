// Package schema derives JSON Schemas for tool inputs from Go struct types
// and validates call arguments against them.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/invopop/jsonschema"
)

// FieldError reports the first argument that failed validation.
type FieldError struct {
	Field  string
	Want   string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %q: %s (want %s)", e.Field, e.Reason, e.Want)
}

// Generate produces an MCP inputSchema map from a Go struct type T, using
// json and jsonschema struct tags.
func Generate[T any]() map[string]any {
	var zero T
	s := jsonschema.Reflect(&zero)
	root := extractRoot(s)

	out := map[string]any{"type": "object"}
	if props := schemaProperties(root); props != nil {
		out["properties"] = props
	}
	if len(root.Required) > 0 {
		out["required"] = root.Required
	}
	return out
}

// extractRoot resolves the root schema. invopop/jsonschema places the actual
// struct schema under $defs behind a $ref.
func extractRoot(s *jsonschema.Schema) *jsonschema.Schema {
	if s.Ref != "" && s.Definitions != nil {
		for _, def := range s.Definitions {
			if def.Type == "object" {
				return def
			}
		}
	}
	return s
}

func schemaProperties(s *jsonschema.Schema) map[string]any {
	if s.Properties == nil {
		return nil
	}
	props := make(map[string]any)
	for pair := s.Properties.Oldest(); pair != nil; pair = pair.Next() {
		props[pair.Key] = propertySchema(pair.Value)
	}
	return props
}

func propertySchema(s *jsonschema.Schema) map[string]any {
	m := make(map[string]any)

	if s.Type != "" {
		m["type"] = s.Type
	}
	if s.Description != "" {
		m["description"] = s.Description
	}
	if s.Default != nil {
		m["default"] = s.Default
	}
	if len(s.Enum) > 0 {
		m["enum"] = s.Enum
	}

	// Pointer fields surface as anyOf [T, null]; take the non-null arm.
	if len(s.AnyOf) > 0 {
		for _, sub := range s.AnyOf {
			if sub.Type != "null" && sub.Type != "" {
				m["type"] = sub.Type
				break
			}
		}
	}

	if s.Properties != nil {
		m["type"] = "object"
		m["properties"] = schemaProperties(s)
		if len(s.Required) > 0 {
			m["required"] = s.Required
		}
	}

	if s.Items != nil {
		m["items"] = propertySchema(s.Items)
	}

	return m
}

// Validate checks raw call arguments against an inputSchema produced by
// Generate, field by field: required fields must be present, every supplied
// field must be declared, and every value must match its declared type. The
// returned *FieldError names the first offending field; required fields are
// checked in schema order and supplied fields in name order so the error is
// deterministic.
func Validate(inputSchema map[string]any, raw json.RawMessage) error {
	args := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return &FieldError{Field: "arguments", Want: "object", Reason: "not a JSON object"}
		}
	}

	props, _ := inputSchema["properties"].(map[string]any)

	for _, name := range requiredFields(inputSchema) {
		if _, ok := args[name]; !ok {
			return &FieldError{Field: name, Want: fieldType(props, name), Reason: "required field missing"}
		}
	}

	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		prop, ok := props[name].(map[string]any)
		if !ok {
			return &FieldError{Field: name, Want: "declared field", Reason: "not in schema"}
		}
		want, _ := prop["type"].(string)
		if want == "" {
			continue
		}
		if !typeMatches(want, args[name]) {
			return &FieldError{Field: name, Want: want, Reason: "wrong type"}
		}
	}
	return nil
}

func requiredFields(inputSchema map[string]any) []string {
	switch req := inputSchema["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, v := range req {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func fieldType(props map[string]any, name string) string {
	if prop, ok := props[name].(map[string]any); ok {
		if t, ok := prop["type"].(string); ok {
			return t
		}
	}
	return "value"
}

// typeMatches compares a decoded JSON value against a JSON Schema type name.
func typeMatches(want string, v any) bool {
	if v == nil {
		return false
	}
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "number":
		_, ok := v.(float64)
		return ok
	case "integer":
		f, ok := v.(float64)
		return ok && f == float64(int64(f))
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	}
	return true
}
