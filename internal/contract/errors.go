package contract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// ContractError is the structured report emitted when validation fails.
// The six fields are stable and short; they drive reviewer notes fed back
// into the next generation attempt.
type ContractError struct {
	ErrorCode     string `json:"error_code"`
	Schema        string `json:"schema"`
	SchemaVersion string `json:"schema_version"`
	JSONPath      string `json:"json_path"`
	Expected      string `json:"expected"`
	Actual        string `json:"actual"`
	ExampleFix    string `json:"example_fix"`
}

// Error implements error.
func (e *ContractError) Error() string { return e.Short() }

// Short renders the error on one line for hints and logs.
func (e *ContractError) Short() string {
	return strings.TrimSpace(fmt.Sprintf("%s %s@%s path=%s expected=%s actual=%s",
		e.ErrorCode, e.Schema, e.SchemaVersion, e.JSONPath, e.Expected, e.Actual))
}

// ToMap returns the error as a flat string map for event payloads.
func (e *ContractError) ToMap() map[string]any {
	return map[string]any{
		"error_code":     e.ErrorCode,
		"schema":         e.Schema,
		"schema_version": e.SchemaVersion,
		"json_path":      e.JSONPath,
		"expected":       e.Expected,
		"actual":         e.Actual,
		"example_fix":    e.ExampleFix,
	}
}

var missingKeyRe = regexp.MustCompile(`missing (required )?key: ([a-zA-Z0-9_]+)`)

// inferError maps a validator reason string onto a precise ContractError
// with a JSONPath and a minimal example fix. The fallback is a generic
// SCHEMA_MISMATCH at the document root.
func inferError(schema, schemaVersion, reason string, obj any) *ContractError {
	r := strings.TrimSpace(reason)
	actualSV := ""
	if m, ok := obj.(map[string]any); ok {
		if s, ok := m["schema_version"].(string); ok {
			actualSV = s
		}
	}

	err := &ContractError{
		ErrorCode:     "SCHEMA_MISMATCH",
		Schema:        schema,
		SchemaVersion: schemaVersion,
		JSONPath:      "$",
		Expected:      "valid contract",
		Actual:        r,
		ExampleFix:    jsonFix(map[string]any{"schema_version": schemaVersion}),
	}
	if err.Actual == "" {
		err.Actual = "invalid contract"
	}

	if strings.Contains(r, "schema_version mismatch") {
		err.JSONPath = "$.schema_version"
		err.Expected = schemaVersion
		if actualSV != "" {
			err.Actual = actualSV
		}
	}
	if m := missingKeyRe.FindStringSubmatch(r); m != nil {
		key := m[2]
		err.JSONPath = "$." + key
		err.Expected = fmt.Sprintf("object with key %q", key)
		err.Actual = "missing"
		err.ExampleFix = jsonFix(map[string]any{key: "<REQUIRED>"})
	}
	if strings.Contains(r, "artifact.format must be") {
		err.JSONPath = "$.artifact.format"
		err.Expected = "one of: md|txt|json|html|css|js"
		err.ExampleFix = jsonFix(map[string]any{"artifact": map[string]any{"format": "md"}})
		if m, ok := obj.(map[string]any); ok {
			if art, ok := m["artifact"].(map[string]any); ok {
				if f, ok := art["format"].(string); ok && f != "" {
					err.Actual = f
				}
			}
		}
	}
	if strings.Contains(r, "suggestion.priority must be") {
		err.JSONPath = "$.suggestions[*].priority"
		err.Expected = "one of: HIGH|MED|LOW"
		err.ExampleFix = jsonFix(map[string]any{"suggestions": []any{map[string]any{"priority": "MED"}}})
	}
	if strings.HasPrefix(r, "node missing key:") {
		key := strings.TrimSpace(strings.SplitN(r, ":", 2)[1])
		err.JSONPath = "$.nodes[*]." + key
		err.Expected = fmt.Sprintf("each node has %q", key)
		err.Actual = "missing"
		err.ExampleFix = jsonFix(map[string]any{"nodes": []any{map[string]any{key: "<REQUIRED>"}}})
	}
	if strings.Contains(r, "edge.edge_type must be") {
		err.JSONPath = "$.edges[*].edge_type"
		err.Expected = "one of: DECOMPOSE|DEPENDS_ON|ALTERNATIVE"
		err.ExampleFix = jsonFix(map[string]any{"edges": []any{map[string]any{"edge_type": "DEPENDS_ON"}}})
	}
	return err
}

func jsonFix(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
