package contract

import (
	"fmt"
	"strings"
)

// Action result types.
const (
	ResultArtifact   = "ARTIFACT"
	ResultNeedsInput = "NEEDS_INPUT"
	ResultNoop       = "NOOP"
	ResultError      = "ERROR"
)

var allowedResultTypes = map[string]bool{
	ResultArtifact: true, ResultNeedsInput: true, ResultNoop: true, ResultError: true,
}

var allowedArtifactFormats = map[string]bool{
	"md": true, "txt": true, "json": true, "html": true, "css": true, "js": true,
}

// NormalizeTaskAction repairs a raw executor output toward the strict
// task_action_v1 shape: envelope unwrap, schema_version coercion, upper-
// cased result_type, synthesized required_docs for NEEDS_INPUT, lowered
// artifact format suffix.
func NormalizeTaskAction(obj map[string]any, taskID string) map[string]any {
	if obj == nil {
		return obj
	}

	// Some models wrap the payload under an envelope key.
	if _, ok := obj["result_type"]; !ok {
		for _, k := range []string{"action", "result", "output", "data", "payload", "response"} {
			v, ok := obj[k].(map[string]any)
			if !ok {
				continue
			}
			if _, has := v["result_type"]; has {
				obj = v
				break
			}
			if _, has := v["artifact"]; has {
				obj = v
				break
			}
			if _, has := v["needs_input"]; has {
				obj = v
				break
			}
			if _, has := v["error"]; has {
				obj = v
				break
			}
		}
	}

	applyAliases(obj, map[string][]string{
		"schema_version": {"schema", "version"},
		"task_id":        {"id", "taskId"},
	}, false)

	if sv, ok := obj["schema_version"].(string); ok {
		t := strings.TrimSpace(sv)
		lower := strings.ToLower(t)
		switch lower {
		case "task_action", "task_action_v0", "action_v1", "task_action_v1.0", "action":
			t = TaskActionSchemaVersion
		}
		if strings.HasPrefix(lower, "task_action") {
			t = TaskActionSchemaVersion
		}
		obj["schema_version"] = t
	} else {
		obj["schema_version"] = TaskActionSchemaVersion
	}

	if !nonEmptyString(obj["task_id"]) {
		obj["task_id"] = taskID
	}
	if rt, ok := obj["result_type"].(string); ok {
		obj["result_type"] = strings.ToUpper(strings.TrimSpace(rt))
	}

	if obj["result_type"] == ResultNeedsInput {
		normalizeNeedsInput(obj)
	}
	if obj["result_type"] == ResultArtifact {
		if art, ok := obj["artifact"].(map[string]any); ok {
			if f, ok := art["format"].(string); ok {
				art["format"] = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(f)), ".")
			}
		}
	}
	return obj
}

// normalizeNeedsInput guarantees needs_input.required_docs is a non-empty
// list, synthesizing entries from missing_inputs, required_context or the
// declared reason.
func normalizeNeedsInput(obj map[string]any) {
	needs, ok := obj["needs_input"].(map[string]any)
	if !ok {
		needs = map[string]any{}
		obj["needs_input"] = needs
	}
	if docs, ok := needs["required_docs"].([]any); ok && len(docs) > 0 {
		return
	}

	var docs []any
	if missing, ok := obj["missing_inputs"].([]any); ok {
		for _, item := range missing {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			name := strings.TrimSpace(fmt.Sprint(valueOr(m, "name", "")))
			if name == "" {
				continue
			}
			desc := strings.TrimSpace(fmt.Sprint(valueOr(m, "description", valueOr(m, "reason", ""))))
			if desc == "" {
				desc = name
			}
			var accepted []string
			if list, ok := stringSlice(m["accepted_types"]); ok {
				accepted = list
			} else if s, ok := m["type"].(string); ok && strings.TrimSpace(s) != "" {
				accepted = []string{strings.TrimSpace(s)}
			}
			docs = append(docs, map[string]any{
				"name": name, "description": desc, "accepted_types": toAnySlice(accepted),
			})
		}
	}
	ctx, ok := needs["required_context"]
	if !ok {
		ctx = obj["required_context"]
	}
	for _, s := range trimmedStrings(ctx) {
		docs = append(docs, map[string]any{"name": s, "description": s, "accepted_types": []any{}})
	}
	if len(docs) == 0 {
		reason := strings.TrimSpace(fmt.Sprint(valueOr(needs, "reason", valueOr(obj, "justification", ""))))
		if reason == "" {
			reason = "Please provide missing inputs."
		}
		docs = []any{map[string]any{"name": "clarification", "description": reason, "accepted_types": []any{}}}
	}
	needs["required_docs"] = docs
}

func valueOr(m map[string]any, key string, def any) any {
	if v, ok := m[key]; ok && v != nil {
		return v
	}
	return def
}

func toAnySlice(in []string) []any {
	out := make([]any, 0, len(in))
	for _, s := range in {
		out = append(out, s)
	}
	return out
}

// ValidateTaskAction strictly checks a normalized executor output.
// The returned reason feeds inferError.
func ValidateTaskAction(obj map[string]any) (bool, string) {
	for _, k := range []string{"schema_version", "task_id", "result_type"} {
		if _, ok := obj[k]; !ok {
			return false, "missing key: " + k
		}
	}
	if obj["schema_version"] != TaskActionSchemaVersion {
		return false, fmt.Sprintf("schema_version mismatch (got %v)", obj["schema_version"])
	}
	if !nonEmptyString(obj["task_id"]) {
		return false, "task_id must be string"
	}
	rt, _ := obj["result_type"].(string)
	if !allowedResultTypes[rt] {
		return false, "invalid result_type"
	}

	switch rt {
	case ResultNeedsInput:
		needs, ok := obj["needs_input"].(map[string]any)
		if !ok {
			return false, "needs_input must be object"
		}
		docs, ok := needs["required_docs"].([]any)
		if !ok || len(docs) == 0 {
			return false, "needs_input.required_docs must be non-empty array"
		}
		for _, d := range docs {
			doc, ok := d.(map[string]any)
			if !ok {
				return false, "required_docs item must be object"
			}
			if !nonEmptyString(doc["name"]) {
				return false, "required_docs.name/description must be string"
			}
			if _, ok := doc["description"].(string); !ok {
				return false, "required_docs.name/description must be string"
			}
			if accepted, present := doc["accepted_types"]; present && accepted != nil {
				if _, ok := stringSlice(accepted); !ok {
					return false, "required_docs.accepted_types must be string array"
				}
			}
		}
	case ResultArtifact:
		art, ok := obj["artifact"].(map[string]any)
		if !ok {
			return false, "artifact must be object"
		}
		for _, k := range []string{"name", "format", "content"} {
			if !nonEmptyString(art[k]) {
				return false, fmt.Sprintf("artifact.%s is required", k)
			}
		}
		if f, _ := art["format"].(string); !allowedArtifactFormats[f] {
			return false, "artifact.format must be md|txt|json|html|css|js"
		}
	case ResultError:
		errObj, ok := obj["error"].(map[string]any)
		if !ok {
			return false, "error must be object"
		}
		if !nonEmptyString(errObj["code"]) || !nonEmptyString(errObj["message"]) {
			return false, "error.code/error.message must be string"
		}
	}
	return true, ""
}
