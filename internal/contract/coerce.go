// Package contract turns loosely-typed model JSON into strict schema
// objects. Normalization is tolerant repair; validation is strict and
// yields structured, machine-readable errors. Everything here is
// deterministic and side-effect free: no LLM, filesystem or database.
package contract

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Canonical schema versions.
const (
	TaskActionSchemaVersion = "task_action_v1"
	ReviewSchemaVersion     = "review_v1"
	PlanSchemaVersion       = "plan_json_v1"
)

var uuidRe = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

func isUUID(v any) bool {
	s, ok := v.(string)
	return ok && uuidRe.MatchString(s)
}

func isISO8601(v any) bool {
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return false
	}
	_, err := time.Parse(time.RFC3339, strings.Replace(s, "Z", "+00:00", 1))
	if err != nil {
		_, err = time.Parse(time.RFC3339, s)
	}
	return err == nil
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func nonEmptyString(v any) bool {
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) != ""
}

// coerceInt accepts ints, floats and numeric strings.
func coerceInt(v any, def int) int {
	switch t := v.(type) {
	case bool:
		return def
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n
		}
	}
	return def
}

// coerceBool accepts bools, numbers and yes/no style strings.
func coerceBool(v any, def bool) bool {
	switch t := v.(type) {
	case bool:
		return t
	case int:
		return t != 0
	case float64:
		return t != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "yes", "y":
			return true
		case "0", "false", "no", "n":
			return false
		}
	}
	return def
}

func firstPresent(obj map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := obj[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// applyAliases copies the first present alias value onto the canonical
// key. Existing non-nil canonical values win unless overwrite is set.
func applyAliases(obj map[string]any, aliases map[string][]string, overwrite bool) {
	for canonical, alts := range aliases {
		if !overwrite {
			if v, ok := obj[canonical]; ok && v != nil {
				continue
			}
		}
		if v, ok := firstPresent(obj, alts...); ok {
			obj[canonical] = v
		}
	}
}

// listOfMaps filters a raw value down to its map elements. Accepts both
// freshly decoded []any and already-normalized []map[string]any.
func listOfMaps(v any) []map[string]any {
	if typed, ok := v.([]map[string]any); ok {
		return typed
	}
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// ensureListContainer coerces obj[dst] into []map[string]any, falling
// back to the first list found under srcKeys.
func ensureListContainer(obj map[string]any, dst string, srcKeys ...string) []map[string]any {
	items := listOfMaps(obj[dst])
	if items == nil {
		if v, ok := firstPresent(obj, srcKeys...); ok {
			items = listOfMaps(v)
		}
	}
	if items == nil {
		items = []map[string]any{}
	}
	obj[dst] = items
	return items
}

func stringSlice(v any) ([]string, bool) {
	raw, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

func trimmedStrings(v any) []string {
	raw, _ := v.([]any)
	var out []string
	for _, item := range raw {
		if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}

// cleanTopTask keeps only the first non-empty line of the top task so
// retry feedback never pollutes a goal statement or title.
func cleanTopTask(topTask string) string {
	for _, line := range strings.Split(topTask, "\n") {
		s := strings.TrimSpace(line)
		if s != "" {
			if len(s) > 200 {
				return s[:200]
			}
			return s
		}
	}
	return "Untitled Task"
}

func newID() string { return uuid.NewString() }
