package contract

import (
	"fmt"
	"strings"
)

// Review targets.
const (
	ReviewTargetPlan = "PLAN"
	ReviewTargetNode = "NODE"
)

// Review actions.
const (
	ActionApprove              = "APPROVE"
	ActionModify               = "MODIFY"
	ActionRequestExternalInput = "REQUEST_EXTERNAL_INPUT"
)

var allowedReviewActions = map[string]bool{
	ActionApprove: true, ActionModify: true, ActionRequestExternalInput: true,
}

var allowedSuggestionPriorities = map[string]bool{"HIGH": true, "MED": true, "LOW": true}

var suggestionPriorityAliases = map[string]string{
	"H": "HIGH", "HI": "HIGH", "URGENT": "HIGH", "CRITICAL": "HIGH",
	"M": "MED", "MID": "MED", "MEDIUM": "MED", "NORMAL": "MED",
	"L": "LOW", "MINOR": "LOW", "TRIVIAL": "LOW",
}

// ApproveScoreThreshold is the score at which a review is an approval.
const ApproveScoreThreshold = 90

// NormalizeReview repairs a raw reviewer output toward the strict
// review_v1 shape. When the declared schema_version is already some other
// explicit value the payload is returned untouched: coercing a wrong
// schema into a valid one would silently lose information, and we want
// the reviewer to re-emit a correct document instead.
func NormalizeReview(obj map[string]any, taskID, reviewTarget string) map[string]any {
	if obj == nil {
		return obj
	}
	if sv, ok := obj["schema_version"].(string); ok {
		t := strings.TrimSpace(sv)
		if t != "" && !isReviewSchemaAlias(t) {
			return obj
		}
	}

	applyAliases(obj, map[string][]string{
		"schema_version": {"schema", "version"},
		"task_id":        {"id", "taskId"},
	}, false)

	unwrapReviewResult(obj)

	if sv, ok := obj["schema_version"].(string); ok && isReviewSchemaAlias(strings.TrimSpace(sv)) {
		obj["schema_version"] = ReviewSchemaVersion
	} else if !ok {
		obj["schema_version"] = ReviewSchemaVersion
	}

	if !nonEmptyString(obj["task_id"]) {
		obj["task_id"] = taskID
	}

	if rt, ok := obj["review_target"].(string); ok {
		t := strings.ToUpper(strings.TrimSpace(rt))
		switch t {
		case "PLAN_REVIEW", "PLAN_JSON", "TOP_TASK":
			t = ReviewTargetPlan
		}
		obj["review_target"] = t
	} else {
		obj["review_target"] = reviewTarget
	}

	obj["total_score"] = coerceInt(obj["total_score"], 0)
	score := obj["total_score"].(int)

	if a, ok := obj["action_required"].(string); ok {
		obj["action_required"] = strings.ToUpper(strings.TrimSpace(a))
	}
	// An explicit verdict stands on its own; the score decides only when
	// the reviewer declared none.
	if a, _ := obj["action_required"].(string); !allowedReviewActions[a] {
		if score >= ApproveScoreThreshold {
			obj["action_required"] = ActionApprove
		} else {
			obj["action_required"] = ActionModify
		}
	}

	if !nonEmptyString(obj["summary"]) {
		if fb, ok := obj["feedback"].(string); ok && strings.TrimSpace(fb) != "" {
			obj["summary"] = strings.TrimSpace(fb)
		} else {
			obj["summary"] = "No summary provided."
		}
	}

	if bd, ok := obj["breakdown"].([]any); !ok || len(bd) == 0 {
		obj["breakdown"] = []any{map[string]any{
			"dimension": "overall", "score": score, "max_score": 100, "issues": []any{},
		}}
	}

	obj["suggestions"] = normalizeSuggestions(obj["suggestions"])
	return obj
}

func isReviewSchemaAlias(sv string) bool {
	lower := strings.ToLower(sv)
	switch lower {
	case "", "review", "review_v0", "review_v1.0", "v1", "v01", "1", "review1", "review_v01":
		return true
	}
	return strings.HasPrefix(lower, "review_v") || lower == strings.ToLower(ReviewSchemaVersion)
}

// unwrapReviewResult folds a wrapped review_result envelope into the top
// level object without overwriting explicit values.
func unwrapReviewResult(obj map[string]any) {
	rr, ok := obj["review_result"].(map[string]any)
	if !ok {
		return
	}
	if score := coerceInt(rr["total_score"], -1); score >= 0 {
		if coerceInt(obj["total_score"], 0) == 0 {
			obj["total_score"] = score
		}
	}
	if a, ok := rr["action_required"].(string); ok && !nonEmptyString(obj["action_required"]) {
		obj["action_required"] = a
	}

	if bd, ok := obj["breakdown"].([]any); !ok || len(bd) == 0 {
		dims, ok := rr["dimension_scores"].([]any)
		if !ok {
			dims, _ = rr["scores"].([]any)
		}
		var breakdown []any
		for _, d := range dims {
			m, ok := d.(map[string]any)
			if !ok {
				continue
			}
			dim := strings.TrimSpace(fmt.Sprint(valueOr(m, "dimension", "overall")))
			sc := coerceInt(m["score"], 0)
			comment := strings.TrimSpace(fmt.Sprint(valueOr(m, "comment", "")))
			issues := []any{}
			if comment != "" {
				issues = []any{map[string]any{
					"problem":             comment,
					"evidence":            comment,
					"impact":              "May block execution or reduce quality.",
					"suggestion":          "Follow the reviewer guidance to fix this issue.",
					"acceptance_criteria": "Meets rubric requirements.",
				}}
			}
			breakdown = append(breakdown, map[string]any{
				"dimension": dim, "score": sc, "max_score": 100, "issues": issues,
			})
		}
		if len(breakdown) > 0 {
			obj["breakdown"] = breakdown
		}
	}

	if sg, ok := obj["suggestions"].([]any); !ok || len(sg) == 0 {
		sugs, ok := rr["suggestions"].([]any)
		if !ok {
			sugs, _ = rr["recommendations"].([]any)
		}
		var normalized []any
		for _, s := range sugs {
			m, ok := s.(map[string]any)
			if !ok {
				continue
			}
			change := strings.TrimSpace(fmt.Sprint(valueOr(m, "change", "")))
			if change == "" {
				prob := strings.TrimSpace(fmt.Sprint(valueOr(m, "problem", "")))
				dim := strings.TrimSpace(fmt.Sprint(valueOr(m, "dimension", "")))
				change = prob
				if dim != "" && change != "" {
					change += " (" + dim + ")"
				}
				if change == "" {
					change = "Clarify and adjust output as requested."
				}
			}
			steps, _ := stringSlice(m["steps"])
			acceptance := strings.TrimSpace(fmt.Sprint(valueOr(m, "acceptance_criteria", "")))
			if acceptance == "" {
				acceptance = "Meets rubric requirements."
			}
			normalized = append(normalized, map[string]any{
				"priority":            "MED",
				"change":              change,
				"steps":               toAnySlice(steps),
				"acceptance_criteria": acceptance,
			})
		}
		if len(normalized) > 0 {
			obj["suggestions"] = normalized
		}
	}
}

func normalizeSuggestions(v any) []any {
	raw, _ := v.([]any)
	out := []any{}
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		priority := "MED"
		if p, ok := m["priority"].(string); ok {
			t := strings.ToUpper(strings.TrimSpace(p))
			if alias, ok := suggestionPriorityAliases[t]; ok {
				t = alias
			}
			if allowedSuggestionPriorities[t] {
				priority = t
			}
		}
		change, _ := m["change"].(string)
		if strings.TrimSpace(change) == "" {
			change = "Clarify and adjust output as requested."
		}
		steps, _ := stringSlice(m["steps"])
		trimmed := make([]any, 0, len(steps))
		for _, s := range steps {
			if strings.TrimSpace(s) != "" {
				trimmed = append(trimmed, strings.TrimSpace(s))
			}
		}
		acceptance, _ := m["acceptance_criteria"].(string)
		if strings.TrimSpace(acceptance) == "" {
			acceptance = "Meets rubric requirements."
		}
		out = append(out, map[string]any{
			"priority":            priority,
			"change":              strings.TrimSpace(change),
			"steps":               trimmed,
			"acceptance_criteria": strings.TrimSpace(acceptance),
		})
	}
	return out
}

// ValidateReview strictly checks a normalized reviewer output against the
// expected review target.
func ValidateReview(obj map[string]any, reviewTarget string) (bool, string) {
	for _, k := range []string{"schema_version", "task_id", "review_target", "total_score", "breakdown", "summary", "action_required", "suggestions"} {
		if _, ok := obj[k]; !ok {
			return false, "missing key: " + k
		}
	}
	if obj["schema_version"] != ReviewSchemaVersion {
		return false, fmt.Sprintf("schema_version mismatch (got %v)", obj["schema_version"])
	}
	if obj["review_target"] != reviewTarget {
		return false, fmt.Sprintf("review_target mismatch (got %v, expected %s)", obj["review_target"], reviewTarget)
	}
	if !nonEmptyString(obj["task_id"]) {
		return false, "task_id must be string"
	}
	total, ok := obj["total_score"].(int)
	if !ok {
		if f, isFloat := obj["total_score"].(float64); isFloat && f == float64(int(f)) {
			total = int(f)
		} else {
			return false, "total_score must be int"
		}
	}
	if total < 0 || total > 100 {
		return false, "total_score out of range"
	}
	action, _ := obj["action_required"].(string)
	if !allowedReviewActions[action] {
		return false, "invalid action_required"
	}

	breakdown, ok := obj["breakdown"].([]any)
	if !ok {
		return false, "breakdown must be array"
	}
	for _, d := range breakdown {
		dim, ok := d.(map[string]any)
		if !ok {
			return false, "breakdown item must be object"
		}
		for _, k := range []string{"dimension", "score", "max_score", "issues"} {
			if _, ok := dim[k]; !ok {
				return false, "breakdown missing " + k
			}
		}
		if !nonEmptyString(dim["dimension"]) {
			return false, "breakdown.dimension must be string"
		}
		if !isIntValue(dim["score"]) || !isIntValue(dim["max_score"]) {
			return false, "breakdown.score/max_score must be int"
		}
		issues, ok := dim["issues"].([]any)
		if !ok {
			return false, "breakdown.issues must be array"
		}
		for _, i := range issues {
			issue, ok := i.(map[string]any)
			if !ok {
				return false, "issue must be object"
			}
			for _, k := range []string{"problem", "evidence", "impact", "suggestion", "acceptance_criteria"} {
				if _, ok := issue[k].(string); !ok {
					return false, fmt.Sprintf("issue.%s must be string", k)
				}
			}
		}
	}

	suggestions, ok := obj["suggestions"].([]any)
	if !ok {
		return false, "suggestions must be array"
	}
	for _, s := range suggestions {
		sug, ok := s.(map[string]any)
		if !ok {
			return false, "suggestion must be object"
		}
		if p, _ := sug["priority"].(string); !allowedSuggestionPriorities[p] {
			return false, "suggestion.priority must be HIGH|MED|LOW"
		}
		if _, ok := sug["change"].(string); !ok {
			return false, "suggestion.change must be string"
		}
		if _, ok := stringSlice(sug["steps"]); !ok {
			return false, "suggestion.steps must be string array"
		}
		if _, ok := sug["acceptance_criteria"].(string); !ok {
			return false, "suggestion.acceptance_criteria must be string"
		}
	}
	return true, ""
}

func isIntValue(v any) bool {
	switch t := v.(type) {
	case int:
		return true
	case float64:
		return t == float64(int(t))
	}
	return false
}
