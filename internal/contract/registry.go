package contract

import (
	"fmt"
	"strings"
)

// Context carries per-call values the normalizers need: the task under
// execution, the expected review target and the top task text for plan
// title synthesis.
type Context struct {
	TaskID       string
	ReviewTarget string
	TopTask      string
	NowISO       func() string
}

// Spec binds one contract name to its schema version and its
// normalize/validate pair.
type Spec struct {
	Name          string
	SchemaVersion string
	Normalize     func(obj map[string]any, ctx Context) map[string]any
	Validate      func(obj map[string]any, ctx Context) (bool, string)
}

// Contracts is the registry of every model-facing schema.
var Contracts = map[string]Spec{
	"TASK_ACTION": {
		Name:          "TASK_ACTION",
		SchemaVersion: TaskActionSchemaVersion,
		Normalize: func(obj map[string]any, ctx Context) map[string]any {
			return NormalizeTaskAction(obj, ctx.TaskID)
		},
		Validate: func(obj map[string]any, ctx Context) (bool, string) {
			return ValidateTaskAction(obj)
		},
	},
	"PLAN_REVIEW": {
		Name:          "PLAN_REVIEW",
		SchemaVersion: ReviewSchemaVersion,
		Normalize: func(obj map[string]any, ctx Context) map[string]any {
			return NormalizeReview(obj, ctx.TaskID, ReviewTargetPlan)
		},
		Validate: func(obj map[string]any, ctx Context) (bool, string) {
			return ValidateReview(obj, ReviewTargetPlan)
		},
	},
	"TASK_CHECK": {
		Name:          "TASK_CHECK",
		SchemaVersion: ReviewSchemaVersion,
		Normalize: func(obj map[string]any, ctx Context) map[string]any {
			return NormalizeReview(obj, ctx.TaskID, ReviewTargetNode)
		},
		Validate: func(obj map[string]any, ctx Context) (bool, string) {
			return ValidateReview(obj, ReviewTargetNode)
		},
	},
	"PLAN_GEN": {
		Name:          "PLAN_GEN",
		SchemaVersion: PlanSchemaVersion,
		Normalize: func(obj map[string]any, ctx Context) map[string]any {
			return NormalizePlanJSON(obj, PlanContext{TopTask: ctx.TopTask, NowISO: ctx.NowISO})
		},
		Validate: func(obj map[string]any, ctx Context) (bool, string) {
			return ValidatePlan(obj)
		},
	},
}

// NormalizeAndValidate runs the named contract's normalize step and then
// strict validation. On failure the returned object is the normalized
// document so far (useful for diagnostics) plus a structured error.
func NormalizeAndValidate(name string, raw map[string]any, ctx Context) (map[string]any, *ContractError) {
	spec, ok := Contracts[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return raw, &ContractError{
			ErrorCode:     "UNKNOWN_CONTRACT",
			Schema:        name,
			SchemaVersion: "",
			JSONPath:      "$",
			Expected:      knownContractNames(),
			Actual:        name,
			ExampleFix:    `{"contract": "TASK_ACTION"}`,
		}
	}
	normalized := spec.Normalize(raw, ctx)
	if normalized == nil {
		return nil, &ContractError{
			ErrorCode:     "SCHEMA_MISMATCH",
			Schema:        spec.Name,
			SchemaVersion: spec.SchemaVersion,
			JSONPath:      "$",
			Expected:      "JSON object",
			Actual:        "null",
			ExampleFix:    jsonFix(map[string]any{"schema_version": spec.SchemaVersion}),
		}
	}
	if ok, reason := spec.Validate(normalized, ctx); !ok {
		return normalized, inferError(spec.Name, spec.SchemaVersion, reason, normalized)
	}
	return normalized, nil
}

func knownContractNames() string {
	names := make([]string, 0, len(Contracts))
	for n := range Contracts {
		names = append(names, n)
	}
	// Stable order for error text.
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			if names[j] < names[i] {
				names[i], names[j] = names[j], names[i]
			}
		}
	}
	return fmt.Sprintf("one of: %s", strings.Join(names, "|"))
}
