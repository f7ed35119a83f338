// Package prompt assembles the model prompts for each role. Every
// prompt is the shared preamble, the role instructions and a
// RUNTIME_CONTEXT_JSON block; prompt texts are versioned through the
// store so call telemetry can reference exactly what was sent.
package prompt

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"taskloom/internal/config"
	"taskloom/internal/model"
	"taskloom/internal/store"
)

// Role prompt names as registered in the prompt store.
const (
	NameShared            = "shared"
	NameExecutor          = "executor"
	NameReviewer          = "reviewer"
	NameSecondaryReviewer = "secondary_reviewer"
)

const sharedDefault = `You are part of an automated task workflow engine.
Respond with exactly one JSON object and nothing else: no prose before or
after, no markdown fences. Unknown fields are ignored; missing required
fields fail validation and cost an attempt. All ids you reference must
come from the provided context. Timestamps are ISO-8601 UTC.`

const executorDefault = `ROLE: executor.
You produce work products for the current task. Reply with a
task_action_v1 object: {"schema_version":"task_action_v1","task_id":...,
"result_type":"ARTIFACT|NEEDS_INPUT|NOOP|ERROR", ...}.
For ARTIFACT include {"artifact":{"name","format","content"}} with
format one of md|txt|json|html|css|js. For NEEDS_INPUT include
{"needs_input":{"reason","required_docs":[{"name","description",
"accepted_types"}]}}. When asked to produce a plan, reply with a
plan_json_v1 object {"plan":{...},"nodes":[...],"edges":[...],
"requirements":[...]} instead.`

const reviewerDefault = `ROLE: reviewer.
You score a plan or a task artifact against the rubric. Reply with a
review_v1 object: {"schema_version":"review_v1","task_id":...,
"review_target":"PLAN|NODE","total_score":0-100,"breakdown":[...],
"summary":...,"action_required":"APPROVE|MODIFY|REQUEST_EXTERNAL_INPUT",
"suggestions":[{"priority":"HIGH|MED|LOW","change","steps",
"acceptance_criteria"}]}. A total_score of 90 or above means APPROVE.`

const secondaryReviewerDefault = `ROLE: secondary reviewer.
You re-check work another reviewer already scored, with the same
review_v1 output contract. Be independent: do not assume the first
review was correct, and cite concrete evidence for every issue.`

// Doc is one loaded and registered prompt text.
type Doc struct {
	Name    string
	Content string
	Version int
	SHA256  string
}

// Bundle holds every registered role prompt.
type Bundle struct {
	Shared            Doc
	Executor          Doc
	Reviewer          Doc
	SecondaryReviewer Doc
}

// Load reads role prompts from <root>/prompts/<name>.md when present,
// falling back to the built-in defaults, and registers each version in
// the store.
func Load(ws config.Workspace, st *store.Store) (*Bundle, error) {
	load := func(name, fallback string) (Doc, error) {
		content := fallback
		path := filepath.Join(ws.Root, "prompts", name+".md")
		if data, err := os.ReadFile(path); err == nil && len(strings.TrimSpace(string(data))) > 0 {
			content = string(data)
		}
		p, err := st.RegisterPrompt(name, content)
		if err != nil {
			return Doc{}, fmt.Errorf("register prompt %s: %w", name, err)
		}
		return Doc{Name: name, Content: content, Version: p.Version, SHA256: p.SHA256}, nil
	}

	var (
		b   Bundle
		err error
	)
	if b.Shared, err = load(NameShared, sharedDefault); err != nil {
		return nil, err
	}
	if b.Executor, err = load(NameExecutor, executorDefault); err != nil {
		return nil, err
	}
	if b.Reviewer, err = load(NameReviewer, reviewerDefault); err != nil {
		return nil, err
	}
	if b.SecondaryReviewer, err = load(NameSecondaryReviewer, secondaryReviewerDefault); err != nil {
		return nil, err
	}
	return &b, nil
}

// roleDoc picks the role prompt for an owner.
func (b *Bundle) roleDoc(owner model.Owner) Doc {
	switch owner {
	case model.OwnerReviewer:
		return b.Reviewer
	case model.OwnerSecondaryReviewer:
		return b.SecondaryReviewer
	default:
		return b.Executor
	}
}

// compose joins the shared preamble, role instructions and runtime
// context into one prompt.
func (b *Bundle) compose(role Doc, context map[string]any) string {
	ctxJSON, err := json.MarshalIndent(context, "", "  ")
	if err != nil {
		ctxJSON = []byte("{}")
	}
	return strings.TrimSpace(strings.Join([]string{
		strings.TrimSpace(b.Shared.Content),
		strings.TrimSpace(role.Content),
		"RUNTIME_CONTEXT_JSON:",
		string(ctxJSON),
	}, "\n\n")) + "\n"
}

// BuildPlanPrompt asks the executor to generate a plan for topTask.
func (b *Bundle) BuildPlanPrompt(topTask string, constraints map[string]any, skills []string, reviewNotes, genNotes string) string {
	if constraints == nil {
		constraints = map[string]any{}
	}
	if skills == nil {
		skills = []string{}
	}
	return b.compose(b.Executor, map[string]any{
		"top_task":         topTask,
		"constraints":      constraints,
		"available_skills": skills,
		"review_notes":     strings.TrimSpace(reviewNotes),
		"generation_notes": strings.TrimSpace(genNotes),
		"contract":         "PLAN_GEN",
	})
}

// TaskContext is the per-task execution context for the executor.
type TaskContext struct {
	Plan         *model.Plan
	RootGoal     *model.TaskNode
	Task         *model.TaskNode
	Requirements []*model.InputRequirement
	Evidences    []map[string]any
	Snippets     []string
	Suggestions  string
}

// BuildTaskPrompt asks the executor to act on one task.
func (b *Bundle) BuildTaskPrompt(tc TaskContext) string {
	planCtx := map[string]any{}
	if tc.Plan != nil {
		planCtx["title"] = tc.Plan.Title
		planCtx["root_task_id"] = tc.Plan.RootTaskID
	}
	if tc.RootGoal != nil {
		planCtx["root_title"] = tc.RootGoal.Title
		planCtx["root_goal_statement"] = tc.RootGoal.GoalStatement
	}
	reqs := make([]map[string]any, 0, len(tc.Requirements))
	for _, r := range tc.Requirements {
		reqs = append(reqs, map[string]any{
			"requirement_id": r.RequirementID,
			"name":           r.Name,
			"kind":           string(r.Kind),
			"required":       r.Required,
			"min_count":      r.MinCount,
			"allowed_types":  r.AllowedTypes,
			"source":         string(r.Source),
		})
	}
	return b.compose(b.Executor, map[string]any{
		"plan":                    planCtx,
		"task":                    taskSummary(tc.Task),
		"requirements":            reqs,
		"evidences":               tc.Evidences,
		"suggestions":             tc.Suggestions,
		"extracted_text_snippets": tc.Snippets,
		"contract":                "TASK_ACTION",
	})
}

// BuildPlanReviewPrompt asks the reviewer to score a candidate plan.
func (b *Bundle) BuildPlanReviewPrompt(planID string, rubric map[string]any, planJSON map[string]any) string {
	return b.compose(b.Reviewer, map[string]any{
		"plan_id":       planID,
		"review_target": "PLAN",
		"rubric":        rubric,
		"plan_json":     planJSON,
		"contract":      "PLAN_REVIEW",
	})
}

// BuildCheckPrompt asks a reviewer to score the target task's artifact
// for a CHECK node.
func (b *Bundle) BuildCheckPrompt(owner model.Owner, planID string, check, target *model.TaskNode, rubric map[string]any, artifacts []map[string]any) string {
	return b.compose(b.roleDoc(owner), map[string]any{
		"plan_id":       planID,
		"check_task":    taskSummary(check),
		"review_target": "NODE",
		"rubric":        rubric,
		"target_task":   taskSummary(target),
		"artifacts":     artifacts,
		"instructions":  "This is a CHECK task. Requested modifications apply to the target task's output.",
		"contract":      "TASK_CHECK",
	})
}

func taskSummary(t *model.TaskNode) map[string]any {
	if t == nil {
		return map[string]any{}
	}
	return map[string]any{
		"task_id":       t.TaskID,
		"title":         t.Title,
		"status":        string(t.Status),
		"attempt_count": t.AttemptCount,
		"priority":      t.Priority,
		"tags":          t.Tags,
	}
}
