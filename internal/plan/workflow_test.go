package plan

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskloom/internal/config"
	"taskloom/internal/llm"
	"taskloom/internal/model"
	"taskloom/internal/prompt"
	"taskloom/internal/store"
)

const planGenMark = `"contract": "PLAN_GEN"`
const planReviewMark = `"contract": "PLAN_REVIEW"`

const goodPlanJSON = `{
  "plan": {"title": "EV bike market analysis", "root_task_id": "root"},
  "nodes": [
    {"id": "root", "type": "GOAL", "title": "EV bike market analysis"},
    {"id": "collect", "type": "ACTION", "title": "Collect market data", "estimated_person_days": 2},
    {"id": "write", "type": "ACTION", "title": "Write the report", "estimated_person_days": 3},
    {"id": "check-write", "type": "CHECK", "title": "Review the report", "owner": "reviewer", "review_target_task_id": "write"}
  ],
  "edges": [
    {"from": "root", "to": "collect", "type": "DECOMPOSE"},
    {"from": "root", "to": "write", "type": "DECOMPOSE"},
    {"from": "root", "to": "check-write", "type": "DECOMPOSE"},
    {"from": "collect", "to": "write", "type": "DEPENDS_ON"}
  ],
  "requirements": [
    {"task_id": "collect", "name": "sales_figures", "kind": "FILE", "source": "USER"}
  ]
}`

const approvingReview = `{
  "schema_version": "review_v1", "task_id": "plan-reviewer", "review_target": "PLAN",
  "total_score": 95, "action_required": "APPROVE", "summary": "well decomposed",
  "breakdown": [], "suggestions": []
}`

const rejectingReview = `{
  "schema_version": "review_v1", "task_id": "plan-reviewer", "review_target": "PLAN",
  "total_score": 60, "action_required": "MODIFY", "summary": "missing competitor analysis",
  "breakdown": [],
  "suggestions": [{"priority": "HIGH", "change": "Add a competitor analysis task",
                   "steps": [], "acceptance_criteria": "Plan covers competitors"}]
}`

type workflowEnv struct {
	store     *store.Store
	transport *llm.ScriptedTransport
	wf        *Workflow
}

func newWorkflowEnv(t *testing.T, rt config.Runtime) *workflowEnv {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ws := config.NewWorkspace(t.TempDir())
	prompts, err := prompt.Load(ws, st)
	require.NoError(t, err)

	tr := llm.NewScriptedTransport()
	return &workflowEnv{
		store:     st,
		transport: tr,
		wf: &Workflow{
			Store:   st,
			LLM:     llm.NewClient(tr, st, rt),
			Prompts: prompts,
			Runtime: rt,
			WS:      ws,
			Skills:  []string{"text_extract"},
		},
	}
}

func countRequests(tr *llm.ScriptedTransport, mark string) int {
	n := 0
	for _, r := range tr.Requests() {
		if strings.Contains(r, mark) {
			n++
		}
	}
	return n
}

func TestWorkflowApprovesFirstAttempt(t *testing.T) {
	env := newWorkflowEnv(t, config.DefaultRuntime())
	env.transport.
		On(planGenMark, goodPlanJSON).
		On(planReviewMark, approvingReview)

	p, err := env.wf.Run(context.Background(), "Write a market analysis for electric bikes")
	require.NoError(t, err)
	assert.Equal(t, "EV bike market analysis", p.Title)
	assert.NotEmpty(t, p.RootTaskID)

	tasks, err := env.store.ListTasks(p.PlanID)
	require.NoError(t, err)
	require.Len(t, tasks, 4)

	var check, write *model.TaskNode
	for _, n := range tasks {
		switch n.Title {
		case "Review the report":
			check = n
		case "Write the report":
			write = n
		}
		assert.Equal(t, model.StatusPending, n.Status)
		assert.True(t, n.ActiveBranch)
	}
	require.NotNil(t, check)
	require.NotNil(t, write)
	assert.Equal(t, write.TaskID, check.ReviewTargetTaskID, "check binding renamed with its target")

	edges, err := env.store.ListEdges(p.PlanID)
	require.NoError(t, err)
	assert.Len(t, edges, 4)

	reqs, err := env.store.ListPlanRequirements(p.PlanID)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "sales_figures", reqs[0].Name)

	review, err := env.store.LatestReviewForTarget(p.RootTaskID)
	require.NoError(t, err)
	require.NotNil(t, review)
	assert.Equal(t, model.VerdictApproved, review.Verdict)
	assert.Equal(t, 95, review.TotalScore)

	data, err := os.ReadFile(env.wf.WS.PlanPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), p.PlanID)
}

func TestWorkflowSpendsAllReviewAttemptsBeforeRegenerating(t *testing.T) {
	rt := config.DefaultRuntime()
	rt.MaxPlanAttempts = 3
	rt.MaxReviewAttemptsPerPlan = 2
	env := newWorkflowEnv(t, rt)
	env.transport.
		On(planGenMark, goodPlanJSON, goodPlanJSON).
		On(planReviewMark, rejectingReview, rejectingReview, approvingReview)

	p, err := env.wf.Run(context.Background(), "Write a market analysis for electric bikes")
	require.NoError(t, err)

	// One candidate gets its full round of reviews before a second
	// generation is attempted.
	assert.Equal(t, 2, countRequests(env.transport, planGenMark))
	assert.Equal(t, 3, countRequests(env.transport, planReviewMark))

	// The second generation prompt carries the rejection feedback.
	var secondGen string
	seen := 0
	for _, r := range env.transport.Requests() {
		if strings.Contains(r, planGenMark) {
			seen++
			if seen == 2 {
				secondGen = r
			}
		}
	}
	assert.Contains(t, secondGen, "competitor analysis")

	// The failed attempt's stub plan is out of the way; the approved
	// plan is the current one.
	tasks, err := env.store.ListTasks(p.PlanID)
	require.NoError(t, err)
	assert.Len(t, tasks, 4)
	latest, err := env.store.LatestPlan()
	require.NoError(t, err)
	assert.Equal(t, p.PlanID, latest.PlanID)
	assert.Equal(t, model.PlanStatusActive, latest.Status)
}

func TestWorkflowFeedsContractFailureIntoNextGeneration(t *testing.T) {
	env := newWorkflowEnv(t, config.DefaultRuntime())
	cyclicPlan := `{
	  "plan": {"title": "cyclic", "root_task_id": "root"},
	  "nodes": [
	    {"id": "root", "type": "GOAL", "title": "goal"},
	    {"id": "a", "type": "ACTION", "title": "a"},
	    {"id": "b", "type": "ACTION", "title": "b"}
	  ],
	  "edges": [
	    {"from": "root", "to": "a", "type": "DECOMPOSE"},
	    {"from": "a", "to": "b", "type": "DEPENDS_ON"},
	    {"from": "b", "to": "a", "type": "DEPENDS_ON"}
	  ]
	}`
	env.transport.
		On(planGenMark, cyclicPlan, goodPlanJSON).
		On(planReviewMark, approvingReview)

	_, err := env.wf.Run(context.Background(), "Write a market analysis for electric bikes")
	require.NoError(t, err)

	var secondGen string
	seen := 0
	for _, r := range env.transport.Requests() {
		if strings.Contains(r, planGenMark) {
			seen++
			if seen == 2 {
				secondGen = r
			}
		}
	}
	require.NotEmpty(t, secondGen)
	assert.Contains(t, secondGen, "failed validation", "remediation note names the contract failure")
}

func TestWorkflowExhaustsAttempts(t *testing.T) {
	rt := config.DefaultRuntime()
	rt.MaxPlanAttempts = 2
	rt.MaxReviewAttemptsPerPlan = 1
	env := newWorkflowEnv(t, rt)
	env.transport.
		On(planGenMark, goodPlanJSON, goodPlanJSON).
		On(planReviewMark, rejectingReview, rejectingReview)

	_, err := env.wf.Run(context.Background(), "Write a market analysis for electric bikes")
	var wfErr *WorkflowError
	require.ErrorAs(t, err, &wfErr)
	assert.Equal(t, 2, wfErr.Attempts)
	assert.Equal(t, model.ErrMaxAttemptsExceeded, wfErr.LastCode)

	// Failed stubs are superseded, never deleted: no current plan
	// remains, but each attempt's failure stays on record.
	_, err = env.store.LatestPlan()
	assert.ErrorIs(t, err, store.ErrPlanNotFound)

	rows, err := env.store.DB().Query(`SELECT plan_id, status FROM plans ORDER BY created_at`)
	require.NoError(t, err)
	var stubs []string
	for rows.Next() {
		var id, status string
		require.NoError(t, rows.Scan(&id, &status))
		assert.Equal(t, string(model.PlanStatusSuperseded), status)
		stubs = append(stubs, id)
	}
	require.NoError(t, rows.Err())
	require.NoError(t, rows.Close())
	require.Len(t, stubs, 2)
	for _, id := range stubs {
		events, err := env.store.ListErrorEvents(id, 10)
		require.NoError(t, err)
		assert.NotEmpty(t, events, "the rejected attempt's errors survive the supersede")
	}
}

func TestWorkflowRejectsEmptyTopTask(t *testing.T) {
	env := newWorkflowEnv(t, config.DefaultRuntime())
	_, err := env.wf.Run(context.Background(), "   ")
	assert.Error(t, err)
}

func TestDecodeGraphRequirementDefaults(t *testing.T) {
	doc := map[string]any{
		"plan": map[string]any{
			"plan_id":      "22222222-2222-4222-8222-222222222222",
			"title":        "p",
			"root_task_id": "33333333-3333-4333-8333-333333333333",
		},
		"nodes": []any{
			map[string]any{
				"task_id": "33333333-3333-4333-8333-333333333333",
				"node_type": "GOAL", "title": "root",
			},
		},
		"requirements": []any{
			map[string]any{
				"requirement_id": "44444444-4444-4444-8444-444444444444",
				"task_id":        "33333333-3333-4333-8333-333333333333",
				"name":           "notes", "kind": "FILE", "required": 0, "source": "USER",
			},
		},
	}
	g, err := DecodeGraph(doc, "")
	require.NoError(t, err)
	require.Len(t, g.Requirements, 1)
	assert.False(t, g.Requirements[0].Required)
	assert.Equal(t, 1, g.Requirements[0].MinCount)
	assert.Equal(t, "22222222-2222-4222-8222-222222222222", g.Plan.PlanID)
}
