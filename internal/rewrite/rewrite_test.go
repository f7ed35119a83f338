package rewrite

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskloom/internal/config"
	"taskloom/internal/model"
	"taskloom/internal/store"
)

type rewriteEnv struct {
	store  *store.Store
	rw     *Rewriter
	planID string
	root   string
}

func newRewriteEnv(t *testing.T, rt config.Runtime) *rewriteEnv {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	env := &rewriteEnv{
		store:  st,
		planID: uuid.NewString(),
		rw:     &Rewriter{Store: st, Runtime: rt, WS: config.NewWorkspace(t.TempDir())},
	}
	require.NoError(t, st.UpsertPlan(&model.Plan{PlanID: env.planID, Title: "rewrite test plan"}))
	root := &model.TaskNode{PlanID: env.planID, NodeType: model.NodeGoal, Title: "root", ActiveBranch: true}
	require.NoError(t, st.InsertTask(root))
	require.NoError(t, st.SetPlanRoot(env.planID, root.TaskID))
	env.root = root.TaskID
	return env
}

func (e *rewriteEnv) action(t *testing.T, title string, days float64) string {
	t.Helper()
	n := &model.TaskNode{
		PlanID:              e.planID,
		NodeType:            model.NodeAction,
		Title:               title,
		Status:              model.StatusPending,
		ActiveBranch:        true,
		EstimatedPersonDays: days,
	}
	require.NoError(t, e.store.InsertTask(n))
	require.NoError(t, e.store.InsertEdge(&model.TaskEdge{
		PlanID: e.planID, FromTaskID: e.root, ToTaskID: n.TaskID,
		EdgeType: model.EdgeDecompose, AndOr: model.AndOrAnd,
	}))
	return n.TaskID
}

func (e *rewriteEnv) bindCheck(t *testing.T, actionID string) string {
	t.Helper()
	check := &model.TaskNode{
		PlanID:             e.planID,
		NodeType:           model.NodeCheck,
		Title:              "review",
		Owner:              model.OwnerReviewer,
		Status:             model.StatusPending,
		ActiveBranch:       true,
		ReviewTargetTaskID: actionID,
	}
	require.NoError(t, e.store.InsertTask(check))
	require.NoError(t, e.store.InsertEdge(&model.TaskEdge{
		PlanID: e.planID, FromTaskID: e.root, ToTaskID: check.TaskID,
		EdgeType: model.EdgeDecompose, AndOr: model.AndOrAnd,
	}))
	return check.TaskID
}

// fill gives an action the sizing fields a well-formed plan carries.
func (e *rewriteEnv) fill(t *testing.T, actionID string) {
	t.Helper()
	require.NoError(t, e.store.SetDeliverableSpec(actionID, map[string]any{"kind": "document", "format": "md"}))
	require.NoError(t, e.store.SetAcceptanceCriteria(actionID, []map[string]any{{"criterion": "complete"}}))
}

func patchesOfType(patches []Patch, typ string) []Patch {
	var out []Patch
	for _, p := range patches {
		if p.Type == typ {
			out = append(out, p)
		}
	}
	return out
}

func TestPlanPatchesFlagsDefects(t *testing.T) {
	env := newRewriteEnv(t, config.DefaultRuntime())
	bare := env.action(t, "bare task", 0)
	big := env.action(t, "huge task", 25)
	env.fill(t, big)
	env.bindCheck(t, big)

	patches, err := env.rw.PlanPatches(env.planID)
	require.NoError(t, err)

	missing := patchesOfType(patches, PatchAddMissingFields)
	require.Len(t, missing, 1)
	assert.Equal(t, bare, missing[0].TaskID)
	assert.True(t, missing[0].ApplyAllowed)
	assert.Contains(t, missing[0].Details, "estimated_person_days")
	assert.Contains(t, missing[0].Details, "deliverable_spec")
	assert.Contains(t, missing[0].Details, "acceptance_criteria")

	bindings := patchesOfType(patches, PatchAddCheckBinding)
	require.Len(t, bindings, 1)
	assert.Equal(t, bare, bindings[0].TaskID)

	splits := patchesOfType(patches, PatchSplitOversized)
	require.Len(t, splits, 1)
	assert.Equal(t, big, splits[0].TaskID)
	assert.True(t, splits[0].ApplyAllowed)
	assert.Equal(t, 3, splits[0].Details["parts"])
}

func TestApplyMissingFieldsAndCheckBinding(t *testing.T) {
	env := newRewriteEnv(t, config.DefaultRuntime())
	bare := env.action(t, "bare task", 0)

	patches, err := env.rw.PlanPatches(env.planID)
	require.NoError(t, err)
	applied, err := env.rw.Apply(env.planID, patches)
	require.NoError(t, err)
	assert.Len(t, applied, 2)

	task, err := env.store.GetTask(bare)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultRuntime().OneShotThresholdDays/2, task.EstimatedPersonDays)
	assert.NotEmpty(t, task.DeliverableSpec)
	assert.NotEmpty(t, task.AcceptanceCriteria)

	check, err := env.store.CheckForAction(bare)
	require.NoError(t, err)
	require.NotNil(t, check)
	assert.Equal(t, bare, check.ReviewTargetTaskID)
	assert.True(t, check.HasTag("autofix"))

	// The repaired task no longer needs patches.
	patches, err = env.rw.PlanPatches(env.planID)
	require.NoError(t, err)
	assert.Empty(t, patches)
}

func TestSplitOversizedAction(t *testing.T) {
	env := newRewriteEnv(t, config.DefaultRuntime())
	big := env.action(t, "huge task", 25)
	env.fill(t, big)
	priorCheck := env.bindCheck(t, big)

	patches, err := env.rw.PlanPatches(env.planID)
	require.NoError(t, err)
	splits := patchesOfType(patches, PatchSplitOversized)
	require.Len(t, splits, 1)

	_, err = env.rw.Apply(env.planID, splits)
	require.NoError(t, err)

	parent, err := env.store.GetTask(big)
	require.NoError(t, err)
	assert.Equal(t, model.NodeGoal, parent.NodeType, "the oversized action becomes a goal")
	assert.Equal(t, model.StatusPending, parent.Status)

	tasks, err := env.store.ListTasks(env.planID)
	require.NoError(t, err)
	var childActions, childChecks int
	for _, n := range tasks {
		if !n.HasTag("split") {
			continue
		}
		switch n.NodeType {
		case model.NodeAction:
			childActions++
			assert.InDelta(t, 25.0/3.0, n.EstimatedPersonDays, 0.01)
			assert.NotEmpty(t, n.DeliverableSpec, "sizing fields carry over to the parts")
		case model.NodeCheck:
			childChecks++
			assert.NotEmpty(t, n.ReviewTargetTaskID)
		}
	}
	assert.Equal(t, 3, childActions)
	assert.Equal(t, 3, childChecks)

	// Reviewing the old whole no longer means anything.
	prior, err := env.store.GetTask(priorCheck)
	require.NoError(t, err)
	assert.Empty(t, prior.ReviewTargetTaskID)
	assert.Equal(t, model.StatusAbandoned, prior.Status)
}

func TestSplitBlockedAtDepthLimit(t *testing.T) {
	rt := config.DefaultRuntime()
	rt.MaxDecompositionDepth = 1
	env := newRewriteEnv(t, rt)
	big := env.action(t, "huge task", 25)
	env.fill(t, big)
	env.bindCheck(t, big)

	patches, err := env.rw.PlanPatches(env.planID)
	require.NoError(t, err)
	splits := patchesOfType(patches, PatchSplitOversized)
	require.Len(t, splits, 1)
	assert.False(t, splits[0].ApplyAllowed)
	assert.NotEmpty(t, splits[0].Reason)

	applied, err := env.rw.Apply(env.planID, splits)
	require.NoError(t, err)
	assert.Empty(t, applied)

	// Converge stops and asks for external input instead of looping.
	require.NoError(t, env.rw.Converge(env.planID))
	events, err := env.store.ListEvents(env.planID, 50)
	require.NoError(t, err)
	var request *model.Event
	for _, ev := range events {
		if ev.EventType == model.EventRequestExternalInput {
			request = ev
		}
	}
	require.NotNil(t, request)
	docs, ok := request.Payload["required_docs"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, docs)
	assert.LessOrEqual(t, len(docs), maxRequestedDocs)
	entry, ok := docs[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, PatchSplitOversized, entry["type"])
	assert.Equal(t, big, entry["task_id"])
	assert.NotEmpty(t, entry["reason"])
	assert.NotEmpty(t, request.Payload["hint"])
}

func TestConvergeSurfacesUnfixableDiagnoses(t *testing.T) {
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	rw := &Rewriter{Store: st, Runtime: config.DefaultRuntime(), WS: config.NewWorkspace(t.TempDir())}

	// A plan without a root cannot be repaired by patches.
	planID := uuid.NewString()
	require.NoError(t, st.UpsertPlan(&model.Plan{PlanID: planID, Title: "rootless plan"}))

	require.NoError(t, rw.Converge(planID))
	events, err := st.ListEvents(planID, 10)
	require.NoError(t, err)
	var request *model.Event
	for _, ev := range events {
		if ev.EventType == model.EventRequestExternalInput {
			request = ev
		}
	}
	require.NotNil(t, request)
	docs, ok := request.Payload["required_docs"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, docs)
	entry, ok := docs[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "MISSING_ROOT", entry["code"])
}

func TestConvergeReachesCleanGraph(t *testing.T) {
	env := newRewriteEnv(t, config.DefaultRuntime())
	env.action(t, "huge bare task", 25)

	require.NoError(t, env.rw.Converge(env.planID))

	patches, err := env.rw.PlanPatches(env.planID)
	require.NoError(t, err)
	assert.Empty(t, patches, "the graph is structurally clean after converging")

	events, err := env.store.ListEvents(env.planID, 200)
	require.NoError(t, err)
	rewrites := 0
	for _, ev := range events {
		if ev.EventType == model.EventPlanRewrite {
			rewrites++
		}
	}
	assert.Greater(t, rewrites, 0)
}

func TestSnapshotCopiesStateDB(t *testing.T) {
	env := newRewriteEnv(t, config.DefaultRuntime())
	require.NoError(t, env.rw.WS.EnsureDirs())
	require.NoError(t, os.WriteFile(env.rw.WS.DBPath(), []byte("db bytes"), 0o644))

	path, err := env.rw.Snapshot()
	require.NoError(t, err)
	require.NotEmpty(t, path)
	assert.Equal(t, env.rw.WS.SnapshotsDir(), filepath.Dir(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "db bytes", string(data))
}
