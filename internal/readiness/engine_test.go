package readiness

import (
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskloom/internal/config"
	"taskloom/internal/model"
	"taskloom/internal/store"
)

type engineEnv struct {
	store  *store.Store
	ws     config.Workspace
	engine *Engine
	planID string
	root   string
}

func newEngineEnv(t *testing.T) *engineEnv {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ws := config.NewWorkspace(t.TempDir())
	env := &engineEnv{store: st, ws: ws, engine: NewEngine(st, ws), planID: uuid.NewString()}
	require.NoError(t, st.UpsertPlan(&model.Plan{PlanID: env.planID, Title: "readiness test plan"}))
	env.root = env.task(t, model.NodeGoal, model.StatusPending, "root")
	require.NoError(t, st.SetPlanRoot(env.planID, env.root))
	return env
}

func (e *engineEnv) task(t *testing.T, nt model.NodeType, status model.Status, title string) string {
	t.Helper()
	n := &model.TaskNode{
		PlanID:       e.planID,
		NodeType:     nt,
		Title:        title,
		Status:       status,
		ActiveBranch: true,
	}
	require.NoError(t, e.store.InsertTask(n))
	return n.TaskID
}

func (e *engineEnv) decompose(t *testing.T, from, to string, mode model.AndOr) {
	t.Helper()
	require.NoError(t, e.store.InsertEdge(&model.TaskEdge{
		PlanID: e.planID, FromTaskID: from, ToTaskID: to,
		EdgeType: model.EdgeDecompose, AndOr: mode,
	}))
}

func (e *engineEnv) dependsOn(t *testing.T, from, to string) {
	t.Helper()
	require.NoError(t, e.store.InsertEdge(&model.TaskEdge{
		PlanID: e.planID, FromTaskID: from, ToTaskID: to,
		EdgeType: model.EdgeDependsOn,
	}))
}

func (e *engineEnv) alternative(t *testing.T, group, candidate string) {
	t.Helper()
	require.NoError(t, e.store.InsertEdge(&model.TaskEdge{
		PlanID: e.planID, FromTaskID: e.root, ToTaskID: candidate,
		EdgeType: model.EdgeAlternative, GroupID: group,
	}))
}

func (e *engineEnv) get(t *testing.T, id string) *model.TaskNode {
	t.Helper()
	n, err := e.store.GetTask(id)
	require.NoError(t, err)
	return n
}

func TestRecomputeGatesOnDependencies(t *testing.T) {
	env := newEngineEnv(t)
	collect := env.task(t, model.NodeAction, model.StatusPending, "collect")
	write := env.task(t, model.NodeAction, model.StatusPending, "write")
	env.decompose(t, env.root, collect, model.AndOrAnd)
	env.decompose(t, env.root, write, model.AndOrAnd)
	env.dependsOn(t, write, collect)

	require.NoError(t, env.engine.Recompute(env.planID))
	assert.Equal(t, model.StatusReady, env.get(t, collect).Status)
	assert.Equal(t, model.StatusPending, env.get(t, write).Status, "gated behind its dependency")

	require.NoError(t, env.store.SetStatus(collect, model.StatusDone, ""))
	require.NoError(t, env.engine.Recompute(env.planID))
	assert.Equal(t, model.StatusReady, env.get(t, write).Status)
}

func TestRecomputeDemotesReadyWhenDependencyRegresses(t *testing.T) {
	env := newEngineEnv(t)
	dep := env.task(t, model.NodeAction, model.StatusPending, "dep")
	task := env.task(t, model.NodeAction, model.StatusReady, "task")
	env.decompose(t, env.root, dep, model.AndOrAnd)
	env.decompose(t, env.root, task, model.AndOrAnd)
	env.dependsOn(t, task, dep)

	require.NoError(t, env.engine.Recompute(env.planID))
	assert.Equal(t, model.StatusPending, env.get(t, task).Status)
}

func TestRecomputeIsIdempotent(t *testing.T) {
	env := newEngineEnv(t)
	a := env.task(t, model.NodeAction, model.StatusPending, "a")
	b := env.task(t, model.NodeAction, model.StatusPending, "b")
	env.decompose(t, env.root, a, model.AndOrAnd)
	env.decompose(t, env.root, b, model.AndOrAnd)
	env.dependsOn(t, b, a)

	require.NoError(t, env.engine.Recompute(env.planID))
	first, err := env.store.ListEvents(env.planID, 100)
	require.NoError(t, err)

	require.NoError(t, env.engine.Recompute(env.planID))
	second, err := env.store.ListEvents(env.planID, 100)
	require.NoError(t, err)
	assert.Len(t, second, len(first), "second pass changes nothing")
}

func TestRecomputeBlocksOnMissingInputs(t *testing.T) {
	env := newEngineEnv(t)
	task := env.task(t, model.NodeAction, model.StatusPending, "needs file")
	env.decompose(t, env.root, task, model.AndOrAnd)
	req := &model.InputRequirement{
		TaskID: task, Name: "sales_figures", Kind: model.ReqFile,
		Required: true, MinCount: 1, Source: model.SourceUser,
	}
	require.NoError(t, env.store.InsertRequirement(req))

	require.NoError(t, env.engine.Recompute(env.planID))
	n := env.get(t, task)
	assert.Equal(t, model.StatusBlocked, n.Status)
	assert.Equal(t, model.WaitingInput, n.BlockedReason)

	// The human-facing required docs file exists while blocked.
	_, err := os.Stat(env.ws.RequiredDocsPath(task))
	require.NoError(t, err)

	countWaiting := func() int {
		events, err := env.store.ListTaskEvents(task, 100)
		require.NoError(t, err)
		n := 0
		for _, ev := range events {
			if ev.EventType == model.EventWaitingInput {
				n++
			}
		}
		return n
	}
	assert.Equal(t, 1, countWaiting())

	// Re-running while still blocked does not emit another event.
	require.NoError(t, env.engine.Recompute(env.planID))
	assert.Equal(t, 1, countWaiting())

	// Binding evidence unblocks the task and clears the docs file.
	require.NoError(t, env.store.BindEvidence(&model.Evidence{
		RequirementID: req.RequirementID, TaskID: task,
		Path: "inputs/sales.csv", SHA256: "abc", Source: model.SourceUser,
	}))
	require.NoError(t, env.engine.Recompute(env.planID))
	n = env.get(t, task)
	assert.Equal(t, model.StatusReady, n.Status)
	assert.Empty(t, n.BlockedReason)
	_, err = os.Stat(env.ws.RequiredDocsPath(task))
	assert.True(t, os.IsNotExist(err))
}

func (e *engineEnv) taskWithPriority(t *testing.T, nt model.NodeType, status model.Status, title string, priority int) string {
	t.Helper()
	n := &model.TaskNode{
		PlanID:       e.planID,
		NodeType:     nt,
		Title:        title,
		Status:       status,
		Priority:     priority,
		ActiveBranch: true,
	}
	require.NoError(t, e.store.InsertTask(n))
	return n.TaskID
}

func TestAlternativeGroupPicksBestCandidate(t *testing.T) {
	env := newEngineEnv(t)
	fast := env.taskWithPriority(t, model.NodeAction, model.StatusPending, "fast path", 5)
	slow := env.taskWithPriority(t, model.NodeAction, model.StatusPending, "slow path", 1)
	env.decompose(t, env.root, fast, model.AndOrOr)
	env.decompose(t, env.root, slow, model.AndOrOr)
	env.alternative(t, "approach", fast)
	env.alternative(t, "approach", slow)

	require.NoError(t, env.engine.Recompute(env.planID))
	assert.True(t, env.get(t, fast).ActiveBranch)
	assert.False(t, env.get(t, slow).ActiveBranch)
	assert.Equal(t, model.StatusReady, env.get(t, fast).Status)
	// The losing branch is parked, not gated.
	assert.Equal(t, model.StatusPending, env.get(t, slow).Status)
}

func TestAlternativeDoneCandidateAbandonsRivals(t *testing.T) {
	env := newEngineEnv(t)
	winner := env.task(t, model.NodeAction, model.StatusDone, "winner")
	rival := env.task(t, model.NodeAction, model.StatusInProgress, "rival")
	env.decompose(t, env.root, winner, model.AndOrOr)
	env.decompose(t, env.root, rival, model.AndOrOr)
	env.alternative(t, "approach", winner)
	env.alternative(t, "approach", rival)

	require.NoError(t, env.engine.Recompute(env.planID))
	assert.True(t, env.get(t, winner).ActiveBranch)
	r := env.get(t, rival)
	assert.Equal(t, model.StatusAbandoned, r.Status)
	assert.False(t, r.ActiveBranch)
}

func TestAlternativeFailedCandidateLosesBranch(t *testing.T) {
	env := newEngineEnv(t)
	failed := env.taskWithPriority(t, model.NodeAction, model.StatusFailed, "first try", 5)
	fallback := env.taskWithPriority(t, model.NodeAction, model.StatusPending, "fallback", 1)
	env.decompose(t, env.root, failed, model.AndOrOr)
	env.decompose(t, env.root, fallback, model.AndOrOr)
	env.alternative(t, "approach", failed)
	env.alternative(t, "approach", fallback)

	require.NoError(t, env.engine.Recompute(env.planID))
	assert.False(t, env.get(t, failed).ActiveBranch)
	fb := env.get(t, fallback)
	assert.True(t, fb.ActiveBranch)
	assert.Equal(t, model.StatusReady, fb.Status)
}

func TestInactivityPropagatesDownDecompose(t *testing.T) {
	env := newEngineEnv(t)
	branchA := env.taskWithPriority(t, model.NodeGoal, model.StatusPending, "branch a", 5)
	branchB := env.taskWithPriority(t, model.NodeGoal, model.StatusPending, "branch b", 1)
	childB := env.task(t, model.NodeAction, model.StatusPending, "child of b")
	env.decompose(t, env.root, branchA, model.AndOrOr)
	env.decompose(t, env.root, branchB, model.AndOrOr)
	env.decompose(t, branchB, childB, model.AndOrAnd)
	env.alternative(t, "branch", branchA)
	env.alternative(t, "branch", branchB)

	require.NoError(t, env.engine.Recompute(env.planID))
	assert.False(t, env.get(t, branchB).ActiveBranch)
	child := env.get(t, childB)
	assert.False(t, child.ActiveBranch, "inactivity reaches the subtree")
	assert.Equal(t, model.StatusPending, child.Status, "inactive tasks are never promoted")
}

func TestInactivityPropagatesAcrossDependsOn(t *testing.T) {
	env := newEngineEnv(t)
	winner := env.taskWithPriority(t, model.NodeAction, model.StatusPending, "winner", 5)
	loser := env.taskWithPriority(t, model.NodeAction, model.StatusPending, "loser", 1)
	dependent := env.task(t, model.NodeAction, model.StatusPending, "needs loser")
	env.decompose(t, env.root, winner, model.AndOrOr)
	env.decompose(t, env.root, loser, model.AndOrOr)
	env.decompose(t, env.root, dependent, model.AndOrAnd)
	env.alternative(t, "approach", winner)
	env.alternative(t, "approach", loser)
	env.dependsOn(t, dependent, loser)

	require.NoError(t, env.engine.Recompute(env.planID))
	assert.False(t, env.get(t, loser).ActiveBranch)
	dep := env.get(t, dependent)
	assert.False(t, dep.ActiveBranch, "a dependent of a lost branch cannot run")
	assert.Equal(t, model.StatusPending, dep.Status)
}

func TestGoalAggregationAnd(t *testing.T) {
	env := newEngineEnv(t)
	goal := env.task(t, model.NodeGoal, model.StatusPending, "goal")
	a := env.task(t, model.NodeAction, model.StatusDone, "a")
	b := env.task(t, model.NodeAction, model.StatusDone, "b")
	env.decompose(t, env.root, goal, model.AndOrAnd)
	env.decompose(t, goal, a, model.AndOrAnd)
	env.decompose(t, goal, b, model.AndOrAnd)

	require.NoError(t, env.engine.Recompute(env.planID))
	assert.Equal(t, model.StatusDone, env.get(t, goal).Status)
	// Completion rolls up through the root in the same pass.
	assert.Equal(t, model.StatusDone, env.get(t, env.root).Status)
}

func TestGoalAggregationAndFailsOnAnyFailure(t *testing.T) {
	env := newEngineEnv(t)
	goal := env.task(t, model.NodeGoal, model.StatusPending, "goal")
	a := env.task(t, model.NodeAction, model.StatusDone, "a")
	b := env.task(t, model.NodeAction, model.StatusFailed, "b")
	env.decompose(t, env.root, goal, model.AndOrAnd)
	env.decompose(t, goal, a, model.AndOrAnd)
	env.decompose(t, goal, b, model.AndOrAnd)

	require.NoError(t, env.engine.Recompute(env.planID))
	assert.Equal(t, model.StatusFailed, env.get(t, goal).Status)
}

func TestGoalAggregationOr(t *testing.T) {
	env := newEngineEnv(t)
	goal := env.task(t, model.NodeGoal, model.StatusPending, "goal")
	a := env.task(t, model.NodeAction, model.StatusDone, "a")
	b := env.task(t, model.NodeAction, model.StatusFailed, "b")
	env.decompose(t, env.root, goal, model.AndOrAnd)
	env.decompose(t, goal, a, model.AndOrOr)
	env.decompose(t, goal, b, model.AndOrOr)

	require.NoError(t, env.engine.Recompute(env.planID))
	assert.Equal(t, model.StatusDone, env.get(t, goal).Status, "first DONE child completes an OR goal")
}

func TestGoalAggregationOrFailsOnlyWhenExhausted(t *testing.T) {
	env := newEngineEnv(t)
	goal := env.task(t, model.NodeGoal, model.StatusPending, "goal")
	a := env.task(t, model.NodeAction, model.StatusFailed, "a")
	b := env.task(t, model.NodeAction, model.StatusFailed, "b")
	env.decompose(t, env.root, goal, model.AndOrAnd)
	env.decompose(t, goal, a, model.AndOrOr)
	env.decompose(t, goal, b, model.AndOrOr)

	require.NoError(t, env.engine.Recompute(env.planID))
	assert.Equal(t, model.StatusFailed, env.get(t, goal).Status)
}

func TestReopenChecksOnNewCandidateArtifact(t *testing.T) {
	env := newEngineEnv(t)
	action := env.task(t, model.NodeAction, model.StatusReadyToCheck, "write report")
	check := env.task(t, model.NodeCheck, model.StatusDone, "review report")
	env.decompose(t, env.root, action, model.AndOrAnd)
	env.decompose(t, env.root, check, model.AndOrAnd)
	require.NoError(t, env.store.SetReviewTarget(check, action))

	first := &model.Artifact{TaskID: action, Name: "report", Path: "report.md", Format: "md", SHA256: "v1"}
	require.NoError(t, env.store.InsertArtifact(first))
	require.NoError(t, env.store.InsertReview(&model.Review{
		CheckTaskID: check, ReviewTargetTaskID: action, ReviewedArtifactID: first.ArtifactID,
		Reviewer: "reviewer", TotalScore: 60, Verdict: model.VerdictRejected, Summary: "needs work",
	}))

	second := &model.Artifact{TaskID: action, Name: "report", Path: "report.md", Format: "md", SHA256: "v2"}
	require.NoError(t, env.store.InsertArtifact(second))
	require.NoError(t, env.store.SetActiveArtifact(action, second.ArtifactID))

	require.NoError(t, env.engine.Recompute(env.planID))
	assert.Equal(t, model.StatusReady, env.get(t, check).Status, "re-armed for the new candidate")
}

func TestReopenChecksLeavesReviewedArtifactAlone(t *testing.T) {
	env := newEngineEnv(t)
	action := env.task(t, model.NodeAction, model.StatusReadyToCheck, "write report")
	check := env.task(t, model.NodeCheck, model.StatusDone, "review report")
	env.decompose(t, env.root, action, model.AndOrAnd)
	env.decompose(t, env.root, check, model.AndOrAnd)
	require.NoError(t, env.store.SetReviewTarget(check, action))

	art := &model.Artifact{TaskID: action, Name: "report", Path: "report.md", Format: "md", SHA256: "v1"}
	require.NoError(t, env.store.InsertArtifact(art))
	require.NoError(t, env.store.SetActiveArtifact(action, art.ArtifactID))
	require.NoError(t, env.store.InsertReview(&model.Review{
		CheckTaskID: check, ReviewTargetTaskID: action, ReviewedArtifactID: art.ArtifactID,
		Reviewer: "reviewer", TotalScore: 95, Verdict: model.VerdictApproved, Summary: "fine",
	}))

	require.NoError(t, env.engine.Recompute(env.planID))
	assert.Equal(t, model.StatusDone, env.get(t, check).Status)
}
